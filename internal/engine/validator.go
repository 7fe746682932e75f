// Package engine implements the turn orchestration core of FormPilot.
//
// Given a conversation state and an incoming user message it resolves the
// active intent, advances the bound form (validating and storing field
// values), fires dynamic option lookups and completion hooks, answers
// off-form questions from the knowledge base, and records a trace of every
// step. All LLM, retrieval, and tool capabilities are injected as narrow
// interfaces; every capability failure degrades to deterministic behavior.
package engine

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/formpilot/FormPilot/internal/models"
)

// numberPattern extracts the first numeric token from free text, decimals
// preferred over integers. Used by heuristic extraction, not by validation.
var numberPattern = regexp.MustCompile(`([-+]?\d*\.\d+|[-+]?\d+)`)

// Boolean answer vocabularies. Matching is case-insensitive on the trimmed value.
var (
	truthyAnswers = map[string]bool{"yes": true, "true": true, "y": true, "1": true}
	falsyAnswers  = map[string]bool{"no": true, "false": true, "n": true, "0": true}
)

// ValidateField checks a raw user answer against a field definition and
// returns whether it is acceptable, a user-facing error message when it is
// not, and the parsed value when it is. A nil raw pointer means no value was
// provided this turn. optionsOverride, when non-nil, replaces the field's
// static dropdown options (used for dynamically resolved option lists).
//
// The function is pure: it never touches conversation state.
func ValidateField(field *models.FieldDefinition, raw *string, optionsOverride []string) (bool, string, any) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		if field.Required {
			return false, "No value provided.", nil
		}
		return true, "", nil
	}
	value := strings.TrimSpace(*raw)

	switch field.Type {
	case models.FieldTypeBoolean:
		return validateBoolean(value)
	case models.FieldTypeNumber:
		return validateNumber(field, value)
	case models.FieldTypeDropdown:
		options := optionsOverride
		if options == nil {
			options = field.DropdownOptions
		}
		return validateDropdown(value, options)
	default:
		return validateText(field, value)
	}
}

func validateBoolean(value string) (bool, string, any) {
	lowered := strings.ToLower(value)
	if truthyAnswers[lowered] {
		return true, "", true
	}
	if falsyAnswers[lowered] {
		return true, "", false
	}
	return false, "Expecting yes/no response.", nil
}

func validateNumber(field *models.FieldDefinition, value string) (bool, string, any) {
	// The whole answer must be the number; free-text extraction happens
	// upstream, before validation.
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false, "Please provide a numeric value.", nil
	}
	if field.Minimum != nil && parsed < *field.Minimum {
		return false, "Value must be at least " + formatNumber(*field.Minimum) + ".", nil
	}
	if field.Maximum != nil && parsed > *field.Maximum {
		return false, "Value must be at most " + formatNumber(*field.Maximum) + ".", nil
	}
	return true, "", parsed
}

func validateDropdown(value string, options []string) (bool, string, any) {
	if len(options) == 0 {
		return false, "No valid options are configured for this field.", nil
	}
	lowered := strings.ToLower(value)
	for _, opt := range options {
		if strings.ToLower(opt) == lowered {
			// Canonical casing from the option list, not the user's input.
			return true, "", opt
		}
	}
	return false, "Please choose one of: " + strings.Join(options, ", ") + ".", nil
}

func validateText(field *models.FieldDefinition, value string) (bool, string, any) {
	length := utf8.RuneCountInString(value)
	if field.MinLength != nil && length < *field.MinLength {
		return false, "Provide at least " + strconv.Itoa(*field.MinLength) + " characters.", nil
	}
	if field.MaxLength != nil && length > *field.MaxLength {
		return false, "Limit to " + strconv.Itoa(*field.MaxLength) + " characters.", nil
	}
	if field.Pattern != "" {
		re, err := regexp.Compile(field.Pattern)
		if err != nil {
			return false, "Value does not match required pattern.", nil
		}
		// Anchored at the start, the rest of the value may trail.
		loc := re.FindStringIndex(value)
		if loc == nil || loc[0] != 0 {
			return false, "Value does not match required pattern.", nil
		}
	}
	return true, "", value
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
