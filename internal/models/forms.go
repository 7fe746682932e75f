// Package models defines the core data structures for FormPilot.
//
// It includes form, intent, field, and tool definitions shared across modules,
// plus the conversation state mutated by the engine each turn.
package models

import (
	"errors"
	"fmt"
	"strings"
)

// FieldType defines how a field's raw answer is parsed and validated.
type FieldType string

const (
	// FieldTypeText accepts any string, subject to length and pattern constraints.
	FieldTypeText FieldType = "text"
	// FieldTypeNumber parses a floating point value with optional bounds.
	FieldTypeNumber FieldType = "number"
	// FieldTypeDate accepts a date expression as an opaque string.
	FieldTypeDate FieldType = "date"
	// FieldTypeBoolean accepts yes/no style answers.
	FieldTypeBoolean FieldType = "boolean"
	// FieldTypeDropdown accepts one of a configured or dynamically resolved option list.
	FieldTypeDropdown FieldType = "dropdown"
	// FieldTypeFile accepts a file reference as an opaque string.
	FieldTypeFile FieldType = "file"
)

// IsValidFieldType checks if the given field type is supported.
func IsValidFieldType(ft FieldType) bool {
	switch ft {
	case FieldTypeText, FieldTypeNumber, FieldTypeDate, FieldTypeBoolean, FieldTypeDropdown, FieldTypeFile:
		return true
	default:
		return false
	}
}

// FormMode defines how a form collects its fields.
type FormMode string

const (
	// ModeStepByStep requests and validates one field per turn.
	ModeStepByStep FormMode = "step-by-step"
	// ModeOneShot solicits all fields in a single prompt and extracts them from free text.
	ModeOneShot FormMode = "one-shot"
)

// Delivery channel identifiers for completed form submissions.
const (
	// DeliveryEmail sends the collected values over SMTP.
	DeliveryEmail = "email"
	// DeliveryWebhook posts the collected values to an HTTP endpoint.
	DeliveryWebhook = "webhook"
	// DeliverySMS sends a summary via Twilio SMS.
	DeliverySMS = "sms"
	// DeliverySheets appends a row to a Google Sheets spreadsheet.
	DeliverySheets = "google_sheets"
)

// Error variables for configuration validation.
var (
	ErrEmptyFormID       = errors.New("form id cannot be empty")
	ErrEmptyFieldName    = errors.New("field name cannot be empty")
	ErrInvalidFieldType  = errors.New("invalid field type")
	ErrInvalidFormMode   = errors.New("invalid form mode")
	ErrUnknownOrderField = errors.New("field_order references an undeclared field")
	ErrEmptyIntentID     = errors.New("intent id cannot be empty")
	ErrEmptyTargetForm   = errors.New("intent target_form cannot be empty")
)

// FieldDefinition describes a single value a form collects.
type FieldDefinition struct {
	Name            string    `json:"name"`
	Label           string    `json:"label"`
	Type            FieldType `json:"type"`
	Required        bool      `json:"required"`
	DropdownOptions []string  `json:"dropdown_options,omitempty"`
	// DropdownTool names a configured tool that resolves the option list at runtime.
	DropdownTool string `json:"dropdown_tool,omitempty"`
	// CompletionHook names a configured tool fired once after this field's value is accepted.
	CompletionHook string   `json:"completion_hook,omitempty"`
	Pattern        string   `json:"pattern,omitempty"`
	MinLength      *int     `json:"min_length,omitempty"`
	MaxLength      *int     `json:"max_length,omitempty"`
	Minimum        *float64 `json:"minimum,omitempty"`
	Maximum        *float64 `json:"maximum,omitempty"`
}

// Validate performs structural validation on a field definition.
func (f *FieldDefinition) Validate() error {
	if f.Name == "" {
		return ErrEmptyFieldName
	}
	if !IsValidFieldType(f.Type) {
		return fmt.Errorf("field %q: %w", f.Name, ErrInvalidFieldType)
	}
	return nil
}

// DeliveryConfig describes where a completed form's values are dispatched.
type DeliveryConfig struct {
	Channel string `json:"channel"`
	// Target is channel specific: an email address, webhook URL, phone number,
	// or spreadsheet id.
	Target   string `json:"target"`
	Subject  string `json:"subject,omitempty"`
	SheetTab string `json:"sheet_tab,omitempty"`
}

// FormDefinition is the static schema for one collectable form.
type FormDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// SubmissionURL is a legacy webhook target used when no delivery policy is set.
	SubmissionURL string            `json:"submission_url,omitempty"`
	Mode          FormMode          `json:"mode"`
	FieldOrder    []string          `json:"field_order"`
	Fields        []FieldDefinition `json:"fields"`
	Delivery      *DeliveryConfig   `json:"delivery,omitempty"`
}

// FieldByName returns the field definition with the given name, or nil.
func (f *FormDefinition) FieldByName(name string) *FieldDefinition {
	for i := range f.Fields {
		if f.Fields[i].Name == name {
			return &f.Fields[i]
		}
	}
	return nil
}

// Validate performs structural validation on a form definition.
func (f *FormDefinition) Validate() error {
	if f.ID == "" {
		return ErrEmptyFormID
	}
	if f.Mode != ModeStepByStep && f.Mode != ModeOneShot {
		return fmt.Errorf("form %q: %w", f.ID, ErrInvalidFormMode)
	}
	for i := range f.Fields {
		if err := f.Fields[i].Validate(); err != nil {
			return fmt.Errorf("form %q: %w", f.ID, err)
		}
	}
	for _, name := range f.FieldOrder {
		if f.FieldByName(name) == nil {
			return fmt.Errorf("form %q field %q: %w", f.ID, name, ErrUnknownOrderField)
		}
	}
	return nil
}

// IntentDefinition maps a classified user intent to a target form.
type IntentDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TargetForm  string `json:"target_form"`
}

// Validate performs structural validation on an intent definition.
func (i *IntentDefinition) Validate() error {
	if i.ID == "" {
		return ErrEmptyIntentID
	}
	if i.TargetForm == "" {
		return fmt.Errorf("intent %q: %w", i.ID, ErrEmptyTargetForm)
	}
	return nil
}

// FormsConfig holds the published set of intents and forms for one agent version.
type FormsConfig struct {
	Intents []IntentDefinition `json:"intents"`
	Forms   []FormDefinition   `json:"forms"`
}

// FormByID returns the form with the given id, or nil.
func (c *FormsConfig) FormByID(id string) *FormDefinition {
	for i := range c.Forms {
		if c.Forms[i].ID == id {
			return &c.Forms[i]
		}
	}
	return nil
}

// IntentByID returns the intent with the given id, or nil.
func (c *FormsConfig) IntentByID(id string) *IntentDefinition {
	for i := range c.Intents {
		if c.Intents[i].ID == id {
			return &c.Intents[i]
		}
	}
	return nil
}

// Validate checks every intent and form, and that intents target declared forms.
func (c *FormsConfig) Validate() error {
	for i := range c.Forms {
		if err := c.Forms[i].Validate(); err != nil {
			return err
		}
	}
	for i := range c.Intents {
		if err := c.Intents[i].Validate(); err != nil {
			return err
		}
		if c.FormByID(c.Intents[i].TargetForm) == nil {
			return fmt.Errorf("intent %q targets unknown form %q", c.Intents[i].ID, c.Intents[i].TargetForm)
		}
	}
	return nil
}

// IntentNames returns the configured intent names in declaration order.
func (c *FormsConfig) IntentNames() []string {
	names := make([]string, 0, len(c.Intents))
	for _, it := range c.Intents {
		names = append(names, it.Name)
	}
	return names
}

// NormalizeMode fills in the default mode for forms that omit it.
func (c *FormsConfig) NormalizeMode() {
	for i := range c.Forms {
		if strings.TrimSpace(string(c.Forms[i].Mode)) == "" {
			c.Forms[i].Mode = ModeStepByStep
		}
	}
}
