package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

const (
	sheetsBaseURL   = "https://sheets.googleapis.com"
	sheetsTimeout   = 15 * time.Second
	defaultSheetTab = "Sheet1"
)

// GoogleSheetsClient appends submission rows through the Sheets REST API.
type GoogleSheetsClient struct {
	client      *http.Client
	baseURL     string
	accessToken string
}

// NewGoogleSheetsClient creates a Sheets client. An empty token falls back to
// the SHEETS_ACCESS_TOKEN environment variable.
func NewGoogleSheetsClient(accessToken string) (*GoogleSheetsClient, error) {
	if accessToken == "" {
		accessToken = os.Getenv("SHEETS_ACCESS_TOKEN")
	}
	if accessToken == "" {
		return nil, fmt.Errorf("Google Sheets access token is required")
	}
	return &GoogleSheetsClient{
		client:      &http.Client{Timeout: sheetsTimeout},
		baseURL:     sheetsBaseURL,
		accessToken: accessToken,
	}, nil
}

// AppendRow appends one value row to the tab, writing the header row first
// when the tab is still empty.
func (c *GoogleSheetsClient) AppendRow(ctx context.Context, spreadsheetID, sheetTab string, headers, row []string) error {
	if spreadsheetID == "" {
		return fmt.Errorf("spreadsheet id is required")
	}
	if sheetTab == "" {
		sheetTab = defaultSheetTab
	}

	empty, err := c.tabIsEmpty(ctx, spreadsheetID, sheetTab)
	if err != nil {
		return err
	}
	values := [][]string{row}
	if empty && len(headers) > 0 {
		values = [][]string{headers, row}
	}
	return c.append(ctx, spreadsheetID, sheetTab, values)
}

func (c *GoogleSheetsClient) tabIsEmpty(ctx context.Context, spreadsheetID, sheetTab string) (bool, error) {
	u := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s",
		c.baseURL, url.PathEscape(spreadsheetID), url.PathEscape(sheetTab+"!A1:A1"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build sheets request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("sheets read failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("sheets read returned status %d: %s", resp.StatusCode, string(snippet))
	}
	var parsed struct {
		Values [][]any `json:"values"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("failed to decode sheets response: %w", err)
	}
	return len(parsed.Values) == 0, nil
}

func (c *GoogleSheetsClient) append(ctx context.Context, spreadsheetID, sheetTab string, values [][]string) error {
	u := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s:append?valueInputOption=USER_ENTERED&insertDataOption=INSERT_ROWS",
		c.baseURL, url.PathEscape(spreadsheetID), url.PathEscape(sheetTab+"!A1"))

	body, err := json.Marshal(map[string]any{"values": values})
	if err != nil {
		return fmt.Errorf("failed to encode sheets payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sheets request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sheets append failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sheets append returned status %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}
