package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeSheetsAPI serves the two Sheets endpoints AppendRow touches: the A1:A1
// read probe and the append call.
func fakeSheetsAPI(t *testing.T, tabEmpty bool, appended *[][]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.Method == http.MethodGet {
			if tabEmpty {
				w.Write([]byte(`{}`))
			} else {
				w.Write([]byte(`{"values":[["Full name"]]}`))
			}
			return
		}
		if !strings.Contains(r.URL.RawQuery, "valueInputOption=USER_ENTERED") {
			t.Errorf("unexpected append query %q", r.URL.RawQuery)
		}
		body, _ := io.ReadAll(r.Body)
		var parsed struct {
			Values [][]string `json:"values"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Errorf("append body is not JSON: %v", err)
		}
		*appended = parsed.Values
		w.Write([]byte(`{}`))
	}))
}

func newTestSheetsClient(srv *httptest.Server) *GoogleSheetsClient {
	return &GoogleSheetsClient{client: srv.Client(), baseURL: srv.URL, accessToken: "tok"}
}

func TestSheetsAppendWritesHeaderOnEmptyTab(t *testing.T) {
	var appended [][]string
	srv := fakeSheetsAPI(t, true, &appended)
	defer srv.Close()

	c := newTestSheetsClient(srv)
	err := c.AppendRow(context.Background(), "sheet-1", "", []string{"Full name"}, []string{"Alice"})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if len(appended) != 2 || appended[0][0] != "Full name" || appended[1][0] != "Alice" {
		t.Errorf("empty tab must get a header row first, got %v", appended)
	}
}

func TestSheetsAppendSkipsHeaderOnPopulatedTab(t *testing.T) {
	var appended [][]string
	srv := fakeSheetsAPI(t, false, &appended)
	defer srv.Close()

	c := newTestSheetsClient(srv)
	err := c.AppendRow(context.Background(), "sheet-1", "Leads", []string{"Full name"}, []string{"Bob"})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if len(appended) != 1 || appended[0][0] != "Bob" {
		t.Errorf("populated tab must get only the value row, got %v", appended)
	}
}

func TestSheetsAppendRequiresSpreadsheetID(t *testing.T) {
	c := &GoogleSheetsClient{client: http.DefaultClient, baseURL: "http://unused", accessToken: "tok"}
	if err := c.AppendRow(context.Background(), "", "", nil, []string{"x"}); err == nil {
		t.Fatal("expected error for missing spreadsheet id")
	}
}

func TestNewGoogleSheetsClientRequiresToken(t *testing.T) {
	t.Setenv("SHEETS_ACCESS_TOKEN", "")
	if _, err := NewGoogleSheetsClient(""); err == nil {
		t.Fatal("expected error without access token")
	}
}
