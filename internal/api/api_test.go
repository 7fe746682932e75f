package api

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/formpilot/FormPilot/internal/delivery"
	"github.com/formpilot/FormPilot/internal/models"
	"github.com/formpilot/FormPilot/internal/store"
)

// testAgentConfig is a minimal publishable config: one intent routing to a
// two-field step-by-step form.
const testAgentConfig = `{
	"intents": [
		{"id": "contact_intent", "name": "contact", "description": "collect contact details", "target_form": "contact"}
	],
	"forms": [
		{
			"id": "contact",
			"name": "Contact",
			"mode": "step-by-step",
			"field_order": ["name", "age"],
			"fields": [
				{"name": "name", "label": "Full name", "type": "text", "required": true},
				{"name": "age", "label": "Age", "type": "number", "required": true}
			]
		}
	],
	"tools": []
}`

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(store.NewInMemoryStore(), opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func doJSON(t *testing.T, method, url string, body string) (*http.Response, models.APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var parsed models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return resp, parsed
}

func publishTestConfig(t *testing.T, baseURL string) {
	t.Helper()
	resp, parsed := doJSON(t, http.MethodPut, baseURL+"/config/draft", testAgentConfig)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("draft save failed: %d %s", resp.StatusCode, parsed.Message)
	}
	resp, parsed = doJSON(t, http.MethodPost, baseURL+"/config/publish", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("publish failed: %d %s", resp.StatusCode, parsed.Message)
	}
}

// chat posts one message and returns the reply plus the raw chat result.
func chat(t *testing.T, baseURL, threadID, message string) (string, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(models.ChatRequest{ThreadID: threadID, Message: message})
	resp, parsed := doJSON(t, http.MethodPost, baseURL+"/chat", string(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat failed: %d %s", resp.StatusCode, parsed.Message)
	}
	result, ok := parsed.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected chat result %T", parsed.Result)
	}
	reply, _ := result["reply"].(string)
	return reply, result
}

func TestChatWithoutPublishedConfig(t *testing.T) {
	_, srv := newTestServer(t)
	resp, parsed := doJSON(t, http.MethodPost, srv.URL+"/chat", `{"message":"hello"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if parsed.Message != "No published config found" {
		t.Errorf("unexpected message %q", parsed.Message)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	_, srv := newTestServer(t)

	resp, parsed := doJSON(t, http.MethodPost, srv.URL+"/chat", `{"message":""}`)
	if resp.StatusCode != http.StatusBadRequest || parsed.Message != "Missing required field: message" {
		t.Errorf("empty message: got %d %q", resp.StatusCode, parsed.Message)
	}

	resp, parsed = doJSON(t, http.MethodPost, srv.URL+"/chat", `{not json`)
	if resp.StatusCode != http.StatusBadRequest || parsed.Message != "Invalid JSON format" {
		t.Errorf("bad JSON: got %d %q", resp.StatusCode, parsed.Message)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/chat", nil)
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /chat: expected 405, got %d", raw.StatusCode)
	}
}

func TestConfigDraftAndPublishLifecycle(t *testing.T) {
	_, srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/config/draft", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 before any draft, got %d", resp.StatusCode)
	}

	resp, parsed := doJSON(t, http.MethodPut, srv.URL+"/config/draft", testAgentConfig)
	if resp.StatusCode != http.StatusOK || parsed.Message != "Draft saved" {
		t.Fatalf("draft save: got %d %q", resp.StatusCode, parsed.Message)
	}

	resp, parsed = doJSON(t, http.MethodPost, srv.URL+"/config/publish", "")
	if resp.StatusCode != http.StatusCreated || parsed.Message != "Published successfully" {
		t.Fatalf("publish: got %d %q", resp.StatusCode, parsed.Message)
	}
	result, _ := parsed.Result.(map[string]any)
	if result["version"] != 1.0 {
		t.Errorf("expected version 1, got %v", result["version"])
	}

	// Publishing again mints a new version from the same draft.
	resp, parsed = doJSON(t, http.MethodPost, srv.URL+"/config/publish", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("second publish: got %d", resp.StatusCode)
	}
	result, _ = parsed.Result.(map[string]any)
	if result["version"] != 2.0 {
		t.Errorf("expected version 2, got %v", result["version"])
	}

	resp, parsed = doJSON(t, http.MethodGet, srv.URL+"/config/versions", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("versions: got %d", resp.StatusCode)
	}
	versions, _ := parsed.Result.([]any)
	if len(versions) != 2 {
		t.Errorf("expected 2 versions, got %v", parsed.Result)
	}
}

func TestDraftRejectsInvalidConfig(t *testing.T) {
	_, srv := newTestServer(t)

	// Intent targeting an undeclared form.
	bad := `{"intents":[{"id":"i1","name":"x","target_form":"missing"}],"forms":[],"tools":[]}`
	resp, parsed := doJSON(t, http.MethodPut, srv.URL+"/config/draft", bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d (%s)", resp.StatusCode, parsed.Message)
	}

	resp, parsed = doJSON(t, http.MethodPut, srv.URL+"/config/draft", `{broken`)
	if resp.StatusCode != http.StatusBadRequest || parsed.Message != "Invalid JSON format" {
		t.Errorf("broken JSON: got %d %q", resp.StatusCode, parsed.Message)
	}
}

func TestPublishWithoutDraft(t *testing.T) {
	_, srv := newTestServer(t)
	resp, parsed := doJSON(t, http.MethodPost, srv.URL+"/config/publish", "")
	if resp.StatusCode != http.StatusNotFound || parsed.Message != "No draft config found" {
		t.Errorf("got %d %q", resp.StatusCode, parsed.Message)
	}
}

func TestChatConversationFlow(t *testing.T) {
	_, srv := newTestServer(t)
	publishTestConfig(t, srv.URL)

	reply, result := chat(t, srv.URL, "th_api1", "I want to contact you")
	if reply != "Please provide Full name (text)." {
		t.Fatalf("unexpected first prompt %q", reply)
	}
	state, _ := result["state"].(map[string]any)
	if state["form_id"] != "contact" {
		t.Errorf("expected bound form in state summary, got %v", state)
	}

	reply, _ = chat(t, srv.URL, "th_api1", "Alice Jones")
	if reply != "Please provide Age (number)." {
		t.Fatalf("unexpected second prompt %q", reply)
	}

	reply, result = chat(t, srv.URL, "th_api1", "25")
	want := "Contact completed with:\n- Full name: Alice Jones\n- Age: 25"
	if reply != want {
		t.Fatalf("unexpected summary %q", reply)
	}
	state, _ = result["state"].(map[string]any)
	if state["completed"] != true {
		t.Errorf("state summary must mark completion, got %v", state)
	}

	// The transcript and traces were persisted along the way.
	resp, parsed := doJSON(t, http.MethodGet, srv.URL+"/threads", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("threads: got %d", resp.StatusCode)
	}
	threads, _ := parsed.Result.([]any)
	if len(threads) != 1 {
		t.Fatalf("expected 1 thread, got %v", parsed.Result)
	}
	info, _ := threads[0].(map[string]any)
	if info["thread_id"] != "th_api1" || info["message_count"] != 6.0 {
		t.Errorf("unexpected thread info %v", info)
	}

	resp, parsed = doJSON(t, http.MethodGet, srv.URL+"/threads/th_api1/messages", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages: got %d", resp.StatusCode)
	}
	messages, _ := parsed.Result.([]any)
	if len(messages) != 6 {
		t.Fatalf("expected 6 transcript rows, got %d", len(messages))
	}
	first, _ := messages[0].(map[string]any)
	if first["role"] != models.RoleUser || first["content"] != "I want to contact you" {
		t.Errorf("unexpected first transcript row %v", first)
	}

	resp, parsed = doJSON(t, http.MethodGet, srv.URL+"/traces?thread_id=th_api1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("traces: got %d", resp.StatusCode)
	}
	traces, _ := parsed.Result.([]any)
	if len(traces) != 3 {
		t.Errorf("expected one trace per turn, got %d", len(traces))
	}
}

func TestChatGeneratesThreadID(t *testing.T) {
	_, srv := newTestServer(t)
	publishTestConfig(t, srv.URL)

	resp, parsed := doJSON(t, http.MethodPost, srv.URL+"/chat", `{"message":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat failed: %d", resp.StatusCode)
	}
	_ = parsed

	resp, parsed = doJSON(t, http.MethodGet, srv.URL+"/threads", "")
	threads, _ := parsed.Result.([]any)
	if len(threads) != 1 {
		t.Fatalf("expected a generated thread, got %v", parsed.Result)
	}
	info, _ := threads[0].(map[string]any)
	id, _ := info["thread_id"].(string)
	if !strings.HasPrefix(id, "th_") {
		t.Errorf("unexpected generated thread id %q", id)
	}
}

func TestChatPinnedVersion(t *testing.T) {
	_, srv := newTestServer(t)
	publishTestConfig(t, srv.URL)

	body := `{"thread_id":"th_v","message":"hi","version":9}`
	resp, parsed := doJSON(t, http.MethodPost, srv.URL+"/chat", body)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for missing version, got %d", resp.StatusCode)
	}
	if parsed.Message != "Config version 9 was not found" {
		t.Errorf("unexpected message %q", parsed.Message)
	}

	body = `{"thread_id":"th_v","message":"hi","version":1}`
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/chat", body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("pinned existing version must work, got %d", resp.StatusCode)
	}
}

func TestCompletedFormDispatchesSubmission(t *testing.T) {
	var hookBody []byte
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hookBody, _ = io.ReadAll(r.Body)
	}))
	defer target.Close()

	dispatcher := delivery.NewDispatcher("default", "default", delivery.WithWebhook(delivery.NewHTTPWebhookSender()))
	_, srv := newTestServer(t, WithDispatcher(dispatcher))

	cfg := strings.Replace(testAgentConfig, `"id": "contact",`,
		fmt.Sprintf(`"id": "contact", "delivery": {"channel": "webhook", "target": %q},`, target.URL), 1)
	resp, parsed := doJSON(t, http.MethodPut, srv.URL+"/config/draft", cfg)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("draft save failed: %d %s", resp.StatusCode, parsed.Message)
	}
	if resp, parsed = doJSON(t, http.MethodPost, srv.URL+"/config/publish", ""); resp.StatusCode != http.StatusCreated {
		t.Fatalf("publish failed: %d %s", resp.StatusCode, parsed.Message)
	}

	chat(t, srv.URL, "th_sub", "contact")
	chat(t, srv.URL, "th_sub", "Alice Jones")
	chat(t, srv.URL, "th_sub", "25")

	if hookBody == nil {
		t.Fatal("completed form must call the delivery webhook")
	}
	var payload map[string]any
	if err := json.Unmarshal(hookBody, &payload); err != nil {
		t.Fatalf("webhook payload is not JSON: %v", err)
	}
	if payload["form_id"] != "contact" || payload["thread_id"] != "th_sub" {
		t.Errorf("unexpected webhook payload %v", payload)
	}

	resp, parsed = doJSON(t, http.MethodGet, srv.URL+"/submissions?form_id=contact", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submissions: got %d", resp.StatusCode)
	}
	subs, _ := parsed.Result.([]any)
	if len(subs) != 1 {
		t.Fatalf("expected 1 submission, got %v", parsed.Result)
	}
	sub, _ := subs[0].(map[string]any)
	if sub["status"] != models.SubmissionSent || sub["channel"] != models.DeliveryWebhook {
		t.Errorf("unexpected submission %v", sub)
	}

	// CSV export carries the same submission.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/submissions/export", nil)
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	defer raw.Body.Close()
	if ct := raw.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("unexpected content type %q", ct)
	}
	if cd := raw.Header.Get("Content-Disposition"); cd != `attachment; filename=submissions.csv` {
		t.Errorf("unexpected disposition %q", cd)
	}
	records, err := csv.NewReader(raw.Body).ReadAll()
	if err != nil {
		t.Fatalf("export is not CSV: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header plus one row, got %d rows", len(records))
	}
	header := strings.Join(records[0], ",")
	if header != "id,created_at,form_id,form_name,thread_id,delivery_type,delivery_status,delivery_target,payload" {
		t.Errorf("unexpected header %q", header)
	}
	row := records[1]
	if row[2] != "contact" || row[3] != "Contact" || row[4] != "th_sub" || row[6] != models.SubmissionSent {
		t.Errorf("unexpected export row %v", row)
	}
	if !bytes.Contains([]byte(row[8]), []byte("Alice Jones")) {
		t.Errorf("payload column missing values: %q", row[8])
	}
}

func TestFormsEndpoint(t *testing.T) {
	_, srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/forms", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 before publish, got %d", resp.StatusCode)
	}

	publishTestConfig(t, srv.URL)
	resp, parsed := doJSON(t, http.MethodGet, srv.URL+"/forms", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forms: got %d", resp.StatusCode)
	}
	result, _ := parsed.Result.(map[string]any)
	if result["version"] != 1.0 {
		t.Errorf("unexpected version %v", result["version"])
	}
	forms, _ := result["forms"].([]any)
	if len(forms) != 1 {
		t.Errorf("expected 1 form, got %v", result["forms"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	defer raw.Body.Close()
	if raw.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", raw.StatusCode)
	}
	var health map[string]any
	if err := json.NewDecoder(raw.Body).Decode(&health); err != nil {
		t.Fatalf("health is not JSON: %v", err)
	}
	if health["status"] != "healthy" || health["active_threads"] != 0.0 {
		t.Errorf("unexpected health body %v", health)
	}
}

func TestKnowledgeBaseEndpoints(t *testing.T) {
	_, srv := newTestServer(t)

	resp, parsed := doJSON(t, http.MethodPost, srv.URL+"/kb", `{"name":""}`)
	if resp.StatusCode != http.StatusBadRequest || parsed.Message != "Missing required field: name" {
		t.Errorf("empty name: got %d %q", resp.StatusCode, parsed.Message)
	}

	resp, parsed = doJSON(t, http.MethodPost, srv.URL+"/kb", `{"name":"faq"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create kb: got %d %q", resp.StatusCode, parsed.Message)
	}
	result, _ := parsed.Result.(map[string]any)
	if result["id"] != 1.0 {
		t.Errorf("expected kb id 1, got %v", result["id"])
	}

	resp, parsed = doJSON(t, http.MethodGet, srv.URL+"/kb", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list kb: got %d", resp.StatusCode)
	}
	bases, _ := parsed.Result.([]any)
	if len(bases) != 1 {
		t.Errorf("expected 1 kb, got %v", parsed.Result)
	}

	// Embedding endpoints need an LLM client.
	resp, parsed = doJSON(t, http.MethodPost, srv.URL+"/kb/1/documents", `{"content":"Opening hours are 9-5."}`)
	if resp.StatusCode != http.StatusServiceUnavailable || parsed.Message != "Embedding model is not configured" {
		t.Errorf("documents without llm: got %d %q", resp.StatusCode, parsed.Message)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/kb/1/search?q=hours", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("search without llm: got %d", resp.StatusCode)
	}

	resp, parsed = doJSON(t, http.MethodPost, srv.URL+"/kb/abc/documents", `{"content":"x"}`)
	if resp.StatusCode != http.StatusBadRequest || parsed.Message != "Invalid knowledge base id" {
		t.Errorf("bad kb id: got %d %q", resp.StatusCode, parsed.Message)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/kb/1/unknown", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown kb endpoint: got %d", resp.StatusCode)
	}
}

func TestThreadSubHandlerUnknownPath(t *testing.T) {
	_, srv := newTestServer(t)
	resp, parsed := doJSON(t, http.MethodGet, srv.URL+"/threads/th_1/state", "")
	if resp.StatusCode != http.StatusNotFound || parsed.Message != "Unknown thread endpoint" {
		t.Errorf("got %d %q", resp.StatusCode, parsed.Message)
	}
}
