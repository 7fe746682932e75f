package api

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/formpilot/FormPilot/internal/kb"
	"github.com/formpilot/FormPilot/internal/models"
)

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	// A store round trip doubles as a readiness probe.
	if threads, err := s.st.ListThreads(s.tenantID, s.agentID); err != nil {
		slog.Warn("Health check: store probe failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach storage"
	} else {
		healthData["active_threads"] = len(threads)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}

// formsHandler lists the forms of the latest published config (GET /forms).
func (s *Server) formsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.formsHandler: processing forms request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg, status, msg := s.resolveConfig(0)
	if status != 0 {
		writeJSONResponse(w, status, models.Error(msg))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"version": cfg.version,
		"forms":   cfg.forms.Forms,
		"intents": cfg.forms.Intents,
	}))
}

// threadsHandler lists conversation threads (GET /threads).
func (s *Server) threadsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.threadsHandler: processing threads request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	threads, err := s.st.ListThreads(s.tenantID, s.agentID)
	if err != nil {
		slog.Error("Server.threadsHandler: failed to list threads", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch threads"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(threads))
}

// threadSubHandler routes /threads/{id}/... paths.
func (s *Server) threadSubHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/threads/")
	segments := strings.Split(strings.Trim(path, "/"), "/")

	if len(segments) == 2 && segments[1] == "messages" {
		switch r.Method {
		case http.MethodGet:
			s.threadMessagesHandler(w, r, segments[0])
		default:
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown thread endpoint"))
}

// threadMessagesHandler returns one thread's transcript (GET /threads/{id}/messages).
func (s *Server) threadMessagesHandler(w http.ResponseWriter, r *http.Request, threadID string) {
	slog.Debug("Server.threadMessagesHandler: fetching messages", "thread_id", threadID)
	messages, err := s.st.GetThreadMessages(s.tenantID, s.agentID, threadID)
	if err != nil {
		slog.Error("Server.threadMessagesHandler: failed to fetch messages", "error", err, "thread_id", threadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

// tracesHandler lists persisted turn traces (GET /traces?thread_id=).
func (s *Server) tracesHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.tracesHandler: processing traces request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	traces, err := s.st.ListTraceLogs(s.tenantID, s.agentID, threadID)
	if err != nil {
		slog.Error("Server.tracesHandler: failed to list traces", "error", err, "thread_id", threadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch traces"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(traces))
}

func submissionFilterFromQuery(r *http.Request) models.SubmissionFilter {
	q := r.URL.Query()
	return models.SubmissionFilter{
		FormID:   q.Get("form_id"),
		ThreadID: q.Get("thread_id"),
		Status:   q.Get("status"),
	}
}

// submissionsHandler lists recorded submissions (GET /submissions).
func (s *Server) submissionsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.submissionsHandler: processing submissions request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	subs, err := s.st.ListSubmissions(s.tenantID, s.agentID, submissionFilterFromQuery(r))
	if err != nil {
		slog.Error("Server.submissionsHandler: failed to list submissions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch submissions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(subs))
}

// submissionsExportHandler streams submissions as CSV (GET /submissions/export).
func (s *Server) submissionsExportHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.submissionsExportHandler: processing export request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	subs, err := s.st.ListSubmissions(s.tenantID, s.agentID, submissionFilterFromQuery(r))
	if err != nil {
		slog.Error("Server.submissionsExportHandler: failed to list submissions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch submissions"))
		return
	}

	// Form names come from the latest published config; unknown forms export blank.
	formNames := map[string]string{}
	if cfg, status, _ := s.resolveConfig(0); status == 0 {
		for _, form := range cfg.forms.Forms {
			formNames[form.ID] = form.Name
		}
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename=submissions.csv`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "created_at", "form_id", "form_name", "thread_id", "delivery_type", "delivery_status", "delivery_target", "payload"})
	for _, sub := range subs {
		payload, _ := json.Marshal(sub.Values)
		_ = cw.Write([]string{
			sub.ID,
			sub.CreatedAt.UTC().Format(time.RFC3339),
			sub.FormID,
			formNames[sub.FormID],
			sub.ThreadID,
			sub.Channel,
			sub.Status,
			sub.Target,
			string(payload),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Error("Server.submissionsExportHandler: failed to write CSV", "error", err)
	}
}

// draftConfigHandler reads and writes the draft config (GET/PUT /config/draft).
func (s *Server) draftConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.draftConfigHandler: processing draft request", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodGet:
		raw, err := s.st.GetDraftConfig(s.tenantID, s.agentID)
		if err != nil {
			slog.Error("Server.draftConfigHandler: failed to load draft", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load draft config"))
			return
		}
		if raw == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("No draft config found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(raw))
	case http.MethodPut:
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			slog.Warn("Server.draftConfigHandler: failed to read body", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
			return
		}
		forms, tools, err := parseAgentConfig(raw)
		if err != nil {
			slog.Warn("Server.draftConfigHandler: invalid config JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		forms.NormalizeMode()
		if err := forms.Validate(); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if err := tools.Validate(); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if err := s.st.UpsertDraftConfig(s.tenantID, s.agentID, raw); err != nil {
			slog.Error("Server.draftConfigHandler: failed to save draft", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save draft config"))
			return
		}
		slog.Info("Server.draftConfigHandler: draft saved", "tenant_id", s.tenantID, "agent_id", s.agentID)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Draft saved", nil))
	default:
		w.Header().Set("Allow", "GET, PUT")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// publishConfigHandler publishes the current draft as a new immutable version
// (POST /config/publish).
func (s *Server) publishConfigHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.publishConfigHandler: processing publish request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw, err := s.st.GetDraftConfig(s.tenantID, s.agentID)
	if err != nil {
		slog.Error("Server.publishConfigHandler: failed to load draft", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load draft config"))
		return
	}
	if raw == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No draft config found"))
		return
	}
	forms, tools, err := parseAgentConfig(raw)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	forms.NormalizeMode()
	if err := forms.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := tools.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	version, err := s.st.PublishConfig(s.tenantID, s.agentID, raw)
	if err != nil {
		slog.Error("Server.publishConfigHandler: failed to publish config", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to publish config"))
		return
	}
	slog.Info("Server.publishConfigHandler: config published", "version", version)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Published successfully", map[string]interface{}{"version": version}))
}

// versionsHandler lists published versions (GET /config/versions).
func (s *Server) versionsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.versionsHandler: processing versions request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	versions, err := s.st.ListVersions(s.tenantID, s.agentID)
	if err != nil {
		slog.Error("Server.versionsHandler: failed to list versions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch versions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(versions))
}

// knowledgeBasesHandler creates and lists knowledge bases (GET/POST /kb).
func (s *Server) knowledgeBasesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.knowledgeBasesHandler: processing request", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodGet:
		bases, err := s.st.ListKnowledgeBases(s.tenantID, s.agentID)
		if err != nil {
			slog.Error("Server.knowledgeBasesHandler: failed to list knowledge bases", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch knowledge bases"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(bases))
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if req.Name == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: name"))
			return
		}
		id, err := s.st.CreateKnowledgeBase(models.KnowledgeBase{
			TenantID: s.tenantID, AgentID: s.agentID, Name: req.Name, CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			slog.Error("Server.knowledgeBasesHandler: failed to create knowledge base", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create knowledge base"))
			return
		}
		slog.Info("Server.knowledgeBasesHandler: knowledge base created", "kb_id", id, "name", req.Name)
		writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Knowledge base created", map[string]interface{}{"id": id}))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// kbSubHandler routes /kb/{id}/... paths.
func (s *Server) kbSubHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	path := strings.TrimPrefix(r.URL.Path, "/kb/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) != 2 {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown knowledge base endpoint"))
		return
	}
	kbID, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid knowledge base id"))
		return
	}

	switch segments[1] {
	case "documents":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		s.kbAddDocumentHandler(w, r, kbID)
	case "search":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		s.kbSearchHandler(w, r, kbID)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown knowledge base endpoint"))
	}
}

// kbAddDocumentHandler chunks, embeds, and stores one document
// (POST /kb/{id}/documents).
func (s *Server) kbAddDocumentHandler(w http.ResponseWriter, r *http.Request, kbID int64) {
	slog.Debug("Server.kbAddDocumentHandler: ingesting document", "kb_id", kbID)
	if s.llm == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Embedding model is not configured"))
		return
	}
	var req struct {
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: content"))
		return
	}

	chunks := kb.ChunkText(req.Content, 0, 0)
	for _, chunk := range chunks {
		embedding, err := s.llm.EmbedText(r.Context(), chunk)
		if err != nil {
			slog.Error("Server.kbAddDocumentHandler: failed to embed chunk", "error", err, "kb_id", kbID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to embed document"))
			return
		}
		doc := models.KBDocument{
			TenantID: s.tenantID, KBID: kbID, Content: chunk,
			Embedding: embedding, Metadata: req.Metadata, CreatedAt: time.Now().UTC(),
		}
		if err := s.st.AddKBDocument(doc); err != nil {
			slog.Error("Server.kbAddDocumentHandler: failed to store chunk", "error", err, "kb_id", kbID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store document"))
			return
		}
	}
	slog.Info("Server.kbAddDocumentHandler: document ingested", "kb_id", kbID, "chunks", len(chunks))
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Document ingested", map[string]interface{}{"chunks": len(chunks)}))
}

// kbSearchHandler runs a similarity search (GET /kb/{id}/search?q=&limit=).
func (s *Server) kbSearchHandler(w http.ResponseWriter, r *http.Request, kbID int64) {
	if s.llm == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Embedding model is not configured"))
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: q"))
		return
	}
	limit := 5
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit"))
			return
		}
		limit = parsed
	}

	embedding, err := s.llm.EmbedText(r.Context(), query)
	if err != nil {
		slog.Error("Server.kbSearchHandler: failed to embed query", "error", err, "kb_id", kbID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to embed query"))
		return
	}
	results, err := s.st.SearchKBDocuments(s.tenantID, kbID, embedding, limit)
	if err != nil {
		slog.Error("Server.kbSearchHandler: search failed", "error", err, "kb_id", kbID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to search knowledge base"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(results))
}
