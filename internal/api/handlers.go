// Package api provides HTTP handlers for FormPilot endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/formpilot/FormPilot/internal/cache"
	"github.com/formpilot/FormPilot/internal/engine"
	"github.com/formpilot/FormPilot/internal/kb"
	"github.com/formpilot/FormPilot/internal/models"
	"github.com/formpilot/FormPilot/internal/tools"
	"github.com/formpilot/FormPilot/internal/util"
)

// chatHandler runs one conversation turn (POST /chat).
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.chatHandler: processing chat request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.chatHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Message == "" {
		slog.Warn("Server.chatHandler: missing message")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: message"))
		return
	}

	cfg, status, msg := s.resolveConfig(req.Version)
	if status != 0 {
		writeJSONResponse(w, status, models.Error(msg))
		return
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = util.GenerateThreadID()
		slog.Debug("Server.chatHandler: generated thread id", "thread_id", threadID)
	}

	// One turn at a time per thread.
	lock := s.lockThread(threadID)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.loadThreadState(r.Context(), cfg.version, threadID)
	if err != nil {
		slog.Error("Server.chatHandler: failed to load thread state", "error", err, "thread_id", threadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation state"))
		return
	}
	prevCompleted := state.Completed

	eng := s.buildEngine(cfg)
	state = eng.RunTurn(r.Context(), state, req.Message)

	if err := s.persistTurn(r.Context(), cfg.version, req.Message, state); err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save conversation state"))
		return
	}

	if !prevCompleted && state.Completed {
		s.dispatchSubmission(r.Context(), cfg, state)
	}

	writeJSONResponse(w, http.StatusOK, models.Success(models.ChatResponse{
		Reply: state.Reply,
		State: state.Summarize(),
	}))
}

// buildEngine assembles an engine for one request over the resolved config.
func (s *Server) buildEngine(cfg *agentConfig) *engine.Engine {
	var opts []engine.Option
	if s.llm != nil {
		opts = append(opts,
			engine.WithClassifier(s.llm),
			engine.WithExtractor(s.llm),
			engine.WithAnswerer(s.llm),
		)
		if kbID := s.resolveKnowledgeBaseID(); kbID != 0 {
			opts = append(opts, engine.WithRetriever(kb.NewRetriever(s.llm, s.st, s.tenantID, kbID)))
		}
	}
	invoker := tools.NewHTTPInvoker(tools.WithCache(s.cache, s.tenantID, s.agentID, cfg.version))
	opts = append(opts, engine.WithInvoker(invoker))
	return engine.New(cfg.forms, cfg.tools, s.engineCfg, opts...)
}

// resolveKnowledgeBaseID returns the pinned knowledge base, or the agent's
// first one when none is pinned. Zero means no knowledge base exists.
func (s *Server) resolveKnowledgeBaseID() int64 {
	if s.kbID != 0 {
		return s.kbID
	}
	bases, err := s.st.ListKnowledgeBases(s.tenantID, s.agentID)
	if err != nil {
		slog.Warn("Server.resolveKnowledgeBaseID: failed to list knowledge bases", "error", err)
		return 0
	}
	if len(bases) == 0 {
		return 0
	}
	return bases[0].ID
}

// loadThreadState reads the thread state from cache, then store, and finally
// starts a fresh conversation.
func (s *Server) loadThreadState(ctx context.Context, version int, threadID string) (*models.ConversationState, error) {
	key := s.stateCacheKey(version, threadID)
	var cached models.ConversationState
	if hit, err := s.cache.GetJSON(ctx, key, &cached); err != nil {
		slog.Warn("Server.loadThreadState: cache read failed", "error", err, "thread_id", threadID)
	} else if hit {
		cached.EnsureDefaults()
		return &cached, nil
	}

	state, err := s.st.GetThreadState(s.tenantID, s.agentID, version, threadID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = models.NewConversationState(threadID)
	}
	state.EnsureDefaults()
	return state, nil
}

// persistTurn saves the updated state and appends transcript and trace rows.
// Transcript and trace failures are logged but do not fail the turn.
func (s *Server) persistTurn(ctx context.Context, version int, userMessage string, state *models.ConversationState) error {
	if err := s.st.SaveThreadState(s.tenantID, s.agentID, version, state.ThreadID, state); err != nil {
		slog.Error("Server.persistTurn: failed to save thread state", "error", err, "thread_id", state.ThreadID)
		return err
	}
	if err := s.cache.SetJSON(ctx, s.stateCacheKey(version, state.ThreadID), state, 0); err != nil {
		slog.Warn("Server.persistTurn: cache write failed", "error", err, "thread_id", state.ThreadID)
	}

	now := time.Now().UTC()
	userLog := models.ChatLog{
		TenantID: s.tenantID, AgentID: s.agentID, Version: version,
		ThreadID: state.ThreadID, Role: models.RoleUser, Content: userMessage, CreatedAt: now,
	}
	if err := s.st.AddChatLog(userLog); err != nil {
		slog.Error("Server.persistTurn: failed to add user chat log", "error", err, "thread_id", state.ThreadID)
	}
	assistantLog := models.ChatLog{
		TenantID: s.tenantID, AgentID: s.agentID, Version: version,
		ThreadID: state.ThreadID, Role: models.RoleAssistant, Content: state.Reply,
		State: summaryMap(state.Summarize()), CreatedAt: now,
	}
	if err := s.st.AddChatLog(assistantLog); err != nil {
		slog.Error("Server.persistTurn: failed to add assistant chat log", "error", err, "thread_id", state.ThreadID)
	}

	trace := models.TraceRecord{
		TenantID: s.tenantID, AgentID: s.agentID, Version: version,
		ThreadID: state.ThreadID, TraceID: uuid.NewString(),
		Events: state.TraceEvents, CreatedAt: now,
	}
	if err := s.st.AddTraceLog(trace); err != nil {
		slog.Error("Server.persistTurn: failed to add trace log", "error", err, "thread_id", state.ThreadID)
	}
	return nil
}

// dispatchSubmission delivers a newly completed form and records the outcome.
func (s *Server) dispatchSubmission(ctx context.Context, cfg *agentConfig, state *models.ConversationState) {
	form := cfg.forms.FormByID(state.CurrentFormID)
	if form == nil {
		slog.Warn("Server.dispatchSubmission: completed form missing from config", "form_id", state.CurrentFormID)
		return
	}
	if s.dispatcher == nil {
		slog.Debug("Server.dispatchSubmission: no dispatcher configured", "form_id", form.ID)
		return
	}
	sub, ok := s.dispatcher.Dispatch(ctx, form, state)
	if !ok {
		slog.Debug("Server.dispatchSubmission: form has no delivery target", "form_id", form.ID)
		return
	}
	if err := s.st.AddSubmission(sub); err != nil {
		slog.Error("Server.dispatchSubmission: failed to record submission", "error", err, "submission_id", sub.ID)
	}
	slog.Info("Server.dispatchSubmission: submission dispatched",
		"submission_id", sub.ID, "form_id", form.ID, "channel", sub.Channel, "status", sub.Status)
}

func (s *Server) stateCacheKey(version int, threadID string) string {
	return cache.Key("state", s.tenantID, s.agentID, version, "private", threadID)
}

// summaryMap converts a state summary into the loose map shape chat logs store.
func summaryMap(summary models.StateSummary) map[string]any {
	raw, err := json.Marshal(summary)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
