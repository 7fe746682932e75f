// Package api provides HTTP handlers and the main API server logic for FormPilot.
//
// It exposes RESTful endpoints for conversational form filling, agent
// configuration management, knowledge base ingestion, and submission review.
// The API integrates with the engine, store, cache, genai, and delivery
// modules.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/formpilot/FormPilot/internal/cache"
	"github.com/formpilot/FormPilot/internal/delivery"
	"github.com/formpilot/FormPilot/internal/engine"
	"github.com/formpilot/FormPilot/internal/kb"
	"github.com/formpilot/FormPilot/internal/models"
	"github.com/formpilot/FormPilot/internal/store"
)

// Default server configuration values.
const (
	DefaultAddr     = ":8080"
	DefaultTenantID = "default"
	DefaultAgentID  = "default"

	// DefaultRequestTimeout bounds slow reads and writes at the server level.
	DefaultRequestTimeout = 60 * time.Second
)

// LLMClient bundles the language model capabilities the server hands to the
// engine and the knowledge base endpoints. *genai.Client satisfies it.
type LLMClient interface {
	engine.IntentClassifier
	engine.FieldExtractor
	engine.ContextAnswerer
	kb.Embedder
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	TenantID        string
	AgentID         string
	Cache           *cache.Cache
	LLM             LLMClient
	Dispatcher      *delivery.Dispatcher
	EngineConfig    *engine.Config
	KnowledgeBaseID int64
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTenant sets the tenant and agent the server operates on behalf of.
func WithTenant(tenantID, agentID string) Option {
	return func(o *Opts) { o.TenantID = tenantID; o.AgentID = agentID }
}

// WithCache sets the Redis cache used for thread state and tool responses.
func WithCache(c *cache.Cache) Option {
	return func(o *Opts) { o.Cache = c }
}

// WithLLM sets the language model client. Without one, intent routing falls
// back to heuristics and knowledge endpoints are unavailable.
func WithLLM(llm LLMClient) Option {
	return func(o *Opts) { o.LLM = llm }
}

// WithDispatcher sets the submission delivery dispatcher.
func WithDispatcher(d *delivery.Dispatcher) Option {
	return func(o *Opts) { o.Dispatcher = d }
}

// WithEngineConfig overrides the default engine tuning.
func WithEngineConfig(cfg engine.Config) Option {
	return func(o *Opts) { o.EngineConfig = &cfg }
}

// WithKnowledgeBaseID pins the knowledge base used for fallback answering.
// Zero selects the agent's first knowledge base.
func WithKnowledgeBaseID(id int64) Option {
	return func(o *Opts) { o.KnowledgeBaseID = id }
}

// Server hosts the FormPilot HTTP API for one tenant and agent.
type Server struct {
	addr     string
	tenantID string
	agentID  string

	st         store.Store
	cache      *cache.Cache
	llm        LLMClient
	dispatcher *delivery.Dispatcher
	engineCfg  engine.Config
	kbID       int64

	mu          sync.Mutex
	threadLocks map[string]*sync.Mutex
}

// NewServer creates an API server over the given store. All engine
// capabilities default to enabled; they degrade gracefully when their backing
// clients are absent.
func NewServer(st store.Store, opts ...Option) *Server {
	cfg := Opts{
		Addr:     DefaultAddr,
		TenantID: DefaultTenantID,
		AgentID:  DefaultAgentID,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	engineCfg := engine.Config{
		RoutingEnabled:    true,
		ExtractionEnabled: true,
		ToolsEnabled:      true,
		KnowledgeEnabled:  true,
	}
	if cfg.EngineConfig != nil {
		engineCfg = *cfg.EngineConfig
	}
	return &Server{
		addr:        cfg.Addr,
		tenantID:    cfg.TenantID,
		agentID:     cfg.AgentID,
		st:          st,
		cache:       cfg.Cache,
		llm:         cfg.LLM,
		dispatcher:  cfg.Dispatcher,
		engineCfg:   engineCfg,
		kbID:        cfg.KnowledgeBaseID,
		threadLocks: make(map[string]*sync.Mutex),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/chat", s.chatHandler)
	mux.HandleFunc("/forms", s.formsHandler)
	mux.HandleFunc("/threads", s.threadsHandler)
	mux.HandleFunc("/threads/", s.threadSubHandler)
	mux.HandleFunc("/traces", s.tracesHandler)
	mux.HandleFunc("/submissions", s.submissionsHandler)
	mux.HandleFunc("/submissions/export", s.submissionsExportHandler)
	mux.HandleFunc("/config/draft", s.draftConfigHandler)
	mux.HandleFunc("/config/publish", s.publishConfigHandler)
	mux.HandleFunc("/config/versions", s.versionsHandler)
	mux.HandleFunc("/kb", s.knowledgeBasesHandler)
	mux.HandleFunc("/kb/", s.kbSubHandler)
	return mux
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  DefaultRequestTimeout,
		WriteTimeout: DefaultRequestTimeout,
	}
	slog.Info("FormPilot API running", "addr", s.addr, "tenant_id", s.tenantID, "agent_id", s.agentID)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// lockThread returns the mutex serializing turns for one thread.
func (s *Server) lockThread(threadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.threadLocks[threadID]
	if !ok {
		l = &sync.Mutex{}
		s.threadLocks[threadID] = l
	}
	return l
}

// agentConfig is one published configuration parsed for a request.
type agentConfig struct {
	version int
	forms   *models.FormsConfig
	tools   *models.ToolsConfig
}

// parseAgentConfig decodes the combined intents/forms/tools config document.
func parseAgentConfig(raw json.RawMessage) (*models.FormsConfig, *models.ToolsConfig, error) {
	var parsed struct {
		Intents []models.IntentDefinition `json:"intents"`
		Forms   []models.FormDefinition   `json:"forms"`
		Tools   []models.ToolDefinition   `json:"tools"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, fmt.Errorf("failed to parse agent config: %w", err)
	}
	forms := &models.FormsConfig{Intents: parsed.Intents, Forms: parsed.Forms}
	tools := &models.ToolsConfig{Tools: parsed.Tools}
	return forms, tools, nil
}

// resolveConfig loads the requested published version, or the latest when
// version is zero. The returned status is non-zero on failure and carries the
// client-facing error message.
func (s *Server) resolveConfig(version int) (*agentConfig, int, string) {
	var raw json.RawMessage
	var err error
	if version > 0 {
		raw, err = s.st.GetVersionConfig(s.tenantID, s.agentID, version)
		if err != nil {
			slog.Error("Server.resolveConfig: failed to load config version", "error", err, "version", version)
			return nil, http.StatusInternalServerError, "Failed to load config"
		}
		if raw == nil {
			return nil, http.StatusNotFound, fmt.Sprintf("Config version %d was not found", version)
		}
	} else {
		version, raw, err = s.st.GetLatestVersion(s.tenantID, s.agentID)
		if err != nil {
			slog.Error("Server.resolveConfig: failed to load latest config", "error", err)
			return nil, http.StatusInternalServerError, "Failed to load config"
		}
		if version == 0 || raw == nil {
			return nil, http.StatusNotFound, "No published config found"
		}
	}
	forms, tools, err := parseAgentConfig(raw)
	if err != nil {
		slog.Error("Server.resolveConfig: published config is not parseable", "error", err, "version", version)
		return nil, http.StatusInternalServerError, "Published config is invalid"
	}
	return &agentConfig{version: version, forms: forms, tools: tools}, 0, ""
}
