// Package store provides storage backends for FormPilot.
//
// It defines the Store interface over agent configuration versions, thread
// states, chat and trace logs, form submissions, and knowledge bases, with
// Postgres, SQLite, and in-memory implementations.
package store

import (
	"encoding/json"
	"strings"

	"github.com/formpilot/FormPilot/internal/models"
)

// DetectDSNType classifies a connection string as "postgres" or "sqlite".
// Postgres is recognized by URL scheme or key=value DSN form; anything else is
// treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string: a lib/pq DSN or URL for
	// Postgres, a file path for SQLite.
	DSN string
}

// Option defines a functional option for configuring a store backend.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Store is the persistence interface consumed by the API layer.
//
// Config payloads travel as raw JSON: the store does not interpret them, the
// API layer parses them into models.FormsConfig/ToolsConfig per request.
// Methods that look up a single record return nil (or a zero version) rather
// than an error when nothing matches.
type Store interface {
	// Draft and published configuration, keyed by (tenant, agent).
	GetDraftConfig(tenantID, agentID string) (json.RawMessage, error)
	UpsertDraftConfig(tenantID, agentID string, config json.RawMessage) error
	PublishConfig(tenantID, agentID string, config json.RawMessage) (int, error)
	ListVersions(tenantID, agentID string) ([]models.VersionInfo, error)
	GetVersionConfig(tenantID, agentID string, version int) (json.RawMessage, error)
	GetLatestVersion(tenantID, agentID string) (int, json.RawMessage, error)

	// Conversation state, keyed by (tenant, agent, version, thread).
	GetThreadState(tenantID, agentID string, version int, threadID string) (*models.ConversationState, error)
	SaveThreadState(tenantID, agentID string, version int, threadID string, state *models.ConversationState) error

	// Transcript rows and thread listings.
	AddChatLog(log models.ChatLog) error
	ListThreads(tenantID, agentID string) ([]models.ThreadInfo, error)
	GetThreadMessages(tenantID, agentID, threadID string) ([]models.ChatLog, error)

	// Turn traces.
	AddTraceLog(rec models.TraceRecord) error
	ListTraceLogs(tenantID, agentID, threadID string) ([]models.TraceRecord, error)

	// Completed-form submissions.
	AddSubmission(sub models.Submission) error
	ListSubmissions(tenantID, agentID string, filter models.SubmissionFilter) ([]models.Submission, error)

	// Knowledge bases and embedded documents.
	CreateKnowledgeBase(kb models.KnowledgeBase) (int64, error)
	ListKnowledgeBases(tenantID, agentID string) ([]models.KnowledgeBase, error)
	AddKBDocument(doc models.KBDocument) error
	SearchKBDocuments(tenantID string, kbID int64, embedding []float64, limit int) ([]models.KBResult, error)

	Close() error
}
