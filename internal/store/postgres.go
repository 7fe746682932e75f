// Package store provides storage backends for FormPilot.
//
// This file implements the PostgreSQL backend, including pgvector-based
// knowledge base similarity search.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/formpilot/FormPilot/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetDraftConfig(tenantID, agentID string) (json.RawMessage, error) {
	var config []byte
	err := s.db.QueryRow(
		`SELECT config FROM agent_drafts WHERE tenant_id = $1 AND agent_id = $2`,
		tenantID, agentID,
	).Scan(&config)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetDraftConfig failed", "error", err, "tenant_id", tenantID, "agent_id", agentID)
		return nil, fmt.Errorf("failed to query draft config: %w", err)
	}
	return config, nil
}

func (s *PostgresStore) UpsertDraftConfig(tenantID, agentID string, config json.RawMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO agent_drafts (tenant_id, agent_id, config, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (tenant_id, agent_id) DO UPDATE SET config = EXCLUDED.config, updated_at = now()`,
		tenantID, agentID, []byte(config),
	)
	if err != nil {
		slog.Error("PostgresStore UpsertDraftConfig failed", "error", err, "tenant_id", tenantID, "agent_id", agentID)
		return fmt.Errorf("failed to upsert draft config: %w", err)
	}
	return nil
}

func (s *PostgresStore) PublishConfig(tenantID, agentID string, config json.RawMessage) (int, error) {
	var next int
	err := s.db.QueryRow(
		`INSERT INTO agent_versions (tenant_id, agent_id, version, config)
		 SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3 FROM agent_versions
		 WHERE tenant_id = $1 AND agent_id = $2
		 RETURNING version`,
		tenantID, agentID, []byte(config),
	).Scan(&next)
	if err != nil {
		slog.Error("PostgresStore PublishConfig failed", "error", err, "tenant_id", tenantID, "agent_id", agentID)
		return 0, fmt.Errorf("failed to publish config: %w", err)
	}
	slog.Debug("PostgresStore PublishConfig succeeded", "tenant_id", tenantID, "agent_id", agentID, "version", next)
	return next, nil
}

func (s *PostgresStore) ListVersions(tenantID, agentID string) ([]models.VersionInfo, error) {
	rows, err := s.db.Query(
		`SELECT version, created_at FROM agent_versions
		 WHERE tenant_id = $1 AND agent_id = $2 ORDER BY version DESC`,
		tenantID, agentID,
	)
	if err != nil {
		slog.Error("PostgresStore ListVersions query failed", "error", err)
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()
	var versions []models.VersionInfo
	for rows.Next() {
		var v models.VersionInfo
		if err := rows.Scan(&v.Version, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version row: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate version rows: %w", err)
	}
	return versions, nil
}

func (s *PostgresStore) GetVersionConfig(tenantID, agentID string, version int) (json.RawMessage, error) {
	var config []byte
	err := s.db.QueryRow(
		`SELECT config FROM agent_versions WHERE tenant_id = $1 AND agent_id = $2 AND version = $3`,
		tenantID, agentID, version,
	).Scan(&config)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetVersionConfig failed", "error", err, "version", version)
		return nil, fmt.Errorf("failed to query version config: %w", err)
	}
	return config, nil
}

func (s *PostgresStore) GetLatestVersion(tenantID, agentID string) (int, json.RawMessage, error) {
	var version int
	var config []byte
	err := s.db.QueryRow(
		`SELECT version, config FROM agent_versions
		 WHERE tenant_id = $1 AND agent_id = $2 ORDER BY version DESC LIMIT 1`,
		tenantID, agentID,
	).Scan(&version, &config)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetLatestVersion failed", "error", err)
		return 0, nil, fmt.Errorf("failed to query latest version: %w", err)
	}
	return version, config, nil
}

func (s *PostgresStore) GetThreadState(tenantID, agentID string, version int, threadID string) (*models.ConversationState, error) {
	var raw []byte
	err := s.db.QueryRow(
		`SELECT state FROM thread_states
		 WHERE tenant_id = $1 AND agent_id = $2 AND version = $3 AND thread_id = $4`,
		tenantID, agentID, version, threadID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetThreadState failed", "error", err, "thread_id", threadID)
		return nil, fmt.Errorf("failed to query thread state: %w", err)
	}
	var state models.ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode thread state for %s: %w", threadID, err)
	}
	state.EnsureDefaults()
	return &state, nil
}

func (s *PostgresStore) SaveThreadState(tenantID, agentID string, version int, threadID string, state *models.ConversationState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode thread state for %s: %w", threadID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO thread_states (tenant_id, agent_id, version, thread_id, state, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (tenant_id, agent_id, version, thread_id)
		 DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		tenantID, agentID, version, threadID, raw,
	)
	if err != nil {
		slog.Error("PostgresStore SaveThreadState failed", "error", err, "thread_id", threadID)
		return fmt.Errorf("failed to save thread state: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddChatLog(log models.ChatLog) error {
	stateJSON, err := nullableJSON(log.State)
	if err != nil {
		return fmt.Errorf("failed to encode chat log state: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO chat_logs (tenant_id, agent_id, version, thread_id, role, content, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.TenantID, log.AgentID, log.Version, log.ThreadID, log.Role, log.Content, stateJSON,
	)
	if err != nil {
		slog.Error("PostgresStore AddChatLog failed", "error", err, "thread_id", log.ThreadID)
		return fmt.Errorf("failed to insert chat log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListThreads(tenantID, agentID string) ([]models.ThreadInfo, error) {
	rows, err := s.db.Query(
		`SELECT thread_id, COUNT(*), MAX(created_at) FROM chat_logs
		 WHERE tenant_id = $1 AND agent_id = $2
		 GROUP BY thread_id ORDER BY MAX(created_at) DESC`,
		tenantID, agentID,
	)
	if err != nil {
		slog.Error("PostgresStore ListThreads query failed", "error", err)
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()
	var threads []models.ThreadInfo
	for rows.Next() {
		var t models.ThreadInfo
		if err := rows.Scan(&t.ThreadID, &t.MessageCount, &t.LastActivity); err != nil {
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate thread rows: %w", err)
	}
	return threads, nil
}

func (s *PostgresStore) GetThreadMessages(tenantID, agentID, threadID string) ([]models.ChatLog, error) {
	rows, err := s.db.Query(
		`SELECT id, version, role, content, state, created_at FROM chat_logs
		 WHERE tenant_id = $1 AND agent_id = $2 AND thread_id = $3 ORDER BY created_at ASC, id ASC`,
		tenantID, agentID, threadID,
	)
	if err != nil {
		slog.Error("PostgresStore GetThreadMessages query failed", "error", err, "thread_id", threadID)
		return nil, fmt.Errorf("failed to query thread messages: %w", err)
	}
	defer rows.Close()
	var logs []models.ChatLog
	for rows.Next() {
		log := models.ChatLog{TenantID: tenantID, AgentID: agentID, ThreadID: threadID}
		var stateJSON sql.NullString
		if err := rows.Scan(&log.ID, &log.Version, &log.Role, &log.Content, &stateJSON, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat log row: %w", err)
		}
		if stateJSON.Valid && stateJSON.String != "" {
			if err := json.Unmarshal([]byte(stateJSON.String), &log.State); err != nil {
				return nil, fmt.Errorf("failed to decode chat log state: %w", err)
			}
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat log rows: %w", err)
	}
	return logs, nil
}

func (s *PostgresStore) AddTraceLog(rec models.TraceRecord) error {
	events, err := json.Marshal(rec.Events)
	if err != nil {
		return fmt.Errorf("failed to encode trace events: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO trace_logs (tenant_id, agent_id, version, thread_id, trace_id, events)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.TenantID, rec.AgentID, rec.Version, rec.ThreadID, rec.TraceID, events,
	)
	if err != nil {
		slog.Error("PostgresStore AddTraceLog failed", "error", err, "trace_id", rec.TraceID)
		return fmt.Errorf("failed to insert trace log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTraceLogs(tenantID, agentID, threadID string) ([]models.TraceRecord, error) {
	query := `SELECT id, version, thread_id, trace_id, events, created_at FROM trace_logs
		 WHERE tenant_id = $1 AND agent_id = $2`
	args := []any{tenantID, agentID}
	if threadID != "" {
		query += ` AND thread_id = $3`
		args = append(args, threadID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListTraceLogs query failed", "error", err)
		return nil, fmt.Errorf("failed to query trace logs: %w", err)
	}
	defer rows.Close()
	var records []models.TraceRecord
	for rows.Next() {
		rec := models.TraceRecord{TenantID: tenantID, AgentID: agentID}
		var events []byte
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.ThreadID, &rec.TraceID, &events, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trace log row: %w", err)
		}
		if err := json.Unmarshal(events, &rec.Events); err != nil {
			return nil, fmt.Errorf("failed to decode trace events: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trace log rows: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) AddSubmission(sub models.Submission) error {
	payload, err := json.Marshal(sub.Values)
	if err != nil {
		return fmt.Errorf("failed to encode submission payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO form_submissions (id, tenant_id, agent_id, form_id, thread_id, channel, target, status, error, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.TenantID, sub.AgentID, sub.FormID, sub.ThreadID,
		sub.Channel, sub.Target, sub.Status, nilIfEmpty(sub.Error), payload,
	)
	if err != nil {
		slog.Error("PostgresStore AddSubmission failed", "error", err, "submission_id", sub.ID)
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSubmissions(tenantID, agentID string, filter models.SubmissionFilter) ([]models.Submission, error) {
	query := `SELECT id, form_id, thread_id, channel, target, status, error, payload, created_at
		 FROM form_submissions WHERE tenant_id = $1 AND agent_id = $2`
	args := []any{tenantID, agentID}
	if filter.FormID != "" {
		args = append(args, filter.FormID)
		query += ` AND form_id = $` + strconv.Itoa(len(args))
	}
	if filter.ThreadID != "" {
		args = append(args, filter.ThreadID)
		query += ` AND thread_id = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListSubmissions query failed", "error", err)
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()
	var subs []models.Submission
	for rows.Next() {
		sub := models.Submission{TenantID: tenantID, AgentID: agentID}
		var errMsg sql.NullString
		var payload []byte
		if err := rows.Scan(&sub.ID, &sub.FormID, &sub.ThreadID, &sub.Channel, &sub.Target,
			&sub.Status, &errMsg, &payload, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan submission row: %w", err)
		}
		sub.Error = errMsg.String
		if err := json.Unmarshal(payload, &sub.Values); err != nil {
			return nil, fmt.Errorf("failed to decode submission payload: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate submission rows: %w", err)
	}
	return subs, nil
}

func (s *PostgresStore) CreateKnowledgeBase(base models.KnowledgeBase) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		`INSERT INTO knowledge_bases (tenant_id, agent_id, name) VALUES ($1, $2, $3) RETURNING id`,
		base.TenantID, base.AgentID, base.Name,
	).Scan(&id)
	if err != nil {
		slog.Error("PostgresStore CreateKnowledgeBase failed", "error", err, "name", base.Name)
		return 0, fmt.Errorf("failed to create knowledge base: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListKnowledgeBases(tenantID, agentID string) ([]models.KnowledgeBase, error) {
	rows, err := s.db.Query(
		`SELECT id, name, created_at FROM knowledge_bases
		 WHERE tenant_id = $1 AND agent_id = $2 ORDER BY created_at DESC`,
		tenantID, agentID,
	)
	if err != nil {
		slog.Error("PostgresStore ListKnowledgeBases query failed", "error", err)
		return nil, fmt.Errorf("failed to query knowledge bases: %w", err)
	}
	defer rows.Close()
	var bases []models.KnowledgeBase
	for rows.Next() {
		base := models.KnowledgeBase{TenantID: tenantID, AgentID: agentID}
		if err := rows.Scan(&base.ID, &base.Name, &base.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge base row: %w", err)
		}
		bases = append(bases, base)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate knowledge base rows: %w", err)
	}
	return bases, nil
}

func (s *PostgresStore) AddKBDocument(doc models.KBDocument) error {
	metadata, err := nullableJSON(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode document metadata: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO kb_documents (tenant_id, kb_id, content, embedding, metadata)
		 VALUES ($1, $2, $3, $4::vector, $5)`,
		doc.TenantID, doc.KBID, doc.Content, vectorLiteral(doc.Embedding), metadata,
	)
	if err != nil {
		slog.Error("PostgresStore AddKBDocument failed", "error", err, "kb_id", doc.KBID)
		return fmt.Errorf("failed to insert knowledge document: %w", err)
	}
	return nil
}

func (s *PostgresStore) SearchKBDocuments(tenantID string, kbID int64, embedding []float64, limit int) ([]models.KBResult, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(
		`SELECT id, content, metadata, 1 - (embedding <=> $1::vector) AS score
		 FROM kb_documents WHERE tenant_id = $2 AND kb_id = $3 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector LIMIT $4`,
		vectorLiteral(embedding), tenantID, kbID, limit,
	)
	if err != nil {
		slog.Error("PostgresStore SearchKBDocuments query failed", "error", err, "kb_id", kbID)
		return nil, fmt.Errorf("failed to search knowledge documents: %w", err)
	}
	defer rows.Close()
	var results []models.KBResult
	for rows.Next() {
		var r models.KBResult
		var metadata sql.NullString
		if err := rows.Scan(&r.ID, &r.Content, &metadata, &r.Score); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge document row: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode document metadata: %w", err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate knowledge document rows: %w", err)
	}
	return results, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// vectorLiteral renders an embedding in pgvector's input format: [a,b,c].
func vectorLiteral(embedding []float64) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// nullableJSON marshals a map for a nullable JSON column; nil maps become SQL NULL.
func nullableJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
