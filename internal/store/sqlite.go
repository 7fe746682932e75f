// Package store provides storage backends for FormPilot.
//
// This file implements the SQLite backend. Embeddings are stored as JSON
// arrays and similarity search is ranked in process, which keeps single-node
// deployments dependency-free.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/formpilot/FormPilot/internal/kb"
	"github.com/formpilot/FormPilot/internal/models"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetDraftConfig(tenantID, agentID string) (json.RawMessage, error) {
	var config []byte
	err := s.db.QueryRow(
		`SELECT config FROM agent_drafts WHERE tenant_id = ? AND agent_id = ?`,
		tenantID, agentID,
	).Scan(&config)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetDraftConfig failed", "error", err, "tenant_id", tenantID, "agent_id", agentID)
		return nil, fmt.Errorf("failed to query draft config: %w", err)
	}
	return config, nil
}

func (s *SQLiteStore) UpsertDraftConfig(tenantID, agentID string, config json.RawMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO agent_drafts (tenant_id, agent_id, config, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (tenant_id, agent_id)
		 DO UPDATE SET config = excluded.config, updated_at = CURRENT_TIMESTAMP`,
		tenantID, agentID, string(config),
	)
	if err != nil {
		slog.Error("SQLiteStore UpsertDraftConfig failed", "error", err, "tenant_id", tenantID, "agent_id", agentID)
		return fmt.Errorf("failed to upsert draft config: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PublishConfig(tenantID, agentID string, config json.RawMessage) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin publish transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(version), 0) + 1 FROM agent_versions WHERE tenant_id = ? AND agent_id = ?`,
		tenantID, agentID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to determine next version: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO agent_versions (tenant_id, agent_id, version, config) VALUES (?, ?, ?, ?)`,
		tenantID, agentID, next, string(config),
	); err != nil {
		slog.Error("SQLiteStore PublishConfig failed", "error", err, "tenant_id", tenantID, "agent_id", agentID)
		return 0, fmt.Errorf("failed to publish config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit publish transaction: %w", err)
	}
	slog.Debug("SQLiteStore PublishConfig succeeded", "tenant_id", tenantID, "agent_id", agentID, "version", next)
	return next, nil
}

func (s *SQLiteStore) ListVersions(tenantID, agentID string) ([]models.VersionInfo, error) {
	rows, err := s.db.Query(
		`SELECT version, created_at FROM agent_versions
		 WHERE tenant_id = ? AND agent_id = ? ORDER BY version DESC`,
		tenantID, agentID,
	)
	if err != nil {
		slog.Error("SQLiteStore ListVersions query failed", "error", err)
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

func (s *SQLiteStore) GetVersionConfig(tenantID, agentID string, version int) (json.RawMessage, error) {
	var config []byte
	err := s.db.QueryRow(
		`SELECT config FROM agent_versions WHERE tenant_id = ? AND agent_id = ? AND version = ?`,
		tenantID, agentID, version,
	).Scan(&config)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetVersionConfig failed", "error", err, "version", version)
		return nil, fmt.Errorf("failed to query version config: %w", err)
	}
	return config, nil
}

func (s *SQLiteStore) GetLatestVersion(tenantID, agentID string) (int, json.RawMessage, error) {
	var version int
	var config []byte
	err := s.db.QueryRow(
		`SELECT version, config FROM agent_versions
		 WHERE tenant_id = ? AND agent_id = ? ORDER BY version DESC LIMIT 1`,
		tenantID, agentID,
	).Scan(&version, &config)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetLatestVersion failed", "error", err)
		return 0, nil, fmt.Errorf("failed to query latest version: %w", err)
	}
	return version, config, nil
}

func (s *SQLiteStore) GetThreadState(tenantID, agentID string, version int, threadID string) (*models.ConversationState, error) {
	var raw []byte
	err := s.db.QueryRow(
		`SELECT state FROM thread_states
		 WHERE tenant_id = ? AND agent_id = ? AND version = ? AND thread_id = ?`,
		tenantID, agentID, version, threadID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetThreadState failed", "error", err, "thread_id", threadID)
		return nil, fmt.Errorf("failed to query thread state: %w", err)
	}
	var state models.ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode thread state for %s: %w", threadID, err)
	}
	state.EnsureDefaults()
	return &state, nil
}

func (s *SQLiteStore) SaveThreadState(tenantID, agentID string, version int, threadID string, state *models.ConversationState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode thread state for %s: %w", threadID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO thread_states (tenant_id, agent_id, version, thread_id, state, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (tenant_id, agent_id, version, thread_id)
		 DO UPDATE SET state = excluded.state, updated_at = CURRENT_TIMESTAMP`,
		tenantID, agentID, version, threadID, string(raw),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveThreadState failed", "error", err, "thread_id", threadID)
		return fmt.Errorf("failed to save thread state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddChatLog(log models.ChatLog) error {
	stateJSON, err := nullableJSONString(log.State)
	if err != nil {
		return fmt.Errorf("failed to encode chat log state: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO chat_logs (tenant_id, agent_id, version, thread_id, role, content, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.TenantID, log.AgentID, log.Version, log.ThreadID, log.Role, log.Content, stateJSON,
	)
	if err != nil {
		slog.Error("SQLiteStore AddChatLog failed", "error", err, "thread_id", log.ThreadID)
		return fmt.Errorf("failed to insert chat log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListThreads(tenantID, agentID string) ([]models.ThreadInfo, error) {
	rows, err := s.db.Query(
		`SELECT thread_id, COUNT(*), MAX(created_at) FROM chat_logs
		 WHERE tenant_id = ? AND agent_id = ?
		 GROUP BY thread_id ORDER BY MAX(created_at) DESC`,
		tenantID, agentID,
	)
	if err != nil {
		slog.Error("SQLiteStore ListThreads query failed", "error", err)
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

func (s *SQLiteStore) GetThreadMessages(tenantID, agentID, threadID string) ([]models.ChatLog, error) {
	rows, err := s.db.Query(
		`SELECT id, version, role, content, state, created_at FROM chat_logs
		 WHERE tenant_id = ? AND agent_id = ? AND thread_id = ? ORDER BY created_at ASC, id ASC`,
		tenantID, agentID, threadID,
	)
	if err != nil {
		slog.Error("SQLiteStore GetThreadMessages query failed", "error", err, "thread_id", threadID)
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

func (s *SQLiteStore) AddTraceLog(rec models.TraceRecord) error {
	events, err := json.Marshal(rec.Events)
	if err != nil {
		return fmt.Errorf("failed to encode trace events: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO trace_logs (tenant_id, agent_id, version, thread_id, trace_id, events)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.AgentID, rec.Version, rec.ThreadID, rec.TraceID, string(events),
	)
	if err != nil {
		slog.Error("SQLiteStore AddTraceLog failed", "error", err, "trace_id", rec.TraceID)
		return fmt.Errorf("failed to insert trace log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTraceLogs(tenantID, agentID, threadID string) ([]models.TraceRecord, error) {
	query := `SELECT id, version, thread_id, trace_id, events, created_at FROM trace_logs
		 WHERE tenant_id = ? AND agent_id = ?`
	args := []any{tenantID, agentID}
	if threadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, threadID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListTraceLogs query failed", "error", err)
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

func (s *SQLiteStore) AddSubmission(sub models.Submission) error {
	payload, err := json.Marshal(sub.Values)
	if err != nil {
		return fmt.Errorf("failed to encode submission payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO form_submissions (id, tenant_id, agent_id, form_id, thread_id, channel, target, status, error, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.TenantID, sub.AgentID, sub.FormID, sub.ThreadID,
		sub.Channel, sub.Target, sub.Status, nilIfEmpty(sub.Error), string(payload),
	)
	if err != nil {
		slog.Error("SQLiteStore AddSubmission failed", "error", err, "submission_id", sub.ID)
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSubmissions(tenantID, agentID string, filter models.SubmissionFilter) ([]models.Submission, error) {
	query := `SELECT id, form_id, thread_id, channel, target, status, error, payload, created_at
		 FROM form_submissions WHERE tenant_id = ? AND agent_id = ?`
	args := []any{tenantID, agentID}
	if filter.FormID != "" {
		query += ` AND form_id = ?`
		args = append(args, filter.FormID)
	}
	if filter.ThreadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, filter.ThreadID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListSubmissions query failed", "error", err)
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

func (s *SQLiteStore) CreateKnowledgeBase(base models.KnowledgeBase) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO knowledge_bases (tenant_id, agent_id, name) VALUES (?, ?, ?)`,
		base.TenantID, base.AgentID, base.Name,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateKnowledgeBase failed", "error", err, "name", base.Name)
		return 0, fmt.Errorf("failed to create knowledge base: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read knowledge base id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ListKnowledgeBases(tenantID, agentID string) ([]models.KnowledgeBase, error) {
	rows, err := s.db.Query(
		`SELECT id, name, created_at FROM knowledge_bases
		 WHERE tenant_id = ? AND agent_id = ? ORDER BY created_at DESC, id DESC`,
		tenantID, agentID,
	)
	if err != nil {
		slog.Error("SQLiteStore ListKnowledgeBases query failed", "error", err)
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

func (s *SQLiteStore) AddKBDocument(doc models.KBDocument) error {
	embedding, err := json.Marshal(doc.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode document embedding: %w", err)
	}
	metadata, err := nullableJSONString(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode document metadata: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO kb_documents (tenant_id, kb_id, content, embedding, metadata)
		 VALUES (?, ?, ?, ?, ?)`,
		doc.TenantID, doc.KBID, doc.Content, string(embedding), metadata,
	)
	if err != nil {
		slog.Error("SQLiteStore AddKBDocument failed", "error", err, "kb_id", doc.KBID)
		return fmt.Errorf("failed to insert knowledge document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SearchKBDocuments(tenantID string, kbID int64, embedding []float64, limit int) ([]models.KBResult, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(
		`SELECT id, content, embedding, metadata FROM kb_documents
		 WHERE tenant_id = ? AND kb_id = ? AND embedding IS NOT NULL`,
		tenantID, kbID,
	)
	if err != nil {
		slog.Error("SQLiteStore SearchKBDocuments query failed", "error", err, "kb_id", kbID)
		return nil, fmt.Errorf("failed to query knowledge documents: %w", err)
	}
	defer rows.Close()
	var results []models.KBResult
	for rows.Next() {
		var r models.KBResult
		var embeddingJSON string
		var metadata sql.NullString
		if err := rows.Scan(&r.ID, &r.Content, &embeddingJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge document row: %w", err)
		}
		var docEmbedding []float64
		if err := json.Unmarshal([]byte(embeddingJSON), &docEmbedding); err != nil {
			return nil, fmt.Errorf("failed to decode document embedding: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode document metadata: %w", err)
			}
		}
		r.Score = kb.CosineSimilarity(embedding, docEmbedding)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate knowledge document rows: %w", err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullableJSONString marshals a map for a nullable TEXT column; nil maps become SQL NULL.
func nullableJSONString(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
