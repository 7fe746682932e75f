package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/formpilot/FormPilot/internal/kb"
	"github.com/formpilot/FormPilot/internal/models"
)

// InMemoryStore keeps everything in process memory. Used for tests and for
// running without a database.
type InMemoryStore struct {
	mu sync.RWMutex

	drafts   map[string]json.RawMessage      // tenant:agent
	versions map[string][]versionRecord      // tenant:agent, ascending version
	threads  map[string]json.RawMessage      // tenant:agent:version:thread
	chatLogs []models.ChatLog
	traces   []models.TraceRecord
	subs     []models.Submission
	kbs      []models.KnowledgeBase
	docs     []models.KBDocument

	nextChatID  int64
	nextTraceID int64
	nextKBID    int64
	nextDocID   int64
}

type versionRecord struct {
	version   int
	config    json.RawMessage
	createdAt time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		drafts:   map[string]json.RawMessage{},
		versions: map[string][]versionRecord{},
		threads:  map[string]json.RawMessage{},
	}
}

func agentKey(tenantID, agentID string) string {
	return tenantID + ":" + agentID
}

func threadKey(tenantID, agentID string, version int, threadID string) string {
	return fmt.Sprintf("%s:%s:%d:%s", tenantID, agentID, version, threadID)
}

func (s *InMemoryStore) GetDraftConfig(tenantID, agentID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.drafts[agentKey(tenantID, agentID)]
	if !ok {
		return nil, nil
	}
	return cfg, nil
}

func (s *InMemoryStore) UpsertDraftConfig(tenantID, agentID string, config json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[agentKey(tenantID, agentID)] = append(json.RawMessage{}, config...)
	return nil
}

func (s *InMemoryStore) PublishConfig(tenantID, agentID string, config json.RawMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agentKey(tenantID, agentID)
	next := 1
	if existing := s.versions[key]; len(existing) > 0 {
		next = existing[len(existing)-1].version + 1
	}
	s.versions[key] = append(s.versions[key], versionRecord{
		version:   next,
		config:    append(json.RawMessage{}, config...),
		createdAt: time.Now().UTC(),
	})
	return next, nil
}

func (s *InMemoryStore) ListVersions(tenantID, agentID string) ([]models.VersionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.versions[agentKey(tenantID, agentID)]
	infos := make([]models.VersionInfo, 0, len(records))
	// Newest first, matching the SQL backends.
	for i := len(records) - 1; i >= 0; i-- {
		infos = append(infos, models.VersionInfo{Version: records[i].version, CreatedAt: records[i].createdAt})
	}
	return infos, nil
}

func (s *InMemoryStore) GetVersionConfig(tenantID, agentID string, version int) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.versions[agentKey(tenantID, agentID)] {
		if rec.version == version {
			return rec.config, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetLatestVersion(tenantID, agentID string) (int, json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.versions[agentKey(tenantID, agentID)]
	if len(records) == 0 {
		return 0, nil, nil
	}
	latest := records[len(records)-1]
	return latest.version, latest.config, nil
}

func (s *InMemoryStore) GetThreadState(tenantID, agentID string, version int, threadID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.threads[threadKey(tenantID, agentID, version, threadID)]
	if !ok {
		return nil, nil
	}
	var state models.ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode thread state for %s: %w", threadID, err)
	}
	state.EnsureDefaults()
	return &state, nil
}

func (s *InMemoryStore) SaveThreadState(tenantID, agentID string, version int, threadID string, state *models.ConversationState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode thread state for %s: %w", threadID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadKey(tenantID, agentID, version, threadID)] = raw
	return nil
}

func (s *InMemoryStore) AddChatLog(log models.ChatLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChatID++
	log.ID = s.nextChatID
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	s.chatLogs = append(s.chatLogs, log)
	return nil
}

func (s *InMemoryStore) ListThreads(tenantID, agentID string) ([]models.ThreadInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byThread := map[string]*models.ThreadInfo{}
	var order []string
	for _, log := range s.chatLogs {
		if log.TenantID != tenantID || log.AgentID != agentID {
			continue
		}
		info, ok := byThread[log.ThreadID]
		if !ok {
			info = &models.ThreadInfo{ThreadID: log.ThreadID}
			byThread[log.ThreadID] = info
			order = append(order, log.ThreadID)
		}
		info.MessageCount++
		if log.CreatedAt.After(info.LastActivity) {
			info.LastActivity = log.CreatedAt
		}
	}
	infos := make([]models.ThreadInfo, 0, len(order))
	for _, id := range order {
		infos = append(infos, *byThread[id])
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActivity.After(infos[j].LastActivity)
	})
	return infos, nil
}

func (s *InMemoryStore) GetThreadMessages(tenantID, agentID, threadID string) ([]models.ChatLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var logs []models.ChatLog
	for _, log := range s.chatLogs {
		if log.TenantID == tenantID && log.AgentID == agentID && log.ThreadID == threadID {
			logs = append(logs, log)
		}
	}
	return logs, nil
}

func (s *InMemoryStore) AddTraceLog(rec models.TraceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTraceID++
	rec.ID = s.nextTraceID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.traces = append(s.traces, rec)
	return nil
}

func (s *InMemoryStore) ListTraceLogs(tenantID, agentID, threadID string) ([]models.TraceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []models.TraceRecord
	for i := len(s.traces) - 1; i >= 0; i-- {
		rec := s.traces[i]
		if rec.TenantID != tenantID || rec.AgentID != agentID {
			continue
		}
		if threadID != "" && rec.ThreadID != threadID {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *InMemoryStore) AddSubmission(sub models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *InMemoryStore) ListSubmissions(tenantID, agentID string, filter models.SubmissionFilter) ([]models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var subs []models.Submission
	for i := len(s.subs) - 1; i >= 0; i-- {
		sub := s.subs[i]
		if sub.TenantID != tenantID || sub.AgentID != agentID {
			continue
		}
		if filter.FormID != "" && sub.FormID != filter.FormID {
			continue
		}
		if filter.ThreadID != "" && sub.ThreadID != filter.ThreadID {
			continue
		}
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *InMemoryStore) CreateKnowledgeBase(base models.KnowledgeBase) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextKBID++
	base.ID = s.nextKBID
	if base.CreatedAt.IsZero() {
		base.CreatedAt = time.Now().UTC()
	}
	s.kbs = append(s.kbs, base)
	return base.ID, nil
}

func (s *InMemoryStore) ListKnowledgeBases(tenantID, agentID string) ([]models.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bases []models.KnowledgeBase
	for _, base := range s.kbs {
		if base.TenantID == tenantID && base.AgentID == agentID {
			bases = append(bases, base)
		}
	}
	return bases, nil
}

func (s *InMemoryStore) AddKBDocument(doc models.KBDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDocID++
	doc.ID = s.nextDocID
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	s.docs = append(s.docs, doc)
	return nil
}

func (s *InMemoryStore) SearchKBDocuments(tenantID string, kbID int64, embedding []float64, limit int) ([]models.KBResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []models.KBResult
	for _, doc := range s.docs {
		if doc.TenantID != tenantID || doc.KBID != kbID {
			continue
		}
		results = append(results, models.KBResult{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: doc.Metadata,
			Score:    kb.CosineSimilarity(embedding, doc.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
