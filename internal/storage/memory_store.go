package storage

import (
	"sync"
	"time"

	"github.com/samvad-hq/vidrelay/internal/domain"
)

// memoryStore keeps everything in process. Used for tests and ephemeral runs.
type memoryStore struct {
	mu   sync.Mutex
	opts Options
	seen map[string]map[string]time.Time
	runs map[string][]domain.PipelineRun
}

func newMemoryStore(opts Options) *memoryStore {
	return &memoryStore{
		opts: normalizeOptions(opts),
		seen: make(map[string]map[string]time.Time),
		runs: make(map[string][]domain.PipelineRun),
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) Admit(channelID, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seenLocked(channelID, itemID) {
		return false, nil
	}
	m.markLocked(channelID, itemID)
	return true, nil
}

func (m *memoryStore) Seen(channelID, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seenLocked(channelID, itemID), nil
}

func (m *memoryStore) Mark(channelID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markLocked(channelID, itemID)
	return nil
}

func (m *memoryStore) seenLocked(channelID, itemID string) bool {
	expiry, ok := m.seen[channelID][itemID]
	if !ok {
		return false
	}
	if !expiry.After(m.opts.Now()) {
		delete(m.seen[channelID], itemID)
		return false
	}
	return true
}

func (m *memoryStore) markLocked(channelID, itemID string) {
	bucket := m.seen[channelID]
	if bucket == nil {
		bucket = make(map[string]time.Time)
		m.seen[channelID] = bucket
	}
	bucket[itemID] = m.opts.Now().Add(m.opts.SeenTTL)
}

func (m *memoryStore) RecordRun(run domain.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := append(m.runs[run.Item.ChannelID], run)
	if len(runs) > m.opts.RunHistory {
		runs = runs[len(runs)-m.opts.RunHistory:]
	}
	m.runs[run.Item.ChannelID] = runs
	return nil
}

func (m *memoryStore) RecentRuns(channelID string, limit int) ([]domain.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.runs[channelID]
	out := make([]domain.PipelineRun, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, runs[i])
	}
	return out, nil
}
