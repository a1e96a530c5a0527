package storage

import (
	"context"
	"sync"
	"time"

	"github.com/storewire/relay/pkg/models"
)

// MemoryStore is an in-memory Store for tests and storage-less deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	offline  map[string]map[string]*models.OfflineEntry // userID -> entryID -> entry
	presence map[string]*models.PresenceRecord
	blocks   map[string]time.Time
	sessions map[string]*Session
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offline:  make(map[string]map[string]*models.OfflineEntry),
		presence: make(map[string]*models.PresenceRecord),
		blocks:   make(map[string]time.Time),
		sessions: make(map[string]*Session),
	}
}

func (m *MemoryStore) UpsertEntry(_ context.Context, entry *models.OfflineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.offline[entry.UserID]
	if !ok {
		byID = make(map[string]*models.OfflineEntry)
		m.offline[entry.UserID] = byID
	}
	clone := *entry
	byID[entry.ID] = &clone
	return nil
}

func (m *MemoryStore) ListEntries(_ context.Context, userID string) ([]*models.OfflineEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.offline[userID]
	if len(byID) == 0 {
		return nil, nil
	}
	out := make([]*models.OfflineEntry, 0, len(byID))
	for _, entry := range byID {
		clone := *entry
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) MarkConsumed(_ context.Context, userID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.offline[userID]
	for _, id := range ids {
		delete(byID, id)
	}
	if len(byID) == 0 {
		delete(m.offline, userID)
	}
	return nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for userID, byID := range m.offline {
		for id, entry := range byID {
			if entry.Expired(now) {
				delete(byID, id)
				purged++
			}
		}
		if len(byID) == 0 {
			delete(m.offline, userID)
		}
	}
	return purged, nil
}

func (m *MemoryStore) SavePresence(_ context.Context, rec *models.PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *rec
	m.presence[rec.UserID] = &clone
	return nil
}

func (m *MemoryStore) LoadPresence(_ context.Context, userID string) (*models.PresenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.presence[userID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *MemoryStore) LoadAllPresence(_ context.Context) ([]*models.PresenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.PresenceRecord, 0, len(m.presence))
	for _, rec := range m.presence {
		clone := *rec
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) Block(_ context.Context, ip string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[ip] = until
	return nil
}

func (m *MemoryStore) Blocked(_ context.Context, ip string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.blocks[ip]
	if !ok {
		return false, nil
	}
	return time.Now().Before(until), nil
}

func (m *MemoryStore) PutSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *s
	m.sessions[s.ID] = &clone
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
