package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps alerts in process memory. Used for local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]AlertRecord
	now    func() time.Time
}

// NewMemoryStore builds an empty in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]AlertRecord),
		now:    time.Now,
	}
}

// Create stores a new untriggered alert.
func (m *MemoryStore) Create(_ context.Context, alert NewAlert) (AlertRecord, error) {
	if err := alert.Validate(); err != nil {
		return AlertRecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	rec := AlertRecord{
		ID:        uuid.NewString(),
		OwnerID:   alert.OwnerID,
		AssetID:   alert.AssetID,
		Threshold: alert.Threshold,
		Condition: alert.Condition,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.alerts[rec.ID] = rec
	return rec, nil
}

// Put inserts or replaces a record verbatim.
func (m *MemoryStore) Put(rec AlertRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[rec.ID] = rec
}

// Get returns a copy of one record.
func (m *MemoryStore) Get(id string) (AlertRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.alerts[id]
	return rec, ok
}

// FindByOwner lists an owner's alerts, newest first.
func (m *MemoryStore) FindByOwner(_ context.Context, ownerID string) ([]AlertRecord, error) {
	out := m.filter(func(rec AlertRecord) bool { return rec.OwnerID == ownerID })
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// FindUntriggeredByAsset lists alerts on a coin that have not fired yet.
func (m *MemoryStore) FindUntriggeredByAsset(_ context.Context, assetID string) ([]AlertRecord, error) {
	out := m.filter(func(rec AlertRecord) bool { return rec.AssetID == assetID && !rec.Triggered })
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MarkTriggered flips an untriggered alert to triggered.
func (m *MemoryStore) MarkTriggered(_ context.Context, id string, triggeredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.alerts[id]
	if !ok || rec.Triggered {
		return ErrNotFound
	}
	at := triggeredAt.UTC()
	rec.Triggered = true
	rec.TriggeredAt = &at
	rec.UpdatedAt = m.now().UTC()
	m.alerts[id] = rec
	return nil
}

// DeleteByIDAndOwner removes an alert owned by ownerID.
func (m *MemoryStore) DeleteByIDAndOwner(_ context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.alerts[id]
	if !ok || rec.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.alerts, id)
	return nil
}

func (m *MemoryStore) filter(keep func(AlertRecord) bool) []AlertRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AlertRecord, 0)
	for _, rec := range m.alerts {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

var _ AlertStore = (*MemoryStore)(nil)
