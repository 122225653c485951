package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/imagechain/pkg/schema"
)

// MemoryStore is an in-process Store used when no database path is configured.
// Its contents are lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*Run
	records map[string][]*schema.ExecutionRecord
	events  map[string][]*Event
	nextID  int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*Run),
		records: make(map[string][]*schema.ExecutionRecord),
		events:  make(map[string][]*Event),
	}
}

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	if run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = time.Now().UTC()
	if run.Status == "" {
		run.Status = schema.RunStatusIdle
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		run.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		run.CompletedAt = &t
	}
	if update.OutputCount != nil {
		run.OutputCount = *update.OutputCount
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.RLock()
	var runs []*Run
	for _, r := range m.runs {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && r.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *r
		runs = append(runs, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[filter.Offset:]
	}
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (m *MemoryStore) AppendRecord(_ context.Context, rec *schema.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[rec.RunID]; !ok {
		return storeNotFound("run", rec.RunID)
	}
	rec.Sequence = int64(len(m.records[rec.RunID]) + 1)
	rec.Timestamp = timeOrNow(rec.Timestamp)
	cp := *rec
	m.records[rec.RunID] = append(m.records[rec.RunID], &cp)
	return nil
}

func (m *MemoryStore) ListRecords(_ context.Context, runID string) ([]*schema.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.records[runID]
	out := make([]*schema.ExecutionRecord, len(src))
	for i, r := range src {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[event.RunID]; !ok {
		return storeNotFound("run", event.RunID)
	}
	m.nextID++
	event.ID = m.nextID
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	var out []*Event
	for runID, events := range m.events {
		if filter.RunID != "" && runID != filter.RunID {
			continue
		}
		for _, e := range events {
			if e.Type != eventType {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
