package storage

import (
	"context"
	"sync"
	"time"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
)

// Memory keeps records in day partitions. It is meant for tests, demos and
// single-process deployments that accept losing the trail on restart.
type Memory struct {
	mu         sync.RWMutex
	keys       map[string]struct{}
	partitions map[string][]Record
	byID       map[string][]Record
	closed     bool
}

func NewMemory() *Memory {
	return &Memory{
		keys:       make(map[string]struct{}),
		partitions: make(map[string][]Record),
		byID:       make(map[string][]Record),
	}
}

func (m *Memory) Append(ctx context.Context, records ...Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errorspkg.ErrStoreClosed
	}
	for _, rec := range records {
		key := rec.Key()
		if _, ok := m.keys[key]; ok {
			continue
		}
		m.keys[key] = struct{}{}
		m.partitions[rec.Partition] = append(m.partitions[rec.Partition], rec)
		m.byID[rec.CorrelationID] = append(m.byID[rec.CorrelationID], rec)
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, correlationID string) (Records, error) {
	if err := ctx.Err(); err != nil {
		return Records{}, err
	}
	m.mu.RLock()
	raw := append([]Record(nil), m.byID[correlationID]...)
	m.mu.RUnlock()
	return Decode(correlationID, raw)
}

func (m *Memory) QueryRange(ctx context.Context, from, to time.Time, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from, to = from.UTC(), to.UTC()
	var out []Record
	m.mu.RLock()
	for day := from.Truncate(24 * time.Hour); day.Before(to); day = day.Add(24 * time.Hour) {
		for _, rec := range m.partitions[day.Format(PartitionLayout)] {
			if !rec.ArrivedAt.Before(from) && rec.ArrivedAt.Before(to) {
				out = append(out, rec)
			}
		}
	}
	m.mu.RUnlock()
	sortByArrival(out)
	return applyLimit(out, limit), nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
