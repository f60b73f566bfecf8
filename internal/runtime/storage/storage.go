// Package storage defines the append-only audit store contract and its
// memory, SQLite and PostgreSQL adapters.
package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/jsoncodec"
	"github.com/drblury/dualrun/internal/runtime/model"
)

// Kind identifies the record type.
type Kind string

const (
	KindRequest    Kind = "request"
	KindOutcome    Kind = "outcome"
	KindComparison Kind = "comparison"
)

// PartitionLayout is the time layout of a record's UTC day partition.
const PartitionLayout = "2006-01-02"

// Record is one persisted row. Appends are idempotent on
// (Kind, CorrelationID, Core).
type Record struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	CorrelationID string     `json:"correlation_id"`
	Core          model.Core `json:"core,omitempty"`
	ArrivedAt     time.Time  `json:"arrived_at"`
	Partition     string     `json:"partition"`
	Payload       []byte     `json:"payload"`
}

// Key is the idempotency key of the record.
func (r Record) Key() string {
	return string(r.Kind) + "|" + r.CorrelationID + "|" + string(r.Core)
}

// Adapter is the persistence boundary used by the audit recorder.
type Adapter interface {
	// Append stores records, silently skipping ones whose key already exists.
	Append(ctx context.Context, records ...Record) error
	// Query returns every record of one correlation id, or ErrNotFound.
	Query(ctx context.Context, correlationID string) (Records, error)
	// QueryRange returns records with from <= ArrivedAt < to ordered by
	// arrival. A non-positive limit means no limit.
	QueryRange(ctx context.Context, from, to time.Time, limit int) ([]Record, error)
	Close() error
}

func newRecord(kind Kind, correlationID string, core model.Core, at time.Time, v any) (Record, error) {
	if correlationID == "" {
		return Record{}, fmt.Errorf("dualrun: %s record without correlation id", kind)
	}
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	return Record{
		ID:            uuid.NewString(),
		Kind:          kind,
		CorrelationID: correlationID,
		Core:          core,
		ArrivedAt:     at,
		Partition:     at.Format(PartitionLayout),
		Payload:       payload,
	}, nil
}

// NewRequestRecord encodes a snapshot. Raw headers are never serialised.
func NewRequestRecord(s *model.RequestSnapshot) (Record, error) {
	if s == nil {
		return Record{}, fmt.Errorf("dualrun: nil request snapshot")
	}
	return newRecord(KindRequest, s.CorrelationID, "", s.ArrivedAt, s)
}

// NewOutcomeRecord encodes a response outcome.
func NewOutcomeRecord(o *model.ResponseOutcome) (Record, error) {
	if o == nil {
		return Record{}, fmt.Errorf("dualrun: nil response outcome")
	}
	return newRecord(KindOutcome, o.CorrelationID, o.Core, o.CompletedAt, o)
}

// NewComparisonRecord encodes a comparison result.
func NewComparisonRecord(r *model.ComparisonResult) (Record, error) {
	if r == nil {
		return Record{}, fmt.Errorf("dualrun: nil comparison result")
	}
	return newRecord(KindComparison, r.CorrelationID, "", r.ComparedAt, r)
}

// Records is the decoded view of one correlation id.
type Records struct {
	CorrelationID string                  `json:"correlation_id"`
	Request       *model.RequestSnapshot  `json:"request,omitempty"`
	Primary       *model.ResponseOutcome  `json:"primary,omitempty"`
	Secondary     *model.ResponseOutcome  `json:"secondary,omitempty"`
	Comparison    *model.ComparisonResult `json:"comparison,omitempty"`
	Raw           []Record                `json:"-"`
}

// Decode groups raw rows of a single correlation id. An empty input yields
// ErrNotFound.
func Decode(correlationID string, raw []Record) (Records, error) {
	out := Records{CorrelationID: correlationID, Raw: raw}
	if len(raw) == 0 {
		return out, errorspkg.ErrNotFound
	}
	for _, rec := range raw {
		var err error
		switch rec.Kind {
		case KindRequest:
			out.Request = &model.RequestSnapshot{}
			err = jsoncodec.Unmarshal(rec.Payload, out.Request)
		case KindOutcome:
			outcome := &model.ResponseOutcome{}
			err = jsoncodec.Unmarshal(rec.Payload, outcome)
			if rec.Core == model.CoreSecondary {
				out.Secondary = outcome
			} else {
				out.Primary = outcome
			}
		case KindComparison:
			out.Comparison = &model.ComparisonResult{}
			err = jsoncodec.Unmarshal(rec.Payload, out.Comparison)
		default:
			err = fmt.Errorf("unknown record kind %q", rec.Kind)
		}
		if err != nil {
			return out, fmt.Errorf("failed to decode %s record %s: %w", rec.Kind, rec.ID, err)
		}
	}
	return out, nil
}

func sortByArrival(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ArrivedAt.Before(records[j].ArrivedAt)
	})
}

func applyLimit(records []Record, limit int) []Record {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
