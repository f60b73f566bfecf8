package audit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/logging"
	"github.com/drblury/dualrun/internal/runtime/model"
	"github.com/drblury/dualrun/internal/runtime/storage"
)

// flakyStore fails the first failures appends.
type flakyStore struct {
	*storage.Memory
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) Append(ctx context.Context, records ...storage.Record) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Memory.Append(ctx, records...)
}

type countingMetrics struct {
	mu      sync.Mutex
	written map[storage.Kind]int
	dropped map[string]int
	retried int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{written: map[storage.Kind]int{}, dropped: map[string]int{}}
}

func (c *countingMetrics) AuditWritten(kind storage.Kind, n int) {
	c.mu.Lock()
	c.written[kind] += n
	c.mu.Unlock()
}

func (c *countingMetrics) AuditDropped(_ storage.Kind, reason string) {
	c.mu.Lock()
	c.dropped[reason]++
	c.mu.Unlock()
}

func (c *countingMetrics) AuditRetried() {
	c.mu.Lock()
	c.retried++
	c.mu.Unlock()
}

func fastOptions() Options {
	return Options{
		BatchSize:        10,
		FlushInterval:    5 * time.Millisecond,
		MaxRetries:       2,
		InitialInterval:  time.Millisecond,
		MaxInterval:      2 * time.Millisecond,
		SensitiveHeaders: []string{"Authorization", "set-cookie"},
	}
}

func closeRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func TestMaskerRedactsCaseInsensitively(t *testing.T) {
	m := NewMasker([]string{"authorization", " X-Api-Key "})
	in := http.Header{
		"Authorization": {"Bearer secret"},
		"X-Api-Key":     {"k1", "k2"},
		"Accept":        {"application/json"},
	}

	out := m.Apply(in)

	assert.Equal(t, []string{Mask}, out["Authorization"])
	assert.Equal(t, []string{Mask, Mask}, out["X-Api-Key"])
	assert.Equal(t, []string{"application/json"}, out["Accept"])
	assert.Equal(t, "Bearer secret", in.Get("Authorization"), "input must not be modified")
	assert.Nil(t, m.Apply(nil))
}

func TestRecorderPersistsMaskedRecords(t *testing.T) {
	store := storage.NewMemory()
	r, err := NewRecorder(store, fastOptions(), logging.Nop(), nil)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, r.RecordRequest(&model.RequestSnapshot{
		CorrelationID: "cid-1",
		ArrivedAt:     now,
		Method:        http.MethodPost,
		Path:          "/orders",
		Headers:       http.Header{"Authorization": {"Bearer secret"}, "Accept": {"*/*"}},
	}))
	require.NoError(t, r.RecordOutcome(&model.ResponseOutcome{
		CorrelationID: "cid-1",
		Core:          model.CorePrimary,
		Status:        model.StatusSuccess,
		CompletedAt:   now,
		Headers:       http.Header{"Set-Cookie": {"session=abc"}},
	}))
	require.NoError(t, r.RecordComparison(&model.ComparisonResult{
		CorrelationID: "cid-1",
		Verdict:       model.VerdictUndecidable,
		ComparedAt:    now,
		Diffs:         []model.DiffEntry{},
	}))
	closeRecorder(t, r)

	got, err := store.Query(context.Background(), "cid-1")
	require.NoError(t, err)
	require.NotNil(t, got.Request)
	assert.Nil(t, got.Request.Headers)
	assert.Equal(t, []string{Mask}, got.Request.MaskedHeaders["Authorization"])
	assert.Equal(t, []string{"*/*"}, got.Request.MaskedHeaders["Accept"])
	require.NotNil(t, got.Primary)
	assert.Equal(t, []string{Mask}, got.Primary.Headers["Set-Cookie"])
	require.NotNil(t, got.Comparison)
	for _, raw := range got.Raw {
		assert.NotContains(t, string(raw.Payload), "secret")
		assert.NotContains(t, string(raw.Payload), "session=abc")
	}
	assert.Equal(t, uint64(3), r.Stats().Written)
}

func TestRecorderRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory(), failures: 2}
	metrics := newCountingMetrics()
	r, err := NewRecorder(store, fastOptions(), logging.Nop(), metrics)
	require.NoError(t, err)

	require.NoError(t, r.RecordOutcome(&model.ResponseOutcome{CorrelationID: "cid-2", Core: model.CorePrimary, Status: model.StatusSuccess}))
	closeRecorder(t, r)

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, uint64(2), r.Stats().Retries)
	assert.Equal(t, 2, metrics.retried)
	assert.Equal(t, 1, metrics.written[storage.KindOutcome])
}

func TestRecorderDropsAfterRetriesAndSkipsDependentComparison(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory(), failures: 3}
	metrics := newCountingMetrics()
	opts := fastOptions()
	opts.BatchSize = 1
	r, err := NewRecorder(store, opts, logging.Nop(), metrics)
	require.NoError(t, err)

	require.NoError(t, r.RecordOutcome(&model.ResponseOutcome{CorrelationID: "cid-3", Core: model.CoreSecondary, Status: model.StatusSuccess}))
	require.NoError(t, r.RecordComparison(&model.ComparisonResult{CorrelationID: "cid-3", Verdict: model.VerdictEquivalent, Diffs: []model.DiffEntry{}}))
	closeRecorder(t, r)

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 1, metrics.dropped[DropExhausted])
	assert.Equal(t, 1, metrics.dropped[DropDependency])
	assert.Equal(t, uint64(2), r.Stats().Dropped)
}

func TestRecorderDropsWhenQueueFull(t *testing.T) {
	store := &blockingStore{Memory: storage.NewMemory(), release: make(chan struct{})}
	opts := fastOptions()
	opts.QueueSize = 1
	opts.BatchSize = 1
	r, err := NewRecorder(store, opts, logging.Nop(), nil)
	require.NoError(t, err)

	// First record is picked up by the flusher and blocks in Append.
	require.NoError(t, r.RecordOutcome(&model.ResponseOutcome{CorrelationID: "a", Core: model.CorePrimary}))
	require.Eventually(t, func() bool { return store.entered() }, time.Second, time.Millisecond)
	require.NoError(t, r.RecordOutcome(&model.ResponseOutcome{CorrelationID: "b", Core: model.CorePrimary}))

	err = r.RecordOutcome(&model.ResponseOutcome{CorrelationID: "c", Core: model.CorePrimary})
	assert.ErrorIs(t, err, errorspkg.ErrQueueFull)

	close(store.release)
	closeRecorder(t, r)
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, uint64(1), r.Stats().Dropped)
}

func TestRecorderRejectsAfterClose(t *testing.T) {
	r, err := NewRecorder(storage.NewMemory(), fastOptions(), logging.Nop(), nil)
	require.NoError(t, err)
	closeRecorder(t, r)
	closeRecorder(t, r)

	err = r.RecordComparison(&model.ComparisonResult{CorrelationID: "late"})
	assert.ErrorIs(t, err, errorspkg.ErrRecorderDone)
}

func TestNewRecorderRequiresDependencies(t *testing.T) {
	_, err := NewRecorder(nil, Options{}, logging.Nop(), nil)
	assert.ErrorIs(t, err, errorspkg.ErrStoreRequired)
	_, err = NewRecorder(storage.NewMemory(), Options{}, nil, nil)
	assert.ErrorIs(t, err, errorspkg.ErrLoggerRequired)
}

type blockingStore struct {
	*storage.Memory
	mu      sync.Mutex
	started bool
	release chan struct{}
}

func (b *blockingStore) entered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *blockingStore) Append(ctx context.Context, records ...storage.Record) error {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	<-b.release
	return b.Memory.Append(ctx, records...)
}
