package compare

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/dualrun/internal/runtime/model"
	"github.com/drblury/dualrun/internal/runtime/rules"
)

type recordedItem struct {
	outcome    *model.ResponseOutcome
	comparison *model.ComparisonResult
}

type fakeRecorder struct {
	mu    sync.Mutex
	items []recordedItem
}

func (f *fakeRecorder) RecordOutcome(o *model.ResponseOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, recordedItem{outcome: o})
	return nil
}

func (f *fakeRecorder) RecordComparison(r *model.ComparisonResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, recordedItem{comparison: r})
	return nil
}

func (f *fakeRecorder) snapshot() []recordedItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedItem(nil), f.items...)
}

type failingStore struct{}

func (failingStore) GetActiveRule(context.Context, string) (*rules.Rule, error) {
	return nil, errors.New("store offline")
}

func newTestCoordinator(t *testing.T, store rules.Store, grace time.Duration) (*Coordinator, *fakeRecorder, chan model.ComparisonResult) {
	t.Helper()
	rec := &fakeRecorder{}
	results := make(chan model.ComparisonResult, 8)
	c := NewCoordinator(NewEngine(), store, rec, CoordinatorOptions{
		Grace:    grace,
		Workers:  2,
		OnResult: func(r model.ComparisonResult) { results <- r },
	}, nil)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, rec, results
}

func waitResult(t *testing.T, results chan model.ComparisonResult) model.ComparisonResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("expected a comparison result")
		return model.ComparisonResult{}
	}
}

func TestCoordinatorPairsOutcomesWithActiveRule(t *testing.T) {
	store := rules.NewMemoryStore()
	_, err := store.Put(&rules.Rule{APIType: "orders", Ignored: []string{"/request_id"}})
	require.NoError(t, err)

	c, rec, results := newTestCoordinator(t, store, time.Minute)
	p := jsonOutcome(model.CorePrimary, `{"id":1,"request_id":"a"}`)
	s := jsonOutcome(model.CoreSecondary, `{"id":1,"request_id":"b"}`)

	c.Offer("orders", s)
	c.Offer("orders", p)

	r := waitResult(t, results)
	assert.True(t, r.Equivalent)
	assert.Equal(t, "v1", r.RuleVersion)
	assert.Equal(t, "orders", r.APIType)
	assert.Equal(t, 0, c.Pending())

	items := rec.snapshot()
	require.Len(t, items, 1)
	assert.NotNil(t, items[0].comparison)
}

func TestCoordinatorGraceExpiryMarksMissingSideTimedOut(t *testing.T) {
	c, rec, results := newTestCoordinator(t, nil, 30*time.Millisecond)
	c.Offer("orders", jsonOutcome(model.CorePrimary, `{}`))

	r := waitResult(t, results)
	assert.Equal(t, model.VerdictUndecidable, r.Verdict)
	assert.False(t, r.Equivalent)
	assert.Equal(t, model.StatusTimeout, r.SecondaryStatus)
	assert.Equal(t, rules.EmptyVersion, r.RuleVersion)

	items := rec.snapshot()
	require.Len(t, items, 2)
	require.NotNil(t, items[0].outcome, "synthesised outcome must be recorded before the comparison")
	assert.Equal(t, model.CoreSecondary, items[0].outcome.Core)
	assert.Equal(t, ReasonGraceExpired, items[0].outcome.Reason)
	assert.NotNil(t, items[1].comparison)

	c.Offer("orders", jsonOutcome(model.CoreSecondary, `{}`))
	select {
	case extra := <-results:
		t.Fatalf("late outcome produced another result: %+v", extra)
	case <-time.After(80 * time.Millisecond):
	}
	assert.Len(t, rec.snapshot(), 2)
	assert.Equal(t, 0, c.Pending())
}

func TestCoordinatorGraceStartsAtPrimaryCompletion(t *testing.T) {
	c, rec, results := newTestCoordinator(t, nil, 30*time.Millisecond)
	c.Offer("orders", jsonOutcome(model.CoreSecondary, `{"id":1}`))

	// A slow Primary finishing well after the grace period still pairs.
	select {
	case r := <-results:
		t.Fatalf("result produced before the Primary finished: %+v", r)
	case <-time.After(120 * time.Millisecond):
	}
	require.Equal(t, 1, c.Pending())

	c.Offer("orders", jsonOutcome(model.CorePrimary, `{"id":1}`))
	r := waitResult(t, results)
	assert.Equal(t, model.VerdictEquivalent, r.Verdict)
	assert.Equal(t, model.StatusSuccess, r.PrimaryStatus)

	items := rec.snapshot()
	require.Len(t, items, 1)
	assert.NotNil(t, items[0].comparison)
}

func TestCoordinatorPrimaryWaitNeverInventsPrimary(t *testing.T) {
	rec := &fakeRecorder{}
	results := make(chan model.ComparisonResult, 4)
	c := NewCoordinator(nil, nil, rec, CoordinatorOptions{
		Grace:       time.Hour,
		PrimaryWait: 30 * time.Millisecond,
		OnResult:    func(r model.ComparisonResult) { results <- r },
	}, nil)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	c.Offer("orders", statusOutcome(model.CoreSecondary, model.StatusSkipped))

	r := waitResult(t, results)
	assert.Equal(t, model.VerdictUndecidable, r.Verdict)
	assert.Equal(t, ReasonMissingPrimary, r.ReasonCode)
	assert.False(t, r.PrimaryPresent)

	items := rec.snapshot()
	require.Len(t, items, 1)
	assert.Nil(t, items[0].outcome, "no Primary outcome may be recorded on its behalf")
	assert.NotNil(t, items[0].comparison)

	c.Offer("orders", jsonOutcome(model.CorePrimary, `{}`))
	select {
	case extra := <-results:
		t.Fatalf("late primary produced another result: %+v", extra)
	case <-time.After(60 * time.Millisecond):
	}
	assert.Len(t, rec.snapshot(), 1)
}

func TestCoordinatorIgnoresDuplicateOutcomes(t *testing.T) {
	c, _, results := newTestCoordinator(t, nil, time.Minute)
	first := jsonOutcome(model.CorePrimary, `{"v":1}`)
	second := jsonOutcome(model.CorePrimary, `{"v":2}`)

	c.Offer("", first)
	c.Offer("", second)
	c.Offer("", jsonOutcome(model.CoreSecondary, `{"v":1}`))

	r := waitResult(t, results)
	assert.True(t, r.Equivalent, "first primary outcome must win: %+v", r.Diffs)
}

func TestCoordinatorRuleStoreFailureIsError(t *testing.T) {
	c, _, results := newTestCoordinator(t, failingStore{}, time.Minute)
	c.Offer("orders", jsonOutcome(model.CorePrimary, `{}`))
	c.Offer("orders", jsonOutcome(model.CoreSecondary, `{}`))

	r := waitResult(t, results)
	assert.Equal(t, model.VerdictError, r.Verdict)
	assert.Equal(t, ReasonRuleUnavailable, r.ReasonCode)
}

func TestCoordinatorCloseFlushesPending(t *testing.T) {
	rec := &fakeRecorder{}
	results := make(chan model.ComparisonResult, 4)
	c := NewCoordinator(nil, nil, rec, CoordinatorOptions{
		Grace:    time.Hour,
		OnResult: func(r model.ComparisonResult) { results <- r },
	}, nil)

	c.Offer("", jsonOutcome(model.CorePrimary, `{}`))
	require.Equal(t, 1, c.Pending())
	require.NoError(t, c.Close(context.Background()))

	r := waitResult(t, results)
	assert.Equal(t, model.VerdictUndecidable, r.Verdict)

	c.Offer("", jsonOutcome(model.CoreSecondary, `{}`))
	assert.Equal(t, 0, c.Pending())
}

func TestCoordinatorCloseLeavesMissingPrimaryUnrecorded(t *testing.T) {
	rec := &fakeRecorder{}
	results := make(chan model.ComparisonResult, 4)
	c := NewCoordinator(nil, nil, rec, CoordinatorOptions{
		Grace:    time.Hour,
		OnResult: func(r model.ComparisonResult) { results <- r },
	}, nil)

	c.Offer("", jsonOutcome(model.CoreSecondary, `{}`))
	require.NoError(t, c.Close(context.Background()))

	r := waitResult(t, results)
	assert.Equal(t, ReasonMissingPrimary, r.ReasonCode)
	for _, item := range rec.snapshot() {
		assert.Nil(t, item.outcome)
	}
}
