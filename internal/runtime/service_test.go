package runtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/dualrun/internal/runtime/config"
	"github.com/drblury/dualrun/internal/runtime/correlation"
	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/eventbus"
	"github.com/drblury/dualrun/internal/runtime/model"
	"github.com/drblury/dualrun/internal/runtime/rules"
	"github.com/drblury/dualrun/internal/runtime/storage"
	"github.com/drblury/dualrun/transport"
	"github.com/drblury/dualrun/transport/transporttest"
)

func collectComparisons() (func(model.ComparisonResult), <-chan model.ComparisonResult) {
	ch := make(chan model.ComparisonResult, 16)
	return func(r model.ComparisonResult) { ch <- r }, ch
}

func waitComparison(t *testing.T, ch <-chan model.ComparisonResult) model.ComparisonResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("no comparison result")
		return model.ComparisonResult{}
	}
}

func post(t *testing.T, h http.Handler, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewServiceRequiresLogger(t *testing.T) {
	_, err := NewService(configpkg.Default(), nil, context.Background(), ServiceDependencies{})
	require.ErrorIs(t, err, errorspkg.ErrLoggerRequired)
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	cfg := newTestConfig("http://primary.local", "")
	cfg.SamplingPercent = 250

	_, err := NewService(cfg, newTestLogger(), context.Background(), ServiceDependencies{Registerer: prometheus.NewRegistry()})
	var verr errorspkg.ConfigValidationError
	require.ErrorAs(t, err, &verr)
}

func TestNewServiceRequiresPrimary(t *testing.T) {
	cfg := newTestConfig("", "")
	_, err := NewService(cfg, newTestLogger(), context.Background(), ServiceDependencies{Registerer: prometheus.NewRegistry()})
	require.ErrorIs(t, err, errorspkg.ErrClientRequired)
}

func TestNewServiceUnknownSinkFails(t *testing.T) {
	cfg := newTestConfig("http://primary.local", "")
	cfg.EventSink = "carrier-pigeon"
	_, err := NewService(cfg, newTestLogger(), context.Background(), ServiceDependencies{
		Registerer: prometheus.NewRegistry(),
		Sinks:      transport.NewRegistry(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event sink")
}

func TestNewService_MiddlewareBuilderError(t *testing.T) {
	primary := newBackend(t, http.StatusOK, `{}`)
	cfg := newTestConfig(primary.URL, "")
	_, err := NewService(cfg, newTestLogger(), context.Background(), ServiceDependencies{
		Registerer: prometheus.NewRegistry(),
		Middlewares: []MiddlewareRegistration{{
			Builder: func(*Service) (Middleware, error) { return nil, errors.New("boom") },
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anonymous_middleware")
}

func TestServiceMirrorsRequestAndRecordsComparison(t *testing.T) {
	primary := newBackend(t, http.StatusOK, `{"id":1,"total":10.5}`)
	secondary := newBackend(t, http.StatusOK, `{"total":10.5,"id":1}`)
	onResult, results := collectComparisons()

	svc, _ := newTestService(t, newTestConfig(primary.URL, secondary.URL), ServiceDependencies{OnComparison: onResult})

	rec := post(t, svc.Handler(), "/orders?x=1", `{"sku":"A-1"}`, http.Header{"X-Api-Type": {"orders"}})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":1,"total":10.5}`, rec.Body.String())
	id := rec.Header().Get(correlation.Header)
	require.NotEmpty(t, id)

	primary.waitHit(t)
	secondary.waitHit(t)
	assert.Equal(t, []string{`{"sku":"A-1"}`}, primary.Bodies())
	assert.Equal(t, []string{`{"sku":"A-1"}`}, secondary.Bodies())

	result := waitComparison(t, results)
	assert.Equal(t, id, result.CorrelationID)
	assert.Equal(t, model.VerdictEquivalent, result.Verdict)
	assert.Equal(t, "orders", result.APIType)

	var records storage.Records
	require.Eventually(t, func() bool {
		var err error
		records, err = svc.Storage().Query(context.Background(), id)
		return err == nil && records.Request != nil && records.Primary != nil &&
			records.Secondary != nil && records.Comparison != nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "/orders", records.Request.Path)
	assert.Equal(t, "x=1", records.Request.RawQuery)
	assert.Equal(t, model.StatusSuccess, records.Secondary.Status)

	snap := svc.Metrics().Snapshot()
	assert.Equal(t, uint64(1), snap.Outcomes[model.CorePrimary][model.StatusSuccess])
	assert.Equal(t, uint64(1), snap.Outcomes[model.CoreSecondary][model.StatusSuccess])
	assert.Equal(t, uint64(1), snap.Verdicts[model.VerdictEquivalent])
}

func TestServiceComparisonUsesActiveRule(t *testing.T) {
	primary := newBackend(t, http.StatusOK, `{"id":1,"generated_at":"a"}`)
	secondary := newBackend(t, http.StatusOK, `{"id":1,"generated_at":"b"}`)
	onResult, results := collectComparisons()

	svc, _ := newTestService(t, newTestConfig(primary.URL, secondary.URL), ServiceDependencies{OnComparison: onResult})

	post(t, svc.Handler(), "/orders", `{}`, http.Header{"X-Api-Type": {"orders"}})
	first := waitComparison(t, results)
	assert.Equal(t, model.VerdictDifferent, first.Verdict)
	require.NotEmpty(t, first.Diffs)
	assert.Equal(t, "/generated_at", first.Diffs[0].Path)

	stored, err := svc.Rules().PutRule(context.Background(), &rules.Rule{APIType: "orders", Ignored: []string{"/generated_at"}})
	require.NoError(t, err)

	post(t, svc.Handler(), "/orders", `{}`, http.Header{"X-Api-Type": {"orders"}})
	second := waitComparison(t, results)
	assert.Equal(t, model.VerdictEquivalent, second.Verdict)
	assert.Equal(t, stored.Version, second.RuleVersion)
}

func TestServicePrimaryFailureReturnsBadGateway(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	svc, _ := newTestService(t, newTestConfig(closedURL, ""), ServiceDependencies{})

	rec := post(t, svc.Handler(), "/orders", `{}`, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(correlation.Header))

	snap := svc.Metrics().Snapshot()
	assert.Equal(t, uint64(1), snap.Outcomes[model.CorePrimary][model.StatusFail])
}

func TestServiceSecondaryFailureDoesNotAffectPrimary(t *testing.T) {
	primary := newBackend(t, http.StatusCreated, `{"ok":true}`)
	closed := httptest.NewServer(http.NotFoundHandler())
	secondaryURL := closed.URL
	closed.Close()
	onResult, results := collectComparisons()

	svc, _ := newTestService(t, newTestConfig(primary.URL, secondaryURL), ServiceDependencies{OnComparison: onResult})

	rec := post(t, svc.Handler(), "/orders", `{"a":1}`, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	result := waitComparison(t, results)
	assert.Equal(t, model.StatusSuccess, result.PrimaryStatus)
	assert.Equal(t, model.StatusFail, result.SecondaryStatus)
	assert.Equal(t, model.VerdictDifferent, result.Verdict)
}

func TestServiceSingleRunSkipsSecondaryUntilReconfigured(t *testing.T) {
	primary := newBackend(t, http.StatusOK, `{}`)
	secondary := newBackend(t, http.StatusOK, `{}`)
	cfg := newTestConfig(primary.URL, secondary.URL)
	cfg.Mode = configpkg.ModeSingleRun
	onResult, results := collectComparisons()

	svc, _ := newTestService(t, cfg, ServiceDependencies{OnComparison: onResult})

	post(t, svc.Handler(), "/orders", `{}`, nil)
	primary.waitHit(t)
	select {
	case <-secondary.hits:
		t.Fatal("secondary must not be called in single-run mode")
	case <-time.After(100 * time.Millisecond):
	}

	next := svc.Config().Clone()
	next.Mode = configpkg.ModeDualRun
	require.NoError(t, svc.Holder().Apply(next))

	post(t, svc.Handler(), "/orders", `{}`, nil)
	secondary.waitHit(t)
	assert.Equal(t, model.VerdictEquivalent, waitComparison(t, results).Verdict)
}

func TestServiceStartRunsHooksAndSink(t *testing.T) {
	primary := newBackend(t, http.StatusOK, `{"v":1}`)
	secondary := newBackend(t, http.StatusOK, `{"v":1}`)

	pub := &transporttest.Publisher{}
	sinks := transport.NewRegistry()
	sinks.Register("recording", func(context.Context, transport.Config, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	})

	cfg := newTestConfig(primary.URL, secondary.URL)
	cfg.EventSink = "recording"
	cfg.ListenAddr = "127.0.0.1:0"

	requests := make(chan eventbus.Event, 8)
	svc, _ := newTestService(t, cfg, ServiceDependencies{
		Sinks: sinks,
		Hooks: EventHooks{OnRequest: func(ev eventbus.Event) { requests <- ev }},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	require.Eventually(t, func() bool { return svc.Bus().Stats().Subscribers == 2 }, 2*time.Second, 5*time.Millisecond)

	rec := post(t, svc.Handler(), "/orders", `{}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case ev := <-requests:
		assert.Equal(t, rec.Header().Get(correlation.Header), ev.CorrelationID)
		require.NotNil(t, ev.Request)
		assert.Nil(t, ev.Request.Headers)
	case <-time.After(2 * time.Second):
		t.Fatal("request hook not invoked")
	}

	// request, primary outcome and secondary outcome
	require.Eventually(t, func() bool { return len(pub.Published(cfg.EventTopic)) >= 3 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.True(t, pub.IsClosed())
	assert.GreaterOrEqual(t, svc.Metrics().Snapshot().Sink.Published, uint64(3))
}

func TestServiceStartTwiceFails(t *testing.T) {
	primary := newBackend(t, http.StatusOK, `{}`)
	cfg := newTestConfig(primary.URL, "")
	cfg.ListenAddr = "127.0.0.1:0"
	svc, _ := newTestService(t, cfg, ServiceDependencies{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	require.Eventually(t, func() bool { return svc.started.Load() }, time.Second, 5*time.Millisecond)

	require.Error(t, svc.Start(ctx))
	cancel()
	require.NoError(t, <-done)
}

func TestServiceCloseIsIdempotent(t *testing.T) {
	primary := newBackend(t, http.StatusOK, `{}`)
	svc, _ := newTestService(t, newTestConfig(primary.URL, ""), ServiceDependencies{})

	require.NoError(t, svc.Close(context.Background()))
	require.NoError(t, svc.Close(context.Background()))
}

func TestServiceStreamsLargePrimaryBody(t *testing.T) {
	payload := strings.Repeat("x", 256<<10)
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Connection", "close")
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(primary.Close)

	svc, _ := newTestService(t, newTestConfig(primary.URL, ""), ServiceDependencies{})

	rec := post(t, svc.Handler(), "/blob", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, len(payload), rec.Body.Len())
	assert.Empty(t, rec.Header().Get("Connection"))
}
