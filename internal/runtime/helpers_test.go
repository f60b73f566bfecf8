package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/dualrun/internal/runtime/config"
	loggingpkg "github.com/drblury/dualrun/internal/runtime/logging"
)

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every entry written through it or its children.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	base    loggingpkg.LogFields
}

func newTestLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, base: merged}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) Entries() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), *l.entries...)
}

func (l *recordingLogger) Find(msg string) (logEntry, bool) {
	for _, e := range l.Entries() {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

// backend is a downstream test server that remembers the bodies it received.
type backend struct {
	*httptest.Server

	mu     sync.Mutex
	bodies []string
	hits   chan struct{}
}

func newBackend(t *testing.T, status int, body string) *backend {
	t.Helper()
	return newSlowBackend(t, 0, status, body)
}

// newSlowBackend answers after delay, or gives up when the caller does.
func newSlowBackend(t *testing.T, delay time.Duration, status int, body string) *backend {
	t.Helper()
	b := &backend{hits: make(chan struct{}, 64)}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.bodies = append(b.bodies, string(data))
		b.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		b.hits <- struct{}{}
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) Bodies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.bodies...)
}

func (b *backend) waitHit(t *testing.T) {
	t.Helper()
	select {
	case <-b.hits:
	case <-time.After(2 * time.Second):
		t.Fatal("backend was not called")
	}
}

// newTestConfig mirrors every request to the Secondary and keeps audit
// records in memory.
func newTestConfig(primaryURL, secondaryURL string) *configpkg.Config {
	cfg := configpkg.Default()
	cfg.Mode = configpkg.ModeDualRun
	cfg.SamplingPercent = 100
	cfg.PrimaryURL = primaryURL
	cfg.SecondaryURL = secondaryURL
	cfg.StorageDriver = "memory"
	cfg.RulesDriver = "memory"
	cfg.EventSink = ""
	cfg.MetricsEnabled = false
	cfg.AdminEnabled = false
	cfg.ComparisonGrace = time.Second
	cfg.SecondaryTimeout = 500 * time.Millisecond
	cfg.AuditFlushInterval = 5 * time.Millisecond
	return cfg
}

func newTestService(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies) (*Service, *recordingLogger) {
	t.Helper()
	log := newTestLogger()
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	svc, err := NewService(cfg, log, context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc, log
}
