package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "dispatch"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})

	child := logger.With(LogFields{"child": "yes"})
	child.Info("child_info", nil)

	if len(base.entries) != 5 {
		t.Fatalf("expected 5 log entries, got %d", len(base.entries))
	}
	if base.entries[0].level != "debug" || base.entries[0].fields["component"] != "dispatch" {
		t.Fatalf("unexpected first entry: %#v", base.entries[0])
	}
	if base.entries[3].err == nil || base.entries[3].err.Error() != "boom" {
		t.Fatalf("expected error entry, got %#v", base.entries[3])
	}
	if base.entries[4].fields["child"] != "yes" {
		t.Fatalf("expected With to propagate fields, got %#v", base.entries[4].fields)
	}
}

func TestWithEmptyFieldsReturnsSameLogger(t *testing.T) {
	logger := NewWatermillServiceLogger(newRecordingWatermillLogger())
	if logger.With(nil) != logger {
		t.Fatal("expected With(nil) to return the receiver")
	}
}

func TestConstructorsPanicOnNil(t *testing.T) {
	cases := map[string]func(){
		"watermill": func() { NewWatermillServiceLogger(nil) },
		"slog":      func() { NewSlogServiceLogger(nil) },
		"adapter":   func() { NewWatermillAdapter(nil) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Fatal("expected panic")
				}
			}()
			fn()
		})
	}
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(base)

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)

	child := adapter.With(watermill.LogFields{"child": "yes"})
	child.Info("child_info", nil)

	if len(base.entries) != 4 {
		t.Fatalf("expected 4 delegated entries on base, got %d", len(base.entries))
	}
	typedChild, ok := child.(*serviceLoggerAdapter)
	if !ok {
		t.Fatal("expected service logger adapter child")
	}
	childBase := typedChild.base.(*recordingServiceLogger)
	if len(childBase.entries) != 1 || childBase.entries[0].fields["child"] != "yes" {
		t.Fatalf("expected child fields to be preserved, got %#v", childBase.entries)
	}
}

func TestNewWritesStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "json", "info")
	logger.Debug("hidden", nil)
	logger.Info("visible", LogFields{"correlation_id": "01H"})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected debug line to be filtered, got %s", out)
	}
	if !strings.Contains(out, `"correlation_id":"01H"`) {
		t.Fatalf("expected json field in output, got %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentTagsLogger(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := Component(NewWatermillServiceLogger(base), "audit")
	logger.Info("flush", nil)
	if base.entries[0].fields["component"] != "audit" {
		t.Fatalf("expected component field, got %#v", base.entries[0].fields)
	}
	Component(nil, "x").Info("discarded", nil)
}

type watermillEntry struct {
	level  string
	msg    string
	err    error
	fields watermill.LogFields
}

type recordingWatermillLogger struct {
	entries []watermillEntry
	parent  *recordingWatermillLogger
	fields  watermill.LogFields
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	return &recordingWatermillLogger{}
}

func (r *recordingWatermillLogger) root() *recordingWatermillLogger {
	if r.parent != nil {
		return r.parent.root()
	}
	return r
}

func (r *recordingWatermillLogger) record(level, msg string, err error, fields watermill.LogFields) {
	merged := watermill.LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	root := r.root()
	root.entries = append(root.entries, watermillEntry{level: level, msg: msg, err: err, fields: merged})
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &recordingWatermillLogger{parent: r, fields: fields}
}

type serviceEntry struct {
	level  string
	msg    string
	fields LogFields
}

type recordingServiceLogger struct {
	entries []serviceEntry
	fields  LogFields
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	return &recordingServiceLogger{fields: fields}
}

func (r *recordingServiceLogger) add(level, msg string, fields LogFields) {
	merged := LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.entries = append(r.entries, serviceEntry{level: level, msg: msg, fields: merged})
}

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) { r.add("debug", msg, fields) }
func (r *recordingServiceLogger) Info(msg string, fields LogFields)  { r.add("info", msg, fields) }
func (r *recordingServiceLogger) Trace(msg string, fields LogFields) { r.add("trace", msg, fields) }
func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.add("error", msg, fields)
}
