package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := &recordingWatermillLogger{}
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"queue": "orders"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"tick": 1})
	boom := errors.New("boom")
	logger.Error("poll failed", boom, LogFields{"queue": "orders"})

	child := logger.With(LogFields{"instance": "acct"})
	child.Info("child", nil)

	require.Len(t, base.root().entries, 5)
	entries := base.root().entries
	assert.Equal(t, "debug", entries[0].level)
	assert.Equal(t, "orders", entries[0].fields["queue"])
	assert.Equal(t, boom, entries[3].err)
	assert.Equal(t, "acct", entries[4].fields["instance"])
}

func TestWithNoFieldsReturnsSameLogger(t *testing.T) {
	logger := NewWatermillServiceLogger(&recordingWatermillLogger{})
	assert.Same(t, logger, logger.With(nil))
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestSlogServiceLoggerWritesStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Info("subscription started", LogFields{"payload_type": "main.Order"})

	out := buf.String()
	assert.True(t, strings.Contains(out, "subscription started"), out)
	assert.True(t, strings.Contains(out, "main.Order"), out)
}

func TestWatermillAdapterRoundTrip(t *testing.T) {
	base := &recordingWatermillLogger{}
	logger := NewWatermillServiceLogger(base)

	// Unwrapping a watermill-backed logger hands back the original adapter.
	assert.Same(t, base, NewWatermillAdapter(logger))

	custom := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(custom)
	adapter.Info("info", watermill.LogFields{"k": "v"})
	adapter.Error("err", errors.New("boom"), nil)
	adapter.With(watermill.LogFields{"child": true}).Debug("child", nil)

	require.Len(t, custom.entries, 2)
	assert.Equal(t, "v", custom.entries[0].fields["k"])
	require.Len(t, custom.children, 1)
	require.Len(t, custom.children[0].entries, 1)
	assert.Equal(t, true, custom.children[0].fields["child"])
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	assert.NotPanics(t, func() {
		logger.With(LogFields{"a": 1}).Error("ignored", errors.New("x"), nil)
	})
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields map[string]any
}

type recordingWatermillLogger struct {
	parent  *recordingWatermillLogger
	fields  watermill.LogFields
	entries []logEntry
}

func (r *recordingWatermillLogger) root() *recordingWatermillLogger {
	if r.parent != nil {
		return r.parent.root()
	}
	return r
}

func (r *recordingWatermillLogger) record(level, msg string, err error, fields watermill.LogFields) {
	merged := map[string]any{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	root := r.root()
	root.entries = append(root.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
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

type recordingServiceLogger struct {
	fields   LogFields
	entries  []logEntry
	children []*recordingServiceLogger
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	child := &recordingServiceLogger{fields: fields}
	r.children = append(r.children, child)
	return child
}
func (r *recordingServiceLogger) Debug(msg string, fields LogFields) {
	r.entries = append(r.entries, logEntry{level: "debug", msg: msg, fields: fields})
}
func (r *recordingServiceLogger) Info(msg string, fields LogFields) {
	r.entries = append(r.entries, logEntry{level: "info", msg: msg, fields: fields})
}
func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.entries = append(r.entries, logEntry{level: "error", msg: msg, err: err, fields: fields})
}
func (r *recordingServiceLogger) Trace(msg string, fields LogFields) {
	r.entries = append(r.entries, logEntry{level: "trace", msg: msg, fields: fields})
}
