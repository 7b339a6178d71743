// Package telemetry is the shim's diagnostics channel: a verbose console log
// and an append-only JSONL event sink, both optional. Nothing in the request
// pipeline depends on either for correctness; a nil or disabled Tracker is
// always safe to call.
package telemetry

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Tracker fans diagnostics out to the console channel and the JSONL sink.
type Tracker struct {
	console zerolog.Logger
	sink    zerolog.Logger
	file    *os.File
}

// New creates a tracker. verbose enables human-readable console output on
// stderr; sinkPath, when non-empty, appends one JSON record per event to the
// file (directories are created as needed).
func New(verbose bool, sinkPath string) (*Tracker, error) {
	t := &Tracker{
		console: zerolog.Nop(),
		sink:    zerolog.Nop(),
	}

	if verbose {
		cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
		t.console = zerolog.New(cw).With().Timestamp().Logger()
	}

	if sinkPath != "" {
		if err := os.MkdirAll(filepath.Dir(sinkPath), 0o750); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(sinkPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, err
		}
		t.file = f
		t.sink = zerolog.New(f).With().Timestamp().Logger()
	}

	return t, nil
}

// NewWriterTracker builds a tracker over explicit writers; used by tests.
func NewWriterTracker(console, sink io.Writer) *Tracker {
	t := &Tracker{console: zerolog.Nop(), sink: zerolog.Nop()}
	if console != nil {
		t.console = zerolog.New(console)
	}
	if sink != nil {
		t.sink = zerolog.New(sink).With().Timestamp().Logger()
	}
	return t
}

// Close releases the sink file, if any.
func (t *Tracker) Close() {
	if t == nil || t.file == nil {
		return
	}
	_ = t.file.Close()
	t.file = nil
}

// Intercepted records one rewritten outbound request.
func (t *Tracker) Intercepted(model string, normalized, reconciled, overlaid bool, items int) {
	if t == nil {
		return
	}
	for _, l := range [...]*zerolog.Logger{&t.console, &t.sink} {
		l.Info().
			Str("event", "request_intercepted").
			Str("model", model).
			Bool("normalized", normalized).
			Bool("reconciled", reconciled).
			Bool("overlaid", overlaid).
			Int("items", items).
			Send()
	}
}

// Passthrough records a request that was forwarded untouched.
func (t *Tracker) Passthrough(method, path, reason string) {
	if t == nil {
		return
	}
	t.console.Debug().
		Str("event", "passthrough").
		Str("method", method).
		Str("path", path).
		Str("reason", reason).
		Send()
}

// DriftDetected records a capability-drift hit.
func (t *Tracker) DriftDetected(attempted string, strike int) {
	if t == nil {
		return
	}
	for _, l := range [...]*zerolog.Logger{&t.console, &t.sink} {
		l.Warn().
			Str("event", "drift_detected").
			Str("attempted_tool", attempted).
			Int("strike", strike).
			Send()
	}
}

// RetryWait records one throttling backoff.
func (t *Tracker) RetryWait(attempt int, wait time.Duration) {
	if t == nil {
		return
	}
	for _, l := range [...]*zerolog.Logger{&t.console, &t.sink} {
		l.Warn().
			Str("event", "retry_wait").
			Int("attempt", attempt).
			Dur("wait", wait).
			Send()
	}
}

// Error records a relay-level failure.
func (t *Tracker) Error(context string, err error) {
	if t == nil {
		return
	}
	for _, l := range [...]*zerolog.Logger{&t.console, &t.sink} {
		l.Error().
			Str("event", "error").
			Str("context", context).
			Err(err).
			Send()
	}
}
