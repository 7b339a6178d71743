// Package limits captures upstream rate-limit reporting headers.
//
// The gateway annotates responses with usage-window percentages; recording
// them costs nothing and makes the `info` command useful. This is
// diagnostics, not request state: losing the snapshot changes no behavior.
package limits

import (
	"encoding/json"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/codexlocal/go-codexshim/internal/auth"
)

const snapshotFilename = "usage_limits.json"

// Window is a single rate-limit window as reported by the gateway.
type Window struct {
	UsedPercent     float64 `json:"used_percent"`
	WindowMinutes   *int    `json:"window_minutes,omitempty"`
	ResetsInSeconds *int    `json:"resets_in_seconds,omitempty"`
}

// Snapshot holds the primary and secondary windows, with capture time.
type Snapshot struct {
	CapturedAt time.Time `json:"captured_at"`
	Primary    *Window   `json:"primary,omitempty"`
	Secondary  *Window   `json:"secondary,omitempty"`
}

// ParseHeaders extracts rate-limit information from response headers.
// Returns nil when the response carries none.
func ParseHeaders(headers http.Header) *Snapshot {
	primary := parseWindow(headers,
		"x-codex-primary-used-percent",
		"x-codex-primary-window-minutes",
		"x-codex-primary-reset-after-seconds",
	)
	secondary := parseWindow(headers,
		"x-codex-secondary-used-percent",
		"x-codex-secondary-window-minutes",
		"x-codex-secondary-reset-after-seconds",
	)
	if primary == nil && secondary == nil {
		return nil
	}
	return &Snapshot{CapturedAt: time.Now().UTC(), Primary: primary, Secondary: secondary}
}

func parseWindow(headers http.Header, usedKey, windowKey, resetKey string) *Window {
	usedStr := headers.Get(usedKey)
	if usedStr == "" {
		return nil
	}
	used, err := strconv.ParseFloat(usedStr, 64)
	if err != nil || math.IsNaN(used) || math.IsInf(used, 0) {
		return nil
	}
	w := &Window{UsedPercent: used}
	if v := headers.Get(windowKey); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			w.WindowMinutes = &i
		}
	}
	if v := headers.Get(resetKey); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			w.ResetsInSeconds = &i
		}
	}
	return w
}

// snapshotPath is a function variable so tests can redirect persistence.
var snapshotPath = func() string {
	return filepath.Join(auth.HomeDir(), snapshotFilename)
}

// Recorder keeps the latest snapshot in memory and mirrors it to disk.
type Recorder struct {
	mu     sync.Mutex
	latest *Snapshot
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// RecordFromResponse captures rate-limit headers, if present. Best effort;
// persistence failures are ignored.
func (r *Recorder) RecordFromResponse(headers http.Header) {
	if r == nil || headers == nil {
		return
	}
	snap := ParseHeaders(headers)
	if snap == nil {
		return
	}
	r.mu.Lock()
	r.latest = snap
	r.mu.Unlock()

	_ = os.MkdirAll(auth.HomeDir(), 0o700)
	if data, err := json.MarshalIndent(snap, "", "  "); err == nil {
		_ = os.WriteFile(snapshotPath(), data, 0o600)
	}
}

// Latest returns the most recent snapshot seen this process, falling back to
// the persisted one from a previous run.
func (r *Recorder) Latest() *Snapshot {
	if r != nil {
		r.mu.Lock()
		snap := r.latest
		r.mu.Unlock()
		if snap != nil {
			return snap
		}
	}
	return loadSnapshot()
}

func loadSnapshot() *Snapshot {
	data, err := os.ReadFile(snapshotPath())
	if err != nil {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil
	}
	if snap.Primary == nil && snap.Secondary == nil {
		return nil
	}
	return &snap
}
