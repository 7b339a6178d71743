package limits

import (
	"net/http"
	"path/filepath"
	"testing"
)

func redirectSnapshot(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	orig := snapshotPath
	snapshotPath = func() string { return filepath.Join(dir, snapshotFilename) }
	t.Cleanup(func() { snapshotPath = orig })
}

func limitHeaders() http.Header {
	h := make(http.Header)
	h.Set("x-codex-primary-used-percent", "42.5")
	h.Set("x-codex-primary-window-minutes", "300")
	h.Set("x-codex-primary-reset-after-seconds", "1800")
	h.Set("x-codex-secondary-used-percent", "12")
	return h
}

func TestParseHeaders(t *testing.T) {
	snap := ParseHeaders(limitHeaders())
	if snap == nil {
		t.Fatal("snapshot = nil")
	}
	if snap.Primary == nil || snap.Primary.UsedPercent != 42.5 {
		t.Fatalf("primary = %+v", snap.Primary)
	}
	if snap.Primary.WindowMinutes == nil || *snap.Primary.WindowMinutes != 300 {
		t.Errorf("window minutes = %v", snap.Primary.WindowMinutes)
	}
	if snap.Primary.ResetsInSeconds == nil || *snap.Primary.ResetsInSeconds != 1800 {
		t.Errorf("reset seconds = %v", snap.Primary.ResetsInSeconds)
	}
	if snap.Secondary == nil || snap.Secondary.UsedPercent != 12 {
		t.Errorf("secondary = %+v", snap.Secondary)
	}
	if snap.CapturedAt.IsZero() {
		t.Error("capture time not set")
	}
}

func TestParseHeadersAbsent(t *testing.T) {
	if snap := ParseHeaders(make(http.Header)); snap != nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestParseHeadersMalformedUsedPercent(t *testing.T) {
	h := make(http.Header)
	h.Set("x-codex-primary-used-percent", "lots")
	if snap := ParseHeaders(h); snap != nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	redirectSnapshot(t)

	r := NewRecorder()
	if r.Latest() != nil {
		t.Fatal("fresh recorder has a snapshot")
	}

	r.RecordFromResponse(limitHeaders())
	snap := r.Latest()
	if snap == nil || snap.Primary == nil || snap.Primary.UsedPercent != 42.5 {
		t.Fatalf("Latest = %+v", snap)
	}

	// A second recorder in the same "home" picks up the persisted snapshot.
	other := NewRecorder()
	persisted := other.Latest()
	if persisted == nil || persisted.Primary == nil || persisted.Primary.UsedPercent != 42.5 {
		t.Errorf("persisted snapshot = %+v", persisted)
	}
}

func TestRecorderIgnoresUnannotatedResponses(t *testing.T) {
	redirectSnapshot(t)

	r := NewRecorder()
	r.RecordFromResponse(limitHeaders())
	r.RecordFromResponse(make(http.Header))

	if snap := r.Latest(); snap == nil {
		t.Error("snapshot overwritten by an unannotated response")
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	redirectSnapshot(t)

	var r *Recorder
	r.RecordFromResponse(limitHeaders())
	if snap := r.Latest(); snap != nil {
		t.Errorf("nil recorder produced %+v", snap)
	}
}
