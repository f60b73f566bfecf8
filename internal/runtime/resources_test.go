package runtime

import (
	"testing"
	"time"
)

func TestResourceTrackerSnapshot(t *testing.T) {
	tracker := newResourceTracker()

	first := tracker.Snapshot()
	if first.CPUPercent != 0 {
		t.Errorf("expected 0 CPU percent on first snapshot, got %f", first.CPUPercent)
	}
	if first.MemoryBytes == 0 {
		t.Error("expected non-zero heap bytes")
	}
	if first.Goroutines == 0 {
		t.Error("expected non-zero goroutine count")
	}

	time.Sleep(10 * time.Millisecond)

	second := tracker.Snapshot()
	if second.CPUPercent < 0 {
		t.Errorf("expected non-negative CPU percent, got %f", second.CPUPercent)
	}
}
