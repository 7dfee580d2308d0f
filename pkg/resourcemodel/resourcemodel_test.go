//go:build linux

package resourcemodel

import (
	"os"
	"testing"
	"time"
)

func TestTracker_TickAccumulatesBreakdown(t *testing.T) {
	tr, err := NewTracker(0)
	if err != nil {
		t.Skipf("no usable cgroup collector on this host: %v", err)
	}
	defer tr.Close()

	pids := []int{os.Getpid()}
	if _, err := tr.Tick(pids, 1.0); err != nil {
		t.Skipf("sample not permitted in this sandbox: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := tr.Tick(pids, 1.0); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}

	b := tr.Breakdown()
	if b.Cumulative.PTotal < 0 {
		t.Fatalf("expected non-negative total power, got %v", b.Cumulative.PTotal)
	}
}
