//go:build linux

// Package resourcemodel composes pkg/cgroupsample's cgroup-aware
// collector with pkg/consumption's power accumulator to produce the
// optional CPU+disk+RAM breakdown attached to RunData.ResourceBreakdown
// when `cardamon run --resource-breakdown` is used.
package resourcemodel

import (
	"fmt"

	"github.com/ja7ad/cardamon/pkg/cgroupsample"
	"github.com/ja7ad/cardamon/pkg/consumption"
)

// Breakdown is one sampling session's accumulated resource-power result.
type Breakdown struct {
	Cumulative consumption.Result
	EnergyCumJ float64
}

// Tracker wraps a cgroupsample.Collector and consumption.Accumulator over
// the lifetime of one sampling session.
type Tracker struct {
	collector cgroupsample.Collector
	acc       *consumption.Accumulator
}

// NewTracker builds a Tracker for the given alpha (idle-share charge
// fraction; 0 disables it) using whichever cgroup collector Detect finds
// usable on this host.
func NewTracker(alpha float64) (*Tracker, error) {
	col, err := cgroupsample.NewCollector(alpha)
	if err != nil {
		return nil, fmt.Errorf("resourcemodel: new collector: %w", err)
	}
	return &Tracker{collector: col, acc: consumption.New(nil)}, nil
}

// Tick samples pids over dtSec and folds the resulting power split into
// the tracker's running totals.
func (t *Tracker) Tick(pids []int, dtSec float64) (consumption.Result, error) {
	snap, err := t.collector.Sample(pids, dtSec)
	if err != nil {
		return consumption.Result{}, fmt.Errorf("resourcemodel: sample: %w", err)
	}
	return t.acc.Apply(snap), nil
}

// Breakdown returns the accumulated cumulative energy and per-session
// average power split.
func (t *Tracker) Breakdown() Breakdown {
	return Breakdown{Cumulative: t.acc.Averages(), EnergyCumJ: t.acc.EnergyCumJ()}
}

// Close releases the underlying collector's resources (e.g. the v2
// collector's temporary cgroup leaf).
func (t *Tracker) Close() error { return t.collector.Close() }
