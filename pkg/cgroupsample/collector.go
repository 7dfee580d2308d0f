//go:build linux

package cgroupsample

import (
	"errors"
	"fmt"

	"github.com/ja7ad/cardamon/pkg/types"
)

var (
	ErrNoPIDs     = errors.New("cgroupsample: no pids")
	ErrAllExited  = errors.New("cgroupsample: all pids exited")
	ErrBadDt      = errors.New("cgroupsample: dtSec must be > 0")
	ErrUnsupported = errors.New("cgroupsample: unsupported cgroup mode")
)

// Snapshot is one tick of the host+process-group utilization used by the
// supplemental resource model. It is deliberately separate from
// sampler.CpuSample: that type is the spec-mandated observation record,
// this one only feeds the optional power breakdown.
type Snapshot struct {
	TimeSec       float64
	UVm           float64
	UProc         float64
	ReadBytes     types.Bytes
	WriteBytes    types.Bytes
	RefaultBytes  types.Bytes
	RSSChurnBytes types.Bytes
}

type Collector interface {
	Sample(pids []int, dtSec float64) (Snapshot, error)
	Close() error
}

// NewCollector picks a collector implementation by detected cgroup mode,
// preferring v2's more precise accounting and falling back to /proc-only v1.
func NewCollector(alpha float64) (Collector, error) {
	ver, _, err := Detect()
	if err != nil {
		return nil, fmt.Errorf("cgroupsample: detect: %w", err)
	}
	switch ver {
	case V2, Hybrid:
		return newV2(alpha)
	case V1:
		return newV1(alpha)
	default:
		return nil, ErrUnsupported
	}
}
