//go:build linux

package cgroupsample

import (
	"runtime"

	"github.com/ja7ad/cardamon/pkg/osmetrics"
	"github.com/ja7ad/cardamon/pkg/types"
)

// v1Collector samples utilization using only /proc: host CPU from
// /proc/stat, per-pid CPU from /proc/<pid>/stat, IO from /proc/<pid>/io,
// and RSS/minor-fault proxies for the RAM term.
type v1Collector struct {
	clkTck   int
	pageSize int
	nproc    int

	alpha     float64
	emaOK     bool
	emaPrevUV float64

	vmActivePrev uint64
	vmTotalPrev  uint64

	cpuPrev    map[int]uint64
	rbytesPrev map[int]uint64
	wbytesPrev map[int]uint64
	rssPrev    map[int]uint64
	minfltPrev map[int]uint64
}

func newV1(alpha float64) (Collector, error) {
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	active, total, err := osmetrics.ReadSystemCPU()
	if err != nil {
		return nil, err
	}
	return &v1Collector{
		clkTck:       osmetrics.ClockTicks(),
		pageSize:     osmetrics.PageSize(),
		nproc:        runtime.NumCPU(),
		alpha:        alpha,
		vmActivePrev: active,
		vmTotalPrev:  total,
		cpuPrev:      make(map[int]uint64),
		rbytesPrev:   make(map[int]uint64),
		wbytesPrev:   make(map[int]uint64),
		rssPrev:      make(map[int]uint64),
		minfltPrev:   make(map[int]uint64),
	}, nil
}

func (c *v1Collector) Close() error { return nil }

func (c *v1Collector) Sample(pids []int, dtSec float64) (Snapshot, error) {
	if len(pids) == 0 {
		return Snapshot{}, ErrNoPIDs
	}
	if !(dtSec > 0) {
		return Snapshot{}, ErrBadDt
	}

	vmActiveNow, vmTotalNow, err := osmetrics.ReadSystemCPU()
	if err != nil {
		return Snapshot{}, err
	}
	dActive := osmetrics.DeltaU64(vmActiveNow, c.vmActivePrev)
	dTotal := osmetrics.DeltaU64(vmTotalNow, c.vmTotalPrev)
	uvm := clamp01(osmetrics.SafeDiv(float64(dActive), float64(dTotal)))
	c.vmActivePrev, c.vmTotalPrev = vmActiveNow, vmTotalNow

	if c.alpha > 0 {
		if !c.emaOK {
			c.emaPrevUV, c.emaOK = uvm, true
		} else {
			c.emaPrevUV = c.alpha*uvm + (1-c.alpha)*c.emaPrevUV
		}
		uvm = c.emaPrevUV
	}

	var cpuJiffiesDelta, readDelta, writeDelta, refaultBytes, rssChurnBytes uint64
	alive := 0
	for _, pid := range pids {
		if !osmetrics.Exists(pid) {
			continue
		}
		alive++

		if ut, st, err := osmetrics.ReadProcStat(pid); err == nil {
			j := ut + st
			cpuJiffiesDelta += osmetrics.DeltaU64(j, c.cpuPrev[pid])
			c.cpuPrev[pid] = j
		}
		if mn, _, err := osmetrics.ReadProcFaults(pid); err == nil {
			dMn := osmetrics.DeltaU64(mn, c.minfltPrev[pid])
			c.minfltPrev[pid] = mn
			refaultBytes += dMn * uint64(c.pageSize)
		}
		if rNow, wNow, err := osmetrics.ReadProcIO(pid); err == nil {
			readDelta += osmetrics.DeltaU64(rNow, c.rbytesPrev[pid])
			writeDelta += osmetrics.DeltaU64(wNow, c.wbytesPrev[pid])
			c.rbytesPrev[pid], c.wbytesPrev[pid] = rNow, wNow
		}
		if rssNow, err := osmetrics.ReadProcRSS(pid); err == nil {
			prev := c.rssPrev[pid]
			if rssNow >= prev {
				rssChurnBytes += rssNow - prev
			} else {
				rssChurnBytes += prev - rssNow
			}
			c.rssPrev[pid] = rssNow
		}
	}
	if alive == 0 {
		return Snapshot{}, ErrAllExited
	}

	cpuSecProc := float64(cpuJiffiesDelta) / float64(c.clkTck)
	uproc := clamp01(osmetrics.SafeDiv(cpuSecProc, float64(c.nproc)*dtSec))

	return Snapshot{
		TimeSec:       dtSec,
		UVm:           uvm,
		UProc:         uproc,
		ReadBytes:     types.Bytes(readDelta),
		WriteBytes:    types.Bytes(writeDelta),
		RefaultBytes:  types.Bytes(refaultBytes),
		RSSChurnBytes: types.Bytes(rssChurnBytes),
	}, nil
}

func clamp01(x float64) float64 {
	if x < 0 || x != x {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
