// Package sampler takes periodic CPU readings for a set of bare-metal pids
// and Docker containers, appending them to a single shared MetricsLog.
package sampler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ja7ad/cardamon/pkg/cardamonlog"
	"github.com/ja7ad/cardamon/pkg/osmetrics"
	"github.com/ja7ad/cardamon/pkg/plan"
)

// CpuSample is one reading of one target at one instant.
type CpuSample struct {
	Kind          plan.TargetKind
	Pid           int
	Container     string
	Timestamp     time.Time
	// CpuUsage is a single-core fraction: Δ(utime+stime)/clk_tck/Δt for
	// bare-metal targets, or (cpu_delta/system_delta)×online_cpus for
	// containers. It is NOT normalized by core count and may exceed 1.0
	// for multithreaded processes.
	CpuUsage float64
	// CpuTotalUsage is the host- (or container-host-) wide CPU fraction in
	// [0,1] at the same instant.
	CpuTotalUsage float64
	CpuCoreCount  int
}

// SamplerError records a non-fatal failure sampling one target; sampling of
// the remaining targets continues.
type SamplerError struct {
	Kind   string // "pid_not_found", "read_failed", "docker_stats_failed"
	Target string
	Err    error
}

func (e *SamplerError) Error() string {
	return fmt.Sprintf("sampler: %s (%s): %v", e.Kind, e.Target, e.Err)
}
func (e *SamplerError) Unwrap() error { return e.Err }

// MetricsLog is the single append-only, mutex-guarded buffer every sampler
// goroutine writes into. Ownership of the buffer transfers to the caller of
// Handle.Stop, which is the only point it's safe to range over the slice
// without holding the lock.
type MetricsLog struct {
	mu      sync.Mutex
	samples []CpuSample
	errs    []*SamplerError
}

func NewMetricsLog() *MetricsLog { return &MetricsLog{} }

func (m *MetricsLog) append(s CpuSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
}

// Append records a sample directly. Exported so callers outside this
// package (tests, and tools that synthesize samples rather than sample
// live processes) can build a MetricsLog without a running Session.
func (m *MetricsLog) Append(s CpuSample) { m.append(s) }

func (m *MetricsLog) appendErr(e *SamplerError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, e)
}

// Samples returns a snapshot copy of the samples recorded so far. Safe to
// call concurrently with appends, but the returned slice is not updated by
// later appends.
func (m *MetricsLog) Samples() []CpuSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CpuSample, len(m.samples))
	copy(out, m.samples)
	return out
}

// Errors returns a snapshot copy of the sampler errors recorded so far.
func (m *MetricsLog) Errors() []*SamplerError {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SamplerError, len(m.errs))
	copy(out, m.errs)
	return out
}

// Drain atomically swaps the accumulated samples out of the log and
// returns them, leaving the log empty for the next interval. Used by the
// live driver's periodic flush, where each tick must persist only the
// samples appended since the previous tick.
func (m *MetricsLog) Drain() []CpuSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.samples
	m.samples = nil
	return out
}

// SessionError is returned by Start when the targets hold no bare-metal and
// no container targets at all, and by Handle.Stop when the session
// accumulated sampler errors.
type SessionError struct {
	Reason string
}

func (e *SessionError) Error() string { return "sampler: " + e.Reason }

// BareMetalReader abstracts the /proc reads a bare-metal tick needs, so
// tests can substitute a fake without touching the real filesystem.
type BareMetalReader interface {
	Exists(pid int) bool
	ReadProcStat(pid int) (utime, stime uint64, err error)
	ReadSystemCPU() (active, total uint64, err error)
}

type osReader struct{}

func (osReader) Exists(pid int) bool                          { return osmetrics.Exists(pid) }
func (osReader) ReadProcStat(pid int) (uint64, uint64, error)  { return osmetrics.ReadProcStat(pid) }
func (osReader) ReadSystemCPU() (uint64, uint64, error)        { return osmetrics.ReadSystemCPU() }

// ContainerReader abstracts one-shot container CPU stat reads (see
// container.go for the docker/docker-backed implementation).
type ContainerReader interface {
	Stats(ctx context.Context, containerID string) (cpuDelta, systemDelta uint64, onlineCPUs int, err error)
}

// Session owns one sampling run: a set of goroutines (one per target kind
// present) ticking on a fixed interval into a shared MetricsLog.
type Session struct {
	log      *MetricsLog
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	clkTck   int
}

// Handle is returned by Start; Stop ends the session and hands back
// ownership of the accumulated MetricsLog.
type Handle struct {
	s *Session
}

// Start begins sampling targets every interval until the returned Handle is
// stopped. It spawns a bare-metal goroutine only if pid targets are
// present, and a container goroutine only if container targets are present
// and creader is non-nil.
func Start(ctx context.Context, targets []plan.ObservationTarget, interval time.Duration, creader ContainerReader) (*Handle, error) {
	return start(ctx, targets, interval, osReader{}, creader)
}

func start(ctx context.Context, targets []plan.ObservationTarget, interval time.Duration, reader BareMetalReader, creader ContainerReader) (*Handle, error) {
	var pids []int
	var containers []string
	for _, t := range targets {
		switch t.Kind {
		case plan.TargetPid:
			pids = append(pids, t.Pid)
		case plan.TargetContainer:
			containers = append(containers, t.Container)
		}
	}
	if len(pids) == 0 && len(containers) == 0 {
		return nil, &SessionError{Reason: "no targets to sample"}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{log: NewMetricsLog(), cancel: cancel, clkTck: osmetrics.ClockTicks()}

	if len(pids) > 0 {
		s.wg.Add(1)
		go s.runBareMetal(sctx, reader, pids, interval)
	}
	if len(containers) > 0 && creader != nil {
		s.wg.Add(1)
		go s.runContainers(sctx, creader, containers, interval)
	}

	return &Handle{s: s}, nil
}

// Log returns the session's MetricsLog without stopping sampling. The live
// driver uses this to Drain() samples on every tick while the session keeps
// running in the background; the log's own mutex makes this safe to call
// concurrently with the sampler goroutines' appends.
func (h *Handle) Log() *MetricsLog { return h.s.log }

// Stop cancels all sampling goroutines, waits for them to finish their
// current tick, and hands back ownership of the accumulated MetricsLog. If
// the session accumulated any sampler errors (missing pids, failed docker
// stats calls), Stop returns a *SessionError alongside the log — the log
// itself is still valid and still carries whatever samples were collected
// from the targets that did succeed.
func (h *Handle) Stop() (*MetricsLog, error) {
	h.s.cancel()
	h.s.wg.Wait()
	if errs := h.s.log.Errors(); len(errs) > 0 {
		return h.s.log, &SessionError{Reason: fmt.Sprintf("%d sampler error(s) during session", len(errs))}
	}
	return h.s.log, nil
}

func (s *Session) runBareMetal(ctx context.Context, reader BareMetalReader, pids []int, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prevProc := make(map[int]uint64, len(pids))
	seenProc := make(map[int]bool, len(pids))
	var prevActive, prevTotal uint64
	haveVM := false
	nproc := runtime.NumCPU()

	tick := func() {
		now := time.Now()
		active, total, err := reader.ReadSystemCPU()
		if err != nil {
			s.log.appendErr(&SamplerError{Kind: "read_failed", Target: "host", Err: err})
			return
		}
		dActive := osmetrics.DeltaU64(active, prevActive)
		dTotal := osmetrics.DeltaU64(total, prevTotal)
		var totalUsage float64
		if haveVM {
			totalUsage = osmetrics.SafeDiv(float64(dActive), float64(dTotal))
		}
		prevActive, prevTotal, haveVM = active, total, true

		dtSec := interval.Seconds()
		for _, pid := range pids {
			if !reader.Exists(pid) {
				s.log.appendErr(&SamplerError{Kind: "pid_not_found", Target: fmt.Sprint(pid), Err: fmt.Errorf("pid %d not found", pid)})
				continue
			}
			ut, st, err := reader.ReadProcStat(pid)
			if err != nil {
				s.log.appendErr(&SamplerError{Kind: "read_failed", Target: fmt.Sprint(pid), Err: err})
				continue
			}
			jiffies := ut + st
			dJiffies := osmetrics.DeltaU64(jiffies, prevProc[pid])
			prevProc[pid] = jiffies
			firstObservation := !seenProc[pid]
			seenProc[pid] = true
			if firstObservation {
				// No prior reading to diff against yet; recording now would
				// report the pid's entire lifetime jiffy count as this
				// tick's usage. Skip, matching the host-wide haveVM guard
				// above and DockerReader.Stats' own first-tick ok guard.
				continue
			}

			cpuUsage := osmetrics.SafeDiv(float64(dJiffies)/float64(s.clkTck), dtSec)
			s.log.append(CpuSample{
				Kind:          plan.TargetPid,
				Pid:           pid,
				Timestamp:     now,
				CpuUsage:      cpuUsage,
				CpuTotalUsage: totalUsage,
				CpuCoreCount:  nproc,
			})
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (s *Session) runContainers(ctx context.Context, creader ContainerReader, containers []string, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := func() {
		now := time.Now()
		for _, name := range containers {
			cpuDelta, sysDelta, online, err := creader.Stats(ctx, name)
			if err != nil {
				s.log.appendErr(&SamplerError{Kind: "docker_stats_failed", Target: name, Err: err})
				continue
			}
			var usage float64
			if sysDelta > 0 {
				usage = (float64(cpuDelta) / float64(sysDelta)) * float64(online)
			}
			s.log.append(CpuSample{
				Kind:         plan.TargetContainer,
				Container:    name,
				Timestamp:    now,
				CpuUsage:     usage,
				CpuCoreCount: online,
			})
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
