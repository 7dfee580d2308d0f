package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ja7ad/cardamon/pkg/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBareMetal struct {
	mu        sync.Mutex
	active    uint64
	total     uint64
	proc      map[int]uint64
	missing   map[int]bool
	statCalls int
}

func newFakeBareMetal() *fakeBareMetal {
	return &fakeBareMetal{proc: map[int]uint64{}, missing: map[int]bool{}}
}

func (f *fakeBareMetal) Exists(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.missing[pid]
}

func (f *fakeBareMetal) ReadProcStat(pid int) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statCalls++
	j := f.proc[pid]
	return j / 2, j - j/2, nil
}

func (f *fakeBareMetal) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statCalls
}

func (f *fakeBareMetal) ReadSystemCPU() (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.total, nil
}

func (f *fakeBareMetal) advance(pid int, jiffies uint64, active, total uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proc[pid] += jiffies
	f.active += active
	f.total += total
}

type fakeContainerReader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeContainerReader) Stats(ctx context.Context, id string) (uint64, uint64, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, 0, 0, f.err
	}
	return 500, 1000, 2, nil
}

func TestStart_NoTargets_ReturnsSessionError(t *testing.T) {
	_, err := start(context.Background(), nil, 10*time.Millisecond, newFakeBareMetal(), nil)
	var sessErr *SessionError
	require.ErrorAs(t, err, &sessErr)
}

func TestBareMetalSampling_AppendsSamples(t *testing.T) {
	reader := newFakeBareMetal()
	reader.advance(100, 100, 50, 100)

	h, err := start(context.Background(), []plan.ObservationTarget{{Kind: plan.TargetPid, Pid: 100}}, 5*time.Millisecond, reader, nil)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	log, err := h.Stop()
	require.NoError(t, err)

	samples := log.Samples()
	require.NotEmpty(t, samples)
	for _, s := range samples {
		assert.Equal(t, plan.TargetPid, s.Kind)
		assert.Equal(t, 100, s.Pid)
		assert.GreaterOrEqual(t, s.CpuUsage, 0.0)
	}
}

func TestBareMetalSampling_FirstTickSuppressed(t *testing.T) {
	reader := newFakeBareMetal()
	reader.advance(100, 1_000_000, 50, 100) // huge jiffy count accrued before sampling starts

	h, err := start(context.Background(), []plan.ObservationTarget{{Kind: plan.TargetPid, Pid: 100}}, 5*time.Millisecond, reader, nil)
	require.NoError(t, err)

	time.Sleep(45 * time.Millisecond)
	log, err := h.Stop()
	require.NoError(t, err)

	ticks := reader.calls()
	samples := log.Samples()
	require.Greater(t, ticks, 1)
	// the cold-start tick is suppressed: one fewer sample than ticks, and
	// no recorded usage is ever near the inflated lifetime-jiffy figure
	// the first tick's raw delta would otherwise have produced.
	assert.Equal(t, ticks-1, len(samples))
	for _, s := range samples {
		assert.Less(t, s.CpuUsage, 1000.0)
	}
}

func TestBareMetalSampling_MissingPidRecordsError(t *testing.T) {
	reader := newFakeBareMetal()
	reader.missing[404] = true

	h, err := start(context.Background(), []plan.ObservationTarget{{Kind: plan.TargetPid, Pid: 404}}, 5*time.Millisecond, reader, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	log, err := h.Stop()
	require.Error(t, err)

	errs := log.Errors()
	require.NotEmpty(t, errs)
	assert.Equal(t, "pid_not_found", errs[0].Kind)
}

func TestContainerSampling_ComputesDeltaFormula(t *testing.T) {
	creader := &fakeContainerReader{}

	h, err := start(context.Background(), []plan.ObservationTarget{{Kind: plan.TargetContainer, Container: "web-1"}}, 5*time.Millisecond, newFakeBareMetal(), creader)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	log, err := h.Stop()
	require.NoError(t, err)

	samples := log.Samples()
	require.NotEmpty(t, samples)
	s := samples[0]
	assert.Equal(t, plan.TargetContainer, s.Kind)
	assert.Equal(t, "web-1", s.Container)
	assert.InDelta(t, 1.0, s.CpuUsage, 1e-9) // (500/1000)*2 == 1.0
	assert.Equal(t, 2, s.CpuCoreCount)
}

func TestContainerSampling_StatsErrorRecorded(t *testing.T) {
	creader := &fakeContainerReader{err: errors.New("boom")}

	h, err := start(context.Background(), []plan.ObservationTarget{{Kind: plan.TargetContainer, Container: "flaky"}}, 5*time.Millisecond, newFakeBareMetal(), creader)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	log, err := h.Stop()
	require.Error(t, err)

	errs := log.Errors()
	require.NotEmpty(t, errs)
	assert.Equal(t, "docker_stats_failed", errs[0].Kind)
}

func TestMetricsLog_SamplesIsASnapshotCopy(t *testing.T) {
	log := NewMetricsLog()
	log.append(CpuSample{Pid: 1})
	snap := log.Samples()
	log.append(CpuSample{Pid: 2})
	assert.Len(t, snap, 1)
	assert.Len(t, log.Samples(), 2)
}
