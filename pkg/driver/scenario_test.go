package driver

import (
	"context"
	"testing"
	"time"

	"github.com/ja7ad/cardamon/pkg/config"
	"github.com/ja7ad/cardamon/pkg/plan"
	"github.com/ja7ad/cardamon/pkg/procctl"
	"github.com/ja7ad/cardamon/pkg/recorder"
	"github.com/ja7ad/cardamon/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func noopProcessPlan(scenarioIterations int) *plan.ExecutionPlan {
	proc := &config.ProcessDef{
		Name:     "noop",
		Up:       "sh -c 'sleep 5'",
		Redirect: config.RedirectNull,
		Process:  config.ProcessType{Type: config.ProcessTypeBareMetal},
	}
	sc := &config.ScenarioDef{
		Name:       "quick",
		Command:    "true",
		Iterations: scenarioIterations,
		Processes:  []string{"noop"},
	}
	return &plan.ExecutionPlan{
		Mode:      plan.ModeObservation,
		Processes: []*config.ProcessDef{proc},
		Scenarios: []*config.ScenarioDef{sc},
	}
}

func TestScenarioDriver_Run_RecordsRunAndIterations(t *testing.T) {
	st := openTestStore(t)
	rec := recorder.New(st)
	d := NewScenarioDriver(rec, nil)

	p := noopProcessPlan(2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runID, err := d.Run(ctx, p, "test-cpu", 50, "", 0.494)
	require.NoError(t, err)
	assert.Len(t, runID, 5)

	run, err := st.GetRun(runID)
	require.NoError(t, err)
	assert.False(t, run.Stop.IsZero())

	its, err := st.ListIterations(runID)
	require.NoError(t, err)
	assert.Len(t, its, 2)
}

func TestScenarioDriver_Run_EmptyUpCommand_ReturnsSpawnError(t *testing.T) {
	st := openTestStore(t)
	rec := recorder.New(st)
	d := NewScenarioDriver(rec, nil)

	proc := &config.ProcessDef{Name: "bad", Up: "", Process: config.ProcessType{Type: config.ProcessTypeBareMetal}}
	p := &plan.ExecutionPlan{Processes: []*config.ProcessDef{proc}}

	_, err := d.Run(context.Background(), p, "cpu", 1, "", 0.494)
	var spawnErr *procctl.SpawnError
	assert.ErrorAs(t, err, &spawnErr)
}

// fakeResourceTracker is a test double standing in for a
// pkg/resourcemodel-backed ResourceTracker, since that package is
// linux-cgroup-specific and this test needs to run anywhere.
type fakeResourceTracker struct {
	ticks  int
	closed bool
}

func (f *fakeResourceTracker) Tick(pids []int, dtSec float64) error {
	f.ticks++
	return nil
}

func (f *fakeResourceTracker) Breakdown() (cpuW, diskW, ramW, energyJ float64) {
	return 10, 2, 1, 130
}

func (f *fakeResourceTracker) Close() error {
	f.closed = true
	return nil
}

func TestScenarioDriver_Run_WithResourceTracker_PersistsBreakdown(t *testing.T) {
	st := openTestStore(t)
	rec := recorder.New(st)
	tracker := &fakeResourceTracker{}
	d := NewScenarioDriver(rec, nil).WithResourceTracker(tracker)

	p := noopProcessPlan(2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runID, err := d.Run(ctx, p, "test-cpu", 50, "", 0.494)
	require.NoError(t, err)
	assert.Equal(t, 2, tracker.ticks)

	run, err := st.GetRun(runID)
	require.NoError(t, err)
	assert.True(t, run.HasResourceBreakdown)
	assert.Equal(t, 10.0, run.ResourceCPUW)
	assert.Equal(t, 2.0, run.ResourceDiskW)
	assert.Equal(t, 1.0, run.ResourceRAMW)
	assert.Equal(t, 130.0, run.ResourceEnergyJ)
}
