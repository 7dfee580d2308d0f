package driver

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ja7ad/cardamon/pkg/plan"
	"github.com/ja7ad/cardamon/pkg/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func externalOnlyLivePlan() *plan.ExecutionPlan {
	p := &plan.ExecutionPlan{Mode: plan.ModeLive}
	p.AddExternalPid(os.Getpid())
	return p
}

func TestLiveDriver_Run_TicksAndEndsOnCancel(t *testing.T) {
	st := openTestStore(t)
	rec := recorder.New(st)
	d := NewLiveDriver(rec, nil)

	p := externalOnlyLivePlan()

	ctx, cancel := context.WithTimeout(context.Background(), 2200*time.Millisecond)
	defer cancel()

	runID, err := d.Run(ctx, p, "", "test-cpu", 40, "", 0.494)
	require.NoError(t, err)

	run, err := st.GetRun(runID)
	require.NoError(t, err)
	assert.False(t, run.Stop.IsZero())

	its, err := st.ListIterations(runID)
	require.NoError(t, err)
	require.Len(t, its, 1)
	assert.Equal(t, recorder.LiveIterationName, its[0].Scenario)
}

func TestLiveDriver_Run_ResumesExistingRunID(t *testing.T) {
	st := openTestStore(t)
	rec := recorder.New(st)
	d := NewLiveDriver(rec, nil)

	existing, err := rec.StartOrResumeRun("", "live", "cpu", 1, "", 0.494)
	require.NoError(t, err)

	p := externalOnlyLivePlan()
	ctx, cancel := context.WithTimeout(context.Background(), 1100*time.Millisecond)
	defer cancel()

	runID, err := d.Run(ctx, p, existing, "cpu", 1, "", 0.494)
	require.NoError(t, err)
	assert.Equal(t, existing, runID)
}
