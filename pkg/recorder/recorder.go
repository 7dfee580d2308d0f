// Package recorder writes runs and iterations to a store.Store and flushes
// a sampler.MetricsLog's samples into it, following the same
// start/iterate/flush/stop rhythm the teacher's accumulator used for power
// samples, applied here to run- and iteration-scoped CPU samples.
package recorder

import (
	"fmt"
	"time"

	"github.com/ja7ad/cardamon/pkg/cardamonlog"
	"github.com/ja7ad/cardamon/pkg/sampler"
	"github.com/ja7ad/cardamon/pkg/store"
	"github.com/ja7ad/cardamon/pkg/types"
)

// Recorder writes Run/Iteration rows and flushes CpuSamples to a Store.
type Recorder struct {
	st store.Store
}

// New returns a Recorder backed by st.
func New(st store.Store) *Recorder {
	return &Recorder{st: st}
}

// StartRun generates a 5-char run id, inserts a Run with stop unset, and
// returns the new run's id.
func (r *Recorder) StartRun(observation, cpuName string, cpuAvgPower float64, isLive bool, region string, ci float64) (string, error) {
	id, err := types.NewRunID()
	if err != nil {
		return "", fmt.Errorf("recorder: generate run id: %w", err)
	}
	run := &store.Run{
		ID:          id,
		Observation: observation,
		CPUName:     cpuName,
		CPUAvgPower: cpuAvgPower,
		IsLive:      isLive,
		Region:      region,
		CI:          ci,
		Start:       time.Now(),
	}
	if err := r.st.CreateRun(run); err != nil {
		return "", fmt.Errorf("recorder: create run: %w", err)
	}
	cardamonlog.WithRunID(id).Info().Str("observation", observation).Msg("run started")
	return id, nil
}

// StartOrResumeRun implements the daemon's "create-or-update" /start
// semantics (spec §6): if runID is non-empty and already names a run, that
// run (and its single "live" iteration) is reused as-is; otherwise a run
// is created with that id (or a freshly generated one, if runID is empty).
// Because daemon mode has exactly one iteration per run (§9), resuming is
// unambiguous: there is never more than one "live" iteration to pick up.
func (r *Recorder) StartOrResumeRun(runID, observation, cpuName string, cpuAvgPower float64, region string, ci float64) (string, error) {
	if runID != "" {
		if _, err := r.st.GetRun(runID); err == nil {
			cardamonlog.WithRunID(runID).Info().Msg("run resumed")
			return runID, nil
		}
	}

	id := runID
	if id == "" {
		generated, err := types.NewRunID()
		if err != nil {
			return "", fmt.Errorf("recorder: generate run id: %w", err)
		}
		id = generated
	}

	run := &store.Run{
		ID:          id,
		Observation: observation,
		CPUName:     cpuName,
		CPUAvgPower: cpuAvgPower,
		IsLive:      true,
		Region:      region,
		CI:          ci,
		Start:       time.Now(),
	}
	if err := r.st.CreateRun(run); err != nil {
		return "", fmt.Errorf("recorder: create run: %w", err)
	}
	if err := r.StartIteration(id, LiveIterationName, 1); err != nil {
		return id, err
	}
	cardamonlog.WithRunID(id).Info().Str("observation", observation).Msg("run started")
	return id, nil
}

// SetResourceBreakdown attaches a `--resource-breakdown` result to an
// already-recorded run. It's additive to the mandatory CPU-only RAB figure
// pkg/attribution computes from the run's CPU samples, never a replacement.
func (r *Recorder) SetResourceBreakdown(runID string, cpuW, diskW, ramW, energyJ float64) error {
	run, err := r.st.GetRun(runID)
	if err != nil {
		return fmt.Errorf("recorder: set resource breakdown: %w", err)
	}
	run.HasResourceBreakdown = true
	run.ResourceCPUW = cpuW
	run.ResourceDiskW = diskW
	run.ResourceRAMW = ramW
	run.ResourceEnergyJ = energyJ
	if err := r.st.UpdateRun(run); err != nil {
		return fmt.Errorf("recorder: set resource breakdown: %w", err)
	}
	return nil
}

// EndRun sets the run's stop time to now.
func (r *Recorder) EndRun(runID string) error {
	run, err := r.st.GetRun(runID)
	if err != nil {
		return fmt.Errorf("recorder: end run: %w", err)
	}
	run.Stop = time.Now()
	if err := r.st.UpdateRun(run); err != nil {
		return fmt.Errorf("recorder: end run: %w", err)
	}
	cardamonlog.WithRunID(runID).Info().Msg("run ended")
	return nil
}

// StartIteration inserts an Iteration row with stop unset.
func (r *Recorder) StartIteration(runID, scenario string, count int) error {
	it := &store.Iteration{RunID: runID, Scenario: scenario, Count: count, Start: time.Now()}
	if err := r.st.CreateIteration(it); err != nil {
		return fmt.Errorf("recorder: start iteration: %w", err)
	}
	return nil
}

// EndIteration updates the iteration's stop time, then flushes log's
// accumulated samples into the sample store tagged with runID/scenario/count.
// The log's samples are read once via Samples(), matching its snapshot-copy
// contract — nothing further appended to log after this call is persisted.
func (r *Recorder) EndIteration(runID, scenario string, count int, log *sampler.MetricsLog) error {
	it, err := r.st.GetIteration(runID, scenario, count)
	if err != nil {
		return fmt.Errorf("recorder: end iteration: %w", err)
	}
	it.Stop = time.Now()
	if err := r.st.UpdateIteration(it); err != nil {
		return fmt.Errorf("recorder: end iteration: %w", err)
	}
	return r.flush(runID, scenario, count, log.Samples())
}

func (r *Recorder) flush(runID, scenario string, count int, samples []sampler.CpuSample) error {
	if len(samples) == 0 {
		return nil
	}
	records := make([]store.CpuSampleRecord, len(samples))
	for i, s := range samples {
		records[i] = store.CpuSampleRecord{
			RunID:     runID,
			Scenario:  scenario,
			Iteration: count,
			Pid:       s.Pid,
			Container: s.Container,
			Timestamp: s.Timestamp,
			CpuUsage:  s.CpuUsage,
			CpuTotal:  s.CpuTotalUsage,
			CoreCount: s.CpuCoreCount,
		}
	}
	if err := r.st.AppendCpuSamples(records); err != nil {
		return fmt.Errorf("recorder: flush samples: %w", err)
	}
	cardamonlog.WithRunID(runID).Debug().Int("count", len(records)).Msg("samples flushed")
	return nil
}

// LiveIterationName is the fixed iteration name live/daemon runs use — a
// run has exactly one iteration in those modes, so it's never ambiguous.
const LiveIterationName = "live"

// Tick performs the live driver's periodic swap-and-flush: it snapshots
// log's samples into the store tagged to the run's single "live" iteration
// and bumps both the iteration's and run's stop time to now, so readers see
// a live-growing window without waiting for the run to finish.
func (r *Recorder) Tick(runID string, log *sampler.MetricsLog) error {
	if err := r.flush(runID, LiveIterationName, 1, log.Drain()); err != nil {
		return err
	}
	now := time.Now()

	it, err := r.st.GetIteration(runID, LiveIterationName, 1)
	if err != nil {
		return fmt.Errorf("recorder: tick iteration: %w", err)
	}
	it.Stop = now
	if err := r.st.UpdateIteration(it); err != nil {
		return fmt.Errorf("recorder: tick iteration: %w", err)
	}

	run, err := r.st.GetRun(runID)
	if err != nil {
		return fmt.Errorf("recorder: tick run: %w", err)
	}
	run.Stop = now
	if err := r.st.UpdateRun(run); err != nil {
		return fmt.Errorf("recorder: tick run: %w", err)
	}
	return nil
}
