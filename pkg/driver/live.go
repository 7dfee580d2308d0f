package driver

import (
	"context"
	"time"

	"github.com/ja7ad/cardamon/pkg/cardamonlog"
	"github.com/ja7ad/cardamon/pkg/config"
	"github.com/ja7ad/cardamon/pkg/plan"
	"github.com/ja7ad/cardamon/pkg/procctl"
	"github.com/ja7ad/cardamon/pkg/recorder"
	"github.com/ja7ad/cardamon/pkg/sampler"
)

// LiveDriver runs a LiveMonitor plan: it spawns any controller-managed
// processes, starts one sampling session over the whole target set, and
// every tick drains the MetricsLog into the store, bumping the run's and
// its single "live" iteration's stop time so readers see a growing window
// without waiting for the run to end.
type LiveDriver struct {
	rec      *recorder.Recorder
	creader  sampler.ContainerReader
	resource ResourceTracker
}

// NewLiveDriver returns a LiveDriver that persists via rec and samples
// containers (if any) via creader, which may be nil if the plan has no
// container targets.
func NewLiveDriver(rec *recorder.Recorder, creader sampler.ContainerReader) *LiveDriver {
	return &LiveDriver{rec: rec, creader: creader}
}

// WithResourceTracker attaches a ResourceTracker the driver ticks once per
// sampling interval, and whose running breakdown is attached to the run
// each time Run returns (including on cancellation).
func (d *LiveDriver) WithResourceTracker(rt ResourceTracker) *LiveDriver {
	d.resource = rt
	return d
}

const tickInterval = 1000 * time.Millisecond

// Recorder exposes the underlying recorder so the daemon driver can
// resolve (create-or-resume) a run id synchronously, before handing the
// sampling loop off to a background goroutine.
func (d *LiveDriver) Recorder() *recorder.Recorder { return d.rec }

// Run starts a live run and blocks, ticking every second, until ctx is
// cancelled. On return it performs one final drain, stops the sampler, and
// ends the run. runID, if non-empty, resumes an existing run under that id
// (the daemon's create-or-update /start semantics) instead of minting a
// new one. It returns the run id so callers (e.g. the daemon driver) can
// report it.
func (d *LiveDriver) Run(ctx context.Context, p *plan.ExecutionPlan, runID, cpuName string, cpuAvgPower float64, region string, ci float64) (string, error) {
	ctl := procctl.New()
	guard := procctl.NewGuard(ctl)
	defer guard.ShutdownAll()

	for _, def := range p.Processes {
		h, err := ctl.Spawn(def)
		if err != nil {
			return "", err
		}
		guard.Track(h)
	}

	runID, err := d.rec.StartOrResumeRun(runID, "live", cpuName, cpuAvgPower, region, ci)
	if err != nil {
		return "", err
	}

	targets := resolveLiveTargets(p, guard)
	bareMetalPids := bareMetalPidsOf(targets)
	handle, err := sampler.Start(ctx, targets, sampleInterval, d.creader)
	if err != nil {
		_ = d.rec.EndRun(runID)
		return runID, err
	}

	log := cardamonlog.WithRunID(runID)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if err := d.rec.Tick(runID, handle.Log()); err != nil {
				log.Warn().Err(err).Msg("live tick failed")
			}
			if d.resource != nil && len(bareMetalPids) > 0 {
				if err := d.resource.Tick(bareMetalPids, tickInterval.Seconds()); err != nil {
					log.Warn().Err(err).Msg("resource tracker tick failed")
				}
			}
		}
	}

	finalLog, sampleErr := handle.Stop()
	if sampleErr != nil {
		log.Warn().Err(sampleErr).Msg("sampler reported errors during live run")
	}
	if err := d.rec.Tick(runID, finalLog); err != nil {
		log.Warn().Err(err).Msg("final live tick failed")
	}
	if d.resource != nil && len(bareMetalPids) > 0 {
		cpuW, diskW, ramW, energyJ := d.resource.Breakdown()
		if err := d.rec.SetResourceBreakdown(runID, cpuW, diskW, ramW, energyJ); err != nil {
			log.Warn().Err(err).Msg("failed to persist resource breakdown")
		}
	}
	if err := d.rec.EndRun(runID); err != nil {
		return runID, err
	}
	return runID, nil
}

// resolveLiveTargets folds external targets and the pids/containers of
// every controller-managed process the guard just spawned into one
// observation set, the same way the scenario driver does.
func resolveLiveTargets(p *plan.ExecutionPlan, guard *procctl.Guard) []plan.ObservationTarget {
	targets := append([]plan.ObservationTarget(nil), p.ExternalTargets...)
	for _, def := range p.Processes {
		if def.Process.Type != config.ProcessTypeDocker {
			continue
		}
		for _, c := range def.Process.Containers {
			targets = append(targets, plan.ObservationTarget{Kind: plan.TargetContainer, Container: c, ProcessName: def.Name})
		}
	}
	for _, h := range guard.Handles() {
		if h.Def.Process.Type == config.ProcessTypeBareMetal {
			targets = append(targets, plan.ObservationTarget{Kind: plan.TargetPid, Pid: h.Pid, ProcessName: h.Def.Name})
		}
	}
	return targets
}
