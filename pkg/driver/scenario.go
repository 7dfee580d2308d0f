// Package driver runs an ExecutionPlan: the scenario driver executes each
// scenario's command iteration-by-iteration around a sampling session, the
// live driver samples continuously until cancelled, and the daemon driver
// adds HTTP start/stop control on top of the live driver.
package driver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/ja7ad/cardamon/pkg/cardamonlog"
	"github.com/ja7ad/cardamon/pkg/config"
	"github.com/ja7ad/cardamon/pkg/plan"
	"github.com/ja7ad/cardamon/pkg/procctl"
	"github.com/ja7ad/cardamon/pkg/recorder"
	"github.com/ja7ad/cardamon/pkg/sampler"
)

// ScenarioFailedError carries the captured stderr of a non-zero-exit
// scenario command.
type ScenarioFailedError struct {
	Scenario string
	Stderr   string
	Err      error
}

func (e *ScenarioFailedError) Error() string {
	return fmt.Sprintf("driver: scenario %q failed: %v: %s", e.Scenario, e.Err, e.Stderr)
}
func (e *ScenarioFailedError) Unwrap() error { return e.Err }

const sampleInterval = 1000 * time.Millisecond

// ResourceTracker is the seam `--resource-breakdown` hangs off: pkg/driver
// stays platform-agnostic, while cmd/cardamon (linux-only, like the
// teacher's own entrypoint) supplies a pkg/resourcemodel-backed
// implementation. Tick is called with the run's bare-metal pids once per
// scenario iteration by ScenarioDriver and once per flush interval by
// LiveDriver; Breakdown reports the session's average power split.
type ResourceTracker interface {
	Tick(pids []int, dtSec float64) error
	Breakdown() (cpuW, diskW, ramW, energyJ float64)
	Close() error
}

// ScenarioDriver runs every scenario in a plan, iteration by iteration,
// recording run/iteration state and flushing samples through rec.
type ScenarioDriver struct {
	rec      *recorder.Recorder
	creader  sampler.ContainerReader
	resource ResourceTracker
}

// NewScenarioDriver returns a ScenarioDriver that persists via rec and
// samples containers (if any) via creader, which may be nil if the plan
// has no container targets.
func NewScenarioDriver(rec *recorder.Recorder, creader sampler.ContainerReader) *ScenarioDriver {
	return &ScenarioDriver{rec: rec, creader: creader}
}

// WithResourceTracker attaches a ResourceTracker the driver ticks once per
// iteration, and whose final breakdown is attached to the run when it ends.
func (d *ScenarioDriver) WithResourceTracker(rt ResourceTracker) *ScenarioDriver {
	d.resource = rt
	return d
}

// Run executes p end to end: spawns controller-managed processes, runs
// every scenario's iterations, tears processes down (best-effort, even on
// failure), and returns the run id on success.
func (d *ScenarioDriver) Run(ctx context.Context, p *plan.ExecutionPlan, cpuName string, cpuAvgPower float64, region string, ci float64) (string, error) {
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

	runID, err := d.rec.StartRun(joinScenarioNames(p), cpuName, cpuAvgPower, false, region, ci)
	if err != nil {
		return "", err
	}

	targets := append([]plan.ObservationTarget(nil), p.ExternalTargets...)
	for _, def := range p.Processes {
		// controller-managed bare-metal processes fold the OS pid cardamon
		// just spawned into the observation set; docker-managed processes
		// fold in their configured container names.
		if def.Process.Type == config.ProcessTypeDocker {
			for _, c := range def.Process.Containers {
				targets = append(targets, plan.ObservationTarget{Kind: plan.TargetContainer, Container: c, ProcessName: def.Name})
			}
		}
	}
	for _, h := range guardHandles(guard) {
		if h.Def.Process.Type == config.ProcessTypeBareMetal {
			targets = append(targets, plan.ObservationTarget{Kind: plan.TargetPid, Pid: h.Pid, ProcessName: h.Def.Name})
		}
	}

	bareMetalPids := bareMetalPidsOf(targets)

	for _, sc := range p.Scenarios {
		for iter := 1; iter <= sc.Iterations; iter++ {
			cardamonlog.WithRunID(runID).Info().Str("scenario", sc.Name).Int("iteration", iter).Msg("running scenario iteration")

			handle, err := sampler.Start(ctx, targets, sampleInterval, d.creader)
			if err != nil {
				return runID, err
			}

			if err := d.rec.StartIteration(runID, sc.Name, iter); err != nil {
				_, _ = handle.Stop()
				return runID, err
			}

			if err := runCommand(ctx, sc); err != nil {
				_, _ = handle.Stop()
				return runID, err
			}

			if d.resource != nil && len(bareMetalPids) > 0 {
				if err := d.resource.Tick(bareMetalPids, sampleInterval.Seconds()); err != nil {
					cardamonlog.WithRunID(runID).Warn().Err(err).Msg("resource tracker tick failed")
				}
			}

			log, sampleErr := handle.Stop()
			if sampleErr != nil {
				cardamonlog.WithRunID(runID).Warn().Err(sampleErr).Str("scenario", sc.Name).Int("iteration", iter).Msg("sampler reported errors during iteration")
			}
			if err := d.rec.EndIteration(runID, sc.Name, iter, log); err != nil {
				return runID, err
			}
		}
	}

	if d.resource != nil && len(bareMetalPids) > 0 {
		cpuW, diskW, ramW, energyJ := d.resource.Breakdown()
		if err := d.rec.SetResourceBreakdown(runID, cpuW, diskW, ramW, energyJ); err != nil {
			cardamonlog.WithRunID(runID).Warn().Err(err).Msg("failed to persist resource breakdown")
		}
	}

	if err := d.rec.EndRun(runID); err != nil {
		return runID, err
	}
	return runID, nil
}

// bareMetalPidsOf extracts the pids ResourceTracker can sample cgroup/proc
// data for; container targets have no local pid and are skipped.
func bareMetalPidsOf(targets []plan.ObservationTarget) []int {
	var pids []int
	for _, t := range targets {
		if t.Kind == plan.TargetPid {
			pids = append(pids, t.Pid)
		}
	}
	return pids
}

func runCommand(ctx context.Context, sc *config.ScenarioDef) error {
	parts, err := shlex.Split(sc.Command)
	if err != nil || len(parts) == 0 {
		return &ScenarioFailedError{Scenario: sc.Name, Err: fmt.Errorf("invalid command %q", sc.Command)}
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &ScenarioFailedError{Scenario: sc.Name, Stderr: stderr.String(), Err: err}
	}
	return nil
}

func joinScenarioNames(p *plan.ExecutionPlan) string {
	names := p.ScenarioNames()
	if len(names) == 0 {
		return "observation"
	}
	out := names[0]
	for _, n := range names[1:] {
		out += "," + n
	}
	return out
}

// guardHandles returns the handles g has spawned, via Guard's public
// Handles() accessor.
func guardHandles(g *procctl.Guard) []*procctl.Handle {
	return g.Handles()
}
