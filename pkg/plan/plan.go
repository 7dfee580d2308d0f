// Package plan resolves a config.Config plus a requested observation name
// into a concrete ExecutionPlan: which processes cardamon must start and
// stop itself, which scenarios to run, and which already-running targets
// (external pids/containers) to fold into the sampling set.
package plan

import (
	"github.com/ja7ad/cardamon/pkg/config"
)

// ExecutionMode selects which driver runs the plan.
type ExecutionMode int

const (
	ModeObservation ExecutionMode = iota // scenario-driven, multiple iterations
	ModeLive                             // continuous single iteration until stopped
	ModeDaemon                           // HTTP-controlled start/stop, single iteration
)

// TargetKind discriminates a pid-based bare-metal target from a
// container-name target.
type TargetKind int

const (
	TargetPid TargetKind = iota
	TargetContainer
)

// ObservationTarget is one thing the sampler should watch: either a bare-
// metal pid (cardamon-managed or externally supplied) or a container name.
type ObservationTarget struct {
	Kind      TargetKind
	Pid       int
	Container string
	// ProcessName is the config process this target came from, empty for
	// externally supplied targets.
	ProcessName string
}

// ExecutionPlan is the fully resolved set of work for one `cardamon run`.
type ExecutionPlan struct {
	Mode               ExecutionMode
	Processes          []*config.ProcessDef
	Scenarios          []*config.ScenarioDef
	ExternalTargets    []ObservationTarget
	MetricsServerURL   string
}

// ScenarioNames returns the plan's scenario names, in plan order.
func (p *ExecutionPlan) ScenarioNames() []string {
	names := make([]string, len(p.Scenarios))
	for i, s := range p.Scenarios {
		names[i] = s.Name
	}
	return names
}

// AddExternalPid folds an already-running process (not started by cardamon)
// into the plan's observation set.
func (p *ExecutionPlan) AddExternalPid(pid int) {
	p.ExternalTargets = append(p.ExternalTargets, ObservationTarget{Kind: TargetPid, Pid: pid})
}

// AddExternalContainer folds an already-running container into the plan's
// observation set.
func (p *ExecutionPlan) AddExternalContainer(name string) {
	p.ExternalTargets = append(p.ExternalTargets, ObservationTarget{Kind: TargetContainer, Container: name})
}

// Options configures BuildPlan beyond the bare observation name.
type Options struct {
	ExternalPids       []int
	ExternalContainers []string
	// ExternalOnly skips resolving cardamon-managed processes: only the
	// external targets (plus scenario commands) are part of the plan.
	ExternalOnly bool
	// Daemon selects ModeDaemon instead of ModeLive for a LiveMonitor
	// observation; ignored for a ScenarioRunner observation or bare
	// scenario name, which are always ModeObservation.
	Daemon bool
}

// BuildPlan resolves name against cfg into an ExecutionPlan ready for a
// driver to execute. name may be:
//   - a ScenarioRunner observation: resolves to ModeObservation over the
//     union of its scenarios' processes.
//   - a LiveMonitor observation: resolves to ModeLive (or ModeDaemon, if
//     opts.Daemon) over its named processes directly, with no scenarios.
//   - a bare scenario name (no observation by that name exists):
//     ModeObservation over that one scenario, as a convenience for ad hoc
//     runs outside any named observation.
func BuildPlan(cfg *config.Config, name string, opts Options) (*ExecutionPlan, error) {
	if obs, err := cfg.FindObservation(name); err == nil {
		switch obs.Kind() {
		case config.ObservationLiveMonitor:
			return buildLivePlan(cfg, obs, opts)
		default:
			return buildScenarioPlan(cfg, obs.Scenarios, opts)
		}
	}
	return buildScenarioPlan(cfg, []string{name}, opts)
}

func buildScenarioPlan(cfg *config.Config, scenarioNames []string, opts Options) (*ExecutionPlan, error) {
	scenarios := make([]*config.ScenarioDef, 0, len(scenarioNames))
	for _, name := range scenarioNames {
		sc, err := cfg.FindScenario(name)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}

	p := &ExecutionPlan{
		Mode:             ModeObservation,
		Scenarios:        scenarios,
		MetricsServerURL: cfg.MetricsServerURL,
	}

	if !opts.ExternalOnly {
		procs, err := cfg.CollectProcesses(scenarios)
		if err != nil {
			return nil, err
		}
		p.Processes = procs
	}
	addExternalTargets(p, opts)
	return p, nil
}

func buildLivePlan(cfg *config.Config, obs *config.ObservationDef, opts Options) (*ExecutionPlan, error) {
	mode := ModeLive
	if opts.Daemon {
		mode = ModeDaemon
	}

	p := &ExecutionPlan{Mode: mode, MetricsServerURL: cfg.MetricsServerURL}

	if !opts.ExternalOnly {
		for _, name := range obs.Processes {
			def, err := cfg.FindProcess(name)
			if err != nil {
				return nil, err
			}
			p.Processes = append(p.Processes, def)
		}
	}
	addExternalTargets(p, opts)
	return p, nil
}

func addExternalTargets(p *ExecutionPlan, opts Options) {
	for _, pid := range opts.ExternalPids {
		p.AddExternalPid(pid)
	}
	for _, name := range opts.ExternalContainers {
		p.AddExternalContainer(name)
	}
}
