// Package config loads and validates the TOML project file that describes
// the computer under test, the processes it can spawn, and the scenarios
// and observations built from them.
package config

import (
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed templates/cardamon.toml
var templateFS embed.FS

// Redirect selects what happens to a spawned process's stdout/stderr.
type Redirect string

const (
	RedirectNull   Redirect = "null"
	RedirectParent Redirect = "parent"
	RedirectFile   Redirect = "file"
)

// ProcessType discriminates bare-metal processes (observed by pid) from
// Docker-managed ones (observed by container name).
type ProcessType struct {
	Type       string   `toml:"type"`
	Containers []string `toml:"containers,omitempty"`
}

const (
	ProcessTypeBareMetal = "baremetal"
	ProcessTypeDocker    = "docker"
)

// ProcessDef is a named command this config knows how to start and stop.
type ProcessDef struct {
	Name     string      `toml:"name"`
	Up       string      `toml:"up"`
	Down     string      `toml:"down,omitempty"`
	Redirect Redirect    `toml:"redirect,omitempty"`
	Process  ProcessType `toml:"process"`
}

// ScenarioDef names a command to run N times against a fixed process set.
type ScenarioDef struct {
	Name       string   `toml:"name"`
	Desc       string   `toml:"desc,omitempty"`
	Command    string   `toml:"command"`
	Iterations int      `toml:"iterations"`
	Processes  []string `toml:"processes"`
}

// ObservationKind discriminates the two observation variants: a
// ScenarioRunner executes a set of scenarios for their configured
// iteration counts; a LiveMonitor samples a fixed process set continuously
// until stopped.
type ObservationKind int

const (
	ObservationScenarioRunner ObservationKind = iota
	ObservationLiveMonitor
)

// ObservationDef is either a ScenarioRunner (Scenarios set) or a
// LiveMonitor (Processes set) — never both; Validate rejects configs that
// set neither or both.
type ObservationDef struct {
	Name      string   `toml:"name"`
	Scenarios []string `toml:"scenarios,omitempty"`
	Processes []string `toml:"processes,omitempty"`
}

// Kind reports which observation variant this definition is.
func (o ObservationDef) Kind() ObservationKind {
	if len(o.Processes) > 0 {
		return ObservationLiveMonitor
	}
	return ObservationScenarioRunner
}

// Computer describes the CPU this project runs observations on.
type Computer struct {
	CPUName     string  `toml:"cpu_name"`
	CPUAvgPower float64 `toml:"cpu_avg_power"`
}

// Config is the root of a cardamon.toml project file.
type Config struct {
	MetricsServerURL string           `toml:"metrics_server_url,omitempty"`
	Computer         Computer         `toml:"computer"`
	Processes        []ProcessDef     `toml:"processes"`
	Scenarios        []ScenarioDef    `toml:"scenarios"`
	Observations     []ObservationDef `toml:"observations"`
}

// ConfigResolutionError means a named process/scenario/observation could not
// be found while building an execution plan.
type ConfigResolutionError struct {
	Kind string // "process", "scenario", or "observation"
	Name string
}

func (e *ConfigResolutionError) Error() string {
	return fmt.Sprintf("config: no %s named %q", e.Kind, e.Name)
}

// Load reads and parses a TOML project file from disk.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseTOML(b)
}

// ParseTOML parses raw TOML bytes into a Config.
func ParseTOML(b []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse toml: %w", err)
	}
	return &cfg, nil
}

// Validate checks structural invariants that TOML parsing alone can't
// enforce: duplicate names, dangling references, and non-positive
// iteration counts.
func (c *Config) Validate() error {
	seenProc := map[string]bool{}
	for _, p := range c.Processes {
		if seenProc[p.Name] {
			return fmt.Errorf("config: duplicate process name %q", p.Name)
		}
		seenProc[p.Name] = true
		if p.Process.Type != ProcessTypeBareMetal && p.Process.Type != ProcessTypeDocker {
			return fmt.Errorf("config: process %q has unknown type %q", p.Name, p.Process.Type)
		}
		if p.Process.Type == ProcessTypeDocker && len(p.Process.Containers) == 0 {
			return fmt.Errorf("config: docker process %q lists no containers", p.Name)
		}
	}

	seenScenario := map[string]bool{}
	for _, s := range c.Scenarios {
		if seenScenario[s.Name] {
			return fmt.Errorf("config: duplicate scenario name %q", s.Name)
		}
		seenScenario[s.Name] = true
		if s.Iterations <= 0 {
			return fmt.Errorf("config: scenario %q must have iterations > 0", s.Name)
		}
		for _, procName := range s.Processes {
			if !seenProc[procName] {
				return &ConfigResolutionError{Kind: "process", Name: procName}
			}
		}
	}

	seenObs := map[string]bool{}
	for _, o := range c.Observations {
		if seenObs[o.Name] {
			return fmt.Errorf("config: duplicate observation name %q", o.Name)
		}
		seenObs[o.Name] = true
		if len(o.Scenarios) > 0 && len(o.Processes) > 0 {
			return fmt.Errorf("config: observation %q sets both scenarios and processes", o.Name)
		}
		if len(o.Scenarios) == 0 && len(o.Processes) == 0 {
			return fmt.Errorf("config: observation %q sets neither scenarios nor processes", o.Name)
		}
		for _, scName := range o.Scenarios {
			if !seenScenario[scName] {
				return &ConfigResolutionError{Kind: "scenario", Name: scName}
			}
		}
		for _, procName := range o.Processes {
			if !seenProc[procName] {
				return &ConfigResolutionError{Kind: "process", Name: procName}
			}
		}
	}
	return nil
}

// FindProcess returns the named process definition.
func (c *Config) FindProcess(name string) (*ProcessDef, error) {
	for i := range c.Processes {
		if c.Processes[i].Name == name {
			return &c.Processes[i], nil
		}
	}
	return nil, &ConfigResolutionError{Kind: "process", Name: name}
}

// FindScenario returns the named scenario definition.
func (c *Config) FindScenario(name string) (*ScenarioDef, error) {
	for i := range c.Scenarios {
		if c.Scenarios[i].Name == name {
			return &c.Scenarios[i], nil
		}
	}
	return nil, &ConfigResolutionError{Kind: "scenario", Name: name}
}

// FindObservation returns the named observation definition.
func (c *Config) FindObservation(name string) (*ObservationDef, error) {
	for i := range c.Observations {
		if c.Observations[i].Name == name {
			return &c.Observations[i], nil
		}
	}
	return nil, &ConfigResolutionError{Kind: "observation", Name: name}
}

// ResolveScenarios returns the scenario set a `cardamon run <name>` should
// execute: the scenarios of the named observation, or — if no observation
// by that name exists — the single scenario with that name.
func (c *Config) ResolveScenarios(name string) ([]*ScenarioDef, error) {
	if obs, err := c.FindObservation(name); err == nil {
		out := make([]*ScenarioDef, 0, len(obs.Scenarios))
		for _, scName := range obs.Scenarios {
			sc, err := c.FindScenario(scName)
			if err != nil {
				return nil, err
			}
			out = append(out, sc)
		}
		return out, nil
	}
	sc, err := c.FindScenario(name)
	if err != nil {
		return nil, fmt.Errorf("config: no observation or scenario named %q", name)
	}
	return []*ScenarioDef{sc}, nil
}

// CollectProcesses returns the de-duplicated union of processes referenced
// by the given scenarios, sorted by name so the result is deterministic
// regardless of scenario/reference order.
func (c *Config) CollectProcesses(scenarios []*ScenarioDef) ([]*ProcessDef, error) {
	seen := map[string]bool{}
	var out []*ProcessDef
	for _, sc := range scenarios {
		for _, name := range sc.Processes {
			if seen[name] {
				continue
			}
			seen[name] = true
			p, err := c.FindProcess(name)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// WriteExample writes a starter cardamon.toml to path, injecting the
// detected CPU name and average power at the top of the embedded template.
func WriteExample(path, cpuName string, cpuAvgPower float64) error {
	tmpl, err := templateFS.ReadFile("templates/cardamon.toml")
	if err != nil {
		return fmt.Errorf("config: read template: %w", err)
	}
	header := fmt.Sprintf("[computer]\ncpu_name = %q\ncpu_avg_power = %v\n\n", cpuName, cpuAvgPower)
	content := header + string(tmpl)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	return os.WriteFile(path, []byte(strings.TrimLeft(content, "\n")), 0o644)
}
