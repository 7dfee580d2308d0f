package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
metrics_server_url = "http://localhost:3030"

[computer]
cpu_name = "AMD Ryzen 9 5900X"
cpu_avg_power = 105.0

[[processes]]
name = "web-server"
up = "npm start"
down = "kill {pid}"
redirect = "file"

[processes.process]
type = "baremetal"

[[processes]]
name = "redis"
up = "docker run --rm --name cardamon-redis redis:7"
redirect = "file"

[processes.process]
type = "docker"
containers = ["cardamon-redis"]

[[scenarios]]
name = "home_page_load"
desc = "Load the home page"
command = "curl -s http://localhost:3000/"
iterations = 10
processes = ["web-server", "redis"]

[[observations]]
name = "baseline"
scenarios = ["home_page_load"]
`

func TestParseTOML_RoundTrip(t *testing.T) {
	cfg, err := ParseTOML([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "AMD Ryzen 9 5900X", cfg.Computer.CPUName)
	require.Len(t, cfg.Processes, 2)
	assert.Equal(t, ProcessTypeBareMetal, cfg.Processes[0].Process.Type)
	assert.Equal(t, ProcessTypeDocker, cfg.Processes[1].Process.Type)
	assert.Equal(t, []string{"cardamon-redis"}, cfg.Processes[1].Process.Containers)
	require.Len(t, cfg.Scenarios, 1)
	assert.Equal(t, 10, cfg.Scenarios[0].Iterations)
	require.Len(t, cfg.Observations, 1)
	assert.Equal(t, []string{"home_page_load"}, cfg.Observations[0].Scenarios)
}

func TestValidate_OK(t *testing.T) {
	cfg, err := ParseTOML([]byte(sample))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_DanglingProcessReference(t *testing.T) {
	bad := `
[computer]
cpu_name = "x"
cpu_avg_power = 1

[[scenarios]]
name = "s"
command = "echo hi"
iterations = 1
processes = ["ghost"]
`
	cfg, err := ParseTOML([]byte(bad))
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	var resErr *ConfigResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "process", resErr.Kind)
}

func TestValidate_NonPositiveIterations(t *testing.T) {
	bad := `
[computer]
cpu_name = "x"
cpu_avg_power = 1

[[processes]]
name = "p"
up = "true"

[processes.process]
type = "baremetal"

[[scenarios]]
name = "s"
command = "echo hi"
iterations = 0
processes = ["p"]
`
	cfg, err := ParseTOML([]byte(bad))
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestResolveScenarios_ByObservationOrScenarioName(t *testing.T) {
	cfg, err := ParseTOML([]byte(sample))
	require.NoError(t, err)

	byObs, err := cfg.ResolveScenarios("baseline")
	require.NoError(t, err)
	require.Len(t, byObs, 1)
	assert.Equal(t, "home_page_load", byObs[0].Name)

	byScenario, err := cfg.ResolveScenarios("home_page_load")
	require.NoError(t, err)
	require.Len(t, byScenario, 1)

	_, err = cfg.ResolveScenarios("nope")
	assert.Error(t, err)
}

func TestCollectProcesses_Dedup(t *testing.T) {
	cfg, err := ParseTOML([]byte(sample))
	require.NoError(t, err)
	scenarios, err := cfg.ResolveScenarios("baseline")
	require.NoError(t, err)
	procs, err := cfg.CollectProcesses(scenarios)
	require.NoError(t, err)
	assert.Len(t, procs, 2)
}

func TestWriteExample_InjectsComputerBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cardamon.toml")
	require.NoError(t, WriteExample(path, "Intel i7-12700K", 65.0))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Intel i7-12700K", cfg.Computer.CPUName)
	assert.Equal(t, 65.0, cfg.Computer.CPUAvgPower)
	require.NotEmpty(t, cfg.Processes)
}

func TestWriteExample_RefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cardamon.toml")
	require.NoError(t, WriteExample(path, "x", 1))
	assert.Error(t, WriteExample(path, "x", 1))
}
