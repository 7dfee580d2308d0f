package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerReader implements ContainerReader against a live Docker daemon. It
// keeps its own previous CPU/system snapshot per container and computes
// the delta itself (never docker's own precpu_stats field), matching the
// formula of spec §4.3.2: cpu_usage = (cpu_delta/system_delta) × online_cpus.
type DockerReader struct {
	cli *client.Client

	mu   sync.Mutex
	prev map[string]containerSnapshot
}

type containerSnapshot struct {
	cpuTotal   uint64
	systemCPU  uint64
	onlineCPUs int
}

// NewDockerReader connects to the Docker daemon using the standard
// DOCKER_HOST/DOCKER_CERT_PATH environment conventions.
func NewDockerReader() (*DockerReader, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sampler: docker client: %w", err)
	}
	return &DockerReader{cli: cli, prev: make(map[string]containerSnapshot)}, nil
}

// Stats fetches one-shot (non-streaming) stats for containerID and returns
// this tick's cpu/system deltas against the previous tick's snapshot. The
// first call for a container returns zero deltas since there's nothing to
// diff against yet.
func (r *DockerReader) Stats(ctx context.Context, containerID string) (cpuDelta, systemDelta uint64, onlineCPUs int, err error) {
	resp, err := r.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sampler: container stats %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, 0, 0, fmt.Errorf("sampler: decode stats %s: %w", containerID, err)
	}

	online := int(stats.CPUStats.OnlineCPUs)
	if online == 0 {
		online = len(stats.CPUStats.CPUUsage.PercpuUsage)
	}
	if online == 0 {
		online = 1
	}

	cur := containerSnapshot{
		cpuTotal:   stats.CPUStats.CPUUsage.TotalUsage,
		systemCPU:  stats.CPUStats.SystemUsage,
		onlineCPUs: online,
	}

	r.mu.Lock()
	prev, ok := r.prev[containerID]
	r.prev[containerID] = cur
	r.mu.Unlock()

	if !ok {
		return 0, 0, online, nil
	}

	if cur.cpuTotal >= prev.cpuTotal {
		cpuDelta = cur.cpuTotal - prev.cpuTotal
	}
	if cur.systemCPU >= prev.systemCPU {
		systemDelta = cur.systemCPU - prev.systemCPU
	}
	return cpuDelta, systemDelta, online, nil
}

// Close releases the underlying Docker client connection.
func (r *DockerReader) Close() error { return r.cli.Close() }
