//go:build linux

package cgroupsample

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/ja7ad/cardamon/pkg/osmetrics"
	"github.com/ja7ad/cardamon/pkg/types"
)

// v2Collector uses the cgroup v2 unified hierarchy for precise CPU and
// memory-pressure attribution: usage_usec from cpu.stat and
// workingset_refault from memory.stat in a temporary leaf group the sampled
// PIDs are moved into.
type v2Collector struct {
	alpha    float64
	pageSize int
	nproc    int

	rootCG string
	grpCG  string

	vmUsageUsecPrev  uint64
	grpUsageUsecPrev uint64
	wsRefaultPrev    uint64

	emaOK     bool
	emaPrevUV float64

	rbytesPrev map[int]uint64
	wbytesPrev map[int]uint64
	rssPrev    map[int]uint64
}

func newV2(alpha float64) (Collector, error) {
	root := "/sys/fs/cgroup"
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("cgroup v2 root not found: %w", err)
	}
	isV2, err := isCgroup2Mounted(root)
	if err != nil {
		return nil, err
	}
	if !isV2 {
		return nil, errors.New("cgroup v2 not mounted on /sys/fs/cgroup")
	}

	grp, err := createTempGroup(root)
	if err != nil {
		return nil, fmt.Errorf("create temp cgroup: %w", err)
	}

	vmUse, err := readCPUUsageUsec(filepath.Join(root, "cpu.stat"))
	if err != nil {
		_ = os.Remove(grp)
		return nil, fmt.Errorf("read root cpu.stat: %w", err)
	}

	return &v2Collector{
		alpha:           clamp01(alpha),
		pageSize:        osmetrics.PageSize(),
		nproc:           runtime.NumCPU(),
		rootCG:          root,
		grpCG:           grp,
		vmUsageUsecPrev: vmUse,
		rbytesPrev:      make(map[int]uint64),
		wbytesPrev:      make(map[int]uint64),
		rssPrev:         make(map[int]uint64),
	}, nil
}

func (c *v2Collector) Close() error {
	return os.Remove(c.grpCG)
}

func (c *v2Collector) Sample(pids []int, dtSec float64) (Snapshot, error) {
	if len(pids) == 0 {
		return Snapshot{}, ErrNoPIDs
	}
	if !(dtSec > 0) {
		return Snapshot{}, ErrBadDt
	}

	alive := 0
	for _, pid := range pids {
		if !osmetrics.Exists(pid) {
			continue
		}
		_ = writePIDtoCgroup(c.grpCG, pid)
		alive++
	}
	if alive == 0 {
		return Snapshot{}, ErrAllExited
	}

	vmUseNow, err := readCPUUsageUsec(filepath.Join(c.rootCG, "cpu.stat"))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read root cpu.stat: %w", err)
	}
	grpUseNow, err := readCPUUsageUsec(filepath.Join(c.grpCG, "cpu.stat"))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read group cpu.stat: %w", err)
	}

	dVMusec := osmetrics.DeltaU64(vmUseNow, c.vmUsageUsecPrev)
	dGRPusec := osmetrics.DeltaU64(grpUseNow, c.grpUsageUsecPrev)
	c.vmUsageUsecPrev, c.grpUsageUsecPrev = vmUseNow, grpUseNow

	uVm := clamp01(osmetrics.SafeDiv(float64(dVMusec)/1e6, float64(c.nproc)*dtSec))
	uProc := clamp01(osmetrics.SafeDiv(float64(dGRPusec)/1e6, float64(c.nproc)*dtSec))

	if c.alpha > 0 {
		if !c.emaOK {
			c.emaPrevUV, c.emaOK = uVm, true
		} else {
			c.emaPrevUV = c.alpha*uVm + (1-c.alpha)*c.emaPrevUV
		}
		uVm = c.emaPrevUV
	}

	wsRefNow, err := readWorkingsetRefault(filepath.Join(c.grpCG, "memory.stat"))
	if err != nil {
		wsRefNow = c.wsRefaultPrev
	}
	dWsRef := osmetrics.DeltaU64(wsRefNow, c.wsRefaultPrev)
	c.wsRefaultPrev = wsRefNow
	refaultBytes := dWsRef * uint64(c.pageSize)

	var readDelta, writeDelta, rssChurn uint64
	aliveCount := 0
	for _, pid := range pids {
		if !osmetrics.Exists(pid) {
			continue
		}
		aliveCount++
		if rNow, wNow, err := osmetrics.ReadProcIO(pid); err == nil {
			readDelta += osmetrics.DeltaU64(rNow, c.rbytesPrev[pid])
			writeDelta += osmetrics.DeltaU64(wNow, c.wbytesPrev[pid])
			c.rbytesPrev[pid], c.wbytesPrev[pid] = rNow, wNow
		}
		if rssNow, err := osmetrics.ReadProcRSS(pid); err == nil {
			prev := c.rssPrev[pid]
			if rssNow >= prev {
				rssChurn += rssNow - prev
			} else {
				rssChurn += prev - rssNow
			}
			c.rssPrev[pid] = rssNow
		}
	}
	if aliveCount == 0 {
		return Snapshot{}, ErrAllExited
	}

	return Snapshot{
		TimeSec:       dtSec,
		UVm:           uVm,
		UProc:         uProc,
		ReadBytes:     types.Bytes(readDelta),
		WriteBytes:    types.Bytes(writeDelta),
		RefaultBytes:  types.Bytes(refaultBytes),
		RSSChurnBytes: types.Bytes(rssChurn),
	}, nil
}

func isCgroup2Mounted(path string) (bool, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return false, fmt.Errorf("open mountinfo: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		sep := " - "
		i := strings.LastIndex(line, sep)
		if i < 0 {
			continue
		}
		pre := strings.Fields(line[:i])
		if len(pre) < 5 {
			continue
		}
		tail := strings.Fields(line[i+len(sep):])
		if len(tail) < 1 {
			continue
		}
		if pre[4] == path && tail[0] == "cgroup2" {
			return true, nil
		}
	}
	return false, sc.Err()
}

func createTempGroup(root string) (string, error) {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	name := fmt.Sprintf("cardamon.%d.%s", os.Getpid(), hex.EncodeToString(suffix))
	dir := filepath.Join(root, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func writePIDtoCgroup(grp string, pid int) error {
	f, err := os.OpenFile(filepath.Join(grp, "cgroup.procs"), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(pid) + "\n")
	return err
}

func readCPUUsageUsec(path string) (uint64, error) {
	return readKeyedUint(path, "usage_usec ")
}

func readWorkingsetRefault(path string) (uint64, error) {
	return readKeyedUint(path, "workingset_refault ")
}

func readKeyedUint(path, prefix string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, prefix) {
			fs := strings.Fields(line)
			if len(fs) >= 2 {
				return strconv.ParseUint(fs[1], 10, 64)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s: %s not found", path, strings.TrimSpace(prefix))
}
