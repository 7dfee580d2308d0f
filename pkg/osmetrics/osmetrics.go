//go:build linux

// Package osmetrics reads raw CPU accounting counters from /proc. It has no
// notion of "utilization" or "watts" — callers turn these monotonic counters
// into rates by taking deltas across a sampling window.
package osmetrics

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	// ErrNoStat indicates that /proc/<pid>/stat was empty or malformed.
	ErrNoStat = errors.New("osmetrics: malformed or empty stat")
	// ErrShortStat indicates that /proc/<pid>/stat had fewer fields than expected.
	ErrShortStat = errors.New("osmetrics: short stat")
	// ErrNoCPU indicates that /proc/stat had no aggregate CPU line.
	ErrNoCPU = errors.New("osmetrics: no cpu line")
	// ErrNoRSS indicates neither smaps_rollup nor statm could be read.
	ErrNoRSS = errors.New("osmetrics: no rss")
)

// ClockTicks returns the number of jiffies (clock ticks) per second. It
// checks CLK_TCK first (useful for tests), otherwise falls back to 100.
func ClockTicks() int {
	if v, _ := strconv.Atoi(os.Getenv("CLK_TCK")); v > 0 {
		return v
	}
	return 100
}

// PageSize returns the system memory page size in bytes, honoring a
// PAGE_SIZE env override for tests.
func PageSize() int {
	if ps := os.Getenv("PAGE_SIZE"); ps != "" {
		if v, _ := strconv.Atoi(ps); v > 0 {
			return v
		}
	}
	return os.Getpagesize()
}

// ReadProcFaults returns the minor and major page fault counters (fields 10
// and 12 of /proc/<pid>/stat).
func ReadProcFaults(pid int) (minflt, majflt uint64, err error) {
	f, e := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if e != nil {
		return 0, 0, e
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, 0, ErrNoStat
	}
	line := sc.Text()
	i := strings.LastIndex(line, ") ")
	if i < 0 {
		return 0, 0, ErrNoStat
	}
	fields := strings.Fields(line[i+2:])
	get := func(idx int) (uint64, error) {
		if idx >= len(fields) {
			return 0, ErrShortStat
		}
		return strconv.ParseUint(fields[idx], 10, 64)
	}
	minflt, err = get(7)
	if err != nil {
		return 0, 0, err
	}
	majflt, err = get(9)
	if err != nil {
		return 0, 0, err
	}
	return minflt, majflt, nil
}

// ReadProcIO reads /proc/<pid>/io and returns cumulative read/write bytes.
// Not every process exposes this file (e.g. some kernel threads).
func ReadProcIO(pid int) (readBytes, writeBytes uint64, err error) {
	f, e := os.Open(fmt.Sprintf("/proc/%d/io", pid))
	if e != nil {
		return 0, 0, e
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "read_bytes:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "read_bytes:"))
			readBytes, _ = strconv.ParseUint(v, 10, 64)
		case strings.HasPrefix(line, "write_bytes:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "write_bytes:"))
			writeBytes, _ = strconv.ParseUint(v, 10, 64)
		}
	}
	return readBytes, writeBytes, sc.Err()
}

// ReadProcRSS returns the resident set size in bytes, preferring
// smaps_rollup (aggregated since kernel 4.14) and falling back to statm.
func ReadProcRSS(pid int) (uint64, error) {
	if f, err := os.Open(fmt.Sprintf("/proc/%d/smaps_rollup", pid)); err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "Rss:") {
				fs := strings.Fields(sc.Text())
				if len(fs) >= 2 {
					kb, _ := strconv.ParseUint(fs[1], 10, 64)
					return kb * 1024, nil
				}
			}
		}
	}
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid)); err == nil {
		fs := strings.Fields(string(b))
		if len(fs) >= 2 {
			pages, _ := strconv.ParseUint(fs[1], 10, 64)
			return pages * uint64(PageSize()), nil
		}
	}
	return 0, ErrNoRSS
}

// Exists reports whether a given PID currently has a /proc entry.
func Exists(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// ReadProcStat parses /proc/<pid>/stat and returns the process's user and
// system CPU jiffies (fields 14 and 15). comm (field 2) is parenthesized and
// may itself contain spaces, so parsing scans for the last ") ".
func ReadProcStat(pid int) (utime, stime uint64, err error) {
	f, e := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if e != nil {
		return 0, 0, e
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, 0, ErrNoStat
	}
	line := sc.Text()
	i := strings.LastIndex(line, ") ")
	if i < 0 {
		return 0, 0, ErrNoStat
	}
	fields := strings.Fields(line[i+2:])
	get := func(idx int) (uint64, error) {
		if idx >= len(fields) {
			return 0, ErrShortStat
		}
		return strconv.ParseUint(fields[idx], 10, 64)
	}
	// utime is the 14th field overall => fields[11]; stime the 15th => fields[12].
	utime, err = get(11)
	if err != nil {
		return 0, 0, err
	}
	stime, err = get(12)
	if err != nil {
		return 0, 0, err
	}
	return utime, stime, nil
}

// ReadSystemCPU parses the aggregate "cpu" line of /proc/stat and returns:
//   - active: user + nice + system + irq + softirq + steal
//   - total:  active + idle + iowait
//
// Both are monotonic jiffy counters; callers difference consecutive reads.
func ReadSystemCPU() (active, total uint64, err error) {
	f, e := os.Open("/proc/stat")
	if e != nil {
		return 0, 0, e
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fs := strings.Fields(sc.Text())
		if len(fs) == 0 || fs[0] != "cpu" {
			continue
		}
		if len(fs) < 8 {
			return 0, 0, ErrNoCPU
		}
		vals := make([]uint64, 0, len(fs)-1)
		for _, s := range fs[1:] {
			v, _ := strconv.ParseUint(s, 10, 64)
			vals = append(vals, v)
		}
		active = vals[0] + vals[1] + vals[2] + vals[5] + vals[6] + vals[7]
		total = active + vals[3] + vals[4]
		return active, total, nil
	}
	return 0, 0, ErrNoCPU
}

// DeltaU64 returns now-prev, clamped to 0 when the counter appears to have
// wrapped (now < prev). A prev of 0 yields now unchanged.
func DeltaU64(now, prev uint64) uint64 {
	if now >= prev {
		return now - prev
	}
	return 0
}

// SafeDiv returns n/d, or 0 when d is within eps of zero.
func SafeDiv(n, d float64) float64 {
	const eps = 1e-12
	if d > eps || d < -eps {
		return n / d
	}
	return 0
}
