//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// cpuSample holds one /proc/<pid>/stat reading.
type cpuSample struct {
	ticks uint64
	at    time.Time
}

var (
	cpuMu      sync.Mutex
	cpuSamples = map[int]cpuSample{}
)

// cpuPercent returns the process's CPU use since the previous sample as a
// percentage of one core. The first call for a pid primes the sample and
// reports nothing; subsequent health passes get a real delta.
func cpuPercent(pid int) (float64, bool) {
	ticks, err := readProcTicks(pid)
	if err != nil {
		return 0, false
	}
	now := time.Now()

	cpuMu.Lock()
	prev, ok := cpuSamples[pid]
	cpuSamples[pid] = cpuSample{ticks: ticks, at: now}
	cpuMu.Unlock()

	if !ok || !now.After(prev.at) || ticks < prev.ticks {
		return 0, false
	}

	const ticksPerSecond = 100 // USER_HZ on every mainstream linux
	elapsed := now.Sub(prev.at).Seconds()
	used := float64(ticks-prev.ticks) / ticksPerSecond
	return used / elapsed * 100, true
}

// readProcTicks sums utime+stime from /proc/<pid>/stat.
func readProcTicks(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// The comm field is parenthesized and may contain spaces; skip past it.
	i := strings.LastIndexByte(string(data), ')')
	if i < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(data[i+1:]))
	// After comm: field 1 is state; utime and stime are fields 12 and 13.
	if len(fields) < 13 {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, err
	}
	return utime + stime, nil
}
