//go:build linux

package monitor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// readSample reads resident memory from /proc/<pid>/statm and cumulative
// CPU time from /proc/<pid>/stat.
func readSample(pid int) (Sample, error) {
	statm, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return Sample{}, errProcessGone
		}
		return Sample{}, fmt.Errorf("reading statm: %w", err)
	}
	fields := strings.Fields(string(statm))
	if len(fields) < 2 {
		return Sample{}, fmt.Errorf("malformed statm: %q", statm)
	}
	residentPages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("parsing resident pages: %w", err)
	}

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return Sample{}, errProcessGone
		}
		return Sample{}, fmt.Errorf("reading stat: %w", err)
	}
	// The comm field may contain spaces; fields are counted after the
	// closing paren. utime is field 14, stime field 15 (1-based).
	raw := string(stat)
	end := strings.LastIndexByte(raw, ')')
	if end < 0 {
		return Sample{}, fmt.Errorf("malformed stat: %q", raw)
	}
	rest := strings.Fields(raw[end+1:])
	if len(rest) < 13 {
		return Sample{}, fmt.Errorf("malformed stat: %q", raw)
	}
	utime, err := strconv.ParseInt(rest[11], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("parsing utime: %w", err)
	}
	stime, err := strconv.ParseInt(rest[12], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("parsing stime: %w", err)
	}

	ticks := utime + stime
	return Sample{
		MemoryBytes: residentPages * int64(os.Getpagesize()),
		CPUTime:     time.Duration(ticks) * time.Second / clockTicksPerSecond,
	}, nil
}

// clockTicksPerSecond is the kernel's USER_HZ. Fixed at 100 on every
// supported linux architecture.
const clockTicksPerSecond = 100
