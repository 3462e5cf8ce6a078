package admin

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// clockTicksPerSecond is the USER_HZ value nearly every Linux system uses.
// Reading it properly requires sysconf(_SC_CLK_TCK), which needs cgo; no
// example repo in the corpus links a sysconf binding, so the constant is
// used directly rather than introducing a cgo dependency for one sampler.
const clockTicksPerSecond = 100.0

// readHeapAllocKb reports the Go runtime's current heap allocation in
// kilobytes. Used as the process memory sample (spec §4.8's mem_stats): the
// process under observation is this server binary itself, not a separate
// child, so runtime.MemStats is the relevant figure rather than /proc.
func readHeapAllocKb() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc / 1024
}

// readProcessCPUJiffies returns this process's accumulated user+system CPU
// time in clock ticks, read from /proc/self/stat. Returns 0 on platforms
// without /proc, which degrades cpu_stats to a flat zero rather than
// failing the sampler loop.
func readProcessCPUJiffies() uint64 {
	return readStatCPUJiffies("/proc/self/stat")
}

// readStatCPUJiffies parses utime+stime (fields 14 and 15 of a /proc/<pid>/
// stat record) out of the file at path.
func readStatCPUJiffies(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 4096)
	if !scanner.Scan() {
		return 0
	}

	// The comm field is parenthesized and may itself contain spaces, so
	// split on the last ')' rather than whitespace.
	line := scanner.Text()
	idx := strings.LastIndex(line, ")")
	if idx < 0 || idx+2 >= len(line) {
		return 0
	}
	fields := strings.Fields(line[idx+2:])
	if len(fields) < 13 {
		return 0
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0
	}
	return utime + stime
}

// readPidMemKb reads a worker's resident set size from /proc/<pid>/status.
// Returns 0 if unavailable (non-Linux, or the process already exited),
// which the `documents` reply then reports as an unknown memory figure
// rather than failing the whole command.
func readPidMemKb(pid int) int {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			if v, err := strconv.Atoi(fields[1]); err == nil {
				return v
			}
		}
	}
	return 0
}
