package emf

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// PutRuntimeMetrics records Go memory, goroutine and GC figures of the
// current process on m.
func PutRuntimeMetrics(m *Metrics) *Metrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.PutMetric("MemoryAlloc", float64(ms.Alloc), Bytes).
		PutMetric("MemorySys", float64(ms.Sys), Bytes).
		PutMetric("HeapAlloc", float64(ms.HeapAlloc), Bytes).
		PutMetric("HeapInuse", float64(ms.HeapInuse), Bytes).
		PutMetric("StackInuse", float64(ms.StackInuse), Bytes).
		PutMetric("Goroutines", float64(runtime.NumGoroutine()), Count).
		PutMetric("GCRuns", float64(ms.NumGC), Count).
		PutMetric("GCPauseTotal", float64(ms.PauseTotalNs)/1e3, Microseconds)

	if rss := getProcessRSS(); rss > 0 {
		m.PutMetric("MemoryRSS", float64(rss), Bytes)
	}
	if fdCount := getOpenFileDescriptors(); fdCount > 0 {
		m.PutMetric("FileDescriptors", float64(fdCount), Count)
	}
	return m
}

// getProcessRSS returns the RSS (Resident Set Size) memory usage in bytes
func getProcessRSS() uint64 {
	// Linux only
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				return kb * 1024
			}
		}
	}
	return 0
}

// getOpenFileDescriptors returns the number of open file descriptors
func getOpenFileDescriptors() uint64 {
	if entries, err := os.ReadDir("/proc/self/fd"); err == nil {
		return uint64(len(entries))
	}
	return 0
}
