package monitoring

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// MemorySample is one point-in-time view of process memory.
type MemorySample struct {
	RSSBytes   uint64
	HeapBytes  uint64
	Goroutines int
}

// SampleMemory reads resident memory from the OS (container-aware via
// /proc) and heap stats from the runtime. Falls back to runtime-only
// numbers when the process handle is unavailable.
func SampleMemory() MemorySample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sample := MemorySample{
		HeapBytes:  ms.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			sample.RSSBytes = mem.RSS
		}
	}
	if sample.RSSBytes == 0 {
		sample.RSSBytes = ms.Sys
	}

	MemoryBytes.Set(float64(sample.RSSBytes))
	return sample
}
