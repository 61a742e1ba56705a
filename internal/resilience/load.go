package resilience

import (
	"math"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"strconv"
	"strings"
)

// LoadSample is one observation of process load.
type LoadSample struct {
	// MemoryPressure is heap in use divided by the memory budget, in [0,1].
	// It is 0 when no budget is known.
	MemoryPressure float64
	// ActiveWorkers is the number of live goroutines.
	ActiveWorkers int
}

// LoadSampler observes process load for the tuner.
type LoadSampler interface {
	Sample() LoadSample
}

// LoadSamplerFunc adapts a function to LoadSampler.
type LoadSamplerFunc func() LoadSample

func (f LoadSamplerFunc) Sample() LoadSample { return f() }

const (
	heapObjectsMetric = "/memory/classes/heap/objects:bytes"
	defaultCgroupRoot = "/sys/fs/cgroup"
)

// RuntimeSampler reads the Go runtime. The memory budget is, in order of
// preference: Budget, the runtime soft memory limit (GOMEMLIMIT), or the
// cgroup memory limit. Without any of them memory never counts as pressure.
type RuntimeSampler struct {
	Budget uint64

	cgroupRoot string
}

// Sample implements LoadSampler.
func (s RuntimeSampler) Sample() LoadSample {
	samples := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(samples)

	var heap uint64
	if samples[0].Value.Kind() == metrics.KindUint64 {
		heap = samples[0].Value.Uint64()
	}
	return LoadSample{
		MemoryPressure: memoryPressure(heap, s.budget()),
		ActiveWorkers:  runtime.NumGoroutine(),
	}
}

func (s RuntimeSampler) budget() uint64 {
	if s.Budget > 0 {
		return s.Budget
	}
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		return uint64(limit)
	}
	root := s.cgroupRoot
	if root == "" {
		root = defaultCgroupRoot
	}
	return cgroupMemoryLimit(root)
}

func memoryPressure(heap, budget uint64) float64 {
	if budget == 0 {
		return 0
	}
	return math.Min(1, float64(heap)/float64(budget))
}

// cgroupMemoryLimit reads the v2 memory.max or the v1 limit_in_bytes under
// root. "max", v1's unlimited sentinel and unreadable files yield 0.
func cgroupMemoryLimit(root string) uint64 {
	for _, name := range []string{"memory.max", filepath.Join("memory", "memory.limit_in_bytes")} {
		raw, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		v := strings.TrimSpace(string(raw))
		if v == "max" {
			return 0
		}
		n, err := strconv.ParseUint(v, 10, 64)
		// v1 reports "unlimited" as a page-rounded MaxInt64.
		if err != nil || n >= math.MaxInt64/2 {
			return 0
		}
		return n
	}
	return 0
}
