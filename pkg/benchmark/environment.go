package benchmark

import (
	"context"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
)

// EngineVersioner is implemented by backends built on an engine that can
// report its own version.
type EngineVersioner interface {
	EngineVersion(ctx context.Context) (string, error)
}

// Environment captures system information for benchmark results.
type Environment struct {
	GoVersion      string            `json:"go_version"`
	OS             string            `json:"os"`
	Arch           string            `json:"arch"`
	Hostname       string            `json:"hostname,omitempty"`
	Platform       string            `json:"platform,omitempty"`
	CPUModel       string            `json:"cpu_model,omitempty"`
	CPUCount       int               `json:"cpu_count"`
	MemoryBytes    uint64            `json:"memory_bytes,omitempty"`
	EngineVersions map[string]string `json:"engine_versions,omitempty"`
}

// CollectEnvironment gathers host details and the engine version of every
// backend that reports one. Lookup failures are logged and leave the
// corresponding field empty.
func CollectEnvironment(ctx context.Context, backends []Backend, logger zerolog.Logger) Environment {
	env := Environment{
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUCount:  runtime.NumCPU(),
	}

	if hostStat, err := host.Info(); err == nil {
		env.Hostname = hostStat.Hostname
		env.Platform = hostStat.Platform
	} else {
		logger.Debug().Err(err).Msg("Failed to read host info")
	}

	if cpuStat, err := cpu.Info(); err == nil && len(cpuStat) > 0 {
		env.CPUModel = cpuStat[0].ModelName
	} else if err != nil {
		logger.Debug().Err(err).Msg("Failed to read cpu info")
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		env.CPUCount = n
	}

	if vmStat, err := mem.VirtualMemory(); err == nil {
		env.MemoryBytes = vmStat.Total
	} else {
		logger.Debug().Err(err).Msg("Failed to read memory info")
	}

	for _, b := range backends {
		v, ok := b.(EngineVersioner)
		if !ok {
			continue
		}
		version, err := v.EngineVersion(ctx)
		if err != nil {
			logger.Warn().Err(err).Str("backend", b.Name()).Msg("Failed to get engine version")
			continue
		}
		if env.EngineVersions == nil {
			env.EngineVersions = make(map[string]string)
		}
		env.EngineVersions[b.Name()] = version
	}

	return env
}
