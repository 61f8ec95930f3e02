package agentruntime

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/volcompute/orchestrator/internal/domain/agent"
)

// CollectHardware reads the host's CPU/RAM inventory for the spec §6 /v1/agents/register body.
// GPU enumeration is left empty: detecting GPUs portably is out of gopsutil's scope and the spec
// treats the gpus list as agent-self-reported, best-effort data.
func CollectHardware() agent.Hardware {
	hw := agent.Hardware{
		CPUCores: runtime.NumCPU(),
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hw.RAMMB = int64(vm.Total / (1024 * 1024))
	}
	return hw
}

// SampleMetrics reads a rolling heartbeat sample (spec §6 /v1/agents/metrics body). Network and
// disk counters are left zero here: per-process attribution requires tracking deltas across
// samples, which the caller (the heartbeat loop) is better placed to own.
func SampleMetrics() agent.Metrics {
	m := agent.Metrics{}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPULoad = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.RAMUsedMB = int64(vm.Used / (1024 * 1024))
	}
	return m
}
