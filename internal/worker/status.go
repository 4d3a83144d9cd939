package worker

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/withObsrvr/obsrvr-dispatch/internal/exchange"
)

// CollectStatus snapshots the host for a ReportStatus command. Probes that
// fail leave their fields empty.
func CollectStatus(ctx context.Context, version string, link *Link) exchange.WorkerStatus {
	st := exchange.WorkerStatus{
		OS:       runtime.GOOS,
		CPUCores: runtime.NumCPU(),
		Version:  version,
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		st.Hostname = info.Hostname
		st.Platform = info.Platform + " " + info.PlatformVersion
		st.Uptime = info.Uptime
	} else if name, err := os.Hostname(); err == nil {
		st.Hostname = name
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		st.CPUCores = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.MemoryTotal = vm.Total
		st.MemoryAvailable = vm.Available
	}

	if link != nil {
		st.Functions = functionStates(link)
	}
	return st
}

func functionStates(link *Link) []exchange.FunctionState {
	seen := make(map[string]bool)
	var out []exchange.FunctionState
	for _, t := range link.Book.List() {
		if t.FunctionCode == "" || seen[t.FunctionCode] {
			continue
		}
		seen[t.FunctionCode] = true
		fs := exchange.FunctionState{Code: t.FunctionCode, Ready: t.FunctionReady}
		if !t.FunctionReady && t.State == StateError {
			fs.Error = t.Error
		}
		out = append(out, fs)
	}
	return out
}
