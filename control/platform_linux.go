//go:build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Host facts that decide the session table tier on Linux.

package control

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// RegisterPlatformProbes adds the CPU count and the physical and available
// memory sysinfo reports.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any { return runtime.NumCPU() })
	dp.RegisterProbe("platform.os", func() any { return runtime.GOOS + "/" + runtime.GOARCH })
	dp.RegisterProbe("platform.memory", func() any {
		var si unix.Sysinfo_t
		if err := unix.Sysinfo(&si); err != nil {
			return map[string]any{"error": err.Error()}
		}
		unit := uint64(si.Unit)
		return map[string]uint64{
			"total_bytes": uint64(si.Totalram) * unit,
			"free_bytes":  uint64(si.Freeram) * unit,
		}
	})
}
