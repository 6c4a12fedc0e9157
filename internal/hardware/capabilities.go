// Package hardware detects host capabilities and derives the scheduling
// configuration used by the conversion pipeline. Detection never fails hard:
// OS queries that are unavailable degrade to heuristics derived from the
// core count.
package hardware

import (
	"fmt"
	"runtime"
)

// Platform identifies the host operating system family.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformWindows Platform = "windows"
	PlatformOther   Platform = "other"
)

// SystemCapabilities is a point-in-time, read-only snapshot of the host.
type SystemCapabilities struct {
	CPUCores                int
	TotalMemoryMB           int
	HasSSDStorage           bool
	Platform                Platform
	HasHardwareAcceleration bool
}

func (c SystemCapabilities) String() string {
	storage := "hdd"
	if c.HasSSDStorage {
		storage = "ssd"
	}
	return fmt.Sprintf("%s: %d cores, %d MB, %s storage, accel=%t",
		c.Platform, c.CPUCores, c.TotalMemoryMB, storage, c.HasHardwareAcceleration)
}

// Detect probes the host. CPU core count comes from the runtime and is always
// available; memory, storage type, and acceleration use best-effort
// platform-specific queries and fall back to conservative defaults.
func Detect() SystemCapabilities {
	caps := SystemCapabilities{
		CPUCores: runtime.NumCPU(),
		Platform: currentPlatform(),
	}
	if caps.CPUCores < 1 {
		caps.CPUCores = 1
	}

	probed := probePlatform()
	caps.TotalMemoryMB = probed.totalMemoryMB
	caps.HasSSDStorage = probed.hasSSD
	caps.HasHardwareAcceleration = probed.hasAcceleration

	if caps.TotalMemoryMB <= 0 {
		// Heuristic: assume 2 GB per core, which under-counts modern
		// hardware and therefore schedules conservatively.
		caps.TotalMemoryMB = caps.CPUCores * 2048
		if caps.TotalMemoryMB < 2048 {
			caps.TotalMemoryMB = 2048
		}
	}
	return caps
}

func currentPlatform() Platform {
	switch runtime.GOOS {
	case "linux":
		return PlatformLinux
	case "darwin":
		return PlatformDarwin
	case "windows":
		return PlatformWindows
	default:
		return PlatformOther
	}
}

// platformFacts carries the probe results that are optional per platform.
// Zero values mean "unknown" and trigger the heuristic fallbacks in Detect.
type platformFacts struct {
	totalMemoryMB   int
	hasSSD          bool
	hasAcceleration bool
}
