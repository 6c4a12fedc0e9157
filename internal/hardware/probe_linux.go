//go:build linux

package hardware

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

func probePlatform() platformFacts {
	var facts platformFacts

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		unit := uint64(info.Unit)
		if unit == 0 {
			unit = 1
		}
		facts.totalMemoryMB = int(uint64(info.Totalram) * unit / (1024 * 1024))
	}

	facts.hasSSD = rootDiskIsSolidState()

	// A render node is the closest portable signal for VA-API class
	// acceleration without invoking vainfo.
	if _, err := os.Stat("/dev/dri/renderD128"); err == nil {
		facts.hasAcceleration = true
	}

	return facts
}

// rootDiskIsSolidState inspects /sys/block rotational flags. Virtual devices
// (loop, ram, dm) are skipped; the first physical disk decides.
func rootDiskIsSolidState() bool {
	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return false
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") ||
			strings.HasPrefix(name, "dm-") || strings.HasPrefix(name, "zram") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join("/sys/block", name, "queue", "rotational"))
		if err != nil {
			continue
		}
		return strings.TrimSpace(string(raw)) == "0"
	}
	return false
}
