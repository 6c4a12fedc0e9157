//go:build darwin

package hardware

import "golang.org/x/sys/unix"

func probePlatform() platformFacts {
	var facts platformFacts

	if memsize, err := unix.SysctlUint64("hw.memsize"); err == nil {
		facts.totalMemoryMB = int(memsize / (1024 * 1024))
	}

	// Every Mac that can run a supported macOS ships with internal flash
	// storage and an AudioToolbox encoder path.
	facts.hasSSD = true
	facts.hasAcceleration = true

	return facts
}
