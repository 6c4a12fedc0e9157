// Package preflight validates run setup before any conversion item starts.
// A failure here is fatal to the whole run; per-item problems are handled by
// the orchestrator instead.
package preflight

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/config"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/fileutil"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/services"
)

// CheckBinaries verifies that ffmpeg and ffprobe resolve to executables.
func CheckBinaries(cfg *config.Config) error {
	for _, binary := range []string{cfg.FFmpegBinary(), cfg.FFprobeBinary()} {
		if strings.ContainsRune(binary, os.PathSeparator) {
			if !fileutil.IsRegularFile(binary) {
				return services.Wrap(services.ErrConfiguration, "preflight", "binaries",
					fmt.Sprintf("%s not found", binary), nil)
			}
			continue
		}
		if _, err := exec.LookPath(binary); err != nil {
			return services.Wrap(services.ErrConfiguration, "preflight", "binaries",
				fmt.Sprintf("%s not found on PATH", binary), err)
		}
	}
	return nil
}

// CheckInputs verifies every input file exists and is a regular file.
func CheckInputs(paths []string) error {
	if len(paths) == 0 {
		return services.Wrap(services.ErrValidation, "preflight", "inputs", "no input files", nil)
	}
	for _, path := range paths {
		if !fileutil.IsRegularFile(path) {
			return services.Wrap(services.ErrNotFound, "preflight", "inputs",
				fmt.Sprintf("input not found: %s", path), nil)
		}
	}
	return nil
}

// CheckOutputDir verifies the destination directory exists and is writable.
func CheckOutputDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return nil // outputs land next to their sources
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return services.Wrap(services.ErrConfiguration, "preflight", "output",
			fmt.Sprintf("output directory missing: %s", dir), err)
	}
	probe := filepath.Join(dir, ".abman-write-check")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return services.Wrap(services.ErrConfiguration, "preflight", "output",
			fmt.Sprintf("output directory not writable: %s", dir), err)
	}
	_ = os.Remove(probe)
	return nil
}
