package hardware

import (
	"math"
	"strconv"
)

// OperationKind distinguishes scheduling for independent per-file batches
// from single-output chapter merges.
type OperationKind string

const (
	OpConvert OperationKind = "convert"
	OpMerge   OperationKind = "merge"
)

// SchedulingConfig bounds how many external backend calls may be outstanding
// at once, plus the encoding defaults a run was started with. Immutable once
// computed for a run.
type SchedulingConfig struct {
	ParallelJobs            int
	Bitrate                 string
	PreserveOriginalBitrate bool
	UseHardwareOptimization bool
	// CustomSettings records how the job count was derived. Diagnostic only.
	CustomSettings map[string]string
}

// Overrides carries user-supplied values that take precedence field-by-field
// over the derived configuration. Zero values mean "not set".
type Overrides struct {
	ParallelJobs            int
	Bitrate                 string
	PreserveOriginalBitrate *bool
	UseHardwareOptimization *bool
}

// Recommend derives a SchedulingConfig from detected capabilities. It is a
// pure function: the same inputs always produce the same config.
//
// The ladder, applied in order: core-count tier, memory scale-down, storage
// scale-down, merge cap, item-count cap plus large-batch scale-down, hard
// ceiling of 8, floor of 1, then user overrides.
func Recommend(caps SystemCapabilities, op OperationKind, itemCount int, overrides *Overrides) SchedulingConfig {
	settings := map[string]string{
		"platform": string(caps.Platform),
		"cores":    strconv.Itoa(caps.CPUCores),
	}

	jobs := baseJobsForCores(caps.CPUCores)
	settings["base_jobs"] = strconv.Itoa(jobs)

	switch {
	case caps.TotalMemoryMB < 4*1024:
		jobs = scaleJobs(jobs, 0.5)
		settings["memory_scale"] = "0.5"
	case caps.TotalMemoryMB < 8*1024:
		jobs = scaleJobs(jobs, 0.75)
		settings["memory_scale"] = "0.75"
	}

	if !caps.HasSSDStorage {
		jobs = scaleJobs(jobs, 0.6)
		settings["storage_scale"] = "0.6"
	}

	// Merging is one sequential output; extra slots only help prefetching.
	if op == OpMerge && jobs > 2 {
		jobs = 2
	}

	if itemCount > 0 {
		if jobs > itemCount {
			jobs = itemCount
		}
		// Large batches favor stability over raw parallelism.
		if itemCount > 100 {
			jobs = scaleJobs(jobs, 0.8)
			settings["large_batch_scale"] = "0.8"
		}
	}

	if jobs > 8 {
		jobs = 8
	}
	if jobs < 1 {
		jobs = 1
	}
	settings["derived_jobs"] = strconv.Itoa(jobs)

	cfg := SchedulingConfig{
		ParallelJobs:            jobs,
		PreserveOriginalBitrate: true,
		UseHardwareOptimization: caps.HasHardwareAcceleration,
		CustomSettings:          settings,
	}

	if overrides != nil {
		if overrides.ParallelJobs > 0 {
			cfg.ParallelJobs = overrides.ParallelJobs
			settings["override_jobs"] = strconv.Itoa(overrides.ParallelJobs)
		}
		if overrides.Bitrate != "" {
			cfg.Bitrate = overrides.Bitrate
		}
		if overrides.PreserveOriginalBitrate != nil {
			cfg.PreserveOriginalBitrate = *overrides.PreserveOriginalBitrate
		}
		if overrides.UseHardwareOptimization != nil {
			cfg.UseHardwareOptimization = *overrides.UseHardwareOptimization
		}
	}

	return cfg
}

func baseJobsForCores(cores int) int {
	switch {
	case cores >= 16:
		return 4
	case cores >= 8:
		return 3
	case cores >= 4:
		return 2
	default:
		return 1
	}
}

func scaleJobs(jobs int, factor float64) int {
	scaled := int(math.Round(float64(jobs) * factor))
	if scaled < 1 {
		return 1
	}
	return scaled
}
