package main

import (
	"github.com/spf13/cobra"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/config"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/hardware"
)

// schedulingFlags collects the per-run knobs convert and merge expose.
type schedulingFlags struct {
	jobs            int
	bitrate         string
	preserveBitrate bool
}

func (f *schedulingFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.jobs, "jobs", "j", 0, "Parallel backend jobs (0 = derive from hardware)")
	cmd.Flags().StringVarP(&f.bitrate, "bitrate", "b", "", "Output bitrate, e.g. 128k")
	cmd.Flags().BoolVar(&f.preserveBitrate, "preserve-bitrate", false, "Probe and carry over the source bitrate")
}

// deriveScheduling layers config defaults and explicit flags over the
// hardware-derived recommendation. Flags win over config, config over the
// recommendation.
func deriveScheduling(cmd *cobra.Command, cfg *config.Config, op hardware.OperationKind, itemCount int, flags *schedulingFlags) hardware.SchedulingConfig {
	overrides := &hardware.Overrides{Bitrate: cfg.Conversion.Bitrate}

	if cfg.Conversion.ParallelJobs > 0 {
		overrides.ParallelJobs = cfg.Conversion.ParallelJobs
	}
	if flags.jobs > 0 {
		overrides.ParallelJobs = flags.jobs
	}
	if flags.bitrate != "" {
		overrides.Bitrate = flags.bitrate
	}

	preserve := cfg.Conversion.PreserveBitrate
	if cmd.Flags().Changed("preserve-bitrate") {
		preserve = flags.preserveBitrate
	}
	overrides.PreserveOriginalBitrate = &preserve

	return hardware.Recommend(hardware.Detect(), op, itemCount, overrides)
}
