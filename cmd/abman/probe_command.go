package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/hardware"
)

func newProbeCommand() *cobra.Command {
	var itemCount int
	var merge bool

	cmd := &cobra.Command{
		Use:         "probe",
		Short:       "Show detected hardware and the derived scheduling settings",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			caps := hardware.Detect()
			op := hardware.OpConvert
			if merge {
				op = hardware.OpMerge
			}
			recommended := hardware.Recommend(caps, op, itemCount, nil)

			out := cmd.OutOrStdout()
			rows := [][]string{
				{"Platform", string(caps.Platform)},
				{"CPU cores", strconv.Itoa(caps.CPUCores)},
				{"Memory", fmt.Sprintf("%d MB", caps.TotalMemoryMB)},
				{"SSD storage", yesNo(caps.HasSSDStorage)},
				{"Hardware acceleration", yesNo(caps.HasHardwareAcceleration)},
			}
			fmt.Fprintln(out, renderTable([]string{"Capability", "Value"}, rows))

			rows = [][]string{
				{"Operation", string(op)},
				{"Parallel jobs", strconv.Itoa(recommended.ParallelJobs)},
				{"Preserve source bitrate", yesNo(recommended.PreserveOriginalBitrate)},
				{"Hardware optimization", yesNo(recommended.UseHardwareOptimization)},
			}
			if itemCount > 0 {
				rows = append(rows, []string{"Item count", strconv.Itoa(itemCount)})
			}
			fmt.Fprintln(out, renderTable([]string{"Recommendation", "Value"}, rows))
			return nil
		},
	}

	cmd.Flags().IntVar(&itemCount, "items", 0, "Hypothetical batch size to derive jobs for")
	cmd.Flags().BoolVar(&merge, "merge", false, "Derive settings for a merge instead of a batch conversion")
	return cmd
}
