package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/history"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/logging"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/processing"
)

// recordRunHistory persists a finished run when history is enabled. Failures
// here never fail the command; the conversion already happened.
func recordRunHistory(cmd *cobra.Command, ctx *commandContext, kind string, parallelJobs int, result *processing.Result) {
	cfg, err := ctx.ensureConfig()
	if err != nil || !cfg.History.Enabled {
		return
	}
	logger, _ := ctx.ensureLogger()

	store, err := history.Open(cfg)
	if err != nil {
		if logger != nil {
			logger.Warn("history unavailable", logging.Error(err))
		}
		return
	}
	defer store.Close()

	items := make([]history.ItemOutcome, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, history.ItemOutcome{
			Path:       item.SourcePath,
			OutputPath: item.OutputPath,
			State:      string(item.State),
			Error:      item.Error,
			Elapsed:    item.Elapsed,
		})
	}

	_, err = store.RecordRun(cmd.Context(), history.Run{
		Kind:           kind,
		StartedAt:      time.Now().Add(-result.Elapsed),
		Elapsed:        result.Elapsed,
		Success:        result.Success,
		Cancelled:      result.Cancelled,
		TotalCount:     result.Stats.TotalCount,
		CompletedCount: result.Stats.CompletedCount,
		FailedCount:    result.Stats.FailedCount,
		ParallelJobs:   parallelJobs,
	}, items)
	if err != nil && logger != nil {
		logger.Warn("run not recorded", logging.Error(err))
	}
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past conversion and merge runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := history.Open(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				items, err := store.ItemsForRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(out, "No items recorded for this run")
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, item := range items {
					rows = append(rows, []string{
						filepath.Base(item.Path),
						item.State,
						formatElapsed(item.Elapsed),
						item.Error,
					})
				}
				fmt.Fprintln(out, renderTable([]string{"Item", "State", "Elapsed", "Error"}, rows, 3))
				return nil
			}

			if limit <= 0 {
				limit = cfg.History.Keep
			}
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded yet")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				outcome := "failed"
				switch {
				case run.Success:
					outcome = "ok"
				case run.Cancelled:
					outcome = "cancelled"
				}
				rows = append(rows, []string{
					run.ID,
					run.Kind,
					run.StartedAt.Local().Format("2006-01-02 15:04"),
					outcome,
					fmt.Sprintf("%d/%d", run.CompletedCount, run.TotalCount),
					formatElapsed(run.Elapsed),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Run", "Kind", "Started", "Outcome", "Items", "Elapsed"}, rows, 5, 6))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum runs to list")
	return cmd
}
