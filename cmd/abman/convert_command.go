package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/hardware"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/library"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/preflight"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/processing"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/progress"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/services/ffmpeg"
)

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var sched schedulingFlags
	var outputDir string
	var format string
	var deleteSource bool
	var noProgress bool

	cmd := &cobra.Command{
		Use:   "convert <file>...",
		Short: "Convert audio files to the target format",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			if err := preflight.CheckBinaries(cfg); err != nil {
				return err
			}

			paths, err := resolveAudioFiles(args)
			if err != nil {
				return err
			}
			items := make([]processing.Item, len(paths))
			for i, path := range paths {
				items[i] = processing.Item{
					SourcePath: path,
					Meta:       ffmpeg.Metadata{Title: library.DisplayTitle(path)},
				}
			}

			targetFormat := cfg.Conversion.TargetFormat
			if format != "" {
				targetFormat = strings.ToLower(strings.TrimSpace(format))
			}
			destDir := cfg.Paths.OutputDir
			if cmd.Flags().Changed("output-dir") {
				destDir = outputDir
			}
			removeSource := cfg.Conversion.DeleteSource
			if cmd.Flags().Changed("delete-source") {
				removeSource = deleteSource
			}

			backend, err := ctx.backend()
			if err != nil {
				return err
			}
			lib, err := library.Open(cfg)
			if err != nil {
				return err
			}

			scheduling := deriveScheduling(cmd, cfg, hardware.OpConvert, len(items), &sched)
			agg := progress.New(len(items), "converting")

			orch := processing.NewBatch(processing.BatchOptions{
				Backend:      backend,
				Library:      lib,
				Scheduling:   scheduling,
				TargetFormat: targetFormat,
				OutputDir:    destDir,
				DeleteSource: removeSource,
				Aggregator:   agg,
				Logger:       logger,
			})
			defer orch.Dispose()

			stopSignals := watchInterrupt(orch.Cancel)
			defer stopSignals()

			rendered := make(chan struct{})
			go func() {
				defer close(rendered)
				renderProgress(cmd.OutOrStdout(), agg, noProgress)
			}()

			result, err := orch.Execute(cmd.Context(), items)
			<-rendered
			if err != nil {
				return err
			}

			recordRunHistory(cmd, ctx, "convert", scheduling.ParallelJobs, result)
			printBatchSummary(cmd.OutOrStdout(), result)
			if !result.Success {
				if result.Cancelled {
					return errors.New("conversion cancelled")
				}
				return fmt.Errorf("conversion finished with %d failed item(s)", result.Stats.FailedCount)
			}
			return nil
		},
	}

	sched.register(cmd)
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for converted files (default: next to each source)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Target format: m4b, m4a, mp3, opus")
	cmd.Flags().BoolVar(&deleteSource, "delete-source", false, "Delete each source after its library record is updated")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the interactive progress bar")
	return cmd
}

// watchInterrupt invokes cancel on the first SIGINT/SIGTERM. The returned
// stop function restores default signal handling, so a second interrupt
// kills the process instead of being swallowed.
func watchInterrupt(cancel func()) (stop func()) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-signals:
			cancel()
			signal.Stop(signals)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(signals)
		close(done)
	}
}

func printBatchSummary(out io.Writer, result *processing.Result) {
	stats := result.Stats
	fmt.Fprintf(out, "Completed %d/%d item(s) in %s (peak concurrency %d/%d)\n",
		stats.CompletedCount, stats.TotalCount, formatElapsed(result.Elapsed),
		stats.PeakConcurrency, stats.ParallelJobs)
	if stats.SkippedCount > 0 {
		fmt.Fprintf(out, "Skipped %d item(s)\n", stats.SkippedCount)
	}
	for _, jobErr := range result.Errors {
		fmt.Fprintf(out, "  failed: %s: %s\n", filepath.Base(jobErr.ItemPath), jobErr.Message)
	}
}

func formatElapsed(d time.Duration) string {
	return d.Round(100 * time.Millisecond).String()
}
