package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/hardware"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/library"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/preflight"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/processing"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/progress"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/services/ffmpeg"
)

func newMergeCommand(ctx *commandContext) *cobra.Command {
	var sched schedulingFlags
	var outputPath string
	var title, author, narrator string
	var sortByName bool
	var noProgress bool

	cmd := &cobra.Command{
		Use:   "merge -o <output> <chapter-file>...",
		Short: "Merge chapter files into one audiobook with chapter markers",
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
			if strings.TrimSpace(outputPath) == "" {
				return errors.New("--output is required")
			}
			destPath, err := filepath.Abs(outputPath)
			if err != nil {
				return fmt.Errorf("resolve output path: %w", err)
			}
			if err := preflight.CheckBinaries(cfg); err != nil {
				return err
			}

			paths, err := resolveAudioFiles(args)
			if err != nil {
				return err
			}
			// Argument order is chapter order unless the caller asks for a
			// filename sort, which suits "Chapter 01.mp3" style rips.
			if sortByName {
				sort.Slice(paths, func(i, j int) bool {
					return filepath.Base(paths[i]) < filepath.Base(paths[j])
				})
			}

			backend, err := ctx.backend()
			if err != nil {
				return err
			}

			chapters := make([]processing.Chapter, len(paths))
			for i, path := range paths {
				info, probeErr := backend.Probe(cmd.Context(), path)
				if probeErr != nil {
					return fmt.Errorf("probe chapter %s: %w", filepath.Base(path), probeErr)
				}
				chapters[i] = processing.Chapter{
					SourcePath: path,
					Title:      library.DisplayTitle(path),
					Duration:   info.Duration,
					Order:      i,
				}
			}

			bookTitle := title
			if bookTitle == "" {
				bookTitle = library.DisplayTitle(destPath)
			}

			lib, err := library.Open(cfg)
			if err != nil {
				return err
			}

			// The job count still comes through the recommender so the merge
			// cap and overrides apply uniformly.
			scheduling := deriveScheduling(cmd, cfg, hardware.OpMerge, 1, &sched)
			agg := progress.New(1, "preparing")

			orch := processing.NewMerge(processing.MergeOptions{
				Backend:    backend,
				Library:    lib,
				OutputPath: destPath,
				Meta: ffmpeg.Metadata{
					Title:    bookTitle,
					Author:   author,
					Narrator: narrator,
				},
				Aggregator: agg,
				Logger:     logger,
			})
			defer orch.Dispose()

			stopSignals := watchInterrupt(orch.Cancel)
			defer stopSignals()

			rendered := make(chan struct{})
			go func() {
				defer close(rendered)
				renderProgress(cmd.OutOrStdout(), agg, noProgress)
			}()

			result, err := orch.Execute(cmd.Context(), chapters)
			<-rendered
			if err != nil {
				return err
			}

			recordRunHistory(cmd, ctx, "merge", scheduling.ParallelJobs, result)
			if !result.Success {
				if result.Cancelled {
					return errors.New("merge cancelled")
				}
				return fmt.Errorf("merge failed: %s", result.Errors[0].Message)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Merged %d chapter(s) (%s of audio) into %s in %s\n",
				result.Stats.ChapterCount,
				formatElapsed(result.Stats.MergedDuration),
				destPath,
				formatElapsed(result.Elapsed))
			return nil
		},
	}

	sched.register(cmd)
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Merged output file path")
	cmd.Flags().StringVar(&title, "title", "", "Book title tag (default: derived from the output name)")
	cmd.Flags().StringVar(&author, "author", "", "Author tag")
	cmd.Flags().StringVar(&narrator, "narrator", "", "Narrator tag")
	cmd.Flags().BoolVar(&sortByName, "sort", false, "Order chapters by filename instead of argument order")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the interactive progress bar")
	return cmd
}
