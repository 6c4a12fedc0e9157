package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/fileutil"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/logging"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/preflight"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/progress"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/services"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/services/ffmpeg"
)

// MergeOptions wires a merge orchestrator's collaborators.
type MergeOptions struct {
	Backend ffmpeg.Client
	// Library, when set, gains a record for the merged output.
	Library Library
	// OutputPath is the merged file's destination. It must not exist.
	OutputPath string
	Meta       ffmpeg.Metadata
	// Aggregator receives the run's progress stream, created by Execute when
	// nil. The orchestrator closes it when the run ends.
	Aggregator *progress.Aggregator
	Logger     *slog.Logger
}

// MergeOrchestrator concatenates ordered chapters into one output file. A
// merge is a single backend invocation, so progress arrives as coarse stages
// rather than per-item fractions. One orchestrator serves one Execute call.
type MergeOrchestrator struct {
	opts   MergeOptions
	agg    *progress.Aggregator
	logger *slog.Logger

	cancelled atomic.Bool
	cancelRun context.CancelFunc
	cancelMu  sync.Mutex

	disposeOnce sync.Once
}

// NewMerge constructs an orchestrator for a single merge run.
func NewMerge(opts MergeOptions) *MergeOrchestrator {
	return &MergeOrchestrator{
		opts:   opts,
		agg:    opts.Aggregator,
		logger: logging.NewComponentLogger(opts.Logger, "merge"),
	}
}

// Progress returns the snapshot aggregator when one was supplied or after
// Execute created its own.
func (o *MergeOrchestrator) Progress() *progress.Aggregator {
	return o.agg
}

// Cancel aborts the in-flight backend call through its context.
func (o *MergeOrchestrator) Cancel() {
	o.cancelled.Store(true)
	o.cancelMu.Lock()
	if o.cancelRun != nil {
		o.cancelRun()
	}
	o.cancelMu.Unlock()
}

// Dispose releases the orchestrator's resources. Safe to call repeatedly and
// alongside a running Execute, which it cancels first.
func (o *MergeOrchestrator) Dispose() {
	o.disposeOnce.Do(func() {
		o.Cancel()
		if o.agg != nil {
			o.agg.Close()
		}
	})
}

// Execute merges the chapters and returns the terminal result. Chapters are
// re-sorted by Order before merging, so callers may pass them in any order.
// Setup failures return an error; a failed merge is recorded in the result.
func (o *MergeOrchestrator) Execute(ctx context.Context, chapters []Chapter) (*Result, error) {
	if o.agg == nil {
		o.agg = progress.New(1, "preparing")
	}
	// Close on every exit path so subscribers never wait on a failed run.
	defer o.agg.Close()

	if len(chapters) == 0 {
		return nil, services.Wrap(services.ErrValidation, "merge", "execute", "no chapters to merge", nil)
	}
	if o.opts.OutputPath == "" {
		return nil, services.Wrap(services.ErrValidation, "merge", "execute", "output path not set", nil)
	}

	ordered := make([]Chapter, len(chapters))
	copy(ordered, chapters)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	paths := make([]string, len(ordered))
	for i, chapter := range ordered {
		paths[i] = chapter.SourcePath
	}
	if err := preflight.CheckInputs(paths); err != nil {
		return nil, err
	}
	if fileutil.Exists(o.opts.OutputPath) {
		return nil, services.Wrap(services.ErrConflict, "merge", "execute", o.opts.OutputPath, nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancelMu.Lock()
	o.cancelRun = cancel
	o.cancelMu.Unlock()

	o.logger.Info("starting chapter merge",
		logging.Int("chapters", len(ordered)),
		logging.String("output", o.opts.OutputPath),
	)

	start := time.Now()
	result := &Result{}
	result.Stats.TotalCount = 1
	result.Stats.ParallelJobs = 1
	result.Stats.ChapterCount = len(ordered)
	for _, chapter := range ordered {
		result.Stats.MergedDuration += chapter.Duration
	}

	inputs := make([]ffmpeg.ChapterInput, len(ordered))
	for i, chapter := range ordered {
		inputs[i] = ffmpeg.ChapterInput{
			Path:     chapter.SourcePath,
			Title:    chapter.Title,
			Duration: chapter.Duration,
		}
	}

	o.agg.ItemStarted(o.opts.OutputPath)
	err := o.opts.Backend.Merge(runCtx, inputs, o.opts.OutputPath, o.opts.Meta, func(stage string, fraction float64) {
		o.agg.SetStage(stage)
		o.agg.ItemProgress(o.opts.OutputPath, fraction, 0)
		o.logger.Debug("merge progress",
			logging.String(logging.FieldStage, stage),
			logging.Float64("fraction", fraction),
		)
	})
	result.Elapsed = time.Since(start)

	if err != nil {
		_ = fileutil.RemoveIfExists(o.opts.OutputPath)
		o.agg.ItemFailed(o.opts.OutputPath)
		result.Cancelled = o.cancelled.Load() || errors.Is(err, context.Canceled)
		message := err.Error()
		if result.Cancelled {
			message = "cancelled"
		}
		result.Errors = append(result.Errors, JobError{ItemPath: o.opts.OutputPath, Message: message})
		result.Items = []ItemResult{{
			SourcePath: o.opts.OutputPath,
			State:      progress.StateFailed,
			Error:      message,
			Elapsed:    result.Elapsed,
		}}
		result.Stats.FailedCount = 1
		o.logger.Warn("merge failed", logging.Error(err))
		return result, nil
	}

	if o.opts.Library != nil {
		if err := o.opts.Library.ReplaceFile(ctx, "", o.opts.OutputPath, metaFields(o.opts.Meta)); err != nil {
			o.agg.ItemFailed(o.opts.OutputPath)
			result.Errors = append(result.Errors, JobError{
				ItemPath: o.opts.OutputPath,
				Message:  fmt.Sprintf("library update failed: %v", err),
			})
			result.Items = []ItemResult{{
				SourcePath: o.opts.OutputPath,
				State:      progress.StateFailed,
				Error:      fmt.Sprintf("library update failed: %v", err),
				Elapsed:    result.Elapsed,
			}}
			result.Stats.FailedCount = 1
			o.logger.Warn("merged output not recorded", logging.Error(err))
			return result, nil
		}
	}

	o.agg.SetStage("finalizing")
	o.agg.ItemCompleted(o.opts.OutputPath)
	result.Success = true
	result.Stats.CompletedCount = 1
	result.Stats.AvgItemTime = result.Elapsed
	result.OutputPaths = []string{o.opts.OutputPath}
	result.Items = []ItemResult{{
		SourcePath: o.opts.OutputPath,
		OutputPath: o.opts.OutputPath,
		State:      progress.StateCompleted,
		Elapsed:    result.Elapsed,
	}}

	o.logger.Info("chapter merge finished",
		logging.Int("chapters", result.Stats.ChapterCount),
		logging.Duration("merged_duration", result.Stats.MergedDuration),
		logging.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}
