package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/fileutil"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/gate"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/hardware"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/logging"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/preflight"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/progress"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/services"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/services/ffmpeg"
)

// BatchOptions wires a batch orchestrator's collaborators.
type BatchOptions struct {
	Backend    ffmpeg.Client
	Library    Library
	Scheduling hardware.SchedulingConfig
	// TargetFormat is the output extension (m4b, mp3, ...).
	TargetFormat string
	// OutputDir, when set, receives the outputs; otherwise each output lands
	// next to its source.
	OutputDir string
	// DeleteSource removes each source after its library record points at
	// the output. Deletion failures are logged, not fatal.
	DeleteSource bool
	// Aggregator receives the run's progress stream. Callers that want to
	// subscribe before Execute starts create one sized to the item count
	// and pass it here; otherwise Execute creates its own. Either way the
	// orchestrator closes it when the run ends.
	Aggregator *progress.Aggregator
	Logger     *slog.Logger
}

// BatchOrchestrator runs N independent conversions under the permit gate.
// One orchestrator serves one Execute call.
type BatchOrchestrator struct {
	opts    BatchOptions
	gate    *gate.Gate
	agg     *progress.Aggregator
	logger  *slog.Logger
	sampler func() *logging.ProgressSampler

	cancelled atomic.Bool
	cancelRun context.CancelFunc
	cancelMu  sync.Mutex

	disposeOnce sync.Once
}

type itemOutcome struct {
	index      int
	state      progress.ItemState
	outputPath string
	err        *JobError
	elapsed    time.Duration
	skipped    bool
}

// NewBatch constructs an orchestrator. Callers that need to subscribe to
// progress before Execute starts supply BatchOptions.Aggregator; otherwise
// the stream becomes available once Execute creates its own.
func NewBatch(opts BatchOptions) *BatchOrchestrator {
	if opts.Scheduling.ParallelJobs < 1 {
		opts.Scheduling.ParallelJobs = 1
	}
	if opts.TargetFormat == "" {
		opts.TargetFormat = "m4b"
	}
	return &BatchOrchestrator{
		opts:    opts,
		gate:    gate.New(opts.Scheduling.ParallelJobs),
		agg:     opts.Aggregator,
		logger:  logging.NewComponentLogger(opts.Logger, "batch"),
		sampler: func() *logging.ProgressSampler { return logging.NewProgressSampler(0) },
	}
}

// Progress returns the snapshot aggregator when one was supplied or after
// Execute created its own.
func (o *BatchOrchestrator) Progress() *progress.Aggregator {
	return o.agg
}

// Cancel requests cooperative cancellation: no further items start, queued
// items are released, and in-flight backend calls are aborted through their
// context and recorded as failed with reason "cancelled".
func (o *BatchOrchestrator) Cancel() {
	o.cancelled.Store(true)
	o.cancelMu.Lock()
	if o.cancelRun != nil {
		o.cancelRun()
	}
	o.cancelMu.Unlock()
}

// Dispose releases the orchestrator's resources. Safe to call repeatedly and
// alongside a running Execute, which it cancels first.
func (o *BatchOrchestrator) Dispose() {
	o.disposeOnce.Do(func() {
		o.Cancel()
		if o.agg != nil {
			o.agg.Close()
		}
	})
}

// Execute converts every item and returns the terminal result. Only setup
// failures occurring before any item starts are returned as an error; every
// per-item failure is recorded in the result and the batch continues.
func (o *BatchOrchestrator) Execute(ctx context.Context, items []Item) (*Result, error) {
	if o.agg == nil {
		o.agg = progress.New(len(items), "converting")
	}
	// Close on every exit path so subscribers never wait on a failed run.
	defer o.agg.Close()

	paths := make([]string, len(items))
	for i, item := range items {
		paths[i] = item.SourcePath
	}
	if err := preflight.CheckInputs(paths); err != nil {
		return nil, err
	}
	if err := preflight.CheckOutputDir(o.opts.OutputDir); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancelMu.Lock()
	o.cancelRun = cancel
	o.cancelMu.Unlock()

	o.logger.Info("starting batch conversion",
		logging.Int("items", len(items)),
		logging.Int("parallel_jobs", o.opts.Scheduling.ParallelJobs),
		logging.String("target_format", o.opts.TargetFormat),
	)

	start := time.Now()
	var active atomic.Int32
	var peak atomic.Int32

	outcomes := make(chan itemOutcome, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(index int, item Item) {
			defer wg.Done()
			outcomes <- o.runItem(runCtx, index, item, &active, &peak)
		}(i, item)
	}
	wg.Wait()
	close(outcomes)

	byIndex := make([]itemOutcome, len(items))
	for outcome := range outcomes {
		byIndex[outcome.index] = outcome
	}

	result := &Result{
		Cancelled: o.cancelled.Load(),
		Elapsed:   time.Since(start),
	}
	result.Stats.TotalCount = len(items)
	result.Stats.ParallelJobs = o.opts.Scheduling.ParallelJobs
	result.Stats.PeakConcurrency = int(peak.Load())

	var completedTime time.Duration
	result.Items = make([]ItemResult, len(items))
	for i, outcome := range byIndex {
		itemResult := ItemResult{
			SourcePath: items[i].SourcePath,
			OutputPath: outcome.outputPath,
			State:      outcome.state,
			Elapsed:    outcome.elapsed,
		}
		switch {
		case outcome.skipped:
			result.Stats.SkippedCount++
		case outcome.state == progress.StateCompleted:
			result.Stats.CompletedCount++
			result.OutputPaths = append(result.OutputPaths, outcome.outputPath)
			completedTime += outcome.elapsed
		default:
			result.Stats.FailedCount++
			if outcome.err != nil {
				result.Errors = append(result.Errors, *outcome.err)
				itemResult.Error = outcome.err.Message
			}
		}
		result.Items[i] = itemResult
	}
	if result.Stats.CompletedCount > 0 {
		result.Stats.AvgItemTime = completedTime / time.Duration(result.Stats.CompletedCount)
	}
	result.Success = !result.Cancelled && len(result.Errors) == 0

	o.logger.Info("batch conversion finished",
		logging.Bool("success", result.Success),
		logging.Int("completed", result.Stats.CompletedCount),
		logging.Int("failed", result.Stats.FailedCount),
		logging.Int("skipped", result.Stats.SkippedCount),
		logging.Duration("elapsed", result.Elapsed),
		logging.Int("peak_concurrency", result.Stats.PeakConcurrency),
	)
	return result, nil
}

// runItem drives one item through acquire → convert → update library →
// delete source. The permit is released on every exit path.
func (o *BatchOrchestrator) runItem(ctx context.Context, index int, item Item, active, peak *atomic.Int32) itemOutcome {
	skipped := itemOutcome{index: index, state: progress.StateWaiting, skipped: true}

	if o.cancelled.Load() {
		return skipped
	}
	if err := o.gate.Acquire(ctx); err != nil {
		// Cancelled while queued; the item never started.
		return skipped
	}
	defer o.gate.Release()
	if o.cancelled.Load() {
		return skipped
	}

	n := active.Add(1)
	for {
		p := peak.Load()
		if n <= p || peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer active.Add(-1)

	logger := o.logger.With(logging.String(logging.FieldItem, filepath.Base(item.SourcePath)))
	start := time.Now()
	o.agg.ItemStarted(item.SourcePath)

	fail := func(err error, message string) itemOutcome {
		o.agg.ItemFailed(item.SourcePath)
		logger.Warn("item failed", logging.Error(err), logging.String("reason", message))
		return itemOutcome{
			index:   index,
			state:   progress.StateFailed,
			elapsed: time.Since(start),
			err:     &JobError{ItemPath: item.SourcePath, Message: message},
		}
	}

	destPath := o.outputPath(item.SourcePath)
	if fileutil.Exists(destPath) {
		err := services.Wrap(services.ErrConflict, "batch", "convert", destPath, nil)
		return fail(err, fmt.Sprintf("destination already exists: %s", destPath))
	}

	logger.Info("converting", logging.String("output", destPath))
	sampler := o.sampler()
	err := o.opts.Backend.Convert(ctx, item.SourcePath, destPath, item.Meta, ffmpeg.ConvertOptions{
		Bitrate:                 o.opts.Scheduling.Bitrate,
		PreserveOriginalBitrate: o.opts.Scheduling.PreserveOriginalBitrate,
		Progress: func(update ffmpeg.ProgressUpdate) {
			o.agg.ItemProgress(item.SourcePath, update.Fraction, update.Speed)
			if sampler.ShouldLog(update.Fraction, "") {
				logger.Debug("progress",
					logging.Float64("fraction", update.Fraction),
					logging.Float64("speed", update.Speed),
				)
			}
		},
	})
	if err != nil {
		// A dead backend call may leave a partial output behind.
		_ = fileutil.RemoveIfExists(destPath)
		if errors.Is(err, context.Canceled) || o.cancelled.Load() {
			return fail(err, "cancelled")
		}
		return fail(services.Wrap(services.ErrExternalTool, "batch", "convert", "backend failed", err), err.Error())
	}

	// The conversion counts as complete only once the library points at the
	// output; a mutation failure keeps the source untouched on disk.
	if o.opts.Library != nil {
		if err := o.opts.Library.ReplaceFile(ctx, item.SourcePath, destPath, metaFields(item.Meta)); err != nil {
			return fail(err, fmt.Sprintf("library update failed: %v", err))
		}
	}

	if o.opts.DeleteSource {
		if err := os.Remove(item.SourcePath); err != nil {
			logger.Warn("source not deleted", logging.Error(err))
		}
	}

	o.agg.ItemCompleted(item.SourcePath)
	logger.Info("item completed", logging.Duration("elapsed", time.Since(start)))
	return itemOutcome{
		index:      index,
		state:      progress.StateCompleted,
		outputPath: destPath,
		elapsed:    time.Since(start),
	}
}

func (o *BatchOrchestrator) outputPath(sourcePath string) string {
	dest := fileutil.ReplaceExt(sourcePath, o.opts.TargetFormat)
	if o.opts.OutputDir != "" {
		dest = filepath.Join(o.opts.OutputDir, filepath.Base(dest))
	}
	return dest
}
