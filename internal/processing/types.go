// Package processing drives batch audio conversion and chapter-merge runs:
// it schedules items through the concurrency gate, folds backend progress
// into the aggregator, isolates per-item failures, and sequences the
// convert → update library → delete source steps so user data survives
// partial failure.
package processing

import (
	"context"
	"time"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/progress"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/services/ffmpeg"
)

// Item is one independent conversion job within a batch.
type Item struct {
	SourcePath string
	Meta       ffmpeg.Metadata
}

// Chapter is one titled, ordered, time-bounded segment of a merge job.
type Chapter struct {
	SourcePath  string
	Title       string
	StartOffset time.Duration
	Duration    time.Duration
	// Order is the sort key. Values need not be contiguous; the orchestrator
	// re-sorts defensively before merging.
	Order int
	Meta  map[string]string
}

// JobError names a single item that failed and why.
type JobError struct {
	ItemPath string
	Message  string
}

// Stats carries run statistics for the terminal result.
type Stats struct {
	TotalCount     int
	CompletedCount int
	FailedCount    int
	// SkippedCount are items never started because the run was cancelled.
	SkippedCount int
	// ParallelJobs is the configured bound; PeakConcurrency is how many
	// backend calls were actually outstanding at once.
	ParallelJobs    int
	PeakConcurrency int
	AvgItemTime     time.Duration
	// Merge-only statistics.
	ChapterCount   int
	MergedDuration time.Duration
}

// ItemResult is the terminal per-item outcome, in dispatch order. Items the
// run never started keep StateWaiting.
type ItemResult struct {
	SourcePath string
	OutputPath string
	State      progress.ItemState
	Error      string
	Elapsed    time.Duration
}

// Result is the terminal outcome of a run. Per-item failures are data here,
// never errors returned from Execute.
type Result struct {
	Success     bool
	Cancelled   bool
	OutputPaths []string
	Errors      []JobError
	Items       []ItemResult
	Elapsed     time.Duration
	Stats       Stats
}

// Library is the external collaborator that swaps a library record from the
// source file to the converted output. Implementations must be idempotent.
type Library interface {
	ReplaceFile(ctx context.Context, oldPath, newPath string, meta map[string]string) error
}

func metaFields(meta ffmpeg.Metadata) map[string]string {
	fields := map[string]string{}
	if meta.Title != "" {
		fields["title"] = meta.Title
	}
	if meta.Author != "" {
		fields["author"] = meta.Author
	}
	if meta.Narrator != "" {
		fields["narrator"] = meta.Narrator
	}
	for key, value := range meta.Extra {
		fields[key] = value
	}
	return fields
}
