package processing_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/hardware"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/logging"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/processing"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/services/ffmpeg"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/testsupport"
)

type fakeBackend struct {
	mu     sync.Mutex
	active int
	peak   int
	// failPaths maps a source path to the error its conversion returns.
	failPaths map[string]error
	// delay simulates encode time so concurrency overlaps.
	delay time.Duration
	// started is closed once the first Convert call begins, when non-nil.
	started     chan struct{}
	startOnce   sync.Once
	mergeInputs []ffmpeg.ChapterInput
	mergeErr    error
}

func (f *fakeBackend) Convert(ctx context.Context, sourcePath, destPath string, meta ffmpeg.Metadata, opts ffmpeg.ConvertOptions) error {
	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if opts.Progress != nil {
		opts.Progress(ffmpeg.ProgressUpdate{Fraction: 0.5, Speed: 20})
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if ctx.Err() != nil {
		return ctx.Err()
	}
	if err, ok := f.failPaths[sourcePath]; ok {
		return err
	}
	return os.WriteFile(destPath, []byte("converted"), 0o644)
}

func (f *fakeBackend) Merge(ctx context.Context, chapters []ffmpeg.ChapterInput, destPath string, meta ffmpeg.Metadata, onProgress func(stage string, fraction float64)) error {
	f.mu.Lock()
	f.mergeInputs = append([]ffmpeg.ChapterInput(nil), chapters...)
	f.mu.Unlock()
	if onProgress != nil {
		onProgress("preparing", 0)
		onProgress("merging", 0.5)
		onProgress("finalizing", 0.95)
	}
	if f.mergeErr != nil {
		return f.mergeErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return os.WriteFile(destPath, []byte("merged"), 0o644)
}

type fakeLibrary struct {
	mu       sync.Mutex
	replaced [][2]string
	err      error
}

func (f *fakeLibrary) ReplaceFile(ctx context.Context, oldPath, newPath string, meta map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.replaced = append(f.replaced, [2]string{oldPath, newPath})
	return nil
}

func writeItems(t *testing.T, dir string, count int) []processing.Item {
	t.Helper()
	items := make([]processing.Item, count)
	for i := range items {
		path := testsupport.WriteSourceFile(t, dir, fmt.Sprintf("book%02d.mp3", i))
		items[i] = processing.Item{SourcePath: path}
	}
	return items
}

func TestBatchConvertsAllItems(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	items := writeItems(t, cfg.Paths.LibraryDir, 3)
	backend := &fakeBackend{}
	library := &fakeLibrary{}

	orch := processing.NewBatch(processing.BatchOptions{
		Backend:      backend,
		Library:      library,
		Scheduling:   hardware.SchedulingConfig{ParallelJobs: 2},
		TargetFormat: "m4b",
		Logger:       logging.NewNop(),
	})
	result, err := orch.Execute(context.Background(), items)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if result.Stats.CompletedCount != 3 || result.Stats.FailedCount != 0 {
		t.Fatalf("unexpected stats: %+v", result.Stats)
	}
	if len(result.OutputPaths) != 3 {
		t.Fatalf("outputs = %d, want 3", len(result.OutputPaths))
	}
	for _, out := range result.OutputPaths {
		if filepath.Ext(out) != ".m4b" {
			t.Fatalf("unexpected output extension: %s", out)
		}
		if _, statErr := os.Stat(out); statErr != nil {
			t.Fatalf("output missing: %v", statErr)
		}
	}
	if len(library.replaced) != 3 {
		t.Fatalf("library replacements = %d, want 3", len(library.replaced))
	}
}

func TestBatchRespectsConcurrencyBound(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	items := writeItems(t, cfg.Paths.LibraryDir, 6)
	backend := &fakeBackend{delay: 20 * time.Millisecond}

	orch := processing.NewBatch(processing.BatchOptions{
		Backend:    backend,
		Scheduling: hardware.SchedulingConfig{ParallelJobs: 2},
		Logger:     logging.NewNop(),
	})
	result, err := orch.Execute(context.Background(), items)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if backend.peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", backend.peak)
	}
	if result.Stats.PeakConcurrency > 2 {
		t.Fatalf("reported peak = %d, want <= 2", result.Stats.PeakConcurrency)
	}
}

func TestBatchIsolatesItemFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	items := writeItems(t, cfg.Paths.LibraryDir, 3)
	backend := &fakeBackend{
		failPaths: map[string]error{items[1].SourcePath: errors.New("encoder exploded")},
	}
	library := &fakeLibrary{}

	orch := processing.NewBatch(processing.BatchOptions{
		Backend:    backend,
		Library:    library,
		Scheduling: hardware.SchedulingConfig{ParallelJobs: 2},
		Logger:     logging.NewNop(),
	})
	result, err := orch.Execute(context.Background(), items)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Success {
		t.Fatal("expected failure to clear success")
	}
	if result.Cancelled {
		t.Fatal("failure must not mark the run cancelled")
	}
	if result.Stats.CompletedCount != 2 || result.Stats.FailedCount != 1 {
		t.Fatalf("unexpected stats: %+v", result.Stats)
	}
	if len(result.Errors) != 1 || result.Errors[0].ItemPath != items[1].SourcePath {
		t.Fatalf("unexpected errors: %+v", result.Errors)
	}
	// The failed item's source stays on disk.
	if _, statErr := os.Stat(items[1].SourcePath); statErr != nil {
		t.Fatalf("failed item's source missing: %v", statErr)
	}
}

func TestBatchCancelBeforeStart(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	items := writeItems(t, cfg.Paths.LibraryDir, 4)
	backend := &fakeBackend{}

	orch := processing.NewBatch(processing.BatchOptions{
		Backend:    backend,
		Scheduling: hardware.SchedulingConfig{ParallelJobs: 2},
		Logger:     logging.NewNop(),
	})
	orch.Cancel()
	result, err := orch.Execute(context.Background(), items)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Success || !result.Cancelled {
		t.Fatalf("expected cancelled run, got %+v", result)
	}
	if len(result.OutputPaths) != 0 {
		t.Fatalf("expected no outputs, got %v", result.OutputPaths)
	}
	if result.Stats.SkippedCount != 4 {
		t.Fatalf("skipped = %d, want 4", result.Stats.SkippedCount)
	}
}

func TestBatchCancelMidRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	items := writeItems(t, cfg.Paths.LibraryDir, 4)
	backend := &fakeBackend{
		delay:   5 * time.Second,
		started: make(chan struct{}),
	}

	orch := processing.NewBatch(processing.BatchOptions{
		Backend:    backend,
		Scheduling: hardware.SchedulingConfig{ParallelJobs: 1},
		Logger:     logging.NewNop(),
	})

	done := make(chan *processing.Result, 1)
	go func() {
		result, err := orch.Execute(context.Background(), items)
		if err != nil {
			t.Errorf("Execute: %v", err)
		}
		done <- result
	}()

	select {
	case <-backend.started:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never started")
	}
	orch.Cancel()

	var result *processing.Result
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	if result == nil {
		t.Fatal("no result")
	}
	if result.Success || !result.Cancelled {
		t.Fatalf("expected cancelled run, got %+v", result)
	}
	if result.Stats.CompletedCount != 0 {
		t.Fatalf("completed = %d, want 0", result.Stats.CompletedCount)
	}
	// The in-flight item fails as cancelled; the queued ones are skipped.
	if result.Stats.FailedCount+result.Stats.SkippedCount != 4 {
		t.Fatalf("unexpected stats: %+v", result.Stats)
	}
	for _, jobErr := range result.Errors {
		if jobErr.Message != "cancelled" {
			t.Fatalf("unexpected failure message: %q", jobErr.Message)
		}
	}
}

func TestBatchLibraryFailureKeepsSource(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	items := writeItems(t, cfg.Paths.LibraryDir, 1)
	backend := &fakeBackend{}
	library := &fakeLibrary{err: errors.New("catalog locked")}

	orch := processing.NewBatch(processing.BatchOptions{
		Backend:      backend,
		Library:      library,
		Scheduling:   hardware.SchedulingConfig{ParallelJobs: 1},
		DeleteSource: true,
		Logger:       logging.NewNop(),
	})
	result, err := orch.Execute(context.Background(), items)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Stats.FailedCount != 1 {
		t.Fatalf("failed = %d, want 1", result.Stats.FailedCount)
	}
	if _, statErr := os.Stat(items[0].SourcePath); statErr != nil {
		t.Fatalf("source deleted despite library failure: %v", statErr)
	}
}

func TestBatchDeletesSourceAfterLibraryUpdate(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	items := writeItems(t, cfg.Paths.LibraryDir, 1)
	backend := &fakeBackend{}
	library := &fakeLibrary{}

	orch := processing.NewBatch(processing.BatchOptions{
		Backend:      backend,
		Library:      library,
		Scheduling:   hardware.SchedulingConfig{ParallelJobs: 1},
		DeleteSource: true,
		Logger:       logging.NewNop(),
	})
	result, err := orch.Execute(context.Background(), items)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if _, statErr := os.Stat(items[0].SourcePath); !os.IsNotExist(statErr) {
		t.Fatalf("expected source removed, stat err = %v", statErr)
	}
}

func TestBatchDestinationConflictFailsItem(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	items := writeItems(t, cfg.Paths.LibraryDir, 1)
	conflict := items[0].SourcePath[:len(items[0].SourcePath)-len(".mp3")] + ".m4b"
	if err := os.WriteFile(conflict, []byte("existing"), 0o644); err != nil {
		t.Fatalf("write conflict file: %v", err)
	}
	backend := &fakeBackend{}

	orch := processing.NewBatch(processing.BatchOptions{
		Backend:      backend,
		Scheduling:   hardware.SchedulingConfig{ParallelJobs: 1},
		TargetFormat: "m4b",
		Logger:       logging.NewNop(),
	})
	result, err := orch.Execute(context.Background(), items)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success || result.Stats.FailedCount != 1 {
		t.Fatalf("expected conflict failure, got %+v", result)
	}
	// The existing file is never overwritten or cleaned up.
	data, readErr := os.ReadFile(conflict)
	if readErr != nil || string(data) != "existing" {
		t.Fatalf("conflict file disturbed: %q, %v", data, readErr)
	}
}

func TestBatchMissingInputIsSetupError(t *testing.T) {
	backend := &fakeBackend{}
	orch := processing.NewBatch(processing.BatchOptions{
		Backend:    backend,
		Scheduling: hardware.SchedulingConfig{ParallelJobs: 1},
		Logger:     logging.NewNop(),
	})
	_, err := orch.Execute(context.Background(), []processing.Item{{SourcePath: "/nope/missing.mp3"}})
	if err == nil {
		t.Fatal("expected setup error for missing input")
	}
}
