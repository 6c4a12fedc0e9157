package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/progress"
)

const barResolution = 1000

// renderProgress consumes the aggregator's snapshot stream until it closes.
// On a terminal it drives an in-place progress bar; otherwise it prints a
// line whenever an item reaches a terminal state or the stage changes.
func renderProgress(out io.Writer, agg *progress.Aggregator, plain bool) {
	snapshots, cancel := agg.Subscribe()
	defer cancel()

	if plain || !isTerminal(out) {
		renderProgressLines(out, snapshots)
		return
	}

	bar := progressbar.NewOptions(barResolution,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("starting"),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionClearOnFinish(),
	)
	for snap := range snapshots {
		label := fmt.Sprintf("%s %d/%d", snap.Stage, snap.Done(), snap.TotalCount)
		if snap.Speed > 0 {
			label = fmt.Sprintf("%s (%.1fx)", label, snap.Speed)
		}
		bar.Describe(label)
		_ = bar.Set(int(snap.OverallFraction * barResolution))
	}
	_ = bar.Finish()
}

func renderProgressLines(out io.Writer, snapshots <-chan progress.Snapshot) {
	lastDone := -1
	lastStage := ""
	for snap := range snapshots {
		if snap.Done() == lastDone && snap.Stage == lastStage {
			continue
		}
		lastDone = snap.Done()
		lastStage = snap.Stage
		fmt.Fprintf(out, "%s: %d/%d done (%.0f%%)\n",
			snap.Stage, snap.Done(), snap.TotalCount, snap.OverallFraction*100)
	}
}

func isTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
