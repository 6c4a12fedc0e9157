package progress_test

import (
	"testing"
	"time"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/progress"
)

func waitFor(t *testing.T, a *progress.Aggregator, cond func(progress.Snapshot) bool) progress.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := a.Latest()
		if cond(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached, last snapshot %+v", a.Latest())
	return progress.Snapshot{}
}

func TestOverallCreditsInFlightItems(t *testing.T) {
	a := progress.New(2, "converting")
	defer a.Close()

	a.ItemStarted("a.mp3")
	a.ItemStarted("b.mp3")
	a.ItemProgress("a.mp3", 0.5, 1.2)
	a.ItemProgress("b.mp3", 0.25, 0)

	snap := waitFor(t, a, func(s progress.Snapshot) bool {
		return s.ItemFractions["a.mp3"] == 0.5 && s.ItemFractions["b.mp3"] == 0.25
	})

	want := (0.5 + 0.25) / 2
	if snap.OverallFraction < want-1e-9 || snap.OverallFraction > want+1e-9 {
		t.Fatalf("OverallFraction = %v, want %v", snap.OverallFraction, want)
	}
	if snap.CurrentItem != "" {
		t.Fatalf("CurrentItem = %q, want empty with two active items", snap.CurrentItem)
	}
	if snap.Speed != 1.2 {
		t.Fatalf("Speed = %v, want 1.2", snap.Speed)
	}
}

func TestOverallNeverBelowTerminalFloor(t *testing.T) {
	a := progress.New(4, "converting")
	defer a.Close()

	a.ItemStarted("a.mp3")
	a.ItemCompleted("a.mp3")
	a.ItemStarted("b.mp3")
	a.ItemFailed("b.mp3")

	snap := waitFor(t, a, func(s progress.Snapshot) bool { return s.Done() == 2 })
	if floor := float64(snap.Done()) / float64(snap.TotalCount); snap.OverallFraction < floor {
		t.Fatalf("OverallFraction %v below floor %v", snap.OverallFraction, floor)
	}
	if snap.CompletedCount != 1 || snap.FailedCount != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", snap.CompletedCount, snap.FailedCount)
	}
}

func TestCompletedCountMonotonic(t *testing.T) {
	a := progress.New(3, "converting")

	sub, cancel := a.Subscribe()
	defer cancel()

	for _, item := range []string{"a", "b", "c"} {
		a.ItemStarted(item)
		a.ItemProgress(item, 0.9, 0)
		a.ItemCompleted(item)
	}
	a.Close()

	last := -1
	for snap := range sub {
		if snap.CompletedCount < last {
			t.Fatalf("CompletedCount regressed: %d after %d", snap.CompletedCount, last)
		}
		last = snap.CompletedCount
	}
	if last != 3 {
		t.Fatalf("final CompletedCount = %d, want 3", last)
	}
}

func TestTerminalStatesAreSticky(t *testing.T) {
	a := progress.New(1, "converting")
	defer a.Close()

	a.ItemStarted("a")
	a.ItemFailed("a")
	a.ItemCompleted("a") // must not resurrect the item
	a.ItemProgress("a", 0.1, 0)

	snap := waitFor(t, a, func(s progress.Snapshot) bool { return s.FailedCount == 1 })
	if snap.ItemStates["a"] != progress.StateFailed {
		t.Fatalf("state = %q, want failed", snap.ItemStates["a"])
	}
	if snap.CompletedCount != 0 {
		t.Fatalf("CompletedCount = %d, want 0", snap.CompletedCount)
	}
}

func TestPerItemFractionMonotonic(t *testing.T) {
	a := progress.New(1, "converting")
	defer a.Close()

	a.ItemStarted("a")
	a.ItemProgress("a", 0.6, 0)
	a.ItemProgress("a", 0.4, 0) // backwards report is ignored

	snap := waitFor(t, a, func(s progress.Snapshot) bool { return s.ItemFractions["a"] > 0 })
	if snap.ItemFractions["a"] != 0.6 {
		t.Fatalf("fraction = %v, want 0.6", snap.ItemFractions["a"])
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	a := progress.New(1, "converting")

	// Never drained; its buffer will fill.
	_, cancelSlow := a.Subscribe()
	defer cancelSlow()

	fast, cancelFast := a.Subscribe()
	defer cancelFast()

	sawFinal := make(chan bool, 1)
	go func() {
		saw := false
		for snap := range fast {
			if snap.CompletedCount == 1 {
				saw = true
			}
		}
		sawFinal <- saw
	}()

	a.ItemStarted("a")
	for i := 0; i < 100; i++ {
		a.ItemProgress("a", float64(i)/100, 0)
	}
	a.ItemCompleted("a")

	// The stuck subscriber must not prevent the run from finishing.
	waitFor(t, a, func(s progress.Snapshot) bool { return s.CompletedCount == 1 })
	a.Close()

	select {
	case saw := <-sawFinal:
		if !saw {
			t.Fatal("draining subscriber never saw the completed snapshot")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("draining subscriber did not finish")
	}
}

func TestClearCurrent(t *testing.T) {
	a := progress.New(2, "converting")
	defer a.Close()

	a.ItemStarted("a")
	waitFor(t, a, func(s progress.Snapshot) bool { return s.CurrentItem == "a" })

	a.ClearCurrent()
	waitFor(t, a, func(s progress.Snapshot) bool { return s.CurrentItem == "" })
}

func TestSubscribeAfterCloseYieldsClosedChannel(t *testing.T) {
	a := progress.New(1, "converting")
	a.Close()

	sub, cancel := a.Subscribe()
	defer cancel()
	if _, ok := <-sub; ok {
		t.Fatal("expected closed channel after Close")
	}
}
