package progress

// ItemState is the lifecycle of a single work item within a run.
type ItemState string

const (
	StateWaiting    ItemState = "waiting"
	StateConverting ItemState = "converting"
	StateCompleted  ItemState = "completed"
	StateFailed     ItemState = "failed"
)

// Terminal reports whether no further transitions may leave the state.
func (s ItemState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Snapshot is the coalesced view of a run published to subscribers. All maps
// are copies; consumers may retain them.
type Snapshot struct {
	// Stage labels the run phase (e.g. "converting", "merging").
	Stage string
	// OverallFraction is in [0, 1]. It credits in-flight items with their
	// partial fractions and never drops below the terminal-item floor.
	OverallFraction float64
	// CurrentItem is the single-active-item hint, empty when several items
	// are in flight and none deserves highlighting.
	CurrentItem    string
	CompletedCount int
	FailedCount    int
	TotalCount     int
	// Speed is the most recent backend speed multiple (1.0 = realtime),
	// zero when unknown.
	Speed float64

	ItemStates    map[string]ItemState
	ItemFractions map[string]float64
	ItemSpeeds    map[string]float64
}

// Done reports how many items reached a terminal state.
func (s Snapshot) Done() int {
	return s.CompletedCount + s.FailedCount
}
