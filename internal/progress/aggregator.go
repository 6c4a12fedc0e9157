// Package progress coalesces per-item conversion events into a single
// observable snapshot stream.
//
// One goroutine owns every per-item map; workers communicate with it only by
// sending events. Subscribers receive snapshots over buffered channels and a
// slow subscriber drops intermediate snapshots instead of stalling the
// aggregator or its peers.
package progress

import (
	"sync"
	"time"
)

const (
	// coarseTick guarantees liveness updates even when backends go quiet.
	coarseTick = time.Second
	// fineTick smooths rendering between discrete backend events.
	fineTick = 500 * time.Millisecond

	subscriberBuffer = 16
)

type eventKind int

const (
	evStarted eventKind = iota
	evProgress
	evCompleted
	evFailed
	evStage
	evClearCurrent
)

type event struct {
	kind     eventKind
	item     string
	fraction float64
	speed    float64
	stage    string
}

// Aggregator multicasts coalesced run progress. Construct with New, feed it
// item events, and Close it when the run finishes.
type Aggregator struct {
	events chan event
	stop   chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
	last   Snapshot

	closeOnce sync.Once
}

// New creates an aggregator for a run of total items and starts its
// publishing loop.
func New(total int, stage string) *Aggregator {
	a := &Aggregator{
		events: make(chan event, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		subs:   make(map[int]chan Snapshot),
	}
	a.last = Snapshot{
		Stage:         stage,
		TotalCount:    total,
		ItemStates:    map[string]ItemState{},
		ItemFractions: map[string]float64{},
		ItemSpeeds:    map[string]float64{},
	}
	go a.run(total, stage)
	return a
}

// ItemStarted marks an item as converting and highlights it as current.
func (a *Aggregator) ItemStarted(item string) {
	a.send(event{kind: evStarted, item: item})
}

// ItemProgress folds a backend progress callback into the stream. fraction
// is clamped to [0, 1]; speed zero means unknown.
func (a *Aggregator) ItemProgress(item string, fraction, speed float64) {
	a.send(event{kind: evProgress, item: item, fraction: fraction, speed: speed})
}

// ItemCompleted transitions an item to its successful terminal state.
func (a *Aggregator) ItemCompleted(item string) {
	a.send(event{kind: evCompleted, item: item})
}

// ItemFailed transitions an item to its failed terminal state.
func (a *Aggregator) ItemFailed(item string) {
	a.send(event{kind: evFailed, item: item})
}

// SetStage relabels the run phase.
func (a *Aggregator) SetStage(stage string) {
	a.send(event{kind: evStage, stage: stage})
}

// ClearCurrent drops the single-active-item hint, used when several items
// run concurrently and none deserves highlighting.
func (a *Aggregator) ClearCurrent() {
	a.send(event{kind: evClearCurrent})
}

// Subscribe registers a snapshot consumer. The returned cancel function must
// be called when the consumer is done; it is safe to call more than once.
// The channel closes when the aggregator closes.
func (a *Aggregator) Subscribe() (<-chan Snapshot, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextID
	a.nextID++
	ch := make(chan Snapshot, subscriberBuffer)
	if a.subs == nil {
		// Already closed; hand back a closed channel.
		close(ch)
		return ch, func() {}
	}
	a.subs[id] = ch
	// Seed the subscriber so it does not wait a full tick for state.
	ch <- a.last

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			if sub, ok := a.subs[id]; ok {
				delete(a.subs, id)
				close(sub)
			}
			a.mu.Unlock()
		})
	}
	return ch, cancel
}

// Latest returns the most recently published snapshot.
func (a *Aggregator) Latest() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Close publishes a final snapshot, closes all subscriber channels, and
// stops the loop. Events sent after Close are discarded.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		close(a.stop)
		<-a.done
	})
}

func (a *Aggregator) send(ev event) {
	select {
	case a.events <- ev:
	case <-a.stop:
	}
}

type runState struct {
	stage       string
	total       int
	current     string
	completed   int
	failed      int
	lastSpeed   float64
	states      map[string]ItemState
	fractions   map[string]float64
	speeds      map[string]float64
	activeCount int
}

func (a *Aggregator) run(total int, stage string) {
	defer close(a.done)

	st := &runState{
		stage:     stage,
		total:     total,
		states:    map[string]ItemState{},
		fractions: map[string]float64{},
		speeds:    map[string]float64{},
	}

	coarse := time.NewTicker(coarseTick)
	fine := time.NewTicker(fineTick)
	defer coarse.Stop()
	defer fine.Stop()

	for {
		select {
		case ev := <-a.events:
			st.apply(ev)
			a.publish(st.snapshot())
		case <-fine.C:
			a.publish(st.snapshot())
		case <-coarse.C:
			a.publish(st.snapshot())
		case <-a.stop:
			a.publishFinal(st.snapshot())
			return
		}
	}
}

func (st *runState) apply(ev event) {
	switch ev.kind {
	case evStage:
		st.stage = ev.stage
	case evClearCurrent:
		st.current = ""
	case evStarted:
		if state := st.states[ev.item]; state.Terminal() || state == StateConverting {
			return
		}
		st.states[ev.item] = StateConverting
		st.activeCount++
		if st.activeCount == 1 {
			st.current = ev.item
		} else {
			st.current = ""
		}
	case evProgress:
		if st.states[ev.item].Terminal() {
			return
		}
		fraction := ev.fraction
		if fraction < 0 {
			fraction = 0
		}
		if fraction > 1 {
			fraction = 1
		}
		// Backends occasionally report backwards after a seek; per-item
		// fractions stay monotonic so the overall never regresses.
		if fraction > st.fractions[ev.item] {
			st.fractions[ev.item] = fraction
		}
		if ev.speed > 0 {
			st.speeds[ev.item] = ev.speed
			st.lastSpeed = ev.speed
		}
	case evCompleted, evFailed:
		state := st.states[ev.item]
		if state.Terminal() {
			return
		}
		if state == StateConverting {
			st.activeCount--
		}
		if ev.kind == evCompleted {
			st.states[ev.item] = StateCompleted
			st.fractions[ev.item] = 1
			st.completed++
		} else {
			st.states[ev.item] = StateFailed
			st.failed++
		}
		if st.current == ev.item {
			st.current = ""
		}
	}
}

func (st *runState) snapshot() Snapshot {
	snap := Snapshot{
		Stage:          st.stage,
		CurrentItem:    st.current,
		CompletedCount: st.completed,
		FailedCount:    st.failed,
		TotalCount:     st.total,
		Speed:          st.lastSpeed,
		ItemStates:     make(map[string]ItemState, len(st.states)),
		ItemFractions:  make(map[string]float64, len(st.fractions)),
		ItemSpeeds:     make(map[string]float64, len(st.speeds)),
	}
	for k, v := range st.states {
		snap.ItemStates[k] = v
	}
	for k, v := range st.fractions {
		snap.ItemFractions[k] = v
	}
	for k, v := range st.speeds {
		snap.ItemSpeeds[k] = v
	}

	if st.total > 0 {
		done := float64(st.completed + st.failed)
		inFlight := 0.0
		for item, state := range st.states {
			if state == StateConverting {
				inFlight += st.fractions[item]
			}
		}
		snap.OverallFraction = (done + inFlight) / float64(st.total)
		if floor := done / float64(st.total); snap.OverallFraction < floor {
			snap.OverallFraction = floor
		}
		if snap.OverallFraction > 1 {
			snap.OverallFraction = 1
		}
	}
	return snap
}

func (a *Aggregator) publish(snap Snapshot) {
	a.mu.Lock()
	a.last = snap
	for _, sub := range a.subs {
		select {
		case sub <- snap:
		default:
			// Subscriber is not keeping up; it will see the next snapshot.
		}
	}
	a.mu.Unlock()
}

func (a *Aggregator) publishFinal(snap Snapshot) {
	a.mu.Lock()
	a.last = snap
	for id, sub := range a.subs {
		select {
		case sub <- snap:
		default:
		}
		close(sub)
		delete(a.subs, id)
	}
	a.subs = nil
	a.mu.Unlock()
}
