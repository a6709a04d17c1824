// Package usage accumulates per-model token and cost counters across
// concurrent requests and fans out immutable snapshots to live subscribers.
package usage

import (
	"fmt"
	"sync"
	"time"

	"aibridge/internal/models"
)

// subscriberBuffer bounds each subscriber channel. A monitor that falls
// further behind than this starts losing intermediate snapshots.
const subscriberBuffer = 10

// Aggregate holds the running sums for one (provider, model) key. It is
// mutated only by the Tracker under its lock; subscribers only ever see
// copies inside a Snapshot.
type Aggregate struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Requests         int64     `json:"requests"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	PromptChars      int64     `json:"prompt_chars"`
	EvalCount        int64     `json:"eval_count"`
	CostUSD          float64   `json:"cost_usd"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Totals sums the counters across every key.
type Totals struct {
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	PromptChars      int64   `json:"prompt_chars"`
	EvalCount        int64   `json:"eval_count"`
	CostUSD          float64 `json:"cost_usd"`
}

// Snapshot is an immutable point-in-time view of the whole table. Totals
// always equal the sum of the PerModel entries at construction time.
type Snapshot struct {
	Totals      Totals               `json:"totals"`
	PerModel    map[string]Aggregate `json:"per_model"`
	LastUpdated time.Time            `json:"last_updated"`
}

// Tracker is the shared usage accumulator and snapshot broadcaster. One
// mutex guards both the aggregate table and the subscriber registry; it is
// held only for in-memory work, never across I/O.
type Tracker struct {
	mu          sync.Mutex
	perKey      map[string]*Aggregate
	subscribers map[int]chan Snapshot
	nextSubID   int
	last        Snapshot
	hasLast     bool
}

// NewTracker constructs an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		perKey:      make(map[string]*Aggregate),
		subscribers: make(map[int]chan Snapshot),
	}
}

// Record applies one completed request to the table and publishes the
// resulting snapshot to every subscriber before returning it. usage may be
// nil; promptChars and costUSD may be zero when the caller has nothing to
// add. Updates are serialized by the tracker lock, so concurrent calls
// never lose increments.
func (t *Tracker) Record(provider, model string, usage *models.UsageCounters, promptChars int, costUSD float64) Snapshot {
	key := aggregateKey(provider, model)
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	agg, ok := t.perKey[key]
	if !ok {
		agg = &Aggregate{Provider: provider, Model: model}
		t.perKey[key] = agg
	}

	agg.Requests++
	if usage != nil {
		agg.PromptTokens += int64(usage.PromptTokens)
		agg.CompletionTokens += int64(usage.CompletionTokens)
		agg.EvalCount += int64(usage.EvalCount)
	}
	agg.PromptChars += int64(promptChars)
	agg.CostUSD += costUSD
	agg.LastUpdated = now

	snap := t.buildSnapshotLocked(now)
	t.last = snap
	t.hasLast = true
	t.publishLocked(snap)
	return snap
}

// Current returns the most recently built snapshot, or an all-zero snapshot
// when nothing has been recorded yet.
func (t *Tracker) Current() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasLast {
		return t.last
	}
	return t.buildSnapshotLocked(time.Now().UTC())
}

// Register allocates a new subscriber. The returned channel is seeded with
// the current snapshot so new subscribers never wait for the next mutation
// to see state. The id is the handle for Unregister.
func (t *Tracker) Register() (int, <-chan Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSubID
	t.nextSubID++

	ch := make(chan Snapshot, subscriberBuffer)
	snap := t.last
	if !t.hasLast {
		snap = t.buildSnapshotLocked(time.Now().UTC())
	}
	ch <- snap
	t.subscribers[id] = ch
	return id, ch
}

// Unregister removes and closes the subscriber channel. Unknown or already
// removed ids are a no-op.
func (t *Tracker) Unregister(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.subscribers[id]
	if !ok {
		return
	}
	delete(t.subscribers, id)
	close(ch)
}

// publishLocked pushes snap to every subscriber without blocking. When a
// channel is full the oldest pending snapshot is dropped and the newest one
// enqueued (replace-latest policy), so a slow monitor converges on current
// totals instead of stalling the producer or replaying stale state.
// Sends happen under the tracker lock, which keeps snapshot order identical
// for every subscriber; the sends are non-blocking and purely in-memory, so
// the hold time stays O(subscriber count).
func (t *Tracker) publishLocked(snap Snapshot) {
	for _, ch := range t.subscribers {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// buildSnapshotLocked copies the table into a fresh immutable snapshot.
func (t *Tracker) buildSnapshotLocked(now time.Time) Snapshot {
	snap := Snapshot{
		PerModel:    make(map[string]Aggregate, len(t.perKey)),
		LastUpdated: now,
	}
	for key, agg := range t.perKey {
		snap.PerModel[key] = *agg
		snap.Totals.Requests += agg.Requests
		snap.Totals.PromptTokens += agg.PromptTokens
		snap.Totals.CompletionTokens += agg.CompletionTokens
		snap.Totals.PromptChars += agg.PromptChars
		snap.Totals.EvalCount += agg.EvalCount
		snap.Totals.CostUSD += agg.CostUSD
	}
	return snap
}

func aggregateKey(provider, model string) string {
	return fmt.Sprintf("%s:%s", provider, model)
}
