package usage_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibridge/internal/models"
	"aibridge/internal/usage"
)

func TestRecord_AccumulatesCounters(t *testing.T) {
	tracker := usage.NewTracker()

	snap := tracker.Record("openai", "gpt-4o-mini",
		&models.UsageCounters{PromptTokens: 10, CompletionTokens: 20}, 42, 0.001)

	require.Contains(t, snap.PerModel, "openai:gpt-4o-mini")
	agg := snap.PerModel["openai:gpt-4o-mini"]
	assert.Equal(t, int64(1), agg.Requests)
	assert.Equal(t, int64(10), agg.PromptTokens)
	assert.Equal(t, int64(20), agg.CompletionTokens)
	assert.Equal(t, int64(42), agg.PromptChars)
	assert.InDelta(t, 0.001, agg.CostUSD, 1e-12)
	assert.False(t, agg.LastUpdated.IsZero())

	snap = tracker.Record("openai", "gpt-4o-mini",
		&models.UsageCounters{PromptTokens: 5, CompletionTokens: 5}, 0, 0)

	agg = snap.PerModel["openai:gpt-4o-mini"]
	assert.Equal(t, int64(2), agg.Requests)
	assert.Equal(t, int64(15), agg.PromptTokens)
	assert.Equal(t, int64(25), agg.CompletionTokens)
}

func TestRecord_NilUsageStillCountsRequest(t *testing.T) {
	tracker := usage.NewTracker()

	snap := tracker.Record("ollama", "gpt-oss:20b", nil, 0, 0)

	agg := snap.PerModel["ollama:gpt-oss:20b"]
	assert.Equal(t, int64(1), agg.Requests)
	assert.Zero(t, agg.PromptTokens)
	assert.Zero(t, agg.CompletionTokens)
}

func TestRecord_TotalsMatchPerModelSum(t *testing.T) {
	tracker := usage.NewTracker()

	tracker.Record("openai", "gpt-4o", &models.UsageCounters{PromptTokens: 3, CompletionTokens: 7}, 10, 0.5)
	snap := tracker.Record("ollama", "llama3", &models.UsageCounters{PromptTokens: 2, CompletionTokens: 8, EvalCount: 8}, 20, 0)

	var requests, prompt, completion, chars, eval int64
	var cost float64
	for _, agg := range snap.PerModel {
		requests += agg.Requests
		prompt += agg.PromptTokens
		completion += agg.CompletionTokens
		chars += agg.PromptChars
		eval += agg.EvalCount
		cost += agg.CostUSD
	}

	assert.Equal(t, requests, snap.Totals.Requests)
	assert.Equal(t, prompt, snap.Totals.PromptTokens)
	assert.Equal(t, completion, snap.Totals.CompletionTokens)
	assert.Equal(t, chars, snap.Totals.PromptChars)
	assert.Equal(t, eval, snap.Totals.EvalCount)
	assert.InDelta(t, cost, snap.Totals.CostUSD, 1e-12)
}

func TestRecord_ConcurrentCallsLoseNoUpdates(t *testing.T) {
	tracker := usage.NewTracker()

	const calls = 100
	var wg sync.WaitGroup
	wg.Add(calls)
	for i := 0; i < calls; i++ {
		go func() {
			defer wg.Done()
			tracker.Record("openai", "gpt-4o-mini",
				&models.UsageCounters{PromptTokens: 1, CompletionTokens: 1}, 1, 0.0001)
		}()
	}
	wg.Wait()

	snap := tracker.Current()
	assert.Equal(t, int64(calls), snap.Totals.Requests)
	assert.Equal(t, int64(calls), snap.Totals.PromptTokens)
	assert.Equal(t, int64(calls), snap.Totals.CompletionTokens)
	assert.Equal(t, int64(calls), snap.Totals.PromptChars)
	assert.InDelta(t, calls*0.0001, snap.Totals.CostUSD, 1e-9)
}

func TestCurrent_EmptyTrackerIsAllZeros(t *testing.T) {
	tracker := usage.NewTracker()

	snap := tracker.Current()

	assert.Zero(t, snap.Totals.Requests)
	assert.Empty(t, snap.PerModel)
	assert.False(t, snap.LastUpdated.IsZero())
}

func TestRegister_SeedsCurrentSnapshot(t *testing.T) {
	tracker := usage.NewTracker()

	for i := 0; i < 5; i++ {
		tracker.Record("openai", "gpt-4o-mini", &models.UsageCounters{PromptTokens: 1, CompletionTokens: 1}, 0, 0)
	}

	_, snapshots := tracker.Register()

	select {
	case snap := <-snapshots:
		assert.Equal(t, int64(5), snap.Totals.Requests)
	case <-time.After(time.Second):
		t.Fatal("expected seeded snapshot immediately on register")
	}
}

func TestRegister_SubscriberReceivesUpdates(t *testing.T) {
	tracker := usage.NewTracker()

	_, snapshots := tracker.Register()
	<-snapshots // discard seed

	tracker.Record("ollama", "llama3", &models.UsageCounters{PromptTokens: 2, CompletionTokens: 3}, 0, 0)

	select {
	case snap := <-snapshots:
		assert.Equal(t, int64(1), snap.Totals.Requests)
		assert.Equal(t, int64(2), snap.Totals.PromptTokens)
	case <-time.After(time.Second):
		t.Fatal("expected snapshot after record")
	}
}

func TestRecord_SlowSubscriberDoesNotBlockProducer(t *testing.T) {
	tracker := usage.NewTracker()

	_, snapshots := tracker.Register()

	// Never read: the channel fills and the producer must keep going.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			tracker.Record("openai", "gpt-4o-mini", &models.UsageCounters{PromptTokens: 1, CompletionTokens: 1}, 0, 0)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on a slow subscriber")
	}

	// Drain whatever is pending; the newest pending snapshot must reflect
	// the final state thanks to the replace-latest policy.
	var last usage.Snapshot
	for {
		select {
		case snap := <-snapshots:
			last = snap
			continue
		default:
		}
		break
	}
	assert.Equal(t, int64(100), last.Totals.Requests)
}

func TestRecord_SnapshotsAreMonotonicPerSubscriber(t *testing.T) {
	tracker := usage.NewTracker()

	_, snapshots := tracker.Register()

	go func() {
		for i := 0; i < 50; i++ {
			tracker.Record("openai", "gpt-4o", &models.UsageCounters{PromptTokens: 1, CompletionTokens: 1}, 0, 0)
		}
	}()

	var prev int64 = -1
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap := <-snapshots:
			require.GreaterOrEqual(t, snap.Totals.Requests, prev,
				"subscriber observed a snapshot older than a previous one")
			prev = snap.Totals.Requests
			if prev == 50 {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for final snapshot, last seen %d", prev)
		}
	}
}

func TestUnregister_IsIdempotent(t *testing.T) {
	tracker := usage.NewTracker()

	id, snapshots := tracker.Register()
	<-snapshots

	tracker.Unregister(id)
	tracker.Unregister(id)   // repeated call is a no-op
	tracker.Unregister(9999) // unknown id is a no-op

	_, open := <-snapshots
	assert.False(t, open, "channel should be closed after unregister")

	// Recording after unregister must not panic or deliver.
	tracker.Record("openai", "gpt-4o-mini", nil, 0, 0)
}

func TestSnapshot_IsImmutableCopy(t *testing.T) {
	tracker := usage.NewTracker()

	first := tracker.Record("openai", "gpt-4o-mini", &models.UsageCounters{PromptTokens: 1, CompletionTokens: 1}, 0, 0)
	tracker.Record("openai", "gpt-4o-mini", &models.UsageCounters{PromptTokens: 1, CompletionTokens: 1}, 0, 0)

	// The earlier snapshot must not reflect the later mutation.
	assert.Equal(t, int64(1), first.Totals.Requests)
	assert.Equal(t, int64(1), first.PerModel["openai:gpt-4o-mini"].Requests)
}
