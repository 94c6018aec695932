package subscriber

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/fanout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(evt fanout.Event, seqs map[string]uint64) fanout.Message {
	return fanout.Message{Kind: evt.Kind(), Seqs: seqs, Event: evt, PublishedAt: time.Now()}
}

func TestView_ReducesJobStream(t *testing.T) {
	v := NewView(10)
	ch := fanout.JobChannel("j1")

	require.True(t, v.Apply(msg(fanout.JobLifecycle{JobID: "j1", Status: domain.JobStatusAssigned, SwarmID: "s1"}, map[string]uint64{ch: 4})))
	require.True(t, v.Apply(msg(fanout.JobProgress{JobID: "j1", Attempt: 1, Stage: "routing", Progress: 10}, map[string]uint64{ch: 5})))
	require.True(t, v.Apply(msg(fanout.JobProgress{JobID: "j1", Attempt: 1, Stage: "processing", Progress: 40}, map[string]uint64{ch: 6})))

	job, ok := v.Job("j1")
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusAssigned, job.Status)
	assert.Equal(t, "s1", job.SwarmID)
	assert.Equal(t, "processing", job.Stage)
	assert.Equal(t, 40, job.Progress)

	// a retry restarts progress
	require.True(t, v.Apply(msg(fanout.JobProgress{JobID: "j1", Attempt: 2, Stage: "routing", Progress: 10}, map[string]uint64{ch: 7})))
	job, _ = v.Job("j1")
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, 10, job.Progress)

	// stale progress from the first attempt is ignored
	require.True(t, v.Apply(msg(fanout.JobProgress{JobID: "j1", Attempt: 1, Stage: "qa", Progress: 70}, map[string]uint64{ch: 8})))
	job, _ = v.Job("j1")
	assert.Equal(t, "routing", job.Stage)

	require.True(t, v.Apply(msg(fanout.JobLifecycle{JobID: "j1", Status: domain.JobStatusCompleted}, map[string]uint64{ch: 9})))
	job, _ = v.Job("j1")
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
}

func TestView_DuplicatesAndGaps(t *testing.T) {
	v := NewView(10)
	ch := fanout.JobChannel("j1")
	evt := fanout.BidReceived{JobID: "j1", BidID: "b1"}

	require.True(t, v.Apply(msg(evt, map[string]uint64{ch: 1})))
	assert.False(t, v.Apply(msg(evt, map[string]uint64{ch: 1})))
	require.True(t, v.Apply(msg(fanout.BidReceived{JobID: "j1", BidID: "b2"}, map[string]uint64{ch: 4})))

	job, _ := v.Job("j1")
	assert.Equal(t, 2, job.Bids)

	stats := v.Snapshot().Stats
	assert.Equal(t, uint64(2), stats.Applied)
	assert.Equal(t, uint64(1), stats.Duplicates)
	assert.Equal(t, uint64(2), stats.Missed[ch])
}

func TestView_FeedsKeepNewestFirst(t *testing.T) {
	v := NewView(2)
	for i, addr := range []string{"a", "b", "c"} {
		v.Apply(msg(fanout.AgentActivity{SwarmID: "s1", Address: addr, Action: "routing"}, map[string]uint64{fanout.Marketplace: uint64(i + 1)}))
	}

	snap := v.Snapshot()
	require.Len(t, snap.Activity, 2)
	assert.Equal(t, "c", snap.Activity[0].Address)
	assert.Equal(t, "b", snap.Activity[1].Address)
	assert.Empty(t, snap.Payments)
}

func TestFollow(t *testing.T) {
	hub := fanout.NewHub(slog.New(slog.DiscardHandler))
	sub := hub.Subscribe(fanout.Marketplace, fanout.JobChannel("j1"))
	v := NewView(10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		Follow(context.Background(), sub, v)
	}()

	hub.Publish(fanout.JobPosted{JobID: "j1", Title: "Triage", ClientID: "c", PaymentAmount: 10})
	hub.Publish(fanout.BidReceived{JobID: "j1", BidID: "b1", SwarmID: "s1"})
	hub.Publish(fanout.SwarmRegistered{SwarmID: "s1", Name: "crew"})

	require.Eventually(t, func() bool { return v.Snapshot().Stats.Applied == 3 }, time.Second, time.Millisecond)
	hub.Unsubscribe(sub)
	<-done

	job, ok := v.Job("j1")
	require.True(t, ok)
	assert.Equal(t, "Triage", job.Title)
	assert.Equal(t, domain.JobStatusOpen, job.Status)
	assert.Equal(t, 1, job.Bids)
	assert.Len(t, v.Snapshot().Swarms, 1)
	assert.Zero(t, v.Snapshot().Stats.Duplicates)
}
