// Package subscriber folds a fanout subscription into a read model. Events
// are supplementary, so the view tolerates gaps and duplicates and records
// them instead of failing.
package subscriber

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/fanout"
)

// JobView is the latest known state of a job
type JobView struct {
	JobID     string           `json:"job_id"`
	Title     string           `json:"title,omitempty"`
	Status    domain.JobStatus `json:"status,omitempty"`
	SwarmID   string           `json:"swarm_id,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
	Stage     string           `json:"stage,omitempty"`
	Progress  int              `json:"progress"`
	Message   string           `json:"message,omitempty"`
	Bids      int              `json:"bids"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Stats counts stream anomalies seen by the view
type Stats struct {
	Applied    uint64            `json:"applied"`
	Duplicates uint64            `json:"duplicates"`
	Missed     map[string]uint64 `json:"missed"`
}

// Snapshot is a copy of the view safe to serialize
type Snapshot struct {
	Jobs     []JobView                `json:"jobs"`
	Payments []fanout.Payment         `json:"payments"`
	Activity []fanout.AgentActivity   `json:"activity"`
	Swarms   []fanout.SwarmRegistered `json:"swarms"`
	Stats    Stats                    `json:"stats"`
}

// View is a reducer over fanout messages
type View struct {
	mu       sync.RWMutex
	lastSeq  map[string]uint64
	jobs     map[string]*JobView
	order    []string
	payments *ring[fanout.Payment]
	activity *ring[fanout.AgentActivity]
	swarms   *ring[fanout.SwarmRegistered]
	stats    Stats
}

// NewView creates a view that keeps the last history entries of each feed
func NewView(history int) *View {
	if history <= 0 {
		history = 50
	}
	return &View{
		lastSeq:  make(map[string]uint64),
		jobs:     make(map[string]*JobView),
		payments: newRing[fanout.Payment](history),
		activity: newRing[fanout.AgentActivity](history),
		swarms:   newRing[fanout.SwarmRegistered](history),
		stats:    Stats{Missed: make(map[string]uint64)},
	}
}

// Apply folds one message into the view. It reports false when every
// channel of the message had already delivered that sequence number.
func (v *View) Apply(msg fanout.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	fresh := len(msg.Seqs) == 0
	for ch, seq := range msg.Seqs {
		last, seen := v.lastSeq[ch]
		switch {
		case !seen:
			fresh = true
		case seq <= last:
			continue
		default:
			if seq > last+1 {
				v.stats.Missed[ch] += seq - last - 1
			}
			fresh = true
		}
		v.lastSeq[ch] = seq
	}
	if !fresh {
		v.stats.Duplicates++
		return false
	}

	v.reduce(msg.Event, msg.PublishedAt)
	v.stats.Applied++
	return true
}

func (v *View) job(id string) *JobView {
	j, ok := v.jobs[id]
	if !ok {
		j = &JobView{JobID: id}
		v.jobs[id] = j
		v.order = append(v.order, id)
	}
	return j
}

func (v *View) reduce(evt fanout.Event, at time.Time) {
	switch e := evt.(type) {
	case fanout.JobPosted:
		j := v.job(e.JobID)
		j.Title = e.Title
		if j.Status == "" {
			j.Status = domain.JobStatusOpen
		}
		j.UpdatedAt = at
	case fanout.JobLifecycle:
		j := v.job(e.JobID)
		j.Status = e.Status
		if e.SwarmID != "" {
			j.SwarmID = e.SwarmID
		}
		if e.Status == domain.JobStatusCompleted {
			j.Stage = "complete"
			j.Progress = 100
		}
		if e.Reason != "" {
			j.Message = e.Reason
		}
		j.UpdatedAt = at
	case fanout.JobProgress:
		j := v.job(e.JobID)
		if e.Attempt < j.Attempt {
			return
		}
		if e.Attempt > j.Attempt {
			j.Attempt = e.Attempt
			j.Progress = 0
		}
		j.Stage = e.Stage
		j.Message = e.Message
		j.Progress = max(j.Progress, e.Progress)
		j.UpdatedAt = at
	case fanout.BidReceived:
		j := v.job(e.JobID)
		j.Bids++
		j.UpdatedAt = at
	case fanout.Payment:
		v.payments.push(e)
	case fanout.AgentActivity:
		v.activity.push(e)
	case fanout.SwarmRegistered:
		v.swarms.push(e)
	}
}

// Job returns the view of one job
func (v *View) Job(id string) (JobView, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	j, ok := v.jobs[id]
	if !ok {
		return JobView{}, false
	}
	return *j, true
}

// Snapshot copies the whole view, newest feed entries first
func (v *View) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s := Snapshot{
		Jobs:     make([]JobView, 0, len(v.order)),
		Payments: v.payments.items(),
		Activity: v.activity.items(),
		Swarms:   v.swarms.items(),
		Stats: Stats{
			Applied:    v.stats.Applied,
			Duplicates: v.stats.Duplicates,
			Missed:     make(map[string]uint64, len(v.stats.Missed)),
		},
	}
	for i := len(v.order) - 1; i >= 0; i-- {
		s.Jobs = append(s.Jobs, *v.jobs[v.order[i]])
	}
	for k, n := range v.stats.Missed {
		s.Stats.Missed[k] = n
	}
	return s
}

// Follow applies every message of sub until ctx ends or the subscription closes
func Follow(ctx context.Context, sub *fanout.Subscription, v *View) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			v.Apply(msg)
		}
	}
}

type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{buf: make([]T, size)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns the entries newest first
func (r *ring[T]) items() []T {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]T, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}
