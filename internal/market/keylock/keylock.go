// Package keylock serializes work per key: mutations of one job or one ledger
// account run one at a time while different keys proceed in parallel.
package keylock

import (
	"context"
	"sort"
	"sync"
)

// Locker grants exclusive ownership of a key until the returned func is called
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// LockAll acquires every distinct key in sorted order so that two callers
// locking overlapping sets can never deadlock.
func LockAll(ctx context.Context, l Locker, keys ...string) (func(), error) {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	sort.Strings(uniq)

	unlocks := make([]func(), 0, len(uniq))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range uniq {
		unlock, err := l.Lock(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker. Entries are dropped once no caller holds
// or waits on them, so the map does not grow with the number of keys seen.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewLocal creates an in-process locker
func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

// Lock blocks until the key is free or ctx is done
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}

// Len returns the number of keys currently held or awaited
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
