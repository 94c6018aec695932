package execution

import "time"

// Timer is the subset of *time.Timer the queue needs
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Clock supplies time to the queue so retries and timeouts can be driven by tests
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock returns the wall clock
func RealClock() Clock { return realClock{} }
