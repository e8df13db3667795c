// Package presence tracks typing signals and unsent drafts per channel and user.
package presence

import "time"

type Timer interface {
	Stop() bool
}

// Clock is the time source for debouncing. Tests swap in a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return realClock{} }
