package core

import "time"

// Clock abstracts time for components whose behavior depends on it
// (rate windows, TTLs, expiry checks), so tests can be deterministic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
