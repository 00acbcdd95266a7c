// Package scanloop runs a periodic sweep at a jittered cadence. The
// jitter keeps independent sweepers (actor reaper, machine janitor)
// from synchronizing their provider traffic into bursts.
package scanloop

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultMinInterval and DefaultJitterRange define the shared sweep cadence.
	DefaultMinInterval = time.Minute
	DefaultJitterRange = 15 * time.Second
)

// Run calls fn every minInterval + random([0, jitterRange)) until
// stopCh is closed. The first call happens after one full interval, not
// immediately, so process startup stays quiet.
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}
