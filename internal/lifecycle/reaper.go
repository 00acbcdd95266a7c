package lifecycle

import (
	"log"
	"sync"
	"time"

	"github.com/eurekahq/eureka/internal/scanloop"
	"github.com/eurekahq/eureka/internal/workspace"
)

// DefaultReapGrace is how long a suspended or machineless actor may sit
// idle before the reaper removes it from the registry.
const DefaultReapGrace = 10 * time.Minute

// Reaper periodically sweeps the registry for actors whose machine is
// stopped (or was never provisioned) and that have been idle past a
// grace period, and removes them. The machine record in the store
// survives, so a later request re-creates the actor and restarts the
// same machine.
type Reaper struct {
	registry    *Registry
	grace       time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	minInterval time.Duration
	jitterRange time.Duration

	// test hook: called at the beginning of each sweep.
	sweepHook func()
}

func NewReaper(registry *Registry, grace time.Duration) *Reaper {
	return newReaperWithIntervals(registry, grace, scanloop.DefaultMinInterval, scanloop.DefaultJitterRange)
}

func newReaperWithIntervals(registry *Registry, grace time.Duration, minInterval, jitterRange time.Duration) *Reaper {
	if grace <= 0 {
		grace = DefaultReapGrace
	}
	return &Reaper{
		registry:    registry,
		grace:       grace,
		stopCh:      make(chan struct{}),
		minInterval: minInterval,
		jitterRange: jitterRange,
	}
}

func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		scanloop.Run(r.stopCh, r.minInterval, r.jitterRange, r.sweep)
	}()
}

func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reaper) sweep() {
	if r.sweepHook != nil {
		r.sweepHook()
	}

	now := time.Now()
	for _, a := range r.candidates(now) {
		// Re-check against the live snapshot: the actor may have picked
		// up work between collection and removal.
		info := a.Info()
		if !r.reapable(info, now) {
			continue
		}
		r.registry.Remove(a)
		log.Printf("[reaper] %s (%s/%s): reaped idle actor (machine=%q suspended=%v)",
			info.Hash, info.Key.User, info.Key.Repo, info.MachineID, info.Suspended)
	}
}

func (r *Reaper) candidates(now time.Time) []*Actor {
	var out []*Actor
	r.registry.actors.Range(func(_ workspace.Key, a *Actor) bool {
		select {
		case <-r.stopCh:
			return false
		default:
		}
		if r.reapable(a.Info(), now) {
			out = append(out, a)
		}
		return true
	})
	return out
}

// reapable reports whether an actor in this state can be removed: idle
// past the grace period, not mid-operation, and without a running
// machine. Actors with a running machine are left to their inactivity
// timer.
func (r *Reaper) reapable(info Info, now time.Time) bool {
	if info.Pending {
		return false
	}
	if info.MachineID != "" && !info.Suspended {
		return false
	}
	return now.Sub(info.LastActivity) > r.grace
}
