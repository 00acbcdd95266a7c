package lifecycle

import (
	"context"
	"errors"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/eurekahq/eureka/internal/workspace"
)

// Registry is the process-wide actor table. It deduplicates actors by
// workspace key so every request for a key funnels into the same
// serialized run loop, and uses xsync.Compute for atomic
// create-or-return and verify-then-delete.
type Registry struct {
	cfg    Config
	actors *xsync.Map[workspace.Key, *Actor]
}

// NewRegistry creates an empty registry. cfg is shared by every actor
// the registry spawns.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:    cfg.normalized(),
		actors: xsync.NewMap[workspace.Key, *Actor](),
	}
}

// Get returns the actor for key, creating it on first use. An actor the
// reaper stopped between lookup and use is dropped and replaced with a
// fresh one, which re-hydrates from the record store.
func (r *Registry) Get(key workspace.Key) *Actor {
	for {
		var a *Actor
		r.actors.Compute(key, func(cur *Actor, loaded bool) (*Actor, xsync.ComputeOp) {
			if loaded {
				a = cur
				return cur, xsync.CancelOp
			}
			a = newActor(key, r.cfg)
			return a, xsync.UpdateOp
		})
		if !a.stopped() {
			return a
		}
		r.removeEntry(key, a)
	}
}

// EnsureMachine resolves the actor for key and returns a running
// machine id. Retries once through a fresh actor when the reaper won
// a race against this call.
func (r *Registry) EnsureMachine(ctx context.Context, key workspace.Key) (string, error) {
	id, err := r.Get(key).EnsureMachine(ctx)
	if errors.Is(err, ErrActorStopped) {
		return r.Get(key).EnsureMachine(ctx)
	}
	return id, err
}

// Lookup returns the live actor for key without creating one.
func (r *Registry) Lookup(key workspace.Key) (*Actor, bool) {
	a, ok := r.actors.Load(key)
	if !ok || a.stopped() {
		return nil, false
	}
	return a, true
}

// Remove detaches and stops a. The map entry is deleted first so a
// racing Get creates a replacement instead of returning a dying actor.
// No-op when the entry was already replaced.
func (r *Registry) Remove(a *Actor) {
	r.removeEntry(a.key, a)
	a.stop()
}

// removeEntry deletes the entry for key only while it still holds a.
func (r *Registry) removeEntry(key workspace.Key, a *Actor) {
	r.actors.Compute(key, func(cur *Actor, loaded bool) (*Actor, xsync.ComputeOp) {
		if !loaded || cur != a {
			return cur, xsync.CancelOp
		}
		return nil, xsync.DeleteOp
	})
}

// Size returns the number of registered actors.
func (r *Registry) Size() int {
	return r.actors.Size()
}

// Snapshot returns the published Info of every registered actor.
func (r *Registry) Snapshot() []Info {
	out := make([]Info, 0, r.actors.Size())
	r.actors.Range(func(_ workspace.Key, a *Actor) bool {
		out = append(out, a.Info())
		return true
	})
	return out
}

// ClaimedMachineIDs returns the machine ids currently owned by live
// actors. The janitor treats every other env-matching machine as an
// orphan candidate.
func (r *Registry) ClaimedMachineIDs() map[string]struct{} {
	out := make(map[string]struct{}, r.actors.Size())
	r.actors.Range(func(_ workspace.Key, a *Actor) bool {
		if info := a.Info(); info.MachineID != "" {
			out[info.MachineID] = struct{}{}
		}
		return true
	})
	return out
}

// Close stops every actor. Machines keep running; only the in-process
// loops and timers go away. Call after the inbound listeners drain.
func (r *Registry) Close() {
	r.actors.Range(func(key workspace.Key, a *Actor) bool {
		r.removeEntry(key, a)
		a.stop()
		return true
	})
}
