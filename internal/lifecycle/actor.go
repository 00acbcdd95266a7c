// Package lifecycle implements the per-workspace machine lifecycle: one
// serialized actor per (session, user, repo) key owning a machine ID
// and an inactivity timer, plus the process-wide registry that
// deduplicates actors by key.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eurekahq/eureka/internal/workspace"
)

// ErrNoMachine is the expected pre-provisioning state: the actor has no
// machine id and creation has not been attempted or has failed.
var ErrNoMachine = errors.New("no machine for workspace")

// ErrActorStopped is returned for calls against a reaped or shut-down
// actor. Fetching the actor again from the registry yields a fresh one.
var ErrActorStopped = errors.New("workspace actor stopped")

// inboxSize bounds queued operations per actor. Callers past this block
// in send with their own deadline.
const inboxSize = 64

// Info is the actor's published snapshot. Observers read it lock-free;
// only the actor's own goroutine writes it.
type Info struct {
	Key          workspace.Key
	Hash         workspace.Hash
	MachineID    string
	Suspended    bool
	Pending      bool
	TimerArmed   bool
	LastActivity time.Time
}

type msgKind int

const (
	msgGet msgKind = iota
	msgEnsure
	msgSuspend
	msgMachineOp
	msgInactivity
)

type message struct {
	kind msgKind
	op   MachineOp
	gen  uint64
	// reply is buffered (size 1) so the actor never blocks on a caller
	// that timed out and walked away.
	reply chan result
}

type result struct {
	machineID string
	value     any
	err       error
}

// Actor owns the lifecycle of one workspace. All state below the inbox
// is confined to the run goroutine; external access goes through calls
// or the published Info snapshot.
type Actor struct {
	key  workspace.Key
	hash workspace.Hash
	cfg  Config

	inbox    chan message
	stopCh   chan struct{}
	stopOnce sync.Once

	info atomic.Pointer[Info]

	machineID    string
	suspended    bool
	timer        *time.Timer
	timerGen     uint64
	lastActivity time.Time
}

func newActor(key workspace.Key, cfg Config) *Actor {
	a := &Actor{
		key:    key,
		hash:   key.Hash(),
		cfg:    cfg,
		inbox:  make(chan message, inboxSize),
		stopCh: make(chan struct{}),
		// Creation counts as activity: the reaper's idle clock starts
		// now, not at the zero time.
		lastActivity: time.Now(),
	}
	a.publishInfo(false)
	go a.run()
	return a
}

// Key returns the actor's workspace key.
func (a *Actor) Key() workspace.Key { return a.key }

// Hash returns the actor's workspace hash.
func (a *Actor) Hash() workspace.Hash { return a.hash }

// Info returns the latest published snapshot.
func (a *Actor) Info() Info { return *a.info.Load() }

// GetMachineID returns the current machine id without touching the
// provider. ErrNoMachine is expected before provisioning; the landing
// UI polls this until it resolves.
func (a *Actor) GetMachineID(ctx context.Context) (string, error) {
	res, err := a.call(ctx, message{kind: msgGet})
	if err != nil {
		return "", err
	}
	return res.machineID, res.err
}

// EnsureMachine returns the id of a running machine for this workspace,
// provisioning or reactivating as needed. Concurrent callers are
// serialized and all observe the same id.
func (a *Actor) EnsureMachine(ctx context.Context) (string, error) {
	res, err := a.call(ctx, message{kind: msgEnsure})
	if err != nil {
		return "", err
	}
	return res.machineID, res.err
}

// Suspend stops the machine, keeping its id for a later restart.
// Returns the id that was stopped.
func (a *Actor) Suspend(ctx context.Context) (string, error) {
	res, err := a.call(ctx, message{kind: msgSuspend})
	if err != nil {
		return "", err
	}
	return res.machineID, res.err
}

// MachineRequest runs op against the workspace machine, provisioning
// when no machine exists and recovering (start + retry) when the
// machine is suspended or still booting.
func (a *Actor) MachineRequest(ctx context.Context, op MachineOp) (any, error) {
	res, err := a.call(ctx, message{kind: msgMachineOp, op: op})
	if err != nil {
		return nil, err
	}
	return res.value, res.err
}

// call delivers m to the run loop and waits for the reply. The context
// bounds only the caller's wait; once the actor picks the message up it
// runs the operation to completion regardless.
func (a *Actor) call(ctx context.Context, m message) (result, error) {
	m.reply = make(chan result, 1)
	select {
	case a.inbox <- m:
	case <-a.stopCh:
		return result{}, ErrActorStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res := <-m.reply:
		return res, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-a.stopCh:
		// The actor may have finished the op just before stopping;
		// prefer a reply already in flight.
		select {
		case res := <-m.reply:
			return res, nil
		default:
			return result{}, ErrActorStopped
		}
	}
}

// stop terminates the run loop. In-flight work finishes first; later
// calls fail with ErrActorStopped. The machine itself is untouched.
func (a *Actor) stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *Actor) stopped() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

func (a *Actor) run() {
	for {
		select {
		case <-a.stopCh:
			a.cancelTimer()
			a.drainInbox()
			return
		case m := <-a.inbox:
			a.publishInfo(true)
			a.handle(m)
			a.publishInfo(false)
		}
	}
}

// drainInbox fails queued callers after stop so none of them waits out
// its full deadline.
func (a *Actor) drainInbox() {
	for {
		select {
		case m := <-a.inbox:
			if m.reply != nil {
				m.reply <- result{err: ErrActorStopped}
			}
		default:
			return
		}
	}
}

func (a *Actor) handle(m message) {
	var res result
	switch m.kind {
	case msgGet:
		if a.machineID == "" {
			res.err = ErrNoMachine
		} else {
			a.touch()
			res.machineID = a.machineID
		}
	case msgEnsure:
		res.machineID, res.err = a.ensure()
	case msgSuspend:
		res.machineID, res.err = a.suspend()
	case msgMachineOp:
		res.value, res.err = a.machineRequest(m.op)
	case msgInactivity:
		a.inactivityFired(m.gen)
		return
	}
	if m.reply != nil {
		m.reply <- res
	}
}

func (a *Actor) publishInfo(pending bool) {
	a.info.Store(&Info{
		Key:          a.key,
		Hash:         a.hash,
		MachineID:    a.machineID,
		Suspended:    a.suspended,
		Pending:      pending,
		TimerArmed:   a.timer != nil,
		LastActivity: a.lastActivity,
	})
}

// touch records activity and re-arms the inactivity timer.
func (a *Actor) touch() {
	a.lastActivity = time.Now()
	a.armTimer()
}

func (a *Actor) armTimer() {
	a.cancelTimer()
	d := a.cfg.InactivityTimeout()
	if d <= 0 {
		return
	}
	gen := a.timerGen
	a.timer = time.AfterFunc(d, func() { a.enqueueInactivity(gen) })
}

// cancelTimer stops any armed timer and bumps the generation so a fire
// already in flight is discarded as stale.
func (a *Actor) cancelTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerGen++
}

func (a *Actor) enqueueInactivity(gen uint64) {
	select {
	case a.inbox <- message{kind: msgInactivity, gen: gen}:
	case <-a.stopCh:
	}
}

