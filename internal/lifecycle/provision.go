package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/eurekahq/eureka/internal/backoff"
	"github.com/eurekahq/eureka/internal/provider"
	"github.com/eurekahq/eureka/internal/store"
)

// ensure implements the EnsureMachine algorithm. Runs on the actor
// goroutine.
//
// Warm path: a known-running machine is returned without a provider
// round-trip. A machine this actor suspended is started again first.
// Cold path: store record, then provider list (orphan adoption), then
// create.
func (a *Actor) ensure() (string, error) {
	if a.machineID != "" {
		if !a.suspended {
			a.touch()
			return a.machineID, nil
		}

		err := a.cfg.Provider.StartMachine(context.Background(), a.machineID)
		switch {
		case err == nil:
			a.suspended = false
			a.cfg.Events.EmitMachineStarted(a.key, a.machineID)
			a.touch()
			return a.machineID, nil
		case provider.IsNotFound(err):
			// Destroyed while suspended (auto_destroy). Forget the id
			// and reprovision.
			log.Printf("[lifecycle] %s (%s/%s): suspended machine %s is gone, reprovisioning", a.hash, a.key.User, a.key.Repo, a.machineID)
			a.machineID = ""
			a.suspended = false
		default:
			// The machine exists; creating another here would violate
			// the one-VM-per-workspace rule.
			a.cfg.Events.EmitEnsureFailed(a.key, err)
			return "", err
		}
	}

	// Step 2: stored record from a previous process.
	rec, err := a.cfg.Store.Load(a.key)
	switch {
	case err == nil:
		startErr := a.cfg.Provider.StartMachine(context.Background(), rec.MachineID)
		if startErr == nil {
			a.adopt(rec.MachineID, false)
			a.cfg.Events.EmitMachineStarted(a.key, rec.MachineID)
			return a.machineID, nil
		}
		log.Printf("[lifecycle] %s (%s/%s): start of stored machine %s failed (%v), falling back to discovery", a.hash, a.key.User, a.key.Repo, rec.MachineID, startErr)
	case errors.Is(err, store.ErrNotFound):
		// First contact for this key.
	default:
		log.Printf("[lifecycle] %s (%s/%s): unreadable machine record (%v), treating as absent", a.hash, a.key.User, a.key.Repo, err)
	}

	// Step 3: adopt an orphan whose env matches this workspace.
	machines, listErr := a.cfg.Provider.ListMachines(context.Background())
	if listErr != nil {
		log.Printf("[lifecycle] %s (%s/%s): list machines failed (%v), proceeding to create", a.hash, a.key.User, a.key.Repo, listErr)
	} else {
		var matches []provider.Machine
		for _, m := range machines {
			if m.ID != "" && m.EnvMatches(a.key.User, a.key.Repo) {
				matches = append(matches, m)
			}
		}
		if len(matches) == 1 {
			m := matches[0]
			if m.State != provider.StateStarted {
				if startErr := a.cfg.Provider.StartMachine(context.Background(), m.ID); startErr != nil {
					log.Printf("[lifecycle] %s (%s/%s): start of adopted machine %s failed: %v", a.hash, a.key.User, a.key.Repo, m.ID, startErr)
				}
			}
			a.adopt(m.ID, true)
			a.cfg.Events.EmitMachineAdopted(a.key, m.ID)
			log.Printf("[lifecycle] %s (%s/%s): adopted machine %s", a.hash, a.key.User, a.key.Repo, m.ID)
			return a.machineID, nil
		}
		if len(matches) > 1 {
			// Same user/repo under several sessions is indistinguishable
			// from env alone; fall through to create.
			log.Printf("[lifecycle] %s (%s/%s): %d env matches, creating a fresh machine", a.hash, a.key.User, a.key.Repo, len(matches))
		}
	}

	// Step 4: create.
	m, createErr := a.cfg.Provider.CreateMachine(context.Background(), provider.EnvOverride(a.key.User, a.key.Repo))
	if createErr != nil {
		a.cfg.Events.EmitEnsureFailed(a.key, createErr)
		return "", createErr
	}
	a.adopt(m.ID, true)
	a.cfg.Events.EmitMachineCreated(a.key, m.ID)
	log.Printf("[lifecycle] %s (%s/%s): created machine %s", a.hash, a.key.User, a.key.Repo, m.ID)
	return a.machineID, nil
}

// adopt records id as this workspace's machine and arms the timer.
// Persistence failures are non-fatal: the provider is the ground truth
// and the id survives in memory.
func (a *Actor) adopt(id string, persist bool) {
	a.machineID = id
	a.suspended = false
	if persist {
		if err := a.cfg.Store.Save(a.key, store.Record{MachineID: id}); err != nil {
			log.Printf("[lifecycle] %s (%s/%s): persist machine id: %v", a.hash, a.key.User, a.key.Repo, err)
		}
	}
	a.touch()
}

// suspend stops the machine, keeping the id in memory for restart. The
// timer is cancelled even when the stop fails.
func (a *Actor) suspend() (string, error) {
	if a.machineID == "" {
		return "", ErrNoMachine
	}
	err := a.cfg.Provider.StopMachine(context.Background(), a.machineID)
	a.cancelTimer()
	if err != nil {
		return "", err
	}
	a.suspended = true
	a.lastActivity = time.Now()
	a.cfg.Events.EmitMachineStopped(a.key, a.machineID)
	log.Printf("[lifecycle] %s (%s/%s): suspended machine %s", a.hash, a.key.User, a.key.Repo, a.machineID)
	return a.machineID, nil
}

// inactivityFired handles the timer's message. Stale generations (the
// timer was re-armed or cancelled after firing) and already-suspended
// machines are ignored, which makes firing idempotent against a
// concurrent manual Suspend.
func (a *Actor) inactivityFired(gen uint64) {
	if gen != a.timerGen {
		return
	}
	a.timer = nil
	if a.machineID == "" || a.suspended {
		return
	}
	if _, err := a.suspend(); err != nil {
		log.Printf("[lifecycle] %s (%s/%s): auto-suspend of %s failed: %v", a.hash, a.key.User, a.key.Repo, a.machineID, err)
	}
}

// machineRequest runs op against the machine with the recovery
// protocol: NXDOMAIN or timeout means suspended-or-booting, so start
// the machine once and retry the op with backoff.
func (a *Actor) machineRequest(op MachineOp) (any, error) {
	if a.machineID == "" {
		if _, err := a.ensure(); err != nil {
			return nil, fmt.Errorf("%w: provisioning failed: %v", ErrNoMachine, err)
		}
	}

	baseURL := machineBaseURL(a.cfg.Provider, a.machineID)
	runOp := func(ctx context.Context) (any, error) {
		opCtx, cancel := context.WithTimeout(ctx, a.cfg.MachineOpTimeout)
		defer cancel()
		return op.Run(opCtx, baseURL)
	}

	v, err := runOp(context.Background())
	if err == nil {
		a.suspended = false
		a.touch()
		return v, nil
	}
	if !provider.IsRetryableTransport(err) {
		return nil, err
	}

	// Machine suspended or still booting: exactly one start, then retry.
	if startErr := a.cfg.Provider.StartMachine(context.Background(), a.machineID); startErr != nil {
		log.Printf("[lifecycle] %s (%s/%s): recovery start of %s failed: %v", a.hash, a.key.User, a.key.Repo, a.machineID, startErr)
		return nil, err
	}
	a.suspended = false

	v, retryErr := backoff.Retry(context.Background(), runOp, provider.IsRetryableTransport, backoff.DefaultAttempts, a.cfg.RetryBase, backoff.DefaultMultiplier)
	if retryErr != nil {
		return nil, retryErr
	}
	a.cfg.Events.EmitMachineRecovered(a.key, a.machineID)
	a.touch()
	return v, nil
}
