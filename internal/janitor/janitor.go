// Package janitor reclaims gateway-owned machines that no live actor
// claims. A crash or redeploy that loses workspace records leaves
// machines running with nothing tracking their inactivity; the janitor
// sweeps them on a cron schedule. Stopping is recoverable: the provider
// keeps the machine id valid, so a later request can start it again.
package janitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eurekahq/eureka/internal/provider"
)

// MachineSweeper is the provider slice the janitor needs.
type MachineSweeper interface {
	ListMachines(ctx context.Context) ([]provider.Machine, error)
	StopMachine(ctx context.Context, machineID string) error
}

const (
	// DefaultSchedule sweeps every ten minutes.
	DefaultSchedule = "*/10 * * * *"
	// DefaultMinAge keeps freshly created machines out of a sweep so a
	// machine is never stopped between Create and the actor publishing
	// its claim.
	DefaultMinAge = 10 * time.Minute

	// sweepTimeout bounds provider calls for one whole sweep.
	sweepTimeout = time.Minute
)

// Config configures a Janitor.
type Config struct {
	// Provider lists and stops machines.
	Provider MachineSweeper
	// Claimed returns the machine ids currently owned by live actors,
	// typically Registry.ClaimedMachineIDs.
	Claimed func() map[string]struct{}
	// Schedule is the sweep cron expression. Empty means DefaultSchedule.
	Schedule string
	// MinAge is how old a machine must be before it can be swept.
	// Zero means DefaultMinAge.
	MinAge time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Janitor owns the sweep schedule. Create with New, then Start/Stop.
type Janitor struct {
	provider MachineSweeper
	claimed  func() map[string]struct{}
	minAge   time.Duration
	now      func() time.Time

	cron    *cron.Cron
	sweepMu sync.Mutex // one sweep at a time
}

// New validates cfg and builds a stopped Janitor.
func New(cfg Config) (*Janitor, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("janitor: provider must be configured")
	}
	if cfg.Claimed == nil {
		return nil, fmt.Errorf("janitor: claimed func must be configured")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	minAge := cfg.MinAge
	if minAge <= 0 {
		minAge = DefaultMinAge
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	j := &Janitor{
		provider: cfg.Provider,
		claimed:  cfg.Claimed,
		minAge:   minAge,
		now:      now,
		cron:     cron.New(),
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("janitor: invalid schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins scheduled sweeps.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// sweep runs one pass over the provider's machine list and stops every
// orphan it finds.
func (j *Janitor) sweep() {
	j.sweepMu.Lock()
	defer j.sweepMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	machines, err := j.provider.ListMachines(ctx)
	if err != nil {
		log.Printf("[janitor] list machines: %v", err)
		return
	}

	claimed := j.claimed()
	now := j.now()
	stopped := 0
	for _, m := range machines {
		if !j.orphaned(m, claimed, now) {
			continue
		}
		user := m.Config.Env["USERNAME"]
		repo := m.Config.Env["REPO_NAME"]
		if err := j.provider.StopMachine(ctx, m.ID); err != nil {
			log.Printf("[janitor] stop orphan %s (%s/%s): %v", m.ID, user, repo, err)
			continue
		}
		stopped++
		log.Printf("[janitor] stopped orphan machine %s (%s/%s, created %s)", m.ID, user, repo, m.CreatedAt)
	}
	if stopped > 0 {
		log.Printf("[janitor] sweep stopped %d orphaned machine(s) of %d listed", stopped, len(machines))
	}
}

// orphaned reports whether m should be stopped: it carries the
// gateway's env contract, reports started, predates the grace cutoff,
// and no live actor claims it. Machines with a missing or unparseable
// created_at are left alone rather than guessed at.
func (j *Janitor) orphaned(m provider.Machine, claimed map[string]struct{}, now time.Time) bool {
	if !m.Owned() || m.State != provider.StateStarted {
		return false
	}
	if _, ok := claimed[m.ID]; ok {
		return false
	}
	created, ok := m.CreatedTime()
	if !ok {
		return false
	}
	return now.Sub(created) > j.minAge
}
