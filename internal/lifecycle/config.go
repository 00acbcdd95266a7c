package lifecycle

import (
	"context"
	"time"

	"github.com/eurekahq/eureka/internal/provider"
	"github.com/eurekahq/eureka/internal/store"
	"github.com/eurekahq/eureka/internal/workspace"
)

// ProviderAPI is the slice of the provider client the actor consumes.
type ProviderAPI interface {
	CreateMachine(ctx context.Context, overrides map[string]any) (provider.Machine, error)
	StartMachine(ctx context.Context, machineID string) error
	StopMachine(ctx context.Context, machineID string) error
	ListMachines(ctx context.Context) ([]provider.Machine, error)
	InternalHost(machineID string) string
}

// RecordStore persists machine records across restarts.
type RecordStore interface {
	Load(key workspace.Key) (store.Record, error)
	Save(key workspace.Key, rec store.Record) error
}

// EventEmitter receives lifecycle events; the metrics manager implements
// it. Implementations must not block.
type EventEmitter interface {
	EmitMachineCreated(key workspace.Key, machineID string)
	EmitMachineAdopted(key workspace.Key, machineID string)
	EmitMachineStarted(key workspace.Key, machineID string)
	EmitMachineStopped(key workspace.Key, machineID string)
	EmitMachineRecovered(key workspace.Key, machineID string)
	EmitEnsureFailed(key workspace.Key, err error)
}

// NoOpEventEmitter discards all lifecycle events.
type NoOpEventEmitter struct{}

func (NoOpEventEmitter) EmitMachineCreated(workspace.Key, string)   {}
func (NoOpEventEmitter) EmitMachineAdopted(workspace.Key, string)   {}
func (NoOpEventEmitter) EmitMachineStarted(workspace.Key, string)   {}
func (NoOpEventEmitter) EmitMachineStopped(workspace.Key, string)   {}
func (NoOpEventEmitter) EmitMachineRecovered(workspace.Key, string) {}
func (NoOpEventEmitter) EmitEnsureFailed(workspace.Key, error)      {}

// Defaults for actor behavior knobs.
const (
	DefaultInactivityTimeout = 30 * time.Minute
	DefaultMachineOpTimeout  = 5 * time.Second
)

// Config carries the shared dependencies for every actor the registry
// spawns.
type Config struct {
	Provider ProviderAPI
	Store    RecordStore
	Events   EventEmitter

	// InactivityTimeout is read on every arm so runtime config changes
	// apply to the next reset. <= 0 disables auto-suspend.
	InactivityTimeout func() time.Duration

	// MachineOpTimeout bounds each MachineRequest attempt.
	MachineOpTimeout time.Duration

	// RetryBase is the first backoff delay in recovery retries.
	// Tests shrink it; production uses the backoff default.
	RetryBase time.Duration
}

func (c Config) normalized() Config {
	if c.Events == nil {
		c.Events = NoOpEventEmitter{}
	}
	if c.InactivityTimeout == nil {
		c.InactivityTimeout = func() time.Duration { return DefaultInactivityTimeout }
	}
	if c.MachineOpTimeout <= 0 {
		c.MachineOpTimeout = DefaultMachineOpTimeout
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	return c
}
