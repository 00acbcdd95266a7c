// Package testutil holds in-memory fakes shared by the lifecycle,
// gateway, and control-plane tests.
package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/eurekahq/eureka/internal/provider"
)

// FakeProvider is an in-memory machine provider with call recording and
// per-operation hooks. The zero value is not usable; construct with
// NewFakeProvider.
type FakeProvider struct {
	// Hooks override the default in-memory behavior when non-nil.
	CreateFn func(overrides map[string]any) (provider.Machine, error)
	StartFn  func(machineID string) error
	StopFn   func(machineID string) error
	ListFn   func() ([]provider.Machine, error)

	mu          sync.Mutex
	machines    map[string]provider.Machine
	order       []string
	nextID      int
	createCalls int
	startCalls  []string
	stopCalls   []string
	listCalls   int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{machines: make(map[string]provider.Machine)}
}

// AppName used for internal hostnames.
const FakeAppName = "eureka-test"

func (f *FakeProvider) InternalHost(machineID string) string {
	return provider.InternalHost(FakeAppName, machineID)
}

// AddMachine seeds a machine as if it already existed at the provider.
func (f *FakeProvider) AddMachine(m provider.Machine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.machines[m.ID]; !ok {
		f.order = append(f.order, m.ID)
	}
	f.machines[m.ID] = m
}

func (f *FakeProvider) CreateMachine(ctx context.Context, overrides map[string]any) (provider.Machine, error) {
	f.mu.Lock()
	f.createCalls++
	fn := f.CreateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(overrides)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m := provider.Machine{
		ID:    fmt.Sprintf("m_%d", f.nextID),
		Name:  fmt.Sprintf("fake-%d", f.nextID),
		State: provider.StateStarted,
	}
	if env := envFromOverrides(overrides); env != nil {
		m.Config.Env = env
	}
	f.machines[m.ID] = m
	f.order = append(f.order, m.ID)
	return m, nil
}

func (f *FakeProvider) StartMachine(ctx context.Context, machineID string) error {
	f.mu.Lock()
	f.startCalls = append(f.startCalls, machineID)
	fn := f.StartFn
	f.mu.Unlock()
	if fn != nil {
		return fn(machineID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[machineID]
	if !ok {
		return &provider.Error{Kind: provider.KindNotFound, Op: "start_machine", Status: 404, Detail: "machine not found"}
	}
	m.State = provider.StateStarted
	f.machines[machineID] = m
	return nil
}

func (f *FakeProvider) StopMachine(ctx context.Context, machineID string) error {
	f.mu.Lock()
	f.stopCalls = append(f.stopCalls, machineID)
	fn := f.StopFn
	f.mu.Unlock()
	if fn != nil {
		return fn(machineID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[machineID]
	if !ok {
		return &provider.Error{Kind: provider.KindNotFound, Op: "stop_machine", Status: 404, Detail: "machine not found"}
	}
	m.State = provider.StateStopped
	f.machines[machineID] = m
	return nil
}

func (f *FakeProvider) ListMachines(ctx context.Context) ([]provider.Machine, error) {
	f.mu.Lock()
	f.listCalls++
	fn := f.ListFn
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.Machine, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.machines[id])
	}
	return out, nil
}

// Machine returns the provider's view of machineID.
func (f *FakeProvider) Machine(machineID string) (provider.Machine, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[machineID]
	return m, ok
}

func (f *FakeProvider) CreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *FakeProvider) StartCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.startCalls))
	copy(out, f.startCalls)
	return out
}

func (f *FakeProvider) StopCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stopCalls))
	copy(out, f.stopCalls)
	return out
}

func (f *FakeProvider) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func envFromOverrides(overrides map[string]any) map[string]string {
	cfg, _ := overrides["config"].(map[string]any)
	raw, _ := cfg["env"].(map[string]any)
	if len(raw) == 0 {
		return nil
	}
	env := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			env[k] = s
		}
	}
	return env
}

// NXDOMAINError builds the classified error a dial against a stopped
// machine's internal hostname produces.
func NXDOMAINError(op, host string) error {
	return provider.ClassifyTransport(op, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true})
}
