package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eurekahq/eureka/internal/provider"
	"github.com/eurekahq/eureka/internal/store"
	"github.com/eurekahq/eureka/internal/testutil"
	"github.com/eurekahq/eureka/internal/workspace"
)

var testKey = workspace.Key{SessionID: "sess_1", User: "alice", Repo: "demo"}

type recordedEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordedEvents) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordedEvents) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordedEvents) has(ev string) bool {
	for _, e := range r.list() {
		if e == ev {
			return true
		}
	}
	return false
}

func (r *recordedEvents) EmitMachineCreated(_ workspace.Key, id string) { r.add("created:" + id) }
func (r *recordedEvents) EmitMachineAdopted(_ workspace.Key, id string) { r.add("adopted:" + id) }
func (r *recordedEvents) EmitMachineStarted(_ workspace.Key, id string) { r.add("started:" + id) }
func (r *recordedEvents) EmitMachineStopped(_ workspace.Key, id string) { r.add("stopped:" + id) }
func (r *recordedEvents) EmitMachineRecovered(_ workspace.Key, id string) {
	r.add("recovered:" + id)
}
func (r *recordedEvents) EmitEnsureFailed(_ workspace.Key, err error) { r.add("ensure_failed") }

// actorEnv wires an actor to a fake provider and a real on-disk store.
type actorEnv struct {
	provider *testutil.FakeProvider
	store    *store.Store
	events   *recordedEvents
	cfg      Config
}

func newActorEnv(t *testing.T) *actorEnv {
	t.Helper()
	e := &actorEnv{
		provider: testutil.NewFakeProvider(),
		store:    store.New(t.TempDir()),
		events:   &recordedEvents{},
	}
	e.cfg = Config{
		Provider: e.provider,
		Store:    e.store,
		Events:   e.events,
		// Auto-suspend off unless a test opts in.
		InactivityTimeout: func() time.Duration { return 0 },
		MachineOpTimeout:  time.Second,
		RetryBase:         5 * time.Millisecond,
	}.normalized()
	return e
}

func (e *actorEnv) actor(t *testing.T) *Actor {
	t.Helper()
	a := newActor(testKey, e.cfg)
	t.Cleanup(a.stop)
	return a
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeOp is a MachineOp backed by a closure.
type fakeOp struct {
	name string
	run  func(ctx context.Context, baseURL string) (any, error)
}

func (o fakeOp) Name() string { return o.name }
func (o fakeOp) Run(ctx context.Context, baseURL string) (any, error) {
	return o.run(ctx, baseURL)
}

func TestEnsure_ConcurrentCallersCreateOnce(t *testing.T) {
	env := newActorEnv(t)
	a := env.actor(t)

	const callers = 10
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = a.EnsureMachine(testCtx(t))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d saw machine %q, caller 0 saw %q", i, ids[i], ids[0])
		}
	}
	if got := env.provider.CreateCalls(); got != 1 {
		t.Fatalf("CreateMachine called %d times, want 1", got)
	}

	rec, err := env.store.Load(testKey)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.MachineID != ids[0] {
		t.Fatalf("persisted machine %q, want %q", rec.MachineID, ids[0])
	}
}

func TestEnsure_SecondCallSkipsProvider(t *testing.T) {
	env := newActorEnv(t)
	a := env.actor(t)

	id, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}

	before := env.provider.CreateCalls() + len(env.provider.StartCalls()) + env.provider.ListCalls()
	again, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if again != id {
		t.Fatalf("second ensure returned %q, want %q", again, id)
	}
	after := env.provider.CreateCalls() + len(env.provider.StartCalls()) + env.provider.ListCalls()
	if after != before {
		t.Fatalf("warm ensure hit the provider (%d calls before, %d after)", before, after)
	}
}

func TestEnsure_RestartsMachineFromStore(t *testing.T) {
	env := newActorEnv(t)
	env.provider.AddMachine(provider.Machine{ID: "m_1", State: provider.StateStopped})
	if err := env.store.Save(testKey, store.Record{MachineID: "m_1"}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	a := env.actor(t)
	id, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if id != "m_1" {
		t.Fatalf("ensure returned %q, want m_1", id)
	}
	if got := env.provider.CreateCalls(); got != 0 {
		t.Fatalf("CreateMachine called %d times for a stored machine", got)
	}
	if starts := env.provider.StartCalls(); len(starts) != 1 || starts[0] != "m_1" {
		t.Fatalf("StartCalls = %v, want [m_1]", starts)
	}
}

func TestEnsure_AdoptsOrphanByEnv(t *testing.T) {
	env := newActorEnv(t)
	env.provider.AddMachine(provider.Machine{
		ID:    "m_orphan",
		State: provider.StateStarted,
		Config: provider.MachineConfig{
			Env: map[string]string{"USERNAME": "alice", "REPO_NAME": "demo"},
		},
	})
	// A machine for someone else must not confuse adoption.
	env.provider.AddMachine(provider.Machine{
		ID:    "m_other",
		State: provider.StateStarted,
		Config: provider.MachineConfig{
			Env: map[string]string{"USERNAME": "bob", "REPO_NAME": "demo"},
		},
	})

	a := env.actor(t)
	id, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if id != "m_orphan" {
		t.Fatalf("ensure returned %q, want m_orphan", id)
	}
	if got := env.provider.CreateCalls(); got != 0 {
		t.Fatalf("CreateMachine called %d times despite adoptable orphan", got)
	}
	if !env.events.has("adopted:m_orphan") {
		t.Fatalf("no adoption event, got %v", env.events.list())
	}

	rec, err := env.store.Load(testKey)
	if err != nil || rec.MachineID != "m_orphan" {
		t.Fatalf("adopted id not persisted: rec=%+v err=%v", rec, err)
	}
}

func TestEnsure_StartsStoppedOrphanBeforeAdopting(t *testing.T) {
	env := newActorEnv(t)
	env.provider.AddMachine(provider.Machine{
		ID:    "m_cold",
		State: provider.StateStopped,
		Config: provider.MachineConfig{
			Env: map[string]string{"USERNAME": "alice", "REPO_NAME": "demo"},
		},
	})

	a := env.actor(t)
	id, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if id != "m_cold" {
		t.Fatalf("ensure returned %q, want m_cold", id)
	}
	if starts := env.provider.StartCalls(); len(starts) != 1 || starts[0] != "m_cold" {
		t.Fatalf("StartCalls = %v, want [m_cold]", starts)
	}
}

func TestEnsure_CorruptRecordFallsThroughToCreate(t *testing.T) {
	env := newActorEnv(t)

	// Write garbage where the record should be; the store reports it as
	// corrupt and the actor treats the key as absent.
	dir := t.TempDir()
	env.store = store.New(dir)
	env.cfg.Store = env.store
	path := filepath.Join(dir, testKey.SessionID, testKey.User, testKey.Repo+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"bogus":1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	a := env.actor(t)
	id, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if env.provider.ListCalls() != 1 {
		t.Fatalf("ListMachines called %d times, want 1", env.provider.ListCalls())
	}
	if env.provider.CreateCalls() != 1 {
		t.Fatalf("CreateMachine called %d times, want 1", env.provider.CreateCalls())
	}

	rec, loadErr := env.store.Load(testKey)
	if loadErr != nil {
		t.Fatalf("record not overwritten: %v", loadErr)
	}
	if rec.MachineID != id {
		t.Fatalf("persisted machine %q, want %q", rec.MachineID, id)
	}
}

func TestEnsure_FailureLeavesActorUsable(t *testing.T) {
	env := newActorEnv(t)
	boom := errors.New("provider down")
	fail := true
	var mu sync.Mutex
	env.provider.CreateFn = func(overrides map[string]any) (provider.Machine, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return provider.Machine{}, boom
		}
		return provider.Machine{ID: "m_late", State: provider.StateStarted}, nil
	}

	a := env.actor(t)
	if _, err := a.EnsureMachine(testCtx(t)); !errors.Is(err, boom) {
		t.Fatalf("ensure error = %v, want %v", err, boom)
	}
	if !env.events.has("ensure_failed") {
		t.Fatalf("no ensure_failed event, got %v", env.events.list())
	}
	if _, err := a.GetMachineID(testCtx(t)); !errors.Is(err, ErrNoMachine) {
		t.Fatalf("GetMachineID after failed ensure = %v, want ErrNoMachine", err)
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	id, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("ensure after recovery: %v", err)
	}
	if id != "m_late" {
		t.Fatalf("ensure returned %q, want m_late", id)
	}
}

func TestSuspend_StopsMachineAndEnsureRestartsIt(t *testing.T) {
	env := newActorEnv(t)
	a := env.actor(t)

	id, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	stopped, err := a.Suspend(testCtx(t))
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if stopped != id {
		t.Fatalf("suspend stopped %q, want %q", stopped, id)
	}
	if stops := env.provider.StopCalls(); len(stops) != 1 || stops[0] != id {
		t.Fatalf("StopCalls = %v, want [%s]", stops, id)
	}
	if !a.Info().Suspended {
		t.Fatal("actor not marked suspended")
	}

	// Reactivation: same machine, no create.
	again, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("ensure after suspend: %v", err)
	}
	if again != id {
		t.Fatalf("ensure after suspend returned %q, want %q", again, id)
	}
	if env.provider.CreateCalls() != 1 {
		t.Fatalf("CreateMachine called %d times, want 1", env.provider.CreateCalls())
	}
	if starts := env.provider.StartCalls(); len(starts) != 1 || starts[0] != id {
		t.Fatalf("StartCalls = %v, want [%s]", starts, id)
	}
	if a.Info().Suspended {
		t.Fatal("actor still marked suspended after reactivation")
	}
}

func TestSuspend_WithoutMachine(t *testing.T) {
	env := newActorEnv(t)
	a := env.actor(t)
	if _, err := a.Suspend(testCtx(t)); !errors.Is(err, ErrNoMachine) {
		t.Fatalf("suspend = %v, want ErrNoMachine", err)
	}
}

func TestGetMachineID_BeforeProvisioning(t *testing.T) {
	env := newActorEnv(t)
	a := env.actor(t)
	if _, err := a.GetMachineID(testCtx(t)); !errors.Is(err, ErrNoMachine) {
		t.Fatalf("GetMachineID = %v, want ErrNoMachine", err)
	}
	if env.provider.CreateCalls() != 0 {
		t.Fatal("GetMachineID must not provision")
	}
}

func TestEnsure_ReprovisionsWhenSuspendedMachineGone(t *testing.T) {
	env := newActorEnv(t)
	a := env.actor(t)

	id, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := a.Suspend(testCtx(t)); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	// The provider reclaimed the stopped machine (auto_destroy).
	env.provider.StartFn = func(machineID string) error {
		return &provider.Error{Kind: provider.KindNotFound, Op: "start_machine", Status: 404, Detail: "gone"}
	}

	fresh, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("ensure after destroy: %v", err)
	}
	if fresh == id {
		t.Fatalf("ensure returned destroyed machine %q", fresh)
	}
	if env.provider.CreateCalls() != 2 {
		t.Fatalf("CreateMachine called %d times, want 2", env.provider.CreateCalls())
	}
}

func TestEnsure_SuspendedStartErrorDoesNotCreateDuplicate(t *testing.T) {
	env := newActorEnv(t)
	a := env.actor(t)

	if _, err := a.EnsureMachine(testCtx(t)); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := a.Suspend(testCtx(t)); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	boom := errors.New("capacity error")
	env.provider.StartFn = func(machineID string) error { return boom }

	if _, err := a.EnsureMachine(testCtx(t)); !errors.Is(err, boom) {
		t.Fatalf("ensure = %v, want %v", err, boom)
	}
	if env.provider.CreateCalls() != 1 {
		t.Fatalf("CreateMachine called %d times, want 1 (no duplicate on start failure)", env.provider.CreateCalls())
	}
}

func TestMachineRequest_RecoversSuspendedMachine(t *testing.T) {
	env := newActorEnv(t)
	a := env.actor(t)

	id, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := a.Suspend(testCtx(t)); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	preStarts := len(env.provider.StartCalls())

	// The op fails with NXDOMAIN twice (stopped, then still booting)
	// and succeeds on the third attempt.
	var mu sync.Mutex
	attempts := 0
	op := fakeOp{name: "list_sessions", run: func(ctx context.Context, baseURL string) (any, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n <= 2 {
			return nil, testutil.NXDOMAINError("list_sessions", baseURL)
		}
		return []string{"main"}, nil
	}}

	v, err := a.MachineRequest(testCtx(t), op)
	if err != nil {
		t.Fatalf("machine request: %v", err)
	}
	sessions, ok := v.([]string)
	if !ok || len(sessions) != 1 || sessions[0] != "main" {
		t.Fatalf("machine request value = %#v", v)
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Fatalf("op attempted %d times, want 3 (initial + 2 retries)", got)
	}
	starts := env.provider.StartCalls()[preStarts:]
	if len(starts) != 1 || starts[0] != id {
		t.Fatalf("recovery StartCalls = %v, want exactly [%s]", starts, id)
	}
	info := a.Info()
	if info.Suspended {
		t.Fatal("actor still suspended after recovery")
	}
}

func TestMachineRequest_ArmsTimerAfterRecovery(t *testing.T) {
	env := newActorEnv(t)
	env.cfg.InactivityTimeout = func() time.Duration { return time.Hour }
	a := env.actor(t)

	if _, err := a.EnsureMachine(testCtx(t)); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := a.Suspend(testCtx(t)); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if a.Info().TimerArmed {
		t.Fatal("timer should be cancelled while suspended")
	}

	calls := 0
	var mu sync.Mutex
	op := fakeOp{name: "probe", run: func(ctx context.Context, baseURL string) (any, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil, testutil.NXDOMAINError("probe", baseURL)
		}
		return "ok", nil
	}}
	if _, err := a.MachineRequest(testCtx(t), op); err != nil {
		t.Fatalf("machine request: %v", err)
	}
	if !a.Info().TimerArmed {
		t.Fatal("timer not re-armed after successful recovery")
	}
}

func TestMachineRequest_NonRetryableErrorSurfaces(t *testing.T) {
	env := newActorEnv(t)
	a := env.actor(t)

	if _, err := a.EnsureMachine(testCtx(t)); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	preStarts := len(env.provider.StartCalls())

	calls := 0
	var mu sync.Mutex
	op := fakeOp{name: "list_sessions", run: func(ctx context.Context, baseURL string) (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, provider.ClassifyStatus("list_sessions", 500, "agent crashed")
	}}

	_, err := a.MachineRequest(testCtx(t), op)
	if err == nil {
		t.Fatal("expected op error")
	}
	if kind, _ := provider.KindOf(err); kind != provider.KindServerError {
		t.Fatalf("error kind = %v, want server_error", kind)
	}
	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("op attempted %d times, want 1 (no retry on app errors)", got)
	}
	if starts := env.provider.StartCalls()[preStarts:]; len(starts) != 0 {
		t.Fatalf("unexpected recovery starts %v", starts)
	}
}

func TestMachineRequest_ProvisionsWhenNoMachine(t *testing.T) {
	env := newActorEnv(t)
	a := env.actor(t)

	op := fakeOp{name: "list_sessions", run: func(ctx context.Context, baseURL string) (any, error) {
		return "ok", nil
	}}
	v, err := a.MachineRequest(testCtx(t), op)
	if err != nil {
		t.Fatalf("machine request: %v", err)
	}
	if v != "ok" {
		t.Fatalf("value = %#v, want ok", v)
	}
	if env.provider.CreateCalls() != 1 {
		t.Fatalf("CreateMachine called %d times, want 1", env.provider.CreateCalls())
	}
}

func TestInactivity_AutoSuspendsAndReactivates(t *testing.T) {
	env := newActorEnv(t)
	env.cfg.InactivityTimeout = func() time.Duration { return 50 * time.Millisecond }
	a := env.actor(t)

	id, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !a.Info().Suspended {
		if time.Now().After(deadline) {
			t.Fatal("machine never auto-suspended")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stops := env.provider.StopCalls(); len(stops) != 1 || stops[0] != id {
		t.Fatalf("StopCalls = %v, want [%s]", stops, id)
	}

	again, err := a.EnsureMachine(testCtx(t))
	if err != nil {
		t.Fatalf("ensure after auto-suspend: %v", err)
	}
	if again != id {
		t.Fatalf("ensure returned %q, want %q", again, id)
	}
	if env.provider.CreateCalls() != 1 {
		t.Fatalf("CreateMachine called %d times, want 1", env.provider.CreateCalls())
	}
}

func TestInactivity_ActivityResetsTimer(t *testing.T) {
	env := newActorEnv(t)
	env.cfg.InactivityTimeout = func() time.Duration { return 150 * time.Millisecond }
	a := env.actor(t)

	if _, err := a.EnsureMachine(testCtx(t)); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// Keep touching well inside the timeout; the machine must stay up.
	for i := 0; i < 6; i++ {
		time.Sleep(30 * time.Millisecond)
		if _, err := a.GetMachineID(testCtx(t)); err != nil {
			t.Fatalf("touch %d: %v", i, err)
		}
	}
	if len(env.provider.StopCalls()) != 0 {
		t.Fatalf("machine stopped during activity: %v", env.provider.StopCalls())
	}

	// Now go quiet and let the timer fire.
	deadline := time.Now().Add(2 * time.Second)
	for !a.Info().Suspended {
		if time.Now().After(deadline) {
			t.Fatal("machine never auto-suspended after going idle")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(env.provider.StopCalls()); got != 1 {
		t.Fatalf("StopCalls = %d, want 1", got)
	}
}

func TestInactivity_ManualSuspendMakesFireANoOp(t *testing.T) {
	env := newActorEnv(t)
	env.cfg.InactivityTimeout = func() time.Duration { return 40 * time.Millisecond }
	a := env.actor(t)

	if _, err := a.EnsureMachine(testCtx(t)); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := a.Suspend(testCtx(t)); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	// Any stale timer fire must not stop the machine a second time.
	time.Sleep(120 * time.Millisecond)
	if got := len(env.provider.StopCalls()); got != 1 {
		t.Fatalf("StopCalls = %d, want 1", got)
	}
}

func TestCall_CallerTimeoutDoesNotCancelOperation(t *testing.T) {
	env := newActorEnv(t)
	release := make(chan struct{})
	env.provider.CreateFn = func(overrides map[string]any) (provider.Machine, error) {
		<-release
		return provider.Machine{ID: "m_slow", State: provider.StateStarted}, nil
	}
	a := env.actor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.EnsureMachine(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ensure = %v, want deadline exceeded", err)
	}

	// The actor keeps going after the caller walks away.
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		id, err := a.GetMachineID(testCtx(t))
		if err == nil {
			if id != "m_slow" {
				t.Fatalf("machine = %q, want m_slow", id)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("operation abandoned after caller timeout: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCall_ProviderCallsNeverOverlapPerActor(t *testing.T) {
	env := newActorEnv(t)
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	// Fail every create so each caller actually reaches the provider
	// instead of taking the warm path behind the first winner.
	env.provider.CreateFn = func(overrides map[string]any) (provider.Machine, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return provider.Machine{}, errors.New("no capacity")
	}
	a := env.actor(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.EnsureMachine(testCtx(t))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("provider calls overlapped (max in flight %d)", maxInFlight)
	}
	if env.provider.CreateCalls() != 5 {
		t.Fatalf("CreateMachine called %d times, want 5", env.provider.CreateCalls())
	}
}

func TestActor_StoppedCallsFail(t *testing.T) {
	env := newActorEnv(t)
	a := env.actor(t)
	a.stop()

	// The run loop winds down; calls fail instead of hanging.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := a.GetMachineID(testCtx(t))
		if errors.Is(err, ErrActorStopped) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("call after stop = %v, want ErrActorStopped", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
