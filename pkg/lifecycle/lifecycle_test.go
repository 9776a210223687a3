package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kernel-agent/pkg/config"
	"github.com/cuemby/kernel-agent/pkg/containerengine"
	"github.com/cuemby/kernel-agent/pkg/events"
	"github.com/cuemby/kernel-agent/pkg/kernelerr"
	"github.com/cuemby/kernel-agent/pkg/log"
	"github.com/cuemby/kernel-agent/pkg/nvidia"
	"github.com/cuemby/kernel-agent/pkg/registry"
	"github.com/cuemby/kernel-agent/pkg/relay"
	"github.com/cuemby/kernel-agent/pkg/types"
	"github.com/cuemby/kernel-agent/pkg/volume"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type fakeEngine struct {
	mu         sync.Mutex
	labels     types.ImageLabels
	killErr    error
	deleteErr  error
	nextHandle int
	deleted    map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		labels:  types.ImageLabels{Version: 1, MaxMemBytes: 128 << 20, TimeoutS: 180, MaxCores: 2, CoreCountEnvs: []string{"NUM_CORES"}},
		deleted: make(map[string]bool),
	}
}

func (f *fakeEngine) InspectImage(ctx context.Context, image string) (types.ImageLabels, error) {
	return f.labels, nil
}

func (f *fakeEngine) Create(ctx context.Context, spec containerengine.ContainerSpec) (containerengine.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHandle++
	return containerengine.Handle{ContainerID: spec.Name}, nil
}

func (f *fakeEngine) Start(ctx context.Context, h containerengine.Handle, exposedPorts []int) ([]containerengine.PortBinding, error) {
	bindings := make([]containerengine.PortBinding, len(exposedPorts))
	for i, p := range exposedPorts {
		bindings[i] = containerengine.PortBinding{ContainerPort: p, HostPort: 30000 + i}
	}
	return bindings, nil
}

func (f *fakeEngine) ContainerIP(ctx context.Context, h containerengine.Handle) (string, error) {
	return "127.0.0.1", nil
}

func (f *fakeEngine) Kill(ctx context.Context, h containerengine.Handle) error {
	return f.killErr
}

func (f *fakeEngine) Delete(ctx context.Context, h containerengine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted[h.ContainerID] = true
	return nil
}

func (f *fakeEngine) ListVolumes(ctx context.Context) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

func (f *fakeEngine) Events(ctx context.Context) (<-chan containerengine.Event, error) {
	ch := make(chan containerengine.Event)
	return ch, nil
}

type fakeAllocator struct {
	total int
	freed []types.CoreSet
	fail  bool
}

func (a *fakeAllocator) Alloc(n int) (types.CoreSet, error) {
	if a.fail {
		return types.CoreSet{}, kernelerr.New(kernelerr.KindAllocationExhausted, "no cores")
	}
	if n > a.total {
		n = a.total
	}
	cores := make([]int, n)
	for i := range cores {
		cores[i] = i
	}
	return types.NewCoreSet(0, cores), nil
}

func (a *fakeAllocator) Free(set types.CoreSet) {
	a.freed = append(a.freed, set)
}

func (a *fakeAllocator) Total() int { return a.total }

// blockingTransport never replies until Close is called, simulating a
// runner mid-execution: ReceiveFrame blocks on the caller's ctx or on
// Close, whichever comes first.
type blockingTransport struct {
	closed chan struct{}
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{closed: make(chan struct{})}
}

func (b *blockingTransport) SendFrame(ctx context.Context, v interface{}) error { return nil }

func (b *blockingTransport) ReceiveFrame(ctx context.Context, v interface{}) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-b.closed:
		return false, nil
	}
}

func (b *blockingTransport) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

type blockingDialer struct{ transport *blockingTransport }

func (d *blockingDialer) Dial(ctx context.Context, host string, inPort, outPort int) (relay.Transport, error) {
	return d.transport, nil
}

func newTestLifecycle(t *testing.T, engine *fakeEngine, alloc *fakeAllocator) (*Lifecycle, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	resolver := volume.NewResolver(volume.Table{}, engine, t.TempDir())
	relayMgr := relay.NewManager(relay.TCPDialer{}, nil)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	lc := New(reg, alloc, engine, resolver, nvidia.Noop{}, relayMgr, nil, broker, config.DefaultAliases(), t.TempDir())
	return lc, reg
}

func TestCreateInsertsRecordAndAllocatesCores(t *testing.T) {
	engine := newFakeEngine()
	alloc := &fakeAllocator{total: 4}
	lc, reg := newTestLifecycle(t, engine, alloc)

	result, err := lc.Create(context.Background(), "python", CreateOpts{})
	require.NoError(t, err)

	rec, ok := reg.Get(result.KernelID)
	require.True(t, ok, "expected record to be inserted")
	assert.Equal(t, "python3", rec.Lang, "expected alias-resolved lang")
	assert.Equal(t, 2, rec.CoreSet.Len(), "expected 2 cores (maxcores label)")
	assert.Equal(t, 0, rec.NumQueries)
}

func TestCreateUnsupportedLangFails(t *testing.T) {
	engine := newFakeEngine()
	alloc := &fakeAllocator{total: 4}
	lc, _ := newTestLifecycle(t, engine, alloc)

	_, err := lc.Create(context.Background(), "cobol9", CreateOpts{})
	assert.True(t, kernelerr.Is(err, kernelerr.KindUnsupportedLang), "expected UnsupportedLang, got %v", err)
}

func TestCreateAllocationExhaustedReleasesNoCores(t *testing.T) {
	engine := newFakeEngine()
	alloc := &fakeAllocator{total: 4, fail: true}
	lc, _ := newTestLifecycle(t, engine, alloc)

	_, err := lc.Create(context.Background(), "python", CreateOpts{})
	assert.True(t, kernelerr.Is(err, kernelerr.KindAllocationExhausted), "expected AllocationExhausted, got %v", err)
	assert.Empty(t, alloc.freed, "expected no frees when allocation itself failed")
}

func TestDestroyMissingRecordIsNotError(t *testing.T) {
	engine := newFakeEngine()
	alloc := &fakeAllocator{total: 4}
	lc, _ := newTestLifecycle(t, engine, alloc)

	assert.NoError(t, lc.Destroy(context.Background(), types.KernelId("nonexistent"), types.ReasonUserRequested))
}

func TestDestroyThenCleanRemovesRecordAndFreesCores(t *testing.T) {
	engine := newFakeEngine()
	alloc := &fakeAllocator{total: 4}
	lc, reg := newTestLifecycle(t, engine, alloc)

	result, err := lc.Create(context.Background(), "python3", CreateOpts{})
	require.NoError(t, err)

	require.NoError(t, lc.Destroy(context.Background(), result.KernelID, types.ReasonUserRequested))
	_, ok := reg.Get(result.KernelID)
	assert.True(t, ok, "expected record to still exist after Destroy alone (only Clean removes it)")

	lc.Clean(context.Background(), result.KernelID)
	_, ok = reg.Get(result.KernelID)
	assert.False(t, ok, "expected record removed after Clean")
	assert.Len(t, alloc.freed, 1, "expected cores freed exactly once")
}

func TestCleanSkipsRemovalWhenRestarting(t *testing.T) {
	engine := newFakeEngine()
	alloc := &fakeAllocator{total: 4}
	lc, reg := newTestLifecycle(t, engine, alloc)

	result, err := lc.Create(context.Background(), "python3", CreateOpts{})
	require.NoError(t, err)

	sig := reg.MarkRestarting(result.KernelID)
	lc.Clean(context.Background(), result.KernelID)

	_, ok := reg.Get(result.KernelID)
	assert.True(t, ok, "expected record preserved during a restart's Clean")
	select {
	case <-sig.C():
	default:
		t.Fatal("expected restarting signal fired by Clean")
	}
	assert.Empty(t, alloc.freed, "expected cores not freed while restarting")
}

func TestRestartPreservesKernelID(t *testing.T) {
	engine := newFakeEngine()
	alloc := &fakeAllocator{total: 4}
	lc, reg := newTestLifecycle(t, engine, alloc)

	created, err := lc.Create(context.Background(), "python3", CreateOpts{})
	require.NoError(t, err)

	done := make(chan struct{})
	var restartErr error
	go func() {
		_, restartErr = lc.Restart(context.Background(), created.KernelID)
		close(done)
	}()

	// Destroy doesn't remove the record; Clean (normally driven by
	// EventMonitor) must run for Create's restarting-wait branch to
	// proceed. Simulate the engine's die event firing Clean.
	time.Sleep(10 * time.Millisecond)
	lc.Clean(context.Background(), created.KernelID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Restart did not complete")
	}
	require.NoError(t, restartErr)
	_, ok := reg.Get(created.KernelID)
	assert.True(t, ok, "expected the same kernel id to be live again after restart")
}

func TestResetDestroysAllConcurrently(t *testing.T) {
	engine := newFakeEngine()
	alloc := &fakeAllocator{total: 8}
	lc, reg := newTestLifecycle(t, engine, alloc)

	var ids []types.KernelId
	for i := 0; i < 3; i++ {
		res, err := lc.Create(context.Background(), "python3", CreateOpts{})
		require.NoError(t, err)
		ids = append(ids, res.KernelID)
	}

	done := make(chan error, 1)
	go func() {
		done <- lc.Reset(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	for _, id := range ids {
		lc.Clean(context.Background(), id)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Reset did not complete")
	}
	assert.Equal(t, 0, reg.Len(), "expected all records cleaned")
}

// TestDestroyCancelsInFlightExecuteCode covers spec §4.3 Destroy step 2: a
// live execute_code's RunnerTaskActive flag must let a concurrent Destroy
// cancel it rather than racing it.
func TestDestroyCancelsInFlightExecuteCode(t *testing.T) {
	engine := newFakeEngine()
	alloc := &fakeAllocator{total: 4}
	reg := registry.New()
	resolver := volume.NewResolver(volume.Table{}, engine, t.TempDir())
	transport := newBlockingTransport()
	relayMgr := relay.NewManager(&blockingDialer{transport: transport}, nil)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	lc := New(reg, alloc, engine, resolver, nvidia.Noop{}, relayMgr, nil, broker, config.DefaultAliases(), t.TempDir())

	created, err := lc.Create(context.Background(), "python3", CreateOpts{})
	require.NoError(t, err)

	execDone := make(chan struct{})
	go func() {
		_, _ = lc.ExecuteCode(context.Background(), created.KernelID, ExecuteCodeParams{
			EntryID: "e1", CodeID: "c1", Code: "while True: pass",
		}, 60)
		close(execDone)
	}()

	require.Eventually(t, func() bool {
		rec, ok := reg.Get(created.KernelID)
		return ok && rec.RunnerTaskActive
	}, time.Second, time.Millisecond, "expected RunnerTaskActive to be set while execute_code is in flight")

	destroyDone := make(chan error, 1)
	go func() {
		destroyDone <- lc.Destroy(context.Background(), created.KernelID, types.ReasonUserRequested)
	}()

	select {
	case err := <-destroyDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Destroy did not complete; in-flight execute_code was not cancelled")
	}

	select {
	case <-execDone:
	case <-time.After(2 * time.Second):
		t.Fatal("ExecuteCode did not return after Destroy cancelled it")
	}

	rec, ok := reg.Get(created.KernelID)
	require.True(t, ok, "Destroy alone must not remove the record")
	assert.False(t, rec.RunnerTaskActive, "expected RunnerTaskActive cleared after cancel")
}
