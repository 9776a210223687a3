package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kernel-agent/pkg/config"
	"github.com/cuemby/kernel-agent/pkg/containerengine"
	"github.com/cuemby/kernel-agent/pkg/events"
	"github.com/cuemby/kernel-agent/pkg/lifecycle"
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

type stubEngine struct{}

func (stubEngine) InspectImage(ctx context.Context, image string) (types.ImageLabels, error) {
	return types.ImageLabels{MaxCores: 1, MaxMemBytes: 64 << 20, TimeoutS: 30}, nil
}
func (stubEngine) Create(ctx context.Context, spec containerengine.ContainerSpec) (containerengine.Handle, error) {
	return containerengine.Handle{ContainerID: spec.Name}, nil
}
func (stubEngine) Start(ctx context.Context, h containerengine.Handle, ports []int) ([]containerengine.PortBinding, error) {
	bindings := make([]containerengine.PortBinding, len(ports))
	for i, p := range ports {
		bindings[i] = containerengine.PortBinding{ContainerPort: p, HostPort: 40000 + i}
	}
	return bindings, nil
}
func (stubEngine) ContainerIP(ctx context.Context, h containerengine.Handle) (string, error) {
	return "10.0.0.5", nil
}
func (stubEngine) Kill(ctx context.Context, h containerengine.Handle) error   { return nil }
func (stubEngine) Delete(ctx context.Context, h containerengine.Handle) error { return nil }
func (stubEngine) ListVolumes(ctx context.Context) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}
func (stubEngine) Events(ctx context.Context) (<-chan containerengine.Event, error) {
	return make(chan containerengine.Event), nil
}

type stubAllocator struct{ total int }

func (a *stubAllocator) Alloc(n int) (types.CoreSet, error) {
	if n > a.total {
		n = a.total
	}
	cores := make([]int, n)
	for i := range cores {
		cores[i] = i
	}
	return types.NewCoreSet(0, cores), nil
}
func (a *stubAllocator) Free(set types.CoreSet) {}
func (a *stubAllocator) Total() int             { return a.total }

type stubTransport struct{}

func (stubTransport) SendFrame(ctx context.Context, v interface{}) error { return nil }
func (stubTransport) ReceiveFrame(ctx context.Context, v interface{}) (bool, error) {
	// v is the relay package's unexported result frame type; populate it
	// via a JSON round-trip rather than needing to import the type.
	if err := json.Unmarshal([]byte(`{"status":"finished","stdout":"ok"}`), v); err != nil {
		return false, err
	}
	return true, nil
}
func (stubTransport) Close() error { return nil }

type stubDialer struct{}

func (stubDialer) Dial(ctx context.Context, host string, inPort, outPort int) (relay.Transport, error) {
	return stubTransport{}, nil
}

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	reg := registry.New()
	resolver := volume.NewResolver(volume.Table{}, stubEngine{}, t.TempDir())
	relayMgr := relay.NewManager(stubDialer{}, nil)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	lc := lifecycle.New(reg, &stubAllocator{total: 4}, stubEngine{}, resolver, nvidia.Noop{}, relayMgr, nil, broker, config.DefaultAliases(), t.TempDir())
	return New(lc, 180)
}

func TestPingEchoesMessage(t *testing.T) {
	f := newTestFacade(t)
	msg, err := f.Ping(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg)
}

func TestCreateThenExecuteCodeReturnsRunnerResult(t *testing.T) {
	f := newTestFacade(t)

	created, err := f.CreateKernel(context.Background(), "python", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, created.KernelID)

	result, err := f.ExecuteCode(context.Background(), ExecuteCodeParams{
		EntryID:  "e1",
		KernelID: created.KernelID,
		CodeID:   "c1",
		Code:     "1+1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecStatusFinished, result.Status)
	assert.Equal(t, "ok", result.Stdout)
}

func TestExecuteCodeUnknownKernelFails(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.ExecuteCode(context.Background(), ExecuteCodeParams{KernelID: "does-not-exist"})
	assert.Error(t, err)
}

func TestResetWithNoKernelsReturnsImmediately(t *testing.T) {
	f := newTestFacade(t)
	assert.NoError(t, f.Reset(context.Background()))
}
