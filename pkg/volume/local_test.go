package volume

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kernel-agent/pkg/containerengine"
	"github.com/cuemby/kernel-agent/pkg/log"
)

type fakeVolumeEngine struct {
	containerengine.Engine
	volumes map[string]struct{}
}

func (f *fakeVolumeEngine) ListVolumes(ctx context.Context) (map[string]struct{}, error) {
	return f.volumes, nil
}

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func TestResolveReturnsMountForExistingVolume(t *testing.T) {
	table := Table{"python3-tensorflow": {
		{Name: "deeplearning-samples", ContainerPath: "/home/work/samples", ReadOnly: true},
	}}
	engine := &fakeVolumeEngine{volumes: map[string]struct{}{"deeplearning-samples": {}}}
	r := NewResolver(table, engine, "")

	mounts, err := r.Resolve(context.Background(), "python3-tensorflow")
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, "/home/work/samples", mounts[0].Destination)
}

func TestResolveSkipsMissingVolume(t *testing.T) {
	table := Table{"python3-tensorflow": {
		{Name: "deeplearning-samples", ContainerPath: "/home/work/samples", ReadOnly: true},
	}}
	engine := &fakeVolumeEngine{volumes: map[string]struct{}{}}
	r := NewResolver(table, engine, "")

	mounts, err := r.Resolve(context.Background(), "python3-tensorflow")
	require.NoError(t, err)
	assert.Empty(t, mounts, "expected missing volume to be skipped")
}

func TestResolveUnknownLangReturnsNoMounts(t *testing.T) {
	engine := &fakeVolumeEngine{volumes: map[string]struct{}{}}
	r := NewResolver(nil, engine, "")

	mounts, err := r.Resolve(context.Background(), "nodejs6")
	require.NoError(t, err)
	assert.Empty(t, mounts, "expected no mounts for language with no table entry")
}
