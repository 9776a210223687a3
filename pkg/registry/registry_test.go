package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kernel-agent/pkg/types"
)

func TestInsertGetDelete(t *testing.T) {
	r := New()
	id := types.KernelId("abc")
	rec := &types.KernelRecord{Id: id, Lang: "python3"}

	_, ok := r.Get(id)
	assert.False(t, ok, "expected miss before insert")

	r.Insert(rec)
	got, ok := r.Get(id)
	require.True(t, ok, "expected record after insert")
	assert.Equal(t, "python3", got.Lang)

	r.Delete(id)
	_, ok = r.Get(id)
	assert.False(t, ok, "expected miss after delete")
}

func TestCleanIdempotentDelete(t *testing.T) {
	r := New()
	id := types.KernelId("x")
	r.Insert(&types.KernelRecord{Id: id})
	r.Delete(id)
	r.Delete(id) // second delete must not panic
	assert.Equal(t, 0, r.Len())
}

func TestRestartingSignalLifecycle(t *testing.T) {
	r := New()
	id := types.KernelId("k1")

	_, ok := r.RestartSignal(id)
	assert.False(t, ok, "expected no restart signal before MarkRestarting")

	sig := r.MarkRestarting(id)
	got, ok := r.RestartSignal(id)
	require.True(t, ok, "expected RestartSignal to return the registered signal")
	assert.Equal(t, sig, got)

	r.ClearRestarting(id)
	_, ok = r.RestartSignal(id)
	assert.False(t, ok, "expected restart signal cleared")
}

func TestBlockingCleanSignalFiresOnce(t *testing.T) {
	r := New()
	id := types.KernelId("k2")

	sig := r.MarkBlockingClean(id)

	select {
	case <-sig.C():
		t.Fatal("signal fired before Fire() called")
	default:
	}

	sig.Fire()
	sig.Fire() // firing twice must not panic or block

	select {
	case <-sig.C():
	default:
		t.Fatal("expected signal channel closed after Fire")
	}

	got, ok := r.BlockingCleanSignal(id)
	require.True(t, ok, "expected BlockingCleanSignal to return the registered signal")
	assert.Equal(t, sig, got)

	_, ok = r.BlockingCleanSignal(id)
	assert.False(t, ok, "expected BlockingCleanSignal to be consumed after first read")
}
