package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaosmaps/sandboxd/pkg/apperr"
	"github.com/kaosmaps/sandboxd/pkg/types"
)

func TestReserveRejectsDuplicateID(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Reserve(types.Deployment{ID: "abc123"}))

	err := r.Reserve(types.Deployment{ID: "abc123"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ValidationError))
}

func TestReserveSetsStatePending(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Reserve(types.Deployment{ID: "abc123"}))

	d, ok := r.Get("abc123")
	require.True(t, ok)
	assert.Equal(t, types.StatePending, d.State)
	assert.False(t, d.CreatedAt.IsZero())
}

func TestAdvanceFollowsTransitionTable(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Reserve(types.Deployment{ID: "abc123"}))

	require.NoError(t, r.Advance("abc123", types.StatePulling, nil))
	require.NoError(t, r.Advance("abc123", types.StateStarting, nil))
	require.NoError(t, r.Advance("abc123", types.StateRunning, func(d *types.Deployment) {
		d.ContainerID = "deadbeef"
	}))

	d, _ := r.Get("abc123")
	assert.Equal(t, types.StateRunning, d.State)
	assert.Equal(t, "deadbeef", d.ContainerID)
}

func TestAdvanceRejectsInvalidTransition(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Reserve(types.Deployment{ID: "abc123"}))

	err := r.Advance("abc123", types.StateRunning, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ValidationError))
}

func TestAdvanceUnknownIDIsNotFound(t *testing.T) {
	r := New(nil)
	err := r.Advance("ghost", types.StatePulling, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestDropIsIdempotent(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Reserve(types.Deployment{ID: "abc123"}))

	assert.True(t, r.Drop("abc123"))
	assert.False(t, r.Drop("abc123"))

	_, ok := r.Get("abc123")
	assert.False(t, ok)
}

func TestTrackedIDsReflectsList(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Reserve(types.Deployment{ID: "a"}))
	require.NoError(t, r.Reserve(types.Deployment{ID: "b"}))

	ids := r.TrackedIDs()
	assert.True(t, ids["a"])
	assert.True(t, ids["b"])
	assert.Len(t, ids, 2)
}

func TestNotifyDoesNotDeadlockOnSelfCall(t *testing.T) {
	// onTransition must run with the registry's mutex released, so it is
	// safe to call back into the registry from inside the callback.
	var mu sync.Mutex
	var seen []types.DeploymentState

	var r *Registry
	r = New(func(d types.Deployment, prev types.DeploymentState) {
		mu.Lock()
		seen = append(seen, d.State)
		mu.Unlock()
		_, _ = r.Get(d.ID)
	})

	require.NoError(t, r.Reserve(types.Deployment{ID: "abc123"}))
	require.NoError(t, r.Advance("abc123", types.StatePulling, nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.DeploymentState{types.StatePending, types.StatePulling}, seen)
}
