package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaosmaps/sandboxd/pkg/types"
)

type fakeDriver struct {
	mu           sync.Mutex
	containers   []types.ContainerInfo
	torndown     []string
	teardownErrs map[string]error
}

func (f *fakeDriver) Teardown(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.teardownErrs[name]; ok {
		return err
	}
	f.torndown = append(f.torndown, name)
	return nil
}

func (f *fakeDriver) ListSandboxContainers(ctx context.Context) ([]types.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ContainerInfo(nil), f.containers...), nil
}

type fakeRegistry struct {
	mu      sync.Mutex
	tracked map[string]bool
	dropped []string
}

func newFakeRegistry(ids ...string) *fakeRegistry {
	r := &fakeRegistry{tracked: make(map[string]bool)}
	for _, id := range ids {
		r.tracked[id] = true
	}
	return r
}

func (r *fakeRegistry) Drop(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.tracked[id] {
		return false
	}
	delete(r.tracked, id)
	r.dropped = append(r.dropped, id)
	return true
}

func (r *fakeRegistry) TrackedIDs() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.tracked))
	for id := range r.tracked {
		out[id] = true
	}
	return out
}

func TestCycleExpiresOverdueDeployments(t *testing.T) {
	driver := &fakeDriver{teardownErrs: map[string]error{}}
	reg := newFakeRegistry("abc123")
	r := New(driver, reg, time.Hour)

	r.Register("abc123", "sandbox-abc123", time.Now().Add(-2*time.Minute), 1)

	result, err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExpiredCount)
	assert.Contains(t, driver.torndown, "sandbox-abc123")
	assert.False(t, reg.tracked["abc123"])
}

func TestCycleSkipsZeroTTL(t *testing.T) {
	driver := &fakeDriver{teardownErrs: map[string]error{}}
	reg := newFakeRegistry("abc123")
	r := New(driver, reg, time.Hour)

	r.Register("abc123", "sandbox-abc123", time.Now().Add(-24*time.Hour), 0)

	result, err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExpiredCount)
	assert.True(t, reg.tracked["abc123"])
}

func TestCycleRemovesOrphanContainers(t *testing.T) {
	driver := &fakeDriver{
		containers: []types.ContainerInfo{
			{Name: "sandbox-ghost", PathPrefix: "ghost"},
		},
		teardownErrs: map[string]error{},
	}
	reg := newFakeRegistry("abc123")
	r := New(driver, reg, time.Hour)

	result, err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphanCount)
	assert.Contains(t, driver.torndown, "sandbox-ghost")
}

func TestCycleLeavesTrackedContainersAlone(t *testing.T) {
	driver := &fakeDriver{
		containers: []types.ContainerInfo{
			{Name: "sandbox-abc123", PathPrefix: "abc123"},
		},
		teardownErrs: map[string]error{},
	}
	reg := newFakeRegistry("abc123")
	r := New(driver, reg, time.Hour)

	result, err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.OrphanCount)
	assert.NotContains(t, driver.torndown, "sandbox-abc123")
}

func TestCycleRetriesFailedExpiryNextTime(t *testing.T) {
	driver := &fakeDriver{teardownErrs: map[string]error{"sandbox-abc123": assertErr("boom")}}
	reg := newFakeRegistry("abc123")
	r := New(driver, reg, time.Hour)
	r.Register("abc123", "sandbox-abc123", time.Now().Add(-2*time.Minute), 1)

	result, err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.FailedCount)
	assert.True(t, reg.tracked["abc123"])

	r.mu.Lock()
	_, stillTracked := r.tracked["abc123"]
	r.mu.Unlock()
	assert.True(t, stillTracked)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
