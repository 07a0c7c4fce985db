package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from DeploymentState
		to   DeploymentState
		want bool
	}{
		{"pending to pulling", StatePending, StatePulling, true},
		{"pending to running", StatePending, StateRunning, false},
		{"pulling to starting", StatePulling, StateStarting, true},
		{"starting to running", StateStarting, StateRunning, true},
		{"running to stopping", StateRunning, StateStopping, true},
		{"running to unhealthy", StateRunning, StateUnhealthy, true},
		{"unhealthy to running", StateUnhealthy, StateRunning, true},
		{"unhealthy to stopping", StateUnhealthy, StateStopping, true},
		{"stopping to removed", StateStopping, StateRemoved, true},
		{"failed is terminal", StateFailed, StatePulling, false},
		{"removed is terminal", StateRemoved, StatePending, false},
		{"unknown source state", DeploymentState("bogus"), StatePending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestHookRegistrationWants(t *testing.T) {
	all := HookRegistration{}
	assert.True(t, all.Wants(EventStarted))
	assert.True(t, all.Wants(EventFailed))

	filtered := HookRegistration{Events: map[EventKind]bool{EventStarted: true}}
	assert.True(t, filtered.Wants(EventStarted))
	assert.False(t, filtered.Wants(EventFailed))
}

func TestArtifactDownloadURL(t *testing.T) {
	a := Artifact{ID: "abc123"}
	assert.Equal(t, "/api/artifacts/abc123", a.DownloadURL())
}
