package app

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kaosmaps/sandboxd/pkg/types"
)

func TestEventKindForPulling(t *testing.T) {
	assert.Equal(t, types.EventPulling, eventKindFor(types.StatePulling, types.StatePending))
}

func TestEventKindForRunningFromStarting(t *testing.T) {
	assert.Equal(t, types.EventStarted, eventKindFor(types.StateRunning, types.StateStarting))
}

func TestEventKindForRunningFromUnhealthyIsRecovery(t *testing.T) {
	assert.Equal(t, types.EventHealthy, eventKindFor(types.StateRunning, types.StateUnhealthy))
}

func TestEventKindForUnhealthy(t *testing.T) {
	assert.Equal(t, types.EventUnhealthy, eventKindFor(types.StateUnhealthy, types.StateRunning))
}

func TestEventKindForFailed(t *testing.T) {
	assert.Equal(t, types.EventFailed, eventKindFor(types.StateFailed, types.StateStarting))
}

func TestEventKindForRemoved(t *testing.T) {
	assert.Equal(t, types.EventStopped, eventKindFor(types.StateRemoved, types.StateStopping))
}

func TestEventKindForUnmappedStatesIsEmpty(t *testing.T) {
	assert.Equal(t, types.EventKind(""), eventKindFor(types.StatePending, ""))
	assert.Equal(t, types.EventKind(""), eventKindFor(types.StateStarting, types.StatePulling))
	assert.Equal(t, types.EventKind(""), eventKindFor(types.StateStopping, types.StateRunning))
}
