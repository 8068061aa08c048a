package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionState_String(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{SessionState(""), "unset"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StatePaused, "paused"},
		{StateStopping, "stopping"},
		{StateCompleted, "completed"},
		{StateError, "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestSessionState_IsValid(t *testing.T) {
	for _, s := range []SessionState{StateStarting, StateRunning, StatePaused, StateStopping, StateCompleted, StateError} {
		assert.True(t, s.IsValid(), "SessionState(%q).IsValid()", string(s))
	}
	assert.False(t, SessionState("").IsValid())
	assert.False(t, SessionState("cancelled").IsValid())
}

func TestSessionState_IsTerminal(t *testing.T) {
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateError.IsTerminal())
	assert.False(t, StateStopping.IsTerminal())
	assert.False(t, StatePaused.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
}

func TestControlSignal_IsValid(t *testing.T) {
	assert.True(t, SignalPause.IsValid())
	assert.True(t, SignalResume.IsValid())
	assert.True(t, SignalStop.IsValid())
	assert.False(t, ControlSignal("kill").IsValid())
}

func TestEventType_IsTerminal(t *testing.T) {
	assert.True(t, EventScrapeComplete.IsTerminal())
	assert.True(t, EventError.IsTerminal())
	assert.False(t, EventStatusUpdate.IsTerminal())
	assert.False(t, EventContentDownloaded.IsTerminal())
	assert.False(t, EventConnectionEstablished.IsTerminal())
}
