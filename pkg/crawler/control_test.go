package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-scraper/pkg/models"
)

func TestControl_Transitions(t *testing.T) {
	c := NewControl()
	assert.Equal(t, FlagActive, c.Flag())

	changed, err := c.Apply(models.SignalPause)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, FlagPaused, c.Flag())

	changed, _ = c.Apply(models.SignalPause)
	assert.False(t, changed, "pause is idempotent")

	changed, _ = c.Apply(models.SignalResume)
	assert.True(t, changed)
	assert.Equal(t, FlagActive, c.Flag())

	changed, _ = c.Apply(models.SignalStop)
	assert.True(t, changed)
	assert.Equal(t, FlagStopping, c.Flag())

	changed, _ = c.Apply(models.SignalResume)
	assert.False(t, changed, "stop is final")
	assert.Equal(t, FlagStopping, c.Flag())
}

func TestControl_UnknownSignal(t *testing.T) {
	_, err := NewControl().Apply(models.ControlSignal("explode"))
	assert.Error(t, err)
}

func TestControl_ChangedWakesWaiter(t *testing.T) {
	c := NewControl()
	changed := c.Changed()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Apply(models.SignalPause)
	}()

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by transition")
	}

	select {
	case <-c.Changed():
		t.Fatal("fresh Changed channel should still be open")
	default:
	}
}

func TestControl_StoppedClosedOnce(t *testing.T) {
	c := NewControl()
	select {
	case <-c.Stopped():
		t.Fatal("stopped before stop")
	default:
	}
	c.Apply(models.SignalStop)
	c.Apply(models.SignalStop)
	select {
	case <-c.Stopped():
	default:
		t.Fatal("Stopped not closed after stop")
	}
}
