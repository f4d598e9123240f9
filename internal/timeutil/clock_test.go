package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestMockClock_AdvanceFiresTimerAtDeadline(t *testing.T) {
	c := NewMockClock(epoch)
	timer := c.NewTimer(10 * time.Second)
	assert.Equal(t, 1, c.PendingTimers())

	c.Advance(9 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-timer.C():
		assert.Equal(t, epoch.Add(10*time.Second), got)
	default:
		t.Fatal("timer did not fire at deadline")
	}
	assert.Equal(t, 0, c.PendingTimers())
}

func TestMockClock_StoppedTimerNeverFires(t *testing.T) {
	c := NewMockClock(epoch)
	timer := c.NewTimer(time.Second)

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Minute)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestMockClock_Ticker(t *testing.T) {
	c := NewMockClock(epoch)
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	for i := 0; i < 3; i++ {
		c.Advance(time.Second)
		select {
		case <-tk.C():
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
}

func TestMockClock_Since(t *testing.T) {
	c := NewMockClock(epoch)
	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, c.Since(epoch))
}
