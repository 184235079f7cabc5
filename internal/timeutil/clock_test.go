package timeutil

import (
	"testing"
	"time"
)

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	c.Advance(90 * time.Second)

	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Errorf("Expected %v, got %v", start.Add(90*time.Second), got)
	}
	if got := c.Since(start); got != 90*time.Second {
		t.Errorf("Expected Since 90s, got %v", got)
	}
}

func TestMockClock_Set(t *testing.T) {
	c := NewMockClock(time.Time{})
	target := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Set(target)
	if !c.Now().Equal(target) {
		t.Errorf("Expected %v, got %v", target, c.Now())
	}
}

func TestRealClock(t *testing.T) {
	var c Clock = RealClock{}
	before := time.Now()
	now := c.Now()
	if now.Before(before) {
		t.Error("RealClock.Now went backwards")
	}
}

func TestMockClock_Timer(t *testing.T) {
	c := NewMockClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	timer := c.NewTimer(time.Second)

	c.Advance(500 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at its deadline")
	}
	if c.Timers() != 0 {
		t.Errorf("Expected fired timer to be dropped, %d left", c.Timers())
	}

	stopped := c.NewTimer(time.Second)
	if !stopped.Stop() {
		t.Error("Expected Stop to report an active timer")
	}
	c.Advance(time.Minute)
	select {
	case <-stopped.C():
		t.Error("stopped timer fired")
	default:
	}
}
