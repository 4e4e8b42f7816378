package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceRunsDueCallbacks(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	var fired []string
	f.ScheduleOnce(start.Add(2*time.Hour), func() { fired = append(fired, "late") })
	f.ScheduleOnce(start.Add(time.Hour), func() { fired = append(fired, "early") })
	cancel := f.ScheduleOnce(start.Add(time.Hour), func() { fired = append(fired, "cancelled") })
	cancel()

	f.Advance(90 * time.Minute)
	assert.Equal(t, []string{"early"}, fired)
	assert.Equal(t, 1, f.Pending())

	f.Advance(time.Hour)
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, 0, f.Pending())
	assert.Equal(t, start.Add(150*time.Minute), f.Now())
}

func TestReal_ScheduleOnceFires(t *testing.T) {
	done := make(chan struct{})
	Real{}.ScheduleOnce(time.Now().Add(10*time.Millisecond), func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire")
	}
}
