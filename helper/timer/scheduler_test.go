package timer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerPeriods(t *testing.T) {
	clk := clock.NewMock()
	s := NewScheduler(clk, time.Millisecond)
	ctx := context.Background()

	var order []string
	s.Add("fast", Interval{Duration: 100 * time.Millisecond}, func(ctx context.Context) error {
		order = append(order, "fast")
		return nil
	})
	s.Add("slow", Interval{Duration: time.Second}, func(ctx context.Context) error {
		order = append(order, "slow")
		return nil
	})

	// Both are due right away, registration order is kept
	require.Equal(t, 2, s.RunPending(ctx))
	assert.Equal(t, []string{"fast", "slow"}, order)

	// Nothing is due yet
	require.Equal(t, 0, s.RunPending(ctx))

	clk.Add(100 * time.Millisecond)
	require.Equal(t, 1, s.RunPending(ctx))
	assert.Equal(t, []string{"fast", "slow", "fast"}, order)

	clk.Add(900 * time.Millisecond)
	require.Equal(t, 2, s.RunPending(ctx))
}

func TestSchedulerKeepsFailingTask(t *testing.T) {
	clk := clock.NewMock()
	s := NewScheduler(clk, time.Millisecond)
	ctx := context.Background()

	calls := 0
	s.Add("broken", Interval{Duration: time.Second}, func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})

	s.RunPending(ctx)
	clk.Add(time.Second)
	s.RunPending(ctx)
	assert.Equal(t, 2, calls)
}

func TestSchedulerStopsOnCancelledContext(t *testing.T) {
	s := NewScheduler(clock.NewMock(), time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.Add("never", Interval{Duration: time.Second}, func(ctx context.Context) error {
		t.Fatal("task must not run")
		return nil
	})
	assert.Equal(t, 0, s.RunPending(ctx))
}

func TestTaskCanAddTask(t *testing.T) {
	clk := clock.NewMock()
	s := NewScheduler(clk, time.Millisecond)
	ctx := context.Background()

	followups := 0
	s.Add("spawner", Interval{Duration: time.Hour}, func(ctx context.Context) error {
		s.Add("followup", Interval{Duration: time.Hour}, func(ctx context.Context) error {
			followups++
			return nil
		})
		return nil
	})

	done := make(chan int)
	go func() { done <- s.RunPending(ctx) }()
	select {
	case ran := <-done:
		assert.Equal(t, 1, ran)
	case <-time.After(5 * time.Second):
		t.Fatal("RunPending did not return")
	}

	// The new task is due on the next pass
	assert.Equal(t, 1, s.RunPending(ctx))
	assert.Equal(t, 1, followups)
}

func TestJitterBounds(t *testing.T) {
	j := tickerJitter{MaxJitter: 10 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := j.Jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.Less(t, d, 110*time.Millisecond)
	}

	// A jitter larger than the period is clamped rather than producing a negative period
	j = tickerJitter{MaxJitter: time.Second}
	for i := 0; i < 100; i++ {
		assert.Greater(t, j.Jitter(100*time.Millisecond), time.Duration(0))
	}
}
