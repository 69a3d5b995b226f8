package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1inch/swap-coordinator/internal/types"
)

type recordingHandler struct {
	mu     sync.Mutex
	fired  []string
	sweeps int
}

func (h *recordingHandler) HandleTimelock(ctx context.Context, swapID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fired = append(h.fired, swapID)
	return nil
}

func (h *recordingHandler) Sweep(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweeps++
	return nil
}

func (h *recordingHandler) snapshot() ([]string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.fired...), h.sweeps
}

func newTestScheduler(t *testing.T, sweep time.Duration) (*Scheduler, *recordingHandler) {
	t.Helper()
	h := &recordingHandler{}
	s := NewScheduler(h, sweep)
	s.grace = 0
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s, h
}

func TestScheduleTimelock_Fires(t *testing.T) {
	s, h := newTestScheduler(t, 0)

	s.ScheduleTimelock("swap-1", types.LegB, time.Now())
	require.Len(t, s.Pending(), 1)

	require.Eventually(t, func() bool {
		fired, _ := h.snapshot()
		return len(fired) == 1
	}, 2*time.Second, 5*time.Millisecond)

	fired, _ := h.snapshot()
	require.Equal(t, []string{"swap-1"}, fired)
	require.Empty(t, s.Pending())
}

func TestScheduleTimelock_ReplacesLeg(t *testing.T) {
	s, _ := newTestScheduler(t, 0)

	s.ScheduleTimelock("swap-1", types.LegA, time.Now().Add(time.Hour))
	s.ScheduleTimelock("swap-1", types.LegA, time.Now().Add(2*time.Hour))
	s.ScheduleTimelock("swap-1", types.LegB, time.Now().Add(time.Hour))

	require.Len(t, s.Pending(), 2)
}

func TestCancelSwap(t *testing.T) {
	s, h := newTestScheduler(t, 0)

	s.ScheduleTimelock("swap-1", types.LegB, time.Now().Add(50*time.Millisecond))
	s.ScheduleTimelock("swap-1", types.LegA, time.Now().Add(time.Hour))
	s.ScheduleTimelock("swap-2", types.LegA, time.Now().Add(time.Hour))
	s.CancelSwap("swap-1")

	pending := s.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "swap-2", pending[0].SwapID)

	time.Sleep(150 * time.Millisecond)
	fired, _ := h.snapshot()
	require.Empty(t, fired)
}

func TestSweepRunsPeriodically(t *testing.T) {
	_, h := newTestScheduler(t, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, sweeps := h.snapshot()
		return sweeps >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopDropsPending(t *testing.T) {
	h := &recordingHandler{}
	s := NewScheduler(h, 0)
	require.NoError(t, s.Start(context.Background()))

	s.ScheduleTimelock("swap-1", types.LegB, time.Now().Add(time.Hour))
	s.Stop()

	require.Empty(t, s.Pending())
	// a second stop is a no-op
	s.Stop()
}
