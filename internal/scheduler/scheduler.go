package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"

	"github.com/1inch/swap-coordinator/internal/types"
)

const (
	sweepTag = "sweep"

	// timelock jobs fire this long after the deadline so chain time has passed it too
	defaultGrace = time.Second
	minDelay     = 10 * time.Millisecond
)

// Handler is driven by the scheduler
type Handler interface {
	HandleTimelock(ctx context.Context, swapID string) error
	Sweep(ctx context.Context) error
}

// TimelockEvent is a pending timelock callback
type TimelockEvent struct {
	SwapID    string
	Leg       types.LegName
	ExecuteAt time.Time
}

// Scheduler fires timelock callbacks and a periodic sweep
type Scheduler struct {
	cron          *gocron.Scheduler
	handler       Handler
	sweepInterval time.Duration
	grace         time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	pending map[string]TimelockEvent
}

// NewScheduler creates a scheduler. A zero sweep interval disables the sweep.
func NewScheduler(handler Handler, sweepInterval time.Duration) *Scheduler {
	return &Scheduler{
		cron:          gocron.NewScheduler(time.UTC),
		handler:       handler,
		sweepInterval: sweepInterval,
		grace:         defaultGrace,
		ctx:           context.Background(),
		pending:       make(map[string]TimelockEvent),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.sweepInterval > 0 {
		_, err := s.cron.Every(s.sweepInterval).
			WaitForSchedule().
			SingletonMode().
			Tag(sweepTag).
			Do(s.sweep)
		if err != nil {
			s.cancel()
			s.cancel = nil
			return err
		}
	}

	s.cron.StartAsync()
	log.WithFields(log.Fields{
		"sweep_interval": s.sweepInterval,
		"pending":        len(s.pending),
	}).Info("Timelock scheduler started")
	return nil
}

// Stop stops the scheduler and drops every pending callback
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil

	s.cron.Stop()
	s.cron.Clear()
	s.pending = make(map[string]TimelockEvent)
	log.Info("Timelock scheduler stopped")
}

// ScheduleTimelock arms a callback for one leg. Rescheduling a leg replaces
// the previous callback.
func (s *Scheduler) ScheduleTimelock(swapID string, leg types.LegName, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag := jobTag(swapID, leg)
	s.removeByTag(tag)

	executeAt := at.Add(s.grace)
	delay := time.Until(executeAt)
	if delay < minDelay {
		delay = minDelay
	}

	_, err := s.cron.Every(delay).
		WaitForSchedule().
		LimitRunsTo(1).
		Tag(swapID, tag).
		Do(s.fire, swapID, leg)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"swap_id": swapID,
			"leg":     leg,
		}).Error("Failed to schedule timelock")
		return
	}

	s.pending[tag] = TimelockEvent{SwapID: swapID, Leg: leg, ExecuteAt: executeAt}
	log.WithFields(log.Fields{
		"swap_id":    swapID,
		"leg":        leg,
		"execute_at": executeAt.UTC().Format(time.RFC3339),
	}).Debug("Timelock scheduled")
}

// CancelSwap drops the callbacks of a swap
func (s *Scheduler) CancelSwap(swapID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeByTag(swapID)
	for tag, ev := range s.pending {
		if ev.SwapID == swapID {
			delete(s.pending, tag)
		}
	}
}

// Pending returns the callbacks not fired yet
func (s *Scheduler) Pending() []TimelockEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TimelockEvent, 0, len(s.pending))
	for _, ev := range s.pending {
		out = append(out, ev)
	}
	return out
}

func (s *Scheduler) fire(swapID string, leg types.LegName) {
	tag := jobTag(swapID, leg)

	s.mu.Lock()
	ctx := s.ctx
	_, ok := s.pending[tag]
	delete(s.pending, tag)
	s.removeByTag(tag)
	s.mu.Unlock()

	if !ok || ctx.Err() != nil {
		return
	}

	logger := log.WithFields(log.Fields{"swap_id": swapID, "leg": leg})
	logger.Info("Timelock reached")
	if err := s.handler.HandleTimelock(ctx, swapID); err != nil {
		logger.WithError(err).Warn("Timelock handling failed, the sweep will retry")
	}
}

func (s *Scheduler) sweep() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err := s.handler.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("Sweep failed")
	}
}

// removeByTag must be called with s.mu held
func (s *Scheduler) removeByTag(tag string) {
	if err := s.cron.RemoveByTag(tag); err != nil && !errors.Is(err, gocron.ErrJobNotFoundWithTag) {
		log.WithError(err).WithField("tag", tag).Warn("Failed to remove scheduled job")
	}
}

func jobTag(swapID string, leg types.LegName) string {
	return swapID + "/" + string(leg)
}
