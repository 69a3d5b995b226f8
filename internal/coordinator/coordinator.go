// Package coordinator drives HTLC swaps through their phases. Every mutation
// of a swap happens under that swap's registry lease.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/1inch/swap-coordinator/internal/adapters"
	"github.com/1inch/swap-coordinator/internal/config"
	"github.com/1inch/swap-coordinator/internal/metrics"
	"github.com/1inch/swap-coordinator/internal/registry"
	"github.com/1inch/swap-coordinator/internal/retry"
	"github.com/1inch/swap-coordinator/internal/secret"
	"github.com/1inch/swap-coordinator/internal/types"
)

// maxStepsPerRun bounds Run; a full happy path takes four steps.
const maxStepsPerRun = 16

const (
	defaultLeaseTTL         = 2 * time.Minute
	defaultMaxConcurrency   = 16
	defaultSweepStepTimeout = 10 * time.Minute
)

// TimelockScheduler arms callbacks at leg timelocks.
type TimelockScheduler interface {
	ScheduleTimelock(swapID string, leg types.LegName, at time.Time)
	CancelSwap(swapID string)
}

// Options wires a Coordinator.
type Options struct {
	Registry   registry.Registry
	Adapters   *adapters.Set
	Converters *adapters.Converters
	Sealer     *secret.Sealer
	Clock      clockwork.Clock
	Config     config.Coordinator
	Alerter    Alerter
	Metrics    *metrics.Metrics
	Scheduler  TimelockScheduler
}

// Coordinator implements the swap state machine.
type Coordinator struct {
	registry   registry.Registry
	adapters   *adapters.Set
	converters *adapters.Converters
	sealer     *secret.Sealer
	clock      clockwork.Clock
	cfg        config.Coordinator
	alerter    Alerter
	metrics    *metrics.Metrics
	owner      string
	retry      retry.Policy
	fillRetry  retry.Policy
	logger     *log.Entry

	mu        sync.Mutex
	scheduler TimelockScheduler
	inflight  map[string]struct{}
}

// InitiateParams are the caller supplied terms of a new swap.
type InitiateParams struct {
	SwapID string // generated when empty
	LegA   types.LegTerms
	LegB   types.LegTerms
}

// SweepReport summarises a recovery sweep.
type SweepReport struct {
	Swept     []string
	Failed    []string
	Skipped   []string
	Attention []string
}

// New creates a coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Adapters == nil {
		return nil, fmt.Errorf("adapter set is required")
	}
	if opts.Sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}

	cfg := opts.Config
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.MaxConcurrentSwaps <= 0 {
		cfg.MaxConcurrentSwaps = defaultMaxConcurrency
	}
	if cfg.SweepStepTimeout <= 0 {
		cfg.SweepStepTimeout = defaultSweepStepTimeout
	}
	owner := cfg.InstanceID
	if owner == "" {
		owner = "coordinator-" + uuid.NewString()
	}

	c := &Coordinator{
		registry:   opts.Registry,
		adapters:   opts.Adapters,
		converters: opts.Converters,
		sealer:     opts.Sealer,
		clock:      opts.Clock,
		cfg:        cfg,
		alerter:    opts.Alerter,
		metrics:    opts.Metrics,
		owner:      owner,
		scheduler:  opts.Scheduler,
		inflight:   make(map[string]struct{}),
		logger:     log.WithField("coordinator", owner),
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.alerter == nil {
		c.alerter = LogAlerter{}
	}

	onRetry := func(op string, attempt uint64, err error) { c.metrics.ObserveRetry(op) }
	c.retry = cfg.RetryPolicy()
	c.retry.OnRetry = onRetry
	c.fillRetry = cfg.FillRetryPolicy()
	c.fillRetry.OnRetry = onRetry

	return c, nil
}

// SetScheduler attaches the timelock scheduler after construction.
func (c *Coordinator) SetScheduler(s TimelockScheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduler = s
}

// Owner is the lease owner name of this instance.
func (c *Coordinator) Owner() string {
	return c.owner
}

// Initiate validates the terms, generates the commitment and persists the swap as INITIATED.
func (c *Coordinator) Initiate(ctx context.Context, p InitiateParams) (*types.SwapRecord, error) {
	const op = "initiate"

	swapID := p.SwapID
	if swapID == "" {
		swapID = uuid.NewString()
	}

	sec, hashlock, err := secret.Generate(ctx, c.registry.HashlockInUse)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	intent, err := types.NewSwapIntent(swapID, p.LegA, p.LegB, hashlock)
	if err != nil {
		return nil, err
	}
	if err := c.checkPolicy(intent); err != nil {
		return nil, err
	}
	if err := c.checkRoutes(intent); err != nil {
		return nil, err
	}

	sealed, err := c.sealer.Seal(swapID, sec)
	if err != nil {
		return nil, fmt.Errorf("failed to seal secret: %w", err)
	}
	rec := types.NewSwapRecord(intent, sealed, c.clock.Now())
	if err := c.registry.Put(ctx, rec); err != nil {
		if errors.Is(err, registry.ErrSwapExists) {
			return nil, types.Validation(op, "swap %s already exists", swapID)
		}
		return nil, fmt.Errorf("failed to store swap: %w", err)
	}
	c.scheduleTimelocks(rec)

	c.logger.WithFields(log.Fields{
		"swap_id":    swapID,
		"hashlock":   hashlock.Hex(),
		"timelock_a": intent.LegA.Timelock.UTC().Format(time.RFC3339),
		"timelock_b": intent.LegB.Timelock.UTC().Format(time.RFC3339),
	}).Info("Swap initiated")
	return rec, nil
}

// checkPolicy applies the clock dependent rules NewSwapIntent cannot.
func (c *Coordinator) checkPolicy(intent *types.SwapIntent) error {
	const op = "initiate"
	now := c.clock.Now()

	if !intent.LegB.Timelock.After(now.Add(c.cfg.MinLockWindow)) {
		return types.NewError(types.KindValidation, op, types.ErrInvalidTimelock,
			fmt.Errorf("timelock B must be at least %s in the future", c.cfg.MinLockWindow))
	}
	if gap := intent.TimelockGap(); gap < c.cfg.MinTimelockGap {
		return types.NewError(types.KindValidation, op, types.ErrInvalidTimelock,
			fmt.Errorf("timelock gap %s is below the minimum %s", gap, c.cfg.MinTimelockGap))
	}
	return nil
}

// checkRoutes makes sure this instance can act for every party of the swap.
func (c *Coordinator) checkRoutes(intent *types.SwapIntent) error {
	const op = "initiate"

	routes := [][2]string{
		{intent.LegB.Chain, intent.LegB.Sender},
		{intent.LegB.Chain, intent.LegB.Receiver},
	}
	if intent.LegA.Conversion == nil {
		routes = append(routes,
			[2]string{intent.LegA.Chain, intent.LegA.Sender},
			[2]string{intent.LegA.Chain, intent.LegA.Receiver})
	} else {
		if _, err := c.converters.For(intent.LegA.Chain); err != nil {
			return types.Validation(op, "%v", err)
		}
		if _, err := c.adapters.Any(intent.LegA.Chain); err != nil {
			return types.Validation(op, "%v", err)
		}
	}
	for _, r := range routes {
		if _, err := c.adapters.For(r[0], r[1]); err != nil {
			return types.Validation(op, "%v", err)
		}
	}
	return nil
}

// Advance performs exactly one phase step.
func (c *Coordinator) Advance(ctx context.Context, swapID string) (*types.SwapRecord, error) {
	var out *types.SwapRecord
	err := c.withLease(ctx, swapID, func(ctx context.Context, s *session) error {
		defer func() { out = s.rec }()
		_, err := c.step(ctx, s)
		return err
	})
	return out, err
}

// Run steps the swap until it is terminal or waiting on time.
func (c *Coordinator) Run(ctx context.Context, swapID string) (*types.SwapRecord, error) {
	var out *types.SwapRecord
	err := c.withLease(ctx, swapID, func(ctx context.Context, s *session) error {
		defer func() { out = s.rec }()
		for i := 0; i < maxStepsPerRun; i++ {
			progressed, err := c.step(ctx, s)
			if err != nil {
				return err
			}
			if !progressed || s.rec.Phase.IsTerminal() {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// HandleTimelock is the scheduler callback for an elapsed timelock.
func (c *Coordinator) HandleTimelock(ctx context.Context, swapID string) error {
	rec, err := c.Run(ctx, swapID)
	if errors.Is(err, registry.ErrLeaseHeld) {
		return nil
	}
	if rec != nil {
		c.logger.WithFields(log.Fields{"swap_id": swapID, "phase": rec.Phase}).Debug("Timelock handled")
	}
	return err
}

// Status returns the stored record.
func (c *Coordinator) Status(ctx context.Context, swapID string) (*types.SwapRecord, error) {
	return c.registry.Get(ctx, swapID)
}

// List returns all swaps, or only those a sweep would visit.
func (c *Coordinator) List(ctx context.Context, activeOnly bool) ([]*types.SwapRecord, error) {
	if activeOnly {
		return c.registry.ListActive(ctx)
	}
	return c.registry.List(ctx)
}

// Cancel stops a swap before the secret is revealed. Swaps without any lock
// end CANCELLED, the others move to REFUNDING.
func (c *Coordinator) Cancel(ctx context.Context, swapID string) (*types.SwapRecord, error) {
	var out *types.SwapRecord
	err := c.withLease(ctx, swapID, func(ctx context.Context, s *session) error {
		defer func() { out = s.rec }()
		return c.cancel(ctx, s, "cancelled by operator")
	})
	return out, err
}

// ForceRefund moves the swap to REFUNDING and runs one refund pass. Each leg
// is refunded only once its own timelock elapsed.
func (c *Coordinator) ForceRefund(ctx context.Context, swapID string) (*types.SwapRecord, error) {
	var out *types.SwapRecord
	err := c.withLease(ctx, swapID, func(ctx context.Context, s *session) error {
		defer func() { out = s.rec }()
		if err := c.cancel(ctx, s, "refund forced by operator"); err != nil {
			return err
		}
		if s.rec.Phase != types.PhaseRefunding && s.rec.Phase != types.PhasePartialRefund {
			return nil
		}
		return c.reconcile(ctx, s)
	})
	return out, err
}

func (c *Coordinator) cancel(ctx context.Context, s *session, note string) error {
	const op = "cancel"
	rec := s.rec

	if rec.Phase.SecretRevealed() || rec.LegB.ClaimTxHash != "" {
		return types.Validation(op, "secret of swap %s may already be revealed", rec.SwapID)
	}
	switch rec.Phase {
	case types.PhaseRefunding, types.PhasePartialRefund:
		return nil
	}
	if rec.Phase.IsTerminal() {
		return types.Validation(op, "swap %s is already %s", rec.SwapID, rec.Phase)
	}

	if rec.Phase == types.PhaseInitiated && !rec.LegB.HasLock() {
		// a lock may have been broadcast before a crash without being recorded
		state, err := c.queryLeg(ctx, &rec.LegB)
		if err != nil {
			return c.keepPhase(ctx, s, err)
		}
		if state.Status == types.LockAbsent {
			return c.transition(ctx, s, types.PhaseCancelled, note)
		}
		rec.LegB.TxHash = state.CreatedTx
		rec.LegB.Status = state.Status
	}
	return c.transition(ctx, s, types.PhaseRefunding, note)
}

// Purge deletes a settled swap whose legs are no longer open on chain.
func (c *Coordinator) Purge(ctx context.Context, swapID string) error {
	const op = "purge"
	return c.withLease(ctx, swapID, func(ctx context.Context, s *session) error {
		if !s.rec.Phase.IsSettled() {
			return types.Validation(op, "swap %s is %s, only settled swaps can be purged", swapID, s.rec.Phase)
		}
		for _, name := range []types.LegName{types.LegB, types.LegA} {
			status, err := c.observeLeg(ctx, s.rec.Leg(name))
			if err != nil {
				return err
			}
			if status == types.LockOpen {
				return types.Validation(op, "leg %s of swap %s is still locked", name, swapID)
			}
		}
		if err := c.registry.Delete(ctx, swapID); err != nil {
			return fmt.Errorf("failed to delete swap: %w", err)
		}
		c.unscheduleSwap(swapID)
		c.logger.WithField("swap_id", swapID).Info("Swap purged")
		return nil
	})
}

// Recover runs every active swap once, concurrently, and alerts on swaps
// that need an operator. Each run is bounded by SweepStepTimeout so one
// hanging swap cannot hold up the others.
func (c *Coordinator) Recover(ctx context.Context) (*SweepReport, error) {
	records, err := c.registry.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active swaps: %w", err)
	}

	report := &SweepReport{}
	counts := make(map[string]int)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrentSwaps)
	for _, rec := range records {
		counts[string(rec.Phase)]++
		if rec.Phase.NeedsAttention() {
			c.alert(ctx, SeverityCritical, rec, rec.LastErrorKind,
				fmt.Sprintf("swap %s needs operator attention: %s", rec.SwapID, rec.LastError))
			report.Attention = append(report.Attention, rec.SwapID)
			continue
		}
		c.scheduleTimelocks(rec)

		swapID := rec.SwapID
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, c.cfg.SweepStepTimeout)
			defer cancel()
			_, err := c.Run(rctx, swapID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Swept = append(report.Swept, swapID)
			case errors.Is(err, registry.ErrLeaseHeld):
				report.Skipped = append(report.Skipped, swapID)
			default:
				report.Failed = append(report.Failed, swapID)
				c.logger.WithField("swap_id", swapID).WithError(err).Warn("Recovery step failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	c.metrics.SetActive(counts)

	c.logger.WithFields(log.Fields{
		"swept":     len(report.Swept),
		"failed":    len(report.Failed),
		"skipped":   len(report.Skipped),
		"attention": len(report.Attention),
	}).Info("Recovery sweep completed")
	return report, ctx.Err()
}

// Sweep is the periodic scheduler callback.
func (c *Coordinator) Sweep(ctx context.Context) error {
	_, err := c.Recover(ctx)
	return err
}

func (c *Coordinator) scheduleTimelocks(rec *types.SwapRecord) {
	c.mu.Lock()
	s := c.scheduler
	c.mu.Unlock()
	if s == nil || rec.Phase.IsSettled() {
		return
	}
	s.ScheduleTimelock(rec.SwapID, types.LegB, rec.LegB.Timelock)
	s.ScheduleTimelock(rec.SwapID, types.LegA, rec.LegA.Timelock)
}

func (c *Coordinator) unscheduleSwap(swapID string) {
	c.mu.Lock()
	s := c.scheduler
	c.mu.Unlock()
	if s != nil {
		s.CancelSwap(swapID)
	}
}

// session is a leased view of one swap.
type session struct {
	rec *types.SwapRecord

	mu    sync.Mutex
	lease registry.Lease
}

func (s *session) Lease() registry.Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease
}

func (s *session) setLease(l registry.Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lease = l
}

// withLease runs fn while holding the swap's lease, renewing it in the background.
func (c *Coordinator) withLease(ctx context.Context, swapID string, fn func(ctx context.Context, s *session) error) error {
	c.mu.Lock()
	if _, busy := c.inflight[swapID]; busy {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is being processed by this instance", registry.ErrLeaseHeld, swapID)
	}
	c.inflight[swapID] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, swapID)
		c.mu.Unlock()
	}()

	lease, err := c.registry.AcquireLease(ctx, swapID, c.owner, c.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	s := &session{lease: lease}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepLease(ctx, cancel, s)
	}()
	defer func() {
		cancel()
		wg.Wait()
		if err := c.registry.ReleaseLease(context.Background(), s.Lease()); err != nil {
			c.logger.WithField("swap_id", swapID).WithError(err).Warn("Failed to release lease")
		}
	}()

	rec, err := c.registry.Get(ctx, swapID)
	if err != nil {
		return err
	}
	s.rec = rec
	return fn(ctx, s)
}

// keepLease renews the lease at a third of its TTL and cancels the work
// once it cannot.
func (c *Coordinator) keepLease(ctx context.Context, cancel context.CancelFunc, s *session) {
	ticker := c.clock.NewTicker(c.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			renewed, err := c.registry.RenewLease(ctx, s.Lease(), c.cfg.LeaseTTL)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.WithField("swap_id", s.Lease().SwapID).WithError(err).Error("Lease lost, aborting step")
				}
				cancel()
				return
			}
			s.setLease(renewed)
		}
	}
}

func (c *Coordinator) save(ctx context.Context, s *session) error {
	s.rec.UpdatedAt = c.clock.Now()
	if err := c.registry.Save(ctx, s.rec, s.Lease()); err != nil {
		return fmt.Errorf("failed to save swap %s: %w", s.rec.SwapID, err)
	}
	return nil
}

// transition validates and persists a phase change.
func (c *Coordinator) transition(ctx context.Context, s *session, to types.Phase, note string) error {
	from := s.rec.Phase
	t, ok := findTransition(from, to)
	if !ok {
		return types.ProtocolViolation("transition", "%s -> %s is not allowed, expected one of %v", from, to, ValidTransitions(from))
	}
	if note == "" {
		note = t.Description
	}

	s.rec.SetPhase(to, c.clock.Now(), note)
	if err := c.save(ctx, s); err != nil {
		return err
	}
	c.metrics.ObserveTransition(string(from), string(to))

	c.logger.WithFields(log.Fields{
		"swap_id": s.rec.SwapID,
		"from":    from,
		"phase":   to,
	}).Info(note)

	if to.IsSettled() {
		c.unscheduleSwap(s.rec.SwapID)
	}
	return nil
}

// keepPhase records err on the swap without changing the phase.
func (c *Coordinator) keepPhase(ctx context.Context, s *session, err error) error {
	s.rec.SetError(err)
	if saveErr := c.save(ctx, s); saveErr != nil {
		c.logger.WithField("swap_id", s.rec.SwapID).WithError(saveErr).Warn("Failed to record error")
	}
	return err
}

// halt stops automation on a protocol violation.
func (c *Coordinator) halt(ctx context.Context, s *session, cause error) error {
	err := cause
	if types.KindOf(cause) != types.KindProtocolViolation {
		err = types.NewError(types.KindProtocolViolation, "halt", types.ErrOutOfOrder, cause)
	}
	s.rec.SetError(err)
	if tErr := c.transition(ctx, s, types.PhaseHalted, ""); tErr != nil {
		return fmt.Errorf("%v (while halting: %w)", err, tErr)
	}
	c.alert(ctx, SeverityCritical, s.rec, types.KindProtocolViolation,
		fmt.Sprintf("swap %s halted: %v", s.rec.SwapID, cause))
	return err
}

// stuck records funds that can no longer be recovered automatically.
func (c *Coordinator) stuck(ctx context.Context, s *session, op string, cause error) error {
	err := types.CriticalStuckFunds(op, cause)
	s.rec.SetError(err)
	if tErr := c.transition(ctx, s, types.PhaseStuck, ""); tErr != nil {
		return fmt.Errorf("%v (while marking stuck: %w)", err, tErr)
	}
	c.alert(ctx, SeverityCritical, s.rec, types.KindCriticalStuckFunds,
		fmt.Sprintf("funds of swap %s are stuck: %v", s.rec.SwapID, cause))
	return err
}

// fallBack moves the swap to a recovery phase and keeps the cause for display.
func (c *Coordinator) fallBack(ctx context.Context, s *session, to types.Phase, cause error) error {
	s.rec.SetError(cause)
	note := ""
	if cause != nil {
		note = fmt.Sprintf("%s: %v", describe(s.rec.Phase, to), cause)
	}
	return c.transition(ctx, s, to, note)
}

func describe(from, to types.Phase) string {
	if t, ok := findTransition(from, to); ok {
		return t.Description
	}
	return string(to)
}
