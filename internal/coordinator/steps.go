package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/1inch/swap-coordinator/internal/adapters"
	"github.com/1inch/swap-coordinator/internal/secret"
	"github.com/1inch/swap-coordinator/internal/types"
)

// step performs one phase step and reports whether the phase changed.
func (c *Coordinator) step(ctx context.Context, s *session) (bool, error) {
	phase := s.rec.Phase
	start := c.clock.Now()
	defer func() { c.metrics.ObserveStep(string(phase), c.clock.Since(start)) }()

	var err error
	switch phase {
	case types.PhaseInitiated:
		err = c.lockLegB(ctx, s)
	case types.PhaseLegBLocked:
		err = c.lockLegA(ctx, s)
	case types.PhaseLegALocked:
		err = c.claimLegB(ctx, s)
	case types.PhaseLegBClaimed:
		err = c.claimLegA(ctx, s)
	case types.PhaseRefunding, types.PhasePartialRefund:
		err = c.reconcile(ctx, s)
	case types.PhaseStuck, types.PhaseHalted:
		c.alert(ctx, SeverityCritical, s.rec, s.rec.LastErrorKind,
			fmt.Sprintf("swap %s is %s and needs operator attention", s.rec.SwapID, phase))
		return false, nil
	default:
		return false, nil
	}
	return s.rec.Phase != phase, err
}

// isRetryable reports errors that leave the swap where it is: transport
// failures and untyped errors such as a missing adapter.
func isRetryable(err error) bool {
	kind := types.KindOf(err)
	return kind == types.KindTransport || kind == types.KindUnknown
}

func (c *Coordinator) logFor(rec *types.SwapRecord, leg types.LegName) *log.Entry {
	return c.logger.WithFields(log.Fields{
		"swap_id": rec.SwapID,
		"phase":   rec.Phase,
		"leg":     leg,
		"chain":   rec.Leg(leg).Chain,
	})
}

// lockLegB handles INITIATED.
func (c *Coordinator) lockLegB(ctx context.Context, s *session) error {
	b := &s.rec.LegB
	err := c.ensureLock(ctx, s, types.LegB, b.Timelock.Add(-c.cfg.ClaimSafetyMargin))
	switch {
	case err == nil:
		return c.transition(ctx, s, types.PhaseLegBLocked, "")
	case isRetryable(err):
		return c.keepPhase(ctx, s, err)
	case b.HasLock():
		return c.fallBack(ctx, s, types.PhaseRefunding, err)
	default:
		s.rec.SetError(err)
		return c.transition(ctx, s, types.PhaseCancelled, fmt.Sprintf("leg B not locked: %v", err))
	}
}

// lockLegA handles LEG_B_LOCKED.
func (c *Coordinator) lockLegA(ctx context.Context, s *session) error {
	a := &s.rec.LegA
	deadline := s.rec.LegB.Timelock.Add(-c.cfg.ClaimSafetyMargin)

	var err error
	if a.Conversion != nil {
		err = c.ensureOrder(ctx, s, deadline)
	} else {
		err = c.ensureLock(ctx, s, types.LegA, deadline)
	}
	switch {
	case err == nil:
		return c.transition(ctx, s, types.PhaseLegALocked, "")
	case isRetryable(err):
		return c.keepPhase(ctx, s, err)
	default:
		return c.fallBack(ctx, s, types.PhaseRefunding, err)
	}
}

// ensureLock creates the leg's lock if it is not on chain yet, waits for
// finality and checks the lock against the swap terms. The lock tx hash is
// persisted before waiting so a restart resumes instead of locking twice.
func (c *Coordinator) ensureLock(ctx context.Context, s *session, name types.LegName, deadline time.Time) error {
	leg := s.rec.Leg(name)
	sender, err := c.adapters.For(leg.Chain, leg.Sender)
	if err != nil {
		return fmt.Errorf("failed to route leg %s: %w", name, err)
	}

	if !leg.HasLock() {
		state, err := c.queryLeg(ctx, leg)
		if err != nil {
			return err
		}
		if state.Status == types.LockAbsent {
			if !c.clock.Now().Before(deadline) {
				return types.NewError(types.KindChainState, adapters.OpCreateLock, types.ErrTimelockExpired,
					fmt.Errorf("too late to lock leg %s, claim window closes at %s", name, deadline.UTC().Format(time.RFC3339)))
			}
			txHash, err := c.createLock(ctx, sender, s.rec, leg)
			if err != nil {
				return err
			}
			leg.TxHash = txHash
		} else {
			leg.TxHash = state.CreatedTx
		}
		leg.Status = types.LockOpen
		if err := c.save(ctx, s); err != nil {
			return err
		}
		c.logFor(s.rec, name).WithField("tx", leg.TxHash).Info("Lock transaction recorded")
	}

	if !leg.LockFinalized {
		if leg.TxHash != "" {
			err := c.awaitFinality(ctx, sender, leg.TxHash, deadline)
			if errors.Is(err, types.ErrFinalityTimeout) {
				return c.lockNotFinal(ctx, s, name, deadline, err)
			}
			if err != nil {
				return err
			}
		}
		leg.LockFinalized = true
	}

	state, err := c.queryLeg(ctx, leg)
	if err != nil {
		return err
	}
	switch state.Status {
	case types.LockClaimed:
		return types.ChainState("verify lock", types.ErrAlreadyClaimed)
	case types.LockRefunded:
		return types.ChainState("verify lock", types.ErrAlreadyRefunded)
	}
	return verifyLock(leg, s.rec.Hashlock, state)
}

// lockNotFinal handles a lock transaction that was not final by deadline. A
// lock the chain does not know is forgotten so the next step can decide
// again; past the deadline the leg cannot be used any more.
func (c *Coordinator) lockNotFinal(ctx context.Context, s *session, name types.LegName, deadline time.Time, cause error) error {
	leg := s.rec.Leg(name)
	state, err := c.queryLeg(ctx, leg)
	if err != nil {
		return err
	}
	if state.Status == types.LockAbsent {
		c.logFor(s.rec, name).WithField("tx", leg.TxHash).Warn("Lock transaction not found on chain, forgetting it")
		leg.TxHash = ""
		leg.Status = ""
		if err := c.save(ctx, s); err != nil {
			return err
		}
	}
	if !c.clock.Now().Before(deadline) {
		return types.NewError(types.KindChainState, adapters.OpFinality, types.ErrTimelockExpired,
			fmt.Errorf("lock of leg %s not final before %s: %v", name, deadline.UTC().Format(time.RFC3339), cause))
	}
	return cause
}

func (c *Coordinator) createLock(ctx context.Context, sender adapters.ChainAdapter, rec *types.SwapRecord, leg *types.LegRecord) (string, error) {
	req := adapters.LockRequest{
		LockID:   leg.LockID,
		Receiver: leg.Receiver,
		Hashlock: rec.Hashlock,
		Timelock: leg.Timelock,
		Asset:    leg.Asset,
		Amount:   leg.Amount,
	}

	var handle *adapters.LockHandle
	err := c.retry.Do(ctx, adapters.OpCreateLock, func() error {
		h, err := sender.CreateLock(ctx, req)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if errors.Is(err, types.ErrLockExists) {
		// an earlier attempt landed after reporting a failure
		state, qErr := c.queryLeg(ctx, leg)
		if qErr != nil {
			return "", qErr
		}
		return state.CreatedTx, nil
	}
	if err != nil {
		return "", err
	}
	return handle.TxHash, nil
}

// ensureOrder is ensureLock for a conversion leg: the order stands in for the lock.
func (c *Coordinator) ensureOrder(ctx context.Context, s *session, deadline time.Time) error {
	a := &s.rec.LegA
	conv, err := c.converters.For(a.Chain)
	if err != nil {
		return fmt.Errorf("failed to route conversion: %w", err)
	}

	if a.Order == nil {
		if !c.clock.Now().Before(deadline) {
			return types.NewError(types.KindChainState, adapters.OpPrepareOrder, types.ErrTimelockExpired,
				fmt.Errorf("too late to place order, claim window closes at %s", deadline.UTC().Format(time.RFC3339)))
		}
		req := adapters.OrderRequest{
			SwapID:       s.rec.SwapID,
			Maker:        a.Sender,
			Receiver:     a.Receiver,
			MakerAsset:   a.Asset,
			TakerAsset:   a.Conversion.TakerAsset,
			MakingAmount: a.Amount,
			TakingAmount: a.Conversion.ExpectedOutput,
			MinOutput:    a.Conversion.MinOutput(),
			Hashlock:     s.rec.Hashlock,
			Expiry:       a.Timelock,
		}
		var ref *types.OrderRef
		err := c.retry.Do(ctx, adapters.OpPrepareOrder, func() error {
			r, err := conv.PrepareOrder(ctx, req)
			if err != nil {
				return err
			}
			ref = r
			return nil
		})
		if err != nil {
			return err
		}
		a.Order = ref
		a.TxHash = ref.TxHash
		a.Status = types.LockOpen
		if err := c.save(ctx, s); err != nil {
			return err
		}
		c.logFor(s.rec, types.LegA).WithFields(log.Fields{
			"order": ref.OrderHash.Hex(),
			"tx":    ref.TxHash,
		}).Info("Conversion order placed")
	}

	if !a.LockFinalized {
		if a.Order.TxHash != "" {
			reader, err := c.adapters.Any(a.Chain)
			if err != nil {
				return fmt.Errorf("failed to route leg A: %w", err)
			}
			err = c.awaitFinality(ctx, reader, a.Order.TxHash, deadline)
			if errors.Is(err, types.ErrFinalityTimeout) && !c.clock.Now().Before(deadline) {
				return types.NewError(types.KindChainState, adapters.OpFinality, types.ErrTimelockExpired, err)
			}
			if err != nil {
				return err
			}
		}
		a.LockFinalized = true
	}
	return verifyOrder(a)
}

// claimLegB handles LEG_A_LOCKED: the secret is revealed by claiming leg B.
func (c *Coordinator) claimLegB(ctx context.Context, s *session) error {
	const op = "claim leg B"
	rec := s.rec
	b := &rec.LegB

	receiver, err := c.adapters.For(b.Chain, b.Receiver)
	if err != nil {
		return c.keepPhase(ctx, s, fmt.Errorf("failed to route leg B: %w", err))
	}
	deadline := b.Timelock.Add(-c.cfg.ClaimSafetyMargin)

	if b.ClaimTxHash == "" {
		state, err := c.queryLeg(ctx, b)
		if err != nil {
			return c.keepPhase(ctx, s, err)
		}
		switch state.Status {
		case types.LockClaimed:
			return c.adoptClaimB(ctx, s, state)
		case types.LockOpen:
			if err := verifyLock(b, rec.Hashlock, state); err != nil {
				return c.fallBack(ctx, s, types.PhaseRefunding, err)
			}
		case types.LockRefunded:
			return c.fallBack(ctx, s, types.PhaseRefunding, types.ChainState(op, types.ErrAlreadyRefunded))
		default:
			return c.fallBack(ctx, s, types.PhaseRefunding, types.ChainState(op, types.ErrLockNotFound))
		}

		if err := c.verifyCounterLeg(ctx, rec); err != nil {
			if isRetryable(err) {
				return c.keepPhase(ctx, s, err)
			}
			return c.fallBack(ctx, s, types.PhaseRefunding, err)
		}

		if !c.clock.Now().Before(deadline) {
			return c.fallBack(ctx, s, types.PhaseRefunding, types.NewError(types.KindChainState, op, types.ErrTimelockExpired,
				fmt.Errorf("claim window closed at %s", deadline.UTC().Format(time.RFC3339))))
		}

		sec, err := c.openSecret(rec)
		if err != nil {
			return c.halt(ctx, s, err)
		}

		var receipt *adapters.ClaimReceipt
		err = c.retry.Do(ctx, adapters.OpClaim, func() error {
			r, err := receiver.ClaimWithSecret(ctx, handleOf(b), sec)
			if err != nil {
				return err
			}
			receipt = r
			return nil
		})
		switch {
		case err == nil:
			b.ClaimTxHash = receipt.TxHash
			if err := c.save(ctx, s); err != nil {
				return err
			}
			c.logFor(rec, types.LegB).WithField("tx", b.ClaimTxHash).Info("Leg B claim sent, secret revealed")
		case errors.Is(err, types.ErrAlreadyClaimed):
			state, qErr := c.queryLeg(ctx, b)
			if qErr != nil {
				return c.keepPhase(ctx, s, qErr)
			}
			return c.adoptClaimB(ctx, s, state)
		case errors.Is(err, types.ErrSecretMismatch):
			return c.halt(ctx, s, err)
		case isRetryable(err), errors.Is(err, types.ErrTxReverted):
			return c.keepPhase(ctx, s, err)
		default:
			return c.fallBack(ctx, s, types.PhaseRefunding, err)
		}
	}

	err = c.awaitFinality(ctx, receiver, b.ClaimTxHash, deadline)
	if errors.Is(err, types.ErrFinalityTimeout) {
		return c.claimBNotFinal(ctx, s, deadline, err)
	}
	if err != nil {
		if !isRetryable(err) {
			// the claim did not land; the next step checks the lock again
			b.ClaimTxHash = ""
		}
		return c.keepPhase(ctx, s, err)
	}
	b.ClaimFinalized = true
	b.Status = types.LockClaimed
	s.rec.SetError(nil)
	return c.transition(ctx, s, types.PhaseLegBClaimed, "")
}

// claimBNotFinal handles a leg B claim that was not final by the claim
// deadline. The chain decides: a landed claim is adopted, otherwise the claim
// is forgotten and the swap refunds once the window has closed.
func (c *Coordinator) claimBNotFinal(ctx context.Context, s *session, deadline time.Time, cause error) error {
	b := &s.rec.LegB
	state, err := c.queryLeg(ctx, b)
	if err != nil {
		return c.keepPhase(ctx, s, err)
	}
	if state.Status == types.LockClaimed {
		return c.adoptClaimB(ctx, s, state)
	}
	c.logFor(s.rec, types.LegB).WithField("tx", b.ClaimTxHash).Warn("Leg B claim not final, forgetting it")
	b.ClaimTxHash = ""
	if !c.clock.Now().Before(deadline) {
		return c.fallBack(ctx, s, types.PhaseRefunding, cause)
	}
	return c.keepPhase(ctx, s, cause)
}

// adoptClaimB accepts a leg B claim found on chain.
func (c *Coordinator) adoptClaimB(ctx context.Context, s *session, state *adapters.LockState) error {
	if !state.Secret.IsZero() && state.Secret.Hash() != s.rec.Hashlock {
		return c.halt(ctx, s, types.ProtocolViolation("claim leg B", "leg B was claimed with a secret that does not match the hashlock"))
	}
	b := &s.rec.LegB
	b.Status = types.LockClaimed
	b.ClaimFinalized = true
	return c.transition(ctx, s, types.PhaseLegBClaimed, "leg B claim found on chain")
}

// verifyCounterLeg checks leg A before the secret is revealed on leg B.
func (c *Coordinator) verifyCounterLeg(ctx context.Context, rec *types.SwapRecord) error {
	const op = "verify leg A"
	a := &rec.LegA

	if a.Conversion != nil {
		if a.Order == nil {
			return types.ChainState(op, types.ErrLockNotFound)
		}
		return verifyOrder(a)
	}

	state, err := c.queryLeg(ctx, a)
	if err != nil {
		return err
	}
	switch state.Status {
	case types.LockOpen, types.LockClaimed:
		return verifyLock(a, rec.Hashlock, state)
	case types.LockRefunded:
		return types.ChainState(op, types.ErrAlreadyRefunded)
	default:
		return types.ChainState(op, types.ErrLockNotFound)
	}
}

// claimLegA handles LEG_B_CLAIMED. The secret is public from here on, so
// failures end in STUCK rather than a refund.
func (c *Coordinator) claimLegA(ctx context.Context, s *session) error {
	const op = "claim leg A"
	rec := s.rec
	a := &rec.LegA

	if !rec.LegB.ClaimFinalized {
		return c.halt(ctx, s, types.ProtocolViolation(op, "leg B claim is not finalized"))
	}
	sec, err := c.openSecret(rec)
	if err != nil {
		return c.halt(ctx, s, err)
	}

	if c.cfg.ConfirmRevealOnChain && a.ClaimTxHash == "" {
		state, err := c.queryLeg(ctx, &rec.LegB)
		if err != nil {
			return c.keepPhase(ctx, s, err)
		}
		if state.Status != types.LockClaimed {
			return c.halt(ctx, s, types.ProtocolViolation(op, "leg B is %s on chain, expected %s", state.Status, types.LockClaimed))
		}
		if !state.Secret.IsZero() && state.Secret != sec {
			return c.halt(ctx, s, types.ProtocolViolation(op, "secret revealed on leg B does not match the stored secret"))
		}
	}

	if a.Conversion != nil {
		return c.fillLegA(ctx, s, sec)
	}

	receiver, err := c.adapters.For(a.Chain, a.Receiver)
	if err != nil {
		return c.keepPhase(ctx, s, fmt.Errorf("failed to route leg A: %w", err))
	}

	if a.ClaimTxHash == "" {
		var receipt *adapters.ClaimReceipt
		err := c.retry.Do(ctx, adapters.OpClaim, func() error {
			r, err := receiver.ClaimWithSecret(ctx, handleOf(a), sec)
			if err != nil {
				return err
			}
			receipt = r
			return nil
		})
		switch {
		case err == nil:
			a.ClaimTxHash = receipt.TxHash
			if err := c.save(ctx, s); err != nil {
				return err
			}
			c.logFor(rec, types.LegA).WithField("tx", a.ClaimTxHash).Info("Leg A claim sent")
		case errors.Is(err, types.ErrAlreadyClaimed):
			return c.completeLegA(ctx, s, "leg A claim found on chain")
		case errors.Is(err, types.ErrSecretMismatch):
			return c.halt(ctx, s, err)
		case isRetryable(err), errors.Is(err, types.ErrTxReverted):
			c.warnClaimWindow(ctx, s, err)
			return c.keepPhase(ctx, s, err)
		default:
			return c.stuck(ctx, s, op, err)
		}
	}

	err = c.awaitFinality(ctx, receiver, a.ClaimTxHash, a.Timelock)
	if errors.Is(err, types.ErrFinalityTimeout) {
		return c.claimANotFinal(ctx, s, err)
	}
	if err != nil {
		if !isRetryable(err) {
			a.ClaimTxHash = ""
		}
		return c.keepPhase(ctx, s, err)
	}
	return c.completeLegA(ctx, s, "")
}

// claimANotFinal forgets a leg A claim or fill that was not final in time
// unless the chain shows it landed.
func (c *Coordinator) claimANotFinal(ctx context.Context, s *session, cause error) error {
	a := &s.rec.LegA
	if a.Conversion == nil {
		state, err := c.queryLeg(ctx, a)
		if err != nil {
			return c.keepPhase(ctx, s, err)
		}
		if state.Status == types.LockClaimed {
			return c.completeLegA(ctx, s, "leg A claim found on chain")
		}
	}
	c.logFor(s.rec, types.LegA).WithField("tx", a.ClaimTxHash).Warn("Leg A claim not final, forgetting it")
	a.ClaimTxHash = ""
	c.warnClaimWindow(ctx, s, cause)
	return c.keepPhase(ctx, s, cause)
}

// fillLegA settles a conversion leg by filling its order with the secret.
func (c *Coordinator) fillLegA(ctx context.Context, s *session, sec types.Secret) error {
	rec := s.rec
	a := &rec.LegA

	if a.Order == nil {
		return c.halt(ctx, s, types.ProtocolViolation(adapters.OpFillOrder, "leg A has no order to fill"))
	}
	conv, err := c.converters.For(a.Chain)
	if err != nil {
		return c.keepPhase(ctx, s, fmt.Errorf("failed to route conversion: %w", err))
	}

	if a.ClaimTxHash == "" {
		var receipt *adapters.FillReceipt
		err := c.fillRetry.Do(ctx, adapters.OpFillOrder, func() error {
			r, err := conv.FillOrder(ctx, *a.Order, sec)
			if err != nil {
				return err
			}
			receipt = r
			return nil
		})
		switch {
		case err == nil:
			a.ClaimTxHash = receipt.TxHash
			a.OutputAmount = receipt.OutputAmount
			if err := c.save(ctx, s); err != nil {
				return err
			}
			c.logFor(rec, types.LegA).WithFields(log.Fields{
				"tx":     a.ClaimTxHash,
				"output": a.OutputAmount,
			}).Info("Conversion order filled")
		case errors.Is(err, types.ErrAlreadyClaimed):
			return c.completeLegA(ctx, s, "order fill found on chain")
		case errors.Is(err, types.ErrSecretMismatch):
			return c.halt(ctx, s, err)
		case ctx.Err() != nil:
			return c.keepPhase(ctx, s, err)
		default:
			return c.stuck(ctx, s, adapters.OpFillOrder, err)
		}
	}

	reader, err := c.adapters.Any(a.Chain)
	if err != nil {
		return c.keepPhase(ctx, s, fmt.Errorf("failed to route leg A: %w", err))
	}
	err = c.awaitFinality(ctx, reader, a.ClaimTxHash, a.Timelock)
	if errors.Is(err, types.ErrFinalityTimeout) {
		return c.claimANotFinal(ctx, s, err)
	}
	if err != nil {
		if !isRetryable(err) {
			a.ClaimTxHash = ""
		}
		return c.keepPhase(ctx, s, err)
	}
	return c.completeLegA(ctx, s, "")
}

// awaitFinality waits for txHash but no longer than deadline. A wait cut
// short by the deadline or by the adapter's own timeout reports
// ErrFinalityTimeout.
func (c *Coordinator) awaitFinality(ctx context.Context, reader adapters.ChainAdapter, txHash string, deadline time.Time) error {
	left := deadline.Sub(c.clock.Now())
	if left <= 0 {
		return types.NewError(types.KindTransport, adapters.OpFinality, types.ErrFinalityTimeout,
			fmt.Errorf("tx %s not final before %s", txHash, deadline.UTC().Format(time.RFC3339)))
	}

	wctx, cancel := context.WithTimeout(ctx, left)
	defer cancel()
	err := c.retry.Do(wctx, adapters.OpFinality, func() error {
		return reader.WaitForFinality(wctx, txHash)
	})
	if err != nil && wctx.Err() != nil && ctx.Err() == nil && !errors.Is(err, types.ErrFinalityTimeout) {
		return types.NewError(types.KindTransport, adapters.OpFinality, types.ErrFinalityTimeout,
			fmt.Errorf("tx %s not final before %s: %w", txHash, deadline.UTC().Format(time.RFC3339), err))
	}
	return err
}

func (c *Coordinator) completeLegA(ctx context.Context, s *session, note string) error {
	a := &s.rec.LegA
	a.Status = types.LockClaimed
	a.ClaimFinalized = true
	s.rec.SetError(nil)
	return c.transition(ctx, s, types.PhaseLegAClaimed, note)
}

// warnClaimWindow alerts when leg A keeps failing close to its timelock.
func (c *Coordinator) warnClaimWindow(ctx context.Context, s *session, cause error) {
	left := s.rec.LegA.Timelock.Sub(c.clock.Now())
	if left >= c.cfg.ClaimSafetyMargin {
		return
	}
	c.alert(ctx, SeverityCritical, s.rec, types.KindOf(cause),
		fmt.Sprintf("leg A claim of swap %s failing with %s left before its timelock: %v", s.rec.SwapID, left.Round(time.Second), cause))
}

func (c *Coordinator) openSecret(rec *types.SwapRecord) (types.Secret, error) {
	sec, err := c.sealer.Open(rec.SwapID, rec.SealedSecret)
	if err != nil {
		return types.Secret{}, types.NewError(types.KindProtocolViolation, "open secret", types.ErrOutOfOrder, err)
	}
	if !secret.Verify(sec, rec.Hashlock) {
		return types.Secret{}, types.NewError(types.KindProtocolViolation, "open secret", types.ErrSecretMismatch,
			fmt.Errorf("stored secret does not match hashlock %s", rec.Hashlock.Hex()))
	}
	return sec, nil
}

// queryLeg reads the leg's lock from chain.
func (c *Coordinator) queryLeg(ctx context.Context, leg *types.LegRecord) (*adapters.LockState, error) {
	reader, err := c.adapters.Any(leg.Chain)
	if err != nil {
		return nil, fmt.Errorf("failed to route query: %w", err)
	}
	var state *adapters.LockState
	err = c.retry.Do(ctx, adapters.OpQueryLock, func() error {
		st, err := reader.QueryLock(ctx, handleOf(leg))
		if err != nil {
			return err
		}
		state = st
		return nil
	})
	return state, err
}

func handleOf(leg *types.LegRecord) adapters.LockHandle {
	return adapters.LockHandle{Chain: leg.Chain, LockID: leg.LockID, TxHash: leg.TxHash}
}

func lockMismatch(op, format string, args ...interface{}) error {
	return types.NewError(types.KindChainState, op, types.ErrLockMismatch, fmt.Errorf(format, args...))
}

// verifyLock compares an observed lock with the leg's terms.
func verifyLock(leg *types.LegRecord, hashlock types.Hash, state *adapters.LockState) error {
	const op = "verify lock"

	if state.Status == types.LockAbsent {
		return types.ChainState(op, types.ErrLockNotFound)
	}
	if state.Hashlock != hashlock {
		return lockMismatch(op, "hashlock %s, expected %s", state.Hashlock.Hex(), hashlock.Hex())
	}
	if state.Amount == nil || state.Amount.Cmp(leg.Amount) != 0 {
		return lockMismatch(op, "amount %v, expected %s", state.Amount, leg.Amount)
	}
	if !strings.EqualFold(state.Receiver, leg.Receiver) {
		return lockMismatch(op, "receiver %s, expected %s", state.Receiver, leg.Receiver)
	}
	if state.Sender != "" && !strings.EqualFold(state.Sender, leg.Sender) {
		return lockMismatch(op, "sender %s, expected %s", state.Sender, leg.Sender)
	}
	if state.Asset != "" && leg.Asset != "" && !strings.EqualFold(state.Asset, leg.Asset) {
		return lockMismatch(op, "asset %s, expected %s", state.Asset, leg.Asset)
	}
	if state.Timelock.Unix() != leg.Timelock.Unix() {
		return lockMismatch(op, "timelock %s, expected %s",
			state.Timelock.UTC().Format(time.RFC3339), leg.Timelock.UTC().Format(time.RFC3339))
	}
	return nil
}

// verifyOrder checks a prepared order against the conversion terms.
func verifyOrder(leg *types.LegRecord) error {
	const op = "verify order"
	o := leg.Order

	if o.Expiry.Unix() != leg.Timelock.Unix() {
		return lockMismatch(op, "order expiry %s, expected %s",
			o.Expiry.UTC().Format(time.RFC3339), leg.Timelock.UTC().Format(time.RFC3339))
	}
	if o.Order.MakingAmount == nil || o.Order.MakingAmount.Cmp(leg.Amount) != 0 {
		return lockMismatch(op, "making amount %v, expected %s", o.Order.MakingAmount, leg.Amount)
	}
	if floor := leg.Conversion.MinOutput(); o.MinOutput == nil || o.MinOutput.Cmp(floor) < 0 {
		return lockMismatch(op, "min output %v below %s", o.MinOutput, floor)
	}
	return nil
}
