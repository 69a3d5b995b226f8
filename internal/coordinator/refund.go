package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/1inch/swap-coordinator/internal/adapters"
	"github.com/1inch/swap-coordinator/internal/types"
)

// reconcile handles REFUNDING and PARTIAL_REFUND. The chain is the source of
// truth: claims found on chain move the swap forward, otherwise every open
// leg whose timelock elapsed is refunded.
func (c *Coordinator) reconcile(ctx context.Context, s *session) error {
	rec := s.rec

	statusB, err := c.observeLeg(ctx, &rec.LegB)
	if err != nil {
		return c.keepPhase(ctx, s, err)
	}
	statusA, err := c.observeLeg(ctx, &rec.LegA)
	if err != nil {
		return c.keepPhase(ctx, s, err)
	}

	if done, err := c.settleClaims(ctx, s, statusA, statusB); done {
		return err
	}

	legs := []struct {
		name   types.LegName
		status *types.LockStatus
	}{
		{types.LegB, &statusB},
		{types.LegA, &statusA},
	}
	for _, l := range legs {
		leg := rec.Leg(l.name)
		leg.Status = *l.status
		if *l.status != types.LockOpen || c.clock.Now().Before(leg.Timelock) {
			continue
		}

		err := c.refundLeg(ctx, s, l.name)
		switch {
		case err == nil, errors.Is(err, types.ErrAlreadyRefunded):
			*l.status = types.LockRefunded
		case errors.Is(err, types.ErrAlreadyClaimed):
			*l.status = types.LockClaimed
		case errors.Is(err, types.ErrTimelockNotYetExpired):
			// chain time lags behind ours
			continue
		case errors.Is(err, types.ErrUnauthorized):
			return c.halt(ctx, s, err)
		default:
			return c.keepPhase(ctx, s, err)
		}
		leg.Status = *l.status
	}

	if done, err := c.settleClaims(ctx, s, statusA, statusB); done {
		return err
	}
	return c.settleRefunds(ctx, s, statusA, statusB)
}

// settleClaims moves the swap out of the refund path when a claim happened on chain.
func (c *Coordinator) settleClaims(ctx context.Context, s *session, statusA, statusB types.LockStatus) (bool, error) {
	const op = "reconcile"
	rec := s.rec
	a, b := &rec.LegA, &rec.LegB

	switch {
	case statusB == types.LockClaimed:
		b.Status = types.LockClaimed
		b.ClaimFinalized = true
		switch {
		case rec.Phase == types.PhasePartialRefund, statusA == types.LockRefunded:
			return true, c.stuck(ctx, s, op, errors.New("leg B was claimed but leg A was refunded"))
		case statusA == types.LockClaimed:
			a.Status = types.LockClaimed
			a.ClaimFinalized = true
			return true, c.transition(ctx, s, types.PhaseLegAClaimed, "")
		default:
			return true, c.transition(ctx, s, types.PhaseLegBClaimed, "")
		}

	case statusA == types.LockClaimed:
		a.Status = types.LockClaimed
		claimable := statusB == types.LockOpen && c.clock.Now().Before(b.Timelock.Add(-c.cfg.ClaimSafetyMargin))
		if rec.Phase == types.PhaseRefunding && claimable {
			return true, c.transition(ctx, s, types.PhaseLegALocked, "")
		}
		return true, c.stuck(ctx, s, op, fmt.Errorf("leg A was claimed but leg B is %s", statusB))
	}
	return false, nil
}

// settleRefunds picks the refund phase from the leg statuses. Nothing
// happens while a leg is open and no leg was refunded yet.
func (c *Coordinator) settleRefunds(ctx context.Context, s *session, statusA, statusB types.LockStatus) error {
	rec := s.rec

	var next types.Phase
	switch {
	case statusA == types.LockAbsent && statusB == types.LockAbsent:
		next = types.PhaseCancelled
	case statusA == types.LockOpen || statusB == types.LockOpen:
		if statusA != types.LockRefunded && statusB != types.LockRefunded {
			return c.save(ctx, s)
		}
		next = types.PhasePartialRefund
	case statusA == types.LockRefunded && statusB == types.LockRefunded:
		next = types.PhaseRefunded
	case statusB == types.LockRefunded:
		next = types.PhaseRefundedB
	default:
		next = types.PhaseRefundedA
	}

	if next == rec.Phase {
		return c.save(ctx, s)
	}
	rec.SetError(nil)
	return c.transition(ctx, s, next, "")
}

// observeLeg returns the on-chain status of a leg. Conversion legs are
// tracked on the record since the order is only touched by this coordinator.
func (c *Coordinator) observeLeg(ctx context.Context, leg *types.LegRecord) (types.LockStatus, error) {
	if leg.Conversion != nil {
		switch {
		case leg.Order == nil:
			return types.LockAbsent, nil
		case leg.Status == "" || leg.Status == types.LockAbsent:
			return types.LockOpen, nil
		}
		return leg.Status, nil
	}
	state, err := c.queryLeg(ctx, leg)
	if err != nil {
		return "", err
	}
	return state.Status, nil
}

// refundLeg refunds an open leg, or cancels its order, and waits for finality.
func (c *Coordinator) refundLeg(ctx context.Context, s *session, name types.LegName) error {
	leg := s.rec.Leg(name)
	logger := c.logFor(s.rec, name)

	if leg.Conversion != nil {
		conv, err := c.converters.For(leg.Chain)
		if err != nil {
			return fmt.Errorf("failed to route conversion: %w", err)
		}
		err = c.retry.Do(ctx, adapters.OpCancelOrder, func() error {
			return conv.CancelOrder(ctx, *leg.Order)
		})
		if err != nil {
			return err
		}
		logger.WithField("order", leg.Order.OrderHash.Hex()).Info("Conversion order cancelled")
		return nil
	}

	sender, err := c.adapters.For(leg.Chain, leg.Sender)
	if err != nil {
		return fmt.Errorf("failed to route leg %s: %w", name, err)
	}
	var receipt *adapters.RefundReceipt
	err = c.retry.Do(ctx, adapters.OpRefund, func() error {
		r, err := sender.Refund(ctx, handleOf(leg))
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return err
	}

	leg.RefundTxHash = receipt.TxHash
	if err := c.save(ctx, s); err != nil {
		return err
	}
	err = c.retry.Do(ctx, adapters.OpFinality, func() error {
		return sender.WaitForFinality(ctx, leg.RefundTxHash)
	})
	if err != nil {
		return err
	}
	logger.WithField("tx", leg.RefundTxHash).Info("Leg refunded")
	return nil
}
