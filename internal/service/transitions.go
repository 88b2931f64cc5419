package service

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/shoplite/fulfillment/common/errors"
	"github.com/shoplite/fulfillment/common/events"
	"github.com/shoplite/fulfillment/internal/domain"
	"github.com/shoplite/fulfillment/internal/policy"
	"github.com/shoplite/fulfillment/internal/repository"
)

// authorize pre-validates a transition against the policy table. Status and
// capability problems come back as InvalidTransition (naming the current
// state), an unmet state-resident guard as MissingPrecondition.
func authorize(order *domain.Order, actor domain.Actor, flow policy.Flow, target domain.OrderStatus) error {
	d := policy.Decide(policy.Context{
		Status:          order.Status,
		Flow:            flow,
		Caps:            actor.Capabilities,
		HasPaymentProof: order.PaymentProofRef != "",
		LineCount:       len(order.Lines),
	})

	if d.NextStep != target {
		return apperrors.Newf(apperrors.ErrCodeInvalidTransition,
			"order %d cannot move to %s from %s", order.ID, target, order.Status)
	}
	if !actor.Capabilities.HasAny(d.RequiredCapabilities...) {
		return apperrors.Newf(apperrors.ErrCodeInvalidTransition,
			"actor %q may not perform %q while order %d is %s", actor.ID, d.ActionLabel, order.ID, order.Status)
	}
	if d.GuardUnmet != "" {
		return apperrors.New(apperrors.ErrCodeMissingPrecondition, d.GuardUnmet)
	}
	return nil
}

// transition runs one guarded status move as a single unit of work: row lock,
// policy check, op-specific writes, ledger release when entering a dead
// state, then the versioned status update.
func (s *lifecycleService) transition(
	ctx context.Context,
	orderID int64,
	actor domain.Actor,
	flow policy.Flow,
	target domain.OrderStatus,
	apply func(ctx context.Context, tx repository.Tx, order *domain.Order) error,
) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := authorize(order, actor, flow, target); err != nil {
			return err
		}
		if apply != nil {
			if err := apply(ctx, tx, order); err != nil {
				return err
			}
		}
		if domain.ReleasesStock(target) {
			if err := tx.ReleaseStock(ctx, order.Lines); err != nil {
				return err
			}
		}
		updated, err := tx.UpdateOrderStatus(ctx, order.ID, target, order.Version)
		if err != nil {
			return err
		}
		if !updated {
			return apperrors.Newf(apperrors.ErrCodeStorageConflict,
				"order %d was modified concurrently", order.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("order transitioned",
		zap.Int64("orderId", orderID),
		zap.String("status", string(target)),
		zap.String("actorId", actor.ID))
	return nil
}

// AttachPaymentProof stores the uploaded proof-of-payment reference. Not a
// status transition; the order stays awaiting payment until staff verify.
func (s *lifecycleService) AttachPaymentProof(ctx context.Context, orderID int64, proofRef string) error {
	if proofRef == "" {
		return apperrors.New(apperrors.ErrCodeMissingPrecondition, "payment proof reference is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	return s.store.WithinTx(ctx, func(tx repository.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.StatusAwaitingPayment {
			return apperrors.Newf(apperrors.ErrCodeInvalidTransition,
				"payment proof can only be attached while awaiting payment, order %d is %s", orderID, order.Status)
		}
		if err := tx.SetPaymentProof(ctx, orderID, proofRef); err != nil {
			return err
		}
		return s.stageEvent(ctx, tx, orderID, events.EventPaymentProofAttached, events.PaymentProofAttachedEvent{
			BaseEvent: s.baseEvent(events.EventPaymentProofAttached, order.CorrelationID),
			OrderID:   orderID,
			ProofRef:  proofRef,
		})
	})
}

// VerifyPayment accepts or rejects the attached proof. Acceptance moves the
// order to pending; rejection cancels it and releases the reserved stock
// (no money has been taken, so no refund leg is needed).
func (s *lifecycleService) VerifyPayment(ctx context.Context, orderID int64, accept bool, actor domain.Actor) error {
	if accept {
		return s.transition(ctx, orderID, actor, policy.FlowFulfilment, domain.StatusPending,
			func(ctx context.Context, tx repository.Tx, order *domain.Order) error {
				return s.stageEvent(ctx, tx, orderID, events.EventPaymentVerified, events.PaymentVerifiedEvent{
					BaseEvent: s.baseEvent(events.EventPaymentVerified, order.CorrelationID),
					OrderID:   orderID,
					ActorID:   actor.ID,
				})
			})
	}

	// Rejection is restricted to payment verifiers even though the graph
	// edge is the same one a cancellation request takes.
	if !actor.Capabilities.Has(domain.CapVerifyPayment) {
		return apperrors.Newf(apperrors.ErrCodeInvalidTransition,
			"actor %q may not reject payment for order %d", actor.ID, orderID)
	}
	return s.transition(ctx, orderID, actor, policy.FlowCancelRequest, domain.StatusCancelled,
		func(ctx context.Context, tx repository.Tx, order *domain.Order) error {
			reason := "payment proof rejected"
			if err := tx.InsertCancellation(ctx, &domain.CancellationRecord{
				OrderID:   orderID,
				Reason:    reason,
				ActorID:   actor.ID,
				CreatedAt: s.clk.Now(),
			}); err != nil {
				return err
			}
			if err := s.stageEvent(ctx, tx, orderID, events.EventPaymentRejected, events.PaymentRejectedEvent{
				BaseEvent: s.baseEvent(events.EventPaymentRejected, order.CorrelationID),
				OrderID:   orderID,
				ActorID:   actor.ID,
				Reason:    reason,
			}); err != nil {
				return err
			}
			return s.stageEvent(ctx, tx, orderID, events.EventOrderCancelled, events.OrderCancelledEvent{
				BaseEvent: s.baseEvent(events.EventOrderCancelled, order.CorrelationID),
				OrderID:   orderID,
				ActorID:   actor.ID,
				Reason:    reason,
			})
		})
}

// ConfirmPreparation moves a pending order into preparation.
func (s *lifecycleService) ConfirmPreparation(ctx context.Context, orderID int64, actor domain.Actor) error {
	return s.transition(ctx, orderID, actor, policy.FlowFulfilment, domain.StatusPreparing,
		func(ctx context.Context, tx repository.Tx, order *domain.Order) error {
			return s.stageEvent(ctx, tx, orderID, events.EventOrderConfirmed, events.OrderConfirmedEvent{
				BaseEvent: s.baseEvent(events.EventOrderConfirmed, order.CorrelationID),
				OrderID:   orderID,
				ActorID:   actor.ID,
			})
		})
}

// SaveShipment stores tracking details and confirms shipment in one step.
func (s *lifecycleService) SaveShipment(ctx context.Context, orderID int64, carrier, trackingNumber string, actor domain.Actor) error {
	if carrier == "" || trackingNumber == "" {
		return apperrors.New(apperrors.ErrCodeMissingPrecondition,
			"cannot confirm shipment without a carrier and tracking number")
	}

	return s.transition(ctx, orderID, actor, policy.FlowFulfilment, domain.StatusShipped,
		func(ctx context.Context, tx repository.Tx, order *domain.Order) error {
			shippedAt := s.clk.Now()
			if err := tx.SetShipment(ctx, orderID, carrier, trackingNumber, shippedAt); err != nil {
				return err
			}
			return s.stageEvent(ctx, tx, orderID, events.EventOrderShipped, events.OrderShippedEvent{
				BaseEvent:      s.baseEvent(events.EventOrderShipped, order.CorrelationID),
				OrderID:        orderID,
				Carrier:        carrier,
				TrackingNumber: trackingNumber,
				ShippedAt:      shippedAt,
			})
		})
}

// ConfirmDelivery marks a shipped order delivered. Customers confirm receipt
// of their own orders; fulfilment staff may mark delivery on their behalf.
func (s *lifecycleService) ConfirmDelivery(ctx context.Context, orderID int64, actor domain.Actor) error {
	return s.transition(ctx, orderID, actor, policy.FlowFulfilment, domain.StatusDelivered,
		func(ctx context.Context, tx repository.Tx, order *domain.Order) error {
			return s.stageEvent(ctx, tx, orderID, events.EventOrderDelivered, events.OrderDeliveredEvent{
				BaseEvent: s.baseEvent(events.EventOrderDelivered, order.CorrelationID),
				OrderID:   orderID,
				ActorID:   actor.ID,
			})
		})
}

// RequestCancellation enters the cancellation branch. Unpaid orders are
// cancelled outright with their stock released; paid orders move to
// cancel-requested and keep their reservation until the refund completes.
func (s *lifecycleService) RequestCancellation(ctx context.Context, orderID int64, reason string, actor domain.Actor) error {
	if reason == "" {
		return apperrors.New(apperrors.ErrCodeMissingPrecondition, "cancellation reason is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	var target domain.OrderStatus
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		// Target depends on where the order is, so it is resolved inside
		// the lock.
		var ok bool
		target, ok = domain.CancellationTarget(order.Status)
		if !ok {
			return apperrors.Newf(apperrors.ErrCodeInvalidTransition,
				"order %d cannot be cancelled from %s", orderID, order.Status)
		}
		if err := authorize(order, actor, policy.FlowCancelRequest, target); err != nil {
			return err
		}

		if target == domain.StatusCancelled {
			return s.cancelLocked(ctx, tx, order, reason, actor.ID)
		}

		if err := tx.InsertCancellation(ctx, &domain.CancellationRecord{
			OrderID:   orderID,
			Reason:    reason,
			ActorID:   actor.ID,
			CreatedAt: s.clk.Now(),
		}); err != nil {
			return err
		}
		if err := s.stageEvent(ctx, tx, orderID, events.EventCancellationRequested, events.CancellationRequestedEvent{
			BaseEvent: s.baseEvent(events.EventCancellationRequested, order.CorrelationID),
			OrderID:   orderID,
			ActorID:   actor.ID,
			Reason:    reason,
		}); err != nil {
			return err
		}
		updated, err := tx.UpdateOrderStatus(ctx, orderID, target, order.Version)
		if err != nil {
			return err
		}
		if !updated {
			return apperrors.Newf(apperrors.ErrCodeStorageConflict,
				"order %d was modified concurrently", orderID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("cancellation requested",
		zap.Int64("orderId", orderID),
		zap.String("status", string(target)),
		zap.String("actorId", actor.ID))
	return nil
}

// cancelLocked finishes an unpaid order under an already-held row lock:
// cancellation record, stock release, audit event, status write.
func (s *lifecycleService) cancelLocked(ctx context.Context, tx repository.Tx, order *domain.Order, reason, actorID string) error {
	if err := tx.InsertCancellation(ctx, &domain.CancellationRecord{
		OrderID:   order.ID,
		Reason:    reason,
		ActorID:   actorID,
		CreatedAt: s.clk.Now(),
	}); err != nil {
		return err
	}
	if err := tx.ReleaseStock(ctx, order.Lines); err != nil {
		return err
	}
	if err := s.stageEvent(ctx, tx, order.ID, events.EventOrderCancelled, events.OrderCancelledEvent{
		BaseEvent: s.baseEvent(events.EventOrderCancelled, order.CorrelationID),
		OrderID:   order.ID,
		ActorID:   actorID,
		Reason:    reason,
	}); err != nil {
		return err
	}
	updated, err := tx.UpdateOrderStatus(ctx, order.ID, domain.StatusCancelled, order.Version)
	if err != nil {
		return err
	}
	if !updated {
		return apperrors.Newf(apperrors.ErrCodeStorageConflict,
			"order %d was modified concurrently", order.ID)
	}
	return nil
}

// ExecuteRefund drives the refund branch. Without a proof reference the
// order only enters refunding (payout started); with one it completes
// through refunding to refunded in a single unit of work, writing the refund
// record and releasing the reserved stock. The audit trail always shows the
// refunding hop.
func (s *lifecycleService) ExecuteRefund(ctx context.Context, orderID int64, proofRef string, actor domain.Actor) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	var final domain.OrderStatus
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		version := order.Version

		if order.Status == domain.StatusCancelRequested {
			if err := authorize(order, actor, policy.FlowRefund, domain.StatusRefunding); err != nil {
				return err
			}
			if err := s.stageEvent(ctx, tx, orderID, events.EventRefundStarted, events.RefundStartedEvent{
				BaseEvent: s.baseEvent(events.EventRefundStarted, order.CorrelationID),
				OrderID:   orderID,
				ActorID:   actor.ID,
			}); err != nil {
				return err
			}
			updated, err := tx.UpdateOrderStatus(ctx, orderID, domain.StatusRefunding, version)
			if err != nil {
				return err
			}
			if !updated {
				return apperrors.Newf(apperrors.ErrCodeStorageConflict,
					"order %d was modified concurrently", orderID)
			}
			order.Status = domain.StatusRefunding
			version++
			final = domain.StatusRefunding

			if proofRef == "" {
				return nil
			}
		}

		if order.Status != domain.StatusRefunding {
			return apperrors.Newf(apperrors.ErrCodeInvalidTransition,
				"order %d cannot be refunded from %s", orderID, order.Status)
		}
		if proofRef == "" {
			return apperrors.New(apperrors.ErrCodeMissingPrecondition,
				"cannot complete refund without a proof-of-refund reference")
		}
		if err := authorize(order, actor, policy.FlowRefund, domain.StatusRefunded); err != nil {
			return err
		}

		reason := ""
		if order.Cancellation != nil {
			reason = order.Cancellation.Reason
		}
		if err := tx.InsertRefund(ctx, &domain.RefundRecord{
			OrderID:   orderID,
			Reason:    reason,
			ActorID:   actor.ID,
			ProofRef:  proofRef,
			CreatedAt: s.clk.Now(),
		}); err != nil {
			return err
		}
		if err := tx.ReleaseStock(ctx, order.Lines); err != nil {
			return err
		}
		if err := s.stageEvent(ctx, tx, orderID, events.EventOrderRefunded, events.OrderRefundedEvent{
			BaseEvent: s.baseEvent(events.EventOrderRefunded, order.CorrelationID),
			OrderID:   orderID,
			ActorID:   actor.ID,
			ProofRef:  proofRef,
		}); err != nil {
			return err
		}
		updated, err := tx.UpdateOrderStatus(ctx, orderID, domain.StatusRefunded, version)
		if err != nil {
			return err
		}
		if !updated {
			return apperrors.Newf(apperrors.ErrCodeStorageConflict,
				"order %d was modified concurrently", orderID)
		}
		final = domain.StatusRefunded
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("refund executed",
		zap.Int64("orderId", orderID),
		zap.String("status", string(final)),
		zap.String("actorId", actor.ID))
	return nil
}
