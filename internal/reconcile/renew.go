package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"clubpass-bot/internal/models"
	"clubpass-bot/internal/payment"
	"clubpass-bot/internal/store"
)

// renew replaces an expired, unconsumed credential. Clearing the old link is
// the claim: whoever clears it mints the replacement.
func (e *Engine) renew(ctx context.Context, sub *models.Subscriber, old models.Credential, p *payment.PaymentResponse, ref Reference) (Outcome, error) {
	won, err := e.store.ClaimRenewal(ctx, sub.ID, old.Link, e.now().UTC())
	if err != nil {
		return Outcome{}, err
	}
	if !won {
		current, err := e.store.GetByUserID(ctx, sub.UserID)
		if err != nil {
			current = sub
		}
		if ref.Trigger.Interactive() {
			if current.Credential() != nil {
				e.tell("redeliver", e.notifier.AlreadyFulfilled(ctx, current))
			} else {
				e.tell("in progress", e.notifier.InProgress(ctx, current))
			}
		}
		return Outcome{Kind: AlreadyClaimed, PaymentStatus: current.PaymentStatus, Subscriber: current, Credential: current.Credential()}, nil
	}

	e.log.Info("expired invite link taken over for renewal",
		zap.String("user_id", sub.UserID),
		zap.String("trigger", string(ref.Trigger)),
	)
	ctx = context.WithoutCancel(ctx)

	cred, err := e.issuer.Issue(ctx, sub.UserID)
	if err != nil {
		return e.fail(ctx, sub, p, ref, err)
	}
	return e.complete(ctx, sub, p, ref, cred, true)
}

// Renew is the user-facing reissue path. A live link is re-delivered, a
// consumed one is never replaced.
func (e *Engine) Renew(ctx context.Context, userID string) (Outcome, error) {
	out, err := e.renewForUser(ctx, userID)
	e.observe(TriggerRenew, out, err)
	return out, err
}

func (e *Engine) renewForUser(ctx context.Context, userID string) (Outcome, error) {
	sub, err := e.store.GetByUserID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, ErrUnknownReference
	}
	if err != nil {
		return Outcome{}, err
	}

	if !sub.IssuanceClaimed {
		if sub.PaymentID == "" {
			return Outcome{}, ErrNothingToRenew
		}
		// The payment may have settled without any trigger reaching us.
		return e.reconcile(ctx, Reference{PaymentID: sub.PaymentID, UserIDHint: userID, Trigger: TriggerRenew})
	}

	if sub.Fulfilled() {
		e.tell("redeliver", e.notifier.AlreadyFulfilled(ctx, sub))
		return Outcome{Kind: AlreadyFulfilled, PaymentStatus: sub.PaymentStatus, Subscriber: sub, Credential: sub.Credential()}, nil
	}

	cred := sub.Credential()
	switch {
	case cred == nil && sub.IssuanceError != "":
		e.tell("issuance failed", e.notifier.IssuanceFailed(ctx, sub, e.supportLink(ctx)))
		return Outcome{Kind: AlreadyClaimed, PaymentStatus: sub.PaymentStatus, Subscriber: sub}, nil
	case cred == nil:
		e.tell("in progress", e.notifier.InProgress(ctx, sub))
		return Outcome{Kind: AlreadyClaimed, PaymentStatus: sub.PaymentStatus, Subscriber: sub}, nil
	case cred.Live(e.now().UTC()):
		e.tell("redeliver", e.notifier.AlreadyFulfilled(ctx, sub))
		return Outcome{Kind: AlreadyFulfilled, PaymentStatus: sub.PaymentStatus, Subscriber: sub, Credential: cred}, nil
	}
	ref := Reference{PaymentID: sub.ClaimedPaymentID, UserIDHint: userID, Trigger: TriggerRenew}
	return e.renew(ctx, sub, *cred, paymentFromSubscriber(sub), ref)
}

// Redrive reopens an issuance that failed after its claim and runs
// reconciliation again. It is an operator action.
func (e *Engine) Redrive(ctx context.Context, userID string) (Outcome, error) {
	sub, err := e.store.GetByUserID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, ErrUnknownReference
	}
	if err != nil {
		return Outcome{}, err
	}

	released, err := e.store.ReleaseFailedClaim(ctx, sub.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !released {
		return Outcome{Subscriber: sub}, ErrNothingToRedrive
	}

	paymentID := sub.ClaimedPaymentID
	if paymentID == "" {
		paymentID = sub.PaymentID
	}
	e.log.Info("failed issuance released for redrive",
		zap.String("user_id", userID),
		zap.String("payment_id", paymentID),
		zap.String("previous_error", sub.IssuanceError),
	)
	e.record(ctx, sub, paymentID, models.EventRedriven, TriggerRedrive, sub.IssuanceError)

	out, err := e.reconcile(ctx, Reference{PaymentID: paymentID, UserIDHint: userID, Trigger: TriggerRedrive})
	e.observe(TriggerRedrive, out, err)
	if err != nil {
		return out, fmt.Errorf("redrive %s: %w", userID, err)
	}
	return out, nil
}

// paymentFromSubscriber rebuilds the settled payment facts stored at issuance.
func paymentFromSubscriber(sub *models.Subscriber) *payment.PaymentResponse {
	id := sub.ClaimedPaymentID
	if id == "" {
		id = sub.PaymentID
	}
	return &payment.PaymentResponse{
		ID:         id,
		Status:     payment.StatusSucceeded,
		Paid:       true,
		Amount:     payment.Amount{Value: sub.PaymentAmount, Currency: sub.PaymentCurrency},
		CapturedAt: sub.PaidAt,
	}
}
