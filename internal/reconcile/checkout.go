package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"clubpass-bot/internal/payment"
	"clubpass-bot/internal/store"
)

// CheckoutResult carries either a fresh checkout URL or, for a subscriber
// who already paid, the reconciliation outcome.
type CheckoutResult struct {
	ConfirmationURL string
	PaymentID       string
	CorrelationID   string
	Outcome         *Outcome
}

// Checkout starts a payment for userID. A subscriber whose issuance is
// already claimed never gets a second payment; their existing entitlement is
// reconciled instead.
func (e *Engine) Checkout(ctx context.Context, userID string) (CheckoutResult, error) {
	sub, err := e.store.GetByUserID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return CheckoutResult{}, ErrUnknownReference
	}
	if err != nil {
		return CheckoutResult{}, err
	}
	if sub.IssuanceClaimed {
		return e.checkoutExisting(ctx, userID, sub.ClaimedPaymentID)
	}
	if sub.PaymentID != "" {
		res, resumed, err := e.resumeCheckout(ctx, userID, sub.PaymentID, sub.Correlation())
		if err != nil || resumed {
			return res, err
		}
	}

	s, err := e.settings.Get(ctx)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("load settings: %w", err)
	}

	correlationID := e.newID()
	metadata := map[string]string{
		payment.MetaUserID:        userID,
		payment.MetaCorrelationID: correlationID,
	}
	if sub.Email != "" {
		metadata[payment.MetaEmail] = sub.Email
	}

	p, err := e.gateway.CreatePayment(ctx, payment.CreatePaymentParams{
		Amount: payment.Amount{
			Value:    strconv.FormatFloat(s.PaymentAmount, 'f', 2, 64),
			Currency: s.Currency,
		},
		Description:    s.PaymentDescription,
		IdempotenceKey: correlationID,
		ReturnURL:      returnURL(e.returnURL, correlationID),
		Email:          sub.Email,
		Metadata:       metadata,
	})
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("create payment for %s: %w", userID, err)
	}

	linked, err := e.store.LinkPayment(ctx, userID, p.ID, correlationID, e.now().UTC())
	if err != nil {
		return CheckoutResult{}, err
	}
	if !linked {
		// Issuance was claimed while the payment was being created.
		current, err := e.store.GetByUserID(ctx, userID)
		if err != nil {
			return CheckoutResult{}, err
		}
		e.log.Warn("checkout raced with issuance, new payment left unlinked",
			zap.String("user_id", userID),
			zap.String("payment_id", p.ID),
		)
		return e.checkoutExisting(ctx, userID, current.ClaimedPaymentID)
	}

	e.log.Info("checkout started",
		zap.String("user_id", userID),
		zap.String("payment_id", p.ID),
		zap.String("correlation_id", correlationID),
	)
	return CheckoutResult{
		ConfirmationURL: p.Confirmation.ConfirmationURL,
		PaymentID:       p.ID,
		CorrelationID:   correlationID,
	}, nil
}

// resumeCheckout keeps the linked payment while it can still be paid or
// settled, so an older checkout page never points at an unlinked payment.
// Only a canceled or vanished payment lets Checkout create a new one.
func (e *Engine) resumeCheckout(ctx context.Context, userID, paymentID, correlationID string) (CheckoutResult, bool, error) {
	p, err := e.gateway.GetPayment(ctx, paymentID)
	var apiErr *payment.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return CheckoutResult{}, false, nil
	}
	if err != nil {
		return CheckoutResult{}, false, fmt.Errorf("fetch linked payment %s: %w", paymentID, err)
	}

	switch {
	case p.Status == payment.StatusCanceled:
		return CheckoutResult{}, false, nil
	case p.Status == payment.StatusPending:
		if p.Confirmation.ConfirmationURL == "" {
			return CheckoutResult{}, false, nil
		}
		e.log.Info("checkout resumed",
			zap.String("user_id", userID),
			zap.String("payment_id", p.ID),
			zap.String("correlation_id", correlationID),
		)
		return CheckoutResult{
			ConfirmationURL: p.Confirmation.ConfirmationURL,
			PaymentID:       p.ID,
			CorrelationID:   correlationID,
		}, true, nil
	default:
		// Paid or waiting for capture: reconcile instead of charging again.
		res, err := e.checkoutExisting(ctx, userID, paymentID)
		return res, true, err
	}
}

func (e *Engine) checkoutExisting(ctx context.Context, userID, paymentID string) (CheckoutResult, error) {
	out, err := e.Reconcile(ctx, Reference{PaymentID: paymentID, UserIDHint: userID, Trigger: TriggerCheckout})
	if err != nil {
		return CheckoutResult{}, err
	}
	return CheckoutResult{PaymentID: paymentID, Outcome: &out}, nil
}

func returnURL(base, correlationID string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return base
	}
	q := u.Query()
	q.Set("paymentId", correlationID)
	u.RawQuery = q.Encode()
	return u.String()
}
