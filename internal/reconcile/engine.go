package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clubpass-bot/internal/audit"
	"clubpass-bot/internal/models"
	"clubpass-bot/internal/payment"
	"clubpass-bot/internal/settings"
	"clubpass-bot/internal/store"
)

type Deps struct {
	Gateway  Gateway
	Store    Store
	Issuer   Issuer
	Auditor  Auditor
	Ledger   Ledger
	Notifier Notifier
	Settings settings.Provider
	Metrics  Observer
	Log      *zap.Logger

	ReturnURL string
	Now       func() time.Time
	NewID     func() string
}

// Engine turns payment references into at most one credential per payment.
// It keeps no state of its own; every decision is a conditional write in the
// store.
type Engine struct {
	gateway  Gateway
	store    Store
	issuer   Issuer
	auditor  Auditor
	ledger   Ledger
	notifier Notifier
	settings settings.Provider
	metrics  Observer
	log      *zap.Logger

	returnURL string
	now       func() time.Time
	newID     func() string
}

func New(d Deps) *Engine {
	e := &Engine{
		gateway:   d.Gateway,
		store:     d.Store,
		issuer:    d.Issuer,
		auditor:   d.Auditor,
		ledger:    d.Ledger,
		notifier:  d.Notifier,
		settings:  d.Settings,
		metrics:   d.Metrics,
		log:       d.Log,
		returnURL: d.ReturnURL,
		now:       d.Now,
		newID:     d.NewID,
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.log = e.log.Named("reconcile")
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// Reconcile answers whether the referenced payment has been fulfilled and
// fulfils it if it has not. It is safe to call concurrently and repeatedly
// from any trigger.
func (e *Engine) Reconcile(ctx context.Context, ref Reference) (Outcome, error) {
	out, err := e.reconcile(ctx, ref)
	e.observe(ref.Trigger, out, err)
	return out, err
}

func (e *Engine) reconcile(ctx context.Context, ref Reference) (Outcome, error) {
	if ref.PaymentID == "" && ref.CorrelationID == "" {
		return Outcome{}, ErrUnknownReference
	}
	log := e.log.With(
		zap.String("trigger", string(ref.Trigger)),
		zap.String("payment_id", ref.PaymentID),
		zap.String("correlation_id", ref.CorrelationID),
	)

	sub, err := e.resolve(ctx, ref)
	if err != nil {
		return Outcome{}, err
	}

	paymentID := ref.PaymentID
	if paymentID == "" && sub != nil {
		paymentID = sub.PaymentID
	}
	if paymentID == "" {
		return Outcome{}, ErrUnknownReference
	}

	p, err := e.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get payment %s: %w", paymentID, err)
	}

	if sub == nil {
		sub, err = e.placeholder(ctx, ref, p, paymentID)
		if err != nil {
			return Outcome{}, err
		}
	}
	log = log.With(zap.String("user_id", sub.UserID))

	if !p.Settled() {
		log.Info("payment not settled yet", zap.String("status", p.Status))
		if ref.Trigger.Interactive() {
			e.tell("not yet settled", e.notifier.NotYetSettled(ctx, sub, p.Status))
		}
		return Outcome{Kind: NotYetSettled, PaymentStatus: p.Status, Subscriber: sub}, nil
	}

	now := e.now().UTC()
	if sub.ClaimedPaymentID != "" && sub.ClaimedPaymentID != paymentID {
		e.duplicatePayment(ctx, sub, p, ref)
	}

	if sub.Fulfilled() {
		if ref.Trigger != TriggerPush {
			e.tell("redeliver", e.notifier.AlreadyFulfilled(ctx, sub))
		}
		return Outcome{Kind: AlreadyFulfilled, PaymentStatus: p.Status, Subscriber: sub, Credential: sub.Credential()}, nil
	}

	if cred := sub.Credential(); cred != nil {
		if cred.Live(now) {
			if ref.Trigger != TriggerPush {
				e.tell("redeliver", e.notifier.AlreadyFulfilled(ctx, sub))
			}
			return Outcome{Kind: AlreadyFulfilled, PaymentStatus: p.Status, Subscriber: sub, Credential: cred}, nil
		}
		return e.renew(ctx, sub, *cred, p, ref)
	}

	won, err := e.store.ClaimIssuance(ctx, sub.ID, paymentID, now)
	if err != nil {
		return Outcome{}, err
	}
	if !won {
		return e.claimLost(ctx, sub, p, ref)
	}
	log.Info("issuance claimed")

	// The claim is taken; side effects must run to completion even if the
	// caller goes away.
	return e.issue(context.WithoutCancel(ctx), sub, p, ref)
}

func (e *Engine) resolve(ctx context.Context, ref Reference) (*models.Subscriber, error) {
	lookups := []struct {
		key string
		get func(context.Context, string) (*models.Subscriber, error)
	}{
		{ref.PaymentID, e.store.GetByPaymentID},
		{ref.CorrelationID, e.store.GetByCorrelationID},
		{ref.UserIDHint, e.store.GetByUserID},
	}
	for _, l := range lookups {
		if l.key == "" {
			continue
		}
		sub, err := l.get(ctx, l.key)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("resolve subscriber: %w", err)
		}
	}
	return nil, nil
}

// placeholder finds the payer through the gateway metadata or inserts a
// pending row so the payment is never dropped.
func (e *Engine) placeholder(ctx context.Context, ref Reference, p *payment.PaymentResponse, paymentID string) (*models.Subscriber, error) {
	userID := p.UserID()
	if userID != "" {
		sub, err := e.store.GetByUserID(ctx, userID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("resolve subscriber: %w", err)
		}
	}
	if userID == "" {
		userID = ref.UserIDHint
	}
	if userID == "" {
		userID = "unknown_" + paymentID
	}
	sub, err := e.store.EnsurePlaceholder(ctx, userID, paymentID, e.now().UTC())
	if err != nil {
		return nil, err
	}
	e.log.Warn("payment arrived before its subscriber, placeholder in use",
		zap.String("user_id", userID),
		zap.String("payment_id", paymentID),
	)
	return sub, nil
}

func (e *Engine) claimLost(ctx context.Context, sub *models.Subscriber, p *payment.PaymentResponse, ref Reference) (Outcome, error) {
	current, err := e.store.GetByUserID(ctx, sub.UserID)
	if err != nil {
		current = sub
	}
	e.log.Info("issuance already claimed by another caller",
		zap.String("user_id", sub.UserID),
		zap.String("payment_id", p.ID),
		zap.String("trigger", string(ref.Trigger)),
	)
	e.record(ctx, current, p.ID, models.EventClaimLost, ref.Trigger, "")

	if ref.Trigger.Interactive() {
		switch {
		case current.Credential() != nil:
			e.tell("redeliver", e.notifier.AlreadyFulfilled(ctx, current))
		case current.IssuanceError != "":
			e.tell("issuance failed", e.notifier.IssuanceFailed(ctx, current, e.supportLink(ctx)))
		default:
			e.tell("in progress", e.notifier.InProgress(ctx, current))
		}
	}
	return Outcome{Kind: AlreadyClaimed, PaymentStatus: p.Status, Subscriber: current, Credential: current.Credential()}, nil
}

// issue runs the side effects for a won claim. Nothing here releases the
// claim.
func (e *Engine) issue(ctx context.Context, sub *models.Subscriber, p *payment.PaymentResponse, ref Reference) (Outcome, error) {
	cred, err := e.issuer.Issue(ctx, sub.UserID)
	if err != nil {
		return e.fail(ctx, sub, p, ref, err)
	}
	return e.complete(ctx, sub, p, ref, cred, false)
}

func (e *Engine) complete(ctx context.Context, sub *models.Subscriber, p *payment.PaymentResponse, ref Reference, cred models.Credential, renewed bool) (Outcome, error) {
	log := e.log.With(zap.String("user_id", sub.UserID), zap.String("payment_id", p.ID))

	var proof string
	if !renewed || sub.PaymentDocument == "" {
		proof = e.recordProof(ctx, sub, p)
	} else {
		proof = sub.PaymentDocument
	}

	err := e.store.CompleteIssuance(ctx, sub.ID, store.Issuance{
		Credential:      cred,
		PaymentID:       p.ID,
		PaymentDocument: proof,
		Amount:          p.Amount.Value,
		Currency:        p.Amount.Currency,
		PaidAt:          p.SettledAt(),
	})
	if err != nil {
		if rerr := e.issuer.Revoke(ctx, cred.Link); rerr != nil {
			log.Error("failed to revoke unpersisted invite link", zap.Error(rerr))
		}
		return e.fail(ctx, sub, p, ref, err)
	}

	current, err := e.store.GetByUserID(ctx, sub.UserID)
	if err != nil {
		current = sub
		current.CredentialLink = cred.Link
	}

	kind := models.EventIssued
	if renewed {
		kind = models.EventRenewed
	}
	e.record(ctx, current, p.ID, kind, ref.Trigger, cred.Link)
	log.Info("credential issued", zap.Bool("renewed", renewed))

	if err := e.notifier.CredentialIssued(ctx, current, cred, renewed); err != nil {
		log.Error("failed to deliver credential", zap.Error(err))
		e.tell("alert", e.notifier.Alert(ctx, Alert{
			Kind:       models.EventIssued,
			Subscriber: current,
			PaymentID:  p.ID,
			Detail:     "не удалось отправить ссылку пользователю: " + err.Error(),
		}))
	}
	if !renewed {
		e.tell("alert", e.notifier.Alert(ctx, Alert{
			Kind:       models.EventIssued,
			Subscriber: current,
			PaymentID:  p.ID,
			Amount:     p.Amount.Value,
			Currency:   p.Amount.Currency,
			ProofRef:   proof,
		}))
	}

	c := cred
	return Outcome{Kind: Issued, PaymentStatus: p.Status, Subscriber: current, Credential: &c, Renewed: renewed}, nil
}

func (e *Engine) recordProof(ctx context.Context, sub *models.Subscriber, p *payment.PaymentResponse) string {
	if e.auditor == nil {
		return ""
	}
	settledAt := e.now().UTC()
	if at := p.SettledAt(); at != nil {
		settledAt = *at
	}
	email := p.PayerEmail()
	if email == "" {
		email = sub.Email
	}
	ref, err := e.auditor.Record(ctx, audit.PaymentDetails{
		PaymentID:  p.ID,
		Amount:     p.Amount.Value,
		Currency:   p.Amount.Currency,
		Status:     p.Status,
		SettledAt:  settledAt,
		UserID:     sub.UserID,
		Username:   sub.Username,
		PayerEmail: email,
	})
	if err != nil {
		// The auditor logs its own failures.
		return ""
	}
	return ref
}

// fail records a post-claim failure. The claim stays set; only an operator
// redrive can reopen it.
func (e *Engine) fail(ctx context.Context, sub *models.Subscriber, p *payment.PaymentResponse, ref Reference, cause error) (Outcome, error) {
	e.log.Error("issuance failed after claim",
		zap.String("user_id", sub.UserID),
		zap.String("payment_id", p.ID),
		zap.String("trigger", string(ref.Trigger)),
		zap.Error(cause),
	)
	if err := e.store.RecordIssuanceFailure(ctx, sub.ID, cause.Error(), e.now().UTC()); err != nil {
		e.log.Error("failed to record issuance failure", zap.String("user_id", sub.UserID), zap.Error(err))
	}
	current, err := e.store.GetByUserID(ctx, sub.UserID)
	if err != nil {
		current = sub
	}
	e.record(ctx, current, p.ID, models.EventIssuanceFailed, ref.Trigger, cause.Error())

	e.tell("issuance failed", e.notifier.IssuanceFailed(ctx, current, e.supportLink(ctx)))
	e.tell("alert", e.notifier.Alert(ctx, Alert{
		Kind:       models.EventIssuanceFailed,
		Subscriber: current,
		PaymentID:  p.ID,
		Amount:     p.Amount.Value,
		Currency:   p.Amount.Currency,
		Detail:     cause.Error(),
	}))
	return Outcome{Kind: IssuanceFailed, PaymentStatus: p.Status, Subscriber: current}, nil
}

func (e *Engine) duplicatePayment(ctx context.Context, sub *models.Subscriber, p *payment.PaymentResponse, ref Reference) {
	e.log.Warn("second settled payment for an already claimed subscriber",
		zap.String("user_id", sub.UserID),
		zap.String("payment_id", p.ID),
		zap.String("claimed_payment_id", sub.ClaimedPaymentID),
	)
	e.record(ctx, sub, p.ID, models.EventDuplicatePay, ref.Trigger, "claimed by "+sub.ClaimedPaymentID)
	e.tell("alert", e.notifier.Alert(ctx, Alert{
		Kind:       models.EventDuplicatePay,
		Subscriber: sub,
		PaymentID:  p.ID,
		Amount:     p.Amount.Value,
		Currency:   p.Amount.Currency,
		Detail:     "доступ уже выдан по платежу " + sub.ClaimedPaymentID,
	}))
}

func (e *Engine) supportLink(ctx context.Context) string {
	if e.settings == nil {
		return models.DefaultSettings().SupportLink
	}
	s, err := e.settings.Get(ctx)
	if err != nil {
		e.log.Warn("settings unavailable, using default support link", zap.Error(err))
		return models.DefaultSettings().SupportLink
	}
	return s.SupportLink
}

func (e *Engine) record(ctx context.Context, sub *models.Subscriber, paymentID, kind string, trigger Trigger, detail string) {
	if e.ledger == nil {
		return
	}
	err := e.ledger.Append(ctx, models.IssuanceEvent{
		UserID:    sub.UserID,
		PaymentID: paymentID,
		Kind:      kind,
		Source:    string(trigger),
		Detail:    detail,
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		e.log.Warn("failed to append issuance event", zap.String("kind", kind), zap.Error(err))
	}
}

func (e *Engine) tell(what string, err error) {
	if err != nil {
		e.log.Warn("notification failed", zap.String("notification", what), zap.Error(err))
	}
}

func (e *Engine) observe(trigger Trigger, out Outcome, err error) {
	if e.metrics == nil {
		return
	}
	label := string(out.Kind)
	if err != nil {
		label = "error"
	}
	e.metrics.ObserveOutcome(string(trigger), label)
}
