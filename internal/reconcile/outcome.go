package reconcile

import (
	"context"
	"errors"
	"time"

	"clubpass-bot/internal/audit"
	"clubpass-bot/internal/models"
	"clubpass-bot/internal/payment"
	"clubpass-bot/internal/store"
)

var (
	ErrUnknownReference = errors.New("payment reference is empty or unknown")
	ErrNothingToRenew   = errors.New("subscriber has no paid entitlement to renew")
	ErrNothingToRedrive = errors.New("subscriber has no failed issuance to redrive")
)

// Trigger names the entry point that asked for reconciliation.
type Trigger string

const (
	TriggerPush     Trigger = "push"
	TriggerPoll     Trigger = "poll"
	TriggerRedirect Trigger = "redirect"
	TriggerCheckout Trigger = "checkout"
	TriggerRenew    Trigger = "renew"
	TriggerRedrive  Trigger = "redrive"
)

// Interactive triggers have a user waiting for an answer.
func (t Trigger) Interactive() bool {
	switch t {
	case TriggerPoll, TriggerRedirect, TriggerCheckout, TriggerRenew:
		return true
	}
	return false
}

type Kind string

const (
	NotYetSettled    Kind = "not_yet_settled"
	Issued           Kind = "issued"
	AlreadyFulfilled Kind = "already_fulfilled"
	AlreadyClaimed   Kind = "already_claimed"
	IssuanceFailed   Kind = "issuance_failed"
)

// Reference identifies a payment by gateway id, correlation id or both.
// UserIDHint must only come from an authenticated source.
type Reference struct {
	PaymentID     string
	CorrelationID string
	UserIDHint    string
	Trigger       Trigger
}

type Outcome struct {
	Kind          Kind
	PaymentStatus string
	Subscriber    *models.Subscriber
	Credential    *models.Credential
	Renewed       bool
}

// Alert is an operator notification.
type Alert struct {
	Kind       string
	Subscriber *models.Subscriber
	PaymentID  string
	Amount     string
	Currency   string
	ProofRef   string
	Detail     string
}

type Gateway interface {
	GetPayment(ctx context.Context, paymentID string) (*payment.PaymentResponse, error)
	CreatePayment(ctx context.Context, p payment.CreatePaymentParams) (*payment.PaymentResponse, error)
}

type Store interface {
	GetByUserID(ctx context.Context, userID string) (*models.Subscriber, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*models.Subscriber, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*models.Subscriber, error)
	EnsurePlaceholder(ctx context.Context, userID, paymentID string, now time.Time) (*models.Subscriber, error)
	LinkPayment(ctx context.Context, userID, paymentID, correlationID string, now time.Time) (bool, error)
	ClaimIssuance(ctx context.Context, id uint, paymentID string, now time.Time) (bool, error)
	CompleteIssuance(ctx context.Context, id uint, is store.Issuance) error
	RecordIssuanceFailure(ctx context.Context, id uint, reason string, now time.Time) error
	ReleaseFailedClaim(ctx context.Context, id uint) (bool, error)
	ClaimRenewal(ctx context.Context, id uint, expiredLink string, now time.Time) (bool, error)
}

type Issuer interface {
	Issue(ctx context.Context, userID string) (models.Credential, error)
	Revoke(ctx context.Context, link string) error
}

type Auditor interface {
	Record(ctx context.Context, d audit.PaymentDetails) (string, error)
}

type Ledger interface {
	Append(ctx context.Context, ev models.IssuanceEvent) error
}

// Notifier talks to users and operators. Every method is best-effort from
// the engine's point of view.
type Notifier interface {
	CredentialIssued(ctx context.Context, sub *models.Subscriber, cred models.Credential, renewed bool) error
	AlreadyFulfilled(ctx context.Context, sub *models.Subscriber) error
	NotYetSettled(ctx context.Context, sub *models.Subscriber, status string) error
	InProgress(ctx context.Context, sub *models.Subscriber) error
	IssuanceFailed(ctx context.Context, sub *models.Subscriber, supportLink string) error
	Alert(ctx context.Context, a Alert) error
}

type Observer interface {
	ObserveOutcome(trigger, outcome string)
}
