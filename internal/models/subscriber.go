package models

import (
	"time"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
)

// Subscriber is the permanent entitlement ledger entry for one Telegram user.
type Subscriber struct {
	ID            uint    `gorm:"primaryKey"`
	UserID        string  `gorm:"size:64;uniqueIndex;not null"`
	ChatID        string  `gorm:"size:64"`
	FirstName     string  `gorm:"size:255"`
	Username      string  `gorm:"size:255"`
	Email         string  `gorm:"size:255"`
	PaymentStatus string  `gorm:"size:32;not null;default:'pending'"`
	PaymentID     string  `gorm:"size:64;index"`
	CorrelationID *string `gorm:"size:64;uniqueIndex"`

	CredentialLink      string `gorm:"size:255;index"`
	CredentialIssuedAt  *time.Time
	CredentialExpiresAt *time.Time
	CredentialConsumed  bool `gorm:"not null;default:false"`
	MembershipConfirmed bool `gorm:"not null;default:false"`

	IssuanceClaimed  bool   `gorm:"not null;default:false"`
	ClaimedPaymentID string `gorm:"size:64"`
	ClaimedAt        *time.Time
	IssuanceError    string `gorm:"size:1024"`
	IssuanceFailedAt *time.Time

	PaymentDocument string `gorm:"size:255"`
	PaymentAmount   string `gorm:"size:32"`
	PaymentCurrency string `gorm:"size:8"`
	PaidAt          *time.Time

	LastActivity time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Credential is the single-use invite issued for a settled payment.
type Credential struct {
	Link      string
	IssuedAt  time.Time
	ExpiresAt *time.Time // nil never expires
	Consumed  bool
}

// Expired reports whether an unconsumed credential can no longer be used.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Live reports whether the credential can still be used to join.
func (c Credential) Live(now time.Time) bool {
	return !c.Consumed && !c.Expired(now)
}

// Credential returns the stored credential, or nil when none was issued.
func (s *Subscriber) Credential() *Credential {
	if s == nil || s.CredentialLink == "" {
		return nil
	}
	c := &Credential{
		Link:      s.CredentialLink,
		ExpiresAt: s.CredentialExpiresAt,
		Consumed:  s.CredentialConsumed,
	}
	if s.CredentialIssuedAt != nil {
		c.IssuedAt = *s.CredentialIssuedAt
	}
	return c
}

func (s *Subscriber) Paid() bool {
	return s != nil && s.PaymentStatus == PaymentStatusSucceeded
}

// Fulfilled is true once the entitlement has been used: the user is in the
// channel or the invite was consumed.
func (s *Subscriber) Fulfilled() bool {
	return s != nil && (s.MembershipConfirmed || s.CredentialConsumed)
}

func (s *Subscriber) Correlation() string {
	if s == nil || s.CorrelationID == nil {
		return ""
	}
	return *s.CorrelationID
}
