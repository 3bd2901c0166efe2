package models

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	EventIssued         = "issued"
	EventClaimLost      = "claim_lost"
	EventIssuanceFailed = "issuance_failed"
	EventRenewed        = "renewed"
	EventRedriven       = "redriven"
	EventConsumed       = "consumed"
	EventDuplicatePay   = "duplicate_payment"
	EventLinkShared     = "link_shared"
)

// IssuanceEvent is an append-only record of an entitlement decision.
type IssuanceEvent struct {
	ID        snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	UserID    string       `gorm:"size:64;index;not null"`
	PaymentID string       `gorm:"size:64;index"`
	Kind      string       `gorm:"size:32;not null"`
	Source    string       `gorm:"size:32"`
	Detail    string       `gorm:"type:text"`
	CreatedAt time.Time
}

func (IssuanceEvent) TableName() string { return "issuance_events" }
