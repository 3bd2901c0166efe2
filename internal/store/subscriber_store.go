package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"clubpass-bot/internal/models"
)

var ErrNotFound = errors.New("subscriber not found")

// Contact is what a user reveals when talking to the bot.
type Contact struct {
	UserID    string
	ChatID    string
	FirstName string
	Username  string
}

// Issuance is persisted once a claimed credential has been minted.
type Issuance struct {
	Credential      models.Credential
	PaymentID       string
	PaymentDocument string
	Amount          string
	Currency        string
	PaidAt          *time.Time
}

// SubscriberStore persists subscribers. Every write that affects issuance or
// consumption is a conditional UPDATE; RowsAffected decides the winner.
type SubscriberStore struct {
	db *gorm.DB
}

func NewSubscriberStore(db *gorm.DB) *SubscriberStore {
	return &SubscriberStore{db: db}
}

// Touch creates the subscriber on first contact and refreshes its delivery
// address and display attributes afterwards.
func (s *SubscriberStore) Touch(ctx context.Context, c Contact, now time.Time) (*models.Subscriber, error) {
	if strings.TrimSpace(c.UserID) == "" {
		return nil, errors.New("empty user id")
	}
	sub := models.Subscriber{
		UserID:        c.UserID,
		ChatID:        c.ChatID,
		FirstName:     c.FirstName,
		Username:      c.Username,
		PaymentStatus: models.PaymentStatusPending,
		LastActivity:  now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"chat_id", "first_name", "username", "last_activity", "updated_at"}),
	}).Create(&sub).Error
	if err != nil {
		return nil, fmt.Errorf("touch subscriber %s: %w", c.UserID, err)
	}
	return s.GetByUserID(ctx, c.UserID)
}

// EnsurePlaceholder inserts a pending subscriber unless one already exists.
// Concurrent callers all end up reading the same row.
func (s *SubscriberStore) EnsurePlaceholder(ctx context.Context, userID, paymentID string, now time.Time) (*models.Subscriber, error) {
	sub := models.Subscriber{
		UserID:        userID,
		PaymentID:     paymentID,
		PaymentStatus: models.PaymentStatusPending,
		LastActivity:  now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&sub).Error
	if err != nil {
		return nil, fmt.Errorf("create placeholder %s: %w", userID, err)
	}
	return s.GetByUserID(ctx, userID)
}

func (s *SubscriberStore) GetByUserID(ctx context.Context, userID string) (*models.Subscriber, error) {
	return s.first(ctx, "user_id = ?", userID)
}

func (s *SubscriberStore) GetByPaymentID(ctx context.Context, paymentID string) (*models.Subscriber, error) {
	if paymentID == "" {
		return nil, ErrNotFound
	}
	sub, err := s.first(ctx, "payment_id = ?", paymentID)
	if errors.Is(err, ErrNotFound) {
		return s.first(ctx, "claimed_payment_id = ?", paymentID)
	}
	return sub, err
}

func (s *SubscriberStore) GetByCorrelationID(ctx context.Context, correlationID string) (*models.Subscriber, error) {
	if correlationID == "" {
		return nil, ErrNotFound
	}
	return s.first(ctx, "correlation_id = ?", correlationID)
}

func (s *SubscriberStore) GetByCredentialLink(ctx context.Context, link string) (*models.Subscriber, error) {
	if link == "" {
		return nil, ErrNotFound
	}
	return s.first(ctx, "credential_link = ?", link)
}

func (s *SubscriberStore) first(ctx context.Context, query string, args ...any) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.WithContext(ctx).Where(query, args...).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *SubscriberStore) SetEmail(ctx context.Context, userID, email string) error {
	res := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("user_id = ?", userID).
		Update("email", email)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkPayment points the subscriber at a new payment attempt. It refuses once
// issuance has been claimed or the subscriber has already paid.
func (s *SubscriberStore) LinkPayment(ctx context.Context, userID, paymentID, correlationID string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("user_id = ? AND issuance_claimed = ? AND payment_status = ?", userID, false, models.PaymentStatusPending).
		Updates(map[string]any{
			"payment_id":     paymentID,
			"correlation_id": correlationID,
			"last_activity":  now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("link payment %s: %w", paymentID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClaimIssuance flips issuance_claimed false->true. Only one caller per
// subscriber ever sees true. The gateway has already confirmed settlement, so
// the payment status is promoted in the same statement.
func (s *SubscriberStore) ClaimIssuance(ctx context.Context, id uint, paymentID string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("id = ? AND issuance_claimed = ?", id, false).
		Updates(map[string]any{
			"issuance_claimed":   true,
			"claimed_payment_id": paymentID,
			"claimed_at":         now,
			"payment_id":         paymentID,
			"payment_status":     models.PaymentStatusSucceeded,
			"issuance_error":     "",
			"issuance_failed_at": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim issuance for %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CompleteIssuance stores the minted credential. It only applies to a claimed
// subscriber that holds no credential yet.
func (s *SubscriberStore) CompleteIssuance(ctx context.Context, id uint, is Issuance) error {
	issuedAt := is.Credential.IssuedAt
	res := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("id = ? AND issuance_claimed = ? AND credential_link = ?", id, true, "").
		Updates(map[string]any{
			"credential_link":       is.Credential.Link,
			"credential_issued_at":  issuedAt,
			"credential_expires_at": is.Credential.ExpiresAt,
			"credential_consumed":   false,
			"payment_status":        models.PaymentStatusSucceeded,
			"payment_document":      is.PaymentDocument,
			"payment_amount":        is.Amount,
			"payment_currency":      is.Currency,
			"paid_at":               is.PaidAt,
			"issuance_error":        "",
			"issuance_failed_at":    nil,
		})
	if res.Error != nil {
		return fmt.Errorf("complete issuance for %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete issuance for %d: no claimed subscriber without credential", id)
	}
	return nil
}

// RecordIssuanceFailure notes a post-claim failure. The claim stays in place.
func (s *SubscriberStore) RecordIssuanceFailure(ctx context.Context, id uint, reason string, now time.Time) error {
	if len(reason) > 1024 {
		reason = reason[:1024]
	}
	return s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("id = ? AND issuance_claimed = ?", id, true).
		Updates(map[string]any{
			"issuance_error":     reason,
			"issuance_failed_at": now,
		}).Error
}

// ReleaseFailedClaim reopens issuance after a recorded failure that left no
// credential behind. It is the administrative re-drive path.
func (s *SubscriberStore) ReleaseFailedClaim(ctx context.Context, id uint) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("id = ? AND issuance_claimed = ? AND credential_link = ? AND issuance_error <> ?", id, true, "", "").
		Updates(map[string]any{
			"issuance_claimed":   false,
			"issuance_error":     "",
			"issuance_failed_at": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("release claim for %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClaimRenewal takes over an expired, unconsumed credential by clearing it.
// The caller that clears it is the only one allowed to mint a replacement.
func (s *SubscriberStore) ClaimRenewal(ctx context.Context, id uint, expiredLink string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("id = ? AND issuance_claimed = ? AND credential_link = ? AND credential_consumed = ? AND credential_expires_at IS NOT NULL AND credential_expires_at <= ?",
			id, true, expiredLink, false, now).
		Updates(map[string]any{
			"credential_link":       "",
			"credential_issued_at":  nil,
			"credential_expires_at": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim renewal for %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkConsumed flips credential_consumed false->true for the given link.
func (s *SubscriberStore) MarkConsumed(ctx context.Context, id uint, link string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("id = ? AND credential_link = ? AND credential_consumed = ?", id, link, false).
		Updates(map[string]any{
			"credential_consumed":  true,
			"membership_confirmed": true,
			"last_activity":        now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark consumed for %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SetMembership records a join or leave. It never touches consumption or the
// issuance claim.
func (s *SubscriberStore) SetMembership(ctx context.Context, id uint, confirmed bool, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("id = ? AND membership_confirmed = ?", id, !confirmed).
		Updates(map[string]any{
			"membership_confirmed": confirmed,
			"last_activity":        now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("set membership for %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListUnconsumedExpiringBefore returns subscribers whose live-or-expired
// credential has an expiry earlier than the deadline.
func (s *SubscriberStore) ListUnconsumedExpiringBefore(ctx context.Context, deadline time.Time, limit int) ([]models.Subscriber, error) {
	if limit <= 0 {
		limit = 500
	}
	var subs []models.Subscriber
	err := s.db.WithContext(ctx).
		Where("credential_link <> ? AND credential_consumed = ? AND membership_confirmed = ? AND credential_expires_at IS NOT NULL AND credential_expires_at < ?",
			"", false, false, deadline).
		Order("credential_expires_at ASC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}
