package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"clubpass-bot/internal/models"
)

var dbSeq atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&models.Subscriber{}, &models.IssuanceEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func base() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestTouchCreatesThenRefreshes(t *testing.T) {
	ctx := context.Background()
	s := NewSubscriberStore(openTestDB(t))

	first, err := s.Touch(ctx, Contact{UserID: "42", ChatID: "42", FirstName: "Ann"}, base())
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if first.PaymentStatus != models.PaymentStatusPending {
		t.Fatalf("expected pending, got %q", first.PaymentStatus)
	}

	second, err := s.Touch(ctx, Contact{UserID: "42", ChatID: "4242", FirstName: "Anna", Username: "anna"}, base().Add(time.Minute))
	if err != nil {
		t.Fatalf("touch again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same row, got %d and %d", first.ID, second.ID)
	}
	if second.ChatID != "4242" || second.Username != "anna" {
		t.Fatalf("expected refreshed contact, got %+v", second)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := NewSubscriberStore(openTestDB(t))
	ctx := context.Background()

	if _, err := s.GetByUserID(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetByPaymentID(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty payment id, got %v", err)
	}
	if _, err := s.GetByCredentialLink(ctx, "https://t.me/+x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsurePlaceholderKeepsExistingRow(t *testing.T) {
	ctx := context.Background()
	s := NewSubscriberStore(openTestDB(t))

	if _, err := s.Touch(ctx, Contact{UserID: "7", ChatID: "7", FirstName: "Bob"}, base()); err != nil {
		t.Fatalf("touch: %v", err)
	}
	sub, err := s.EnsurePlaceholder(ctx, "7", "pay-1", base())
	if err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	if sub.FirstName != "Bob" || sub.PaymentID != "" {
		t.Fatalf("expected existing row untouched, got %+v", sub)
	}

	fresh, err := s.EnsurePlaceholder(ctx, "8", "pay-2", base())
	if err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	if fresh.PaymentID != "pay-2" || fresh.ChatID != "" {
		t.Fatalf("unexpected placeholder %+v", fresh)
	}
}

func TestLinkPaymentRefusedAfterClaim(t *testing.T) {
	ctx := context.Background()
	s := NewSubscriberStore(openTestDB(t))
	sub, _ := s.Touch(ctx, Contact{UserID: "1", ChatID: "1"}, base())

	ok, err := s.LinkPayment(ctx, "1", "pay-a", "corr-a", base())
	if err != nil || !ok {
		t.Fatalf("expected link to apply, got %v %v", ok, err)
	}
	found, err := s.GetByCorrelationID(ctx, "corr-a")
	if err != nil || found.PaymentID != "pay-a" {
		t.Fatalf("lookup by correlation: %+v %v", found, err)
	}

	won, err := s.ClaimIssuance(ctx, sub.ID, "pay-a", base())
	if err != nil || !won {
		t.Fatalf("claim: %v %v", won, err)
	}
	ok, err = s.LinkPayment(ctx, "1", "pay-b", "corr-b", base())
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if ok {
		t.Fatalf("expected link to be refused after claim")
	}
}

func TestClaimIssuanceHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewSubscriberStore(openTestDB(t))
	sub, _ := s.EnsurePlaceholder(ctx, "99", "pay-x", base())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.ClaimIssuance(ctx, sub.ID, "pay-x", base())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	got, _ := s.GetByUserID(ctx, "99")
	if !got.IssuanceClaimed || got.ClaimedPaymentID != "pay-x" || !got.Paid() {
		t.Fatalf("unexpected row after claim %+v", got)
	}
}

func TestCompleteIssuanceRequiresClaimAndEmptyLink(t *testing.T) {
	ctx := context.Background()
	s := NewSubscriberStore(openTestDB(t))
	sub, _ := s.EnsurePlaceholder(ctx, "5", "pay-5", base())
	exp := base().Add(24 * time.Hour)
	is := Issuance{Credential: models.Credential{Link: "https://t.me/+one", IssuedAt: base(), ExpiresAt: &exp}}

	if err := s.CompleteIssuance(ctx, sub.ID, is); err == nil {
		t.Fatalf("expected completion without claim to fail")
	}
	if _, err := s.ClaimIssuance(ctx, sub.ID, "pay-5", base()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CompleteIssuance(ctx, sub.ID, is); err != nil {
		t.Fatalf("complete: %v", err)
	}
	is.Credential.Link = "https://t.me/+two"
	if err := s.CompleteIssuance(ctx, sub.ID, is); err == nil {
		t.Fatalf("expected second credential to be refused")
	}

	got, _ := s.GetByCredentialLink(ctx, "https://t.me/+one")
	if got == nil || got.UserID != "5" {
		t.Fatalf("expected lookup by link, got %+v", got)
	}
}

func TestFailureThenRedriveRelease(t *testing.T) {
	ctx := context.Background()
	s := NewSubscriberStore(openTestDB(t))
	sub, _ := s.EnsurePlaceholder(ctx, "6", "pay-6", base())

	if ok, _ := s.ReleaseFailedClaim(ctx, sub.ID); ok {
		t.Fatalf("nothing to release yet")
	}
	_, _ = s.ClaimIssuance(ctx, sub.ID, "pay-6", base())
	if err := s.RecordIssuanceFailure(ctx, sub.ID, "rate limited", base()); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	got, _ := s.GetByUserID(ctx, "6")
	if !got.IssuanceClaimed || got.IssuanceError != "rate limited" {
		t.Fatalf("claim must survive failure, got %+v", got)
	}

	ok, err := s.ReleaseFailedClaim(ctx, sub.ID)
	if err != nil || !ok {
		t.Fatalf("release: %v %v", ok, err)
	}
	got, _ = s.GetByUserID(ctx, "6")
	if got.IssuanceClaimed || got.IssuanceError != "" {
		t.Fatalf("expected released claim, got %+v", got)
	}
}

func TestMarkConsumedOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewSubscriberStore(openTestDB(t))
	sub, _ := s.EnsurePlaceholder(ctx, "3", "pay-3", base())
	_, _ = s.ClaimIssuance(ctx, sub.ID, "pay-3", base())
	_ = s.CompleteIssuance(ctx, sub.ID, Issuance{Credential: models.Credential{Link: "L", IssuedAt: base()}})

	if ok, _ := s.MarkConsumed(ctx, sub.ID, "other", base()); ok {
		t.Fatalf("wrong link must not consume")
	}
	ok, err := s.MarkConsumed(ctx, sub.ID, "L", base())
	if err != nil || !ok {
		t.Fatalf("consume: %v %v", ok, err)
	}
	if ok, _ := s.MarkConsumed(ctx, sub.ID, "L", base()); ok {
		t.Fatalf("second consume must be a no-op")
	}
	got, _ := s.GetByUserID(ctx, "3")
	if !got.CredentialConsumed || !got.MembershipConfirmed || !got.Fulfilled() {
		t.Fatalf("unexpected row %+v", got)
	}

	if ok, _ := s.SetMembership(ctx, sub.ID, false, base()); !ok {
		t.Fatalf("leave should clear membership")
	}
	got, _ = s.GetByUserID(ctx, "3")
	if got.MembershipConfirmed || !got.CredentialConsumed || !got.IssuanceClaimed {
		t.Fatalf("leave must only clear membership, got %+v", got)
	}
}

func TestClaimRenewalNeedsExpiredUnconsumedLink(t *testing.T) {
	ctx := context.Background()
	s := NewSubscriberStore(openTestDB(t))
	sub, _ := s.EnsurePlaceholder(ctx, "4", "pay-4", base())
	_, _ = s.ClaimIssuance(ctx, sub.ID, "pay-4", base())
	exp := base().Add(time.Hour)
	_ = s.CompleteIssuance(ctx, sub.ID, Issuance{Credential: models.Credential{Link: "old", IssuedAt: base(), ExpiresAt: &exp}})

	if ok, _ := s.ClaimRenewal(ctx, sub.ID, "old", base()); ok {
		t.Fatalf("live link must not be renewed")
	}
	later := base().Add(2 * time.Hour)
	ok, err := s.ClaimRenewal(ctx, sub.ID, "old", later)
	if err != nil || !ok {
		t.Fatalf("renewal: %v %v", ok, err)
	}
	if ok, _ := s.ClaimRenewal(ctx, sub.ID, "old", later); ok {
		t.Fatalf("renewal must have one winner")
	}
	got, _ := s.GetByUserID(ctx, "4")
	if got.CredentialLink != "" || !got.IssuanceClaimed {
		t.Fatalf("expected cleared link with claim intact, got %+v", got)
	}
}

func TestListUnconsumedExpiringBefore(t *testing.T) {
	ctx := context.Background()
	s := NewSubscriberStore(openTestDB(t))
	for i, hours := range []int{1, 30} {
		uid := fmt.Sprintf("u%d", i)
		sub, _ := s.EnsurePlaceholder(ctx, uid, "p"+uid, base())
		_, _ = s.ClaimIssuance(ctx, sub.ID, "p"+uid, base())
		exp := base().Add(time.Duration(hours) * time.Hour)
		_ = s.CompleteIssuance(ctx, sub.ID, Issuance{Credential: models.Credential{Link: "link-" + uid, IssuedAt: base(), ExpiresAt: &exp}})
	}

	subs, err := s.ListUnconsumedExpiringBefore(ctx, base().Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 || subs[0].UserID != "u0" {
		t.Fatalf("expected only u0, got %+v", subs)
	}
}

func TestEventLogAppendsInOrder(t *testing.T) {
	ctx := context.Background()
	log, err := NewEventLog(openTestDB(t), 1)
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	for _, kind := range []string{models.EventIssued, models.EventConsumed} {
		if err := log.Append(ctx, models.IssuanceEvent{UserID: "1", PaymentID: "p", Kind: kind, Source: "push"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := log.ForUser(ctx, "1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Kind != models.EventIssued || events[1].Kind != models.EventConsumed {
		t.Fatalf("unexpected events %+v", events)
	}
}
