package models

import (
	"testing"
	"time"
)

func TestCredentialLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	expires := now.Add(time.Hour)
	sub := &Subscriber{
		CredentialLink:      "https://t.me/+abc",
		CredentialIssuedAt:  &now,
		CredentialExpiresAt: &expires,
	}

	cred := sub.Credential()
	if cred == nil || !cred.Live(now) {
		t.Fatalf("expected live credential, got %+v", cred)
	}
	if !cred.Expired(expires) {
		t.Fatalf("credential must be expired at its expiry instant")
	}

	sub.CredentialConsumed = true
	if sub.Credential().Live(now) {
		t.Fatalf("consumed credential must not be live")
	}
	if !sub.Fulfilled() {
		t.Fatalf("consumed credential fulfils the subscriber")
	}
}

func TestCredentialWithoutExpiryNeverExpires(t *testing.T) {
	sub := &Subscriber{CredentialLink: "https://t.me/+forever"}
	if sub.Credential().Expired(time.Now().Add(100 * 365 * 24 * time.Hour)) {
		t.Fatalf("non-expiring credential reported expired")
	}
	if (&Subscriber{}).Credential() != nil {
		t.Fatalf("expected nil credential without a link")
	}
}
