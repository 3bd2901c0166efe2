package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
)

type fakeInviteAPI struct {
	errs    []error
	calls   int
	params  []*telego.CreateChatInviteLinkParams
	revoked []string
}

func (f *fakeInviteAPI) CreateChatInviteLink(_ context.Context, p *telego.CreateChatInviteLinkParams) (*telego.ChatInviteLink, error) {
	f.calls++
	f.params = append(f.params, p)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &telego.ChatInviteLink{InviteLink: "https://t.me/+abc", MemberLimit: p.MemberLimit}, nil
}

func (f *fakeInviteAPI) RevokeChatInviteLink(_ context.Context, p *telego.RevokeChatInviteLinkParams) (*telego.ChatInviteLink, error) {
	f.revoked = append(f.revoked, p.InviteLink)
	return &telego.ChatInviteLink{InviteLink: p.InviteLink, IsRevoked: true}, nil
}

type countingObserver struct{ n int }

func (c *countingObserver) IssuerRetry() { c.n++ }

func tooMany(retryAfter int) error {
	e := &telegoapi.Error{ErrorCode: 429, Description: "Too Many Requests"}
	if retryAfter > 0 {
		e.Parameters = &telegoapi.ResponseParameters{RetryAfter: retryAfter}
	}
	return e
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func recordSleeps(waits *[]time.Duration) Option {
	return WithSleep(func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	})
}

func TestIssueSetsMemberLimitAndExpiry(t *testing.T) {
	api := &fakeInviteAPI{}
	iss := NewIssuer(api, -100123, 24*time.Hour, nil, WithClock(fixedClock))

	cred, err := iss.Issue(context.Background(), "42")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if cred.Link != "https://t.me/+abc" || cred.ExpiresAt == nil {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if !cred.ExpiresAt.Equal(fixedClock().Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", cred.ExpiresAt)
	}
	p := api.params[0]
	if p.MemberLimit != 1 || p.ChatID.ID != -100123 || p.ExpireDate != fixedClock().Add(24*time.Hour).Unix() {
		t.Fatalf("unexpected params %+v", p)
	}
}

func TestIssueWithoutTTLNeverExpires(t *testing.T) {
	api := &fakeInviteAPI{}
	iss := NewIssuer(api, -100123, 0, nil, WithClock(fixedClock))

	cred, err := iss.Issue(context.Background(), "42")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if cred.ExpiresAt != nil || api.params[0].ExpireDate != 0 {
		t.Fatalf("expected non-expiring link, got %+v", cred)
	}
}

func TestIssueRetriesOnRateLimit(t *testing.T) {
	var waits []time.Duration
	obs := &countingObserver{}
	api := &fakeInviteAPI{errs: []error{tooMany(5), tooMany(0), nil}}
	iss := NewIssuer(api, -100123, time.Hour, nil, recordSleeps(&waits), WithRetryObserver(obs))

	if _, err := iss.Issue(context.Background(), "42"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if api.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", api.calls)
	}
	if len(waits) != 2 || waits[0] != 5*time.Second || waits[1] != 2*time.Second {
		t.Fatalf("unexpected waits %v", waits)
	}
	if obs.n != 2 {
		t.Fatalf("expected 2 observed retries, got %d", obs.n)
	}
}

func TestIssueGivesUpAfterThreeRetries(t *testing.T) {
	var waits []time.Duration
	api := &fakeInviteAPI{errs: []error{tooMany(0), tooMany(0), tooMany(0), tooMany(0), nil}}
	iss := NewIssuer(api, -100123, time.Hour, nil, recordSleeps(&waits))

	_, err := iss.Issue(context.Background(), "42")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if api.calls != 4 || len(waits) != 3 {
		t.Fatalf("expected 4 calls and 3 waits, got %d and %v", api.calls, waits)
	}
	if waits[0] != time.Second || waits[2] != 3*time.Second {
		t.Fatalf("expected linear backoff, got %v", waits)
	}
}

func TestIssueFailsFastOnOtherErrors(t *testing.T) {
	var waits []time.Duration
	api := &fakeInviteAPI{errs: []error{&telegoapi.Error{ErrorCode: 400, Description: "Bad Request: not enough rights"}}}
	iss := NewIssuer(api, -100123, time.Hour, nil, recordSleeps(&waits))

	_, err := iss.Issue(context.Background(), "42")
	if err == nil || errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected plain failure, got %v", err)
	}
	if api.calls != 1 || len(waits) != 0 {
		t.Fatalf("expected no retry, got %d calls", api.calls)
	}
}

func TestRetryAfterIsCapped(t *testing.T) {
	wait, ok := retryAfter(tooMany(600), 1)
	if !ok || wait != maxRetryWait {
		t.Fatalf("expected capped wait, got %v %v", wait, ok)
	}
}

func TestRevoke(t *testing.T) {
	api := &fakeInviteAPI{}
	iss := NewIssuer(api, -100123, time.Hour, nil)

	if err := iss.Revoke(context.Background(), ""); err != nil {
		t.Fatalf("empty revoke: %v", err)
	}
	if err := iss.Revoke(context.Background(), "https://t.me/+abc"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if len(api.revoked) != 1 {
		t.Fatalf("expected one revoke call, got %v", api.revoked)
	}
}
