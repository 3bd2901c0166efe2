package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	"go.uber.org/zap"

	"clubpass-bot/internal/models"
)

// ErrRateLimited is returned when Telegram keeps answering 429 after all retries.
var ErrRateLimited = errors.New("invite link creation rate limited")

const (
	defaultAttempts = 3
	maxRetryWait    = 30 * time.Second
)

// InviteAPI is the part of the Telegram Bot API the issuer needs.
type InviteAPI interface {
	CreateChatInviteLink(ctx context.Context, params *telego.CreateChatInviteLinkParams) (*telego.ChatInviteLink, error)
	RevokeChatInviteLink(ctx context.Context, params *telego.RevokeChatInviteLinkParams) (*telego.ChatInviteLink, error)
}

// RetryObserver is told about every rate-limited attempt.
type RetryObserver interface {
	IssuerRetry()
}

type Issuer struct {
	api       InviteAPI
	channelID int64
	ttl       time.Duration
	attempts  int
	log       *zap.Logger
	observer  RetryObserver

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Issuer)

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(i *Issuer) { i.sleep = sleep }
}

func WithRetryObserver(o RetryObserver) Option {
	return func(i *Issuer) { i.observer = o }
}

// NewIssuer builds an issuer for the given channel. A zero ttl yields links
// that never expire.
func NewIssuer(api InviteAPI, channelID int64, ttl time.Duration, log *zap.Logger, opts ...Option) *Issuer {
	if log == nil {
		log = zap.NewNop()
	}
	i := &Issuer{
		api:       api,
		channelID: channelID,
		ttl:       ttl,
		attempts:  defaultAttempts,
		log:       log.Named("credential"),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue creates a single-member invite link for userID.
func (i *Issuer) Issue(ctx context.Context, userID string) (models.Credential, error) {
	issuedAt := i.now().UTC()
	params := &telego.CreateChatInviteLinkParams{
		ChatID:      telego.ChatID{ID: i.channelID},
		Name:        linkName(userID),
		MemberLimit: 1,
	}
	var expiresAt *time.Time
	if i.ttl > 0 {
		exp := issuedAt.Add(i.ttl)
		expiresAt = &exp
		params.ExpireDate = exp.Unix()
	}

	var lastErr error
	for attempt := 1; attempt <= i.attempts+1; attempt++ {
		link, err := i.api.CreateChatInviteLink(ctx, params)
		if err == nil {
			i.log.Info("invite link created",
				zap.String("user_id", userID),
				zap.Int("attempt", attempt),
			)
			return models.Credential{
				Link:      link.InviteLink,
				IssuedAt:  issuedAt,
				ExpiresAt: expiresAt,
			}, nil
		}

		wait, limited := retryAfter(err, attempt)
		if !limited {
			return models.Credential{}, fmt.Errorf("create invite link for %s: %w", userID, err)
		}
		lastErr = err
		if attempt > i.attempts {
			break
		}
		if i.observer != nil {
			i.observer.IssuerRetry()
		}
		i.log.Warn("invite link rate limited, retrying",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
		if err := i.sleep(ctx, wait); err != nil {
			return models.Credential{}, err
		}
	}
	return models.Credential{}, fmt.Errorf("%w for %s: %v", ErrRateLimited, userID, lastErr)
}

// Revoke invalidates a link. Telegram keeps the link object, it just stops
// accepting joins.
func (i *Issuer) Revoke(ctx context.Context, link string) error {
	if link == "" {
		return nil
	}
	_, err := i.api.RevokeChatInviteLink(ctx, &telego.RevokeChatInviteLinkParams{
		ChatID:     telego.ChatID{ID: i.channelID},
		InviteLink: link,
	})
	if err != nil {
		return fmt.Errorf("revoke invite link: %w", err)
	}
	return nil
}

// retryAfter reports whether err is a 429 and how long to wait before the
// next attempt.
func retryAfter(err error, attempt int) (time.Duration, bool) {
	var apiErr *telegoapi.Error
	if !errors.As(err, &apiErr) || apiErr.ErrorCode != http.StatusTooManyRequests {
		return 0, false
	}
	if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
		wait := time.Duration(apiErr.Parameters.RetryAfter) * time.Second
		if wait > maxRetryWait {
			wait = maxRetryWait
		}
		return wait, true
	}
	return time.Duration(attempt) * time.Second, true
}

func linkName(userID string) string {
	name := "sub-" + userID + "-" + uuid.NewString()[:8]
	if len(name) > 32 {
		name = name[:32]
	}
	return name
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
