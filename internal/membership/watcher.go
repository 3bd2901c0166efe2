package membership

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	"go.uber.org/zap"

	"clubpass-bot/internal/models"
	"clubpass-bot/internal/reconcile"
	"clubpass-bot/internal/store"
)

type Result string

const (
	ResultIgnored   Result = "ignored"
	ResultConsumed  Result = "consumed"
	ResultJoined    Result = "joined"
	ResultLeft      Result = "left"
	ResultDuplicate Result = "duplicate"
	ResultUnknown   Result = "unknown_member"
)

// Event is a membership change in some chat.
type Event struct {
	ChatID     int64
	UserID     string
	Status     string
	IsMember   bool
	InviteLink string
}

func (e Event) Joined() bool {
	switch e.Status {
	case "member", "administrator", "creator":
		return true
	case "restricted":
		return e.IsMember
	}
	return false
}

func (e Event) Left() bool {
	switch e.Status {
	case "left", "kicked":
		return true
	case "restricted":
		return !e.IsMember
	}
	return false
}

// EventFromUpdate flattens a chat_member update.
func EventFromUpdate(u telego.ChatMemberUpdated) Event {
	ev := Event{ChatID: u.Chat.ID}
	if u.NewChatMember != nil {
		ev.Status = u.NewChatMember.MemberStatus()
		ev.UserID = strconv.FormatInt(u.NewChatMember.MemberUser().ID, 10)
		if r, ok := u.NewChatMember.(*telego.ChatMemberRestricted); ok {
			ev.IsMember = r.IsMember
		}
	}
	if u.InviteLink != nil {
		ev.InviteLink = u.InviteLink.InviteLink
	}
	return ev
}

type Store interface {
	GetByUserID(ctx context.Context, userID string) (*models.Subscriber, error)
	GetByCredentialLink(ctx context.Context, link string) (*models.Subscriber, error)
	MarkConsumed(ctx context.Context, id uint, link string, now time.Time) (bool, error)
	SetMembership(ctx context.Context, id uint, confirmed bool, now time.Time) (bool, error)
}

type Revoker interface {
	Revoke(ctx context.Context, link string) error
}

type Alerter interface {
	Alert(ctx context.Context, a reconcile.Alert) error
}

type Observer interface {
	ObserveMembership(result string)
}

// Watcher applies channel membership changes to subscribers.
type Watcher struct {
	channelID int64
	store     Store
	revoker   Revoker
	alerter   Alerter
	ledger    reconcile.Ledger
	metrics   Observer
	log       *zap.Logger
	now       func() time.Time
}

func NewWatcher(channelID int64, s Store, revoker Revoker, alerter Alerter, ledger reconcile.Ledger, metrics Observer, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		channelID: channelID,
		store:     s,
		revoker:   revoker,
		alerter:   alerter,
		ledger:    ledger,
		metrics:   metrics,
		log:       log.Named("membership"),
		now:       time.Now,
	}
}

func (w *Watcher) Handle(ctx context.Context, ev Event) (Result, error) {
	res, err := w.handle(ctx, ev)
	if w.metrics != nil && err == nil {
		w.metrics.ObserveMembership(string(res))
	}
	return res, err
}

func (w *Watcher) handle(ctx context.Context, ev Event) (Result, error) {
	if ev.ChatID != w.channelID || ev.UserID == "" {
		return ResultIgnored, nil
	}
	switch {
	case ev.Joined():
		return w.joined(ctx, ev)
	case ev.Left():
		return w.left(ctx, ev)
	}
	return ResultIgnored, nil
}

func (w *Watcher) joined(ctx context.Context, ev Event) (Result, error) {
	log := w.log.With(zap.String("user_id", ev.UserID))
	now := w.now().UTC()

	sub, err := w.store.GetByUserID(ctx, ev.UserID)
	if errors.Is(err, store.ErrNotFound) {
		w.checkForeignLink(ctx, ev, nil)
		log.Info("unknown user joined the channel")
		return ResultUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve member %s: %w", ev.UserID, err)
	}
	w.checkForeignLink(ctx, ev, sub)

	if cred := sub.Credential(); cred != nil && !cred.Consumed {
		consumed, err := w.store.MarkConsumed(ctx, sub.ID, cred.Link, now)
		if err != nil {
			return "", err
		}
		if !consumed {
			return ResultDuplicate, nil
		}
		log.Info("invite link consumed")
		w.record(ctx, sub, models.EventConsumed, cred.Link)
		if err := w.revoker.Revoke(ctx, cred.Link); err != nil {
			log.Warn("failed to revoke consumed invite link", zap.Error(err))
		}
		return ResultConsumed, nil
	}

	changed, err := w.store.SetMembership(ctx, sub.ID, true, now)
	if err != nil {
		return "", err
	}
	if !changed {
		return ResultDuplicate, nil
	}
	log.Info("membership confirmed")
	return ResultJoined, nil
}

func (w *Watcher) left(ctx context.Context, ev Event) (Result, error) {
	sub, err := w.store.GetByUserID(ctx, ev.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return ResultIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve member %s: %w", ev.UserID, err)
	}
	changed, err := w.store.SetMembership(ctx, sub.ID, false, w.now().UTC())
	if err != nil {
		return "", err
	}
	if !changed {
		return ResultDuplicate, nil
	}
	w.log.Info("member left the channel", zap.String("user_id", ev.UserID), zap.String("status", ev.Status))
	return ResultLeft, nil
}

// checkForeignLink alerts operators when someone joins through a link that
// was issued to another subscriber, and revokes that link.
func (w *Watcher) checkForeignLink(ctx context.Context, ev Event, sub *models.Subscriber) {
	if ev.InviteLink == "" || (sub != nil && sub.CredentialLink == ev.InviteLink) {
		return
	}
	owner, err := w.store.GetByCredentialLink(ctx, ev.InviteLink)
	if err != nil || owner.UserID == ev.UserID {
		return
	}
	w.log.Warn("invite link used by another user",
		zap.String("owner_id", owner.UserID),
		zap.String("joined_user_id", ev.UserID),
	)
	if err := w.revoker.Revoke(ctx, ev.InviteLink); err != nil {
		w.log.Warn("failed to revoke shared invite link", zap.Error(err))
	}
	if w.alerter != nil {
		err := w.alerter.Alert(ctx, reconcile.Alert{
			Kind:       models.EventLinkShared,
			Subscriber: owner,
			PaymentID:  owner.ClaimedPaymentID,
			Detail:     "ссылкой воспользовался пользователь " + ev.UserID,
		})
		if err != nil {
			w.log.Warn("failed to alert operators", zap.Error(err))
		}
	}
}

func (w *Watcher) record(ctx context.Context, sub *models.Subscriber, kind, detail string) {
	if w.ledger == nil {
		return
	}
	err := w.ledger.Append(ctx, models.IssuanceEvent{
		UserID:    sub.UserID,
		PaymentID: sub.ClaimedPaymentID,
		Kind:      kind,
		Source:    "chat_member",
		Detail:    detail,
	})
	if err != nil {
		w.log.Warn("failed to append issuance event", zap.Error(err))
	}
}
