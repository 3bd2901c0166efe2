package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"clubpass-bot/internal/models"
	"clubpass-bot/internal/reconcile"
	"clubpass-bot/internal/settings"
)

// Sender is the part of the Telegram API the bot talks through.
type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *telego.AnswerCallbackQueryParams) error
}

// Messenger delivers engine outcomes to subscribers and operators.
type Messenger struct {
	sender   Sender
	settings settings.Provider
	groupID  int64
	admins   []string
	log      *zap.Logger
	now      func() time.Time
}

func NewMessenger(sender Sender, provider settings.Provider, groupID int64, admins []string, log *zap.Logger) *Messenger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Messenger{
		sender:   sender,
		settings: provider,
		groupID:  groupID,
		admins:   admins,
		log:      log.Named("messenger"),
		now:      time.Now,
	}
}

var errNoChat = errors.New("subscriber has no reachable chat")

func chatOf(sub *models.Subscriber) (int64, error) {
	if sub == nil {
		return 0, errNoChat
	}
	for _, raw := range []string{sub.ChatID, sub.UserID} {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", errNoChat, sub.UserID)
}

func (m *Messenger) send(ctx context.Context, sub *models.Subscriber, params *telego.SendMessageParams) error {
	chatID, err := chatOf(sub)
	if err != nil {
		return err
	}
	params.ChatID = tu.ID(chatID)
	_, err = m.sender.SendMessage(ctx, params)
	return err
}

func joinKeyboard(link string) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(tu.InlineKeyboardButton("🔑 Вступить в канал").WithURL(link)),
	)
}

func (m *Messenger) CredentialIssued(ctx context.Context, sub *models.Subscriber, cred models.Credential, renewed bool) error {
	var b strings.Builder
	if renewed {
		b.WriteString("🔄 Старая ссылка истекла, вот новая.")
	} else {
		s, err := m.settings.Get(ctx)
		if err != nil {
			s = models.DefaultSettings()
		}
		b.WriteString(s.PaidWelcomeMessage)
	}
	b.WriteString("\n\nВаша персональная ссылка для вступления (одноразовая):\n")
	b.WriteString(cred.Link)
	if cred.ExpiresAt != nil {
		fmt.Fprintf(&b, "\n\nСсылка действует до %s (UTC).", cred.ExpiresAt.UTC().Format("02.01.2006 15:04"))
	}
	return m.send(ctx, sub, tu.Message(tu.ID(0), b.String()).WithReplyMarkup(joinKeyboard(cred.Link)))
}

// AlreadyFulfilled answers a repeated request: members are told so, a live
// unused link is sent again.
func (m *Messenger) AlreadyFulfilled(ctx context.Context, sub *models.Subscriber) error {
	switch cred := sub.Credential(); {
	case sub.MembershipConfirmed:
		return m.send(ctx, sub, tu.Message(tu.ID(0), "✅ Доступ уже оплачен, и вы состоите в канале."))
	case sub.CredentialConsumed:
		return m.send(ctx, sub, tu.Message(tu.ID(0), "✅ Доступ уже оплачен, ссылка была использована для вступления."))
	case cred != nil && cred.Live(m.now()):
		return m.CredentialIssued(ctx, sub, *cred, false)
	default:
		return m.send(ctx, sub, tu.Message(tu.ID(0), "✅ Доступ уже оплачен. Если ссылка истекла, используйте /renew_link."))
	}
}

func (m *Messenger) NotYetSettled(ctx context.Context, sub *models.Subscriber, status string) error {
	text := fmt.Sprintf("⏳ Оплата ещё не подтверждена. Статус: %s.\nПопробуйте /checkpayment чуть позже.", status)
	if status == "canceled" {
		text = "❌ Платёж отменён. Чтобы оформить доступ заново, нажмите /start."
	}
	return m.send(ctx, sub, tu.Message(tu.ID(0), text))
}

func (m *Messenger) InProgress(ctx context.Context, sub *models.Subscriber) error {
	return m.send(ctx, sub, tu.Message(tu.ID(0), "⏳ Оплата подтверждена, ссылка уже готовится. Она придёт в этот чат через несколько секунд."))
}

func (m *Messenger) IssuanceFailed(ctx context.Context, sub *models.Subscriber, supportLink string) error {
	params := tu.Message(tu.ID(0), "⚠️ Оплата получена, но выдать ссылку не удалось. Напишите в поддержку, мы всё решим вручную.")
	if supportLink != "" {
		params = params.WithReplyMarkup(tu.InlineKeyboard(
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("🆘 Поддержка").WithURL(supportLink)),
		))
	}
	return m.send(ctx, sub, params)
}

// Alert posts to the payment group and every admin. It fails only when no
// recipient got the message.
func (m *Messenger) Alert(ctx context.Context, a reconcile.Alert) error {
	text := RenderAlert(a)
	var targets []int64
	if m.groupID != 0 {
		targets = append(targets, m.groupID)
	}
	for _, admin := range m.admins {
		id, err := strconv.ParseInt(admin, 10, 64)
		if err != nil {
			m.log.Warn("invalid admin chat id", zap.String("admin", admin))
			continue
		}
		targets = append(targets, id)
	}

	var errs []error
	delivered := 0
	for _, id := range targets {
		if _, err := m.sender.SendMessage(ctx, tu.Message(tu.ID(id), text)); err != nil {
			m.log.Warn("failed to deliver alert", zap.Int64("chat_id", id), zap.String("kind", a.Kind), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func RenderAlert(a reconcile.Alert) string {
	var b strings.Builder
	switch a.Kind {
	case models.EventIssued:
		b.WriteString("✅ Новый подписчик")
	case models.EventIssuanceFailed:
		b.WriteString("❗ Ошибка выдачи ссылки")
	case models.EventDuplicatePay:
		b.WriteString("⚠️ Повторный оплаченный платёж")
	case models.EventLinkShared:
		b.WriteString("⚠️ Ссылка использована чужим аккаунтом")
	default:
		b.WriteString("ℹ️ " + a.Kind)
	}
	if sub := a.Subscriber; sub != nil {
		fmt.Fprintf(&b, "\nПользователь: %s", sub.UserID)
		if sub.Username != "" {
			fmt.Fprintf(&b, " (@%s)", sub.Username)
		}
		if sub.Email != "" {
			fmt.Fprintf(&b, "\nE-mail: %s", sub.Email)
		}
	}
	if a.PaymentID != "" {
		fmt.Fprintf(&b, "\nПлатёж: %s", a.PaymentID)
	}
	if a.Amount != "" {
		fmt.Fprintf(&b, "\nСумма: %s %s", a.Amount, a.Currency)
	}
	if a.ProofRef != "" {
		fmt.Fprintf(&b, "\nЧек: %s", a.ProofRef)
	}
	if a.Detail != "" {
		fmt.Fprintf(&b, "\n%s", a.Detail)
	}
	return b.String()
}
