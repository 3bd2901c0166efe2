package bot

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"clubpass-bot/internal/membership"
	"clubpass-bot/internal/models"
	"clubpass-bot/internal/reconcile"
	"clubpass-bot/internal/settings"
	"clubpass-bot/internal/store"
)

const stateWaitingEmail = "WAITING_EMAIL"

type Engine interface {
	Reconcile(ctx context.Context, ref reconcile.Reference) (reconcile.Outcome, error)
	Checkout(ctx context.Context, userID string) (reconcile.CheckoutResult, error)
	Renew(ctx context.Context, userID string) (reconcile.Outcome, error)
	Redrive(ctx context.Context, userID string) (reconcile.Outcome, error)
}

type Subscribers interface {
	Touch(ctx context.Context, c store.Contact, now time.Time) (*models.Subscriber, error)
	GetByUserID(ctx context.Context, userID string) (*models.Subscriber, error)
	SetEmail(ctx context.Context, userID, email string) error
}

type MembershipHandler interface {
	Handle(ctx context.Context, ev membership.Event) (membership.Result, error)
}

// History reads the issuance ledger for operators.
type History interface {
	ForUser(ctx context.Context, userID string) ([]models.IssuanceEvent, error)
}

const historyLimit = 10

// Bot routes Telegram updates to the engine and the membership watcher.
type Bot struct {
	Instance    *telego.Bot
	sender      Sender
	engine      Engine
	subscribers Subscribers
	watcher     MembershipHandler
	history     History
	settings    settings.Provider
	admins      []string
	log         *zap.Logger

	UserStates map[int64]string
	StatesMu   sync.RWMutex
}

func NewBot(instance *telego.Bot, sender Sender, engine Engine, subscribers Subscribers, watcher MembershipHandler, history History, provider settings.Provider, admins []string, log *zap.Logger) *Bot {
	if log == nil {
		log = zap.NewNop()
	}
	if sender == nil && instance != nil {
		sender = instance
	}
	return &Bot{
		Instance:    instance,
		sender:      sender,
		engine:      engine,
		subscribers: subscribers,
		watcher:     watcher,
		history:     history,
		settings:    provider,
		admins:      admins,
		log:         log.Named("bot"),
		UserStates:  make(map[int64]string),
	}
}

// Start long-polls until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	updates, err := b.Instance.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query", "chat_member"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.Instance, updates)
	if err != nil {
		return fmt.Errorf("create bot handler: %w", err)
	}

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.onStart(ctx.Context(), update.Message)
		return nil
	}, th.CommandEqual("start"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.onCheckPayment(ctx.Context(), update.Message)
		return nil
	}, th.CommandEqual("checkpayment"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.onRenew(ctx.Context(), update.Message)
		return nil
	}, th.CommandEqual("renew_link"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.onRedrive(ctx.Context(), update.Message)
		return nil
	}, th.CommandEqual("redrive"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.onHistory(ctx.Context(), update.Message)
		return nil
	}, th.CommandEqual("history"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.onReloadSettings(ctx.Context(), update.Message)
		return nil
	}, th.CommandEqual("reload_settings"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.onBuy(ctx.Context(), update.CallbackQuery)
		return nil
	}, th.CallbackDataEqual("buy"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.onAbout(ctx.Context(), update.CallbackQuery)
		return nil
	}, th.CallbackDataEqual("about"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.onChatMember(ctx.Context(), update.ChatMember)
		return nil
	}, th.AnyChatMember())

	// Text input (e-mail capture)
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.onText(ctx.Context(), update.Message)
		return nil
	}, th.AnyMessageWithText())

	b.log.Info("bot started")
	return runHandler(handler)
}

type starter interface {
	Start() error
}

// runHandler blocks until the handler stops.
func runHandler(h starter) error {
	if err := h.Start(); err != nil {
		return fmt.Errorf("bot handler stopped: %w", err)
	}
	return nil
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.sender.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		b.log.Warn("failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) answer(ctx context.Context, q *telego.CallbackQuery) {
	_ = b.sender.AnswerCallbackQuery(ctx, tu.CallbackQuery(q.ID))
}

func (b *Bot) loadSettings(ctx context.Context) models.Settings {
	s, err := b.settings.Get(ctx)
	if err != nil {
		b.log.Warn("failed to load settings, using defaults", zap.Error(err))
		return models.DefaultSettings()
	}
	return s
}

func userID(u telego.User) string {
	return strconv.FormatInt(u.ID, 10)
}

func (b *Bot) onStart(ctx context.Context, message *telego.Message) {
	if message == nil || message.From == nil {
		return
	}
	sub, err := b.subscribers.Touch(ctx, store.Contact{
		UserID:    userID(*message.From),
		ChatID:    strconv.FormatInt(message.Chat.ID, 10),
		FirstName: message.From.FirstName,
		Username:  message.From.Username,
	}, time.Now().UTC())
	if err != nil {
		b.log.Error("failed to save subscriber", zap.Int64("user_id", message.From.ID), zap.Error(err))
		b.reply(ctx, message.Chat.ID, "❌ Что-то пошло не так. Попробуйте ещё раз через минуту.")
		return
	}

	s := b.loadSettings(ctx)
	if sub.Paid() {
		b.reply(ctx, message.Chat.ID, s.PaidWelcomeMessage+"\n\nЕсли ссылка не пришла, используйте /checkpayment, если истекла, /renew_link.")
		return
	}

	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(fmt.Sprintf("💳 Купить доступ (%s %s)", formatPrice(s.PaymentAmount), s.Currency)).WithCallbackData("buy"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📖 О канале").WithCallbackData("about"),
		),
	)
	if _, err := b.sender.SendMessage(ctx, tu.Message(tu.ID(message.Chat.ID), s.WelcomeMessage).WithReplyMarkup(keyboard)); err != nil {
		b.log.Warn("failed to send welcome", zap.Error(err))
	}
}

func (b *Bot) onAbout(ctx context.Context, q *telego.CallbackQuery) {
	if q == nil {
		return
	}
	defer b.answer(ctx, q)
	b.reply(ctx, q.From.ID, b.loadSettings(ctx).ChannelDescription)
}

func (b *Bot) onBuy(ctx context.Context, q *telego.CallbackQuery) {
	if q == nil {
		return
	}
	defer b.answer(ctx, q)

	sub, err := b.subscribers.GetByUserID(ctx, userID(q.From))
	if errors.Is(err, store.ErrNotFound) {
		b.reply(ctx, q.From.ID, "Сначала нажмите /start.")
		return
	}
	if err != nil {
		b.log.Error("failed to load subscriber", zap.Int64("user_id", q.From.ID), zap.Error(err))
		b.reply(ctx, q.From.ID, "❌ Что-то пошло не так. Попробуйте ещё раз через минуту.")
		return
	}
	if sub.Email == "" && !sub.IssuanceClaimed {
		b.setState(q.From.ID, stateWaitingEmail)
		b.reply(ctx, q.From.ID, "📧 Введите e-mail, на него придёт чек об оплате:")
		return
	}
	b.checkout(ctx, q.From.ID)
}

func (b *Bot) onText(ctx context.Context, message *telego.Message) {
	if message == nil || message.From == nil {
		return
	}
	if b.state(message.From.ID) != stateWaitingEmail {
		return
	}

	addr, err := mail.ParseAddress(strings.TrimSpace(message.Text))
	if err != nil || addr.Name != "" {
		b.reply(ctx, message.Chat.ID, "❌ Некорректный e-mail. Попробуйте ещё раз:")
		return
	}
	if err := b.subscribers.SetEmail(ctx, userID(*message.From), addr.Address); err != nil {
		b.log.Error("failed to save email", zap.Int64("user_id", message.From.ID), zap.Error(err))
		b.reply(ctx, message.Chat.ID, "❌ Не удалось сохранить e-mail. Попробуйте ещё раз позже.")
		return
	}
	b.clearState(message.From.ID)
	b.checkout(ctx, message.From.ID)
}

func (b *Bot) checkout(ctx context.Context, telegramID int64) {
	res, err := b.engine.Checkout(ctx, strconv.FormatInt(telegramID, 10))
	if err != nil {
		b.log.Error("checkout failed", zap.Int64("user_id", telegramID), zap.Error(err))
		b.reply(ctx, telegramID, "❌ Ошибка при создании платежа. Попробуйте позже.")
		return
	}
	if res.Outcome != nil {
		// Already paid; the engine has answered the user.
		return
	}
	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(tu.InlineKeyboardButton("💳 Оплатить").WithURL(res.ConfirmationURL)),
	)
	text := "Для оплаты перейдите по ссылке ниже. После оплаты ссылка на канал придёт в этот чат.\nЕсли её нет дольше минуты, отправьте /checkpayment."
	if _, err := b.sender.SendMessage(ctx, tu.Message(tu.ID(telegramID), text).WithReplyMarkup(keyboard)); err != nil {
		b.log.Warn("failed to send checkout link", zap.Int64("user_id", telegramID), zap.Error(err))
	}
}

func (b *Bot) onCheckPayment(ctx context.Context, message *telego.Message) {
	if message == nil || message.From == nil {
		return
	}
	uid := userID(*message.From)
	sub, err := b.subscribers.GetByUserID(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		b.reply(ctx, message.Chat.ID, "Сначала нажмите /start.")
		return
	}
	if err != nil {
		b.log.Error("failed to load subscriber", zap.String("user_id", uid), zap.Error(err))
		b.reply(ctx, message.Chat.ID, "❌ Не удалось проверить платёж. Попробуйте позже.")
		return
	}

	paymentID := sub.PaymentID
	if sub.ClaimedPaymentID != "" {
		paymentID = sub.ClaimedPaymentID
	}
	if paymentID == "" {
		b.reply(ctx, message.Chat.ID, "У вас нет платежей. Нажмите /start, чтобы оформить доступ.")
		return
	}

	_, err = b.engine.Reconcile(ctx, reconcile.Reference{
		PaymentID:  paymentID,
		UserIDHint: uid,
		Trigger:    reconcile.TriggerPoll,
	})
	if err != nil {
		b.log.Error("payment check failed", zap.String("user_id", uid), zap.String("payment_id", paymentID), zap.Error(err))
		b.reply(ctx, message.Chat.ID, "❌ Не удалось проверить платёж. Попробуйте позже.")
	}
}

func (b *Bot) onRenew(ctx context.Context, message *telego.Message) {
	if message == nil || message.From == nil {
		return
	}
	uid := userID(*message.From)
	_, err := b.engine.Renew(ctx, uid)
	switch {
	case err == nil:
	case errors.Is(err, reconcile.ErrUnknownReference):
		b.reply(ctx, message.Chat.ID, "Сначала нажмите /start.")
	case errors.Is(err, reconcile.ErrNothingToRenew):
		b.reply(ctx, message.Chat.ID, "У вас нет оплаченного доступа. Нажмите /start, чтобы оформить его.")
	default:
		b.log.Error("renew failed", zap.String("user_id", uid), zap.Error(err))
		b.reply(ctx, message.Chat.ID, "❌ Не удалось обновить ссылку. Попробуйте позже.")
	}
}

func (b *Bot) isAdmin(id int64) bool {
	return slices.Contains(b.admins, strconv.FormatInt(id, 10))
}

func (b *Bot) onRedrive(ctx context.Context, message *telego.Message) {
	if message == nil || message.From == nil || !b.isAdmin(message.From.ID) {
		return
	}
	parts := strings.Fields(message.Text)
	if len(parts) != 2 {
		b.reply(ctx, message.Chat.ID, "Использование: /redrive <userId>")
		return
	}
	target := parts[1]

	out, err := b.engine.Redrive(ctx, target)
	switch {
	case errors.Is(err, reconcile.ErrUnknownReference):
		b.reply(ctx, message.Chat.ID, "Пользователь "+target+" не найден.")
	case errors.Is(err, reconcile.ErrNothingToRedrive):
		b.reply(ctx, message.Chat.ID, "У пользователя "+target+" нет неудачной выдачи.")
	case err != nil:
		b.log.Error("redrive failed", zap.String("target", target), zap.Error(err))
		b.reply(ctx, message.Chat.ID, "❌ Повторная выдача не удалась: "+err.Error())
	default:
		b.log.Info("redrive finished", zap.String("target", target), zap.String("outcome", string(out.Kind)))
		b.reply(ctx, message.Chat.ID, fmt.Sprintf("Повторная выдача для %s: %s", target, out.Kind))
	}
}

func (b *Bot) onHistory(ctx context.Context, message *telego.Message) {
	if message == nil || message.From == nil || !b.isAdmin(message.From.ID) {
		return
	}
	parts := strings.Fields(message.Text)
	if len(parts) != 2 {
		b.reply(ctx, message.Chat.ID, "Использование: /history <userId>")
		return
	}
	target := parts[1]
	if b.history == nil {
		b.reply(ctx, message.Chat.ID, "История недоступна.")
		return
	}

	events, err := b.history.ForUser(ctx, target)
	if err != nil {
		b.log.Error("failed to read issuance history", zap.String("target", target), zap.Error(err))
		b.reply(ctx, message.Chat.ID, "❌ Не удалось прочитать историю: "+err.Error())
		return
	}
	if len(events) == 0 {
		b.reply(ctx, message.Chat.ID, "Для пользователя "+target+" событий нет.")
		return
	}
	b.reply(ctx, message.Chat.ID, RenderHistory(target, events))
}

// RenderHistory lists the newest events, oldest first.
func RenderHistory(userID string, events []models.IssuanceEvent) string {
	if len(events) > historyLimit {
		events = events[len(events)-historyLimit:]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "История выдачи для %s:", userID)
	for _, ev := range events {
		fmt.Fprintf(&b, "\n%s %s", ev.CreatedAt.UTC().Format("02.01.2006 15:04"), ev.Kind)
		if ev.Source != "" {
			fmt.Fprintf(&b, " (%s)", ev.Source)
		}
		if ev.PaymentID != "" {
			fmt.Fprintf(&b, " платёж %s", ev.PaymentID)
		}
		if ev.Detail != "" {
			fmt.Fprintf(&b, ": %s", ev.Detail)
		}
	}
	return b.String()
}

func (b *Bot) onReloadSettings(ctx context.Context, message *telego.Message) {
	if message == nil || message.From == nil || !b.isAdmin(message.From.ID) {
		return
	}
	if err := b.settings.Invalidate(ctx); err != nil {
		b.log.Error("failed to invalidate settings cache", zap.Error(err))
		b.reply(ctx, message.Chat.ID, "❌ Не удалось сбросить кэш настроек: "+err.Error())
		return
	}
	b.log.Info("settings cache invalidated", zap.Int64("admin", message.From.ID))
	b.reply(ctx, message.Chat.ID, "✅ Настройки будут перечитаны из базы.")
}

func (b *Bot) onChatMember(ctx context.Context, u *telego.ChatMemberUpdated) {
	if u == nil || b.watcher == nil {
		return
	}
	ev := membership.EventFromUpdate(*u)
	res, err := b.watcher.Handle(ctx, ev)
	if err != nil {
		b.log.Error("failed to apply membership change", zap.String("user_id", ev.UserID), zap.Error(err))
		return
	}
	b.log.Debug("membership change", zap.String("user_id", ev.UserID), zap.String("result", string(res)))
}

func (b *Bot) state(id int64) string {
	b.StatesMu.RLock()
	defer b.StatesMu.RUnlock()
	return b.UserStates[id]
}

func (b *Bot) setState(id int64, state string) {
	b.StatesMu.Lock()
	b.UserStates[id] = state
	b.StatesMu.Unlock()
}

func (b *Bot) clearState(id int64) {
	b.StatesMu.Lock()
	delete(b.UserStates, id)
	b.StatesMu.Unlock()
}

func formatPrice(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
