package audit

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"
)

// DocumentSender posts files to Telegram.
type DocumentSender interface {
	SendDocument(ctx context.Context, params *telego.SendDocumentParams) (*telego.Message, error)
}

// PaymentDetails is what goes into a payment proof.
type PaymentDetails struct {
	PaymentID  string
	Amount     string
	Currency   string
	Status     string
	SettledAt  time.Time
	UserID     string
	Username   string
	PayerEmail string
}

// Recorder writes a proof document per settled payment into the operator
// group. Nothing downstream depends on it succeeding.
type Recorder struct {
	sender  DocumentSender
	groupID int64
	log     *zap.Logger
}

func NewRecorder(sender DocumentSender, groupID int64, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{sender: sender, groupID: groupID, log: log.Named("audit")}
}

// Record uploads the proof and returns a t.me link to the posted message.
func (r *Recorder) Record(ctx context.Context, d PaymentDetails) (string, error) {
	body := Render(d)
	name := fmt.Sprintf("payment_%s.txt", d.PaymentID)
	params := tu.Document(
		tu.ID(r.groupID),
		tu.File(tu.NameReader(bytes.NewReader(body), name)),
	).WithCaption(fmt.Sprintf("Оплата %s %s от пользователя %s", d.Amount, d.Currency, d.UserID))

	msg, err := r.sender.SendDocument(ctx, params)
	if err != nil {
		r.log.Error("failed to post payment proof",
			zap.String("payment_id", d.PaymentID),
			zap.String("user_id", d.UserID),
			zap.Error(err),
		)
		return "", fmt.Errorf("send payment proof %s: %w", d.PaymentID, err)
	}
	return MessageLink(r.groupID, msg.MessageID), nil
}

// Render produces the plain-text proof.
func Render(d PaymentDetails) []byte {
	var b strings.Builder
	b.WriteString("ПОДТВЕРЖДЕНИЕ ОПЛАТЫ\n")
	b.WriteString("====================\n\n")
	fmt.Fprintf(&b, "ID транзакции: %s\n", d.PaymentID)
	fmt.Fprintf(&b, "Сумма: %s %s\n", d.Amount, d.Currency)
	fmt.Fprintf(&b, "Статус: %s\n", d.Status)
	if !d.SettledAt.IsZero() {
		fmt.Fprintf(&b, "Дата: %s\n", d.SettledAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "ID пользователя: %s\n", d.UserID)
	if d.Username != "" {
		fmt.Fprintf(&b, "Username: @%s\n", d.Username)
	}
	email := d.PayerEmail
	if email == "" {
		email = "не указан"
	}
	fmt.Fprintf(&b, "Email: %s\n", email)
	return []byte(b.String())
}

// MessageLink builds https://t.me/c/<internal id>/<message id> for a
// supergroup. The -100 prefix of the chat id is dropped.
func MessageLink(chatID int64, messageID int) string {
	id := strconv.FormatInt(chatID, 10)
	id = strings.TrimPrefix(id, "-100")
	id = strings.TrimPrefix(id, "-")
	return fmt.Sprintf("https://t.me/c/%s/%d", id, messageID)
}
