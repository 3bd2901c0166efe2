package payment

import "time"

const (
	StatusPending           = "pending"
	StatusWaitingForCapture = "waiting_for_capture"
	StatusSucceeded         = "succeeded"
	StatusCanceled          = "canceled"
)

// Metadata keys attached to every payment the bot creates.
const (
	MetaUserID        = "telegram_id"
	MetaCorrelationID = "correlation_id"
	MetaEmail         = "email"
)

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type ReceiptCustomer struct {
	Email string `json:"email,omitempty"`
}

type ReceiptItem struct {
	Description    string `json:"description"`
	Quantity       string `json:"quantity"`
	Amount         Amount `json:"amount"`
	VatCode        int    `json:"vat_code"`
	PaymentMode    string `json:"payment_mode,omitempty"`
	PaymentSubject string `json:"payment_subject,omitempty"`
}

type Receipt struct {
	Customer ReceiptCustomer `json:"customer"`
	Items    []ReceiptItem   `json:"items"`
}

type CreatePaymentRequest struct {
	Amount       Amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation Confirmation      `json:"confirmation"`
	Description  string            `json:"description,omitempty"`
	Receipt      *Receipt          `json:"receipt,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CreatePaymentParams is what callers supply; the client builds the wire request.
type CreatePaymentParams struct {
	Amount         Amount
	Description    string
	IdempotenceKey string
	ReturnURL      string
	Email          string
	Metadata       map[string]string
}

type PaymentResponse struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Paid         bool              `json:"paid"`
	Amount       Amount            `json:"amount"`
	Description  string            `json:"description,omitempty"`
	Confirmation Confirmation      `json:"confirmation"`
	CreatedAt    *time.Time        `json:"created_at,omitempty"`
	CapturedAt   *time.Time        `json:"captured_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Settled is the only state that entitles the payer to a credential.
func (p *PaymentResponse) Settled() bool {
	return p != nil && p.Status == StatusSucceeded
}

func (p *PaymentResponse) UserID() string {
	if p == nil {
		return ""
	}
	return p.Metadata[MetaUserID]
}

func (p *PaymentResponse) PayerEmail() string {
	if p == nil {
		return ""
	}
	return p.Metadata[MetaEmail]
}

// SettledAt prefers the capture time and falls back to creation.
func (p *PaymentResponse) SettledAt() *time.Time {
	if p == nil {
		return nil
	}
	if p.CapturedAt != nil {
		return p.CapturedAt
	}
	return p.CreatedAt
}

// Webhook structures

type WebhookNotification struct {
	Type   string        `json:"type"`
	Event  string        `json:"event"`
	Object WebhookObject `json:"object"`
}

type WebhookObject struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Paid     bool              `json:"paid"`
	Amount   Amount            `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}
