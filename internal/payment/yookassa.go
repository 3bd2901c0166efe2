package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clubpass-bot/internal/logger"
)

const DefaultAPIURL = "https://api.yookassa.ru/v3"

// APIError is a non-2xx answer from YooKassa.
type APIError struct {
	StatusCode  int
	Code        string `json:"code"`
	Description string `json:"description"`
	Body        string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("yookassa api error: %s: %s (status: %d)", e.Code, e.Description, e.StatusCode)
	}
	return fmt.Sprintf("yookassa api error: %s (status: %d)", e.Body, e.StatusCode)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	ShopID     string
	SecretKey  string
	APIURL     string
	HTTPClient *http.Client
	log        *zap.Logger
}

func NewClient(shopID, secretKey, apiURL string, timeout time.Duration, log *zap.Logger) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		ShopID:    shopID,
		SecretKey: secretKey,
		APIURL:    strings.TrimRight(apiURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		log: log.Named("yookassa"),
	}
}

// CreatePayment starts a redirect checkout. The idempotence key should be the
// local correlation id so a timed out call can be repeated safely.
func (c *Client) CreatePayment(ctx context.Context, p CreatePaymentParams) (*PaymentResponse, error) {
	key := p.IdempotenceKey
	if key == "" {
		key = uuid.NewString()
	}

	reqBody := CreatePaymentRequest{
		Amount:  p.Amount,
		Capture: true,
		Confirmation: Confirmation{
			Type:      "redirect",
			ReturnURL: p.ReturnURL,
		},
		Description: p.Description,
		Metadata:    p.Metadata,
	}
	if p.Email != "" {
		reqBody.Receipt = &Receipt{
			Customer: ReceiptCustomer{Email: p.Email},
			Items: []ReceiptItem{{
				Description:    truncate(p.Description, 128),
				Quantity:       "1.00",
				Amount:         p.Amount,
				VatCode:        1,
				PaymentMode:    "full_payment",
				PaymentSubject: "service",
			}},
		}
	}

	var out PaymentResponse
	if err := c.doRequest(ctx, http.MethodPost, "/payments", key, reqBody, &out); err != nil {
		return nil, err
	}
	c.log.Info("payment created",
		zap.String("payment_id", out.ID),
		zap.String("status", out.Status),
		zap.String("idempotence_key", key),
	)
	return &out, nil
}

// GetPayment fetches the authoritative state of a payment.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*PaymentResponse, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, errors.New("empty payment id")
	}
	var out PaymentResponse
	if err := c.doRequest(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doRequest(ctx context.Context, method, path, idempotenceKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if idempotenceKey != "" {
		req.Header.Set("Idempotence-Key", idempotenceKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.ShopID, c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		_ = json.Unmarshal(respBody, apiErr)
		c.log.Warn("yookassa request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code),
			zap.Any("headers", logger.MaskHeaders(req.Header)),
		)
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
