package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCreatePaymentSendsIdempotenceKeyAndReceipt(t *testing.T) {
	var got CreatePaymentRequest
	var key, user string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/payments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		key = r.Header.Get("Idempotence-Key")
		user, _, _ = r.BasicAuth()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":"pay-1","status":"pending","confirmation":{"type":"redirect","confirmation_url":"https://yoomoney.ru/checkout/pay-1"}}`))
	}))
	defer srv.Close()

	c := NewClient("shop", "secret", srv.URL, time.Second, nil)
	resp, err := c.CreatePayment(context.Background(), CreatePaymentParams{
		Amount:         Amount{Value: "990.00", Currency: "RUB"},
		Description:    "Club access",
		IdempotenceKey: "corr-1",
		ReturnURL:      "https://example.com/return?paymentId=corr-1",
		Email:          "a@example.com",
		Metadata:       map[string]string{MetaUserID: "42"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.ID != "pay-1" || resp.Confirmation.ConfirmationURL == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if key != "corr-1" || user != "shop" {
		t.Fatalf("expected idempotence key and basic auth, got %q %q", key, user)
	}
	if !got.Capture || got.Receipt == nil || got.Receipt.Customer.Email != "a@example.com" {
		t.Fatalf("unexpected request body %+v", got)
	}
	if got.Metadata[MetaUserID] != "42" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
}

func TestGetPaymentParsesSettlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payments/pay-9" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"pay-9","status":"succeeded","paid":true,
			"amount":{"value":"990.00","currency":"RUB"},
			"created_at":"2026-03-01T10:00:00.000Z","captured_at":"2026-03-01T10:01:00.000Z",
			"metadata":{"telegram_id":"42","email":"a@example.com"}}`))
	}))
	defer srv.Close()

	c := NewClient("shop", "secret", srv.URL, time.Second, nil)
	p, err := c.GetPayment(context.Background(), "pay-9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !p.Settled() || p.UserID() != "42" || p.PayerEmail() != "a@example.com" {
		t.Fatalf("unexpected payment %+v", p)
	}
	if at := p.SettledAt(); at == nil || at.Minute() != 1 {
		t.Fatalf("expected capture time, got %v", at)
	}
}

func TestAPIErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"type":"error","code":"not_found","description":"Payment doesn't exist"}`))
	}))
	defer srv.Close()

	c := NewClient("shop", "secret", srv.URL, time.Second, nil)
	_, err := c.GetPayment(context.Background(), "missing")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" || apiErr.Temporary() {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestRejectedRequestLogsMaskedHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","code":"invalid_credentials"}`))
	}))
	defer srv.Close()

	core, logs := observer.New(zap.WarnLevel)
	c := NewClient("shop", "secret", srv.URL, time.Second, zap.New(core))
	_, err := c.CreatePayment(context.Background(), CreatePaymentParams{
		Amount:         Amount{Value: "399.00", Currency: "RUB"},
		IdempotenceKey: "corr-secret-key",
	})
	if err == nil {
		t.Fatalf("expected rejection")
	}

	entries := logs.FilterMessage("yookassa request rejected").All()
	if len(entries) != 1 {
		t.Fatalf("expected one rejection log, got %d", len(entries))
	}
	headers, ok := entries[0].ContextMap()["headers"].(map[string]string)
	if !ok {
		t.Fatalf("headers not logged: %+v", entries[0].ContextMap())
	}
	if auth := headers["Authorization"]; auth == "" || strings.Contains(auth, "Basic ") {
		t.Fatalf("authorization leaked: %q", auth)
	}
	if key := headers["Idempotence-Key"]; key == "corr-secret-key" || !strings.HasSuffix(key, "-key") {
		t.Fatalf("idempotence key not masked: %q", key)
	}
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient("shop", "secret", srv.URL, 20*time.Millisecond, nil)
	if _, err := c.GetPayment(context.Background(), "slow"); err == nil {
		t.Fatalf("expected timeout error")
	}
}
