package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"clubpass-bot/internal/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSubscribers struct {
	subs     []models.Subscriber
	deadline time.Time
}

func (f *fakeSubscribers) ListUnconsumedExpiringBefore(_ context.Context, deadline time.Time, _ int) ([]models.Subscriber, error) {
	f.deadline = deadline
	var out []models.Subscriber
	for _, s := range f.subs {
		if s.CredentialExpiresAt.Before(deadline) {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeSender struct {
	fail  bool
	texts map[int64][]string
}

func (f *fakeSender) SendMessage(_ context.Context, p *telego.SendMessageParams) (*telego.Message, error) {
	if f.fail {
		return nil, errors.New("Too Many Requests")
	}
	if f.texts == nil {
		f.texts = map[int64][]string{}
	}
	f.texts[p.ChatID.ID] = append(f.texts[p.ChatID.ID], p.Text)
	return &telego.Message{}, nil
}

func subscriber(userID, link string, expiresIn time.Duration) models.Subscriber {
	exp := now.Add(expiresIn)
	return models.Subscriber{UserID: userID, ChatID: userID, CredentialLink: link, CredentialExpiresAt: &exp}
}

func newChecker(subs *fakeSubscribers, sender *fakeSender) *Checker {
	c := NewChecker(subs, sender, NewMemoryMarker(), time.Hour, nil)
	c.now = func() time.Time { return now }
	return c
}

func TestRemindersAreSentOnce(t *testing.T) {
	subs := &fakeSubscribers{subs: []models.Subscriber{
		subscriber("1", "https://t.me/+soon", 90*time.Minute),
		subscriber("2", "https://t.me/+gone", -time.Hour),
		subscriber("3", "https://t.me/+old", -72*time.Hour),
		subscriber("4", "https://t.me/+later", 10*time.Hour),
	}}
	sender := &fakeSender{}
	c := newChecker(subs, sender)

	if n := c.RunOnce(context.Background()); n != 2 {
		t.Fatalf("expected 2 reminders, got %d", n)
	}
	if !subs.deadline.Equal(now.Add(2 * time.Hour)) {
		t.Fatalf("unexpected deadline %s", subs.deadline)
	}
	if got := sender.texts[1]; len(got) != 1 || !strings.Contains(got[0], "1 ч. 30 мин.") || !strings.Contains(got[0], "https://t.me/+soon") {
		t.Fatalf("unexpected soon reminder %v", got)
	}
	if got := sender.texts[2]; len(got) != 1 || !strings.Contains(got[0], "/renew_link") {
		t.Fatalf("unexpected expired reminder %v", got)
	}
	if len(sender.texts[3]) != 0 || len(sender.texts[4]) != 0 {
		t.Fatalf("stale and distant links must not be reminded")
	}

	if n := c.RunOnce(context.Background()); n != 0 {
		t.Fatalf("reminders must not repeat, got %d", n)
	}
}

func TestRenewedLinkGetsItsOwnReminder(t *testing.T) {
	subs := &fakeSubscribers{subs: []models.Subscriber{subscriber("1", "https://t.me/+a", 30*time.Minute)}}
	sender := &fakeSender{}
	c := newChecker(subs, sender)
	c.RunOnce(context.Background())

	subs.subs = []models.Subscriber{subscriber("1", "https://t.me/+b", 30*time.Minute)}
	if n := c.RunOnce(context.Background()); n != 1 {
		t.Fatalf("new link should be reminded, got %d", n)
	}
}

func TestFailedSendIsRetriedNextCycle(t *testing.T) {
	subs := &fakeSubscribers{subs: []models.Subscriber{subscriber("1", "https://t.me/+a", 30*time.Minute)}}
	sender := &fakeSender{fail: true}
	c := newChecker(subs, sender)

	if n := c.RunOnce(context.Background()); n != 0 {
		t.Fatalf("expected no delivery, got %d", n)
	}
	sender.fail = false
	if n := c.RunOnce(context.Background()); n != 1 {
		t.Fatalf("expected retry to deliver, got %d", n)
	}
}

func TestMemoryMarkerExpires(t *testing.T) {
	m := NewMemoryMarker()
	clock := now
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	if ok, _ := m.Mark(ctx, "k", time.Hour); !ok {
		t.Fatalf("first mark must succeed")
	}
	if ok, _ := m.Mark(ctx, "k", time.Hour); ok {
		t.Fatalf("second mark must fail")
	}
	clock = clock.Add(2 * time.Hour)
	if ok, _ := m.Mark(ctx, "k", time.Hour); !ok {
		t.Fatalf("mark must succeed after ttl")
	}
}

func TestStartStopsWithContext(t *testing.T) {
	c := newChecker(&fakeSubscribers{}, &fakeSender{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}
