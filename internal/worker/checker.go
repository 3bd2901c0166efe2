package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"clubpass-bot/internal/models"
)

const (
	soonWindow   = 2 * time.Hour
	expiredGrace = 24 * time.Hour
	markerTTL    = 48 * time.Hour
	batchSize    = 500
)

type Subscribers interface {
	ListUnconsumedExpiringBefore(ctx context.Context, deadline time.Time, limit int) ([]models.Subscriber, error)
}

type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Marker remembers which reminders were already sent.
type Marker interface {
	// Mark returns false when key is already set.
	Mark(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unmark(ctx context.Context, key string) error
}

type RedisMarker struct {
	rdb *redis.Client
}

func NewRedisMarker(rdb *redis.Client) *RedisMarker {
	return &RedisMarker{rdb: rdb}
}

func (m *RedisMarker) Mark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.rdb.SetNX(ctx, key, "true", ttl).Result()
}

func (m *RedisMarker) Unmark(ctx context.Context, key string) error {
	return m.rdb.Del(ctx, key).Err()
}

// MemoryMarker is a process-local Marker.
type MemoryMarker struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{keys: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryMarker) Mark(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.keys[key]; ok && m.now().Before(exp) {
		return false, nil
	}
	m.keys[key] = m.now().Add(ttl)
	return true, nil
}

func (m *MemoryMarker) Unmark(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}

// Checker reminds subscribers about invite links that are about to expire
// or already expired without being used.
type Checker struct {
	subs     Subscribers
	sender   Sender
	marker   Marker
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func NewChecker(subs Subscribers, sender Sender, marker Marker, interval time.Duration, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Checker{
		subs:     subs,
		sender:   sender,
		marker:   marker,
		interval: interval,
		log:      log.Named("worker"),
		now:      time.Now,
	}
}

// Start runs a cycle immediately and then on every tick until ctx is done.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.log.Info("invite link reminder worker started", zap.Duration("interval", c.interval))

	c.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("invite link reminder worker stopped")
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce sends due reminders and returns how many were delivered.
func (c *Checker) RunOnce(ctx context.Context) int {
	now := c.now().UTC()
	subs, err := c.subs.ListUnconsumedExpiringBefore(ctx, now.Add(soonWindow), batchSize)
	if err != nil {
		c.log.Error("failed to query expiring invite links", zap.Error(err))
		return 0
	}

	sent := 0
	for i := range subs {
		sub := &subs[i]
		exp := *sub.CredentialExpiresAt
		switch {
		case exp.After(now):
			left := exp.Sub(now).Round(time.Minute)
			text := fmt.Sprintf("⚠️ Ваша ссылка для вступления в канал истекает через %s. Воспользуйтесь ей:\n%s", formatLeft(left), sub.CredentialLink)
			if c.remind(ctx, sub, "soon", text) {
				sent++
			}
		case now.Sub(exp) <= expiredGrace:
			text := "❌ Срок действия вашей ссылки истёк, но доступ оплачен. Отправьте /renew_link, чтобы получить новую."
			if c.remind(ctx, sub, "expired", text) {
				sent++
			}
		}
	}
	if sent > 0 {
		c.log.Info("reminders sent", zap.Int("count", sent))
	}
	return sent
}

func (c *Checker) remind(ctx context.Context, sub *models.Subscriber, kind, text string) bool {
	log := c.log.With(zap.String("user_id", sub.UserID), zap.String("kind", kind))
	chatID, ok := chatOf(sub)
	if !ok {
		return false
	}

	key := fmt.Sprintf("clubpass:reminder:%s:%s:%s", kind, sub.UserID, sub.CredentialLink)
	fresh, err := c.marker.Mark(ctx, key, markerTTL)
	if err != nil {
		log.Warn("failed to set reminder marker", zap.Error(err))
		return false
	}
	if !fresh {
		return false
	}

	if _, err := c.sender.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		log.Warn("failed to send reminder", zap.Error(err))
		if err := c.marker.Unmark(ctx, key); err != nil {
			log.Warn("failed to clear reminder marker", zap.Error(err))
		}
		return false
	}
	log.Debug("reminder sent")
	return true
}

func chatOf(sub *models.Subscriber) (int64, bool) {
	for _, raw := range []string{sub.ChatID, sub.UserID} {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}

func formatLeft(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%d мин.", int(d.Minutes()))
	}
	return fmt.Sprintf("%d ч. %d мин.", int(d.Hours()), int(d.Minutes())%60)
}
