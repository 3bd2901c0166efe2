package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"clubpass-bot/internal/models"
)

// Provider hands out operator settings. Invalidate must be called after the
// settings row changes; nothing expires it implicitly besides the cache TTL.
type Provider interface {
	Get(ctx context.Context) (models.Settings, error)
	Invalidate(ctx context.Context) error
}

// Repository reads and writes the single settings row.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Load returns the stored settings, seeding defaults on first use.
func (r *Repository) Load(ctx context.Context) (models.Settings, error) {
	var s models.Settings
	err := r.db.WithContext(ctx).Order("id ASC").First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s = models.DefaultSettings()
		if err := r.db.WithContext(ctx).Create(&s).Error; err != nil {
			return models.Settings{}, fmt.Errorf("seed settings: %w", err)
		}
		return s, nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

// Cache stores a rendered settings snapshot.
type Cache interface {
	Get(ctx context.Context) (models.Settings, bool, error)
	Set(ctx context.Context, s models.Settings) error
	Delete(ctx context.Context) error
}

type CachedProvider struct {
	repo  *Repository
	cache Cache
	log   *zap.Logger
}

func NewCachedProvider(repo *Repository, cache Cache, log *zap.Logger) *CachedProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedProvider{repo: repo, cache: cache, log: log.Named("settings")}
}

// Get serves from cache and falls back to the database. Cache errors only
// cost a database read.
func (p *CachedProvider) Get(ctx context.Context) (models.Settings, error) {
	if s, ok, err := p.cache.Get(ctx); err != nil {
		p.log.Warn("settings cache read failed", zap.Error(err))
	} else if ok {
		return s, nil
	}

	s, err := p.repo.Load(ctx)
	if err != nil {
		return models.Settings{}, err
	}
	if err := p.cache.Set(ctx, s); err != nil {
		p.log.Warn("settings cache write failed", zap.Error(err))
	}
	return s, nil
}

func (p *CachedProvider) Invalidate(ctx context.Context) error {
	return p.cache.Delete(ctx)
}

// MemoryCache is an in-process Cache with a TTL.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	value   models.Settings
	expires time.Time
	set     bool
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now}
}

func (c *MemoryCache) Get(context.Context) (models.Settings, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set || (c.ttl > 0 && !c.now().Before(c.expires)) {
		return models.Settings{}, false, nil
	}
	return c.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, s models.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = s
	c.set = true
	c.expires = c.now().Add(c.ttl)
	return nil
}

func (c *MemoryCache) Delete(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set = false
	return nil
}
