package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"
	"promptsync/internal/infra/metrics"
	red "promptsync/internal/infra/redis"
)

var _ adapter.LocalStore = (*promptRepoCacheDecorator)(nil)

// promptRepoCacheDecorator caches the two hot lookups of the sync loop.
// A record is warmed under all three of its keys so a hit by remote id
// also primes the id and name entries.
type promptRepoCacheDecorator struct {
	inner adapter.LocalStore
	cache red.RedisClient
	ttl   time.Duration
}

func NewPromptRepoCacheDecorator(inner adapter.LocalStore, cache red.RedisClient) adapter.LocalStore {
	return &promptRepoCacheDecorator{
		inner: inner,
		cache: cache,
		ttl:   15 * time.Minute,
	}
}

func idKey(id string) string      { return fmt.Sprintf("prompt:id:%s", id) }
func remoteKey(rid string) string { return fmt.Sprintf("prompt:rid:%s", rid) }
func nameKey(name string) string  { return fmt.Sprintf("prompt:name:%s", name) }

func (d *promptRepoCacheDecorator) warm(ctx context.Context, p *model.Prompt) {
	bytes, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = d.cache.Set(ctx, idKey(p.ID), bytes, d.ttl)
	if p.RemoteID != "" {
		_ = d.cache.Set(ctx, remoteKey(p.RemoteID), bytes, d.ttl)
	}
	_ = d.cache.Set(ctx, nameKey(p.Name), bytes, d.ttl)
}

func (d *promptRepoCacheDecorator) invalidate(ctx context.Context, p *model.Prompt) {
	keys := []string{idKey(p.ID), nameKey(p.Name)}
	if p.RemoteID != "" {
		keys = append(keys, remoteKey(p.RemoteID))
	}
	_ = d.cache.Del(ctx, keys...)
}

func (d *promptRepoCacheDecorator) lookup(ctx context.Context, key string) *model.Prompt {
	val, err := d.cache.Get(ctx, key)
	if err != nil {
		metrics.IncCacheRequest("prompt", "miss")
		return nil
	}
	var p model.Prompt
	if json.Unmarshal([]byte(val), &p) != nil {
		metrics.IncCacheRequest("prompt", "miss")
		return nil
	}
	metrics.IncCacheRequest("prompt", "hit")
	return &p
}

func (d *promptRepoCacheDecorator) FindByRemoteID(ctx context.Context, remoteID string) (*model.Prompt, error) {
	if p := d.lookup(ctx, remoteKey(remoteID)); p != nil {
		return p, nil
	}
	p, err := d.inner.FindByRemoteID(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	d.warm(ctx, p)
	return p, nil
}

func (d *promptRepoCacheDecorator) FindByName(ctx context.Context, name string) (*model.Prompt, error) {
	if p := d.lookup(ctx, nameKey(name)); p != nil {
		return p, nil
	}
	p, err := d.inner.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	d.warm(ctx, p)
	return p, nil
}

// List and Count bypass the cache; batch pagination is not worth keying.
func (d *promptRepoCacheDecorator) List(ctx context.Context, filter model.PromptFilter, offset, limit int) ([]*model.Prompt, error) {
	return d.inner.List(ctx, filter, offset, limit)
}

func (d *promptRepoCacheDecorator) Count(ctx context.Context, filter model.PromptFilter) (int, error) {
	return d.inner.Count(ctx, filter)
}

// Writes invalidate after the store commits. Dropping the keys first
// would let a concurrent reader re-warm the stale row in the gap.
func (d *promptRepoCacheDecorator) Create(ctx context.Context, p *model.Prompt) error {
	if err := d.inner.Create(ctx, p); err != nil {
		return err
	}
	d.invalidate(ctx, p)
	return nil
}

func (d *promptRepoCacheDecorator) Update(ctx context.Context, p *model.Prompt) error {
	if err := d.inner.Update(ctx, p); err != nil {
		return err
	}
	d.invalidate(ctx, p)
	return nil
}

func (d *promptRepoCacheDecorator) Archive(ctx context.Context, id string) error {
	// The id entry, when warm, carries the other keys to drop.
	p := d.lookup(ctx, idKey(id))
	if err := d.inner.Archive(ctx, id); err != nil {
		return err
	}
	if p != nil {
		d.invalidate(ctx, p)
	} else {
		_ = d.cache.Del(ctx, idKey(id))
	}
	return nil
}
