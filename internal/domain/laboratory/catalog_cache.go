package laboratory

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/platform/cache"
)

const catalogKeyPrefix = "lis:catalog:"

// cachedCatalog is a read-through Redis cache in front of the catalog table.
// Only reference data goes through it; a Redis failure falls back to the
// database.
type cachedCatalog struct {
	next   Catalog
	client cache.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedCatalog(next Catalog, client cache.Client, ttl time.Duration, logger zerolog.Logger) Catalog {
	return &cachedCatalog{next: next, client: client, ttl: ttl, logger: logger}
}

func (c *cachedCatalog) GetCatalogEntry(ctx context.Context, code string) (*CatalogEntry, error) {
	key := catalogKeyPrefix + code
	var e CatalogEntry
	found, err := cache.GetJSON(ctx, c.client, key, &e)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
	}
	if found {
		return &e, nil
	}

	entry, err := c.next.GetCatalogEntry(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, c.client, key, entry, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
	}
	return entry, nil
}

func (c *cachedCatalog) ListCatalog(ctx context.Context) ([]*CatalogEntry, error) {
	key := catalogKeyPrefix + "_all"
	var entries []*CatalogEntry
	found, err := cache.GetJSON(ctx, c.client, key, &entries)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
	}
	if found {
		return entries, nil
	}

	entries, err = c.next.ListCatalog(ctx)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, c.client, key, entries, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
	}
	return entries, nil
}
