package templates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tadeu718/devmesh/internal/storage"
)

// Store is the durable slice of the template store the resolver needs.
type Store interface {
	LookupTemplate(ctx context.Context, templateHash string) (int64, error)
	CreateTemplateIfAbsent(ctx context.Context, t storage.Template) (int64, bool, error)
	RecentTemplates(ctx context.Context, n int) ([]storage.Template, error)
}

// Resolver maps a canonical fingerprint to a template id: cache, then durable
// lookup, then atomic create. Races on first sight converge on the single row
// the unique constraint lets through.
type Resolver struct {
	cache  *Cache
	store  Store
	logger *slog.Logger
}

// NewResolver creates a Resolver over the given cache and store.
func NewResolver(cache *Cache, store Store) *Resolver {
	return &Resolver{cache: cache, store: store, logger: slog.Default()}
}

// Resolve returns the template id for the fingerprint, creating the row when
// it has never been seen. created reports whether this call inserted it.
func (r *Resolver) Resolve(ctx context.Context, t storage.Template, seenAt time.Time) (id int64, created bool, err error) {
	if id, ok := r.cache.Get(t.TemplateHash); ok {
		return id, false, nil
	}

	id, err = r.store.LookupTemplate(ctx, t.TemplateHash)
	if err == nil {
		r.cache.Put(t.TemplateHash, id)
		return id, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, false, fmt.Errorf("looking up template: %w", err)
	}

	t.FirstSeen = seenAt
	id, created, err = r.store.CreateTemplateIfAbsent(ctx, t)
	if err != nil {
		return 0, false, fmt.Errorf("creating template: %w", err)
	}
	r.cache.Put(t.TemplateHash, id)
	return id, created, nil
}

// Warm preloads the n most recently updated templates so a restarted process
// does not pay a durable lookup per known fingerprint.
func (r *Resolver) Warm(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	recent, err := r.store.RecentTemplates(ctx, n)
	if err != nil {
		return fmt.Errorf("warming template cache: %w", err)
	}
	for _, t := range recent {
		r.cache.Put(t.TemplateHash, t.ID)
	}
	r.logger.Info("template cache warmed", "entries", len(recent))
	return nil
}
