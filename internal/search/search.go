// Package search answers semantic and relational queries over the log
// memory. Semantic search is two-step: embed the query, rank templates by
// cosine distance, then sample representative events per template.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tadeu718/devmesh/internal/storage"
)

const (
	// DefaultTopK and DefaultExamples are the template and per-template
	// sample counts when the caller does not choose.
	DefaultTopK     = 20
	DefaultExamples = 3

	maxTopK     = 100
	maxExamples = 20
)

// Store is the read surface the searcher needs.
type Store interface {
	VectorSearch(ctx context.Context, query []float32, limit int, f storage.TemplateFilter) ([]storage.TemplateMatch, error)
	SampleByTemplate(ctx context.Context, templateIDs []int64, perTemplate int, start, end time.Time) (map[int64][]storage.Event, error)
	QueryEvents(ctx context.Context, f storage.EventFilter) ([]storage.Event, error)
}

// Embedder turns query text into a vector.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// TemplateHit is one ranked template with its illustrative events.
type TemplateHit struct {
	Template storage.Template
	Distance float32
	Examples []storage.Event
}

// TemplateResult is the outcome of a two-step semantic search. Degraded is
// set when the embedding backend was unreachable; the hit list is then empty
// rather than erroneous.
type TemplateResult struct {
	Hits     []TemplateHit
	Degraded bool
}

// EventHit is a legacy event-level search result.
type EventHit struct {
	Event    storage.Event
	Distance float32
}

// EventResult is the outcome of the legacy event-level semantic search.
type EventResult struct {
	Hits     []EventHit
	Degraded bool
}

// Searcher serves the query endpoints.
type Searcher struct {
	store    Store
	embedder Embedder
	logger   *slog.Logger
}

// New creates a Searcher.
func New(store Store, embedder Embedder) *Searcher {
	return &Searcher{store: store, embedder: embedder, logger: slog.Default()}
}

// SearchTemplates runs the primary semantic surface: top-K templates by
// cosine distance with up to n example events each.
func (s *Searcher) SearchTemplates(ctx context.Context, query string, k, n int, f storage.TemplateFilter) (TemplateResult, error) {
	k = clamp(k, DefaultTopK, maxTopK)
	n = clamp(n, DefaultExamples, maxExamples)

	vec, ok, err := s.embedQuery(ctx, query)
	if err != nil {
		return TemplateResult{}, err
	}
	if !ok {
		return TemplateResult{Degraded: true}, nil
	}

	matches, err := s.store.VectorSearch(ctx, vec, k, f)
	if err != nil {
		return TemplateResult{}, fmt.Errorf("template vector search: %w", err)
	}
	if len(matches) == 0 {
		return TemplateResult{}, nil
	}

	ids := make([]int64, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	samples, err := s.store.SampleByTemplate(ctx, ids, n, f.Start, f.End)
	if err != nil {
		return TemplateResult{}, fmt.Errorf("sampling events: %w", err)
	}

	hits := make([]TemplateHit, len(matches))
	for i, m := range matches {
		hits[i] = TemplateHit{
			Template: m.Template,
			Distance: m.Distance,
			Examples: samples[m.ID],
		}
	}
	return TemplateResult{Hits: hits}, nil
}

// SearchEvents is the legacy event-level surface, served by the template
// index: templates are ranked, then flattened into their sampled events.
func (s *Searcher) SearchEvents(ctx context.Context, query string, limit int, f storage.TemplateFilter) (EventResult, error) {
	limit = clamp(limit, DefaultTopK, maxQueryEvents)

	res, err := s.SearchTemplates(ctx, query, limit, DefaultExamples, f)
	if err != nil {
		return EventResult{}, err
	}
	if res.Degraded {
		return EventResult{Degraded: true}, nil
	}

	var hits []EventHit
	for _, h := range res.Hits {
		for _, e := range h.Examples {
			hits = append(hits, EventHit{Event: e, Distance: h.Distance})
			if len(hits) == limit {
				return EventResult{Hits: hits}, nil
			}
		}
	}
	return EventResult{Hits: hits}, nil
}

const maxQueryEvents = 1000

// QueryEvents is the plain relational path; it never touches the vector
// index.
func (s *Searcher) QueryEvents(ctx context.Context, f storage.EventFilter) ([]storage.Event, error) {
	return s.store.QueryEvents(ctx, f)
}

// embedQuery returns (vector, true, nil) on success and (nil, false, nil)
// when the backend is unreachable, which callers surface as degraded.
func (s *Searcher) embedQuery(ctx context.Context, query string) ([]float32, bool, error) {
	vecs, err := s.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		s.logger.Warn("query embedding unavailable, returning degraded result", "error", err)
		return nil, false, nil
	}
	if len(vecs) != 1 {
		return nil, false, fmt.Errorf("embedding returned %d vectors for one query", len(vecs))
	}
	return vecs[0], true, nil
}

func clamp(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
