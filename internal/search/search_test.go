package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tadeu718/devmesh/internal/embed"
	"github.com/tadeu718/devmesh/internal/storage"
)

// fakeEmbedder maps known texts to fixed vectors.
type fakeEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, embed.ErrUnavailable
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vectors[t]
		if !ok {
			v = []float32{1, 0, 0}
		}
		out[i] = v
	}
	return out, nil
}

// seedTemplates creates three embedded templates with a few events each and
// returns their ids ordered by proximity to the query axis {1,0,0}.
func seedTemplates(t *testing.T, s *storage.Store) []int64 {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	vecs := [][]float32{{1, 0, 0}, {1, 1, 0}, {0, 1, 0}}
	ids := make([]int64, len(vecs))
	for i, vec := range vecs {
		id, _, err := s.CreateTemplateIfAbsent(ctx, storage.Template{
			TemplateHash:  fmt.Sprintf("th-%d", i),
			CanonicalText: fmt.Sprintf("pattern %d <N>", i),
			Service:       "api",
			Level:         "ERROR",
			CanonVersion:  "v1",
			FirstSeen:     base,
		})
		if err != nil {
			t.Fatalf("CreateTemplateIfAbsent: %v", err)
		}
		if err := s.AttachEmbedding(ctx, id, vec, "test-model", 3); err != nil {
			t.Fatalf("AttachEmbedding: %v", err)
		}
		ids[i] = id

		var events []storage.Event
		for j := 0; j < 4; j++ {
			events = append(events, storage.Event{
				Timestamp:  base.Add(time.Duration(j) * time.Minute),
				Source:     "journald",
				Service:    "api",
				Host:       "node-1",
				Level:      "ERROR",
				Message:    fmt.Sprintf("pattern %d event %d", i, j),
				LogHash:    fmt.Sprintf("lh-%d-%d", i, j),
				TemplateID: id,
			})
		}
		if _, err := s.InsertEvents(ctx, events); err != nil {
			t.Fatalf("InsertEvents: %v", err)
		}
	}
	return ids
}

func newTestSearcher(t *testing.T, emb Embedder) (*Searcher, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, emb), s
}

func TestSearchTemplatesTwoStep(t *testing.T) {
	searcher, store := newTestSearcher(t, &fakeEmbedder{
		vectors: map[string][]float32{"connection refused": {1, 0, 0}},
	})
	ids := seedTemplates(t, store)

	res, err := searcher.SearchTemplates(context.Background(), "connection refused", 10, 2, storage.TemplateFilter{})
	if err != nil {
		t.Fatalf("SearchTemplates: %v", err)
	}
	if res.Degraded {
		t.Fatal("unexpected degraded result")
	}
	if len(res.Hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(res.Hits))
	}

	// Ordered by ascending cosine distance from {1,0,0}.
	for i, want := range ids {
		if res.Hits[i].Template.ID != want {
			t.Errorf("rank %d = template %d, want %d", i, res.Hits[i].Template.ID, want)
		}
	}
	for i := 1; i < len(res.Hits); i++ {
		if res.Hits[i].Distance < res.Hits[i-1].Distance {
			t.Error("distances not ascending")
		}
	}
	for _, h := range res.Hits {
		if len(h.Examples) != 2 {
			t.Errorf("template %d has %d examples, want 2", h.Template.ID, len(h.Examples))
		}
		for _, e := range h.Examples {
			if e.TemplateID != h.Template.ID {
				t.Errorf("example %d belongs to template %d, not %d", e.ID, e.TemplateID, h.Template.ID)
			}
		}
	}
}

func TestSearchTemplatesDegradedOnEmbeddingFailure(t *testing.T) {
	searcher, store := newTestSearcher(t, &fakeEmbedder{fail: true})
	seedTemplates(t, store)

	res, err := searcher.SearchTemplates(context.Background(), "anything", 5, 2, storage.TemplateFilter{})
	if err != nil {
		t.Fatalf("SearchTemplates: %v", err)
	}
	if !res.Degraded {
		t.Error("expected degraded result when backend is down")
	}
	if len(res.Hits) != 0 {
		t.Errorf("degraded result carries %d hits, want 0", len(res.Hits))
	}
}

func TestSearchTemplatesRespectsFilters(t *testing.T) {
	searcher, store := newTestSearcher(t, &fakeEmbedder{})
	seedTemplates(t, store)

	res, err := searcher.SearchTemplates(context.Background(), "q", 10, 2,
		storage.TemplateFilter{Service: "does-not-exist"})
	if err != nil {
		t.Fatalf("SearchTemplates: %v", err)
	}
	if len(res.Hits) != 0 {
		t.Errorf("service filter leaked %d hits", len(res.Hits))
	}
}

func TestSearchTemplatesClampsParameters(t *testing.T) {
	searcher, store := newTestSearcher(t, &fakeEmbedder{})
	seedTemplates(t, store)

	// Zero values fall back to defaults; absurd values are capped, not
	// errors.
	res, err := searcher.SearchTemplates(context.Background(), "q", 0, 0, storage.TemplateFilter{})
	if err != nil {
		t.Fatalf("SearchTemplates: %v", err)
	}
	if len(res.Hits) != 3 {
		t.Errorf("got %d hits, want 3", len(res.Hits))
	}
	if _, err := searcher.SearchTemplates(context.Background(), "q", 100000, 100000, storage.TemplateFilter{}); err != nil {
		t.Fatalf("SearchTemplates with oversized parameters: %v", err)
	}
}

func TestSearchEventsFlattensTemplates(t *testing.T) {
	searcher, store := newTestSearcher(t, &fakeEmbedder{})
	seedTemplates(t, store)

	res, err := searcher.SearchEvents(context.Background(), "q", 5, storage.TemplateFilter{})
	if err != nil {
		t.Fatalf("SearchEvents: %v", err)
	}
	if len(res.Hits) != 5 {
		t.Fatalf("got %d event hits, want 5 (limit)", len(res.Hits))
	}
	for i := 1; i < len(res.Hits); i++ {
		if res.Hits[i].Distance < res.Hits[i-1].Distance {
			t.Error("event hits not grouped by ascending template distance")
		}
	}
}

func TestQueryEventsPassThrough(t *testing.T) {
	searcher, store := newTestSearcher(t, &fakeEmbedder{})
	seedTemplates(t, store)

	events, err := searcher.QueryEvents(context.Background(), storage.EventFilter{Service: "api", Limit: 7})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 7 {
		t.Errorf("got %d events, want 7", len(events))
	}
}
