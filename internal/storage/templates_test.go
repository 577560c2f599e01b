package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testTemplate(hash string, seen time.Time) Template {
	return Template{
		TemplateHash:  hash,
		CanonicalText: "request <N> handled",
		Service:       "api",
		Level:         "INFO",
		CanonVersion:  "v1",
		FirstSeen:     seen,
	}
}

func TestCreateTemplateIfAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seen := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	id1, created, err := s.CreateTemplateIfAbsent(ctx, testTemplate("th-1", seen))
	if err != nil {
		t.Fatalf("CreateTemplateIfAbsent: %v", err)
	}
	if !created || id1 == 0 {
		t.Fatalf("first create: id=%d created=%v", id1, created)
	}

	id2, created, err := s.CreateTemplateIfAbsent(ctx, testTemplate("th-1", seen.Add(time.Hour)))
	if err != nil {
		t.Fatalf("second CreateTemplateIfAbsent: %v", err)
	}
	if created {
		t.Error("second create reported created=true")
	}
	if id2 != id1 {
		t.Errorf("second create converged on id %d, want %d", id2, id1)
	}
}

func TestLookupTemplate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.LookupTemplate(ctx, "th-none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("miss returned %v, want ErrNotFound", err)
	}

	id, _, err := s.CreateTemplateIfAbsent(ctx, testTemplate("th-2", time.Now()))
	if err != nil {
		t.Fatalf("CreateTemplateIfAbsent: %v", err)
	}
	got, err := s.LookupTemplate(ctx, "th-2")
	if err != nil {
		t.Fatalf("LookupTemplate: %v", err)
	}
	if got != id {
		t.Errorf("lookup = %d, want %d", got, id)
	}
}

func TestAttachEmbedding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _, err := s.CreateTemplateIfAbsent(ctx, testTemplate("th-3", time.Now()))
	if err != nil {
		t.Fatalf("CreateTemplateIfAbsent: %v", err)
	}

	vec := []float32{0.1, 0.2, 0.3, 0.4}
	if err := s.AttachEmbedding(ctx, id, vec, "test-model", 4); err != nil {
		t.Fatalf("AttachEmbedding: %v", err)
	}
	// Idempotent under same (model, dim).
	if err := s.AttachEmbedding(ctx, id, vec, "test-model", 4); err != nil {
		t.Fatalf("re-AttachEmbedding: %v", err)
	}
	// Dimension mismatch is rejected before touching the row.
	if err := s.AttachEmbedding(ctx, id, vec, "test-model", 8); err == nil {
		t.Error("dimension mismatch accepted")
	}
	if err := s.AttachEmbedding(ctx, 9999, vec, "test-model", 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing template returned %v, want ErrNotFound", err)
	}

	tmpl, err := s.GetTemplate(ctx, id)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if len(tmpl.Embedding) != 4 || tmpl.Embedding[2] != 0.3 {
		t.Errorf("embedding round-trip failed: %v", tmpl.Embedding)
	}
	if tmpl.EmbeddingModel != "test-model" || tmpl.EmbeddingDim != 4 {
		t.Errorf("versioning tuple lost: %+v", tmpl)
	}
}

func TestBumpTemplateWidensInterval(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seen := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	id, _, err := s.CreateTemplateIfAbsent(ctx, testTemplate("th-4", seen))
	if err != nil {
		t.Fatalf("CreateTemplateIfAbsent: %v", err)
	}

	if err := s.BumpTemplate(ctx, id, 2, seen.Add(time.Hour)); err != nil {
		t.Fatalf("BumpTemplate forward: %v", err)
	}
	if err := s.BumpTemplate(ctx, id, 1, seen.Add(-time.Hour)); err != nil {
		t.Fatalf("BumpTemplate backward: %v", err)
	}

	tmpl, err := s.GetTemplate(ctx, id)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if tmpl.EventCount != 3 {
		t.Errorf("event_count = %d, want 3", tmpl.EventCount)
	}
	if !tmpl.FirstSeen.Equal(seen.Add(-time.Hour)) {
		t.Errorf("first_seen = %v, want widened to %v", tmpl.FirstSeen, seen.Add(-time.Hour))
	}
	if !tmpl.LastSeen.Equal(seen.Add(time.Hour)) {
		t.Errorf("last_seen = %v, want widened to %v", tmpl.LastSeen, seen.Add(time.Hour))
	}
}

func attachTestEmbedding(t *testing.T, s *Store, id int64, vec []float32) {
	t.Helper()
	if err := s.AttachEmbedding(context.Background(), id, vec, "test-model", len(vec)); err != nil {
		t.Fatalf("AttachEmbedding(%d): %v", id, err)
	}
}

func TestVectorSearchRanksByCosineDistance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seen := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	vecs := [][]float32{
		{1, 0, 0},  // identical direction to query
		{1, 1, 0},  // 45 degrees
		{0, 1, 0},  // orthogonal
		{-1, 0, 0}, // opposite
	}
	ids := make([]int64, len(vecs))
	for i, v := range vecs {
		tm := testTemplate(fmt.Sprintf("th-vs-%d", i), seen)
		id, _, err := s.CreateTemplateIfAbsent(ctx, tm)
		if err != nil {
			t.Fatalf("CreateTemplateIfAbsent: %v", err)
		}
		attachTestEmbedding(t, s, id, v)
		ids[i] = id
	}

	matches, err := s.VectorSearch(ctx, []float32{1, 0, 0}, 3, TemplateFilter{})
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3", len(matches))
	}
	want := []int64{ids[0], ids[1], ids[2]}
	for i, m := range matches {
		if m.ID != want[i] {
			t.Errorf("rank %d = template %d, want %d (distances %v)", i, m.ID, want[i], matches)
		}
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Distance < matches[i-1].Distance {
			t.Error("distances not ascending")
		}
	}
}

func TestVectorSearchTieBreaks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seen := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	// Same vector for all three: distance ties. Later last_seen wins, then
	// lower id.
	var ids []int64
	for i := 0; i < 3; i++ {
		id, _, err := s.CreateTemplateIfAbsent(ctx, testTemplate(fmt.Sprintf("th-tie-%d", i), seen))
		if err != nil {
			t.Fatalf("CreateTemplateIfAbsent: %v", err)
		}
		attachTestEmbedding(t, s, id, []float32{1, 0})
		ids = append(ids, id)
	}
	// Bump the middle one's last_seen forward.
	if err := s.BumpTemplate(ctx, ids[1], 1, seen.Add(time.Hour)); err != nil {
		t.Fatalf("BumpTemplate: %v", err)
	}

	matches, err := s.VectorSearch(ctx, []float32{1, 0}, 3, TemplateFilter{})
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	want := []int64{ids[1], ids[0], ids[2]}
	for i, m := range matches {
		if m.ID != want[i] {
			t.Errorf("rank %d = %d, want %d", i, m.ID, want[i])
		}
	}
}

func TestVectorSearchFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seen := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	apiTmpl := testTemplate("th-api", seen)
	id1, _, err := s.CreateTemplateIfAbsent(ctx, apiTmpl)
	if err != nil {
		t.Fatalf("CreateTemplateIfAbsent: %v", err)
	}
	attachTestEmbedding(t, s, id1, []float32{1, 0})

	dbTmpl := testTemplate("th-db", seen)
	dbTmpl.Service = "db"
	dbTmpl.Level = "ERROR"
	id2, _, err := s.CreateTemplateIfAbsent(ctx, dbTmpl)
	if err != nil {
		t.Fatalf("CreateTemplateIfAbsent: %v", err)
	}
	attachTestEmbedding(t, s, id2, []float32{1, 0})

	// No embedding: never returned.
	if _, _, err := s.CreateTemplateIfAbsent(ctx, testTemplate("th-bare", seen)); err != nil {
		t.Fatalf("CreateTemplateIfAbsent: %v", err)
	}

	all, err := s.VectorSearch(ctx, []float32{1, 0}, 10, TemplateFilter{})
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered got %d, want 2 (null embeddings excluded)", len(all))
	}

	onlyDB, err := s.VectorSearch(ctx, []float32{1, 0}, 10, TemplateFilter{Service: "db", Level: "ERROR"})
	if err != nil {
		t.Fatalf("VectorSearch filtered: %v", err)
	}
	if len(onlyDB) != 1 || onlyDB[0].ID != id2 {
		t.Errorf("filter returned %+v, want only template %d", onlyDB, id2)
	}
}

func TestTemplatesNeedingEmbedding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seen := time.Now().UTC()

	id1, _, err := s.CreateTemplateIfAbsent(ctx, testTemplate("th-ne-1", seen))
	if err != nil {
		t.Fatalf("CreateTemplateIfAbsent: %v", err)
	}
	id2, _, err := s.CreateTemplateIfAbsent(ctx, testTemplate("th-ne-2", seen))
	if err != nil {
		t.Fatalf("CreateTemplateIfAbsent: %v", err)
	}
	id3, _, err := s.CreateTemplateIfAbsent(ctx, testTemplate("th-ne-3", seen))
	if err != nil {
		t.Fatalf("CreateTemplateIfAbsent: %v", err)
	}

	attachTestEmbedding(t, s, id1, []float32{1})
	// id2 embedded by an older model: stale, needs re-embedding.
	if err := s.AttachEmbedding(ctx, id2, []float32{1}, "old-model", 1); err != nil {
		t.Fatalf("AttachEmbedding: %v", err)
	}

	pending, err := s.TemplatesNeedingEmbedding(ctx, 0, 10, "test-model")
	if err != nil {
		t.Fatalf("TemplatesNeedingEmbedding: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending, want 2", len(pending))
	}
	if pending[0].ID != id2 || pending[1].ID != id3 {
		t.Errorf("pending = %v %v, want %d %d", pending[0].ID, pending[1].ID, id2, id3)
	}

	_, missing, err := s.CountTemplates(ctx, "test-model")
	if err != nil {
		t.Fatalf("CountTemplates: %v", err)
	}
	if missing != 2 {
		t.Errorf("missing = %d, want 2", missing)
	}
}

func TestDeleteUnreferencedTemplatesBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Old and unreferenced: deleted.
	if _, _, err := s.CreateTemplateIfAbsent(ctx, testTemplate("th-gone", old)); err != nil {
		t.Fatalf("CreateTemplateIfAbsent: %v", err)
	}
	// Old but referenced by a surviving event: kept.
	keptID, _, err := s.CreateTemplateIfAbsent(ctx, testTemplate("th-kept", old))
	if err != nil {
		t.Fatalf("CreateTemplateIfAbsent: %v", err)
	}
	e := testEvent(99, time.Now().UTC())
	e.TemplateID = keptID
	if _, err := s.InsertEvents(ctx, []Event{e}); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	n, err := s.DeleteUnreferencedTemplatesBefore(ctx, old.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteUnreferencedTemplatesBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d templates, want 1", n)
	}
	if _, err := s.LookupTemplate(ctx, "th-kept"); err != nil {
		t.Errorf("referenced template deleted: %v", err)
	}
	if _, err := s.LookupTemplate(ctx, "th-gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unreferenced template survived: %v", err)
	}
}

func TestRecentTemplates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if _, _, err := s.CreateTemplateIfAbsent(ctx, testTemplate(fmt.Sprintf("th-r-%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("CreateTemplateIfAbsent: %v", err)
		}
	}
	recent, err := s.RecentTemplates(ctx, 3)
	if err != nil {
		t.Fatalf("RecentTemplates: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d, want 3", len(recent))
	}
	if recent[0].TemplateHash != "th-r-4" {
		t.Errorf("most recent = %q, want th-r-4", recent[0].TemplateHash)
	}
}
