package storage

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const templateColumns = `id, template_hash, canonical_text, service, level, embedding,
	embedding_model, embedding_dim, canon_version, chunk_version, event_count, first_seen, last_seen`

// LookupTemplate resolves a template_hash to its id. ErrNotFound on miss.
func (s *Store) LookupTemplate(ctx context.Context, templateHash string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM log_templates WHERE template_hash = ?", templateHash).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("looking up template: %w", err)
	}
	return id, nil
}

// GetTemplate fetches a full template row by id.
func (s *Store) GetTemplate(ctx context.Context, id int64) (Template, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+templateColumns+" FROM log_templates WHERE id = ?", id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return Template{}, ErrNotFound
	}
	if err != nil {
		return Template{}, fmt.Errorf("fetching template %d: %w", id, err)
	}
	return t, nil
}

// CreateTemplateIfAbsent inserts a template or, when the unique index on
// template_hash reports it already exists, fetches the winner's id. Exactly
// one row is created per hash no matter how many callers race; event_count
// starts at 0 and is raised by BumpTemplate once events actually land.
func (s *Store) CreateTemplateIfAbsent(ctx context.Context, t Template) (id int64, created bool, err error) {
	seen := t.FirstSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	chunkVersion := t.ChunkVersion
	if chunkVersion == "" {
		chunkVersion = "v1"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO log_templates (
			template_hash, canonical_text, service, level,
			canon_version, chunk_version, event_count, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(template_hash) DO NOTHING`,
		t.TemplateHash, t.CanonicalText, t.Service, t.Level,
		t.CanonVersion, chunkVersion,
		seen.UTC().Format(TimeLayout), seen.UTC().Format(TimeLayout))
	if err != nil {
		return 0, false, fmt.Errorf("inserting template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n > 0 {
		id, err = res.LastInsertId()
		if err != nil {
			return 0, false, err
		}
		return id, true, nil
	}

	// Lost the race (or the template predates this batch): converge on lookup.
	id, err = s.LookupTemplate(ctx, t.TemplateHash)
	if err != nil {
		return 0, false, fmt.Errorf("resolving template after conflict: %w", err)
	}
	return id, false, nil
}

// AttachEmbedding stores the vector for a template. Re-attaching the same
// (model, dim) is a harmless overwrite; a different model is the versioned
// re-embedding path used by migrations.
func (s *Store) AttachEmbedding(ctx context.Context, id int64, vec []float32, model string, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("embedding length %d does not match dimension %d", len(vec), dim)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE log_templates SET embedding = ?, embedding_model = ?, embedding_dim = ? WHERE id = ?",
		encodeFloat32s(vec), model, dim, id)
	if err != nil {
		return fmt.Errorf("attaching embedding to template %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpTemplate raises event_count by n and widens [first_seen, last_seen] to
// include seenAt. Both updates are commutative, so concurrent batches may
// interleave freely.
func (s *Store) BumpTemplate(ctx context.Context, id, n int64, seenAt time.Time) error {
	ts := seenAt.UTC().Format(TimeLayout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE log_templates SET
			event_count = event_count + ?,
			first_seen = MIN(first_seen, ?),
			last_seen = MAX(last_seen, ?)
		WHERE id = ?`,
		n, ts, ts, id)
	if err != nil {
		return fmt.Errorf("bumping template %d: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentTemplates returns the n most recently updated templates; used to warm
// the in-process cache at startup.
func (s *Store) RecentTemplates(ctx context.Context, n int) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+templateColumns+" FROM log_templates ORDER BY last_seen DESC, id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("querying recent templates: %w", err)
	}
	defer rows.Close()
	return scanTemplates(rows)
}

// TemplatesNeedingEmbedding returns templates past afterID whose embedding is
// missing or was produced by a different model, in id order.
func (s *Store) TemplatesNeedingEmbedding(ctx context.Context, afterID int64, limit int, model string) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+templateColumns+` FROM log_templates
		WHERE id > ? AND (embedding IS NULL OR embedding_model <> ?)
		ORDER BY id LIMIT ?`,
		afterID, model, limit)
	if err != nil {
		return nil, fmt.Errorf("querying templates needing embedding: %w", err)
	}
	defer rows.Close()
	return scanTemplates(rows)
}

// CountTemplates returns total templates and how many still lack an embedding
// from the given model.
func (s *Store) CountTemplates(ctx context.Context, model string) (total, missing int64, err error) {
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM log_templates").Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("counting templates: %w", err)
	}
	if err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM log_templates WHERE embedding IS NULL OR embedding_model <> ?", model).Scan(&missing); err != nil {
		return 0, 0, fmt.Errorf("counting unembedded templates: %w", err)
	}
	return total, missing, nil
}

// DeleteUnreferencedTemplatesBefore removes templates last seen before cutoff
// that no surviving event references. Referenced templates are never deleted.
func (s *Store) DeleteUnreferencedTemplatesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM log_templates
		WHERE last_seen < ?
		  AND NOT EXISTS (SELECT 1 FROM log_events WHERE log_events.template_id = log_templates.id)`,
		cutoff.UTC().Format(TimeLayout))
	if err != nil {
		return 0, fmt.Errorf("deleting expired templates: %w", err)
	}
	return res.RowsAffected()
}

// candidate holds the scan-phase fields for the top-K selection.
type candidate struct {
	id       int64
	distance float32
	lastSeen string
}

// worse orders candidates so the heap root is always the weakest hit:
// larger distance first, then older last_seen, then higher id.
func worse(a, b candidate) bool {
	if a.distance != b.distance {
		return a.distance > b.distance
	}
	if a.lastSeen != b.lastSeen {
		return a.lastSeen < b.lastSeen
	}
	return a.id > b.id
}

type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// VectorSearch scans embedded templates and returns the limit nearest by
// cosine distance, ties broken by more recent last_seen then lower id.
// Service/level/time filters are pushed into the row scan. The scan is
// exhaustive; the method is the seam an ANN-indexed backend would fill.
func (s *Store) VectorSearch(ctx context.Context, query []float32, limit int, f TemplateFilter) ([]TemplateMatch, error) {
	if limit <= 0 {
		return nil, nil
	}
	queryNorm := norm(query)
	if queryNorm == 0 {
		return nil, nil
	}

	where := []string{"embedding IS NOT NULL"}
	var args []any
	if f.Service != "" {
		where = append(where, "service = ?")
		args = append(args, f.Service)
	}
	if f.Level != "" {
		where = append(where, "level = ?")
		args = append(args, f.Level)
	}
	if !f.Start.IsZero() {
		where = append(where, "last_seen >= ?")
		args = append(args, f.Start.UTC().Format(TimeLayout))
	}
	if !f.End.IsZero() {
		where = append(where, "first_seen <= ?")
		args = append(args, f.End.UTC().Format(TimeLayout))
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, embedding, last_seen FROM log_templates WHERE "+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("scanning template vectors: %w", err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable decode buffer avoids a per-row allocation.
	var buf []float32
	for rows.Next() {
		var id int64
		var blob []byte
		var lastSeen string
		if err := rows.Scan(&id, &blob, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for template %d: %w", id, err)
		}
		if len(buf) != len(query) {
			// Dimension mismatch (foreign model generation): not comparable.
			continue
		}
		c := candidate{id: id, distance: cosineDistance(query, buf, queryNorm), lastSeen: lastSeen}
		if h.Len() < limit {
			heap.Push(h, c)
		} else if worse((*h)[0], c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vector rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Drain the heap into best-first order, then hydrate full rows.
	ranked := make([]candidate, h.Len())
	for i := len(ranked) - 1; i >= 0; i-- {
		ranked[i] = heap.Pop(h).(candidate)
	}

	ids := make([]any, len(ranked))
	for i, c := range ranked {
		ids[i] = c.id
	}
	fullRows, err := s.db.QueryContext(ctx,
		"SELECT "+templateColumns+" FROM log_templates WHERE id IN (?"+
			strings.Repeat(",?", len(ids)-1)+")", ids...)
	if err != nil {
		return nil, fmt.Errorf("fetching matched templates: %w", err)
	}
	defer fullRows.Close()
	templates, err := scanTemplates(fullRows)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]Template, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}
	matches := make([]TemplateMatch, 0, len(ranked))
	for _, c := range ranked {
		t, ok := byID[c.id]
		if !ok {
			continue
		}
		matches = append(matches, TemplateMatch{Template: t, Distance: c.distance})
	}
	return matches, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (Template, error) {
	var t Template
	var blob []byte
	var firstSeen, lastSeen string
	err := row.Scan(&t.ID, &t.TemplateHash, &t.CanonicalText, &t.Service, &t.Level,
		&blob, &t.EmbeddingModel, &t.EmbeddingDim, &t.CanonVersion, &t.ChunkVersion,
		&t.EventCount, &firstSeen, &lastSeen)
	if err != nil {
		return Template{}, err
	}
	if len(blob) > 0 {
		vec, err := decodeFloat32s(blob)
		if err != nil {
			return Template{}, fmt.Errorf("decoding embedding for template %d: %w", t.ID, err)
		}
		t.Embedding = vec
	}
	if t.FirstSeen, err = time.Parse(TimeLayout, firstSeen); err != nil {
		return Template{}, fmt.Errorf("parsing first_seen for template %d: %w", t.ID, err)
	}
	if t.LastSeen, err = time.Parse(TimeLayout, lastSeen); err != nil {
		return Template{}, fmt.Errorf("parsing last_seen for template %d: %w", t.ID, err)
	}
	return t, nil
}

func scanTemplates(rows *sql.Rows) ([]Template, error) {
	var templates []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning template row: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}
