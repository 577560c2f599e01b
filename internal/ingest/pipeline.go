// Package ingest implements the central write path: hash, dedup,
// canonicalize, resolve templates, embed new ones, persist events, bump
// counters. One batch runs serially; independent batches run in parallel up
// to a bounded admission cap.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tadeu718/devmesh/internal/canon"
	"github.com/tadeu718/devmesh/internal/storage"
)

// ErrBusy signals a full admission queue. The endpoint maps it to a
// retryable "busy" response; shippers keep their cursor and resubmit.
var ErrBusy = errors.New("ingest pipeline busy")

const (
	maxFieldLen       = 255
	maxTraceIDLen     = 64
	maxSpanIDLen      = 32
	maxEventTypeLen   = 100
	maxErrorCodeLen   = 50
	maxReportedErrors = 10
)

// EventInput is one candidate record from a shipper submission.
type EventInput struct {
	Timestamp time.Time
	Source    string
	Service   string
	Host      string
	Level     string
	Message   string
	TraceID   string
	SpanID    string
	EventType string
	ErrorCode string
	Meta      map[string]any
}

// Result reports what happened to a batch.
type Result struct {
	Ingested   int
	Duplicates int
	Failed     int
	Errors     []string
}

// Store is the durable surface the pipeline writes through.
type Store interface {
	ExistingLogHashes(ctx context.Context, hashes []string) (map[string]struct{}, error)
	InsertEvents(ctx context.Context, events []storage.Event) ([]storage.InsertOutcome, error)
	AttachEmbedding(ctx context.Context, id int64, vec []float32, model string, dim int) error
	BumpTemplate(ctx context.Context, id, n int64, seenAt time.Time) error
}

// Resolver maps canonical fingerprints to template rows.
type Resolver interface {
	Resolve(ctx context.Context, t storage.Template, seenAt time.Time) (id int64, created bool, err error)
}

// Embedder produces vectors for canonical texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dim() int
}

// Config holds pipeline knobs.
type Config struct {
	CanonVersion  string
	MaxBatches    int64         // concurrent batch admission cap
	SkewTolerance time.Duration // allowed clock skew into the future
}

// Pipeline is the ingest write path. Safe for concurrent use.
type Pipeline struct {
	store    Store
	resolver Resolver
	embedder Embedder
	cfg      Config
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

// New creates a Pipeline. Zero-valued knobs get defaults.
func New(store Store, resolver Resolver, embedder Embedder, cfg Config) *Pipeline {
	if cfg.CanonVersion == "" {
		cfg.CanonVersion = canon.Version
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 4
	}
	if cfg.SkewTolerance <= 0 {
		cfg.SkewTolerance = 5 * time.Minute
	}
	return &Pipeline{
		store:    store,
		resolver: resolver,
		embedder: embedder,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxBatches),
		logger:   slog.Default(),
	}
}

// workItem carries one survivor through the batch stages.
type workItem struct {
	input         EventInput
	logHash       string
	canonicalText string
	templateHash  string
	templateID    int64
}

// Ingest runs one batch through the write path. It returns ErrBusy when the
// admission cap is reached and a storage error when the whole batch must be
// retried; per-record problems land in the Result instead.
func (p *Pipeline) Ingest(ctx context.Context, batch []EventInput) (Result, error) {
	if !p.sem.TryAcquire(1) {
		return Result{}, ErrBusy
	}
	defer p.sem.Release(1)

	var res Result
	if len(batch) == 0 {
		return res, nil
	}

	// 1. Validate and hash. Bad records fail individually; the batch goes on.
	items := make([]*workItem, 0, len(batch))
	seenHashes := make(map[string]struct{}, len(batch))
	for i, in := range batch {
		if err := validate(in, p.cfg.SkewTolerance); err != nil {
			res.Failed++
			res.recordError(fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		h := canon.LogHash(in.Timestamp, in.Service, in.Host, in.Message)
		if _, dup := seenHashes[h]; dup {
			res.Duplicates++
			continue
		}
		seenHashes[h] = struct{}{}
		items = append(items, &workItem{input: in, logHash: h})
	}
	if len(items) == 0 {
		return res, nil
	}

	// 2. Dedup against the event store. Partial-batch duplicates are normal
	// when a shipper retries after a half-acknowledged submission.
	hashes := make([]string, len(items))
	for i, it := range items {
		hashes[i] = it.logHash
	}
	existing, err := p.store.ExistingLogHashes(ctx, hashes)
	if err != nil {
		return Result{}, fmt.Errorf("dedup filter: %w", err)
	}
	survivors := items[:0]
	for _, it := range items {
		if _, dup := existing[it.logHash]; dup {
			res.Duplicates++
			continue
		}
		survivors = append(survivors, it)
	}
	if len(survivors) == 0 {
		return res, nil
	}

	// 3. Canonicalize. A canonicalization failure is a bug in the ruleset;
	// the event fails, the batch continues.
	canonical := survivors[:0]
	for _, it := range survivors {
		text, err := canon.Canonicalize(it.input.Message, p.cfg.CanonVersion)
		if err != nil {
			res.Failed++
			res.recordError(fmt.Sprintf("canonicalize: %v", err))
			continue
		}
		it.canonicalText = text
		it.templateHash = canon.TemplateHash(it.input.Service, it.input.Level, p.cfg.CanonVersion, text)
		canonical = append(canonical, it)
	}
	if len(canonical) == 0 {
		return res, nil
	}

	// 4. Resolve templates per fingerprint group. A transient failure leaves
	// the group's events orphaned for the safety net.
	type pendingEmbed struct {
		id   int64
		text string
	}
	var pending []pendingEmbed
	groups := make(map[string][]*workItem)
	order := make([]string, 0, len(canonical))
	for _, it := range canonical {
		if _, ok := groups[it.templateHash]; !ok {
			order = append(order, it.templateHash)
		}
		groups[it.templateHash] = append(groups[it.templateHash], it)
	}
	for _, hash := range order {
		group := groups[hash]
		first := group[0]
		id, created, err := p.resolver.Resolve(ctx, storage.Template{
			TemplateHash:  hash,
			CanonicalText: first.canonicalText,
			Service:       first.input.Service,
			Level:         first.input.Level,
			CanonVersion:  p.cfg.CanonVersion,
		}, earliestTimestamp(group))
		if err != nil {
			p.logger.Warn("template resolution failed, events left for safety net",
				"template_hash", hash, "events", len(group), "error", err)
			continue
		}
		for _, it := range group {
			it.templateID = id
		}
		if created {
			pending = append(pending, pendingEmbed{id: id, text: first.canonicalText})
		}
	}

	// 5. Embed newly created templates. Unavailable backend degrades to
	// null-embedding rows; the safety net closes the gap later.
	if len(pending) > 0 {
		texts := make([]string, len(pending))
		for i, pe := range pending {
			texts[i] = pe.text
		}
		vecs, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			p.logger.Warn("embedding unavailable, templates left without vectors",
				"templates", len(pending), "error", err)
		} else {
			for i, pe := range pending {
				if err := p.store.AttachEmbedding(ctx, pe.id, vecs[i], p.embedder.Model(), p.embedder.Dim()); err != nil {
					p.logger.Warn("attaching embedding failed", "template_id", pe.id, "error", err)
				}
			}
		}
	}

	// 6. Persist events. A storage failure here fails the whole batch; the
	// shipper retries and dedup makes the replay idempotent.
	rows := make([]storage.Event, len(canonical))
	for i, it := range canonical {
		rows[i] = storage.Event{
			Timestamp:  it.input.Timestamp,
			Source:     it.input.Source,
			Service:    it.input.Service,
			Host:       it.input.Host,
			Level:      it.input.Level,
			Message:    it.input.Message,
			TraceID:    it.input.TraceID,
			SpanID:     it.input.SpanID,
			EventType:  it.input.EventType,
			ErrorCode:  it.input.ErrorCode,
			Meta:       it.input.Meta,
			LogHash:    it.logHash,
			TemplateID: it.templateID,
		}
	}
	outcomes, err := p.store.InsertEvents(ctx, rows)
	if err != nil {
		return Result{}, fmt.Errorf("persisting events: %w", err)
	}

	// 7. Bump counters, driven only by accepted inserts so replays cannot
	// double-count.
	type bump struct {
		n        int64
		min, max time.Time
	}
	bumps := make(map[int64]*bump)
	for i, out := range outcomes {
		if out.Duplicate {
			res.Duplicates++
			continue
		}
		res.Ingested++
		it := canonical[i]
		if it.templateID == 0 {
			continue
		}
		b, ok := bumps[it.templateID]
		if !ok {
			b = &bump{min: it.input.Timestamp, max: it.input.Timestamp}
			bumps[it.templateID] = b
		}
		b.n++
		if it.input.Timestamp.Before(b.min) {
			b.min = it.input.Timestamp
		}
		if it.input.Timestamp.After(b.max) {
			b.max = it.input.Timestamp
		}
	}
	for id, b := range bumps {
		if err := p.store.BumpTemplate(ctx, id, b.n, b.max); err != nil {
			p.logger.Warn("counter bump failed", "template_id", id, "error", err)
			continue
		}
		if b.min.Before(b.max) {
			if err := p.store.BumpTemplate(ctx, id, 0, b.min); err != nil {
				p.logger.Warn("interval widening failed", "template_id", id, "error", err)
			}
		}
	}

	return res, nil
}

func (r *Result) recordError(msg string) {
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, msg)
	}
}

func validate(in EventInput, skew time.Duration) error {
	if in.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if in.Timestamp.After(time.Now().Add(skew)) {
		return fmt.Errorf("timestamp %s is too far in the future", in.Timestamp.UTC().Format(time.RFC3339))
	}
	for _, f := range []struct {
		name, value string
		max         int
	}{
		{"source", in.Source, maxFieldLen},
		{"service", in.Service, maxFieldLen},
		{"host", in.Host, maxFieldLen},
	} {
		if f.value == "" {
			return fmt.Errorf("%s is required", f.name)
		}
		if len(f.value) > f.max {
			return fmt.Errorf("%s exceeds %d bytes", f.name, f.max)
		}
	}
	if !storage.ValidLevel(in.Level) {
		return fmt.Errorf("invalid level %q", in.Level)
	}
	for _, f := range []struct {
		name, value string
		max         int
	}{
		{"trace_id", in.TraceID, maxTraceIDLen},
		{"span_id", in.SpanID, maxSpanIDLen},
		{"event_type", in.EventType, maxEventTypeLen},
		{"error_code", in.ErrorCode, maxErrorCodeLen},
	} {
		if len(f.value) > f.max {
			return fmt.Errorf("%s exceeds %d bytes", f.name, f.max)
		}
	}
	return nil
}

func earliestTimestamp(group []*workItem) time.Time {
	min := group[0].input.Timestamp
	for _, it := range group[1:] {
		if it.input.Timestamp.Before(min) {
			min = it.input.Timestamp
		}
	}
	return min
}
