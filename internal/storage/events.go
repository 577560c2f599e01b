package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 10000
	hashChunkSize     = 500
)

// InsertEvents appends a batch of events inside one transaction. Rows whose
// log_hash already exists are dropped by the unique index and reported as
// duplicates; insert order within the batch is preserved in id assignment.
func (s *Store) InsertEvents(ctx context.Context, events []Event) ([]InsertOutcome, error) {
	outcomes := make([]InsertOutcome, len(events))
	if len(events) == 0 {
		return outcomes, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO log_events (
			log_hash, timestamp, source, service, host, level, message,
			trace_id, span_id, event_type, error_code, meta, template_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for i, e := range events {
		var meta any
		if len(e.Meta) > 0 {
			b, err := json.Marshal(e.Meta)
			if err != nil {
				return nil, fmt.Errorf("encoding meta for event %d: %w", i, err)
			}
			meta = string(b)
		}
		res, err := stmt.ExecContext(ctx,
			e.LogHash, e.Timestamp.UTC().Format(TimeLayout),
			e.Source, e.Service, e.Host, e.Level, e.Message,
			nullable(e.TraceID), nullable(e.SpanID), nullable(e.EventType), nullable(e.ErrorCode),
			meta, nullableID(e.TemplateID),
		)
		if err != nil {
			return nil, fmt.Errorf("inserting event %d: %w", i, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking inserted rows for event %d: %w", i, err)
		}
		if n == 0 {
			outcomes[i] = InsertOutcome{Duplicate: true}
			continue
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("reading id for event %d: %w", i, err)
		}
		outcomes[i] = InsertOutcome{ID: id}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing event batch: %w", err)
	}
	return outcomes, nil
}

// ExistingLogHashes returns the subset of hashes already present in
// log_events. Used by the ingest pipeline's dedup filter.
func (s *Store) ExistingLogHashes(ctx context.Context, hashes []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	for start := 0; start < len(hashes); start += hashChunkSize {
		end := start + hashChunkSize
		if end > len(hashes) {
			end = len(hashes)
		}
		chunk := hashes[start:end]

		args := make([]any, len(chunk))
		for i, h := range chunk {
			args[i] = h
		}
		query := `SELECT log_hash FROM log_events WHERE log_hash IN (?` +
			strings.Repeat(",?", len(chunk)-1) + `)`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("querying existing hashes: %w", err)
		}
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning hash: %w", err)
			}
			found[h] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating hashes: %w", err)
		}
		rows.Close()
	}
	return found, nil
}

const eventColumns = `id, log_hash, timestamp, source, service, host, level, message,
	trace_id, span_id, event_type, error_code, meta, template_id`

// QueryEvents selects events by relational filters, newest first.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	var where []string
	var args []any

	if f.Service != "" {
		where = append(where, "service = ?")
		args = append(args, f.Service)
	}
	if f.Host != "" {
		where = append(where, "host = ?")
		args = append(args, f.Host)
	}
	if f.Level != "" {
		where = append(where, "level = ?")
		args = append(args, f.Level)
	}
	if !f.Start.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Start.UTC().Format(TimeLayout))
	}
	if !f.End.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, f.End.UTC().Format(TimeLayout))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	query := "SELECT " + eventColumns + " FROM log_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SampleByTemplate returns up to perTemplate illustrative events per template,
// newest first, within the optional [start, end] window.
func (s *Store) SampleByTemplate(ctx context.Context, templateIDs []int64, perTemplate int, start, end time.Time) (map[int64][]Event, error) {
	if perTemplate <= 0 {
		perTemplate = 3
	}
	samples := make(map[int64][]Event, len(templateIDs))
	for _, tid := range templateIDs {
		args := []any{tid}
		query := "SELECT " + eventColumns + " FROM log_events WHERE template_id = ?"
		if !start.IsZero() {
			query += " AND timestamp >= ?"
			args = append(args, start.UTC().Format(TimeLayout))
		}
		if !end.IsZero() {
			query += " AND timestamp <= ?"
			args = append(args, end.UTC().Format(TimeLayout))
		}
		query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
		args = append(args, perTemplate)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("sampling events for template %d: %w", tid, err)
		}
		events, err := scanEvents(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		samples[tid] = events
	}
	return samples, nil
}

// OrphanEvents returns events past afterID that have no template yet, in id
// order. The id cursor keeps the scan cheap as the orphan fraction shrinks.
func (s *Store) OrphanEvents(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM log_events WHERE id > ? AND template_id IS NULL ORDER BY id LIMIT ?",
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying orphan events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SetEventTemplate fills template_id once. Returns false when another writer
// already filled it (or the event is gone), which callers treat as a no-op.
func (s *Store) SetEventTemplate(ctx context.Context, eventID, templateID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE log_events SET template_id = ? WHERE id = ? AND template_id IS NULL",
		templateID, eventID)
	if err != nil {
		return false, fmt.Errorf("linking event %d to template %d: %w", eventID, templateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteEventsBefore removes up to batchSize events older than cutoff and
// returns how many rows went away. Callers loop until it returns 0.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 5000
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM log_events WHERE id IN (
			SELECT id FROM log_events WHERE timestamp < ? ORDER BY id LIMIT ?)`,
		cutoff.UTC().Format(TimeLayout), batchSize)
	if err != nil {
		return 0, fmt.Errorf("deleting expired events: %w", err)
	}
	return res.RowsAffected()
}

// CountEvents returns total and orphaned (template_id IS NULL) event counts.
func (s *Store) CountEvents(ctx context.Context) (total, orphans int64, err error) {
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM log_events").Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("counting events: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM log_events WHERE template_id IS NULL").Scan(&orphans); err != nil {
		return 0, 0, fmt.Errorf("counting orphan events: %w", err)
	}
	return total, orphans, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var ts string
		var traceID, spanID, eventType, errorCode, meta sql.NullString
		var templateID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.LogHash, &ts, &e.Source, &e.Service, &e.Host,
			&e.Level, &e.Message, &traceID, &spanID, &eventType, &errorCode,
			&meta, &templateID); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		t, err := time.Parse(TimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp for event %d: %w", e.ID, err)
		}
		e.Timestamp = t
		e.TraceID = traceID.String
		e.SpanID = spanID.String
		e.EventType = eventType.String
		e.ErrorCode = errorCode.String
		e.TemplateID = templateID.Int64
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Meta); err != nil {
				return nil, fmt.Errorf("decoding meta for event %d: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
