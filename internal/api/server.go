// Package api exposes the ingest and query surface over HTTP (chi) and an
// MCP tool surface for LLM agents. Health and info endpoints stay public;
// everything else sits behind the optional shared-secret check.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tadeu718/devmesh/internal/ingest"
	"github.com/tadeu718/devmesh/internal/search"
	"github.com/tadeu718/devmesh/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB

// Pipeline is the write path behind POST /ingest/logs.
type Pipeline interface {
	Ingest(ctx context.Context, batch []ingest.EventInput) (ingest.Result, error)
}

// Searcher is the read path behind the query and search endpoints.
type Searcher interface {
	SearchTemplates(ctx context.Context, query string, k, n int, f storage.TemplateFilter) (search.TemplateResult, error)
	SearchEvents(ctx context.Context, query string, limit int, f storage.TemplateFilter) (search.EventResult, error)
	QueryEvents(ctx context.Context, f storage.EventFilter) ([]storage.Event, error)
}

// Deps holds the handler dependencies.
type Deps struct {
	Pipeline Pipeline
	Searcher Searcher
	APIKey   string
	Version  string
	Node     string
}

// NewHandler builds the HTTP routing tree.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	// System endpoints: always public, no side effects.
	r.Get("/health", handleHealth)
	r.Get("/info", handleInfo(deps))

	r.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(deps.APIKey))
		r.Post("/ingest/logs", handleIngest(deps))
		r.Get("/query/logs", handleQueryLogs(deps))
		r.Get("/search/logs", handleSearchLogs(deps))
		r.Get("/search/templates", handleSearchTemplates(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func handleInfo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":        "DevMesh Platform",
			"version":     deps.Version,
			"description": "AI-Native Observability Platform for Local Infrastructure",
			"node":        deps.Node,
		})
	}
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body: %v", err)
			return
		}
		if len(req.Logs) == 0 {
			httpError(w, http.StatusBadRequest, "EMPTY_BATCH", "no logs provided in request")
			return
		}

		batch := make([]ingest.EventInput, len(req.Logs))
		for i, rec := range req.Logs {
			batch[i] = ingest.EventInput{
				Timestamp: rec.Timestamp,
				Source:    rec.Source,
				Service:   rec.Service,
				Host:      rec.Host,
				Level:     rec.Level,
				Message:   rec.Message,
				TraceID:   rec.TraceID,
				SpanID:    rec.SpanID,
				EventType: rec.EventType,
				ErrorCode: rec.ErrorCode,
				Meta:      rec.Meta,
			}
		}

		requestID := uuid.NewString()
		res, err := deps.Pipeline.Ingest(r.Context(), batch)
		switch {
		case errors.Is(err, ingest.ErrBusy):
			w.Header().Set("Retry-After", "5")
			httpError(w, http.StatusServiceUnavailable, "BUSY", "ingest queue full, retry later")
			return
		case err != nil:
			slog.Error("batch ingestion failed", "request_id", requestID, "error", err)
			httpError(w, http.StatusServiceUnavailable, "DATABASE_ERROR", "batch ingestion failed, retry later")
			return
		}

		slog.Info("batch ingested", "request_id", requestID,
			"ingested", res.Ingested, "duplicates", res.Duplicates, "failed", res.Failed)
		writeJSON(w, http.StatusCreated, IngestResponse{
			Ingested:   res.Ingested,
			Duplicates: res.Duplicates,
			Failed:     res.Failed,
			Errors:     res.Errors,
		})
	}
}

func handleQueryLogs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := storage.EventFilter{
			Service: q.Get("service"),
			Host:    q.Get("host"),
			Level:   q.Get("level"),
		}
		var err error
		if filter.Start, err = parseTimeParam(q.Get("start_time")); err != nil {
			httpError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid start_time: %v", err)
			return
		}
		if filter.End, err = parseTimeParam(q.Get("end_time")); err != nil {
			httpError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid end_time: %v", err)
			return
		}
		filter.Limit = parseIntParam(q.Get("limit"), 100)
		filter.Offset = parseIntParam(q.Get("offset"), 0)
		if filter.Level != "" && !storage.ValidLevel(filter.Level) {
			httpError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid level %q", filter.Level)
			return
		}

		events, err := deps.Searcher.QueryEvents(r.Context(), filter)
		if err != nil {
			slog.Error("log query failed", "error", err)
			httpError(w, http.StatusServiceUnavailable, "QUERY_FAILED", "log query failed")
			return
		}

		out := make([]EventResponse, len(events))
		for i, e := range events {
			out[i] = toEventResponse(e)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleSearchTemplates(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query := q.Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required")
			return
		}
		filter, err := parseTemplateFilter(q.Get("service"), q.Get("level"), q.Get("start_time"), q.Get("end_time"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "VALIDATION_ERROR", "%v", err)
			return
		}
		k := parseIntParam(q.Get("limit"), 0)
		n := parseIntParam(q.Get("examples"), 0)

		res, err := deps.Searcher.SearchTemplates(r.Context(), query, k, n, filter)
		if err != nil {
			slog.Error("template search failed", "error", err)
			httpError(w, http.StatusServiceUnavailable, "QUERY_FAILED", "template search failed")
			return
		}

		out := TemplateSearchResponse{Degraded: res.Degraded, Results: []TemplateSearchHit{}}
		for _, h := range res.Hits {
			hit := TemplateSearchHit{
				Template: toTemplateResponse(h.Template),
				Distance: h.Distance,
				Examples: []EventResponse{},
			}
			for _, e := range h.Examples {
				hit.Examples = append(hit.Examples, toEventResponse(e))
			}
			out.Results = append(out.Results, hit)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleSearchLogs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query := q.Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required")
			return
		}
		filter, err := parseTemplateFilter(q.Get("service"), q.Get("level"), q.Get("start_time"), q.Get("end_time"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "VALIDATION_ERROR", "%v", err)
			return
		}

		res, err := deps.Searcher.SearchEvents(r.Context(), query, parseIntParam(q.Get("limit"), 0), filter)
		if err != nil {
			slog.Error("log search failed", "error", err)
			httpError(w, http.StatusServiceUnavailable, "QUERY_FAILED", "log search failed")
			return
		}

		out := EventSearchResponse{Degraded: res.Degraded, Results: []EventSearchHit{}}
		for _, h := range res.Hits {
			out.Results = append(out.Results, EventSearchHit{
				EventResponse: toEventResponse(h.Event),
				Distance:      h.Distance,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func parseTemplateFilter(service, level, start, end string) (storage.TemplateFilter, error) {
	f := storage.TemplateFilter{Service: service, Level: level}
	if level != "" && !storage.ValidLevel(level) {
		return f, fmt.Errorf("invalid level %q", level)
	}
	var err error
	if f.Start, err = parseTimeParam(start); err != nil {
		return f, fmt.Errorf("invalid start_time: %v", err)
	}
	if f.End, err = parseTimeParam(end); err != nil {
		return f, fmt.Errorf("invalid end_time: %v", err)
	}
	return f, nil
}

func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseIntParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, code, format string, args ...any) {
	writeJSON(w, status, ErrorResponse{
		ErrorCode: code,
		Message:   fmt.Sprintf(format, args...),
	})
}
