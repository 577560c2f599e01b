package api

import (
	"time"

	"github.com/tadeu718/devmesh/internal/storage"
)

// LogEventRecord is one event in an ingest request.
type LogEventRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Service   string         `json:"service"`
	Host      string         `json:"host"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// IngestRequest is the body of POST /ingest/logs.
type IngestRequest struct {
	Logs []LogEventRecord `json:"logs"`
}

// IngestResponse reports batch counts back to the shipper.
type IngestResponse struct {
	Ingested   int      `json:"ingested"`
	Duplicates int      `json:"duplicates"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

// EventResponse is one stored event in query and search responses.
type EventResponse struct {
	ID         int64          `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Source     string         `json:"source"`
	Service    string         `json:"service"`
	Host       string         `json:"host"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id,omitempty"`
	EventType  string         `json:"event_type,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	TemplateID int64          `json:"template_id,omitempty"`
}

// TemplateResponse is one template in search responses.
type TemplateResponse struct {
	ID            int64     `json:"id"`
	CanonicalText string    `json:"canonical_text"`
	Service       string    `json:"service"`
	Level         string    `json:"level"`
	CanonVersion  string    `json:"canon_version"`
	EventCount    int64     `json:"event_count"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// TemplateSearchHit is one ranked template with its examples.
type TemplateSearchHit struct {
	Template TemplateResponse `json:"template"`
	Distance float32          `json:"distance"`
	Examples []EventResponse  `json:"examples"`
}

// TemplateSearchResponse is the body of GET /search/templates.
type TemplateSearchResponse struct {
	Degraded bool                `json:"degraded"`
	Results  []TemplateSearchHit `json:"results"`
}

// EventSearchHit is one event in the legacy event-level search response.
type EventSearchHit struct {
	EventResponse
	Distance float32 `json:"distance"`
}

// EventSearchResponse is the body of GET /search/logs.
type EventSearchResponse struct {
	Degraded bool             `json:"degraded"`
	Results  []EventSearchHit `json:"results"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func toEventResponse(e storage.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		Source:     e.Source,
		Service:    e.Service,
		Host:       e.Host,
		Level:      e.Level,
		Message:    e.Message,
		TraceID:    e.TraceID,
		SpanID:     e.SpanID,
		EventType:  e.EventType,
		ErrorCode:  e.ErrorCode,
		Meta:       e.Meta,
		TemplateID: e.TemplateID,
	}
}

func toTemplateResponse(t storage.Template) TemplateResponse {
	return TemplateResponse{
		ID:            t.ID,
		CanonicalText: t.CanonicalText,
		Service:       t.Service,
		Level:         t.Level,
		CanonVersion:  t.CanonVersion,
		EventCount:    t.EventCount,
		FirstSeen:     t.FirstSeen,
		LastSeen:      t.LastSeen,
	}
}
