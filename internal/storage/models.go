package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TimeLayout is the fixed-width microsecond UTC layout for persisted
// timestamps. Fixed width makes text comparison equal to instant comparison,
// which the time-range indexes and the first_seen/last_seen widening rely on.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Log levels accepted by the platform. WARN and WARNING are distinct values
// because upstream journal sources emit both.
var Levels = map[string]struct{}{
	"DEBUG":    {},
	"INFO":     {},
	"WARN":     {},
	"WARNING":  {},
	"ERROR":    {},
	"CRITICAL": {},
	"FATAL":    {},
}

// ValidLevel reports whether s is a member of the level enum.
func ValidLevel(s string) bool {
	_, ok := Levels[s]
	return ok
}

// Event is one raw journal record. Immutable after insert except for
// TemplateID, which is filled once (0 -> id) by the live path or safety net.
type Event struct {
	ID         int64
	Timestamp  time.Time
	Source     string
	Service    string
	Host       string
	Level      string
	Message    string
	TraceID    string
	SpanID     string
	EventType  string
	ErrorCode  string
	Meta       map[string]any
	LogHash    string
	TemplateID int64 // 0 means no template resolved yet
}

// Template is one canonical log pattern: the deduplicated unit of memory.
type Template struct {
	ID             int64
	TemplateHash   string
	CanonicalText  string
	Service        string
	Level          string
	Embedding      []float32 // nil until attached
	EmbeddingModel string
	EmbeddingDim   int
	CanonVersion   string
	ChunkVersion   string
	EventCount     int64
	FirstSeen      time.Time
	LastSeen       time.Time
}

// InsertOutcome reports what happened to one event of a batch insert.
type InsertOutcome struct {
	ID        int64
	Duplicate bool
}

// EventFilter selects events for relational queries.
type EventFilter struct {
	Service string
	Host    string
	Level   string
	Start   time.Time
	End     time.Time
	Limit   int
	Offset  int
}

// TemplateFilter narrows vector search. The time window keeps templates whose
// [first_seen, last_seen] interval overlaps [Start, End].
type TemplateFilter struct {
	Service string
	Level   string
	Start   time.Time
	End     time.Time
}

// TemplateMatch is a vector search hit with its cosine distance.
type TemplateMatch struct {
	Template
	Distance float32
}
