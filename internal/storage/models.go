package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Event is a raw civic action recorded as it happens. The rollup worker folds
// events from the last 30 days into the user's activity summary.
type Event struct {
	ID        string
	UserID    string
	Kind      string // see Event* constants
	Category  string // issue type or topic, when applicable
	Target    string // politician name for follows, post/promise ID otherwise
	CreatedAt time.Time
}

// Event kinds accepted by RecordEvent and understood by the rollup worker.
const (
	EventIssueReport      = "issue_report"
	EventPromiseTrack     = "promise_track"
	EventPost             = "post"
	EventComment          = "comment"
	EventPoliticianFollow = "politician_follow"
)

// ChatMessage is one turn of an assistant conversation.
type ChatMessage struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"` // "user" or "assistant"
	Content     string    `json:"content"`
	SourcesJSON string    `json:"sources_json,omitempty"` // JSON array of cited sources, "" for user turns
	CreatedAt   time.Time `json:"created_at"`
}

// CivicDoc is a knowledge-base document (act, county bulletin, procedure
// guide) served to the assistant through vector search.
type CivicDoc struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	County    string    `json:"county,omitempty"`  // "" for national documents
	Article   string    `json:"article,omitempty"` // article/section reference, when applicable
	CreatedAt time.Time `json:"created_at"`
	VectorID  string    `json:"vector_id,omitempty"`
}

// Job is a queued unit of background work.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Job types processed by the rollup worker.
const (
	JobActivityRollup = "activity_rollup"
	JobIngestDoc      = "ingest_doc"
)
