package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amakenya/ama/internal/retrieval"
	"github.com/amakenya/ama/internal/storage"
	"github.com/amakenya/ama/internal/usercontext"
)

// rollupWindow is how far back civic events count toward the activity
// summary.
const rollupWindow = 30 * 24 * time.Hour

// JobStore abstracts the job queue and the rows rollup jobs touch.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	EventsSince(ctx context.Context, userID string, since time.Time) ([]storage.Event, error)
	UpsertActivitySummary(ctx context.Context, userID string, rec usercontext.ActivityRecord) error
	GetCivicDoc(ctx context.Context, id string) (storage.CivicDoc, error)
	UpdateCivicDocVectorID(ctx context.Context, id, vectorID string) error
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorInserter inserts records into the vector store.
type VectorInserter interface {
	Insert(records []retrieval.Record) error
}

// Worker processes activity_rollup and ingest_doc jobs from the SQLite job
// queue.
type Worker struct {
	store    JobStore
	embedder ContentEmbedder
	vectors  VectorInserter
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ContentEmbedder, vectors VectorInserter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobActivityRollup, storage.JobIngestDoc})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type rollupPayload struct {
	UserID string `json:"user_id"`
}

type ingestPayload struct {
	DocID string `json:"doc_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case storage.JobActivityRollup:
		var payload rollupPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		return w.rollupActivity(ctx, payload.UserID)
	case storage.JobIngestDoc:
		var payload ingestPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		return w.ingestDoc(ctx, payload.DocID)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// rollupActivity folds the user's civic events from the last 30 days into
// their activity summary row.
func (w *Worker) rollupActivity(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("rollup payload missing user_id")
	}

	since := time.Now().UTC().Add(-rollupWindow)
	events, err := w.store.EventsSince(ctx, userID, since)
	if err != nil {
		return fmt.Errorf("loading events for %s: %w", userID, err)
	}

	rec := summarize(events)
	if err := w.store.UpsertActivitySummary(ctx, userID, rec); err != nil {
		return fmt.Errorf("writing summary for %s: %w", userID, err)
	}

	w.logger.Debug("activity rolled up",
		"user_id", userID,
		"events", len(events),
		"issues", rec.IssuesReported30d,
	)
	return nil
}

// summarize reduces raw events to the per-user activity record. Issue types
// and followed politicians are deduplicated preserving first-seen order; the
// most active category is the most frequent issue type, earliest seen winning
// ties.
func summarize(events []storage.Event) usercontext.ActivityRecord {
	var rec usercontext.ActivityRecord
	typeCounts := make(map[string]int)
	seenTypes := make(map[string]bool)
	seenPoliticians := make(map[string]bool)

	for _, e := range events {
		switch e.Kind {
		case storage.EventIssueReport:
			rec.IssuesReported30d++
			if e.Category != "" {
				typeCounts[e.Category]++
				if !seenTypes[e.Category] {
					seenTypes[e.Category] = true
					rec.IssueTypesReported = append(rec.IssueTypesReported, e.Category)
				}
			}
		case storage.EventPromiseTrack:
			rec.PromisesTracked30d++
		case storage.EventPost:
			rec.PostsMade30d++
		case storage.EventComment:
			rec.CommentsMade30d++
		case storage.EventPoliticianFollow:
			if e.Target != "" && !seenPoliticians[e.Target] {
				seenPoliticians[e.Target] = true
				rec.PoliticiansFollowing = append(rec.PoliticiansFollowing, e.Target)
			}
		}
	}

	best := 0
	for _, t := range rec.IssueTypesReported {
		if typeCounts[t] > best {
			best = typeCounts[t]
			rec.MostActiveCategory = t
		}
	}
	return rec
}

// ingestDoc embeds a knowledge document and writes its vector.
func (w *Worker) ingestDoc(ctx context.Context, docID string) error {
	if docID == "" {
		return fmt.Errorf("ingest payload missing doc_id")
	}

	doc, err := w.store.GetCivicDoc(ctx, docID)
	if err != nil {
		return fmt.Errorf("loading doc %s: %w", docID, err)
	}

	vec, err := w.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embedding content: %w", err)
	}

	rec := retrieval.Record{
		ID:        uuid.New().String(),
		DocID:     doc.ID,
		Title:     doc.Title,
		Article:   doc.Article,
		County:    doc.County,
		TextChunk: doc.Content,
		Embedding: vec,
		CreatedAt: time.Now().UTC(),
	}

	if err := w.vectors.Insert([]retrieval.Record{rec}); err != nil {
		return fmt.Errorf("inserting vector: %w", err)
	}

	if err := w.store.UpdateCivicDocVectorID(ctx, doc.ID, rec.ID); err != nil {
		return fmt.Errorf("updating vector_id: %w", err)
	}

	return nil
}
