package rollup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amakenya/ama/internal/retrieval"
	"github.com/amakenya/ama/internal/storage"
	"github.com/amakenya/ama/internal/usercontext"
)

type fakeJobStore struct {
	job       *storage.Job
	claimErr  error
	completed []string
	failed    map[string]string

	events    []storage.Event
	eventsErr error
	summaries map[string]usercontext.ActivityRecord

	doc        storage.CivicDoc
	docErr     error
	vectorByID map[string]string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		failed:     map[string]string{},
		summaries:  map[string]usercontext.ActivityRecord{},
		vectorByID: map[string]string{},
	}
}

func (f *fakeJobStore) ClaimNextJob(types []string) (*storage.Job, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	j := f.job
	f.job = nil
	return j, nil
}

func (f *fakeJobStore) CompleteJob(id string) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeJobStore) FailJob(id string, errMsg string) error {
	f.failed[id] = errMsg
	return nil
}

func (f *fakeJobStore) EventsSince(ctx context.Context, userID string, since time.Time) ([]storage.Event, error) {
	return f.events, f.eventsErr
}

func (f *fakeJobStore) UpsertActivitySummary(ctx context.Context, userID string, rec usercontext.ActivityRecord) error {
	f.summaries[userID] = rec
	return nil
}

func (f *fakeJobStore) GetCivicDoc(ctx context.Context, id string) (storage.CivicDoc, error) {
	return f.doc, f.docErr
}

func (f *fakeJobStore) UpdateCivicDocVectorID(ctx context.Context, id, vectorID string) error {
	f.vectorByID[id] = vectorID
	return nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

type fakeVectors struct {
	inserted []retrieval.Record
	err      error
}

func (f *fakeVectors) Insert(records []retrieval.Record) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, records...)
	return nil
}

func TestRunOnceNoJob(t *testing.T) {
	w := NewWorker(newFakeJobStore(), &fakeEmbedder{}, &fakeVectors{}, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("expected done=false with empty queue")
	}
}

func TestActivityRollup(t *testing.T) {
	store := newFakeJobStore()
	store.job = &storage.Job{ID: "job-1", Type: storage.JobActivityRollup, PayloadJSON: `{"user_id":"user-1"}`}
	store.events = []storage.Event{
		{Kind: storage.EventIssueReport, Category: "roads"},
		{Kind: storage.EventIssueReport, Category: "water"},
		{Kind: storage.EventIssueReport, Category: "water"},
		{Kind: storage.EventPromiseTrack},
		{Kind: storage.EventPost},
		{Kind: storage.EventComment},
		{Kind: storage.EventComment},
		{Kind: storage.EventPoliticianFollow, Target: "Governor Kiambu"},
		{Kind: storage.EventPoliticianFollow, Target: "Governor Kiambu"},
		{Kind: storage.EventPoliticianFollow, Target: "MCA Biashara"},
	}
	w := NewWorker(store, &fakeEmbedder{}, &fakeVectors{}, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("expected job to be processed")
	}
	if len(store.completed) != 1 || store.completed[0] != "job-1" {
		t.Errorf("job should be completed, got %v (failed: %v)", store.completed, store.failed)
	}

	rec, ok := store.summaries["user-1"]
	if !ok {
		t.Fatal("expected summary for user-1")
	}
	if rec.IssuesReported30d != 3 {
		t.Errorf("issues = %d, want 3", rec.IssuesReported30d)
	}
	if len(rec.IssueTypesReported) != 2 || rec.IssueTypesReported[0] != "roads" {
		t.Errorf("issue types = %v, want [roads water]", rec.IssueTypesReported)
	}
	if rec.PromisesTracked30d != 1 || rec.PostsMade30d != 1 || rec.CommentsMade30d != 2 {
		t.Errorf("unexpected counts: %+v", rec)
	}
	if len(rec.PoliticiansFollowing) != 2 {
		t.Errorf("politicians = %v, want 2 distinct", rec.PoliticiansFollowing)
	}
	// water reported twice beats roads reported once.
	if rec.MostActiveCategory != "water" {
		t.Errorf("most active = %q, want water", rec.MostActiveCategory)
	}
}

func TestActivityRollupEmptyWindow(t *testing.T) {
	store := newFakeJobStore()
	store.job = &storage.Job{ID: "job-1", Type: storage.JobActivityRollup, PayloadJSON: `{"user_id":"user-1"}`}
	w := NewWorker(store, &fakeEmbedder{}, &fakeVectors{}, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	rec, ok := store.summaries["user-1"]
	if !ok {
		t.Fatal("a zero summary should still be written")
	}
	if rec.IssuesReported30d != 0 || rec.MostActiveCategory != "" {
		t.Errorf("expected zero summary, got %+v", rec)
	}
}

func TestIngestDoc(t *testing.T) {
	store := newFakeJobStore()
	store.job = &storage.Job{ID: "job-1", Type: storage.JobIngestDoc, PayloadJSON: `{"doc_id":"doc-1"}`}
	store.doc = storage.CivicDoc{
		ID: "doc-1", Title: "Nairobi Waste Bylaws", Content: "Collection happens weekly...",
		County: "Nairobi", Article: "s.12",
	}
	vectors := &fakeVectors{}
	w := NewWorker(store, &fakeEmbedder{vec: []float32{0.1, 0.2}}, vectors, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(store.completed) != 1 {
		t.Fatalf("job should be completed, failed: %v", store.failed)
	}
	if len(vectors.inserted) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(vectors.inserted))
	}
	rec := vectors.inserted[0]
	if rec.DocID != "doc-1" || rec.County != "Nairobi" || rec.Article != "s.12" {
		t.Errorf("unexpected vector record: %+v", rec)
	}
	if store.vectorByID["doc-1"] != rec.ID {
		t.Errorf("doc should point at its vector, got %q", store.vectorByID["doc-1"])
	}
}

func TestJobFailureIsRecorded(t *testing.T) {
	store := newFakeJobStore()
	store.job = &storage.Job{ID: "job-1", Type: storage.JobIngestDoc, PayloadJSON: `{"doc_id":"doc-1"}`}
	store.docErr = errors.New("doc gone")
	w := NewWorker(store, &fakeEmbedder{}, &fakeVectors{}, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("a failing job still counts as processed")
	}
	if len(store.completed) != 0 {
		t.Error("failing job must not be completed")
	}
	if _, ok := store.failed["job-1"]; !ok {
		t.Error("expected FailJob to be called")
	}
}

func TestUnknownJobTypeFails(t *testing.T) {
	store := newFakeJobStore()
	store.job = &storage.Job{ID: "job-1", Type: "mystery", PayloadJSON: `{}`}
	w := NewWorker(store, &fakeEmbedder{}, &fakeVectors{}, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, ok := store.failed["job-1"]; !ok {
		t.Error("unknown job type should be failed, not completed")
	}
}

func TestBadPayloadFails(t *testing.T) {
	store := newFakeJobStore()
	store.job = &storage.Job{ID: "job-1", Type: storage.JobActivityRollup, PayloadJSON: `not json`}
	w := NewWorker(store, &fakeEmbedder{}, &fakeVectors{}, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, ok := store.failed["job-1"]; !ok {
		t.Error("bad payload should fail the job")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWorker(newFakeJobStore(), &fakeEmbedder{}, &fakeVectors{}, time.Millisecond)
	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancelled context")
	}
}
