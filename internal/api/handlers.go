package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/amakenya/ama/internal/assistant"
	"github.com/amakenya/ama/internal/storage"
	"github.com/amakenya/ama/internal/usercontext"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Answerer runs the civic question pipeline.
type Answerer interface {
	Answer(ctx context.Context, req assistant.Request) (*assistant.Response, error)
}

// ContextProvider yields aggregated user contexts.
type ContextProvider interface {
	GetUserContext(ctx context.Context, userID string) (usercontext.UserContext, error)
}

// VectorDeleter abstracts vector cleanup for the API layer.
type VectorDeleter interface {
	DeleteByDoc(docID string) error
}

type AppDeps struct {
	Store     *storage.Store
	Contexts  ContextProvider
	Assistant Answerer
	Token     string
	Vectors   VectorDeleter // optional; if nil, vector cleanup is skipped on delete
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/civic/ask", handleAsk(deps))
		r.Get("/v1/users/{id}/context", handleGetContext(deps))
		r.Get("/v1/users/{id}/profile", handleGetProfile(deps))
		r.Patch("/v1/users/{id}/profile", handlePatchProfile(deps))
		r.Post("/v1/users/{id}/events", handleRecordEvent(deps))
		r.Get("/v1/sessions/{id}/history", handleSessionHistory(deps))
		r.Post("/v1/docs", handleCreateDoc(deps))
		r.Get("/v1/docs", handleListDocs(deps))
		r.Get("/v1/docs/{id}", handleGetDoc(deps))
		r.Delete("/v1/docs/{id}", handleDeleteDoc(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

type askRequest struct {
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id"`
	Query          string `json:"query"`
	Language       string `json:"language,omitempty"`
	IncludeHistory *bool  `json:"include_history,omitempty"`
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		if req.Query == "" || req.SessionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query and session_id are required")
			return
		}

		resp, err := deps.Assistant.Answer(r.Context(), assistant.Request{
			UserID:         req.UserID,
			SessionID:      req.SessionID,
			Query:          req.Query,
			Language:       req.Language,
			ExcludeHistory: req.IncludeHistory != nil && !*req.IncludeHistory,
		})
		if errors.Is(err, usercontext.ErrProfileNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "user profile not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "answering failed: %v", err)
			return
		}

		writeJSON(w, resp)
	}
}

func handleGetContext(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")

		uc, err := deps.Contexts.GetUserContext(r.Context(), userID)
		if errors.Is(err, usercontext.ErrProfileNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "user profile not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to build context: %v", err)
			return
		}

		writeJSON(w, uc)
	}
}

type profileResponse struct {
	ID                 string                   `json:"id"`
	FullName           string                   `json:"full_name"`
	County             string                   `json:"county"`
	Constituency       string                   `json:"constituency,omitempty"`
	Ward               string                   `json:"ward,omitempty"`
	Coordinates        *usercontext.Coordinates `json:"coordinates,omitempty"`
	Role               string                   `json:"role"`
	VerifiedRole       bool                     `json:"verified_role"`
	Interests          []string                 `json:"interests"`
	ExpertiseAreas     []string                 `json:"expertise_areas"`
	PreferredLanguage  string                   `json:"preferred_language"`
	EngagementScore    int                      `json:"engagement_score"`
	TotalContributions int                      `json:"total_contributions"`
	LastActiveAt       *time.Time               `json:"last_active_at,omitempty"`
}

func toProfileResponse(rec usercontext.ProfileRecord) profileResponse {
	return profileResponse{
		ID:                 rec.ID,
		FullName:           rec.FullName,
		County:             rec.County,
		Constituency:       rec.Constituency,
		Ward:               rec.Ward,
		Coordinates:        rec.Coordinates,
		Role:               rec.Role,
		VerifiedRole:       rec.VerifiedRole,
		Interests:          rec.Interests,
		ExpertiseAreas:     rec.ExpertiseAreas,
		PreferredLanguage:  rec.PreferredLanguage,
		EngagementScore:    rec.EngagementScore,
		TotalContributions: rec.TotalContributions,
		LastActiveAt:       rec.LastActiveAt,
	}
}

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")

		rec, ok, err := deps.Store.GetProfile(r.Context(), userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get profile: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "profile not found")
			return
		}

		writeJSON(w, toProfileResponse(rec))
	}
}

type profilePatch struct {
	FullName           *string                  `json:"full_name"`
	County             *string                  `json:"county"`
	Constituency       *string                  `json:"constituency"`
	Ward               *string                  `json:"ward"`
	Coordinates        *usercontext.Coordinates `json:"coordinates"`
	Role               *string                  `json:"role"`
	VerifiedRole       *bool                    `json:"verified_role"`
	Interests          *[]string                `json:"interests"`
	ExpertiseAreas     *[]string                `json:"expertise_areas"`
	PreferredLanguage  *string                  `json:"preferred_language"`
	EngagementScore    *int                     `json:"engagement_score"`
	TotalContributions *int                     `json:"total_contributions"`
}

// handlePatchProfile applies a partial update; absent fields keep their
// current values. Patching an unknown user creates the profile, so client
// apps can treat it as an upsert.
func handlePatchProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var patch profilePatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		rec, _, err := deps.Store.GetProfile(r.Context(), userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load profile: %v", err)
			return
		}
		rec.ID = userID
		applyPatch(&rec, patch)

		if err := deps.Store.UpsertProfile(r.Context(), rec); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save profile: %v", err)
			return
		}

		writeJSON(w, map[string]string{"status": "updated"})
	}
}

func applyPatch(rec *usercontext.ProfileRecord, p profilePatch) {
	if p.FullName != nil {
		rec.FullName = *p.FullName
	}
	if p.County != nil {
		rec.County = *p.County
	}
	if p.Constituency != nil {
		rec.Constituency = *p.Constituency
	}
	if p.Ward != nil {
		rec.Ward = *p.Ward
	}
	if p.Coordinates != nil {
		rec.Coordinates = p.Coordinates
	}
	if p.Role != nil {
		rec.Role = *p.Role
	}
	if p.VerifiedRole != nil {
		rec.VerifiedRole = *p.VerifiedRole
	}
	if p.Interests != nil {
		rec.Interests = *p.Interests
	}
	if p.ExpertiseAreas != nil {
		rec.ExpertiseAreas = *p.ExpertiseAreas
	}
	if p.PreferredLanguage != nil {
		rec.PreferredLanguage = *p.PreferredLanguage
	}
	if p.EngagementScore != nil {
		rec.EngagementScore = *p.EngagementScore
	}
	if p.TotalContributions != nil {
		rec.TotalContributions = *p.TotalContributions
	}
}

type eventRequest struct {
	Kind     string `json:"kind"`
	Category string `json:"category,omitempty"`
	Target   string `json:"target,omitempty"`
}

var validKinds = map[string]bool{
	storage.EventIssueReport:      true,
	storage.EventPromiseTrack:     true,
	storage.EventPost:             true,
	storage.EventComment:          true,
	storage.EventPoliticianFollow: true,
}

// handleRecordEvent stores a civic event and queues a rollup so the user's
// activity summary catches up.
func handleRecordEvent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req eventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !validKinds[req.Kind] {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown event kind %q", req.Kind)
			return
		}

		event := storage.Event{
			ID:        uuid.NewString(),
			UserID:    userID,
			Kind:      req.Kind,
			Category:  req.Category,
			Target:    req.Target,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.RecordEvent(r.Context(), event); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record event: %v", err)
			return
		}

		payload := fmt.Sprintf(`{"user_id":%q}`, userID)
		job := storage.Job{ID: uuid.NewString(), Type: storage.JobActivityRollup, PayloadJSON: payload}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue rollup: %v", err)
			return
		}

		writeJSON(w, map[string]string{"id": event.ID, "status": "recorded"})
	}
}

func handleSessionHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		limit := parseIntParam(r, "limit", 20, 100)

		msgs, err := deps.Store.SessionHistory(r.Context(), sessionID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
			return
		}
		if msgs == nil {
			msgs = []storage.ChatMessage{}
		}

		writeJSON(w, msgs)
	}
}

type docRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Source  string `json:"source"`
	County  string `json:"county,omitempty"`
	Article string `json:"article,omitempty"`
}

func handleCreateDoc(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req docRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		if req.Source == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "source is required")
			return
		}

		doc := storage.CivicDoc{
			ID:        uuid.NewString(),
			Title:     req.Title,
			Content:   req.Content,
			Source:    req.Source,
			County:    req.County,
			Article:   req.Article,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.SaveCivicDoc(r.Context(), doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}

		payload := fmt.Sprintf(`{"doc_id":%q}`, doc.ID)
		job := storage.Job{ID: uuid.NewString(), Type: storage.JobIngestDoc, PayloadJSON: payload}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		writeJSON(w, map[string]string{"id": doc.ID, "status": "queued"})
	}
}

func handleListDocs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		docs, err := deps.Store.ListCivicDocs(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		if docs == nil {
			docs = []storage.CivicDoc{}
		}

		writeJSON(w, docs)
	}
}

func handleGetDoc(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetCivicDoc(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		writeJSON(w, doc)
	}
}

func handleDeleteDoc(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		// Drop vectors first so a half-failed delete can't leave orphaned
		// search results pointing at a missing document. The doc row must
		// survive a failed vector delete so the operation can be retried.
		if deps.Vectors != nil {
			if _, err := deps.Store.GetCivicDoc(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "document not found")
				return
			} else if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
				return
			}
			if err := deps.Vectors.DeleteByDoc(id); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document vectors: %v", err)
				return
			}
		}

		err := deps.Store.DeleteCivicDoc(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
