package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/amakenya/ama/internal/usercontext"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding profiles, activity rollups, the
// context cache, civic events, chat history, knowledge docs, and the job
// queue. It implements the usercontext store interfaces.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "ama.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for the vector store.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies embedded SQL migrations that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Profiles ---

// GetProfile returns the profile row for userID. The bool result reports
// whether the row exists.
func (s *Store) GetProfile(ctx context.Context, userID string) (usercontext.ProfileRecord, bool, error) {
	var (
		rec          usercontext.ProfileRecord
		lat, lng     sql.NullFloat64
		lastActiveAt sql.NullString
		interests    string
		expertise    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, full_name, county, constituency, ward, lat, lng, role, verified_role,
		       interests, expertise_areas, preferred_language, engagement_score,
		       total_contributions, last_active_at
		FROM profiles WHERE id = ?`, userID,
	).Scan(&rec.ID, &rec.FullName, &rec.County, &rec.Constituency, &rec.Ward, &lat, &lng,
		&rec.Role, &rec.VerifiedRole, &interests, &expertise, &rec.PreferredLanguage,
		&rec.EngagementScore, &rec.TotalContributions, &lastActiveAt)
	if err == sql.ErrNoRows {
		return usercontext.ProfileRecord{}, false, nil
	}
	if err != nil {
		return usercontext.ProfileRecord{}, false, err
	}

	if lat.Valid && lng.Valid {
		rec.Coordinates = &usercontext.Coordinates{Lat: lat.Float64, Lng: lng.Float64}
	}
	if lastActiveAt.Valid && lastActiveAt.String != "" {
		t, err := time.Parse(time.RFC3339, lastActiveAt.String)
		if err != nil {
			return usercontext.ProfileRecord{}, false, fmt.Errorf("parsing last_active_at: %w", err)
		}
		rec.LastActiveAt = &t
	}
	if rec.Interests, err = decodeStrings(interests); err != nil {
		return usercontext.ProfileRecord{}, false, fmt.Errorf("parsing interests: %w", err)
	}
	if rec.ExpertiseAreas, err = decodeStrings(expertise); err != nil {
		return usercontext.ProfileRecord{}, false, fmt.Errorf("parsing expertise_areas: %w", err)
	}
	return rec, true, nil
}

// UpsertProfile creates or replaces a profile row.
func (s *Store) UpsertProfile(ctx context.Context, rec usercontext.ProfileRecord) error {
	var lat, lng any
	if rec.Coordinates != nil {
		lat, lng = rec.Coordinates.Lat, rec.Coordinates.Lng
	}
	var lastActive any
	if rec.LastActiveAt != nil {
		lastActive = rec.LastActiveAt.UTC().Format(time.RFC3339)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, full_name, county, constituency, ward, lat, lng, role,
			verified_role, interests, expertise_areas, preferred_language,
			engagement_score, total_contributions, last_active_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			full_name = excluded.full_name,
			county = excluded.county,
			constituency = excluded.constituency,
			ward = excluded.ward,
			lat = excluded.lat,
			lng = excluded.lng,
			role = excluded.role,
			verified_role = excluded.verified_role,
			interests = excluded.interests,
			expertise_areas = excluded.expertise_areas,
			preferred_language = excluded.preferred_language,
			engagement_score = excluded.engagement_score,
			total_contributions = excluded.total_contributions,
			last_active_at = excluded.last_active_at,
			updated_at = excluded.updated_at`,
		rec.ID, rec.FullName, rec.County, rec.Constituency, rec.Ward, lat, lng, rec.Role,
		rec.VerifiedRole, encodeStrings(rec.Interests), encodeStrings(rec.ExpertiseAreas),
		rec.PreferredLanguage, rec.EngagementScore, rec.TotalContributions, lastActive, now, now,
	)
	return err
}

// TouchLastActive updates the profile's last-active timestamp.
func (s *Store) TouchLastActive(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET last_active_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), userID)
	if err != nil {
		return err
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

// --- Activity rollups ---

// GetActivitySummary returns the 30-day rollup row for userID. Absence of a
// row is not an error; the bool result reports existence.
func (s *Store) GetActivitySummary(ctx context.Context, userID string) (usercontext.ActivityRecord, bool, error) {
	var (
		rec         usercontext.ActivityRecord
		issueTypes  string
		politicians string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT issues_reported_30d, issue_types_reported, promises_tracked_30d,
		       posts_made_30d, comments_made_30d, politicians_following, most_active_category
		FROM user_activity_context WHERE user_id = ?`, userID,
	).Scan(&rec.IssuesReported30d, &issueTypes, &rec.PromisesTracked30d,
		&rec.PostsMade30d, &rec.CommentsMade30d, &politicians, &rec.MostActiveCategory)
	if err == sql.ErrNoRows {
		return usercontext.ActivityRecord{}, false, nil
	}
	if err != nil {
		return usercontext.ActivityRecord{}, false, err
	}
	if rec.IssueTypesReported, err = decodeStrings(issueTypes); err != nil {
		return usercontext.ActivityRecord{}, false, fmt.Errorf("parsing issue_types_reported: %w", err)
	}
	if rec.PoliticiansFollowing, err = decodeStrings(politicians); err != nil {
		return usercontext.ActivityRecord{}, false, fmt.Errorf("parsing politicians_following: %w", err)
	}
	return rec, true, nil
}

// UpsertActivitySummary writes the rollup row for userID.
func (s *Store) UpsertActivitySummary(ctx context.Context, userID string, rec usercontext.ActivityRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_activity_context (user_id, issues_reported_30d, issue_types_reported,
			promises_tracked_30d, posts_made_30d, comments_made_30d, politicians_following,
			most_active_category, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			issues_reported_30d = excluded.issues_reported_30d,
			issue_types_reported = excluded.issue_types_reported,
			promises_tracked_30d = excluded.promises_tracked_30d,
			posts_made_30d = excluded.posts_made_30d,
			comments_made_30d = excluded.comments_made_30d,
			politicians_following = excluded.politicians_following,
			most_active_category = excluded.most_active_category,
			updated_at = excluded.updated_at`,
		userID, rec.IssuesReported30d, encodeStrings(rec.IssueTypesReported),
		rec.PromisesTracked30d, rec.PostsMade30d, rec.CommentsMade30d,
		encodeStrings(rec.PoliticiansFollowing), rec.MostActiveCategory,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// --- Context cache ---

// GetContext reads the cached context for userID.
func (s *Store) GetContext(ctx context.Context, userID string) (usercontext.CacheEntry, bool, error) {
	var contextJSON, lastUpdated string
	err := s.db.QueryRowContext(ctx,
		`SELECT context_json, last_updated FROM user_context_cache WHERE user_id = ?`, userID,
	).Scan(&contextJSON, &lastUpdated)
	if err == sql.ErrNoRows {
		return usercontext.CacheEntry{}, false, nil
	}
	if err != nil {
		return usercontext.CacheEntry{}, false, err
	}

	var entry usercontext.CacheEntry
	if err := json.Unmarshal([]byte(contextJSON), &entry.Context); err != nil {
		return usercontext.CacheEntry{}, false, fmt.Errorf("parsing cached context: %w", err)
	}
	if entry.LastUpdated, err = time.Parse(time.RFC3339, lastUpdated); err != nil {
		return usercontext.CacheEntry{}, false, fmt.Errorf("parsing last_updated: %w", err)
	}
	return entry, true, nil
}

// PutContext upserts the cached context for userID.
func (s *Store) PutContext(ctx context.Context, userID string, snapshot usercontext.UserContext, updatedAt time.Time) error {
	b, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshalling context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_context_cache (user_id, context_json, last_updated) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			context_json = excluded.context_json,
			last_updated = excluded.last_updated`,
		userID, string(b), updatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// --- Civic events ---

func (s *Store) RecordEvent(ctx context.Context, e Event) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO civic_events (id, user_id, kind, category, target, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Kind, e.Category, e.Target, createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// EventsSince returns the user's events created at or after since, oldest first.
func (s *Store) EventsSince(ctx context.Context, userID string, since time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, category, target, created_at
		FROM civic_events WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at ASC`,
		userID, since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Category, &e.Target, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Chat history ---

func (s *Store) SaveChatMessage(ctx context.Context, m ChatMessage) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_history (id, session_id, user_id, role, content, sources_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.UserID, m.Role, m.Content, m.SourcesJSON,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// SessionHistory returns the last limit turns of a session in chronological
// order.
func (s *Store) SessionHistory(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, role, content, sources_json, created_at
		FROM chat_history WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &m.SourcesJSON, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returned newest first; reverse to chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- Civic docs ---

func (s *Store) SaveCivicDoc(ctx context.Context, doc CivicDoc) error {
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO civic_docs (id, title, content, source, county, article, created_at, vector_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Content, doc.Source, doc.County, doc.Article,
		createdAt.UTC().Format(time.RFC3339), doc.VectorID,
	)
	return err
}

func (s *Store) GetCivicDoc(ctx context.Context, id string) (CivicDoc, error) {
	var d CivicDoc
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, source, county, article, created_at, vector_id
		FROM civic_docs WHERE id = ?`, id,
	).Scan(&d.ID, &d.Title, &d.Content, &d.Source, &d.County, &d.Article, &createdAt, &d.VectorID)
	if err == sql.ErrNoRows {
		return CivicDoc{}, ErrNotFound
	}
	if err != nil {
		return CivicDoc{}, err
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return CivicDoc{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return d, nil
}

func (s *Store) ListCivicDocs(ctx context.Context, limit int) ([]CivicDoc, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, source, county, article, created_at, vector_id
		FROM civic_docs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []CivicDoc
	for rows.Next() {
		var d CivicDoc
		var createdAt string
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.Source, &d.County, &d.Article, &createdAt, &d.VectorID); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *Store) DeleteCivicDoc(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM civic_docs WHERE id = ?`, id)
	if err != nil {
		return err
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

func (s *Store) UpdateCivicDocVectorID(ctx context.Context, id, vectorID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE civic_docs SET vector_id = ? WHERE id = ?`, vectorID, id)
	if err != nil {
		return err
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

// --- JSON helpers ---

func encodeStrings(s []string) string {
	if len(s) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(s)
	return string(b)
}

func decodeStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return s, nil
}
