package usercontext

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrProfileNotFound is returned when no profile row exists for a user.
// It is terminal for the call: no default context is substituted and nothing
// is written to the cache. Callers decide whether to fall back to an
// anonymous prompt.
var ErrProfileNotFound = errors.New("user profile not found")

// DefaultTTL is how long a cached context stays valid.
const DefaultTTL = time.Hour

// ProfileStore reads profile rows. The bool result reports whether a row
// exists; an error means the store itself failed and is retryable.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (ProfileRecord, bool, error)
}

// ActivityStore reads 30-day activity rollup rows.
type ActivityStore interface {
	GetActivitySummary(ctx context.Context, userID string) (ActivityRecord, bool, error)
}

// ContextCache stores assembled contexts keyed by user ID. PutContext is an
// idempotent upsert; concurrent writers for the same user derive equivalent
// snapshots, so no locking is needed.
type ContextCache interface {
	GetContext(ctx context.Context, userID string) (CacheEntry, bool, error)
	PutContext(ctx context.Context, userID string, snapshot UserContext, updatedAt time.Time) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options tunes an Aggregator. Zero values select the defaults.
type Options struct {
	TTL    time.Duration
	Clock  Clock
	Logger *slog.Logger
}

// Aggregator resolves a user ID into a UserContext, serving from the cache
// when a fresh entry exists and otherwise assembling one from the profile and
// activity stores.
type Aggregator struct {
	profiles ProfileStore
	activity ActivityStore
	cache    ContextCache
	clock    Clock
	ttl      time.Duration
	logger   *slog.Logger
}

// NewAggregator creates an Aggregator with the default 1-hour TTL.
func NewAggregator(profiles ProfileStore, activity ActivityStore, cache ContextCache, opts Options) *Aggregator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		profiles: profiles,
		activity: activity,
		cache:    cache,
		clock:    opts.Clock,
		ttl:      opts.TTL,
		logger:   opts.Logger,
	}
}

// GetUserContext returns the user's context, from cache when fresh. On a miss
// or stale entry the profile and activity rows are fetched concurrently, the
// context is assembled with field defaults applied, cached, and returned.
// A missing profile row yields ErrProfileNotFound; a missing activity row is
// treated as no activity.
func (a *Aggregator) GetUserContext(ctx context.Context, userID string) (UserContext, error) {
	// Fast path. A cache read failure is treated as a miss: the backing
	// stores remain the source of truth.
	entry, ok, err := a.cache.GetContext(ctx, userID)
	if err != nil {
		a.logger.Warn("context cache read failed, refetching", "user_id", userID, "error", err)
	} else if ok && a.clock.Now().Sub(entry.LastUpdated) < a.ttl {
		return entry.Context, nil
	}

	var (
		prof    ProfileRecord
		profOK  bool
		profErr error
		act     ActivityRecord
		actOK   bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prof, profOK, profErr = a.profiles.GetProfile(gctx, userID)
		if profErr != nil {
			return fmt.Errorf("fetching profile: %w", profErr)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		act, actOK, err = a.activity.GetActivitySummary(gctx, userID)
		if err != nil {
			return fmt.Errorf("fetching activity summary: %w", err)
		}
		return nil
	})
	waitErr := g.Wait()

	// A confirmed profile miss wins over an activity fetch error: the
	// activity data would be discarded anyway.
	if profErr == nil && !profOK {
		return UserContext{}, fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
	}
	if waitErr != nil {
		return UserContext{}, waitErr
	}

	if !actOK {
		act = ActivityRecord{}
	}
	snapshot := assemble(userID, prof, act, a.clock.Now())

	if err := a.cache.PutContext(ctx, userID, snapshot, a.clock.Now()); err != nil {
		// The snapshot is still valid for the caller.
		a.logger.Warn("context cache write failed", "user_id", userID, "error", err)
	}

	return snapshot, nil
}

// assemble maps raw store rows into a UserContext, applying every default in
// one place: missing name becomes "Citizen", role "citizen", county "Kenya",
// language "en", nil slices become empty, and a missing last-active timestamp
// becomes now.
func assemble(userID string, prof ProfileRecord, act ActivityRecord, now time.Time) UserContext {
	lastActive := now
	if prof.LastActiveAt != nil && !prof.LastActiveAt.IsZero() {
		lastActive = *prof.LastActiveAt
	}

	return UserContext{
		UserID:       userID,
		Name:         orDefault(prof.FullName, "Citizen"),
		Role:         orDefault(prof.Role, "citizen"),
		VerifiedRole: prof.VerifiedRole,
		Location: Location{
			County:       orDefault(prof.County, "Kenya"),
			Constituency: prof.Constituency,
			Ward:         prof.Ward,
			Coordinates:  prof.Coordinates,
		},
		Interests:         nonNil(prof.Interests),
		ExpertiseAreas:    nonNil(prof.ExpertiseAreas),
		PreferredLanguage: orDefault(prof.PreferredLanguage, "en"),
		Activity: ActivitySummary{
			IssuesReportedRecently: act.IssuesReported30d,
			IssueTypesReported:     nonNil(act.IssueTypesReported),
			PromisesTracked:        act.PromisesTracked30d,
			PostsCreated:           act.PostsMade30d,
			CommentsCreated:        act.CommentsMade30d,
			FollowingPoliticians:   nonNil(act.PoliticiansFollowing),
			MostActiveCategory:     act.MostActiveCategory,
		},
		EngagementScore:    prof.EngagementScore,
		TotalContributions: prof.TotalContributions,
		LastActive:         lastActive,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
