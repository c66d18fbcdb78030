package usercontext

import "time"

// UserContext is the aggregated snapshot of a user's identity, location,
// preferences, and recent civic activity used to personalize assistant
// responses. It is immutable once assembled and re-derived at most once per
// cache window. Every slice field is non-nil after assembly so consumers only
// ever check for length zero.
type UserContext struct {
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	VerifiedRole bool   `json:"verified_role"`

	Location Location `json:"location"`

	Interests         []string `json:"interests"`
	ExpertiseAreas    []string `json:"expertise_areas"`
	PreferredLanguage string   `json:"preferred_language"`

	Activity ActivitySummary `json:"activity"`

	EngagementScore    int       `json:"engagement_score"`
	TotalContributions int       `json:"total_contributions"`
	LastActive         time.Time `json:"last_active"`
}

// Location is the user's administrative location. County always carries a
// value ("Kenya" when the profile has none); constituency and ward are
// optional refinements.
type Location struct {
	County       string       `json:"county"`
	Constituency string       `json:"constituency,omitempty"`
	Ward         string       `json:"ward,omitempty"`
	Coordinates  *Coordinates `json:"coordinates,omitempty"`
}

// Coordinates is an optional geographic point attached to a profile.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ActivitySummary is the 30-day rollup of the user's civic actions, computed
// by the rollup worker. A user with no rollup row gets the zero value.
type ActivitySummary struct {
	IssuesReportedRecently int      `json:"issues_reported_recently"`
	IssueTypesReported     []string `json:"issue_types_reported"`
	PromisesTracked        int      `json:"promises_tracked"`
	PostsCreated           int      `json:"posts_created"`
	CommentsCreated        int      `json:"comments_created"`
	FollowingPoliticians   []string `json:"following_politicians"`
	MostActiveCategory     string   `json:"most_active_category,omitempty"`
}

// ProfileRecord is the raw profile row as the backing store returns it.
// Fields may be empty or nil; defaulting happens once, in the aggregator,
// so nothing downstream handles optionality again.
type ProfileRecord struct {
	ID                 string
	FullName           string
	County             string
	Constituency       string
	Ward               string
	Coordinates        *Coordinates
	Role               string
	VerifiedRole       bool
	Interests          []string
	ExpertiseAreas     []string
	PreferredLanguage  string
	EngagementScore    int
	TotalContributions int
	LastActiveAt       *time.Time
}

// ActivityRecord is the raw 30-day rollup row. Absence of a row means "no
// activity", never an error.
type ActivityRecord struct {
	IssuesReported30d    int
	IssueTypesReported   []string
	PromisesTracked30d   int
	PostsMade30d         int
	CommentsMade30d      int
	PoliticiansFollowing []string
	MostActiveCategory   string
}

// CacheEntry pairs a cached context with the time it was written. The
// aggregator is the only writer.
type CacheEntry struct {
	Context     UserContext
	LastUpdated time.Time
}
