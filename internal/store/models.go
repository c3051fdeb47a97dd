package store

import (
	"encoding/json"
	"time"
)

// Article is a wiki page. The body is only ever mutated by approving an
// edit proposal; vetted flips true on the first approval.
type Article struct {
	ID          string         `json:"id"`
	Slug        string         `json:"slug"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	AuthorFID   string         `json:"author_fid"`
	Metadata    map[string]any `json:"metadata"`
	Published   bool           `json:"published"`
	Vetted      bool           `json:"vetted"`
	FlagCount   int            `json:"flag_count"`
	NeynarScore *float64       `json:"neynar_score"`
	PublishedAt *time.Time     `json:"published_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Edit is a proposed replacement body (and optionally title) for an article.
// It is immutable once approved.
type Edit struct {
	ID          string    `json:"id"`
	ArticleID   string    `json:"article_id"`
	AuthorFID   string    `json:"author_fid"`
	Body        string    `json:"body"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	Approved    bool      `json:"approved"`
	ReviewerFID string    `json:"reviewer_fid"`
	CreatedAt   time.Time `json:"created_at"`
}

// Account is one row per FID ever seen, upserted on every authentication.
type Account struct {
	FID               string              `json:"fid"`
	Username          string              `json:"username"`
	DisplayName       string              `json:"display_name"`
	PfpURL            string              `json:"pfp_url"`
	CustodyAddress    string              `json:"custody_address"`
	VerifiedAddresses map[string][]string `json:"verified_addresses"`
	IsAdmin           bool                `json:"is_admin"`
	IsReviewer        bool                `json:"is_reviewer"`
	CreatedAt         time.Time           `json:"created_at"`
}

// Contribution is an append-only ledger entry; the ledger is the source of
// truth for points, the user_points row is a derived cache.
type Contribution struct {
	ID         string    `json:"id"`
	FID        string    `json:"fid"`
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id"`
	Points     int       `json:"points"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

type UserPoints struct {
	FID         string     `json:"fid"`
	TotalPoints int        `json:"total_points"`
	LastUpdated *time.Time `json:"last_updated"`
}

// Reaction is a likes/flags row; unique per (article, user).
type Reaction struct {
	ArticleID string    `json:"article_id"`
	UserFID   string    `json:"user_fid"`
	CreatedAt time.Time `json:"created_at"`
}

type WebhookEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Headers    json.RawMessage `json:"headers"`
	Verified   bool            `json:"verified"`
	ReceivedAt time.Time       `json:"received_at"`
}
