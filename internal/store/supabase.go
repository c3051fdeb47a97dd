// Package store accesses the Supabase PostgREST data store. All access uses
// the service-role credential, so authorization must be enforced by callers
// before any mutating call reaches this package.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// UpstreamError carries a non-2xx PostgREST response so handlers can
// distinguish "try again" from a definitive denial.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("supabase rest error: status %d: %s", e.Status, e.Body)
}

// IsRetryable reports whether err looks like a transient upstream failure.
func IsRetryable(err error) bool {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status >= 500
	}
	// Network-level failures (no HTTP status) are retryable.
	return err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict)
}

const (
	preferRepresentation = "return=representation"
	preferMinimal        = "return=minimal"
	preferUpsert         = "resolution=merge-duplicates,return=minimal"
	preferCountExact     = "count=exact"
)

type Client struct {
	baseURL string
	key     string
	http    *http.Client
}

func New(baseURL, serviceKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     serviceKey,
		http:    httpClient,
	}
}

func (c *Client) do(ctx context.Context, method, table string, query url.Values, prefer string, body any) (*http.Response, error) {
	endpoint := c.baseURL + "/rest/v1/" + table
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", table, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("apikey", c.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	return c.http.Do(req)
}

// upstreamError drains the body into an UpstreamError. Unique-constraint
// violations surface as 409 and are mapped to ErrConflict so callers can
// treat duplicate likes/flags/slugs as idempotent.
func upstreamError(resp *http.Response) error {
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusConflict || strings.Contains(string(text), `"23505"`) {
		return fmt.Errorf("%w: %s", ErrConflict, strings.TrimSpace(string(text)))
	}
	return &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(text))}
}

func decodeRows[T any](resp *http.Response) ([]T, error) {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, upstreamError(resp)
	}
	var rows []T
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

func decodeOne[T any](resp *http.Response) (T, error) {
	var zero T
	rows, err := decodeRows[T](resp)
	if err != nil {
		return zero, err
	}
	if len(rows) == 0 {
		return zero, ErrNotFound
	}
	return rows[0], nil
}

func drain(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return upstreamError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// contentRangeTotal parses the row count out of a Content-Range header
// ("0-49/123") when the request carried Prefer: count=exact.
func contentRangeTotal(resp *http.Response) int {
	parts := strings.Split(resp.Header.Get("Content-Range"), "/")
	if len(parts) != 2 {
		return -1
	}
	total, err := strconv.Atoi(parts[1])
	if err != nil {
		return -1
	}
	return total
}

// Ping checks store reachability for the readiness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{"select": {"id"}, "limit": {"1"}}
	resp, err := c.do(ctx, http.MethodGet, "articles", q, "", nil)
	if err != nil {
		return err
	}
	return drain(resp)
}

// --- articles ---

func (c *Client) GetArticleBySlug(ctx context.Context, slug string) (Article, error) {
	q := url.Values{"select": {"*"}, "slug": {"eq." + slug}, "limit": {"1"}}
	resp, err := c.do(ctx, http.MethodGet, "articles", q, "", nil)
	if err != nil {
		return Article{}, err
	}
	return decodeOne[Article](resp)
}

type ArticleFilter struct {
	Category      string
	PublishedOnly bool
	Limit         int
	Offset        int
}

func (c *Client) ListArticles(ctx context.Context, filter ArticleFilter) ([]Article, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := url.Values{
		"select": {"*"},
		"order":  {"created_at.desc"},
		"limit":  {strconv.Itoa(limit)},
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	if filter.Category != "" {
		q.Set("metadata->>category", "eq."+filter.Category)
	}
	if filter.PublishedOnly {
		q.Set("published", "eq.true")
	}
	resp, err := c.do(ctx, http.MethodGet, "articles", q, "", nil)
	if err != nil {
		return nil, err
	}
	return decodeRows[Article](resp)
}

func (c *Client) ArticlesBySlugs(ctx context.Context, slugs []string) ([]Article, error) {
	q := url.Values{
		"select": {"*"},
		"slug":   {"in.(" + strings.Join(slugs, ",") + ")"},
	}
	resp, err := c.do(ctx, http.MethodGet, "articles", q, "", nil)
	if err != nil {
		return nil, err
	}
	return decodeRows[Article](resp)
}

// InsertArticle inserts and returns the created row. A duplicate slug
// surfaces as ErrConflict via the unique constraint, not a pre-check.
func (c *Client) InsertArticle(ctx context.Context, payload map[string]any) (Article, error) {
	resp, err := c.do(ctx, http.MethodPost, "articles", nil, preferRepresentation, payload)
	if err != nil {
		return Article{}, err
	}
	return decodeOne[Article](resp)
}

func (c *Client) UpdateArticleByID(ctx context.Context, id string, patch map[string]any) (Article, error) {
	q := url.Values{"id": {"eq." + id}}
	resp, err := c.do(ctx, http.MethodPatch, "articles", q, preferRepresentation, patch)
	if err != nil {
		return Article{}, err
	}
	return decodeOne[Article](resp)
}

func (c *Client) SearchArticles(ctx context.Context, query string, limit int) ([]Article, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	pattern := "*" + query + "*"
	q := url.Values{
		"select":    {"*"},
		"or":        {"(title.ilike." + pattern + ",body.ilike." + pattern + ")"},
		"published": {"eq.true"},
		"limit":     {strconv.Itoa(limit)},
	}
	resp, err := c.do(ctx, http.MethodGet, "articles", q, "", nil)
	if err != nil {
		return nil, err
	}
	return decodeRows[Article](resp)
}

func (c *Client) CountArticlesByCategory(ctx context.Context, category string) (int, error) {
	q := url.Values{
		"select":              {"id"},
		"metadata->>category": {"eq." + category},
		"limit":               {"1"},
	}
	resp, err := c.do(ctx, http.MethodGet, "articles", q, preferCountExact, nil)
	if err != nil {
		return 0, err
	}
	if _, err := decodeRows[Article](resp); err != nil {
		return 0, err
	}
	total := contentRangeTotal(resp)
	if total < 0 {
		return 0, fmt.Errorf("missing content-range total")
	}
	return total, nil
}

// --- edit proposals ---

func (c *Client) ListEditsByArticle(ctx context.Context, articleID string) ([]Edit, error) {
	q := url.Values{
		"select":     {"*"},
		"article_id": {"eq." + articleID},
		"order":      {"created_at.desc"},
	}
	resp, err := c.do(ctx, http.MethodGet, "article_edits", q, "", nil)
	if err != nil {
		return nil, err
	}
	return decodeRows[Edit](resp)
}

func (c *Client) GetEdit(ctx context.Context, id string) (Edit, error) {
	q := url.Values{"select": {"*"}, "id": {"eq." + id}, "limit": {"1"}}
	resp, err := c.do(ctx, http.MethodGet, "article_edits", q, "", nil)
	if err != nil {
		return Edit{}, err
	}
	return decodeOne[Edit](resp)
}

func (c *Client) InsertEdit(ctx context.Context, payload map[string]any) (Edit, error) {
	resp, err := c.do(ctx, http.MethodPost, "article_edits", nil, preferRepresentation, payload)
	if err != nil {
		return Edit{}, err
	}
	return decodeOne[Edit](resp)
}

// ApproveEditIfPending flips the approval flag, guarded by approved=eq.false
// so that a concurrent approval makes this a no-op rather than a double
// award. Returns false when the guard matched no row.
func (c *Client) ApproveEditIfPending(ctx context.Context, editID, reviewerFID string) (bool, error) {
	q := url.Values{
		"id":       {"eq." + editID},
		"approved": {"eq.false"},
	}
	patch := map[string]any{"approved": true, "reviewer_fid": reviewerFID}
	resp, err := c.do(ctx, http.MethodPatch, "article_edits", q, preferRepresentation, patch)
	if err != nil {
		return false, err
	}
	rows, err := decodeRows[Edit](resp)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// --- accounts ---

// GetAccount returns (nil, nil) when the FID has never been seen; errors
// mean the store itself failed, which callers must not treat as a denial.
func (c *Client) GetAccount(ctx context.Context, fid string) (*Account, error) {
	q := url.Values{"select": {"*"}, "fid": {"eq." + fid}, "limit": {"1"}}
	resp, err := c.do(ctx, http.MethodGet, "accounts", q, "", nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[Account](resp)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (c *Client) UpsertAccount(ctx context.Context, payload map[string]any) error {
	resp, err := c.do(ctx, http.MethodPost, "accounts", nil, preferUpsert, payload)
	if err != nil {
		return err
	}
	return drain(resp)
}

func (c *Client) ListAccounts(ctx context.Context, limit, offset int) ([]Account, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	q := url.Values{
		"select": {"fid,username,display_name,pfp_url,custody_address,verified_addresses,is_admin,is_reviewer,created_at"},
		"order":  {"created_at.desc"},
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	resp, err := c.do(ctx, http.MethodGet, "accounts", q, preferCountExact, nil)
	if err != nil {
		return nil, 0, err
	}
	rows, err := decodeRows[Account](resp)
	if err != nil {
		return nil, 0, err
	}
	return rows, contentRangeTotal(resp), nil
}

func (c *Client) SetAccountAdmin(ctx context.Context, fid string, isAdmin bool) error {
	return c.UpsertAccount(ctx, map[string]any{"fid": fid, "is_admin": isAdmin})
}

// --- likes / flags ---

// InsertLike returns false when the (article, user) pair already exists.
func (c *Client) InsertLike(ctx context.Context, articleID, userFID string) (bool, error) {
	return c.insertReaction(ctx, "likes", articleID, userFID)
}

func (c *Client) InsertFlag(ctx context.Context, articleID, userFID string) (bool, error) {
	return c.insertReaction(ctx, "flags", articleID, userFID)
}

func (c *Client) insertReaction(ctx context.Context, table, articleID, userFID string) (bool, error) {
	payload := map[string]any{"article_id": articleID, "user_fid": userFID}
	resp, err := c.do(ctx, http.MethodPost, table, nil, preferMinimal, payload)
	if err != nil {
		return false, err
	}
	if err := drain(resp); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IncrementFlagCount bumps articles.flag_count through a stored procedure;
// PostgREST has no atomic column increment on PATCH.
func (c *Client) IncrementFlagCount(ctx context.Context, articleID string) error {
	resp, err := c.do(ctx, http.MethodPost, "rpc/increment_article_flag_count", nil, "", map[string]any{"p_article_id": articleID})
	if err != nil {
		return err
	}
	return drain(resp)
}

func (c *Client) LikesForArticles(ctx context.Context, articleIDs []string) ([]Reaction, error) {
	return c.reactionsFor(ctx, "likes", articleIDs)
}

func (c *Client) FlagsForArticles(ctx context.Context, articleIDs []string) ([]Reaction, error) {
	return c.reactionsFor(ctx, "flags", articleIDs)
}

func (c *Client) reactionsFor(ctx context.Context, table string, articleIDs []string) ([]Reaction, error) {
	q := url.Values{
		"select":     {"article_id"},
		"article_id": {"in.(" + strings.Join(articleIDs, ",") + ")"},
		"limit":      {"10000"},
	}
	resp, err := c.do(ctx, http.MethodGet, table, q, "", nil)
	if err != nil {
		return nil, err
	}
	return decodeRows[Reaction](resp)
}

// --- contributions ledger ---

func (c *Client) InsertContribution(ctx context.Context, contribution Contribution) error {
	payload := map[string]any{
		"fid":         contribution.FID,
		"source_type": contribution.SourceType,
		"points":      contribution.Points,
		"reason":      contribution.Reason,
	}
	if contribution.SourceID != "" {
		payload["source_id"] = contribution.SourceID
	}
	resp, err := c.do(ctx, http.MethodPost, "contributions", nil, preferMinimal, payload)
	if err != nil {
		return err
	}
	return drain(resp)
}

func (c *Client) ListContributions(ctx context.Context, fid string, limit int) ([]Contribution, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	q := url.Values{
		"select": {"id,source_type,source_id,points,reason,created_at"},
		"fid":    {"eq." + fid},
		"order":  {"created_at.desc"},
		"limit":  {strconv.Itoa(limit)},
	}
	resp, err := c.do(ctx, http.MethodGet, "contributions", q, "", nil)
	if err != nil {
		return nil, err
	}
	return decodeRows[Contribution](resp)
}

const contributionsPageSize = 1000

// AllContributionTotals walks the whole ledger and sums points per FID.
// Used by the recompute job.
func (c *Client) AllContributionTotals(ctx context.Context) (map[string]int, error) {
	totals := make(map[string]int)
	for offset := 0; ; offset += contributionsPageSize {
		q := url.Values{
			"select": {"fid,points"},
			"order":  {"id.asc"},
			"limit":  {strconv.Itoa(contributionsPageSize)},
			"offset": {strconv.Itoa(offset)},
		}
		resp, err := c.do(ctx, http.MethodGet, "contributions", q, "", nil)
		if err != nil {
			return nil, err
		}
		rows, err := decodeRows[Contribution](resp)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			totals[row.FID] += row.Points
		}
		if len(rows) < contributionsPageSize {
			return totals, nil
		}
	}
}

// --- user_points aggregate ---

func (c *Client) GetUserPoints(ctx context.Context, fid string) (*UserPoints, error) {
	q := url.Values{"select": {"fid,total_points,last_updated"}, "fid": {"eq." + fid}, "limit": {"1"}}
	resp, err := c.do(ctx, http.MethodGet, "user_points", q, "", nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[UserPoints](resp)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// UpdateUserPointsTotal patches an existing aggregate row; returns false
// when no row exists so the caller can insert instead.
func (c *Client) UpdateUserPointsTotal(ctx context.Context, fid string, total int, lastUpdated time.Time) (bool, error) {
	q := url.Values{"fid": {"eq." + fid}}
	patch := map[string]any{
		"total_points": total,
		"last_updated": lastUpdated.UTC().Format(time.RFC3339),
	}
	resp, err := c.do(ctx, http.MethodPatch, "user_points", q, preferRepresentation, patch)
	if err != nil {
		return false, err
	}
	rows, err := decodeRows[UserPoints](resp)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (c *Client) InsertUserPoints(ctx context.Context, fid string, total int, lastUpdated time.Time) error {
	payload := map[string]any{
		"fid":          fid,
		"total_points": total,
		"last_updated": lastUpdated.UTC().Format(time.RFC3339),
	}
	resp, err := c.do(ctx, http.MethodPost, "user_points", nil, preferMinimal, payload)
	if err != nil {
		return err
	}
	return drain(resp)
}

// UpsertUserPoints overwrites the aggregate; only the recompute job, which
// derives the value from the full ledger, may use it.
func (c *Client) UpsertUserPoints(ctx context.Context, fid string, total int, lastUpdated time.Time) error {
	payload := map[string]any{
		"fid":          fid,
		"total_points": total,
		"last_updated": lastUpdated.UTC().Format(time.RFC3339),
	}
	resp, err := c.do(ctx, http.MethodPost, "user_points", nil, preferUpsert, payload)
	if err != nil {
		return err
	}
	return drain(resp)
}

// --- webhook events ---

func (c *Client) InsertWebhookEvent(ctx context.Context, eventType string, payload, headers any, verified bool) (WebhookEvent, error) {
	body := map[string]any{
		"event_type": eventType,
		"payload":    payload,
		"headers":    headers,
		"verified":   verified,
	}
	resp, err := c.do(ctx, http.MethodPost, "webhook_events", nil, preferRepresentation, body)
	if err != nil {
		return WebhookEvent{}, err
	}
	return decodeOne[WebhookEvent](resp)
}

func (c *Client) ListWebhookEvents(ctx context.Context, eventType string, limit, offset int) ([]WebhookEvent, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	q := url.Values{
		"select": {"*"},
		"order":  {"received_at.desc"},
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	if eventType != "" {
		q.Set("event_type", "eq."+eventType)
	}
	resp, err := c.do(ctx, http.MethodGet, "webhook_events", q, preferCountExact, nil)
	if err != nil {
		return nil, 0, err
	}
	rows, err := decodeRows[WebhookEvent](resp)
	if err != nil {
		return nil, 0, err
	}
	return rows, contentRangeTotal(resp), nil
}
