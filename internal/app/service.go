package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"farpedia/api/internal/auth"
	"farpedia/api/internal/neynar"
	"farpedia/api/internal/points"
	"farpedia/api/internal/rbac"
	"farpedia/api/internal/search"
	"farpedia/api/internal/store"
	"farpedia/api/internal/util"
)

// dataStore is the persistence surface the service needs. *store.Client
// satisfies it; tests swap in a fake.
type dataStore interface {
	Ping(ctx context.Context) error

	GetArticleBySlug(ctx context.Context, slug string) (store.Article, error)
	ListArticles(ctx context.Context, filter store.ArticleFilter) ([]store.Article, error)
	ArticlesBySlugs(ctx context.Context, slugs []string) ([]store.Article, error)
	InsertArticle(ctx context.Context, payload map[string]any) (store.Article, error)
	UpdateArticleByID(ctx context.Context, id string, patch map[string]any) (store.Article, error)
	CountArticlesByCategory(ctx context.Context, category string) (int, error)

	ListEditsByArticle(ctx context.Context, articleID string) ([]store.Edit, error)
	GetEdit(ctx context.Context, id string) (store.Edit, error)
	InsertEdit(ctx context.Context, payload map[string]any) (store.Edit, error)
	ApproveEditIfPending(ctx context.Context, editID, reviewerFID string) (bool, error)

	GetAccount(ctx context.Context, fid string) (*store.Account, error)
	UpsertAccount(ctx context.Context, payload map[string]any) error
	ListAccounts(ctx context.Context, limit, offset int) ([]store.Account, int, error)
	SetAccountAdmin(ctx context.Context, fid string, isAdmin bool) error

	InsertLike(ctx context.Context, articleID, userFID string) (bool, error)
	InsertFlag(ctx context.Context, articleID, userFID string) (bool, error)
	IncrementFlagCount(ctx context.Context, articleID string) error
	LikesForArticles(ctx context.Context, articleIDs []string) ([]store.Reaction, error)
	FlagsForArticles(ctx context.Context, articleIDs []string) ([]store.Reaction, error)

	ListContributions(ctx context.Context, fid string, limit int) ([]store.Contribution, error)
	AllContributionTotals(ctx context.Context) (map[string]int, error)

	InsertWebhookEvent(ctx context.Context, eventType string, payload, headers any, verified bool) (store.WebhookEvent, error)
	ListWebhookEvents(ctx context.Context, eventType string, limit, offset int) ([]store.WebhookEvent, int, error)
}

type identityVerifier interface {
	Verify(ctx context.Context, token, domain string) (string, error)
}

type reputationProvider interface {
	User(ctx context.Context, fid string) (*neynar.User, error)
	Score(ctx context.Context, fid string) (float64, error)
}

type pointsLedger interface {
	Award(ctx context.Context, fid, sourceType, sourceID string, amount int, reason string) error
	Note(ctx context.Context, fid, sourceType, sourceID, reason string) error
	Total(ctx context.Context, fid string) (int, error)
}

type articleSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexArticle(a store.Article)
}

type profileCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

type Options struct {
	AdminFIDs             []string
	TrustedFIDs           []string
	AutoAdminMinFollowers int
	MinScore              float64
	PointsInitial         int
	PointsEdit            int
	PointsReview          int
	PointsLike            int
}

type Service struct {
	store    dataStore
	verifier identityVerifier
	rep      reputationProvider
	points   pointsLedger
	search   articleSearch
	cache    profileCache
	opts     Options
	now      func() time.Time
}

// NewService wires the service. search and cache may be nil; the endpoints
// that use them degrade to store reads.
func NewService(ds dataStore, verifier identityVerifier, rep reputationProvider, ledger pointsLedger, searchSvc articleSearch, cache profileCache, opts Options) *Service {
	if opts.AutoAdminMinFollowers <= 0 {
		opts.AutoAdminMinFollowers = 100000
	}
	return &Service{
		store:    ds,
		verifier: verifier,
		rep:      rep,
		points:   ledger,
		search:   searchSvc,
		cache:    cache,
		opts:     opts,
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// FIDFromToken validates a session token against the given domain and
// returns the caller's fid.
func (s *Service) FIDFromToken(ctx context.Context, token, domain string) (string, error) {
	fid, err := s.verifier.Verify(ctx, token, domain)
	if err != nil {
		if errors.Is(err, auth.ErrKeysUnavailable) {
			return "", domainError(http.StatusBadGateway, "UPSTREAM_ERROR", "Auth key set unavailable", nil)
		}
		return "", domainError(http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token", nil)
	}
	return fid, nil
}

// Authenticate validates the token, refreshes the caller's account from the
// identity provider and returns the session payload. Provider outages leave
// the stored account untouched rather than failing the sign-in.
func (s *Service) Authenticate(ctx context.Context, token, domain string) (map[string]any, error) {
	fid, err := s.FIDFromToken(ctx, token, domain)
	if err != nil {
		return nil, err
	}

	var profile *neynar.User
	if p, err := s.rep.User(ctx, fid); err != nil {
		log.Printf("auth: profile lookup for %s: %v", fid, err)
	} else {
		profile = p
	}

	existing, err := s.store.GetAccount(ctx, fid)
	if err != nil {
		log.Printf("auth: account lookup for %s: %v", fid, err)
		existing = nil
	}

	isAdmin := s.grantsAdmin(fid, existing, profile)
	isReviewer := existing != nil && existing.IsReviewer

	payload := map[string]any{
		"fid":         fid,
		"is_admin":    isAdmin,
		"is_reviewer": isReviewer,
	}
	username, displayName, pfpURL := "", "", ""
	if profile != nil {
		username, displayName, pfpURL = profile.Username, profile.DisplayName, profile.PfpURL
		payload["username"] = profile.Username
		payload["display_name"] = profile.DisplayName
		payload["pfp_url"] = profile.PfpURL
		payload["custody_address"] = profile.CustodyAddress
		payload["verified_addresses"] = profile.VerifiedAddresses
	} else if existing != nil {
		username, displayName, pfpURL = existing.Username, existing.DisplayName, existing.PfpURL
	}
	if err := s.store.UpsertAccount(ctx, payload); err != nil {
		log.Printf("auth: upsert account %s: %v", fid, err)
	}

	total, err := s.points.Total(ctx, fid)
	if err != nil {
		log.Printf("auth: points total for %s: %v", fid, err)
	}

	return map[string]any{
		"fid":         fid,
		"username":    username,
		"displayName": displayName,
		"pfpUrl":      pfpURL,
		"isAdmin":     isAdmin,
		"isReviewer":  isReviewer,
		"points":      total,
	}, nil
}

// grantsAdmin applies the standing allow-list, any previously stored grant,
// and the follower-count heuristic for verified-active accounts.
func (s *Service) grantsAdmin(fid string, existing *store.Account, profile *neynar.User) bool {
	if listed(s.opts.AdminFIDs, fid) {
		return true
	}
	if existing != nil && existing.IsAdmin {
		return true
	}
	if profile == nil || profile.ActiveStatus != "active:2" {
		return false
	}
	return profile.FollowerCount >= s.opts.AutoAdminMinFollowers || listed(s.opts.TrustedFIDs, fid)
}

func listed(list []string, fid string) bool {
	for _, v := range list {
		if v == fid {
			return true
		}
	}
	return false
}

// --- articles ---

type CreateArticleInput struct {
	Title     string
	Slug      string
	Body      string
	Category  string
	SourceURL string
	Metadata  map[string]any
}

func (s *Service) CreateArticle(ctx context.Context, actorFID string, in CreateArticleInput) (store.Article, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return store.Article{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	slug := strings.TrimSpace(in.Slug)
	if slug == "" {
		slug = util.Slugify(title)
	}
	if !util.ValidSlug(slug) {
		return store.Article{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slug must be lowercase letters, digits and hyphens", nil)
	}

	if _, err := s.store.GetArticleBySlug(ctx, slug); err == nil {
		return store.Article{}, domainError(http.StatusConflict, "SLUG_TAKEN", "An article with this slug already exists", nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Article{}, err
	}

	var score float64
	var scored bool
	if !s.isListedOrStoredAdmin(ctx, actorFID) {
		score, scored = s.creatorScore(ctx, actorFID)
		if !(score > s.opts.MinScore) {
			return store.Article{}, domainError(http.StatusForbidden, "QUALITY_TOO_LOW", "Account quality score too low to create articles",
				map[string]any{"score": score, "threshold": s.opts.MinScore})
		}
	}

	metadata := map[string]any{}
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	if in.Category != "" {
		metadata["category"] = in.Category
	}
	if in.SourceURL != "" {
		metadata["source_url"] = in.SourceURL
	}

	payload := map[string]any{
		"slug":       slug,
		"title":      title,
		"body":       in.Body,
		"author_fid": actorFID,
		"metadata":   metadata,
		"published":  false,
		"vetted":     false,
		"flag_count": 0,
	}
	if scored {
		payload["neynar_score"] = score
	}

	article, err := s.store.InsertArticle(ctx, payload)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Article{}, domainError(http.StatusConflict, "SLUG_TAKEN", "An article with this slug already exists", nil)
		}
		return store.Article{}, err
	}
	return article, nil
}

// creatorScore returns the admission score, zero when the provider gave no
// usable signal. The gate fails closed on outages.
func (s *Service) creatorScore(ctx context.Context, fid string) (float64, bool) {
	score, err := s.rep.Score(ctx, fid)
	if err != nil {
		log.Printf("articles: score lookup for %s: %v", fid, err)
		return 0, false
	}
	return score, true
}

func (s *Service) isListedOrStoredAdmin(ctx context.Context, fid string) bool {
	if listed(s.opts.AdminFIDs, fid) {
		return true
	}
	account, err := s.store.GetAccount(ctx, fid)
	if err != nil || account == nil {
		return false
	}
	return account.IsAdmin
}

func (s *Service) ArticleBySlug(ctx context.Context, slug string) (map[string]any, error) {
	article, err := s.store.GetArticleBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	likes := 0
	if reactions, err := s.store.LikesForArticles(ctx, []string{article.ID}); err != nil {
		log.Printf("articles: likes for %s: %v", article.ID, err)
	} else {
		likes = len(reactions)
	}

	return map[string]any{"article": article, "likes": likes}, nil
}

func (s *Service) ListArticles(ctx context.Context, filter store.ArticleFilter, slugs []string) (map[string]any, error) {
	var (
		articles []store.Article
		err      error
	)
	if len(slugs) > 0 {
		articles, err = s.store.ArticlesBySlugs(ctx, slugs)
	} else {
		articles, err = s.store.ListArticles(ctx, filter)
	}
	if err != nil {
		return nil, err
	}
	if articles == nil {
		articles = []store.Article{}
	}
	return map[string]any{"articles": articles}, nil
}

func (s *Service) CheckSlug(ctx context.Context, slug string) (map[string]any, error) {
	if !util.ValidSlug(slug) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slug must be lowercase letters, digits and hyphens", map[string]any{"slug": slug})
	}
	_, err := s.store.GetArticleBySlug(ctx, slug)
	if err == nil {
		return nil, domainError(http.StatusConflict, "SLUG_TAKEN", "an article with this slug already exists", map[string]any{"slug": slug})
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return map[string]any{"slug": slug, "available": true}, nil
}

func (s *Service) SearchArticles(ctx context.Context, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

// SlugCounts returns like and flag tallies for a batch of slugs in two
// batched reads instead of one round trip per article.
func (s *Service) SlugCounts(ctx context.Context, slugs []string) (map[string]any, error) {
	if len(slugs) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slugs is required", nil)
	}
	articles, err := s.store.ArticlesBySlugs(ctx, slugs)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(articles))
	slugByID := make(map[string]string, len(articles))
	for _, a := range articles {
		ids = append(ids, a.ID)
		slugByID[a.ID] = a.Slug
	}

	likes := map[string]int{}
	if reactions, err := s.store.LikesForArticles(ctx, ids); err != nil {
		log.Printf("counts: likes: %v", err)
	} else {
		for _, r := range reactions {
			likes[r.ArticleID]++
		}
	}
	flags := map[string]int{}
	if reactions, err := s.store.FlagsForArticles(ctx, ids); err != nil {
		log.Printf("counts: flags: %v", err)
	} else {
		for _, r := range reactions {
			flags[r.ArticleID]++
		}
	}

	counts := make(map[string]any, len(articles))
	for _, a := range articles {
		counts[a.Slug] = map[string]int{
			"likes": likes[a.ID],
			"flags": flags[a.ID],
		}
	}
	return map[string]any{"counts": counts}, nil
}

// ExploreCounts returns published article counts per category for the
// explore surface.
func (s *Service) ExploreCounts(ctx context.Context, categories []string) (map[string]any, error) {
	if len(categories) == 0 {
		categories = []string{"token", "project"}
	}
	counts := make(map[string]int, len(categories))
	for _, category := range categories {
		n, err := s.store.CountArticlesByCategory(ctx, category)
		if err != nil {
			return nil, err
		}
		counts[category] = n
	}
	return map[string]any{"counts": counts}, nil
}

// --- edits ---

type ProposeEditInput struct {
	Body    string
	Title   string
	Summary string
}

func (s *Service) ProposeEdit(ctx context.Context, actorFID, slug string, in ProposeEditInput) (store.Edit, error) {
	if strings.TrimSpace(in.Body) == "" {
		return store.Edit{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	article, err := s.store.GetArticleBySlug(ctx, slug)
	if err != nil {
		return store.Edit{}, err
	}

	edit, err := s.store.InsertEdit(ctx, map[string]any{
		"article_id": article.ID,
		"author_fid": actorFID,
		"body":       in.Body,
		"title":      strings.TrimSpace(in.Title),
		"summary":    strings.TrimSpace(in.Summary),
		"approved":   false,
	})
	if err != nil {
		return store.Edit{}, err
	}
	return edit, nil
}

func (s *Service) ListEdits(ctx context.Context, slug string, pendingOnly bool) (map[string]any, error) {
	article, err := s.store.GetArticleBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	edits, err := s.store.ListEditsByArticle(ctx, article.ID)
	if err != nil {
		return nil, err
	}
	if pendingOnly {
		pending := make([]store.Edit, 0, len(edits))
		for _, e := range edits {
			if !e.Approved {
				pending = append(pending, e)
			}
		}
		edits = pending
	}
	if edits == nil {
		edits = []store.Edit{}
	}
	return map[string]any{"edits": edits}, nil
}

// ApproveEdit applies a pending proposal to its article and awards
// contribution points. Approving is allowed for the article's author,
// fids on the standing allow-list, and accounts holding the admin or
// reviewer flag. A second approval of the same proposal is a conflict and
// awards nothing.
func (s *Service) ApproveEdit(ctx context.Context, actorFID, slug, editID string) (map[string]any, error) {
	article, err := s.store.GetArticleBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	edit, err := s.store.GetEdit(ctx, editID)
	if err != nil {
		return nil, err
	}
	if edit.ArticleID != article.ID {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Edit does not belong to this article", nil)
	}
	if edit.Approved {
		return nil, domainError(http.StatusConflict, "ALREADY_APPROVED", "Edit already approved", nil)
	}

	allowed, decided := rbac.SelfOrListed(actorFID, article.AuthorFID, s.opts.AdminFIDs)
	if decided {
		if !allowed {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Not allowed to approve this edit", nil)
		}
	} else {
		account, err := s.store.GetAccount(ctx, actorFID)
		if err != nil {
			// A flaky role lookup must read as an outage, not a denial.
			return nil, domainError(http.StatusBadGateway, "UPSTREAM_ERROR", "Account lookup failed", nil)
		}
		if !rbac.HasRole(rbacAccount(account)) {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Not allowed to approve this edit", nil)
		}
	}

	firstApproval := !article.Published
	patch := map[string]any{"body": edit.Body}
	if strings.TrimSpace(edit.Title) != "" {
		patch["title"] = edit.Title
	}
	if firstApproval {
		now := s.now().UTC()
		patch["published"] = true
		patch["vetted"] = true
		patch["published_at"] = now.Format(time.RFC3339)
	}
	updated, err := s.store.UpdateArticleByID(ctx, article.ID, patch)
	if err != nil {
		return nil, err
	}

	won, err := s.store.ApproveEditIfPending(ctx, editID, actorFID)
	if err != nil {
		return nil, err
	}
	if !won {
		// Lost the race; the winner's approval already carried the points.
		return nil, domainError(http.StatusConflict, "ALREADY_APPROVED", "Edit already approved", nil)
	}

	awarded := map[string]int{}
	if firstApproval {
		s.award(ctx, edit.AuthorFID, points.SourceArticle, article.ID, s.opts.PointsInitial, "article published")
		awarded[edit.AuthorFID] += s.opts.PointsInitial
	} else {
		s.award(ctx, edit.AuthorFID, points.SourceEdit, edit.ID, s.opts.PointsEdit, "edit approved")
		awarded[edit.AuthorFID] += s.opts.PointsEdit
	}
	if actorFID != edit.AuthorFID {
		s.award(ctx, actorFID, points.SourceReview, edit.ID, s.opts.PointsReview, "edit reviewed")
		awarded[actorFID] += s.opts.PointsReview
	}

	if s.search != nil {
		s.search.IndexArticle(updated)
	}

	edit.Approved = true
	edit.ReviewerFID = actorFID
	return map[string]any{
		"edit":          edit,
		"article":       updated,
		"pointsAwarded": awarded,
	}, nil
}

// award writes to the ledger and logs rather than failing the request: an
// approval that committed stays committed, and recompute repairs aggregates.
func (s *Service) award(ctx context.Context, fid, sourceType, sourceID string, amount int, reason string) {
	err := s.points.Award(ctx, fid, sourceType, sourceID, amount, reason)
	if err == nil {
		return
	}
	var aggErr *points.AggregateError
	if errors.As(err, &aggErr) {
		log.Printf("points: aggregate lagging for %s: %v", fid, err)
		return
	}
	log.Printf("points: award %d to %s (%s %s): %v", amount, fid, sourceType, sourceID, err)
}

func rbacAccount(account *store.Account) *rbac.Account {
	if account == nil {
		return nil
	}
	return &rbac.Account{FID: account.FID, IsAdmin: account.IsAdmin, IsReviewer: account.IsReviewer}
}

// --- reactions ---

func (s *Service) Like(ctx context.Context, actorFID, slug string) (map[string]any, error) {
	article, err := s.store.GetArticleBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	created, err := s.store.InsertLike(ctx, article.ID, actorFID)
	if err != nil {
		return nil, err
	}
	if created && article.AuthorFID != actorFID {
		s.award(ctx, article.AuthorFID, points.SourceLike, article.ID, s.opts.PointsLike, "article liked")
	}
	return map[string]any{"liked": true, "duplicate": !created}, nil
}

func (s *Service) Flag(ctx context.Context, actorFID, slug string) (map[string]any, error) {
	article, err := s.store.GetArticleBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	created, err := s.store.InsertFlag(ctx, article.ID, actorFID)
	if err != nil {
		return nil, err
	}
	if created {
		if err := s.store.IncrementFlagCount(ctx, article.ID); err != nil {
			log.Printf("flags: increment count for %s: %v", article.ID, err)
		}
		if err := s.points.Note(ctx, actorFID, points.SourceFlag, article.ID, "article flagged"); err != nil {
			log.Printf("flags: ledger note for %s: %v", article.ID, err)
		}
	}
	return map[string]any{"flagged": true, "duplicate": !created}, nil
}
