package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"farpedia/api/internal/neynar"
	"farpedia/api/internal/points"
	"farpedia/api/internal/store"
)

type fakeStore struct {
	ping                  func(ctx context.Context) error
	getArticleBySlug      func(ctx context.Context, slug string) (store.Article, error)
	listArticles          func(ctx context.Context, filter store.ArticleFilter) ([]store.Article, error)
	articlesBySlugs       func(ctx context.Context, slugs []string) ([]store.Article, error)
	insertArticle         func(ctx context.Context, payload map[string]any) (store.Article, error)
	updateArticleByID     func(ctx context.Context, id string, patch map[string]any) (store.Article, error)
	countArticlesByCat    func(ctx context.Context, category string) (int, error)
	listEditsByArticle    func(ctx context.Context, articleID string) ([]store.Edit, error)
	getEdit               func(ctx context.Context, id string) (store.Edit, error)
	insertEdit            func(ctx context.Context, payload map[string]any) (store.Edit, error)
	approveEditIfPending  func(ctx context.Context, editID, reviewerFID string) (bool, error)
	getAccount            func(ctx context.Context, fid string) (*store.Account, error)
	upsertAccount         func(ctx context.Context, payload map[string]any) error
	listAccounts          func(ctx context.Context, limit, offset int) ([]store.Account, int, error)
	setAccountAdmin       func(ctx context.Context, fid string, isAdmin bool) error
	insertLike            func(ctx context.Context, articleID, userFID string) (bool, error)
	insertFlag            func(ctx context.Context, articleID, userFID string) (bool, error)
	incrementFlagCount    func(ctx context.Context, articleID string) error
	likesForArticles      func(ctx context.Context, articleIDs []string) ([]store.Reaction, error)
	flagsForArticles      func(ctx context.Context, articleIDs []string) ([]store.Reaction, error)
	listContributions     func(ctx context.Context, fid string, limit int) ([]store.Contribution, error)
	allContributionTotals func(ctx context.Context) (map[string]int, error)
	insertWebhookEvent    func(ctx context.Context, eventType string, payload, headers any, verified bool) (store.WebhookEvent, error)
	listWebhookEvents     func(ctx context.Context, eventType string, limit, offset int) ([]store.WebhookEvent, int, error)
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.ping(ctx) }
func (f *fakeStore) GetArticleBySlug(ctx context.Context, slug string) (store.Article, error) {
	return f.getArticleBySlug(ctx, slug)
}
func (f *fakeStore) ListArticles(ctx context.Context, filter store.ArticleFilter) ([]store.Article, error) {
	return f.listArticles(ctx, filter)
}
func (f *fakeStore) ArticlesBySlugs(ctx context.Context, slugs []string) ([]store.Article, error) {
	return f.articlesBySlugs(ctx, slugs)
}
func (f *fakeStore) InsertArticle(ctx context.Context, payload map[string]any) (store.Article, error) {
	return f.insertArticle(ctx, payload)
}
func (f *fakeStore) UpdateArticleByID(ctx context.Context, id string, patch map[string]any) (store.Article, error) {
	return f.updateArticleByID(ctx, id, patch)
}
func (f *fakeStore) CountArticlesByCategory(ctx context.Context, category string) (int, error) {
	return f.countArticlesByCat(ctx, category)
}
func (f *fakeStore) ListEditsByArticle(ctx context.Context, articleID string) ([]store.Edit, error) {
	return f.listEditsByArticle(ctx, articleID)
}
func (f *fakeStore) GetEdit(ctx context.Context, id string) (store.Edit, error) {
	return f.getEdit(ctx, id)
}
func (f *fakeStore) InsertEdit(ctx context.Context, payload map[string]any) (store.Edit, error) {
	return f.insertEdit(ctx, payload)
}
func (f *fakeStore) ApproveEditIfPending(ctx context.Context, editID, reviewerFID string) (bool, error) {
	return f.approveEditIfPending(ctx, editID, reviewerFID)
}
func (f *fakeStore) GetAccount(ctx context.Context, fid string) (*store.Account, error) {
	return f.getAccount(ctx, fid)
}
func (f *fakeStore) UpsertAccount(ctx context.Context, payload map[string]any) error {
	return f.upsertAccount(ctx, payload)
}
func (f *fakeStore) ListAccounts(ctx context.Context, limit, offset int) ([]store.Account, int, error) {
	return f.listAccounts(ctx, limit, offset)
}
func (f *fakeStore) SetAccountAdmin(ctx context.Context, fid string, isAdmin bool) error {
	return f.setAccountAdmin(ctx, fid, isAdmin)
}
func (f *fakeStore) InsertLike(ctx context.Context, articleID, userFID string) (bool, error) {
	return f.insertLike(ctx, articleID, userFID)
}
func (f *fakeStore) InsertFlag(ctx context.Context, articleID, userFID string) (bool, error) {
	return f.insertFlag(ctx, articleID, userFID)
}
func (f *fakeStore) IncrementFlagCount(ctx context.Context, articleID string) error {
	return f.incrementFlagCount(ctx, articleID)
}
func (f *fakeStore) LikesForArticles(ctx context.Context, articleIDs []string) ([]store.Reaction, error) {
	return f.likesForArticles(ctx, articleIDs)
}
func (f *fakeStore) FlagsForArticles(ctx context.Context, articleIDs []string) ([]store.Reaction, error) {
	return f.flagsForArticles(ctx, articleIDs)
}
func (f *fakeStore) ListContributions(ctx context.Context, fid string, limit int) ([]store.Contribution, error) {
	return f.listContributions(ctx, fid, limit)
}
func (f *fakeStore) AllContributionTotals(ctx context.Context) (map[string]int, error) {
	return f.allContributionTotals(ctx)
}
func (f *fakeStore) InsertWebhookEvent(ctx context.Context, eventType string, payload, headers any, verified bool) (store.WebhookEvent, error) {
	return f.insertWebhookEvent(ctx, eventType, payload, headers, verified)
}
func (f *fakeStore) ListWebhookEvents(ctx context.Context, eventType string, limit, offset int) ([]store.WebhookEvent, int, error) {
	return f.listWebhookEvents(ctx, eventType, limit, offset)
}

type fakeVerifier struct {
	verify func(ctx context.Context, token, domain string) (string, error)
}

func (f *fakeVerifier) Verify(ctx context.Context, token, domain string) (string, error) {
	return f.verify(ctx, token, domain)
}

type fakeRep struct {
	user  func(ctx context.Context, fid string) (*neynar.User, error)
	score func(ctx context.Context, fid string) (float64, error)
}

func (f *fakeRep) User(ctx context.Context, fid string) (*neynar.User, error) {
	return f.user(ctx, fid)
}
func (f *fakeRep) Score(ctx context.Context, fid string) (float64, error) {
	return f.score(ctx, fid)
}

type fakePoints struct {
	award func(ctx context.Context, fid, sourceType, sourceID string, amount int, reason string) error
	note  func(ctx context.Context, fid, sourceType, sourceID, reason string) error
	total func(ctx context.Context, fid string) (int, error)
}

func (f *fakePoints) Award(ctx context.Context, fid, sourceType, sourceID string, amount int, reason string) error {
	return f.award(ctx, fid, sourceType, sourceID, amount, reason)
}
func (f *fakePoints) Note(ctx context.Context, fid, sourceType, sourceID, reason string) error {
	if f.note == nil {
		return nil
	}
	return f.note(ctx, fid, sourceType, sourceID, reason)
}
func (f *fakePoints) Total(ctx context.Context, fid string) (int, error) {
	return f.total(ctx, fid)
}

type awardRecord struct {
	fid        string
	sourceType string
	amount     int
}

func recordingPoints(records *[]awardRecord) *fakePoints {
	return &fakePoints{
		award: func(_ context.Context, fid, sourceType, _ string, amount int, _ string) error {
			*records = append(*records, awardRecord{fid: fid, sourceType: sourceType, amount: amount})
			return nil
		},
		total: func(_ context.Context, _ string) (int, error) { return 0, nil },
	}
}

func testOptions() Options {
	return Options{
		AdminFIDs:             []string{"999"},
		MinScore:              0.5,
		AutoAdminMinFollowers: 100000,
		PointsInitial:         50,
		PointsEdit:            10,
		PointsReview:          5,
		PointsLike:            1,
	}
}

func newTestService(ds dataStore, ledger pointsLedger) *Service {
	rep := &fakeRep{
		user:  func(_ context.Context, _ string) (*neynar.User, error) { return nil, neynar.ErrNoProfile },
		score: func(_ context.Context, _ string) (float64, error) { return 0, nil },
	}
	svc := NewService(ds, nil, rep, ledger, nil, nil, testOptions())
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func wantDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("err = %v, want DomainError", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("got %d %s, want %d %s", domainErr.Status, domainErr.Code, status, code)
	}
	return domainErr
}

// --- ApproveEdit ---

// approveFixture models the common case: "200" proposed an edit on an
// article owned by "100".
func approveFixture(records *[]awardRecord) (*fakeStore, *Service) {
	pendingEdit := store.Edit{ID: "edit-1", ArticleID: "art-1", AuthorFID: "200", Body: "revised body", Title: "Revised"}
	article := store.Article{ID: "art-1", Slug: "solar", Title: "Solar", Body: "old body", AuthorFID: "100", Published: true}

	ds := &fakeStore{
		getEdit: func(_ context.Context, id string) (store.Edit, error) {
			if id != "edit-1" {
				return store.Edit{}, store.ErrNotFound
			}
			return pendingEdit, nil
		},
		getArticleBySlug: func(_ context.Context, slug string) (store.Article, error) {
			if slug != "solar" {
				return store.Article{}, store.ErrNotFound
			}
			return article, nil
		},
		updateArticleByID: func(_ context.Context, _ string, patch map[string]any) (store.Article, error) {
			updated := article
			if body, ok := patch["body"].(string); ok {
				updated.Body = body
			}
			if title, ok := patch["title"].(string); ok {
				updated.Title = title
			}
			if published, ok := patch["published"].(bool); ok {
				updated.Published = published
			}
			return updated, nil
		},
		approveEditIfPending: func(_ context.Context, _, _ string) (bool, error) { return true, nil },
		getAccount:           func(_ context.Context, _ string) (*store.Account, error) { return nil, nil },
	}
	return ds, newTestService(ds, recordingPoints(records))
}

func TestApproveEditByArticleAuthor(t *testing.T) {
	var records []awardRecord
	ds, svc := approveFixture(&records)
	// The article owner approves without consulting stored roles.
	ds.getAccount = func(_ context.Context, _ string) (*store.Account, error) {
		t.Fatal("account lookup not expected for the article author")
		return nil, nil
	}

	payload, err := svc.ApproveEdit(context.Background(), "100", "solar", "edit-1")
	if err != nil {
		t.Fatalf("ApproveEdit: %v", err)
	}

	article := payload["article"].(store.Article)
	if article.Body != "revised body" || article.Title != "Revised" {
		t.Fatalf("article not updated: %+v", article)
	}
	if len(records) != 2 {
		t.Fatalf("awards = %+v, want proposer and approver", records)
	}
	if records[0].fid != "200" || records[0].amount != 10 {
		t.Fatalf("proposer award = %+v, want 10 points to 200", records[0])
	}
	if records[1].fid != "100" || records[1].amount != 5 {
		t.Fatalf("approver award = %+v, want 5 points to 100", records[1])
	}
}

func TestApproveEditProposerNeedsRole(t *testing.T) {
	var records []awardRecord
	ds, svc := approveFixture(&records)
	svc.opts.AdminFIDs = nil
	ds.getAccount = func(_ context.Context, _ string) (*store.Account, error) {
		return &store.Account{FID: "200"}, nil
	}

	// "200" proposed the edit but does not own the article; proposing
	// grants no approval rights.
	_, err := svc.ApproveEdit(context.Background(), "200", "solar", "edit-1")
	wantDomainError(t, err, 403, "FORBIDDEN")
	if len(records) != 0 {
		t.Fatalf("awards = %+v, want none", records)
	}
}

func TestApproveEditByReviewerAwardsBoth(t *testing.T) {
	var records []awardRecord
	ds, svc := approveFixture(&records)
	svc.opts.AdminFIDs = nil
	ds.getAccount = func(_ context.Context, fid string) (*store.Account, error) {
		if fid != "300" {
			t.Fatalf("account lookup for %s", fid)
		}
		return &store.Account{FID: "300", IsReviewer: true}, nil
	}

	if _, err := svc.ApproveEdit(context.Background(), "300", "solar", "edit-1"); err != nil {
		t.Fatalf("ApproveEdit: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("awards = %+v, want author and reviewer", records)
	}
	if records[0].fid != "200" || records[0].amount != 10 {
		t.Fatalf("author award = %+v", records[0])
	}
	if records[1].fid != "300" || records[1].amount != 5 {
		t.Fatalf("reviewer award = %+v", records[1])
	}
}

func TestApproveEditForbiddenWithoutRole(t *testing.T) {
	var records []awardRecord
	ds, svc := approveFixture(&records)
	svc.opts.AdminFIDs = nil
	ds.getAccount = func(_ context.Context, _ string) (*store.Account, error) {
		return &store.Account{FID: "300"}, nil
	}

	_, err := svc.ApproveEdit(context.Background(), "300", "solar", "edit-1")
	wantDomainError(t, err, 403, "FORBIDDEN")
	if len(records) != 0 {
		t.Fatalf("awards = %+v, want none", records)
	}
}

func TestApproveEditConfiguredAllowListDecidesAlone(t *testing.T) {
	var records []awardRecord
	ds, svc := approveFixture(&records)
	ds.getAccount = func(_ context.Context, _ string) (*store.Account, error) {
		t.Fatal("account lookup not expected with a configured allow-list")
		return nil, nil
	}

	if _, err := svc.ApproveEdit(context.Background(), "999", "solar", "edit-1"); err != nil {
		t.Fatalf("ApproveEdit: %v", err)
	}

	// An unlisted actor is denied outright, stored roles notwithstanding.
	_, err := svc.ApproveEdit(context.Background(), "300", "solar", "edit-1")
	wantDomainError(t, err, 403, "FORBIDDEN")
}

func TestApproveEditRoleLookupOutageIsUpstreamError(t *testing.T) {
	var records []awardRecord
	ds, svc := approveFixture(&records)
	svc.opts.AdminFIDs = nil
	ds.getAccount = func(_ context.Context, _ string) (*store.Account, error) {
		return nil, errors.New("store timeout")
	}

	_, err := svc.ApproveEdit(context.Background(), "300", "solar", "edit-1")
	wantDomainError(t, err, 502, "UPSTREAM_ERROR")
}

func TestApproveEditAlreadyApproved(t *testing.T) {
	var records []awardRecord
	ds, svc := approveFixture(&records)
	ds.getEdit = func(_ context.Context, _ string) (store.Edit, error) {
		return store.Edit{ID: "edit-1", ArticleID: "art-1", AuthorFID: "200", Approved: true}, nil
	}

	_, err := svc.ApproveEdit(context.Background(), "100", "solar", "edit-1")
	wantDomainError(t, err, 409, "ALREADY_APPROVED")
	if len(records) != 0 {
		t.Fatalf("awards = %+v, want none", records)
	}
}

func TestApproveEditLostRaceAwardsNothing(t *testing.T) {
	var records []awardRecord
	ds, svc := approveFixture(&records)
	ds.approveEditIfPending = func(_ context.Context, _, _ string) (bool, error) { return false, nil }

	_, err := svc.ApproveEdit(context.Background(), "100", "solar", "edit-1")
	wantDomainError(t, err, 409, "ALREADY_APPROVED")
	if len(records) != 0 {
		t.Fatalf("awards = %+v, want none after lost race", records)
	}
}

func TestApproveEditUnknownEdit(t *testing.T) {
	var records []awardRecord
	_, svc := approveFixture(&records)

	_, err := svc.ApproveEdit(context.Background(), "100", "solar", "edit-404")
	status, code, _, _ := mapError(err)
	if status != 404 || code != "NOT_FOUND" {
		t.Fatalf("got %d %s, want 404 NOT_FOUND", status, code)
	}
}

func TestApproveEditUnknownArticle(t *testing.T) {
	var records []awardRecord
	_, svc := approveFixture(&records)

	_, err := svc.ApproveEdit(context.Background(), "100", "missing", "edit-1")
	status, code, _, _ := mapError(err)
	if status != 404 || code != "NOT_FOUND" {
		t.Fatalf("got %d %s, want 404 NOT_FOUND", status, code)
	}
}

func TestApproveEditWrongArticleIs404(t *testing.T) {
	var records []awardRecord
	ds, svc := approveFixture(&records)
	ds.getArticleBySlug = func(_ context.Context, slug string) (store.Article, error) {
		return store.Article{ID: "art-2", Slug: slug, AuthorFID: "100", Published: true}, nil
	}

	// edit-1 belongs to art-1; naming another article's slug must not
	// approve it.
	_, err := svc.ApproveEdit(context.Background(), "100", "wind", "edit-1")
	wantDomainError(t, err, 404, "NOT_FOUND")
	if len(records) != 0 {
		t.Fatalf("awards = %+v, want none", records)
	}
}

func TestFirstApprovalPublishesAndAwardsInitial(t *testing.T) {
	var records []awardRecord
	ds, svc := approveFixture(&records)
	svc.opts.AdminFIDs = nil
	ds.getAccount = func(_ context.Context, _ string) (*store.Account, error) {
		return &store.Account{FID: "300", IsReviewer: true}, nil
	}
	ds.getArticleBySlug = func(_ context.Context, _ string) (store.Article, error) {
		return store.Article{ID: "art-1", Slug: "solar", AuthorFID: "100", Published: false}, nil
	}
	var gotPatch map[string]any
	ds.updateArticleByID = func(_ context.Context, _ string, patch map[string]any) (store.Article, error) {
		gotPatch = patch
		return store.Article{ID: "art-1", Slug: "solar", Body: "revised body", Published: true, Vetted: true}, nil
	}

	payload, err := svc.ApproveEdit(context.Background(), "300", "solar", "edit-1")
	if err != nil {
		t.Fatalf("ApproveEdit: %v", err)
	}

	if gotPatch["published"] != true || gotPatch["vetted"] != true {
		t.Fatalf("patch = %v, want published and vetted set", gotPatch)
	}
	if _, ok := gotPatch["published_at"]; !ok {
		t.Fatal("patch missing published_at")
	}
	if records[0].amount != 50 || records[0].sourceType != "article" {
		t.Fatalf("author award = %+v, want initial 50", records[0])
	}
	awarded := payload["pointsAwarded"].(map[string]int)
	if awarded["200"] != 50 || awarded["300"] != 5 {
		t.Fatalf("pointsAwarded = %v", awarded)
	}
}

// --- CreateArticle ---

func createFixture(score float64) (*fakeStore, *Service, *[]map[string]any) {
	var inserts []map[string]any
	ds := &fakeStore{
		getArticleBySlug: func(_ context.Context, _ string) (store.Article, error) {
			return store.Article{}, store.ErrNotFound
		},
		getAccount: func(_ context.Context, _ string) (*store.Account, error) { return nil, nil },
		insertArticle: func(_ context.Context, payload map[string]any) (store.Article, error) {
			inserts = append(inserts, payload)
			return store.Article{ID: "art-1", Slug: payload["slug"].(string), Title: payload["title"].(string)}, nil
		},
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))
	svc.rep = &fakeRep{
		user:  func(_ context.Context, _ string) (*neynar.User, error) { return nil, neynar.ErrNoProfile },
		score: func(_ context.Context, _ string) (float64, error) { return score, nil },
	}
	return ds, svc, &inserts
}

func TestCreateArticleAboveThreshold(t *testing.T) {
	_, svc, inserts := createFixture(0.51)

	article, err := svc.CreateArticle(context.Background(), "100", CreateArticleInput{
		Title:    "Solar Power",
		Body:     "The sun.",
		Category: "science",
	})
	if err != nil {
		t.Fatalf("CreateArticle: %v", err)
	}
	if article.Slug != "solar-power" {
		t.Fatalf("slug = %q", article.Slug)
	}

	payload := (*inserts)[0]
	if payload["published"] != false || payload["vetted"] != false {
		t.Fatalf("new articles must start unpublished: %v", payload)
	}
	metadata := payload["metadata"].(map[string]any)
	if metadata["category"] != "science" {
		t.Fatalf("metadata = %v", metadata)
	}
	if payload["neynar_score"] != 0.51 {
		t.Fatalf("score not persisted: %v", payload["neynar_score"])
	}
}

func TestCreateArticleScoreAtThresholdRejected(t *testing.T) {
	_, svc, inserts := createFixture(0.5)

	_, err := svc.CreateArticle(context.Background(), "100", CreateArticleInput{Title: "Solar"})
	domainErr := wantDomainError(t, err, 403, "QUALITY_TOO_LOW")
	details := domainErr.Details.(map[string]any)
	if details["score"] != 0.5 || details["threshold"] != 0.5 {
		t.Fatalf("details = %v", details)
	}
	if len(*inserts) != 0 {
		t.Fatal("article must not be inserted")
	}
}

func TestCreateArticleScoreLookupFailsClosed(t *testing.T) {
	_, svc, _ := createFixture(0)
	svc.rep = &fakeRep{
		user:  func(_ context.Context, _ string) (*neynar.User, error) { return nil, neynar.ErrNoProfile },
		score: func(_ context.Context, _ string) (float64, error) { return 0, errors.New("provider down") },
	}

	_, err := svc.CreateArticle(context.Background(), "100", CreateArticleInput{Title: "Solar"})
	wantDomainError(t, err, 403, "QUALITY_TOO_LOW")
}

func TestCreateArticleAdminSkipsGate(t *testing.T) {
	_, svc, inserts := createFixture(0)

	if _, err := svc.CreateArticle(context.Background(), "999", CreateArticleInput{Title: "Solar"}); err != nil {
		t.Fatalf("CreateArticle: %v", err)
	}
	if len(*inserts) != 1 {
		t.Fatal("expected insert for listed admin")
	}
	if _, ok := (*inserts)[0]["neynar_score"]; ok {
		t.Fatal("gate skipped, score must not be persisted")
	}
}

func TestCreateArticleSlugTaken(t *testing.T) {
	ds, svc, _ := createFixture(0.9)
	ds.getArticleBySlug = func(_ context.Context, _ string) (store.Article, error) {
		return store.Article{ID: "art-2", Slug: "solar"}, nil
	}

	_, err := svc.CreateArticle(context.Background(), "100", CreateArticleInput{Title: "Solar"})
	wantDomainError(t, err, 409, "SLUG_TAKEN")
}

func TestCreateArticleInvalidSlug(t *testing.T) {
	_, svc, _ := createFixture(0.9)

	_, err := svc.CreateArticle(context.Background(), "100", CreateArticleInput{Title: "Solar", Slug: "Not A Slug"})
	wantDomainError(t, err, 422, "VALIDATION_ERROR")
}

// --- reactions ---

func TestLikeAwardsAuthorOnce(t *testing.T) {
	liked := map[string]bool{}
	ds := &fakeStore{
		getArticleBySlug: func(_ context.Context, _ string) (store.Article, error) {
			return store.Article{ID: "art-1", Slug: "solar", AuthorFID: "100"}, nil
		},
		insertLike: func(_ context.Context, articleID, userFID string) (bool, error) {
			key := articleID + ":" + userFID
			if liked[key] {
				return false, nil
			}
			liked[key] = true
			return true, nil
		},
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))

	first, err := svc.Like(context.Background(), "200", "solar")
	if err != nil {
		t.Fatalf("Like: %v", err)
	}
	if first["duplicate"] != false {
		t.Fatalf("first like: %v", first)
	}

	second, err := svc.Like(context.Background(), "200", "solar")
	if err != nil {
		t.Fatalf("Like again: %v", err)
	}
	if second["duplicate"] != true {
		t.Fatalf("second like: %v", second)
	}

	if len(records) != 1 || records[0].fid != "100" || records[0].amount != 1 {
		t.Fatalf("awards = %+v, want one point to author", records)
	}
}

func TestSelfLikeAwardsNothing(t *testing.T) {
	ds := &fakeStore{
		getArticleBySlug: func(_ context.Context, _ string) (store.Article, error) {
			return store.Article{ID: "art-1", Slug: "solar", AuthorFID: "100"}, nil
		},
		insertLike: func(_ context.Context, _, _ string) (bool, error) { return true, nil },
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))

	if _, err := svc.Like(context.Background(), "100", "solar"); err != nil {
		t.Fatalf("Like: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("awards = %+v, want none for self-like", records)
	}
}

func TestFlagIncrementsCountOnlyOnce(t *testing.T) {
	increments := 0
	flagged := false
	ds := &fakeStore{
		getArticleBySlug: func(_ context.Context, _ string) (store.Article, error) {
			return store.Article{ID: "art-1", Slug: "solar"}, nil
		},
		insertFlag: func(_ context.Context, _, _ string) (bool, error) {
			if flagged {
				return false, nil
			}
			flagged = true
			return true, nil
		},
		incrementFlagCount: func(_ context.Context, _ string) error {
			increments++
			return nil
		},
	}
	notes := 0
	var records []awardRecord
	ledger := recordingPoints(&records)
	ledger.note = func(_ context.Context, fid, sourceType, sourceID, _ string) error {
		notes++
		if fid != "200" || sourceType != points.SourceFlag || sourceID != "art-1" {
			t.Fatalf("note = %s %s %s", fid, sourceType, sourceID)
		}
		return nil
	}
	svc := newTestService(ds, ledger)

	for i := 0; i < 2; i++ {
		if _, err := svc.Flag(context.Background(), "200", "solar"); err != nil {
			t.Fatalf("Flag #%d: %v", i+1, err)
		}
	}
	if increments != 1 {
		t.Fatalf("increments = %d, want 1", increments)
	}
	if notes != 1 {
		t.Fatalf("ledger notes = %d, want 1", notes)
	}
	if len(records) != 0 {
		t.Fatalf("awards = %+v, flags never award points", records)
	}
}

// --- slugs and counts ---

func TestCheckSlugTakenIsConflict(t *testing.T) {
	ds := &fakeStore{
		getArticleBySlug: func(_ context.Context, _ string) (store.Article, error) {
			return store.Article{ID: "art-1", Slug: "solar"}, nil
		},
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))

	_, err := svc.CheckSlug(context.Background(), "solar")
	wantDomainError(t, err, 409, "SLUG_TAKEN")
}

func TestCheckSlugAvailable(t *testing.T) {
	ds := &fakeStore{
		getArticleBySlug: func(_ context.Context, _ string) (store.Article, error) {
			return store.Article{}, store.ErrNotFound
		},
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))

	payload, err := svc.CheckSlug(context.Background(), "wind-power")
	if err != nil {
		t.Fatalf("CheckSlug: %v", err)
	}
	if payload["available"] != true {
		t.Fatalf("payload = %v", payload)
	}

	_, err = svc.CheckSlug(context.Background(), "Not A Slug!")
	wantDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestSlugCountsTalliesReactions(t *testing.T) {
	ds := &fakeStore{
		articlesBySlugs: func(_ context.Context, slugs []string) ([]store.Article, error) {
			return []store.Article{
				{ID: "art-1", Slug: "solar"},
				{ID: "art-2", Slug: "wind"},
			}, nil
		},
		likesForArticles: func(_ context.Context, _ []string) ([]store.Reaction, error) {
			return []store.Reaction{
				{ArticleID: "art-1", UserFID: "100"},
				{ArticleID: "art-1", UserFID: "200"},
				{ArticleID: "art-2", UserFID: "100"},
			}, nil
		},
		flagsForArticles: func(_ context.Context, _ []string) ([]store.Reaction, error) {
			return []store.Reaction{{ArticleID: "art-2", UserFID: "300"}}, nil
		},
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))

	payload, err := svc.SlugCounts(context.Background(), []string{"solar", "wind"})
	if err != nil {
		t.Fatalf("SlugCounts: %v", err)
	}
	counts := payload["counts"].(map[string]any)
	solar := counts["solar"].(map[string]int)
	wind := counts["wind"].(map[string]int)
	if solar["likes"] != 2 || solar["flags"] != 0 {
		t.Fatalf("solar = %v", solar)
	}
	if wind["likes"] != 1 || wind["flags"] != 1 {
		t.Fatalf("wind = %v", wind)
	}

	_, err = svc.SlugCounts(context.Background(), nil)
	wantDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestExploreCountsPerCategory(t *testing.T) {
	ds := &fakeStore{
		countArticlesByCat: func(_ context.Context, category string) (int, error) {
			if category == "token" {
				return 7, nil
			}
			return 3, nil
		},
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))

	payload, err := svc.ExploreCounts(context.Background(), nil)
	if err != nil {
		t.Fatalf("ExploreCounts: %v", err)
	}
	counts := payload["counts"].(map[string]int)
	if counts["token"] != 7 || counts["project"] != 3 {
		t.Fatalf("counts = %v", counts)
	}
}

// --- edits ---

func TestProposeEditRequiresBody(t *testing.T) {
	var records []awardRecord
	svc := newTestService(&fakeStore{}, recordingPoints(&records))

	_, err := svc.ProposeEdit(context.Background(), "100", "solar", ProposeEditInput{Body: "  "})
	wantDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestProposeEditStoresPending(t *testing.T) {
	var gotPayload map[string]any
	ds := &fakeStore{
		getArticleBySlug: func(_ context.Context, _ string) (store.Article, error) {
			return store.Article{ID: "art-1", Slug: "solar"}, nil
		},
		insertEdit: func(_ context.Context, payload map[string]any) (store.Edit, error) {
			gotPayload = payload
			return store.Edit{ID: "edit-1", ArticleID: "art-1", AuthorFID: "100", Body: "better"}, nil
		},
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))

	edit, err := svc.ProposeEdit(context.Background(), "100", "solar", ProposeEditInput{Body: "better", Summary: "typo fix"})
	if err != nil {
		t.Fatalf("ProposeEdit: %v", err)
	}
	if edit.ID != "edit-1" {
		t.Fatalf("edit = %+v", edit)
	}
	if gotPayload["approved"] != false || gotPayload["author_fid"] != "100" {
		t.Fatalf("payload = %v", gotPayload)
	}
	if len(records) != 0 {
		t.Fatal("proposing must not award points")
	}
}

// --- authentication ---

func TestAuthenticateGrantsAutoAdmin(t *testing.T) {
	var upserted map[string]any
	ds := &fakeStore{
		getAccount:    func(_ context.Context, _ string) (*store.Account, error) { return nil, nil },
		upsertAccount: func(_ context.Context, payload map[string]any) error { upserted = payload; return nil },
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))
	svc.verifier = &fakeVerifier{
		verify: func(_ context.Context, token, _ string) (string, error) {
			if token != "good-token" {
				t.Fatalf("token = %q", token)
			}
			return "500", nil
		},
	}
	svc.rep = &fakeRep{
		user: func(_ context.Context, _ string) (*neynar.User, error) {
			return &neynar.User{FID: "500", Username: "whale", ActiveStatus: "active:2", FollowerCount: 250000}, nil
		},
		score: func(_ context.Context, _ string) (float64, error) { return 0.9, nil },
	}

	payload, err := svc.Authenticate(context.Background(), "good-token", "farpedia.example")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if payload["isAdmin"] != true {
		t.Fatalf("payload = %v, want auto-admin grant", payload)
	}
	if upserted["is_admin"] != true || upserted["username"] != "whale" {
		t.Fatalf("upserted = %v", upserted)
	}
}

func TestAuthenticateNoAutoAdminBelowFollowers(t *testing.T) {
	ds := &fakeStore{
		getAccount:    func(_ context.Context, _ string) (*store.Account, error) { return nil, nil },
		upsertAccount: func(_ context.Context, _ map[string]any) error { return nil },
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))
	svc.verifier = &fakeVerifier{
		verify: func(_ context.Context, _, _ string) (string, error) { return "500", nil },
	}
	svc.rep = &fakeRep{
		user: func(_ context.Context, _ string) (*neynar.User, error) {
			return &neynar.User{FID: "500", ActiveStatus: "active:2", FollowerCount: 50}, nil
		},
		score: func(_ context.Context, _ string) (float64, error) { return 0.9, nil },
	}

	payload, err := svc.Authenticate(context.Background(), "t", "farpedia.example")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if payload["isAdmin"] != false {
		t.Fatalf("payload = %v, want no admin grant", payload)
	}
}

// --- profile ---

type fakeCache struct {
	data map[string]ProfileView
}

func (f *fakeCache) Get(_ context.Context, key string, dest any) (bool, error) {
	view, ok := f.data[key]
	if !ok {
		return false, nil
	}
	*dest.(*ProfileView) = view
	return true, nil
}

func (f *fakeCache) Set(_ context.Context, key string, value any) error {
	f.data[key] = value.(ProfileView)
	return nil
}

func TestUserProfileCachesResult(t *testing.T) {
	storeReads := 0
	ds := &fakeStore{
		getAccount: func(_ context.Context, _ string) (*store.Account, error) {
			storeReads++
			return &store.Account{FID: "100", Username: "alice", IsReviewer: true}, nil
		},
		listContributions: func(_ context.Context, _ string, _ int) ([]store.Contribution, error) {
			return []store.Contribution{{ID: "c1", FID: "100", Points: 50}}, nil
		},
	}
	svc := newTestService(ds, &fakePoints{
		award: func(_ context.Context, _, _, _ string, _ int, _ string) error { return nil },
		total: func(_ context.Context, _ string) (int, error) { return 65, nil },
	})
	svc.cache = &fakeCache{data: map[string]ProfileView{}}

	first, err := svc.UserProfile(context.Background(), "100")
	if err != nil {
		t.Fatalf("UserProfile: %v", err)
	}
	if first.Points != 65 || first.Username != "alice" || !first.IsReviewer {
		t.Fatalf("view = %+v", first)
	}

	second, err := svc.UserProfile(context.Background(), "100")
	if err != nil {
		t.Fatalf("UserProfile (cached): %v", err)
	}
	if storeReads != 1 {
		t.Fatalf("store reads = %d, want 1", storeReads)
	}
	if second.Points != first.Points {
		t.Fatalf("cached view diverged: %+v", second)
	}
}

func TestUserProfileUnknownUser(t *testing.T) {
	ds := &fakeStore{
		getAccount: func(_ context.Context, _ string) (*store.Account, error) { return nil, nil },
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))

	_, err := svc.UserProfile(context.Background(), "404")
	wantDomainError(t, err, 404, "NOT_FOUND")
}

// --- admin ---

func TestAdminAirdropParsesCSV(t *testing.T) {
	ds := &fakeStore{
		getAccount: func(_ context.Context, fid string) (*store.Account, error) {
			return nil, nil
		},
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))

	csv := "fid,points,reason\n100,25,launch bonus\n\nbogus\n200,5\n300,-1\n"
	payload, err := svc.AdminAirdrop(context.Background(), "999", "batch-2026-03", csv)
	if err != nil {
		t.Fatalf("AdminAirdrop: %v", err)
	}
	if payload["awarded"] != 2 {
		t.Fatalf("awarded = %v", payload["awarded"])
	}
	if len(payload["skipped"].([]string)) != 2 {
		t.Fatalf("skipped = %v", payload["skipped"])
	}
	if records[0].fid != "100" || records[0].amount != 25 || records[1].fid != "200" || records[1].amount != 5 {
		t.Fatalf("records = %+v", records)
	}
}

func TestAdminAirdropExportRendersCSV(t *testing.T) {
	ds := &fakeStore{
		allContributionTotals: func(_ context.Context) (map[string]int, error) {
			return map[string]int{"100": 65, "200": 5}, nil
		},
		listAccounts: func(_ context.Context, _, offset int) ([]store.Account, int, error) {
			if offset > 0 {
				return nil, 2, nil
			}
			return []store.Account{
				{FID: "100", Username: "alice", VerifiedAddresses: map[string][]string{"eth_addresses": {"0xabc"}}},
				{FID: "200", Username: "bob"},
			}, 2, nil
		},
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))

	out, err := svc.AdminAirdropExport(context.Background(), "999")
	if err != nil {
		t.Fatalf("AdminAirdropExport: %v", err)
	}
	want := "fid,username,address,points\n100,alice,0xabc,65\n200,bob,,5\n"
	if out != want {
		t.Fatalf("csv = %q, want %q", out, want)
	}
}

func TestAdminEndpointsRejectNonAdmin(t *testing.T) {
	ds := &fakeStore{
		getAccount: func(_ context.Context, _ string) (*store.Account, error) {
			return &store.Account{FID: "100"}, nil
		},
	}
	var records []awardRecord
	svc := newTestService(ds, recordingPoints(&records))

	_, err := svc.AdminListAccounts(context.Background(), "100", 50, 0)
	wantDomainError(t, err, 403, "FORBIDDEN")

	_, err = svc.AdminAirdrop(context.Background(), "100", "b", "100,1")
	wantDomainError(t, err, 403, "FORBIDDEN")
}
