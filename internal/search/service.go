package search

import (
	"context"
	"log"

	"farpedia/api/internal/store"
)

type articleFinder interface {
	SearchArticles(ctx context.Context, text string, limit int) ([]store.Article, error)
}

// Service is the facade that tries Meilisearch first and falls back to the
// store's pattern search when the index is down or not configured.
type Service struct {
	meili    *Meili
	fallback articleFinder
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, fallback articleFinder) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to store: %v", err)
	}

	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	articles, err := s.fallback.SearchArticles(ctx, q.Text, limit)
	if err != nil {
		log.Printf("search: store fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results := make([]Result, 0, len(articles))
	for _, a := range articles {
		if q.Category != "" && categoryOf(a) != q.Category {
			continue
		}
		results = append(results, Result{
			ID:       a.ID,
			Slug:     a.Slug,
			Title:    a.Title,
			Snippet:  snippet(a.Body),
			Category: categoryOf(a),
		})
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}

// IndexArticle pushes an article to Meilisearch (fire-and-forget).
func (s *Service) IndexArticle(a store.Article) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := recordFor(a)
	go func() {
		if err := s.meili.IndexArticle(rec); err != nil {
			log.Printf("search: index article %s: %v", rec.ID, err)
		}
	}()
}

// DeleteArticle removes an article from the index (fire-and-forget).
func (s *Service) DeleteArticle(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteArticle(id); err != nil {
			log.Printf("search: delete article %s: %v", id, err)
		}
	}()
}

// ReindexAll bulk-pushes articles into Meilisearch, used at startup.
func (s *Service) ReindexAll(articles []store.Article) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	recs := make([]ArticleRecord, 0, len(articles))
	for _, a := range articles {
		recs = append(recs, recordFor(a))
	}
	if err := s.meili.IndexArticles(recs); err != nil {
		log.Printf("search: reindex articles: %v", err)
	}
}

func recordFor(a store.Article) ArticleRecord {
	return ArticleRecord{
		ID:        a.ID,
		Slug:      a.Slug,
		Title:     a.Title,
		Body:      a.Body,
		Category:  categoryOf(a),
		Published: a.Published,
	}
}

func categoryOf(a store.Article) string {
	if a.Metadata == nil {
		return ""
	}
	if c, ok := a.Metadata["category"].(string); ok {
		return c
	}
	return ""
}

func snippet(body string) string {
	if len(body) <= snippetLength {
		return body
	}
	return body[:snippetLength]
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
