package search

// Query is a full-text search over published articles.
type Query struct {
	Text     string
	Category string
	Limit    int
	Offset   int
}

// Result is one search hit, with highlight markup when the index produced it.
type Result struct {
	ID       string `json:"id"`
	Slug     string `json:"slug"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet,omitempty"`
	Category string `json:"category,omitempty"`
}

// Response is the payload returned to the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// ArticleRecord is the shape pushed into the search index.
type ArticleRecord struct {
	ID        string `json:"id"`
	Slug      string `json:"slug"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Category  string `json:"category"`
	Published bool   `json:"published"`
}
