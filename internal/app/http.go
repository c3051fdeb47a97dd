package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"farpedia/api/internal/auth"
	"farpedia/api/internal/search"
	"farpedia/api/internal/store"
)

type HTTPServer struct {
	service       *Service
	corsOrigin    string
	canonicalHost string
}

func NewHTTPServer(service *Service, corsOrigin, canonicalHost string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, canonicalHost: canonicalHost}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodPost) && r.URL.Path == "/api/auth" {
		token := auth.BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing bearer token", nil)
			return
		}
		payload, err := s.service.Authenticate(r.Context(), token, auth.ResolveDomain(r, s.canonicalHost))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/webhook" {
		s.handleWebhook(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/analytics/event" {
		var body struct {
			Name       string         `json:"name"`
			Properties map[string]any `json:"properties"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Name) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
			return
		}
		s.service.TrackEvent(body.Name, body.Properties)
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/articles" {
		filter := store.ArticleFilter{
			Category:      strings.TrimSpace(r.URL.Query().Get("category")),
			PublishedOnly: r.URL.Query().Get("published") != "false",
			Limit:         queryInt(r, "limit", 50),
			Offset:        queryInt(r, "offset", 0),
		}
		var slugs []string
		if raw := strings.TrimSpace(r.URL.Query().Get("slugs")); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				if s = strings.TrimSpace(s); s != "" {
					slugs = append(slugs, s)
				}
			}
		}
		payload, err := s.service.ListArticles(r.Context(), filter, slugs)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/articles" {
		fid, ok := s.requireFID(w, r)
		if !ok {
			return
		}
		var body struct {
			Title     string         `json:"title"`
			Slug      string         `json:"slug"`
			Body      string         `json:"body"`
			Category  string         `json:"category"`
			SourceURL string         `json:"sourceUrl"`
			Metadata  map[string]any `json:"metadata"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		article, err := s.service.CreateArticle(r.Context(), fid, CreateArticleInput{
			Title:     body.Title,
			Slug:      body.Slug,
			Body:      body.Body,
			Category:  body.Category,
			SourceURL: body.SourceURL,
			Metadata:  body.Metadata,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"article": article})
		return
	}

	if r.URL.Path == "/api/articles/check-slug" && (r.Method == http.MethodGet || r.Method == http.MethodPost) {
		slug := strings.TrimSpace(r.URL.Query().Get("slug"))
		if r.Method == http.MethodPost {
			var body struct {
				Slug string `json:"slug"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			slug = strings.TrimSpace(body.Slug)
		}
		if slug == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slug is required", nil)
			return
		}
		payload, err := s.service.CheckSlug(r.Context(), slug)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/articles/counts" {
		var body struct {
			Slugs []string `json:"slugs"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SlugCounts(r.Context(), body.Slugs)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/articles/search" {
		payload, err := s.service.SearchArticles(r.Context(), search.Query{
			Text:     strings.TrimSpace(r.URL.Query().Get("q")),
			Category: strings.TrimSpace(r.URL.Query().Get("category")),
			Limit:    queryInt(r, "limit", 20),
			Offset:   queryInt(r, "offset", 0),
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/explore/counts" {
		var categories []string
		if raw := strings.TrimSpace(r.URL.Query().Get("categories")); raw != "" {
			for _, c := range strings.Split(raw, ",") {
				if c = strings.TrimSpace(c); c != "" {
					categories = append(categories, c)
				}
			}
		}
		payload, err := s.service.ExploreCounts(r.Context(), categories)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/webhook-events" {
		fid, ok := s.requireFID(w, r)
		if !ok {
			return
		}
		payload, err := s.service.AdminListWebhookEvents(r.Context(), fid,
			strings.TrimSpace(r.URL.Query().Get("type")), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "admin" {
		fid, ok := s.requireFID(w, r)
		if !ok {
			return
		}
		s.handleAdmin(w, r, fid, parts)
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "users" && r.Method == http.MethodGet {
		payload, err := s.service.UserProfile(r.Context(), parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "articles" {
		s.handleArticle(w, r, parts[2], parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleArticle(w http.ResponseWriter, r *http.Request, slug string, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		payload, err := s.service.ArticleBySlug(r.Context(), slug)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 4 && parts[3] == "edits" {
		if r.Method == http.MethodGet {
			payload, err := s.service.ListEdits(r.Context(), slug, r.URL.Query().Get("pending") == "true")
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		if r.Method == http.MethodPost {
			fid, ok := s.requireFID(w, r)
			if !ok {
				return
			}
			var body struct {
				Body    string `json:"body"`
				Title   string `json:"title"`
				Summary string `json:"summary"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			edit, err := s.service.ProposeEdit(r.Context(), fid, slug, ProposeEditInput{
				Body:    body.Body,
				Title:   body.Title,
				Summary: body.Summary,
			})
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"edit": edit})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 6 && parts[3] == "edits" && parts[5] == "approve" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		fid, ok := s.requireFID(w, r)
		if !ok {
			return
		}
		payload, err := s.service.ApproveEdit(r.Context(), fid, slug, parts[4])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 4 && (parts[3] == "like" || parts[3] == "flag") {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		fid, ok := s.requireFID(w, r)
		if !ok {
			return
		}
		var payload map[string]any
		var err error
		if parts[3] == "like" {
			payload, err = s.service.Like(r.Context(), fid, slug)
		} else {
			payload, err = s.service.Flag(r.Context(), fid, slug)
		}
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, fid string, parts []string) {
	if len(parts) == 3 && parts[2] == "accounts" && r.Method == http.MethodGet {
		payload, err := s.service.AdminListAccounts(r.Context(), fid, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 4 && parts[2] == "accounts" && r.Method == http.MethodPatch {
		var body struct {
			IsAdmin bool `json:"isAdmin"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AdminSetAccountAdmin(r.Context(), fid, parts[3], body.IsAdmin)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 3 && parts[2] == "airdrop" && r.Method == http.MethodGet {
		out, err := s.service.AdminAirdropExport(r.Context(), fid)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="airdrop.csv"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(out))
		return
	}

	if len(parts) == 3 && parts[2] == "airdrop" && r.Method == http.MethodPost {
		var body struct {
			BatchID string `json:"batchId"`
			CSV     string `json:"csv"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AdminAirdrop(r.Context(), fid, body.BatchID, body.CSV)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	eventType := ""
	var probe struct {
		Event string `json:"event"`
		Type  string `json:"type"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &probe); err == nil {
			eventType = probe.Event
			if eventType == "" {
				eventType = probe.Type
			}
		}
	}

	headers := map[string]string{}
	for _, name := range []string{"X-Farcaster-Signature", "Content-Type", "User-Agent"} {
		if v := r.Header.Get(name); v != "" {
			headers[name] = v
		}
	}

	// Events are stored either way; verified is set only when the sender
	// presented a token that passes identity verification.
	verified := false
	if token := auth.BearerToken(r); token != "" {
		if _, err := s.service.FIDFromToken(r.Context(), token, auth.ResolveDomain(r, s.canonicalHost)); err == nil {
			verified = true
		}
	}

	event, err := s.service.StoreWebhookEvent(r.Context(), eventType, payload, headers, verified)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": event.ID, "received": true})
}

func (s *HTTPServer) requireFID(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := auth.BearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing bearer token", nil)
		return "", false
	}
	fid, err := s.service.FIDFromToken(r.Context(), token, auth.ResolveDomain(r, s.canonicalHost))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return "", false
	}
	return fid, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	}
	var upstreamErr *store.UpstreamError
	if errors.As(err, &upstreamErr) {
		return http.StatusBadGateway, "UPSTREAM_ERROR", "Storage backend error", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusBadGateway, "UPSTREAM_ERROR", "Upstream timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
