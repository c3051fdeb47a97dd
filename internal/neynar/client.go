// Package neynar reads profile and reputation data from the Neynar API.
//
// The numeric quality score has moved between field names across API
// versions, so extraction probes a known, ordered list of keys and reports
// absence explicitly; callers fail closed when no signal is present.
package neynar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"farpedia/api/internal/retry"
)

var ErrNoProfile = errors.New("neynar: no profile for fid")

// APIError is a non-2xx Neynar response; 4xx responses are never retried.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("neynar: status %d: %s", e.Status, e.Body)
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return err != nil && !errors.Is(err, ErrNoProfile) && !errors.Is(err, context.Canceled)
}

type User struct {
	FID               string
	Username          string
	DisplayName       string
	PfpURL            string
	CustodyAddress    string
	FollowerCount     int
	ActiveStatus      string
	VerifiedAddresses map[string][]string

	// Score is the parsed quality score in [0,1]; HasScore is false when the
	// provider returned no recognizable signal.
	Score    float64
	HasScore bool
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	policy  retry.Policy
}

func New(baseURL, apiKey string, httpClient *http.Client, policy retry.Policy) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if policy.Attempts == 0 {
		policy = retry.DefaultPolicy()
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, http: httpClient, policy: policy}
}

// User fetches the profile for a single FID. Transient provider failures are
// retried with backoff; client errors are returned immediately.
func (c *Client) User(ctx context.Context, fid string) (*User, error) {
	var user *User
	err := retry.Do(ctx, c.policy, isRetryable, func(ctx context.Context) error {
		fetched, err := c.fetchUser(ctx, fid)
		if err != nil {
			return err
		}
		user = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Score returns the quality score for fid. Provider errors, unknown
// profiles and missing score fields all resolve to 0, and the admission
// gate denies on 0, so lookups fail closed.
func (c *Client) Score(ctx context.Context, fid string) (float64, error) {
	user, err := c.User(ctx, fid)
	if err != nil {
		return 0, err
	}
	if !user.HasScore {
		return 0, nil
	}
	return user.Score, nil
}

func (c *Client) fetchUser(ctx context.Context, fid string) (*User, error) {
	endpoint := c.baseURL + "/v2/farcaster/user/bulk?fids=" + url.QueryEscape(fid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api_key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &APIError{Status: resp.StatusCode, Body: string(text)}
	}

	var payload struct {
		Users []map[string]any `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("neynar: decode response: %w", err)
	}
	if len(payload.Users) == 0 {
		return nil, ErrNoProfile
	}
	return userFromPayload(payload.Users[0]), nil
}

func userFromPayload(raw map[string]any) *User {
	user := &User{
		FID:            stringField(raw, "fid"),
		Username:       stringField(raw, "username"),
		DisplayName:    stringField(raw, "display_name"),
		PfpURL:         stringField(raw, "pfp_url"),
		CustodyAddress: stringField(raw, "custody_address"),
		ActiveStatus:   stringField(raw, "active_status"),
	}
	if count, ok := numberField(raw, "follower_count"); ok {
		user.FollowerCount = int(count)
	}
	if addrs, ok := raw["verified_addresses"].(map[string]any); ok {
		user.VerifiedAddresses = make(map[string][]string, len(addrs))
		for kind, list := range addrs {
			values, ok := list.([]any)
			if !ok {
				continue
			}
			for _, v := range values {
				if s, ok := v.(string); ok {
					user.VerifiedAddresses[kind] = append(user.VerifiedAddresses[kind], s)
				}
			}
		}
	}
	user.Score, user.HasScore = ExtractScore(raw)
	return user
}

// scoreKeys is the ordered probe list; the provider has used each of these
// at some point.
var scoreKeys = [][]string{
	{"score"},
	{"neynar_score"},
	{"data", "score"},
	{"result", "score"},
	{"experimental", "neynar_user_score"},
}

// ExtractScore probes payload for a numeric quality score, never assuming a
// fixed schema.
func ExtractScore(payload map[string]any) (float64, bool) {
	for _, path := range scoreKeys {
		node := any(payload)
		found := true
		for _, key := range path {
			obj, ok := node.(map[string]any)
			if !ok {
				found = false
				break
			}
			node, ok = obj[key]
			if !ok {
				found = false
				break
			}
		}
		if !found {
			continue
		}
		switch v := node.(type) {
		case float64:
			return v, true
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func numberField(raw map[string]any, key string) (float64, bool) {
	v, ok := raw[key].(float64)
	return v, ok
}
