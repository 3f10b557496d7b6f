// Package upstream is a stateless client for the remote administration
// API. All calls carry the configured bearer credential and return a
// Result with a classified error kind; no raw error escapes the package.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// maxResponseBody bounds how much of a response is read.
	maxResponseBody = 1 << 20
	// listPageSize is the page size used when scanning users.
	listPageSize = 100
	// maxListPages caps the user-list scan.
	maxListPages = 100
)

// TokenDefaults are issuance parameters passed through to the upstream
// on every generated token.
type TokenDefaults struct {
	TeamID    string
	Duration  string
	MaxBudget float64
}

// Client issues authenticated requests against the upstream base URL.
// It holds no per-call state and is safe for concurrent use.
type Client struct {
	baseURL   string
	masterKey string
	http      *http.Client
	logger    *slog.Logger
	defaults  TokenDefaults
}

// New creates a Client for the given base URL and bearer credential.
func New(baseURL, masterKey string, timeout time.Duration, defaults TokenDefaults, logger *slog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		masterKey: masterKey,
		http:      NewHTTPClient(timeout),
		logger:    logger.With("component", "upstream"),
		defaults:  defaults,
	}
}

type createUserRequest struct {
	UserEmail string   `json:"user_email"`
	Teams     []string `json:"teams,omitempty"`
}

type tokenRequest struct {
	UserID    string            `json:"user_id,omitempty"`
	Models    []string          `json:"models,omitempty"`
	Duration  string            `json:"duration,omitempty"`
	MaxBudget float64           `json:"max_budget,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CreateIdentity registers a new email identity via POST /user/new.
// A duplicate identity is reported as KindAlreadyExists so callers can
// relay a friendly message instead of a generic failure.
func (c *Client) CreateIdentity(ctx context.Context, email string) Result {
	body := createUserRequest{UserEmail: email}
	if c.defaults.TeamID != "" {
		body.Teams = []string{c.defaults.TeamID}
	}
	return c.postJSON(ctx, "/user/new", body)
}

// IssueToken generates an access token via POST /key/generate. A nil
// models slice omits the restriction field entirely (unrestricted);
// omission and an empty list mean different things upstream, so callers
// must pass nil rather than an empty slice for "no restriction".
func (c *Client) IssueToken(ctx context.Context, email string, models []string) Result {
	if len(models) == 0 {
		models = nil
	}

	body := tokenRequest{
		Models:    models,
		Duration:  c.defaults.Duration,
		MaxBudget: c.defaults.MaxBudget,
		Metadata:  map[string]string{"user": email},
	}

	// Attach the upstream user id when the identity is known; a token
	// can still be issued without one.
	userID, err := c.findUserID(ctx, email)
	if err != nil {
		return Result{Err: err}
	}
	body.UserID = userID

	return c.postJSON(ctx, "/key/generate", body)
}

// UserExists reports whether an identity with the given email is
// already registered upstream.
func (c *Client) UserExists(ctx context.Context, email string) (bool, *Error) {
	id, err := c.findUserID(ctx, email)
	if err != nil {
		return false, err
	}
	return id != "", nil
}

// ListUsers pages through GET /user/list and returns all user objects.
func (c *Client) ListUsers(ctx context.Context) ([]map[string]any, *Error) {
	var all []map[string]any

	for page := 1; page <= maxListPages; page++ {
		query := url.Values{
			"page":      {strconv.Itoa(page)},
			"page_size": {strconv.Itoa(listPageSize)},
		}

		raw, err := c.getJSON(ctx, "/user/list", query)
		if err != nil {
			return nil, err
		}

		users := extractUserList(raw)
		all = append(all, users...)

		if len(users) < listPageSize {
			break
		}
	}

	return all, nil
}

// findUserID resolves an email to the upstream user id, returning ""
// when no identity matches.
func (c *Client) findUserID(ctx context.Context, email string) (string, *Error) {
	users, err := c.ListUsers(ctx)
	if err != nil {
		return "", err
	}

	target := strings.ToLower(strings.TrimSpace(email))
	for _, u := range users {
		candidate, _ := u["user_email"].(string)
		if candidate != "" && strings.ToLower(strings.TrimSpace(candidate)) == target {
			id, _ := u["user_id"].(string)
			return id, nil
		}
	}
	return "", nil
}

// extractUserList tolerates the list being returned bare or wrapped in
// a "users" or "data" key, depending on upstream version.
func extractUserList(raw any) []map[string]any {
	items, ok := raw.([]any)
	if !ok {
		wrapper, ok := raw.(map[string]any)
		if !ok {
			return nil
		}
		for _, key := range []string{"users", "data"} {
			if wrapped, ok := wrapper[key].([]any); ok {
				items = wrapped
				break
			}
		}
	}

	users := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if u, ok := item.(map[string]any); ok {
			users = append(users, u)
		}
	}
	return users
}

// postJSON issues an authenticated POST and normalizes the response
// into a Result.
func (c *Client) postJSON(ctx context.Context, path string, body any) Result {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fail(KindDecode, 0, fmt.Sprintf("encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fail(KindNetwork, 0, fmt.Sprintf("build request: %v", err))
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(KindNetwork, 0, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fail(KindNetwork, resp.StatusCode, fmt.Sprintf("read response: %v", err))
	}

	if e := classifyStatus(resp.StatusCode, respBody); e != nil {
		c.logger.Warn("upstream call failed",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("kind", string(e.Kind)),
		)
		return Result{Err: e}
	}

	var payload map[string]any
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return fail(KindDecode, resp.StatusCode, fmt.Sprintf("decode response: %v", err))
	}

	return succeed(payload)
}

// getJSON issues an authenticated GET and decodes the body.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values) (any, *Error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: fmt.Sprintf("build request: %v", err)}
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	if e := classifyStatus(resp.StatusCode, respBody); e != nil {
		return nil, e
	}

	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, &Error{Kind: KindDecode, Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return decoded, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.masterKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Keyrelay/1.0")
}

// classifyStatus maps a non-2xx response to an Error. The upstream
// reports duplicate identities as a 409 or as a 4xx whose body mentions
// the duplicate.
func classifyStatus(status int, body []byte) *Error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500:
		return &Error{Kind: KindUpstream5xx, Status: status, Message: bodySnippet(body)}
	case status == http.StatusConflict || isAlreadyExists(body):
		return &Error{Kind: KindAlreadyExists, Status: status, Message: bodySnippet(body)}
	default:
		return &Error{Kind: KindUpstream4xx, Status: status, Message: bodySnippet(body)}
	}
}

func isAlreadyExists(body []byte) bool {
	return bytes.Contains(bytes.ToLower(body), []byte("already exists"))
}

// bodySnippet truncates response bodies for error messages and logs.
func bodySnippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
