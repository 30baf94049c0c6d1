// Package marketsync is the client-side data synchronization core of the
// marketplace app.
//
// It keeps a time-bounded cache of server-owned collections, an in-process
// event bus used to invalidate that cache, an optimistic-mutation protocol
// for likes, comments and chat messages, and a polling sync for
// near-real-time surfaces.
//
// Example:
//
//	api := marketsync.NewClient(token, marketsync.WithBaseURL("https://api.example.com"))
//	engine := marketsync.NewEngine(api, nil)
//	defer engine.Close()
//
//	feed, _ := engine.Load(ctx, marketsync.KindPublications, false)
//	pub, _ := engine.LikeToggle(ctx, "42")
//	rec, _ := engine.SendMessage(ctx, "chat-1", "Is it still available?")
package marketsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// API is the remote marketplace API as seen by the sync core.
type API interface {
	FetchCollection(ctx context.Context, kind ResourceKind, page, pageSize int) (*Page, error)
	FetchMessages(ctx context.Context, chatID string, page, pageSize int) (*Page, error)
	FetchComments(ctx context.Context, publicationID string, page, pageSize int) (*Page, error)
	Mutate(ctx context.Context, kind ResourceKind, id string, op Operation) (json.RawMessage, error)
}

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "https://api.marketplace.app"
	DefaultTimeout = 30 * time.Second
)

// Client implements API over HTTP.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

// NewClient creates a new API client. token may be empty for anonymous
// reads.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a fresh login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the bearer token in use.
func (c *Client) Token() string { return c.token }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func pageQuery(page, pageSize int) map[string]string {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	return map[string]string{
		"page":      strconv.Itoa(page),
		"page_size": strconv.Itoa(pageSize),
	}
}

func decodeList[T Resource](raw json.RawMessage) ([]Resource, error) {
	var items []T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal results: %w", err)
		}
	}
	return toResources(items), nil
}

func (c *Client) fetchPage(ctx context.Context, path string, page, pageSize int, decode func(json.RawMessage) ([]Resource, error)) (*Page, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, pageQuery(page, pageSize))
	if err != nil {
		return nil, err
	}
	env, err := decodeJSON[pageEnvelope](data)
	if err != nil {
		return nil, err
	}
	results, err := decode(env.Results)
	if err != nil {
		return nil, err
	}
	if env.Page == 0 {
		env.Page = page
	}
	return &Page{
		Results:    results,
		HasMore:    env.HasMore,
		Page:       env.Page,
		TotalPages: env.TotalPages,
	}, nil
}

// ============================================================================
// API implementation
// ============================================================================

// FetchCollection reads one page of kind. The profile is a single object
// and comes back as a one-element page.
func (c *Client) FetchCollection(ctx context.Context, kind ResourceKind, page, pageSize int) (*Page, error) {
	switch kind {
	case KindPublications:
		return c.fetchPage(ctx, "/api/publications/", page, pageSize, decodeList[Publication])
	case KindFavorites:
		return c.fetchPage(ctx, "/api/favorites/", page, pageSize, decodeList[Favorite])
	case KindChats:
		return c.fetchPage(ctx, "/api/chats/", page, pageSize, decodeList[Chat])
	case KindProfile:
		data, err := c.doRequest(ctx, http.MethodGet, "/api/profile/", nil, nil)
		if err != nil {
			return nil, err
		}
		profile, err := decodeJSON[Profile](data)
		if err != nil {
			return nil, err
		}
		return &Page{Results: []Resource{*profile}, Page: 1, TotalPages: 1}, nil
	}
	return nil, fmt.Errorf("unknown resource kind %q", kind)
}

func (c *Client) FetchMessages(ctx context.Context, chatID string, page, pageSize int) (*Page, error) {
	return c.fetchPage(ctx, "/api/chats/"+url.PathEscape(chatID)+"/messages/", page, pageSize, decodeList[Message])
}

func (c *Client) FetchComments(ctx context.Context, publicationID string, page, pageSize int) (*Page, error) {
	return c.fetchPage(ctx, "/api/publications/"+url.PathEscape(publicationID)+"/comments/", page, pageSize, decodeList[Comment])
}

// Mutate sends a single-resource mutation and returns the authoritative
// resource as raw JSON.
func (c *Client) Mutate(ctx context.Context, kind ResourceKind, id string, op Operation) (json.RawMessage, error) {
	method, path, err := mutationRoute(kind, id, op.Name)
	if err != nil {
		return nil, err
	}
	data, err := c.doRequest(ctx, method, path, op.Body, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func mutationRoute(kind ResourceKind, id, op string) (method, path string, err error) {
	id = url.PathEscape(id)
	switch {
	case kind == KindPublications && op == OpLike:
		return http.MethodPost, "/api/publications/" + id + "/like/", nil
	case kind == KindPublications && op == OpUnlike:
		return http.MethodDelete, "/api/publications/" + id + "/like/", nil
	case kind == KindPublications && op == OpCommentCreate:
		return http.MethodPost, "/api/publications/" + id + "/comments/", nil
	case kind == KindPublications && op == OpCommentDelete:
		return http.MethodDelete, "/api/comments/" + id + "/", nil
	case kind == KindChats && op == OpMessageSend:
		return http.MethodPost, "/api/chats/" + id + "/messages/", nil
	case kind == KindProfile && op == OpProfileUpdate:
		return http.MethodPatch, "/api/profile/", nil
	}
	return "", "", fmt.Errorf("unsupported operation %q on %s", op, kind)
}
