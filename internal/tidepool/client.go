// Package tidepool provides a client for the Tidepool data and sharing API
package tidepool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

// DefaultBaseURL is the production API host
const DefaultBaseURL = "https://api.tidepool.org"

const sessionHeader = "x-tidepool-session-token"

// ErrNotLoggedIn is returned by calls that need a session before Login
var ErrNotLoggedIn = apperrors.Sentinel(apperrors.KindExternal, "not logged in to Tidepool")

// APIError is a non-2xx response
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Kind maps API failures onto the external kind
func (e *APIError) Kind() apperrors.Kind { return apperrors.KindExternal }

// Client handles communication with the Tidepool API
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu     sync.RWMutex
	token  string
	userID string
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the HTTP timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRateLimit paces requests to limit per second with the given burst
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new Tidepool client
func NewClient(baseURL, username, password string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(2), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoginUserID returns the account id of the logged-in user
func (c *Client) LoginUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) session() (string, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return "", "", ErrNotLoggedIn
	}
	return c.token, c.userID, nil
}

// buildRequest creates an HTTP request carrying the session token when one exists
func (c *Client) buildRequest(ctx context.Context, method, endpoint string, params url.Values, body interface{}) (*http.Request, error) {
	fullURL := c.baseURL + endpoint
	if params != nil {
		fullURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	c.mu.RLock()
	if c.token != "" {
		req.Header.Set(sessionHeader, c.token)
	}
	c.mu.RUnlock()

	return req, nil
}

// doRequest executes an HTTP request and returns the response body and headers
func (c *Client) doRequest(req *http.Request) ([]byte, http.Header, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, nil, fmt.Errorf("rate limit: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.KindExternal, "request", "request failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	return body, resp.Header, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out interface{}, what string) error {
	req, err := c.buildRequest(ctx, http.MethodGet, endpoint, params, nil)
	if err != nil {
		return err
	}
	body, _, err := c.doRequest(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing %s: %w", what, err)
	}
	return nil
}

// Login opens a session with basic auth
func (c *Client) Login(ctx context.Context) error {
	req, err := c.buildRequest(ctx, http.MethodPost, "/auth/login", nil, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)

	body, header, err := c.doRequest(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	token := header.Get(sessionHeader)
	if token == "" {
		return apperrors.New(apperrors.KindExternal, "login", "login response has no session token")
	}

	var account struct {
		UserID string `json:"userid"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return fmt.Errorf("parsing login: %w", err)
	}

	c.mu.Lock()
	c.token = token
	c.userID = account.UserID
	c.mu.Unlock()

	log.Info().Str("user_id", account.UserID).Msg("Logged in to Tidepool")
	return nil
}

// Logout closes the session
func (c *Client) Logout(ctx context.Context) error {
	req, err := c.buildRequest(ctx, http.MethodPost, "/auth/logout", nil, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)

	if _, _, err := c.doRequest(req); err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

func (c *Client) target(userID string) (string, error) {
	_, self, err := c.session()
	if err != nil {
		return "", err
	}
	if userID == "" {
		return self, nil
	}
	return userID, nil
}

func dateParams(startKey, endKey string, start, end time.Time) url.Values {
	params := url.Values{}
	params.Set(startKey, timeline.FormatDate(start)+"T00:00:00.000Z")
	params.Set(endKey, timeline.FormatDate(end)+"T23:59:59.999Z")
	return params
}

// UserEvents downloads device data for the whole days from start to end.
// An empty userID means the logged-in account.
func (c *Client) UserEvents(ctx context.Context, userID string, start, end time.Time) ([]timeline.RawEvent, error) {
	id, err := c.target(userID)
	if err != nil {
		return nil, err
	}

	params := dateParams("startDate", "endDate", start, end)
	params.Set("dexcom", "true")
	params.Set("medtronic", "true")
	params.Set("carelink", "true")

	var events []timeline.RawEvent
	if err := c.get(ctx, "/data/"+url.PathEscape(id), params, &events, "events"); err != nil {
		return nil, err
	}

	log.Debug().Str("user_id", id).Int("events", len(events)).Msg("Downloaded events")
	return events, nil
}

// Notes downloads the user's messages for the whole days from start to end.
// A user without notes yields an empty list.
func (c *Client) Notes(ctx context.Context, userID string, start, end time.Time) ([]timeline.RawNote, error) {
	id, err := c.target(userID)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Messages []timeline.RawNote `json:"messages"`
	}
	err = c.get(ctx, "/message/notes/"+url.PathEscape(id), dateParams("starttime", "endtime", start, end), &resp, "notes")
	var apiErr *APIError
	if apperrors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return []timeline.RawNote{}, nil
	}
	if err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		resp.Messages = []timeline.RawNote{}
	}
	return resp.Messages, nil
}

// Download fetches events and notes for one user
func (c *Client) Download(ctx context.Context, userID string, start, end time.Time) ([]timeline.RawEvent, []timeline.RawNote, error) {
	events, err := c.UserEvents(ctx, userID, start, end)
	if err != nil {
		return nil, nil, fmt.Errorf("downloading events: %w", err)
	}
	notes, err := c.Notes(ctx, userID, start, end)
	if err != nil {
		return nil, nil, fmt.Errorf("downloading notes: %w", err)
	}
	return events, notes, nil
}

// Permissions are the access rights another account granted
type Permissions map[string]interface{}

// UsersSharingWith returns the accounts sharing data with the logged-in
// user, keyed by user id
func (c *Client) UsersSharingWith(ctx context.Context) (map[string]Permissions, error) {
	_, self, err := c.session()
	if err != nil {
		return nil, err
	}
	users := make(map[string]Permissions)
	if err := c.get(ctx, "/access/groups/"+url.PathEscape(self), nil, &users, "sharing users"); err != nil {
		return nil, err
	}
	return users, nil
}

// SharedUserIDs returns the sorted ids of accounts sharing with the
// logged-in user, excluding the user itself
func (c *Client) SharedUserIDs(ctx context.Context) ([]string, error) {
	users, err := c.UsersSharingWith(ctx)
	if err != nil {
		return nil, err
	}
	self := c.LoginUserID()
	ids := make([]string, 0, len(users))
	for id := range users {
		if id != self {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// UsersSharingTo returns profile metadata for the accounts the logged-in user can see
func (c *Client) UsersSharingTo(ctx context.Context) ([]Profile, error) {
	_, self, err := c.session()
	if err != nil {
		return nil, err
	}
	var profiles []Profile
	if err := c.get(ctx, "/metadata/users/"+url.PathEscape(self)+"/users", nil, &profiles, "profiles"); err != nil {
		return nil, err
	}
	return profiles, nil
}
