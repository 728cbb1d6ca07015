package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"oentex/internal/auth"
	"oentex/internal/platform/logging"
)

const (
	sessionKey      = "session"
	codeVerifierKey = "code_verifier"

	// expiryMargin is how close to expiry a stored session may be before
	// GetSession refreshes it instead of returning it.
	expiryMargin = 10 * time.Second
)

var _ auth.Gateway = (*Client)(nil)

// Client talks to a GoTrue (Supabase Auth) server and owns the client-side
// copy of the session.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	storage    Storage
	verifier   *oidc.IDTokenVerifier
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	current   *auth.Session
	loaded    bool
	listeners map[int]func(auth.Event)
	nextID    int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithStorage sets where the session and PKCE verifier are persisted.
func WithStorage(s Storage) Option {
	return func(c *Client) {
		if s != nil {
			c.storage = s
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithJWKSVerification verifies restored access tokens against the server's
// published signing keys. issuer is the expected "iss" claim. It must come
// after WithHTTPClient when both are given.
func WithJWKSVerification(ctx context.Context, issuer string) Option {
	return func(c *Client) {
		keyCtx := oidc.ClientContext(ctx, c.httpClient)
		keySet := oidc.NewRemoteKeySet(keyCtx, c.baseURL+"/.well-known/jwks.json")
		c.verifier = oidc.NewVerifier(issuer, keySet, &oidc.Config{
			SkipClientIDCheck: true,
			SkipExpiryCheck:   true,
		})
	}
}

// NewClient creates a Client for the project at projectURL (e.g.
// https://abc.supabase.co) using the public anon key.
func NewClient(projectURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(projectURL, "/") + "/auth/v1",
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		storage:    NewMemoryStorage(),
		logger:     logging.Discard(),
		now:        time.Now,
		listeners:  make(map[int]func(auth.Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Storage exposes the persistence layer so callers can clear it.
func (c *Client) Storage() Storage {
	return c.storage
}

// GetSession returns the persisted session, refreshing it first when it is
// about to expire. It returns nil without error when nobody is signed in.
func (c *Client) GetSession(ctx context.Context) (*auth.Session, error) {
	session, err := c.loadSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	if c.verifier != nil {
		if _, err := c.verifier.Verify(ctx, session.AccessToken); err != nil {
			c.forgetSession(ctx)
			return nil, &auth.ProviderError{Status: http.StatusUnauthorized, Code: "bad_jwt", Message: err.Error()}
		}
	}

	if session.ExpiresWithin(c.now(), expiryMargin) {
		if session.RefreshToken == "" {
			c.forgetSession(ctx)
			return nil, &auth.ProviderError{Status: http.StatusUnauthorized, Code: "session_expired", Message: "session expired"}
		}
		return c.RefreshSession(ctx)
	}

	return session, nil
}

// SignInWithOAuth starts a PKCE authorization-code flow and returns the URL
// the browser must visit.
func (c *Client) SignInWithOAuth(ctx context.Context, provider auth.Provider, opts auth.OAuthOptions) (string, error) {
	verifier := oauth2.GenerateVerifier()
	if err := c.storage.Save(ctx, codeVerifierKey, []byte(verifier)); err != nil {
		return "", fmt.Errorf("store code verifier: %w", err)
	}

	q := url.Values{}
	q.Set("provider", string(provider))
	if opts.RedirectTo != "" {
		q.Set("redirect_to", opts.RedirectTo)
	}
	if len(opts.Scopes) > 0 {
		q.Set("scopes", strings.Join(opts.Scopes, " "))
	}
	q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	q.Set("code_challenge_method", "s256")
	for k, v := range opts.QueryParams {
		q.Set(k, v)
	}

	return c.baseURL + "/authorize?" + q.Encode(), nil
}

// ExchangeCodeForSession completes a PKCE flow started by SignInWithOAuth.
func (c *Client) ExchangeCodeForSession(ctx context.Context, code string) (*auth.Session, error) {
	verifier, err := c.storage.Load(ctx, codeVerifierKey)
	if err != nil {
		return nil, fmt.Errorf("load code verifier: %w", err)
	}
	if len(verifier) == 0 {
		return nil, &auth.ProviderError{Status: http.StatusBadRequest, Code: "flow_state_not_found", Message: "no pending sign-in was found; start the sign-in again"}
	}

	body := map[string]string{"auth_code": code, "code_verifier": string(verifier)}
	var resp tokenResponse
	if err := c.do(ctx, c.httpClient, http.MethodPost, "/token", url.Values{"grant_type": {"pkce"}}, body, &resp); err != nil {
		return nil, err
	}
	_ = c.storage.Delete(ctx, codeVerifierKey)

	session := resp.toSession(c.now())
	if err := c.saveSession(ctx, session); err != nil {
		return nil, err
	}
	c.emit(auth.Event{Type: auth.EventSignedIn, Session: session})
	return session, nil
}

// RefreshSession trades the current refresh token for a new token pair.
func (c *Client) RefreshSession(ctx context.Context) (*auth.Session, error) {
	current, err := c.loadSession(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil || current.RefreshToken == "" {
		return nil, &auth.ProviderError{Status: http.StatusUnauthorized, Code: "session_not_found", Message: "auth session missing"}
	}

	body := map[string]string{"refresh_token": current.RefreshToken}
	var resp tokenResponse
	if err := c.do(ctx, c.httpClient, http.MethodPost, "/token", url.Values{"grant_type": {"refresh_token"}}, body, &resp); err != nil {
		return nil, err
	}

	session := resp.toSession(c.now())
	if err := c.saveSession(ctx, session); err != nil {
		return nil, err
	}
	c.emit(auth.Event{Type: auth.EventTokenRefreshed, Session: session})
	return session, nil
}

// UpdateUser changes attributes of the signed-in user.
func (c *Client) UpdateUser(ctx context.Context, attrs auth.UserAttributes) (*auth.User, error) {
	current, err := c.loadSession(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, &auth.ProviderError{Status: http.StatusUnauthorized, Code: "session_not_found", Message: "auth session missing"}
	}

	var resp userResponse
	if err := c.do(ctx, c.bearerClient(ctx, current), http.MethodPut, "/user", nil, attrs, &resp); err != nil {
		return nil, err
	}

	user := resp.toUser()
	updated := *current
	updated.User = &user
	if err := c.saveSession(ctx, &updated); err != nil {
		return nil, err
	}
	c.emit(auth.Event{Type: auth.EventUserUpdated, Session: &updated})
	return &user, nil
}

// SignOut revokes the session on the server and forgets it locally. A
// session the server no longer knows about still counts as signed out.
func (c *Client) SignOut(ctx context.Context) error {
	current, err := c.loadSession(ctx)
	if err != nil {
		return err
	}

	if current != nil {
		err := c.do(ctx, c.bearerClient(ctx, current), http.MethodPost, "/logout", url.Values{"scope": {"global"}}, nil, nil)
		if err != nil && !isSessionMissing(err) {
			return err
		}
	}

	c.forgetSession(ctx)
	c.emit(auth.Event{Type: auth.EventSignedOut})
	return nil
}

// OnAuthStateChange registers fn for auth events.
func (c *Client) OnAuthStateChange(fn func(auth.Event)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) emit(event auth.Event) {
	c.mu.RLock()
	listeners := make([]func(auth.Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
}

func (c *Client) loadSession(ctx context.Context) (*auth.Session, error) {
	c.mu.RLock()
	if c.loaded {
		current := c.current
		c.mu.RUnlock()
		return current, nil
	}
	c.mu.RUnlock()

	raw, err := c.storage.Load(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var session *auth.Session
	if len(raw) > 0 {
		session = &auth.Session{}
		if err := json.Unmarshal(raw, session); err != nil {
			c.logger.Warn("discarding unreadable stored session", "error", err)
			_ = c.storage.Delete(ctx, sessionKey)
			session = nil
		}
	}

	c.mu.Lock()
	c.current = session
	c.loaded = true
	c.mu.Unlock()
	return session, nil
}

func (c *Client) saveSession(ctx context.Context, session *auth.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := c.storage.Save(ctx, sessionKey, raw); err != nil {
		return fmt.Errorf("store session: %w", err)
	}

	c.mu.Lock()
	c.current = session
	c.loaded = true
	c.mu.Unlock()
	return nil
}

func (c *Client) forgetSession(ctx context.Context) {
	if err := c.storage.Delete(ctx, sessionKey); err != nil {
		c.logger.Warn("failed to delete stored session", "error", err)
	}

	c.mu.Lock()
	c.current = nil
	c.loaded = true
	c.mu.Unlock()
}

func (c *Client) bearerClient(ctx context.Context, session *auth.Session) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(session.Token()))
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Info", "oentex-go")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, raw)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
