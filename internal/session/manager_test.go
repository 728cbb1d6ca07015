package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oentex/internal/auth"
)

type gatewayStub struct {
	getSession      func(ctx context.Context) (*auth.Session, error)
	signInWithOAuth func(ctx context.Context, provider auth.Provider, opts auth.OAuthOptions) (string, error)
	exchangeCode    func(ctx context.Context, code string) (*auth.Session, error)
	refreshSession  func(ctx context.Context) (*auth.Session, error)
	updateUser      func(ctx context.Context, attrs auth.UserAttributes) (*auth.User, error)
	signOut         func(ctx context.Context) error

	getSessionCalls atomic.Int32
	refreshCalls    atomic.Int32
	updateCalls     atomic.Int32

	mu        sync.Mutex
	listeners map[int]func(auth.Event)
	nextID    int
}

func (g *gatewayStub) GetSession(ctx context.Context) (*auth.Session, error) {
	g.getSessionCalls.Add(1)
	if g.getSession != nil {
		return g.getSession(ctx)
	}
	return nil, nil
}

func (g *gatewayStub) SignInWithOAuth(ctx context.Context, provider auth.Provider, opts auth.OAuthOptions) (string, error) {
	if g.signInWithOAuth != nil {
		return g.signInWithOAuth(ctx, provider, opts)
	}
	return "https://auth.test/authorize?provider=" + string(provider), nil
}

func (g *gatewayStub) ExchangeCodeForSession(ctx context.Context, code string) (*auth.Session, error) {
	if g.exchangeCode != nil {
		return g.exchangeCode(ctx, code)
	}
	return nil, errors.New("unexpected exchange")
}

func (g *gatewayStub) RefreshSession(ctx context.Context) (*auth.Session, error) {
	g.refreshCalls.Add(1)
	if g.refreshSession != nil {
		return g.refreshSession(ctx)
	}
	return nil, &auth.ProviderError{Status: 400, Code: "refresh_token_not_found"}
}

func (g *gatewayStub) UpdateUser(ctx context.Context, attrs auth.UserAttributes) (*auth.User, error) {
	g.updateCalls.Add(1)
	if g.updateUser != nil {
		return g.updateUser(ctx, attrs)
	}
	return &auth.User{}, nil
}

func (g *gatewayStub) SignOut(ctx context.Context) error {
	if g.signOut != nil {
		return g.signOut(ctx)
	}
	return nil
}

func (g *gatewayStub) OnAuthStateChange(fn func(auth.Event)) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listeners == nil {
		g.listeners = make(map[int]func(auth.Event))
	}
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.listeners, id)
	}
}

func (g *gatewayStub) emit(event auth.Event) {
	g.mu.Lock()
	listeners := make([]func(auth.Event), 0, len(g.listeners))
	for _, fn := range g.listeners {
		listeners = append(listeners, fn)
	}
	g.mu.Unlock()
	for _, fn := range listeners {
		fn(event)
	}
}

func (g *gatewayStub) listenerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.listeners)
}

type profilesStub struct {
	ensures atomic.Int32
	clears  atomic.Int32
}

func (p *profilesStub) EnsureProfile(ctx context.Context, user auth.User) *auth.ProfileResult {
	p.ensures.Add(1)
	return &auth.ProfileResult{Success: true}
}

func (p *profilesStub) Clear() {
	p.clears.Add(1)
}

type storageStub struct {
	clears atomic.Int32
	err    error
}

func (s *storageStub) Clear(ctx context.Context) error {
	s.clears.Add(1)
	return s.err
}

func testSession(token string, expiresIn time.Duration) *auth.Session {
	return testSessionFor(&auth.User{ID: uuid.New(), Email: "trader@example.com"}, token, expiresIn)
}

func testSessionFor(user *auth.User, token string, expiresIn time.Duration) *auth.Session {
	return &auth.Session{
		AccessToken:  token,
		RefreshToken: "refresh-" + token,
		TokenType:    "bearer",
		ExpiresAt:    time.Now().Add(expiresIn),
		User:         user,
	}
}

// testConfig keeps every background timer out of the way unless a test
// shortens it.
func testConfig() Config {
	return Config{
		CallbackURL:       "https://oentex.test/auth/callback",
		InitTimeout:       time.Second,
		RefreshTimeout:    time.Second,
		ForceReadyTimeout: time.Hour,
		RetryDelay:        time.Hour,
	}
}

func newTestManager(t *testing.T, gateway *gatewayStub, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(gateway, cfg, opts...)
	t.Cleanup(m.Close)
	return m
}

// startReady starts m and waits for the initial lookup to settle so pushed
// events are not overtaken by it.
func startReady(t *testing.T, m *Manager) {
	t.Helper()
	m.Start()
	require.Eventually(t, func() bool { return m.State().Initialized }, time.Second, time.Millisecond)
}

func TestInitialStateIsLoading(t *testing.T) {
	m := newTestManager(t, &gatewayStub{}, testConfig())

	st := m.State()
	assert.True(t, st.Loading)
	assert.False(t, st.Initialized)
	assert.False(t, st.IsFullyReady())
}

func TestInitializeCommitsRestoredSession(t *testing.T) {
	session := testSession("restored", time.Hour)
	profiles := &profilesStub{}
	gateway := &gatewayStub{
		getSession: func(ctx context.Context) (*auth.Session, error) { return session, nil },
	}
	m := newTestManager(t, gateway, testConfig(), WithProfiles(profiles))

	m.Initialize(context.Background())

	st := m.State()
	assert.True(t, st.IsFullyReady())
	assert.True(t, st.Authenticated())
	assert.Same(t, session, st.Session)
	assert.Equal(t, session.User.ID, st.User.ID)
	assert.Nil(t, st.Err)
	require.Eventually(t, func() bool { return profiles.ensures.Load() == 1 }, time.Second, time.Millisecond)
}

func TestInitializeAnonymous(t *testing.T) {
	m := newTestManager(t, &gatewayStub{}, testConfig())

	m.Initialize(context.Background())

	st := m.State()
	assert.True(t, st.IsFullyReady())
	assert.False(t, st.Authenticated())
	assert.Nil(t, st.Err)
}

func TestInitializeTimeoutStillReachesReady(t *testing.T) {
	gateway := &gatewayStub{
		getSession: func(ctx context.Context) (*auth.Session, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	cfg := testConfig()
	cfg.InitTimeout = 30 * time.Millisecond
	m := newTestManager(t, gateway, cfg)

	start := time.Now()
	m.Initialize(context.Background())

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	st := m.State()
	assert.True(t, st.Initialized)
	assert.False(t, st.Loading)
	require.NotNil(t, st.Err)
	assert.Equal(t, auth.ErrorNetwork, st.Err.Type)
	assert.Nil(t, st.User)
}

func TestInitializeStopsAfterMaxAttempts(t *testing.T) {
	gateway := &gatewayStub{
		getSession: func(ctx context.Context) (*auth.Session, error) {
			return nil, errors.New("network request failed")
		},
	}
	cfg := testConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	m := newTestManager(t, gateway, cfg)

	m.Initialize(context.Background())

	require.Eventually(t, func() bool { return gateway.getSessionCalls.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), gateway.getSessionCalls.Load())

	st := m.State()
	assert.True(t, st.Initialized)
	assert.False(t, st.Loading)
	require.NotNil(t, st.Err)
	assert.Equal(t, auth.ErrorNetwork, st.Err.Type)
}

func TestInitializeDoesNotRetryUnrecoverableErrors(t *testing.T) {
	gateway := &gatewayStub{
		getSession: func(ctx context.Context) (*auth.Session, error) {
			return nil, &auth.ProviderError{Status: 403, Code: "session_not_found"}
		},
	}
	cfg := testConfig()
	cfg.RetryDelay = time.Millisecond
	m := newTestManager(t, gateway, cfg)

	m.Initialize(context.Background())
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), gateway.getSessionCalls.Load())
	require.NotNil(t, m.State().Err)
	assert.Equal(t, auth.ErrorSessionExpired, m.State().Err.Type)
}

func TestConcurrentInitializeCollapses(t *testing.T) {
	release := make(chan struct{})
	gateway := &gatewayStub{
		getSession: func(ctx context.Context) (*auth.Session, error) {
			<-release
			return nil, nil
		},
	}
	m := newTestManager(t, gateway, testConfig())

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Initialize(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return gateway.getSessionCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), gateway.getSessionCalls.Load())
	assert.True(t, m.State().IsFullyReady())
}

func TestInitializeRefreshesNearlyExpiredSession(t *testing.T) {
	user := &auth.User{ID: uuid.New(), Email: "trader@example.com"}
	gateway := &gatewayStub{
		getSession: func(ctx context.Context) (*auth.Session, error) {
			return testSessionFor(user, "stale", 30*time.Second), nil
		},
		refreshSession: func(ctx context.Context) (*auth.Session, error) {
			return testSessionFor(&auth.User{ID: user.ID, Email: user.Email}, "fresh", time.Hour), nil
		},
	}
	m := newTestManager(t, gateway, testConfig())

	m.Initialize(context.Background())

	st := m.State()
	require.NotNil(t, st.Session)
	assert.Equal(t, "fresh", st.Session.AccessToken)
	assert.Equal(t, user.ID, st.User.ID)
	assert.Equal(t, int32(1), gateway.refreshCalls.Load())
}

func TestInitializeDropsSessionWhenRefreshFails(t *testing.T) {
	gateway := &gatewayStub{
		getSession: func(ctx context.Context) (*auth.Session, error) {
			return testSession("stale", 30*time.Second), nil
		},
	}
	m := newTestManager(t, gateway, testConfig())

	m.Initialize(context.Background())

	st := m.State()
	assert.True(t, st.IsFullyReady())
	assert.Nil(t, st.Session)
	assert.Nil(t, st.User)
}

func TestScheduledRefreshFiresBeforeExpiry(t *testing.T) {
	user := &auth.User{ID: uuid.New()}
	gateway := &gatewayStub{
		refreshSession: func(ctx context.Context) (*auth.Session, error) {
			return testSessionFor(&auth.User{ID: user.ID}, "rotated", time.Hour), nil
		},
	}
	m := newTestManager(t, gateway, testConfig())
	startReady(t, m)

	expiring := testSessionFor(user, "expiring", 30*time.Second)
	gateway.emit(auth.Event{Type: auth.EventSignedIn, Session: expiring})

	require.Eventually(t, func() bool {
		st := m.State()
		return st.Session != nil && st.Session.AccessToken == "rotated"
	}, time.Second, time.Millisecond)
	assert.Equal(t, user.ID, m.State().User.ID)
	assert.Equal(t, int32(1), gateway.refreshCalls.Load())
}

func TestScheduledRefreshFailureKeepsSession(t *testing.T) {
	gateway := &gatewayStub{}
	m := newTestManager(t, gateway, testConfig())
	startReady(t, m)

	expiring := testSession("expiring", 30*time.Second)
	gateway.emit(auth.Event{Type: auth.EventTokenRefreshed, Session: expiring})

	require.Eventually(t, func() bool { return m.State().Err != nil }, time.Second, time.Millisecond)
	st := m.State()
	assert.Equal(t, auth.ErrorSessionExpired, st.Err.Type)
	assert.Same(t, expiring, st.Session)
}

func TestRefreshNotArmedBeyondHorizon(t *testing.T) {
	gateway := &gatewayStub{}
	cfg := testConfig()
	cfg.MaxRefreshHorizon = time.Minute
	m := newTestManager(t, gateway, cfg)
	startReady(t, m)

	gateway.emit(auth.Event{Type: auth.EventSignedIn, Session: testSession("long", 2*time.Hour)})

	m.mu.Lock()
	armed := m.refreshTimer != nil
	m.mu.Unlock()
	assert.False(t, armed)
}

func TestWatchdogForcesReady(t *testing.T) {
	gateway := &gatewayStub{
		getSession: func(ctx context.Context) (*auth.Session, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	cfg := testConfig()
	cfg.InitTimeout = time.Hour
	cfg.ForceReadyTimeout = 20 * time.Millisecond
	m := newTestManager(t, gateway, cfg)

	m.Start()

	require.Eventually(t, func() bool { return m.State().Initialized }, time.Second, time.Millisecond)
	st := m.State()
	assert.False(t, st.Loading)
	assert.Nil(t, st.Err)
}

func TestAuthEventCancelsWatchdogAndCommits(t *testing.T) {
	profiles := &profilesStub{}
	gateway := &gatewayStub{
		getSession: func(ctx context.Context) (*auth.Session, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	cfg := testConfig()
	cfg.InitTimeout = time.Hour
	m := newTestManager(t, gateway, cfg, WithProfiles(profiles))
	m.Start()

	session := testSession("pushed", time.Hour)
	gateway.emit(auth.Event{Type: auth.EventSignedIn, Session: session})

	st := m.State()
	assert.True(t, st.IsFullyReady())
	assert.Same(t, session, st.Session)
	m.mu.Lock()
	assert.Nil(t, m.watchdog)
	m.mu.Unlock()
	require.Eventually(t, func() bool { return profiles.ensures.Load() == 1 }, time.Second, time.Millisecond)
}

func TestTokenRefreshedEventSkipsProfile(t *testing.T) {
	profiles := &profilesStub{}
	gateway := &gatewayStub{}
	m := newTestManager(t, gateway, testConfig(), WithProfiles(profiles))
	startReady(t, m)

	gateway.emit(auth.Event{Type: auth.EventTokenRefreshed, Session: testSession("t", time.Hour)})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(0), profiles.ensures.Load())
}

func TestSignOutResetsState(t *testing.T) {
	profiles := &profilesStub{}
	storage := &storageStub{}
	gateway := &gatewayStub{}
	m := newTestManager(t, gateway, testConfig(), WithProfiles(profiles), WithStorage(storage))
	startReady(t, m)
	gateway.emit(auth.Event{Type: auth.EventSignedIn, Session: testSession("t", time.Hour)})
	require.True(t, m.State().Authenticated())

	err := m.SignOut(context.Background())

	require.NoError(t, err)
	assert.Equal(t, State{Initialized: true}, m.State())
	assert.Equal(t, int32(1), profiles.clears.Load())
	assert.Equal(t, int32(1), storage.clears.Load())
	m.mu.Lock()
	assert.Nil(t, m.refreshTimer)
	m.mu.Unlock()
}

func TestSignOutFailureKeepsSession(t *testing.T) {
	gateway := &gatewayStub{
		signOut: func(ctx context.Context) error {
			return errors.New("Failed to fetch")
		},
	}
	storage := &storageStub{err: errors.New("redis down")}
	m := newTestManager(t, gateway, testConfig(), WithStorage(storage))
	startReady(t, m)
	session := testSession("t", time.Hour)
	gateway.emit(auth.Event{Type: auth.EventSignedIn, Session: session})

	err := m.SignOut(context.Background())

	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, auth.ErrorNetwork, authErr.Type)
	st := m.State()
	assert.False(t, st.Loading)
	assert.Same(t, session, st.Session)
	assert.Same(t, authErr, st.Err)
}

func TestSignInWithGoogle(t *testing.T) {
	var gotProvider auth.Provider
	var gotOpts auth.OAuthOptions
	gateway := &gatewayStub{
		signInWithOAuth: func(ctx context.Context, provider auth.Provider, opts auth.OAuthOptions) (string, error) {
			gotProvider, gotOpts = provider, opts
			return "https://accounts.test/authorize", nil
		},
	}
	m := newTestManager(t, gateway, testConfig())

	authURL, err := m.SignInWithGoogle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "https://accounts.test/authorize", authURL)
	assert.Equal(t, auth.ProviderGoogle, gotProvider)
	assert.Equal(t, "https://oentex.test/auth/callback", gotOpts.RedirectTo)
	assert.Equal(t, "offline", gotOpts.QueryParams["access_type"])
	assert.Equal(t, "consent", gotOpts.QueryParams["prompt"])
}

func TestSignInWithMicrosoftRequestsEmailScope(t *testing.T) {
	var gotProvider auth.Provider
	var gotOpts auth.OAuthOptions
	gateway := &gatewayStub{
		signInWithOAuth: func(ctx context.Context, provider auth.Provider, opts auth.OAuthOptions) (string, error) {
			gotProvider, gotOpts = provider, opts
			return "https://login.test/authorize", nil
		},
	}
	m := newTestManager(t, gateway, testConfig())

	_, err := m.SignInWithMicrosoft(context.Background())

	require.NoError(t, err)
	assert.Equal(t, auth.ProviderAzure, gotProvider)
	assert.Equal(t, []string{"email"}, gotOpts.Scopes)
	assert.Equal(t, "https://oentex.test/auth/callback", gotOpts.RedirectTo)
}

func TestSignInProviderDisabled(t *testing.T) {
	gateway := &gatewayStub{
		signInWithOAuth: func(ctx context.Context, provider auth.Provider, opts auth.OAuthOptions) (string, error) {
			return "", &auth.ProviderError{Status: 400, Code: "provider_disabled", Message: "Unsupported provider: provider is not enabled"}
		},
	}
	m := newTestManager(t, gateway, testConfig())

	_, err := m.SignInWithGoogle(context.Background())

	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, auth.ErrorProviderDisabled, authErr.Type)
	assert.NotEmpty(t, authErr.Message)
	assert.NotContains(t, authErr.Message, "provider_disabled")
	assert.Same(t, authErr, m.State().Err)
}

func TestUpdatePasswordRejectsShortPassword(t *testing.T) {
	gateway := &gatewayStub{}
	m := newTestManager(t, gateway, testConfig())

	err := m.UpdatePassword(context.Background(), "abc")

	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, auth.ErrorWeakPassword, authErr.Type)
	assert.Equal(t, int32(0), gateway.updateCalls.Load())
}

func TestUpdatePasswordClassifiesGatewayError(t *testing.T) {
	var got auth.UserAttributes
	gateway := &gatewayStub{
		updateUser: func(ctx context.Context, attrs auth.UserAttributes) (*auth.User, error) {
			got = attrs
			return nil, &auth.ProviderError{Status: 422, Code: "weak_password"}
		},
	}
	m := newTestManager(t, gateway, testConfig())

	err := m.UpdatePassword(context.Background(), "longenough")

	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, auth.ErrorWeakPassword, authErr.Type)
	assert.Equal(t, "longenough", got.Password)

	require.NoError(t, newTestManager(t, &gatewayStub{}, testConfig()).UpdatePassword(context.Background(), "longenough"))
}

func TestRetryAfterFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	session := testSession("ok", time.Hour)
	gateway := &gatewayStub{
		getSession: func(ctx context.Context) (*auth.Session, error) {
			if fail.Load() {
				return nil, &auth.ProviderError{Status: 401, Code: "session_not_found"}
			}
			return session, nil
		},
	}
	m := newTestManager(t, gateway, testConfig())
	m.Initialize(context.Background())
	require.NotNil(t, m.State().Err)

	fail.Store(false)
	err := m.Retry(context.Background())

	require.NoError(t, err)
	st := m.State()
	assert.Nil(t, st.Err)
	assert.True(t, st.IsFullyReady())
	assert.Same(t, session, st.Session)
}

func TestRetryReportsFailure(t *testing.T) {
	gateway := &gatewayStub{
		getSession: func(ctx context.Context) (*auth.Session, error) {
			return nil, &auth.ProviderError{Status: 401, Code: "session_not_found"}
		},
	}
	m := newTestManager(t, gateway, testConfig())

	err := m.Retry(context.Background())

	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, auth.ErrorSessionExpired, authErr.Type)
}

func TestClearError(t *testing.T) {
	gateway := &gatewayStub{
		signInWithOAuth: func(ctx context.Context, provider auth.Provider, opts auth.OAuthOptions) (string, error) {
			return "", errors.New("too many requests")
		},
	}
	m := newTestManager(t, gateway, testConfig())
	_, _ = m.SignInWithGoogle(context.Background())
	require.NotNil(t, m.State().Err)

	m.ClearError()

	assert.Nil(t, m.State().Err)
}

func TestSubscribeReceivesLatestSnapshot(t *testing.T) {
	gateway := &gatewayStub{}
	m := newTestManager(t, gateway, testConfig())
	startReady(t, m)

	updates, cancel := m.Subscribe()
	defer cancel()

	first := <-updates
	assert.NotNil(t, first)

	session := testSession("t", time.Hour)
	gateway.emit(auth.Event{Type: auth.EventSignedIn, Session: session})

	require.Eventually(t, func() bool {
		select {
		case st := <-updates:
			return st.Session == session
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestCloseStopsEverything(t *testing.T) {
	gateway := &gatewayStub{}
	m := NewManager(gateway, testConfig())
	startReady(t, m)
	gateway.emit(auth.Event{Type: auth.EventSignedIn, Session: testSession("t", 10*time.Minute)})
	updates, _ := m.Subscribe()

	m.Close()

	assert.Equal(t, 0, gateway.listenerCount())
	for range updates {
	}
	m.mu.Lock()
	assert.Nil(t, m.refreshTimer)
	assert.Nil(t, m.watchdog)
	m.mu.Unlock()

	before := m.State()
	m.ClearError()
	m.Initialize(context.Background())
	assert.Equal(t, before, m.State())
	m.Close()
}
