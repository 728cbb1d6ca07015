package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"oentex/internal/auth"
	"oentex/internal/platform/logging"
)

const (
	DefaultMaxInitAttempts   = 3
	DefaultInitTimeout       = 10 * time.Second
	DefaultRefreshTimeout    = 5 * time.Second
	DefaultForceReadyTimeout = 15 * time.Second
	DefaultRefreshThreshold  = 60 * time.Second
	DefaultRefreshLead       = 5 * time.Minute
	DefaultMaxRefreshHorizon = 24 * time.Hour
	DefaultRetryDelay        = time.Second

	minPasswordLength = 6
)

// Config tunes the manager. Zero fields take the defaults above.
type Config struct {
	// CallbackURL is where the provider sends the browser after sign-in.
	CallbackURL       string
	MaxInitAttempts   int
	InitTimeout       time.Duration
	RefreshTimeout    time.Duration
	ForceReadyTimeout time.Duration
	// RefreshThreshold is how close to expiry a restored session may be
	// before it is refreshed during initialization.
	RefreshThreshold time.Duration
	// RefreshLead is how long before expiry the scheduled refresh fires.
	RefreshLead       time.Duration
	MaxRefreshHorizon time.Duration
	RetryDelay        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInitAttempts <= 0 {
		c.MaxInitAttempts = DefaultMaxInitAttempts
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.ForceReadyTimeout <= 0 {
		c.ForceReadyTimeout = DefaultForceReadyTimeout
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.RefreshLead <= 0 {
		c.RefreshLead = DefaultRefreshLead
	}
	if c.MaxRefreshHorizon <= 0 {
		c.MaxRefreshHorizon = DefaultMaxRefreshHorizon
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// ProfileEnsurer makes sure a profile exists for a signed-in user.
type ProfileEnsurer interface {
	EnsureProfile(ctx context.Context, user auth.User) *auth.ProfileResult
	Clear()
}

// StorageClearer wipes client-side session storage.
type StorageClearer interface {
	Clear(ctx context.Context) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithProfiles enables profile reconciliation after sign-in.
func WithProfiles(p ProfileEnsurer) Option {
	return func(m *Manager) {
		m.profiles = p
	}
}

// WithStorage sets the storage wiped on sign-out.
func WithStorage(s StorageClearer) Option {
	return func(m *Manager) {
		m.storage = s
	}
}

// Manager owns the single authentication session of an application root.
// Every state change goes through reduce; readers get snapshots from State
// or Subscribe.
type Manager struct {
	gateway  auth.Gateway
	profiles ProfileEnsurer
	storage  StorageClearer
	logger   *slog.Logger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	subscribers map[int]chan State
	nextSubID   int
	started     bool
	closed      bool

	initInFlight bool
	initDone     bool
	attempts     int
	generation   uint64
	eventSeq     uint64

	watchdog        *time.Timer
	retryTimer      *time.Timer
	refreshTimer    *time.Timer
	scheduledExpiry time.Time
	unsubscribe     func()
}

// NewManager creates a manager in the initial loading state. Call Start to
// begin initialization.
func NewManager(gateway auth.Gateway, cfg Config, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		gateway:     gateway,
		logger:      logging.Discard(),
		cfg:         cfg.withDefaults(),
		ctx:         ctx,
		cancel:      cancel,
		state:       initialState(),
		subscribers: make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel that always holds the latest snapshot. Slow
// readers skip intermediate states. The channel is closed by the returned
// cancel function or by Close.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch
	ch <- m.state
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(c)
		}
	}
}

// Start subscribes to gateway events, arms the watchdog and initializes in
// the background. Calling it more than once has no effect.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	unsubscribe := m.gateway.OnAuthStateChange(m.handleAuthEvent)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		unsubscribe()
		return
	}
	m.unsubscribe = unsubscribe
	m.watchdog = time.AfterFunc(m.cfg.ForceReadyTimeout, m.watchdogFired)
	m.mu.Unlock()

	go m.Initialize(m.ctx)
}

// Close tears the manager down. Pending timers are stopped, in-flight calls
// are cancelled and their results discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stopTimer(&m.watchdog)
	stopTimer(&m.retryTimer)
	stopTimer(&m.refreshTimer)
	for id, ch := range m.subscribers {
		delete(m.subscribers, id)
		close(ch)
	}
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	m.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Initialize looks up the current session. Concurrent calls collapse into
// the one already running. Recoverable failures are retried in the
// background until MaxInitAttempts is reached; the last failure is then
// kept in State.Err.
func (m *Manager) Initialize(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.initInFlight {
		m.mu.Unlock()
		return
	}
	m.attempts++
	if m.attempts > m.cfg.MaxInitAttempts {
		m.attempts = 0
		m.initDone = true
		stopTimer(&m.watchdog)
		m.logger.Warn("auth initialization attempts exhausted, forcing ready state")
		m.dispatchLocked(action{kind: actionForceReady})
		m.mu.Unlock()
		return
	}
	m.initInFlight = true
	attempt := m.attempts
	generation := m.generation
	events := m.eventSeq
	stopTimer(&m.retryTimer)
	m.dispatchLocked(action{kind: actionInitStart})
	m.mu.Unlock()

	ctx, cancel := m.scope(ctx)
	defer cancel()

	session, err := callWithTimeout(ctx, m.cfg.InitTimeout, m.gateway.GetSession)
	if err == nil {
		var valid bool
		if session, valid = m.validateSession(ctx, session); !valid {
			session = nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || generation != m.generation {
		return
	}
	m.initInFlight = false
	m.initDone = true
	stopTimer(&m.watchdog)

	switch {
	case m.eventSeq != events:
		// A pushed event already committed fresher data.
		m.attempts = 0
	case err != nil:
		authErr := auth.Classify(err)
		m.logger.Warn("auth initialization failed", "attempt", attempt, "type", authErr.Type, "error", err)
		m.dispatchLocked(action{kind: actionInitFailed, err: authErr})
		m.scheduleRefreshLocked()
		if authErr.Type.Recoverable() && attempt < m.cfg.MaxInitAttempts {
			delay := m.cfg.RetryDelay * time.Duration(attempt)
			m.retryTimer = time.AfterFunc(delay, func() { m.Initialize(m.ctx) })
		} else {
			m.attempts = 0
		}
	default:
		m.attempts = 0
		m.commitLocked(session)
		m.reconcileInBackground(session)
	}
	m.dispatchLocked(action{kind: actionInitDone})
}

// validateSession refreshes a session that is about to expire. It reports
// false when the refresh fails; callers then treat the user as signed out.
func (m *Manager) validateSession(ctx context.Context, session *auth.Session) (*auth.Session, bool) {
	if session == nil {
		return nil, true
	}
	if !session.ExpiresWithin(time.Now(), m.cfg.RefreshThreshold) {
		return session, true
	}

	refreshed, err := callWithTimeout(ctx, m.cfg.RefreshTimeout, m.gateway.RefreshSession)
	if err != nil || refreshed == nil {
		m.logger.Warn("expiring session could not be refreshed", "error", err)
		return nil, false
	}
	return refreshed, true
}

// Retry clears the error and initializes from scratch. Results of any
// initialization still running are ignored.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.attempts = 0
	m.initInFlight = false
	m.generation++
	stopTimer(&m.retryTimer)
	m.dispatchLocked(action{kind: actionRetry})
	m.mu.Unlock()

	m.Initialize(ctx)

	if st := m.State(); st.Err != nil {
		return st.Err
	}
	return nil
}

// RefreshSession trades the refresh token for a new pair. A failure is
// recorded but the committed session is kept.
func (m *Manager) RefreshSession(ctx context.Context) error {
	if authErr := m.refresh(ctx); authErr != nil {
		return authErr
	}
	return nil
}

// SignInWithGoogle returns the Google authorize URL the browser must visit.
func (m *Manager) SignInWithGoogle(ctx context.Context) (string, error) {
	return m.signInWithOAuth(ctx, auth.ProviderGoogle, auth.OAuthOptions{
		RedirectTo:  m.cfg.CallbackURL,
		QueryParams: map[string]string{"access_type": "offline", "prompt": "consent"},
	})
}

// SignInWithMicrosoft returns the Microsoft authorize URL the browser must
// visit. The email scope is requested explicitly because Azure withholds it
// otherwise.
func (m *Manager) SignInWithMicrosoft(ctx context.Context) (string, error) {
	return m.signInWithOAuth(ctx, auth.ProviderAzure, auth.OAuthOptions{
		RedirectTo: m.cfg.CallbackURL,
		Scopes:     []string{"email"},
	})
}

func (m *Manager) signInWithOAuth(ctx context.Context, provider auth.Provider, opts auth.OAuthOptions) (string, error) {
	authURL, err := m.gateway.SignInWithOAuth(ctx, provider, opts)
	if err != nil {
		authErr := auth.Classify(err)
		m.logger.Warn("oauth sign-in failed", "provider", provider, "type", authErr.Type, "error", err)
		m.dispatch(action{kind: actionSetError, err: authErr})
		return "", authErr
	}
	return authURL, nil
}

// UpdatePassword sets a new password for the signed-in user.
func (m *Manager) UpdatePassword(ctx context.Context, newPassword string) error {
	if len(strings.TrimSpace(newPassword)) < minPasswordLength {
		return auth.NewError(auth.ErrorWeakPassword, "Password must be at least 6 characters.", nil)
	}

	if _, err := m.gateway.UpdateUser(ctx, auth.UserAttributes{Password: newPassword}); err != nil {
		authErr := auth.Classify(err)
		m.logger.Warn("password update failed", "type", authErr.Type, "error", err)
		return authErr
	}
	return nil
}

// SignOut ends the session. On success the state is reset to signed-out
// while staying initialized, so no loading screen is shown again.
func (m *Manager) SignOut(ctx context.Context) error {
	m.dispatch(action{kind: actionSetLoading, loading: true})

	if m.profiles != nil {
		m.profiles.Clear()
	}
	if m.storage != nil {
		if err := m.storage.Clear(ctx); err != nil {
			m.logger.Warn("failed to clear session storage", "error", err)
		}
	}

	if err := m.gateway.SignOut(ctx); err != nil {
		authErr := auth.Classify(err)
		m.logger.Error("sign out failed", "type", authErr.Type, "error", err)
		m.mu.Lock()
		m.dispatchLocked(action{kind: actionSetError, err: authErr})
		m.dispatchLocked(action{kind: actionSetLoading, loading: false})
		m.mu.Unlock()
		return authErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stopTimer(&m.refreshTimer)
	m.scheduledExpiry = time.Time{}
	m.dispatchLocked(action{kind: actionReset})
	return nil
}

// ClearError drops the current error, if any.
func (m *Manager) ClearError() {
	m.dispatch(action{kind: actionClearError})
}

func (m *Manager) handleAuthEvent(event auth.Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	stopTimer(&m.watchdog)
	m.eventSeq++
	m.logger.Debug("auth event", "event", event.Type, "signed_in", event.Session != nil)
	m.dispatchLocked(action{kind: actionAuthEvent, session: event.Session})
	m.scheduleRefreshLocked()
	m.mu.Unlock()

	if event.Type == auth.EventSignedIn {
		m.reconcileInBackground(event.Session)
	}
}

func (m *Manager) watchdogFired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.initDone {
		return
	}
	m.watchdog = nil
	m.logger.Warn("auth initialization is taking too long, forcing ready state", "timeout", m.cfg.ForceReadyTimeout)
	m.dispatchLocked(action{kind: actionForceReady})
}

func (m *Manager) refresh(ctx context.Context) *auth.Error {
	ctx, cancel := m.scope(ctx)
	defer cancel()

	session, err := callWithTimeout(ctx, m.cfg.RefreshTimeout, m.gateway.RefreshSession)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if err != nil {
		authErr := auth.Classify(err)
		m.logger.Warn("session refresh failed", "type", authErr.Type, "error", err)
		m.dispatchLocked(action{kind: actionSetError, err: authErr})
		return authErr
	}
	m.commitLocked(session)
	return nil
}

func (m *Manager) commitLocked(session *auth.Session) {
	m.dispatchLocked(action{kind: actionCommit, session: session})
	m.scheduleRefreshLocked()
}

// scheduleRefreshLocked re-arms the proactive refresh whenever the committed
// expiry changes.
func (m *Manager) scheduleRefreshLocked() {
	var expiresAt time.Time
	if m.state.Session != nil {
		expiresAt = m.state.Session.ExpiresAt
	}
	if expiresAt.Equal(m.scheduledExpiry) {
		return
	}
	m.scheduledExpiry = expiresAt
	stopTimer(&m.refreshTimer)
	if expiresAt.IsZero() {
		return
	}

	delay := max(time.Until(expiresAt)-m.cfg.RefreshLead, 0)
	if delay >= m.cfg.MaxRefreshHorizon {
		return
	}
	m.refreshTimer = time.AfterFunc(delay, func() {
		_ = m.refresh(m.ctx)
	})
}

func (m *Manager) reconcileInBackground(session *auth.Session) {
	if m.profiles == nil || session == nil || session.User == nil {
		return
	}
	user := *session.User
	go func() {
		result := m.profiles.EnsureProfile(m.ctx, user)
		if !result.Success {
			m.logger.Warn("profile reconciliation failed", "user_id", user.ID, "error", result.Err)
		}
	}()
}

func (m *Manager) dispatch(a action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchLocked(a)
}

func (m *Manager) dispatchLocked(a action) {
	if m.closed {
		return
	}
	next := reduce(m.state, a)
	if (next.User == nil) != (next.Session == nil) {
		m.logger.Warn("auth state inconsistency: user and session disagree", "has_user", next.User != nil, "has_session", next.Session != nil)
	}
	m.state = next

	for _, ch := range m.subscribers {
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- next
		}
	}
}

// scope derives a context that is also cancelled when the manager closes.
func (m *Manager) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	scoped, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return scoped, func() {
		stop()
		cancel()
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
