package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"oentex/internal/platform/logging"
)

const (
	DefaultProfileMaxRetries = 3
	DefaultProfileRetryDelay = time.Second
	DefaultProfileResultTTL  = 5 * time.Minute
)

// ProfileResult reports the outcome of a reconciliation. Callers that share a
// reconciliation receive the same pointer.
type ProfileResult struct {
	Success bool   `json:"success"`
	Err     string `json:"error,omitempty"`
}

// ProfileReconciler makes sure a profile row exists for every identity that
// signs in. Concurrent calls for the same user collapse into one.
type ProfileReconciler struct {
	repo       ProfileRepository
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
	resultTTL  time.Duration
	now        func() time.Time

	group singleflight.Group

	mu         sync.Mutex
	generation uint64
	results    map[uuid.UUID]*cachedProfileResult
}

type cachedProfileResult struct {
	result *ProfileResult
	timer  *time.Timer
}

// ReconcilerOption configures a ProfileReconciler.
type ReconcilerOption func(*ProfileReconciler)

// WithReconcilerLogger sets the logger used for failed attempts.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *ProfileReconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRetryPolicy sets the attempt budget and the base of the linear backoff.
func WithRetryPolicy(maxRetries int, delay time.Duration) ReconcilerOption {
	return func(r *ProfileReconciler) {
		if maxRetries > 0 {
			r.maxRetries = maxRetries
		}
		if delay >= 0 {
			r.retryDelay = delay
		}
	}
}

// WithResultTTL sets how long a settled result is served before the next call
// reconciles again.
func WithResultTTL(ttl time.Duration) ReconcilerOption {
	return func(r *ProfileReconciler) {
		if ttl > 0 {
			r.resultTTL = ttl
		}
	}
}

// NewProfileReconciler creates a reconciler backed by repo.
func NewProfileReconciler(repo ProfileRepository, opts ...ReconcilerOption) *ProfileReconciler {
	r := &ProfileReconciler{
		repo:       repo,
		logger:     logging.Discard(),
		maxRetries: DefaultProfileMaxRetries,
		retryDelay: DefaultProfileRetryDelay,
		resultTTL:  DefaultProfileResultTTL,
		now:        time.Now,
		results:    make(map[uuid.UUID]*cachedProfileResult),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureProfile creates the user's profile when it does not exist yet. It
// never overwrites an existing profile and never returns an error; failures
// are reported through the result.
func (r *ProfileReconciler) EnsureProfile(ctx context.Context, user User) *ProfileResult {
	r.mu.Lock()
	if cached, ok := r.results[user.ID]; ok {
		r.mu.Unlock()
		return cached.result
	}
	generation := r.generation
	r.mu.Unlock()

	key := strconv.FormatUint(generation, 10) + ":" + user.ID.String()
	v, _, _ := r.group.Do(key, func() (any, error) {
		result := r.reconcile(ctx, user)
		r.remember(user.ID, generation, result)
		return result, nil
	})
	return v.(*ProfileResult)
}

// Clear forgets every settled and in-flight reconciliation.
func (r *ProfileReconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cached := range r.results {
		cached.timer.Stop()
	}
	r.results = make(map[uuid.UUID]*cachedProfileResult)
	r.generation++
}

func (r *ProfileReconciler) remember(id uuid.UUID, generation uint64, result *ProfileResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if generation != r.generation {
		return
	}
	cached := &cachedProfileResult{result: result}
	cached.timer = time.AfterFunc(r.resultTTL, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if current, ok := r.results[id]; ok && current == cached {
			delete(r.results, id)
		}
	})
	r.results[id] = cached
}

func (r *ProfileReconciler) reconcile(ctx context.Context, user User) *ProfileResult {
	if user.ID == uuid.Nil {
		return &ProfileResult{Err: "user has no id"}
	}

	var attempt time.Duration
	backoff := retry.WithMaxRetries(uint64(r.maxRetries-1), retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return r.retryDelay * attempt, false
	}))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		existing, err := r.repo.FindProfile(ctx, user.ID)
		if err != nil {
			r.logger.Warn("profile lookup failed", "user_id", user.ID, "error", err)
			return retry.RetryableError(fmt.Errorf("find profile: %w", err))
		}
		if existing != nil {
			return nil
		}

		err = r.repo.CreateProfile(ctx, ProfileFromUser(user, r.now()))
		if errors.Is(err, ErrProfileExists) {
			return nil
		}
		if err != nil {
			r.logger.Warn("profile insert failed", "user_id", user.ID, "error", err)
			return retry.RetryableError(fmt.Errorf("create profile: %w", err))
		}
		r.logger.Info("profile created", "user_id", user.ID)
		return nil
	})
	if err != nil {
		r.logger.Error("profile reconciliation failed", "user_id", user.ID, "attempts", r.maxRetries, "error", err)
		return &ProfileResult{Err: err.Error()}
	}
	return &ProfileResult{Success: true}
}
