package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/config"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/credstore"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/domain"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/events"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/pkg/util"
)

// API is the slice of the backend client the reconciler needs.
type API interface {
	RegisterPushToken(ctx context.Context, token string) error
	UnregisterPushToken(ctx context.Context, bearer string) error
}

// Session is the slice of the session machine the reconciler needs.
type Session interface {
	State() domain.SessionState
	Profile() domain.UserProfile
	UpdateProfile(update domain.ProfileUpdate) error
}

// Reconciler keeps the server's record of this device's push token consistent
// with the locally obtained one. Registration attempts run in a background
// cycle with exponential backoff; pending state is persisted so a cycle
// interrupted by a crash resumes on the next process start. Session usage is
// never blocked by reconciliation.
type Reconciler struct {
	api        API
	session    Session
	store      *credstore.Store
	dispatcher events.Dispatcher
	cfg        config.PushConfig
	logger     *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	desired string
}

// NewReconciler builds the reconciler.
func NewReconciler(
	api API,
	session Session,
	store *credstore.Store,
	dispatcher events.Dispatcher,
	cfg config.PushConfig,
	logger *zap.Logger,
) *Reconciler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Reconciler{
		api:        api,
		session:    session,
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start subscribes to session lifecycle events: reconciliation resumes when
// the session becomes Authenticated and is cancelled when it dies.
func (r *Reconciler) Start() {
	if r.dispatcher == nil {
		return
	}
	r.dispatcher.Subscribe(events.EventSessionStateChanged, r.handleStateChanged)
}

func (r *Reconciler) handleStateChanged(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.SessionStateChangedPayload)
	if !ok {
		return nil
	}
	switch payload.New {
	case domain.StateAuthenticated:
		r.Resume()
	case domain.StateUnauthenticated:
		r.Cancel()
	}
	return nil
}

// SetDeviceToken records the token handed over by the platform notification
// service. When the session is authenticated and the token differs from the
// registered one, a fresh registration cycle starts immediately.
func (r *Reconciler) SetDeviceToken(token string) {
	r.mu.Lock()
	r.desired = token
	r.mu.Unlock()

	if token == "" || r.session.State() != domain.StateAuthenticated {
		return
	}
	if r.session.Profile().PushToken == token {
		return
	}

	r.begin(domain.PendingPushRegistration{Token: token}, 0)
}

// Resume restarts reconciliation after login or process start. A pending
// registration whose last attempt is older than the restart cooldown resumes
// immediately with the attempt count reset; a fresher one waits out the
// remaining cooldown first. Without pending state, the desired device token
// is reconciled if it differs from the registered one.
func (r *Reconciler) Resume() {
	if r.session.State() != domain.StateAuthenticated {
		return
	}

	pending, err := r.loadPending()
	if err != nil {
		r.logger.Warn("failed to load pending push registration", zap.Error(err))
		return
	}

	if pending == nil {
		r.mu.Lock()
		desired := r.desired
		r.mu.Unlock()
		if desired != "" && r.session.Profile().PushToken != desired {
			r.begin(domain.PendingPushRegistration{Token: desired}, 0)
		}
		return
	}

	var delay time.Duration
	if !pending.LastAttemptAt.IsZero() {
		if elapsed := time.Since(pending.LastAttemptAt); elapsed < r.cfg.RestartCooldown() {
			delay = r.cfg.RestartCooldown() - elapsed
		}
	}
	pending.AttemptCount = 0
	r.begin(*pending, delay)
}

// Cancel deterministically stops the current cycle, including any backoff
// timer. Driven by logout and by the session dying.
func (r *Reconciler) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// UnregisterBestEffort cancels pending work and fires one unregister call
// with a short timeout. Failure is logged, never retried: the server may keep
// a stale token, which the next login overwrites idempotently.
func (r *Reconciler) UnregisterBestEffort(bearer string) {
	r.Cancel()
	r.mu.Lock()
	r.desired = ""
	r.mu.Unlock()

	if err := r.clearPending(); err != nil {
		r.logger.Warn("failed to clear pending push registration", zap.Error(err))
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.UnregisterTimeout())
		defer cancel()
		if err := r.api.UnregisterPushToken(ctx, bearer); err != nil {
			r.logger.Warn("push token unregister failed", zap.Error(err))
			return
		}
		r.logger.Info("push token unregistered")
	}()
}

// begin persists the pending record, replaces any running cycle and launches
// a new one after the given initial delay.
func (r *Reconciler) begin(pending domain.PendingPushRegistration, delay time.Duration) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	if err := r.savePending(pending); err != nil {
		r.logger.Warn("failed to persist pending push registration", zap.Error(err))
	}

	go r.runCycle(ctx, pending, delay)
}

// runCycle issues up to MaxAttempts registration attempts, backing off
// between network failures. Exhaustion persists the record and defers to the
// next process start.
func (r *Reconciler) runCycle(ctx context.Context, pending domain.PendingPushRegistration, delay time.Duration) {
	if delay > 0 {
		r.logger.Info("push registration waiting out cooldown", zap.Duration("delay", delay))
		if !sleep(ctx, delay) {
			return
		}
	}

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.RegisterTimeout())
		err := r.api.RegisterPushToken(attemptCtx, pending.Token)
		cancel()

		if err == nil {
			token := pending.Token
			if updateErr := r.session.UpdateProfile(domain.ProfileUpdate{PushToken: &token}); updateErr != nil {
				r.logger.Warn("failed to cache registered push token", zap.Error(updateErr))
			}
			if clearErr := r.clearPending(); clearErr != nil {
				r.logger.Warn("failed to clear pending push registration", zap.Error(clearErr))
			}
			if r.dispatcher != nil {
				_ = r.dispatcher.Publish(ctx, events.New(events.EventPushTokenRegistered, events.PushTokenRegisteredPayload{
					Token: token,
				}))
			}
			r.logger.Info("push token registered", zap.Int("attempts", pending.AttemptCount+1))
			return
		}

		if ctx.Err() != nil {
			return
		}

		pending.AttemptCount++
		pending.LastAttemptAt = time.Now()
		if saveErr := r.savePending(pending); saveErr != nil {
			r.logger.Warn("failed to persist pending push registration", zap.Error(saveErr))
		}

		var apiErr *util.APIError
		if !errors.As(err, &apiErr) || apiErr.Category != util.CategoryNetwork {
			// Only transient network failures are retried within a cycle.
			r.logger.Warn("push registration deferred on non-retryable failure", zap.Error(err))
			return
		}

		if pending.AttemptCount >= r.cfg.MaxAttempts {
			r.logger.Info("push registration retries exhausted, deferring to next start",
				zap.Int("attempts", pending.AttemptCount))
			return
		}

		wait := backoffDelay(r.cfg.BaseDelay(), r.cfg.MaxDelay(), pending.AttemptCount)
		r.logger.Debug("push registration backing off",
			zap.Int("attempt", pending.AttemptCount),
			zap.Duration("wait", wait))
		if !sleep(ctx, wait) {
			return
		}
	}
}

// backoffDelay returns min(base * 2^attempt, limit).
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// sleep waits for d unless ctx ends first; reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Reconciler) loadPending() (*domain.PendingPushRegistration, error) {
	raw, ok, err := r.store.Get(credstore.KeyPendingPush)
	if err != nil || !ok {
		return nil, err
	}
	var pending domain.PendingPushRegistration
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return nil, err
	}
	return &pending, nil
}

func (r *Reconciler) savePending(pending domain.PendingPushRegistration) error {
	raw, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return r.store.SetMany(map[string]string{
		credstore.KeyPendingPush:     string(raw),
		credstore.KeyLastPushAttempt: pending.LastAttemptAt.UTC().Format(time.RFC3339Nano),
	})
}

func (r *Reconciler) clearPending() error {
	return r.store.DeleteMany(credstore.KeyPendingPush, credstore.KeyLastPushAttempt)
}
