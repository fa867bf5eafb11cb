package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/credstore"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/domain"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/events"
)

// ErrInvalidTransition is returned when a lifecycle operation is attempted in
// a state that does not allow it.
var ErrInvalidTransition = errors.New("invalid session state transition")

// ErrNoRefreshToken is returned when a refresh is requested but no refresh
// token is available.
var ErrNoRefreshToken = errors.New("no refresh token available")

// Machine owns the in-memory session and its lifecycle states. It is the
// single source of truth for "is the user authenticated". All mutation goes
// through its methods; transitions persist to the credential store atomically
// and emit session_state_changed events.
//
// Events are published after the internal lock is released, so subscribers
// may call back into the machine.
type Machine struct {
	mu         sync.Mutex
	sess       domain.Session
	store      *credstore.Store
	dispatcher events.Dispatcher
	logger     *zap.Logger
}

// NewMachine builds a machine in the Unauthenticated state.
func NewMachine(store *credstore.Store, dispatcher events.Dispatcher, logger *zap.Logger) *Machine {
	return &Machine{
		sess:       domain.Session{State: domain.StateUnauthenticated},
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Restore loads persisted credentials on cold start. The machine passes
// through Authenticating while the store is read, then settles on
// Authenticated (valid token), Expired (stored access token already past its
// JWT expiry; the refresh token is retained and the access token cleared), or
// Unauthenticated (nothing usable stored).
func (m *Machine) Restore(ctx context.Context) error {
	var pending []events.Event
	defer func() { m.publish(ctx, pending) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	pending = m.transitionLocked(pending, domain.StateAuthenticating)

	access, _, errA := m.store.Get(credstore.KeyAccessToken)
	refresh, okR, errR := m.store.Get(credstore.KeyRefreshToken)
	profileJSON, okP, errP := m.store.Get(credstore.KeyUserProfile)
	if err := errors.Join(errA, errR, errP); err != nil {
		m.clearLocked()
		pending = m.transitionLocked(pending, domain.StateUnauthenticated)
		return fmt.Errorf("restore session: %w", err)
	}

	if !okR || refresh == "" || !okP {
		m.clearLocked()
		pending = m.transitionLocked(pending, domain.StateUnauthenticated)
		return nil
	}

	var profile domain.UserProfile
	if err := json.Unmarshal([]byte(profileJSON), &profile); err != nil {
		m.logger.Warn("stored profile unreadable, discarding session", zap.Error(err))
		m.clearLocked()
		_ = m.store.DeleteMany(credstore.KeyAccessToken, credstore.KeyRefreshToken, credstore.KeyUserProfile)
		pending = m.transitionLocked(pending, domain.StateUnauthenticated)
		return nil
	}

	if access != "" && !tokenExpired(access) {
		m.sess.AccessToken = access
		m.sess.RefreshToken = refresh
		m.sess.User = profile
		pending = m.transitionLocked(pending, domain.StateAuthenticated)
		return nil
	}

	// Stale access token: keep the refresh token so the coordinator can
	// exchange it, clear the access token to preserve the token/state
	// invariant.
	m.sess.AccessToken = ""
	m.sess.RefreshToken = refresh
	m.sess.User = profile
	pending = m.transitionLocked(pending, domain.StateExpired)
	return nil
}

// BeginLogin transitions to Authenticating. Allowed from Unauthenticated and
// Expired.
func (m *Machine) BeginLogin(ctx context.Context) error {
	var pending []events.Event
	defer func() { m.publish(ctx, pending) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.sess.State {
	case domain.StateUnauthenticated, domain.StateExpired:
		m.clearLocked()
		pending = m.transitionLocked(pending, domain.StateAuthenticating)
		return nil
	default:
		return fmt.Errorf("%w: login from %s", ErrInvalidTransition, m.sess.State)
	}
}

// FailLogin settles a failed login attempt back to Unauthenticated.
func (m *Machine) FailLogin(ctx context.Context) {
	var pending []events.Event
	defer func() { m.publish(ctx, pending) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearLocked()
	pending = m.transitionLocked(pending, domain.StateUnauthenticated)
}

// Establish persists the session triple atomically and transitions to
// Authenticated.
func (m *Machine) Establish(ctx context.Context, resp domain.AuthResponse) error {
	if resp.Token == "" || resp.RefreshToken == "" {
		return errors.New("establish session: token material missing")
	}

	var pending []events.Event
	defer func() { m.publish(ctx, pending) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.persistLocked(resp.Token, resp.RefreshToken, resp.User); err != nil {
		m.clearLocked()
		pending = m.transitionLocked(pending, domain.StateUnauthenticated)
		return err
	}

	m.sess.AccessToken = resp.Token
	m.sess.RefreshToken = resp.RefreshToken
	m.sess.User = resp.User
	pending = m.transitionLocked(pending, domain.StateAuthenticated)
	return nil
}

// BeginRefresh marks the start of a token refresh and returns the refresh
// token to exchange. From Authenticated the machine moves to Refreshing; from
// Expired (cold start with a stale access token) it stays in Expired for the
// duration of the flight, since there is no live access token to keep serving.
func (m *Machine) BeginRefresh(ctx context.Context) (string, error) {
	var pending []events.Event
	defer func() { m.publish(ctx, pending) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}

	switch m.sess.State {
	case domain.StateAuthenticated:
		pending = m.transitionLocked(pending, domain.StateRefreshing)
	case domain.StateExpired, domain.StateRefreshing:
		// already in a refresh-eligible state
	default:
		return "", fmt.Errorf("%w: refresh from %s", ErrInvalidTransition, m.sess.State)
	}
	return m.sess.RefreshToken, nil
}

// ApplyRefreshed atomically replaces token material after a successful
// refresh. Invoked only by the refresh coordinator. An empty refreshToken
// keeps the previous one (fixed-mode servers omit it); a nil user keeps the
// cached profile.
func (m *Machine) ApplyRefreshed(ctx context.Context, token, refreshToken string, user *domain.UserProfile) error {
	if token == "" {
		return errors.New("apply refreshed: empty access token")
	}

	var pending []events.Event
	defer func() { m.publish(ctx, pending) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if refreshToken == "" {
		refreshToken = m.sess.RefreshToken
	}
	profile := m.sess.User
	if user != nil {
		profile = *user
	}

	if err := m.persistLocked(token, refreshToken, profile); err != nil {
		return err
	}

	m.sess.AccessToken = token
	m.sess.RefreshToken = refreshToken
	m.sess.User = profile
	pending = m.transitionLocked(pending, domain.StateAuthenticated)
	return nil
}

// Invalidate destroys the session: clears the persisted triple and all
// in-memory token material, then transitions to Unauthenticated. Used for
// logout and for terminal refresh failures.
func (m *Machine) Invalidate(ctx context.Context) {
	var pending []events.Event
	defer func() { m.publish(ctx, pending) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteMany(credstore.KeyAccessToken, credstore.KeyRefreshToken, credstore.KeyUserProfile); err != nil {
		m.logger.Warn("failed to clear credential store", zap.Error(err))
	}
	m.clearLocked()
	pending = m.transitionLocked(pending, domain.StateUnauthenticated)
}

// CurrentToken returns the live access token. Present only while the state is
// Authenticated or Refreshing.
func (m *Machine) CurrentToken() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sess.State.Usable() || m.sess.AccessToken == "" {
		return "", false
	}
	return m.sess.AccessToken, true
}

// State returns the current lifecycle state.
func (m *Machine) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.State
}

// Profile returns a copy of the cached user profile.
func (m *Machine) Profile() domain.UserProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.User
}

// UpdateProfile merges a partial update into the cached profile and persists
// it, without changing session state.
func (m *Machine) UpdateProfile(update domain.ProfileUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if update.Name != nil {
		m.sess.User.Name = *update.Name
	}
	if update.Role != nil {
		m.sess.User.Role = *update.Role
	}
	if update.PushToken != nil {
		m.sess.User.PushToken = *update.PushToken
	}

	profileJSON, err := json.Marshal(m.sess.User)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return m.store.Set(credstore.KeyUserProfile, string(profileJSON))
}

// persistLocked writes the session triple in one atomic store write.
func (m *Machine) persistLocked(token, refreshToken string, profile domain.UserProfile) error {
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return m.store.SetMany(map[string]string{
		credstore.KeyAccessToken:  token,
		credstore.KeyRefreshToken: refreshToken,
		credstore.KeyUserProfile:  string(profileJSON),
	})
}

func (m *Machine) clearLocked() {
	m.sess.AccessToken = ""
	m.sess.RefreshToken = ""
	m.sess.User = domain.UserProfile{}
}

// transitionLocked records the state change and queues its event. Callers
// hold m.mu and publish the returned slice after unlocking.
func (m *Machine) transitionLocked(pending []events.Event, next domain.SessionState) []events.Event {
	old := m.sess.State
	if old == next {
		return pending
	}
	m.sess.State = next
	m.logger.Info("session state changed",
		zap.String("old", string(old)),
		zap.String("new", string(next)))
	return append(pending, events.New(events.EventSessionStateChanged, events.SessionStateChangedPayload{
		Old: old,
		New: next,
	}))
}

func (m *Machine) publish(ctx context.Context, pending []events.Event) {
	if m.dispatcher == nil {
		return
	}
	for _, evt := range pending {
		_ = m.dispatcher.Publish(ctx, evt)
	}
}

// tokenExpired peeks at a JWT's exp claim without verifying the signature
// (only the backend can verify it). Opaque or claim-less tokens are treated
// as live; the gateway's 401 path handles them if the server disagrees.
func tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
