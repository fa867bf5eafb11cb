package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/domain"
)

// AuthAPI is the slice of the backend client the service needs.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*domain.AuthResponse, error)
}

// PushReconciler is the slice of the push reconciler the service needs for
// logout handling.
type PushReconciler interface {
	Cancel()
	UnregisterBestEffort(bearer string)
}

// Service is the session entry point for the rest of the application. It
// owns the state machine and coordinates login and logout across the backend
// client and the push reconciler. Constructed once per process and passed by
// reference; there is no ambient global session.
type Service struct {
	machine *Machine
	api     AuthAPI
	push    PushReconciler
	logger  *zap.Logger
}

// NewService builds the service.
func NewService(machine *Machine, api AuthAPI, push PushReconciler, logger *zap.Logger) *Service {
	return &Service{
		machine: machine,
		api:     api,
		push:    push,
		logger:  logger,
	}
}

// Machine exposes the underlying state machine for read access and event
// wiring.
func (s *Service) Machine() *Machine {
	return s.machine
}

// Login authenticates against the backend. On success the session triple is
// persisted and the machine lands in Authenticated; on failure it settles in
// Unauthenticated and the returned error carries the classified, user-facing
// message.
func (s *Service) Login(ctx context.Context, email, password string) (*domain.UserProfile, error) {
	if err := s.machine.BeginLogin(ctx); err != nil {
		return nil, err
	}

	resp, err := s.api.Login(ctx, email, password)
	if err != nil {
		s.machine.FailLogin(ctx)
		s.logger.Warn("login failed", zap.String("email", email), zap.Error(err))
		return nil, err
	}

	if err := s.machine.Establish(ctx, *resp); err != nil {
		return nil, err
	}

	profile := s.machine.Profile()
	s.logger.Info("login succeeded", zap.String("user_id", profile.ID))
	return &profile, nil
}

// Logout always succeeds locally: pending push work is cancelled, the
// credential store is cleared and the machine transitions to Unauthenticated.
// Server-side push-token unregistration is best-effort with a short timeout
// and never blocks the transition; the bearer is snapshotted first because
// the live token is gone once the session is destroyed.
func (s *Service) Logout(ctx context.Context) {
	bearer, _ := s.machine.CurrentToken()

	if s.push != nil {
		s.push.Cancel()
	}
	s.machine.Invalidate(ctx)
	if s.push != nil && bearer != "" {
		s.push.UnregisterBestEffort(bearer)
	}
	s.logger.Info("logged out")
}

// UpdateProfile merges a partial profile update into the cached copy.
func (s *Service) UpdateProfile(update domain.ProfileUpdate) error {
	return s.machine.UpdateProfile(update)
}

// CurrentToken returns the live access token for API clients used by the
// report, alarm and meter features.
func (s *Service) CurrentToken() (string, bool) {
	return s.machine.CurrentToken()
}

// State returns the current session lifecycle state.
func (s *Service) State() domain.SessionState {
	return s.machine.State()
}
