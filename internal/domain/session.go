package domain

// SessionState represents lifecycle states for the device session.
type SessionState string

const (
	StateUnauthenticated SessionState = "UNAUTHENTICATED"
	StateAuthenticating  SessionState = "AUTHENTICATING"
	StateAuthenticated   SessionState = "AUTHENTICATED"
	StateRefreshing      SessionState = "REFRESHING"
	StateExpired         SessionState = "EXPIRED"
)

// Usable reports whether the state carries a live access token.
func (s SessionState) Usable() bool {
	return s == StateAuthenticated || s == StateRefreshing
}

// Session is the in-memory authenticated session. It is owned exclusively by
// the session machine; other components read it through accessor methods and
// never mutate its fields directly.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         UserProfile
	State        SessionState
}
