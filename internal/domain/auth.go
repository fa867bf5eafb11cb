package domain

// Credentials is the login request payload.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is the payload returned by the login and refresh endpoints.
// RefreshToken may be empty on refresh when the server runs in fixed
// (non-rotating) mode; callers keep the previous one in that case.
type AuthResponse struct {
	User         UserProfile `json:"user"`
	Token        string      `json:"token"`
	RefreshToken string      `json:"refreshToken,omitempty"`
}

// RefreshRequest is the refresh endpoint payload.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// PushTokenRequest is the push-token registration payload. A nil PushToken
// unregisters the device.
type PushTokenRequest struct {
	PushToken *string `json:"pushToken"`
}
