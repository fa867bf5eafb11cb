package domain

// UserProfile is the cached copy of the server-side user record. The server
// remains the source of truth; the copy lives in the session and in the
// credential store.
type UserProfile struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	OrganizationID string `json:"organizationId"`
	PushToken      string `json:"pushToken,omitempty"`
}

// ProfileUpdate carries a partial profile merge. Nil fields are left
// untouched.
type ProfileUpdate struct {
	Name      *string
	Role      *string
	PushToken *string
}
