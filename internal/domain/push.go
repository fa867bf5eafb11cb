package domain

import "time"

// PendingPushRegistration tracks an unconfirmed push-token registration so
// that reconciliation survives process restarts. Cleared on confirmed success
// or explicit unregister.
type PendingPushRegistration struct {
	Token         string    `json:"token"`
	AttemptCount  int       `json:"attemptCount"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
}
