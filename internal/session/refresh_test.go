package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/credstore"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/domain"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/events"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/observability"
)

// expiredRecorder counts session_expired notices.
type expiredRecorder struct {
	count atomic.Int64
}

func (r *expiredRecorder) handle(_ context.Context, event events.Event) error {
	if _, ok := event.Payload.(events.SessionExpiredPayload); ok {
		r.count.Add(1)
	}
	return nil
}

func newAuthenticatedCoordinator(t *testing.T, baseURL string) (*Coordinator, *Machine, *credstore.Store, *expiredRecorder) {
	t.Helper()

	store := newTestStoreForSession(t)
	dispatcher := events.NewInMemoryDispatcher()
	recorder := &expiredRecorder{}
	dispatcher.Subscribe(events.EventSessionExpired, recorder.handle)

	m := NewMachine(store, dispatcher, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, m.BeginLogin(ctx))
	require.NoError(t, m.Establish(ctx, domain.AuthResponse{
		User: testProfile(), Token: "old-access", RefreshToken: "refresh-1",
	}))

	c := NewCoordinator(m, http.DefaultClient, baseURL, 5*time.Second, dispatcher, observability.NewMetrics(), zap.NewNop())
	return c, m, store, recorder
}

func TestRefreshSuccess(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/auth/refresh", r.URL.Path)

		var req domain.RefreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotToken = req.RefreshToken

		_ = json.NewEncoder(w).Encode(domain.AuthResponse{
			Token:        "new-access",
			RefreshToken: "refresh-2",
		})
	}))
	defer srv.Close()

	c, m, _, recorder := newAuthenticatedCoordinator(t, srv.URL)

	token, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
	assert.Equal(t, "refresh-1", gotToken)
	assert.Equal(t, domain.StateAuthenticated, m.State())

	live, ok := m.CurrentToken()
	assert.True(t, ok)
	assert.Equal(t, "new-access", live)

	// Rotation: the next refresh must present the new token.
	refreshToken, err := m.BeginRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", refreshToken)

	assert.Zero(t, recorder.count.Load())
}

func TestRefreshSingleFlight(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(150 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(domain.AuthResponse{Token: "new-access", RefreshToken: "refresh-2"})
	}))
	defer srv.Close()

	c, _, _, _ := newAuthenticatedCoordinator(t, srv.URL)

	const waiters = 8
	tokens := make([]string, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := c.Refresh(context.Background())
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, token := range tokens {
		assert.Equal(t, "new-access", token)
	}
}

func TestRefreshRejectionDestroysSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"Invalid refresh token"}}`))
	}))
	defer srv.Close()

	c, m, store, recorder := newAuthenticatedCoordinator(t, srv.URL)

	const waiters = 4
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Refresh(context.Background())
			assert.ErrorIs(t, err, ErrSessionExpired)
		}()
	}
	wg.Wait()

	assert.Equal(t, domain.StateUnauthenticated, m.State())
	_, ok := m.CurrentToken()
	assert.False(t, ok)

	for _, key := range []string{credstore.KeyAccessToken, credstore.KeyRefreshToken, credstore.KeyUserProfile} {
		_, present, err := store.Get(key)
		require.NoError(t, err)
		assert.False(t, present, key)
	}

	// One notice per failed flight, no matter how many callers were waiting.
	assert.Equal(t, int64(1), recorder.count.Load())
}

func TestRefreshNetworkFailureIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c, m, _, recorder := newAuthenticatedCoordinator(t, srv.URL)
	srv.Close() // every call now fails at the transport level

	_, err := c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, domain.StateUnauthenticated, m.State())
	assert.Equal(t, int64(1), recorder.count.Load())
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	store := newTestStoreForSession(t)
	dispatcher := events.NewInMemoryDispatcher()
	recorder := &expiredRecorder{}
	dispatcher.Subscribe(events.EventSessionExpired, recorder.handle)

	m := NewMachine(store, dispatcher, zap.NewNop())
	c := NewCoordinator(m, http.DefaultClient, "http://127.0.0.1:1", time.Second, dispatcher, observability.NewMetrics(), zap.NewNop())

	_, err := c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)

	// The session was already gone; no duplicate teardown notice.
	assert.Zero(t, recorder.count.Load())
	assert.Equal(t, domain.StateUnauthenticated, m.State())
}

func TestRefreshCallerCanStopWaiting(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(domain.AuthResponse{Token: "new-access"})
	}))
	defer srv.Close()
	defer close(release)

	c, _, _, _ := newAuthenticatedCoordinator(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Refresh(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefreshMissingTokenInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(domain.AuthResponse{RefreshToken: "refresh-2"})
	}))
	defer srv.Close()

	c, m, _, recorder := newAuthenticatedCoordinator(t, srv.URL)

	_, err := c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, domain.StateUnauthenticated, m.State())
	assert.Equal(t, int64(1), recorder.count.Load())
}
