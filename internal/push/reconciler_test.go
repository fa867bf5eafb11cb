package push

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/config"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/credstore"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/domain"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/events"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/pkg/util"
)

type fakeAPI struct {
	mu           sync.Mutex
	registerErrs []error // consumed per call; nil once exhausted
	registered   []string
	unregistered []string
}

func (f *fakeAPI) RegisterPushToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, token)
	if len(f.registerErrs) > 0 {
		err := f.registerErrs[0]
		f.registerErrs = f.registerErrs[1:]
		return err
	}
	return nil
}

func (f *fakeAPI) UnregisterPushToken(_ context.Context, bearer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, bearer)
	return nil
}

func (f *fakeAPI) registerCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registered)
}

func (f *fakeAPI) unregisterCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unregistered...)
}

type fakeSession struct {
	mu      sync.Mutex
	state   domain.SessionState
	profile domain.UserProfile
}

func (f *fakeSession) State() domain.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Profile() domain.UserProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile
}

func (f *fakeSession) UpdateProfile(update domain.ProfileUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if update.PushToken != nil {
		f.profile.PushToken = *update.PushToken
	}
	return nil
}

func testPushConfig() config.PushConfig {
	return config.PushConfig{
		MaxAttempts:              3,
		BaseDelayMillis:          10,
		MaxDelayMillis:           40,
		RegisterTimeoutSeconds:   1,
		UnregisterTimeoutSeconds: 1,
	}
}

func newTestReconciler(t *testing.T, api *fakeAPI, sess *fakeSession) (*Reconciler, *credstore.Store, *atomic.Int64) {
	t.Helper()
	store, err := credstore.New(filepath.Join(t.TempDir(), "credentials.enc"), "test-passphrase", zap.NewNop())
	require.NoError(t, err)

	dispatcher := events.NewInMemoryDispatcher()
	registeredEvents := &atomic.Int64{}
	dispatcher.Subscribe(events.EventPushTokenRegistered, func(_ context.Context, event events.Event) error {
		if _, ok := event.Payload.(events.PushTokenRegisteredPayload); ok {
			registeredEvents.Add(1)
		}
		return nil
	})

	r := NewReconciler(api, sess, store, dispatcher, testPushConfig(), zap.NewNop())
	t.Cleanup(r.Cancel)
	return r, store, registeredEvents
}

func networkErr() error {
	return util.ClassifyTransport(errors.New("connection refused"))
}

func TestReconcilerRegistersOnFirstAttempt(t *testing.T) {
	api := &fakeAPI{}
	sess := &fakeSession{state: domain.StateAuthenticated}
	r, store, registeredEvents := newTestReconciler(t, api, sess)

	r.SetDeviceToken("expo-token")

	require.Eventually(t, func() bool {
		return api.registerCalls() == 1 && sess.Profile().PushToken == "expo-token"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return registeredEvents.Load() == 1 }, time.Second, 10*time.Millisecond)

	// Pending state is cleared on success.
	assert.Eventually(t, func() bool {
		_, present, err := store.Get(credstore.KeyPendingPush)
		return err == nil && !present
	}, time.Second, 10*time.Millisecond)
}

func TestReconcilerRetriesNetworkFailuresThenDefers(t *testing.T) {
	api := &fakeAPI{registerErrs: []error{networkErr(), networkErr(), networkErr()}}
	sess := &fakeSession{state: domain.StateAuthenticated}
	r, store, registeredEvents := newTestReconciler(t, api, sess)

	r.SetDeviceToken("expo-token")

	require.Eventually(t, func() bool { return api.registerCalls() == 3 }, 2*time.Second, 10*time.Millisecond)

	// Exhausted: no fourth attempt within this process.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, api.registerCalls())
	assert.Zero(t, registeredEvents.Load())

	// The pending record survives for the next start.
	raw, present, err := store.Get(credstore.KeyPendingPush)
	require.NoError(t, err)
	require.True(t, present)
	var pending domain.PendingPushRegistration
	require.NoError(t, json.Unmarshal([]byte(raw), &pending))
	assert.Equal(t, "expo-token", pending.Token)
	assert.Equal(t, 3, pending.AttemptCount)
	assert.False(t, pending.LastAttemptAt.IsZero())
}

func TestReconcilerSucceedsAfterRetry(t *testing.T) {
	api := &fakeAPI{registerErrs: []error{networkErr()}}
	sess := &fakeSession{state: domain.StateAuthenticated}
	r, _, registeredEvents := newTestReconciler(t, api, sess)

	r.SetDeviceToken("expo-token")

	require.Eventually(t, func() bool {
		return api.registerCalls() == 2 && registeredEvents.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "expo-token", sess.Profile().PushToken)
}

func TestReconcilerDefersOnNonRetryableFailure(t *testing.T) {
	api := &fakeAPI{registerErrs: []error{
		&util.APIError{Category: util.CategoryValidation, Message: util.MsgInvalidInput, Status: 400},
		networkErr(), networkErr(),
	}}
	sess := &fakeSession{state: domain.StateAuthenticated}
	r, _, _ := newTestReconciler(t, api, sess)

	r.SetDeviceToken("expo-token")

	require.Eventually(t, func() bool { return api.registerCalls() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, api.registerCalls())
}

func TestReconcilerSkipsWhenNotAuthenticated(t *testing.T) {
	api := &fakeAPI{}
	sess := &fakeSession{state: domain.StateUnauthenticated}
	r, _, _ := newTestReconciler(t, api, sess)

	r.SetDeviceToken("expo-token")

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, api.registerCalls())
}

func TestReconcilerSkipsAlreadyRegisteredToken(t *testing.T) {
	api := &fakeAPI{}
	sess := &fakeSession{
		state:   domain.StateAuthenticated,
		profile: domain.UserProfile{PushToken: "expo-token"},
	}
	r, _, _ := newTestReconciler(t, api, sess)

	r.SetDeviceToken("expo-token")

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, api.registerCalls())
}

func TestReconcilerResumeWaitsOutCooldown(t *testing.T) {
	api := &fakeAPI{}
	sess := &fakeSession{state: domain.StateAuthenticated}
	r, store, _ := newTestReconciler(t, api, sess)

	// A recent exhausted cycle: the restart cooldown has not elapsed.
	pending := domain.PendingPushRegistration{
		Token:         "expo-token",
		AttemptCount:  3,
		LastAttemptAt: time.Now(),
	}
	raw, err := json.Marshal(pending)
	require.NoError(t, err)
	require.NoError(t, store.Set(credstore.KeyPendingPush, string(raw)))

	r.Resume()

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, api.registerCalls())
}

func TestReconcilerResumeAfterCooldownResetsAttempts(t *testing.T) {
	api := &fakeAPI{}
	sess := &fakeSession{state: domain.StateAuthenticated}
	r, store, registeredEvents := newTestReconciler(t, api, sess)

	pending := domain.PendingPushRegistration{
		Token:         "expo-token",
		AttemptCount:  3,
		LastAttemptAt: time.Now().Add(-10 * time.Minute),
	}
	raw, err := json.Marshal(pending)
	require.NoError(t, err)
	require.NoError(t, store.Set(credstore.KeyPendingPush, string(raw)))

	r.Resume()

	require.Eventually(t, func() bool {
		return api.registerCalls() == 1 && registeredEvents.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconcilerResumeReconcilesDesiredToken(t *testing.T) {
	api := &fakeAPI{}
	sess := &fakeSession{state: domain.StateUnauthenticated}
	r, _, _ := newTestReconciler(t, api, sess)

	// Token arrives before login completes.
	r.SetDeviceToken("expo-token")
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, api.registerCalls())

	sess.mu.Lock()
	sess.state = domain.StateAuthenticated
	sess.mu.Unlock()
	r.Resume()

	require.Eventually(t, func() bool { return api.registerCalls() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReconcilerCancelStopsBackoff(t *testing.T) {
	api := &fakeAPI{registerErrs: []error{networkErr(), networkErr(), networkErr()}}
	sess := &fakeSession{state: domain.StateAuthenticated}

	store, err := credstore.New(filepath.Join(t.TempDir(), "credentials.enc"), "test-passphrase", zap.NewNop())
	require.NoError(t, err)

	cfg := testPushConfig()
	cfg.BaseDelayMillis = 500 // long backoff so Cancel lands inside it
	r := NewReconciler(api, sess, store, events.NewInMemoryDispatcher(), cfg, zap.NewNop())

	r.SetDeviceToken("expo-token")
	require.Eventually(t, func() bool { return api.registerCalls() == 1 }, 2*time.Second, 10*time.Millisecond)

	r.Cancel()
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, 1, api.registerCalls())
}

func TestReconcilerUnregisterBestEffort(t *testing.T) {
	api := &fakeAPI{}
	sess := &fakeSession{state: domain.StateAuthenticated}
	r, store, _ := newTestReconciler(t, api, sess)

	require.NoError(t, store.Set(credstore.KeyPendingPush, `{"token":"expo-token"}`))

	r.UnregisterBestEffort("snapshot-bearer")

	require.Eventually(t, func() bool {
		calls := api.unregisterCalls()
		return len(calls) == 1 && calls[0] == "snapshot-bearer"
	}, 2*time.Second, 10*time.Millisecond)

	_, present, err := store.Get(credstore.KeyPendingPush)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestReconcilerReactsToSessionEvents(t *testing.T) {
	api := &fakeAPI{}
	sess := &fakeSession{state: domain.StateUnauthenticated}

	store, err := credstore.New(filepath.Join(t.TempDir(), "credentials.enc"), "test-passphrase", zap.NewNop())
	require.NoError(t, err)

	dispatcher := events.NewInMemoryDispatcher()
	r := NewReconciler(api, sess, store, dispatcher, testPushConfig(), zap.NewNop())
	t.Cleanup(r.Cancel)
	r.Start()

	r.SetDeviceToken("expo-token")
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, api.registerCalls())

	sess.mu.Lock()
	sess.state = domain.StateAuthenticated
	sess.mu.Unlock()
	require.NoError(t, dispatcher.Publish(context.Background(), events.New(events.EventSessionStateChanged, events.SessionStateChangedPayload{
		Old: domain.StateAuthenticating,
		New: domain.StateAuthenticated,
	})))

	require.Eventually(t, func() bool { return api.registerCalls() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestBackoffDelay(t *testing.T) {
	base := 10 * time.Millisecond
	limit := 40 * time.Millisecond

	assert.Equal(t, 10*time.Millisecond, backoffDelay(base, limit, 0))
	assert.Equal(t, 20*time.Millisecond, backoffDelay(base, limit, 1))
	assert.Equal(t, 40*time.Millisecond, backoffDelay(base, limit, 2))
	assert.Equal(t, 40*time.Millisecond, backoffDelay(base, limit, 5))
}
