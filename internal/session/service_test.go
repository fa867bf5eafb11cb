package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/credstore"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/domain"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/pkg/util"
)

type fakeAuthAPI struct {
	resp  *domain.AuthResponse
	err   error
	calls int
}

func (f *fakeAuthAPI) Login(_ context.Context, _, _ string) (*domain.AuthResponse, error) {
	f.calls++
	return f.resp, f.err
}

type fakeReconciler struct {
	cancelled    int
	unregistered []string
}

func (f *fakeReconciler) Cancel() { f.cancelled++ }

func (f *fakeReconciler) UnregisterBestEffort(bearer string) {
	f.unregistered = append(f.unregistered, bearer)
}

func newTestService(t *testing.T, api *fakeAuthAPI, push *fakeReconciler) (*Service, *credstore.Store) {
	t.Helper()
	m, store, _ := newTestMachine(t)
	return NewService(m, api, push, zap.NewNop()), store
}

func TestServiceLoginSuccess(t *testing.T) {
	api := &fakeAuthAPI{resp: &domain.AuthResponse{
		User: testProfile(), Token: "access-1", RefreshToken: "refresh-1",
	}}
	svc, store := newTestService(t, api, &fakeReconciler{})

	profile, err := svc.Login(context.Background(), "operator@example.com", "changeme")
	require.NoError(t, err)
	assert.Equal(t, "user-1", profile.ID)
	assert.Equal(t, domain.StateAuthenticated, svc.State())

	token, ok := svc.CurrentToken()
	assert.True(t, ok)
	assert.Equal(t, "access-1", token)

	_, present, err := store.Get(credstore.KeyRefreshToken)
	require.NoError(t, err)
	assert.True(t, present)
}

func TestServiceLoginFailure(t *testing.T) {
	api := &fakeAuthAPI{err: &util.APIError{
		Category: util.CategoryUnauthenticated,
		Message:  util.MsgInvalidCredentials,
		Status:   401,
	}}
	svc, store := newTestService(t, api, &fakeReconciler{})

	_, err := svc.Login(context.Background(), "operator@example.com", "wrong")
	require.Error(t, err)

	var apiErr *util.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, util.MsgInvalidCredentials, apiErr.Message)

	assert.Equal(t, domain.StateUnauthenticated, svc.State())
	_, ok := svc.CurrentToken()
	assert.False(t, ok)

	_, present, err := store.Get(credstore.KeyAccessToken)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestServiceLoginRejectedWhileAuthenticated(t *testing.T) {
	api := &fakeAuthAPI{resp: &domain.AuthResponse{
		User: testProfile(), Token: "access-1", RefreshToken: "refresh-1",
	}}
	svc, _ := newTestService(t, api, &fakeReconciler{})

	_, err := svc.Login(context.Background(), "operator@example.com", "changeme")
	require.NoError(t, err)

	_, err = svc.Login(context.Background(), "operator@example.com", "changeme")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, api.calls)
}

func TestServiceLogout(t *testing.T) {
	api := &fakeAuthAPI{resp: &domain.AuthResponse{
		User: testProfile(), Token: "access-1", RefreshToken: "refresh-1",
	}}
	push := &fakeReconciler{}
	svc, store := newTestService(t, api, push)

	_, err := svc.Login(context.Background(), "operator@example.com", "changeme")
	require.NoError(t, err)

	svc.Logout(context.Background())

	assert.Equal(t, domain.StateUnauthenticated, svc.State())
	assert.Equal(t, 1, push.cancelled)
	// The unregister call carries the pre-logout bearer snapshot.
	assert.Equal(t, []string{"access-1"}, push.unregistered)

	for _, key := range []string{credstore.KeyAccessToken, credstore.KeyRefreshToken, credstore.KeyUserProfile} {
		_, present, err := store.Get(key)
		require.NoError(t, err)
		assert.False(t, present, key)
	}
}

func TestServiceLogoutWithoutSession(t *testing.T) {
	push := &fakeReconciler{}
	svc, _ := newTestService(t, &fakeAuthAPI{}, push)

	svc.Logout(context.Background())

	assert.Equal(t, domain.StateUnauthenticated, svc.State())
	// No bearer to unregister with.
	assert.Empty(t, push.unregistered)
}

func TestServiceUpdateProfile(t *testing.T) {
	api := &fakeAuthAPI{resp: &domain.AuthResponse{
		User: testProfile(), Token: "access-1", RefreshToken: "refresh-1",
	}}
	svc, _ := newTestService(t, api, &fakeReconciler{})

	_, err := svc.Login(context.Background(), "operator@example.com", "changeme")
	require.NoError(t, err)

	name := "Night Shift Operator"
	require.NoError(t, svc.UpdateProfile(domain.ProfileUpdate{Name: &name}))
	assert.Equal(t, "Night Shift Operator", svc.Machine().Profile().Name)
}
