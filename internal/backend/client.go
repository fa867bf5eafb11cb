package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/config"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/domain"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/gateway"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/pkg/util"
)

// Endpoint paths on the collaborator backend.
const (
	loginPath     = "/api/auth/login"
	pushTokenPath = "/api/notifications/push-token"
)

// Client exposes the typed backend endpoints the session core consumes. All
// calls route through the request gateway, which owns bearer attachment,
// classification and the refresh-then-replay path.
type Client struct {
	gw     *gateway.Gateway
	api    config.APIConfig
	push   config.PushConfig
	logger *zap.Logger
}

// NewClient builds the client.
func NewClient(gw *gateway.Gateway, api config.APIConfig, push config.PushConfig, logger *zap.Logger) *Client {
	return &Client{gw: gw, api: api, push: push, logger: logger}
}

// Login exchanges credentials for a session. Failures carry the classified
// user-facing message ("Your email or password is incorrect..." on rejected
// credentials).
func (c *Client) Login(ctx context.Context, email, password string) (*domain.AuthResponse, error) {
	resp, err := c.gw.Do(ctx, gateway.Request{
		Method:       http.MethodPost,
		Path:         loginPath,
		Body:         domain.Credentials{Email: email, Password: password},
		Timeout:      c.api.LoginTimeout(),
		AuthEndpoint: true,
	})
	if err != nil {
		return nil, err
	}

	var auth domain.AuthResponse
	if err := resp.Decode(&auth); err != nil {
		return nil, err
	}
	if auth.Token == "" || auth.RefreshToken == "" {
		return nil, fmt.Errorf("login response missing token material")
	}
	return &auth, nil
}

// RegisterPushToken registers the device push token for the current session.
// A 409 means the token is already registered and counts as success.
func (c *Client) RegisterPushToken(ctx context.Context, token string) error {
	_, err := c.gw.Do(ctx, gateway.Request{
		Method:  http.MethodPut,
		Path:    pushTokenPath,
		Body:    domain.PushTokenRequest{PushToken: &token},
		Timeout: c.push.RegisterTimeout(),
	})
	return ignoreConflict(err)
}

// UnregisterPushToken clears the server-side push token using an explicit
// bearer snapshot, so it still works right after the local session has been
// destroyed on logout.
func (c *Client) UnregisterPushToken(ctx context.Context, bearer string) error {
	_, err := c.gw.Do(ctx, gateway.Request{
		Method:  http.MethodPut,
		Path:    pushTokenPath,
		Body:    domain.PushTokenRequest{PushToken: nil},
		Timeout: c.push.UnregisterTimeout(),
		Token:   bearer,
	})
	return ignoreConflict(err)
}

// ignoreConflict treats 409 as success: the push-token endpoint is
// idempotent and a conflict means the record is already in the desired state.
func ignoreConflict(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *util.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return nil
	}
	return err
}
