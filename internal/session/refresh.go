package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/domain"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/events"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/observability"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/pkg/util"
)

// ErrSessionExpired is the terminal error for a failed refresh. The session
// has been destroyed; callers must not retry against it and the user has to
// re-authenticate.
var ErrSessionExpired = errors.New("session expired")

const refreshPath = "/api/auth/refresh"

// Coordinator guarantees at most one in-flight token refresh per process and
// fans the settled outcome out to every concurrent caller. The refresh call
// goes straight to the backend with its own timeout; it deliberately bypasses
// the gateway's 401 handling.
type Coordinator struct {
	machine    *Machine
	client     *http.Client
	baseURL    string
	timeout    time.Duration
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	group      singleflight.Group
}

// NewCoordinator builds the coordinator.
func NewCoordinator(
	machine *Machine,
	client *http.Client,
	baseURL string,
	timeout time.Duration,
	dispatcher events.Dispatcher,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Coordinator {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Coordinator{
		machine:    machine,
		client:     client,
		baseURL:    baseURL,
		timeout:    timeout,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
	}
}

// Refresh joins (or starts) the shared refresh operation and returns the new
// access token. All concurrent callers observe the same outcome. A caller
// whose context ends stops waiting, but the flight itself keeps running to
// completion so other waiters still get a settled result.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		return c.refresh()
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// refresh performs the single refresh flight. Any failure is terminal for the
// session: the store is cleared, the machine transitions to Unauthenticated
// and one session_expired notice is emitted. The refresh call itself is never
// retried.
func (c *Coordinator) refresh() (string, error) {
	refreshToken, err := c.machine.BeginRefresh(context.Background())
	if err != nil {
		// No usable refresh token; the session is already gone, so no
		// teardown and no duplicate notice.
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	payload, err := json.Marshal(domain.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		c.fail(err)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+refreshPath, bytes.NewReader(payload))
	if err != nil {
		c.fail(err)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.fail(util.ClassifyTransport(err))
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.fail(err)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := util.Classify(resp.StatusCode, body, true)
		c.fail(apiErr)
		return "", fmt.Errorf("%w: refresh rejected with status %d", ErrSessionExpired, resp.StatusCode)
	}

	var auth domain.AuthResponse
	if err := json.Unmarshal(body, &auth); err != nil {
		c.fail(err)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	if auth.Token == "" {
		err := errors.New("refresh response missing access token")
		c.fail(err)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	var user *domain.UserProfile
	if auth.User.ID != "" {
		user = &auth.User
	}
	if err := c.machine.ApplyRefreshed(context.Background(), auth.Token, auth.RefreshToken, user); err != nil {
		c.fail(err)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	c.metrics.RecordRefresh(true)
	c.logger.Info("access token refreshed")
	return auth.Token, nil
}

// fail tears the session down. Runs at most once per flight, so the expired
// notice is emitted exactly once no matter how many requests are waiting.
func (c *Coordinator) fail(cause error) {
	c.logger.Warn("token refresh failed, destroying session", zap.Error(cause))
	c.metrics.RecordRefresh(false)
	c.machine.Invalidate(context.Background())
	if c.dispatcher != nil {
		_ = c.dispatcher.Publish(context.Background(), events.New(events.EventSessionExpired, events.SessionExpiredPayload{
			Message: util.MsgSessionExpired,
		}))
	}
}
