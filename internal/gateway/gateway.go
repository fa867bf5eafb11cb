package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/observability"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/pkg/util"
)

// TokenSource supplies the live access token, when one exists.
type TokenSource interface {
	CurrentToken() (string, bool)
}

// Refresher settles a shared token refresh and returns the new access token.
// Any error is terminal for the session.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Config holds gateway level settings.
type Config struct {
	BaseURL           string
	RequestTimeout    time.Duration
	BackgroundTimeout time.Duration
}

// Gateway wraps every outbound backend call: it attaches the bearer token,
// applies per-request timeouts, drives the refresh-then-replay path on 401
// and classifies all other failures. It performs at most one replay per
// original request and never loops.
type Gateway struct {
	client    *http.Client
	cfg       Config
	tokens    TokenSource
	refresher Refresher
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// Request describes one outbound call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is JSON-marshalled when non-nil.
	Body any
	// Timeout overrides the config default when positive.
	Timeout time.Duration
	// Background selects the shorter non-critical timeout default.
	Background bool
	// AuthEndpoint marks login/refresh calls: no bearer required, 401 means
	// bad credentials and must not trigger a refresh.
	AuthEndpoint bool
	// Token, when set, is used instead of the live session token and
	// disables the refresh path. Used for post-logout best-effort calls.
	Token string
}

// Response is a settled backend response with its body drained.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// New builds the gateway.
func New(
	client *http.Client,
	cfg Config,
	tokens TokenSource,
	refresher Refresher,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Gateway {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = 5 * time.Second
	}
	return &Gateway{
		client:    client,
		cfg:       cfg,
		tokens:    tokens,
		refresher: refresher,
		metrics:   metrics,
		logger:    logger,
	}
}

// Do executes the request. On success the response is returned with a 2xx
// status; every failure comes back as a *util.APIError carrying the failure
// category and user-facing message.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	return g.send(ctx, req, false)
}

// send carries the replayed flag explicitly so a request is retried at most
// once, after the refresh settles, and never mutated in place.
func (g *Gateway) send(ctx context.Context, req Request, replayed bool) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		if req.Background {
			timeout = g.cfg.BackgroundTimeout
		} else {
			timeout = g.cfg.RequestTimeout
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := g.build(reqCtx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		g.metrics.RecordError(req.Path, req.Method, string(util.CategoryNetwork))
		return nil, util.ClassifyTransport(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		g.metrics.RecordError(req.Path, req.Method, string(util.CategoryNetwork))
		return nil, util.ClassifyTransport(err)
	}
	g.metrics.RecordRequest(req.Path, req.Method, httpResp.StatusCode, time.Since(start))

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: body}, nil
	}

	if httpResp.StatusCode == http.StatusUnauthorized && !req.AuthEndpoint && !replayed && req.Token == "" {
		// The applied token is read back from the source on replay.
		_, refreshErr := g.refresher.Refresh(ctx)
		if refreshErr != nil {
			g.metrics.RecordError(req.Path, req.Method, string(util.CategoryUnauthenticated))
			return nil, &util.APIError{
				Category: util.CategoryUnauthenticated,
				Message:  util.MsgSessionExpired,
				Status:   http.StatusUnauthorized,
				Err:      refreshErr,
			}
		}
		g.logger.Debug("replaying request after refresh",
			zap.String("method", req.Method),
			zap.String("path", req.Path))
		return g.send(ctx, req, true)
	}

	apiErr := util.ClassifyWithRetryAfter(httpResp.StatusCode, body, req.AuthEndpoint, httpResp.Header)
	g.metrics.RecordError(req.Path, req.Method, string(apiErr.Category))
	return nil, apiErr
}

func (g *Gateway) build(ctx context.Context, req Request) (*http.Request, error) {
	target := g.cfg.BaseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	token := req.Token
	if token == "" {
		if live, ok := g.tokens.CurrentToken(); ok {
			token = live
		}
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}
