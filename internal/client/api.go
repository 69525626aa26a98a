// Package client is the consuming side of the sync service: a retrying HTTP
// API client, the local answer store, the hash-tree Reconciler, the tiered
// fallback Coordinator and the push channel Listener.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quiz_sync_backend/internal/model"
	"quiz_sync_backend/internal/synctree"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
)

type APIConfig struct {
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

func DefaultAPIConfig(baseURL string) APIConfig {
	return APIConfig{
		BaseURL:    baseURL,
		MaxRetries: 3,
		RetryDelay: 250 * time.Millisecond,
		Timeout:    15 * time.Second,
	}
}

// API talks to the sync server's HTTP surface.
type API struct {
	baseURL *url.URL
	client  *retryablehttp.Client
	logger  *zap.Logger
}

// retryableHTTPLogger 把 zap 适配为 retryablehttp.LeveledLogger
type retryableHTTPLogger struct {
	inner *zap.Logger
}

func (r retryableHTTPLogger) Error(msg string, kv ...any) { r.inner.Sugar().Errorw(msg, kv...) }
func (r retryableHTTPLogger) Info(msg string, kv ...any)  { r.inner.Sugar().Infow(msg, kv...) }
func (r retryableHTTPLogger) Warn(msg string, kv ...any)  { r.inner.Sugar().Warnw(msg, kv...) }
func (r retryableHTTPLogger) Debug(msg string, kv ...any) { r.inner.Sugar().Debugw(msg, kv...) }

type APIOpt func(*API)

func WithAPILogger(logger *zap.Logger) APIOpt {
	return func(a *API) {
		a.logger = logger
		a.client.Logger = retryableHTTPLogger{inner: logger}
	}
}

func WithHTTPClient(c *http.Client) APIOpt {
	return func(a *API) {
		a.client.HTTPClient = c
	}
}

func NewAPI(cfg APIConfig, opts ...APIOpt) (*API, error) {
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("server url %q must be absolute", cfg.BaseURL)
	}
	if baseURL.Path == "" {
		baseURL.Path = "/"
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = cfg.RetryDelay
	client.RetryWaitMax = 4 * cfg.RetryDelay
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.CheckRetry = retryablehttp.DefaultRetryPolicy
	client.Logger = nil
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	a := &API{baseURL: baseURL, client: client, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *API) BaseURL() string {
	return a.baseURL.String()
}

// WebSocketURL 同主机上的推送通道地址
func (a *API) WebSocketURL() string {
	u := *a.baseURL.JoinPath("ws")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

func (a *API) Manifest(ctx context.Context) (*model.Manifest, error) {
	var out model.Manifest
	if err := a.do(ctx, http.MethodGet, a.baseURL.JoinPath("api", "sync", "manifest"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) UnitManifest(ctx context.Context, unitID string) (*model.UnitManifest, error) {
	var out model.UnitManifest
	if err := a.do(ctx, http.MethodGet, a.baseURL.JoinPath("api", "sync", "unit", unitID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) LessonData(ctx context.Context, lessonID string) (*model.LessonData, error) {
	var out model.LessonData
	if err := a.do(ctx, http.MethodGet, a.baseURL.JoinPath("api", "data", "lesson", lessonID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PeerData calls the legacy delta endpoint. since <= 0 returns everything.
func (a *API) PeerData(ctx context.Context, since int64) (*model.PeerData, error) {
	u := a.baseURL.JoinPath("api", "peer-data")
	if since > 0 {
		u.RawQuery = url.Values{"since": {strconv.FormatInt(since, 10)}}.Encode()
	}
	var out model.PeerData
	if err := a.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) QuestionStats(ctx context.Context, questionID string) (*model.QuestionStats, error) {
	var out model.QuestionStats
	if err := a.do(ctx, http.MethodGet, a.baseURL.JoinPath("api", "question-stats", questionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) SubmitAnswer(ctx context.Context, answer synctree.RawAnswer) (*model.SubmitResult, error) {
	var out model.SubmitResult
	if err := a.do(ctx, http.MethodPost, a.baseURL.JoinPath("api", "submit-answer"), answer, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) SubmitBatch(ctx context.Context, answers []synctree.RawAnswer) (*model.BatchResult, error) {
	var out model.BatchResult
	body := model.BatchRequest{Answers: answers}
	if err := a.do(ctx, http.MethodPost, a.baseURL.JoinPath("api", "batch-submit"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) do(ctx context.Context, method string, u *url.URL, reqBody, resBody any) error {
	var body any
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		body = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, u.Path)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, bytes.TrimSpace(data))
	default:
		a.logger.Debug("sync request failed",
			zap.String("path", u.Path),
			zap.String("status", res.Status),
			zap.ByteString("body", data),
		)
		return fmt.Errorf("%s %s: unexpected status %s", method, u.Path, res.Status)
	}

	if resBody == nil {
		return nil
	}
	if err := json.Unmarshal(data, resBody); err != nil {
		return fmt.Errorf("decoding %s response: %w", u.Path, err)
	}
	return nil
}
