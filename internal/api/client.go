package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ronappleton/tracker/internal/config"
	"github.com/ronappleton/tracker/internal/progress"
	"github.com/ronappleton/tracker/internal/wire"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

var ErrStatus = errors.New("unexpected http status")

const maxBody = 4 << 20

// Response is the backend's answer to a control command.
type Response struct {
	OK         bool            `json:"ok" yaml:"ok"`
	Error      string          `json:"error,omitempty" yaml:"error,omitempty"`
	StatusCode int             `json:"-" yaml:"-"`
	Raw        json.RawMessage `json:"-" yaml:"-"`
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Token   string
}

// Client talks to the backend's status and control endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
	now     func() time.Time
}

func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		now:    time.Now,
	}
}

func NewFromConfig(cfg config.Config, logger *zap.Logger) *Client {
	return New(Config{
		BaseURL: cfg.API.BaseURL,
		Timeout: config.Duration(cfg.API.Timeout, 10*time.Second),
		Token:   cfg.API.Token,
	}, logger)
}

// FetchStatus polls GET /workflows/status/{id}. The update is stamped with
// the time the request was issued.
func (c *Client) FetchStatus(ctx context.Context, id string) (progress.Update, error) {
	at := c.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/workflows/status/"+url.PathEscape(id), nil)
	if err != nil {
		return progress.Update{}, err
	}
	c.decorate(req, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return progress.Update{}, fmt.Errorf("fetch status %s: %w", id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return progress.Update{}, fmt.Errorf("fetch status %s: %w", id, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return progress.Update{}, fmt.Errorf("fetch status %s: %w: %s", id, ErrStatus, resp.Status)
	}
	return wire.DecodeStatus(id, body, at)
}

// Post sends body as JSON to path. A 2xx answer without an "ok" field counts
// as success; any non-2xx answer is an error wrapping ErrStatus.
func (c *Client) Post(ctx context.Context, path string, body any, requestID string) (Response, error) {
	var payload io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return Response{}, err
		}
		payload = bytes.NewReader(blob)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return Response{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.decorate(req, requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Response{}, fmt.Errorf("post %s: %w", path, err)
	}
	out := parseResponse(raw, resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if out.Error != "" {
			return out, fmt.Errorf("post %s: %w: %s: %s", path, ErrStatus, resp.Status, out.Error)
		}
		return out, fmt.Errorf("post %s: %w: %s", path, ErrStatus, resp.Status)
	}
	c.logger.Debug("command accepted by backend",
		zap.String("path", path),
		zap.String("request_id", requestID),
		zap.Bool("ok", out.OK))
	return out, nil
}

func (c *Client) decorate(req *http.Request, requestID string) {
	req.Header.Set("Accept", "application/json")
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func parseResponse(raw []byte, status int) Response {
	out := Response{StatusCode: status, Raw: raw}
	ok := status >= 200 && status <= 299
	if !gjson.ValidBytes(raw) {
		out.OK = ok
		return out
	}
	doc := gjson.ParseBytes(raw)
	if v := doc.Get("ok"); v.Exists() {
		ok = ok && v.Bool()
	}
	out.OK = ok
	switch e := doc.Get("error"); {
	case e.Type == gjson.String:
		out.Error = e.String()
	case e.IsObject():
		out.Error = e.Get("message").String()
	}
	if out.Error == "" {
		out.Error = doc.Get("detail").String()
	}
	return out
}
