// Package gateway fetches content-addressed documents and image bytes over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/ipfs-backfill/internal/backfill"
)

// Request kinds reported to the Observer.
const (
	KindContent = "content"
	KindImage   = "image"
)

const (
	defaultContentTimeout = 10 * time.Second
	defaultImageTimeout   = 20 * time.Second
	defaultMaxContent     = 10 << 20
	defaultMaxImage       = 20 << 20
	defaultTokenParam     = "token"
	errorSnippetBytes     = 512
)

// Config controls the gateway client.
type Config struct {
	BaseURL         string
	Token           string
	TokenParam      string
	UserAgent       string
	ContentTimeout  time.Duration
	ImageTimeout    time.Duration
	MaxContentBytes int64
	MaxImageBytes   int64
}

// Pacer delays outbound calls, typically a per-host token bucket.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Observer receives one callback per completed gateway call.
type Observer interface {
	ObserveGatewayRequest(kind string, code int, duration time.Duration)
}

// Client implements backfill.Gateway.
type Client struct {
	httpClient *http.Client
	base       *url.URL
	cfg        Config
	pacer      Pacer
	observer   Observer
}

// New creates a Client. httpClient, pacer and observer may be nil.
func New(cfg Config, httpClient *http.Client, pacer Pacer, observer Observer) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gateway base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("gateway base url must be http(s), got %q", cfg.BaseURL)
	}
	if cfg.ContentTimeout <= 0 {
		cfg.ContentTimeout = defaultContentTimeout
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = defaultImageTimeout
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = defaultMaxContent
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = defaultMaxImage
	}
	if cfg.TokenParam == "" {
		cfg.TokenParam = defaultTokenParam
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		httpClient: httpClient,
		base:       base,
		cfg:        cfg,
		pacer:      pacer,
		observer:   observer,
	}, nil
}

// FetchContent retrieves the document stored under hash.
func (c *Client) FetchContent(ctx context.Context, hash string) ([]byte, error) {
	if strings.TrimSpace(hash) == "" {
		return nil, backfill.ErrEmptyHash
	}
	return c.get(ctx, KindContent, c.gatewayURL(hash), c.cfg.ContentTimeout, c.cfg.MaxContentBytes)
}

// FetchImage retrieves image bytes. ipfs:// URLs are resolved through the
// gateway; http(s) URLs are fetched directly.
func (c *Client) FetchImage(ctx context.Context, rawURL string) ([]byte, error) {
	target, err := c.resolveImageURL(rawURL)
	if err != nil {
		return nil, err
	}
	return c.get(ctx, KindImage, target, c.cfg.ImageTimeout, c.cfg.MaxImageBytes)
}

func (c *Client) resolveImageURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	switch {
	case strings.HasPrefix(trimmed, "ipfs://"):
		path := strings.TrimPrefix(trimmed, "ipfs://")
		path = strings.TrimPrefix(path, "ipfs/")
		if path == "" {
			return "", backfill.ErrEmptyHash
		}
		return c.gatewayURL(path), nil
	case strings.HasPrefix(trimmed, "http://"), strings.HasPrefix(trimmed, "https://"):
		if _, err := url.Parse(trimmed); err != nil {
			return "", fmt.Errorf("parse image url: %w", err)
		}
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported image url %q", rawURL)
	}
}

func (c *Client) gatewayURL(path string) string {
	u := *c.base
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = ""
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set(c.cfg.TokenParam, c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) get(
	ctx context.Context,
	kind string,
	target string,
	timeout time.Duration,
	maxBytes int64,
) ([]byte, error) {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, target); err != nil {
			return nil, fmt.Errorf("pace %s request: %w", kind, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", kind, err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(kind, 0, start)
		return nil, transportError(ctx, callCtx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(kind, resp.StatusCode, start)
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetBytes))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &backfill.GatewayError{StatusCode: resp.StatusCode, Message: msg}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	c.observe(kind, resp.StatusCode, start)
	if err != nil {
		return nil, transportError(ctx, callCtx, err)
	}
	if int64(len(body)) > maxBytes {
		return nil, &backfill.GatewayError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("response exceeds %d bytes", maxBytes),
		}
	}
	return body, nil
}

func (c *Client) observe(kind string, code int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveGatewayRequest(kind, code, time.Since(start))
	}
}

// transportError keeps err as the cause. Timeout is only set when the
// per-call deadline fired while the caller's context was still live.
func transportError(ctx, callCtx context.Context, err error) error {
	gwErr := &backfill.GatewayError{Message: err.Error(), Err: err}
	if ctx.Err() != nil {
		return gwErr
	}
	var netErr net.Error
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		gwErr.Timeout = true
	}
	return gwErr
}
