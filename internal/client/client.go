// Package client talks to a socialhost server over its HTTP API.
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

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/socialhost/internal/manifest"
	"github.com/agentworkforce/socialhost/internal/social"
)

var ErrConflict = errors.New("state conflict")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrConflict && e.StatusCode == http.StatusConflict
}

type Provider struct {
	social.ProviderInfo
	Current bool `json:"current"`
	Ignored bool `json:"ignored"`
}

type Browsing struct {
	Enabled bool   `json:"enabled"`
	Private bool   `json:"private"`
	Current string `json:"current,omitempty"`
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func providerPath(origin, suffix string) string {
	return "/v1/providers/" + url.PathEscape(origin) + suffix
}

func (c *HTTPClient) ListProviders(ctx context.Context) ([]Provider, error) {
	var resp struct {
		Providers []Provider `json:"providers"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/providers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Providers, nil
}

func (c *HTTPClient) GetProvider(ctx context.Context, origin string) (Provider, error) {
	var p Provider
	err := c.doJSON(ctx, http.MethodGet, providerPath(origin, ""), nil, &p)
	return p, err
}

func (c *HTTPClient) EnableProvider(ctx context.Context, origin string) (Provider, error) {
	var p Provider
	err := c.doJSON(ctx, http.MethodPost, providerPath(origin, "/enable"), nil, &p)
	return p, err
}

func (c *HTTPClient) DisableProvider(ctx context.Context, origin string) (Provider, error) {
	var p Provider
	err := c.doJSON(ctx, http.MethodPost, providerPath(origin, "/disable"), nil, &p)
	return p, err
}

func (c *HTTPClient) RemoveProvider(ctx context.Context, origin string) error {
	return c.doJSON(ctx, http.MethodDelete, providerPath(origin, ""), nil, nil)
}

func (c *HTTPClient) IgnoreProvider(ctx context.Context, origin string, ignore bool) error {
	return c.doJSON(ctx, http.MethodPut, providerPath(origin, "/ignore"), map[string]any{"ignore": ignore}, nil)
}

func (c *HTTPClient) Browsing(ctx context.Context) (Browsing, error) {
	var b Browsing
	err := c.doJSON(ctx, http.MethodGet, "/v1/browsing", nil, &b)
	return b, err
}

// SetBrowsing reports the resulting state; enabling with no enabled
// providers returns Enabled=false rather than an error.
func (c *HTTPClient) SetBrowsing(ctx context.Context, enabled bool) (Browsing, error) {
	var b Browsing
	err := c.doJSON(ctx, http.MethodPut, "/v1/browsing", map[string]any{"enabled": enabled}, &b)
	return b, err
}

func (c *HTTPClient) SetCurrent(ctx context.Context, origin string) (Browsing, error) {
	var b Browsing
	err := c.doJSON(ctx, http.MethodPut, "/v1/browsing/current", map[string]any{"origin": origin}, &b)
	return b, err
}

func (c *HTTPClient) SetPrivate(ctx context.Context, active bool) (Browsing, error) {
	var b Browsing
	err := c.doJSON(ctx, http.MethodPost, "/v1/browsing/private", map[string]any{"active": active}, &b)
	return b, err
}

func (c *HTTPClient) InstallManifest(ctx context.Context, manifestURL string, systemInstall bool) (manifest.Manifest, error) {
	var m manifest.Manifest
	err := c.doJSON(ctx, http.MethodPost, "/v1/manifests/install", map[string]any{
		"url":           manifestURL,
		"systemInstall": systemInstall,
	}, &m)
	return m, err
}

func (c *HTTPClient) RecordVisit(ctx context.Context, pageURL string, login bool) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/history", map[string]any{"url": pageURL, "login": login}, nil)
}

// StreamEvents delivers registry events to fn until ctx ends or the server
// closes the stream. An empty category streams every category.
func (c *HTTPClient) StreamEvents(ctx context.Context, category social.Category, fn func(social.Event)) error {
	query := url.Values{}
	if category != "" {
		query.Set("category", string(category))
	}
	conn, _, err := websocket.Dial(ctx, c.baseURL+"/v1/events?"+query.Encode(), &websocket.DialOptions{
		HTTPClient: c.socketClient(),
		HTTPHeader: http.Header{
			"Authorization":    []string{"Bearer " + c.token},
			"X-Correlation-Id": []string{correlationID()},
		},
	})
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	for {
		var event social.Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		fn(event)
	}
}

// socketClient drops the request timeout, which would otherwise cut off
// long-lived websocket streams.
func (c *HTTPClient) socketClient() *http.Client {
	clone := *c.httpClient
	clone.Timeout = 0
	return &clone
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "ctl_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
