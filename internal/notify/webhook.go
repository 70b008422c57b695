package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/socialhost/internal/workerapi"
)

type WebhookOptions struct {
	URL        string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
}

// WebhookSink POSTs each notification as JSON. Failed deliveries are not
// retried.
type WebhookSink struct {
	url        string
	token      string
	httpClient *http.Client
	userAgent  string
}

func NewWebhookSink(opts WebhookOptions) (*WebhookSink, error) {
	target := strings.TrimSpace(opts.URL)
	if target == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "socialhost-notify"
	}
	return &WebhookSink{
		url:        target,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  userAgent,
	}, nil
}

func (s *WebhookSink) Deliver(ctx context.Context, n workerapi.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", "notify_"+uuid.NewString())
	req.Header.Set("User-Agent", s.userAgent)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	errCode := ""
	errMessage := strings.TrimSpace(string(respBody))
	var parsed map[string]any
	if json.Unmarshal(respBody, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			errCode = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			errMessage = message
		}
	}
	if errCode != "" {
		return fmt.Errorf("notification webhook failed: status=%d code=%s message=%s", resp.StatusCode, errCode, errMessage)
	}
	return fmt.Errorf("notification webhook failed: status=%d message=%s", resp.StatusCode, errMessage)
}
