package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNetwork         = errors.New("network error")
	ErrUnsupportedURL  = errors.New("unsupported url")
	defaultMaxBodySize = int64(1 << 20)
)

type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: http %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s failed", e.URL)
	}
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

type Result struct {
	URL         string
	Body        []byte
	ContentType string
	// Secure is set for a TLS channel whose certificate chain verified, and
	// for resource:// sources read from the resource root. file:// reads are
	// never secure.
	Secure bool
}

type Options struct {
	HTTPClient   *http.Client
	ResourceRoot string
	MaxBodySize  int64
	UserAgent    string
}

type Fetcher struct {
	httpClient   *http.Client
	resourceRoot string
	maxBodySize  int64
	userAgent    string
}

func New(opts Options) *Fetcher {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxBodySize := opts.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "socialhost"
	}
	return &Fetcher{
		httpClient:   httpClient,
		resourceRoot: strings.TrimSpace(opts.ResourceRoot),
		maxBodySize:  maxBodySize,
		userAgent:    userAgent,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Result{}, &NetworkError{URL: rawURL, Err: err}
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return f.fetchHTTP(ctx, parsed)
	case "file":
		return f.readLocal(parsed.String(), filepath.FromSlash(parsed.Path), false)
	case "resource":
		if f.resourceRoot == "" {
			return Result{}, &NetworkError{URL: parsed.String(), Err: fmt.Errorf("%w: no resource root configured", ErrUnsupportedURL)}
		}
		rel := path.Clean("/" + parsed.Host + "/" + parsed.Path)
		return f.readLocal(parsed.String(), filepath.Join(f.resourceRoot, filepath.FromSlash(rel)), true)
	default:
		return Result{}, &NetworkError{URL: parsed.String(), Err: fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, parsed.Scheme)}
	}
}

// LoadScript lets a Fetcher serve worker bootstrap sources.
func (f *Fetcher) LoadScript(ctx context.Context, workerURL string) (string, error) {
	res, err := f.Fetch(ctx, workerURL)
	if err != nil {
		return "", err
	}
	return string(res.Body), nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, target *url.URL) (Result, error) {
	rawURL := target.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, &NetworkError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Result{}, &NetworkError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, f.maxBodySize))
		return Result{}, &NetworkError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	body, err := readLimited(resp.Body, f.maxBodySize)
	if err != nil {
		return Result{}, &NetworkError{URL: rawURL, Err: err}
	}
	return Result{
		URL:         resp.Request.URL.String(),
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Secure:      resp.TLS != nil && len(resp.TLS.VerifiedChains) > 0,
	}, nil
}

func (f *Fetcher) readLocal(rawURL, filePath string, secure bool) (Result, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return Result{}, &NetworkError{URL: rawURL, Err: err}
	}
	defer file.Close()
	body, err := readLimited(file, f.maxBodySize)
	if err != nil {
		return Result{}, &NetworkError{URL: rawURL, Err: err}
	}
	return Result{URL: rawURL, Body: body, Secure: secure}, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return body, nil
}
