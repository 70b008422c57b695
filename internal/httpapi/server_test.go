package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/socialhost/internal/fetch"
	"github.com/agentworkforce/socialhost/internal/frameworker"
	"github.com/agentworkforce/socialhost/internal/manifest"
	"github.com/agentworkforce/socialhost/internal/social"
	"github.com/agentworkforce/socialhost/internal/store"
	"github.com/agentworkforce/socialhost/internal/workerapi"
)

const (
	testSecret = "dev-secret"
	originA    = "https://a.example.com"
	originB    = "https://b.example.com"
)

var allScopes = []string{ScopeRead, ScopeWrite, ScopePort}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

type fakeLoader struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (l *fakeLoader) LoadManifest(_ context.Context, rawURL string, systemInstall bool) (manifest.Manifest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf("%s system=%t", rawURL, systemInstall))
	if l.err != nil {
		return manifest.Manifest{}, l.err
	}
	return testManifest(originA, true), nil
}

type fakeCookies struct {
	mu        sync.Mutex
	published []workerapi.Cookie
}

func (c *fakeCookies) Publish(cookie workerapi.Cookie) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, cookie)
}

// echoWorker returns every message it receives on every connection.
func echoWorker(frameworker.Capabilities) (frameworker.Worker, error) {
	return frameworker.WorkerFunc(func(port *frameworker.Port) {
		port.SetOnMessage(func(msg frameworker.Message) {
			_ = port.PostMessage(msg)
		})
	}), nil
}

func testManifest(origin string, enabled bool) manifest.Manifest {
	return manifest.Manifest{
		Origin:     origin,
		Name:       strings.TrimPrefix(origin, "https://"),
		IconURL:    origin + "/icon.png",
		WorkerURL:  origin + "/worker.js",
		SidebarURL: origin + "/sidebar.html",
		Location:   origin + "/manifest.json",
		Enabled:    enabled,
	}
}

func newTestRegistry(t *testing.T) *social.Registry {
	t.Helper()
	runtime := frameworker.NewGoRuntime()
	runtime.Register(originA+"/worker.js", echoWorker)
	runtime.Register(originB+"/worker.js", echoWorker)
	broker := frameworker.NewBroker(frameworker.Options{Runtime: runtime})
	t.Cleanup(broker.Close)

	st, err := store.Open(store.NewInMemoryStateBackend())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	registry, err := social.NewRegistry(social.Options{Store: st, Broker: broker})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := registry.Init(); err != nil {
		t.Fatalf("init registry: %v", err)
	}
	t.Cleanup(registry.Shutdown)
	return registry
}

func providerPath(origin, suffix string) string {
	return "/v1/providers/" + url.PathEscape(origin) + suffix
}

func authHeaders(t *testing.T, scopes ...string) map[string]string {
	t.Helper()
	return map[string]string{"Authorization": "Bearer " + mustTestJWT(t, testSecret, "agent_1", scopes, time.Now().Add(time.Hour))}
}

func TestHealthIsPublic(t *testing.T) {
	server := NewServer(Deps{Registry: newTestRegistry(t)})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id")
	}
}

func TestAuthRequired(t *testing.T) {
	server := NewServer(Deps{Registry: newTestRegistry(t)})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/providers"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	payload := decodeBody(t, resp)
	if payload["code"] != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %v", payload["code"])
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	server := NewServer(Deps{Registry: newTestRegistry(t)})

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{
			name:   "expired",
			token:  mustTestJWT(t, testSecret, "agent_1", allScopes, time.Now().Add(-time.Minute)),
			status: http.StatusUnauthorized,
		},
		{
			name:   "wrong secret",
			token:  mustTestJWT(t, "other-secret", "agent_1", allScopes, time.Now().Add(time.Hour)),
			status: http.StatusUnauthorized,
		},
		{
			name:   "wrong audience",
			token:  mustTestJWTWithAudience(t, testSecret, "agent_1", allScopes, "other-service", time.Now().Add(time.Hour)),
			status: http.StatusUnauthorized,
		},
		{
			name:   "missing scope",
			token:  mustTestJWT(t, testSecret, "agent_1", []string{ScopeRead}, time.Now().Add(time.Hour)),
			status: http.StatusForbidden,
		},
		{
			name:   "garbage",
			token:  "not-a-jwt",
			status: http.StatusUnauthorized,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, server, request{
				method:  http.MethodPut,
				path:    "/v1/browsing",
				headers: map[string]string{"Authorization": "Bearer " + tc.token},
				body:    map[string]any{"enabled": true},
			})
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	server := NewServer(Deps{Registry: newTestRegistry(t)})
	headers := authHeaders(t, ScopeRead)
	headers["X-Correlation-Id"] = "corr_fixed"

	resp := doRequest(t, server, request{method: http.MethodGet, path: providerPath(originA, ""), headers: headers})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if got := decodeBody(t, resp)["correlationId"]; got != "corr_fixed" {
		t.Fatalf("expected correlation id to be echoed, got %v", got)
	}
	if got := resp.Header().Get("X-Correlation-Id"); got != "corr_fixed" {
		t.Fatalf("expected correlation header, got %q", got)
	}
}

func TestBrowsingAndProviderLifecycle(t *testing.T) {
	registry := newTestRegistry(t)
	if err := registry.Register(testManifest(originA, true)); err != nil {
		t.Fatalf("register A: %v", err)
	}
	if err := registry.Register(testManifest(originB, true)); err != nil {
		t.Fatalf("register B: %v", err)
	}
	server := NewServer(Deps{Registry: registry})
	headers := authHeaders(t, ScopeRead, ScopeWrite)

	enable := doRequest(t, server, request{method: http.MethodPut, path: "/v1/browsing", headers: headers, body: map[string]any{"enabled": true}})
	if enable.Code != http.StatusOK {
		t.Fatalf("expected 200 enabling browsing, got %d (%s)", enable.Code, enable.Body.String())
	}
	var state browsingView
	decodeInto(t, enable, &state)
	if !state.Enabled || state.Current != originA {
		t.Fatalf("expected browsing enabled with %s current, got %+v", originA, state)
	}

	list := doRequest(t, server, request{method: http.MethodGet, path: "/v1/providers", headers: headers})
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200 listing providers, got %d", list.Code)
	}
	var listed struct {
		Providers []providerView `json:"providers"`
	}
	decodeInto(t, list, &listed)
	if len(listed.Providers) != 2 || listed.Providers[0].Origin != originA || !listed.Providers[0].Current {
		t.Fatalf("unexpected provider listing: %+v", listed.Providers)
	}

	disable := doRequest(t, server, request{method: http.MethodPost, path: providerPath(originA, "/disable"), headers: headers})
	if disable.Code != http.StatusOK {
		t.Fatalf("expected 200 disabling provider, got %d (%s)", disable.Code, disable.Body.String())
	}
	current := doRequest(t, server, request{method: http.MethodGet, path: "/v1/browsing/current", headers: headers})
	var currentView providerView
	decodeInto(t, current, &currentView)
	if currentView.Origin != originB {
		t.Fatalf("expected current to move to %s, got %s", originB, currentView.Origin)
	}

	conflict := doRequest(t, server, request{method: http.MethodPut, path: "/v1/browsing/current", headers: headers, body: map[string]any{"origin": originA}})
	if conflict.Code != http.StatusConflict {
		t.Fatalf("expected 409 selecting a disabled provider, got %d", conflict.Code)
	}

	reenable := doRequest(t, server, request{method: http.MethodPost, path: providerPath(originA, "/enable"), headers: headers})
	if reenable.Code != http.StatusOK {
		t.Fatalf("expected 200 enabling provider, got %d", reenable.Code)
	}
	selectA := doRequest(t, server, request{method: http.MethodPut, path: "/v1/browsing/current", headers: headers, body: map[string]any{"origin": originA}})
	decodeInto(t, selectA, &state)
	if state.Current != originA {
		t.Fatalf("expected %s current, got %+v", originA, state)
	}

	remove := doRequest(t, server, request{method: http.MethodDelete, path: providerPath(originB, ""), headers: headers})
	if remove.Code != http.StatusOK {
		t.Fatalf("expected 200 removing provider, got %d", remove.Code)
	}
	missing := doRequest(t, server, request{method: http.MethodGet, path: providerPath(originB, ""), headers: headers})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after removal, got %d", missing.Code)
	}
}

func TestEnablingBrowsingWithoutProvidersReportsDisabled(t *testing.T) {
	server := NewServer(Deps{Registry: newTestRegistry(t)})

	resp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/browsing",
		headers: authHeaders(t, ScopeWrite),
		body:    map[string]any{"enabled": true},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var state browsingView
	decodeInto(t, resp, &state)
	if state.Enabled {
		t.Fatalf("expected browsing to stay disabled")
	}

	missing := doRequest(t, server, request{method: http.MethodPut, path: "/v1/browsing", headers: authHeaders(t, ScopeWrite), body: map[string]any{}})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without enabled field, got %d", missing.Code)
	}
}

func TestPrivateBrowsingRoute(t *testing.T) {
	registry := newTestRegistry(t)
	if err := registry.Register(testManifest(originA, true)); err != nil {
		t.Fatalf("register: %v", err)
	}
	server := NewServer(Deps{Registry: registry})
	headers := authHeaders(t, ScopeRead, ScopeWrite)

	doRequest(t, server, request{method: http.MethodPut, path: "/v1/browsing", headers: headers, body: map[string]any{"enabled": true}})
	enter := doRequest(t, server, request{method: http.MethodPost, path: "/v1/browsing/private", headers: headers, body: map[string]any{"active": true}})
	var state browsingView
	decodeInto(t, enter, &state)
	if state.Enabled || !state.Private {
		t.Fatalf("expected private browsing to suspend social browsing, got %+v", state)
	}

	exit := doRequest(t, server, request{method: http.MethodPost, path: "/v1/browsing/private", headers: headers, body: map[string]any{"active": false}})
	decodeInto(t, exit, &state)
	if !state.Enabled || state.Private {
		t.Fatalf("expected social browsing restored, got %+v", state)
	}
}

func TestIgnoreProviderRoute(t *testing.T) {
	registry := newTestRegistry(t)
	server := NewServer(Deps{Registry: registry})

	resp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    providerPath(originA, "/ignore"),
		headers: authHeaders(t, ScopeWrite),
		body:    map[string]any{"ignore": true},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if !registry.Ignored(originA) {
		t.Fatalf("expected %s to be ignored", originA)
	}
}

func TestInstallManifestMapsLoaderErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "installed", status: http.StatusCreated},
		{name: "invalid", err: fmt.Errorf("%w: name is required", manifest.ErrValidation), status: http.StatusUnprocessableEntity, code: "invalid_manifest"},
		{name: "unsafe", err: manifest.ErrUnsafeOrigin, status: http.StatusForbidden, code: "rejected"},
		{name: "declined", err: manifest.ErrInstallDeclined, status: http.StatusConflict, code: "install_declined"},
		{name: "shadowed", err: &manifest.ShadowedError{Origin: originA, Location: "resource://builtin/a.json"}, status: http.StatusConflict, code: "shadowed"},
		{name: "network", err: &fetch.NetworkError{URL: originA + "/manifest.json", Err: errors.New("connection refused")}, status: http.StatusBadGateway, code: "network_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loader := &fakeLoader{err: tc.err}
			server := NewServer(Deps{Registry: newTestRegistry(t), Loader: loader})

			resp := doRequest(t, server, request{
				method:  http.MethodPost,
				path:    "/v1/manifests/install",
				headers: authHeaders(t, ScopeWrite),
				body:    map[string]any{"url": originA + "/manifest.json", "systemInstall": true},
			})
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, resp.Code, resp.Body.String())
			}
			if tc.code != "" {
				if got := decodeBody(t, resp)["code"]; got != tc.code {
					t.Fatalf("expected code %q, got %v", tc.code, got)
				}
			}
			if len(loader.calls) != 1 || loader.calls[0] != originA+"/manifest.json system=true" {
				t.Fatalf("unexpected loader calls: %v", loader.calls)
			}
		})
	}
}

func TestOptionalRoutesWithoutCollaborators(t *testing.T) {
	server := NewServer(Deps{Registry: newTestRegistry(t)})
	headers := authHeaders(t, ScopeWrite)

	for _, path := range []string{"/v1/manifests/install", "/v1/history", "/v1/cookies"} {
		resp := doRequest(t, server, request{method: http.MethodPost, path: path, headers: headers, body: map[string]any{}})
		if resp.Code != http.StatusNotImplemented {
			t.Fatalf("expected 501 for %s, got %d", path, resp.Code)
		}
	}
}

func TestHistoryRouteRecordsOrigin(t *testing.T) {
	history := manifest.NewMemoryHistory()
	server := NewServer(Deps{Registry: newTestRegistry(t), History: history})

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/history",
		headers: authHeaders(t, ScopeWrite),
		body:    map[string]any{"url": "https://A.example.com:443/inbox", "login": true},
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	if history.VisitCount(originA) != 1 || !history.HasLogin(originA) {
		t.Fatalf("expected a visit and login for %s", originA)
	}

	bad := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/history",
		headers: authHeaders(t, ScopeWrite),
		body:    map[string]any{"url": "inbox"},
	})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for relative url, got %d", bad.Code)
	}
}

func TestCookieRoutePublishes(t *testing.T) {
	cookies := &fakeCookies{}
	server := NewServer(Deps{Registry: newTestRegistry(t), Cookies: cookies})

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/cookies",
		headers: authHeaders(t, ScopeWrite),
		body:    map[string]any{"host": "a.example.com", "name": "session"},
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	if len(cookies.published) != 1 || cookies.published[0].Host != "a.example.com" {
		t.Fatalf("unexpected published cookies: %+v", cookies.published)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	server := NewServerWithConfig(Deps{Registry: newTestRegistry(t)}, ServerConfig{MaxBodyBytes: 16})
	headers := authHeaders(t, ScopeWrite)
	headers["Content-Type"] = "application/json"

	resp := doRawRequest(t, server, rawRequest{
		method:  http.MethodPut,
		path:    "/v1/browsing",
		headers: headers,
		body:    []byte(`{"enabled": true, "padding": "xxxxxxxxxxxxxxxx"}`),
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}

	malformed := doRawRequest(t, server, rawRequest{method: http.MethodPut, path: "/v1/browsing", headers: headers, body: []byte(`{`)})
	if malformed.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", malformed.Code)
	}
}

func TestRateLimitingBySubject(t *testing.T) {
	server := NewServerWithConfig(Deps{Registry: newTestRegistry(t)}, ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	first := authHeaders(t, ScopeRead)
	other := map[string]string{"Authorization": "Bearer " + mustTestJWT(t, testSecret, "agent_2", []string{ScopeRead}, time.Now().Add(time.Hour))}

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/browsing", headers: first})
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	limited := doRequest(t, server, request{method: http.MethodGet, path: "/v1/browsing", headers: first})
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", limited.Code)
	}
	if limited.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", limited.Header().Get("Retry-After"))
	}
	if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/browsing", headers: other}); resp.Code != http.StatusOK {
		t.Fatalf("expected other subject to pass, got %d", resp.Code)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	server := NewServer(Deps{Registry: newTestRegistry(t)})

	notFound := doRequest(t, server, request{method: http.MethodGet, path: "/v2/nothing"})
	if notFound.Code != http.StatusNotFound || decodeBody(t, notFound)["code"] != "not_found" {
		t.Fatalf("expected not_found, got %d", notFound.Code)
	}
	notAllowed := doRequest(t, server, request{method: http.MethodPatch, path: "/health"})
	if notAllowed.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", notAllowed.Code)
	}
}

func TestPortSocketEchoesJSONFrames(t *testing.T) {
	registry := newTestRegistry(t)
	if err := registry.Register(testManifest(originA, true)); err != nil {
		t.Fatalf("register: %v", err)
	}
	ts := httptest.NewServer(NewServer(Deps{Registry: registry}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialPort(ctx, t, ts.URL, originA, SubprotocolJSON)
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, map[string]any{"topic": "echo", "data": map[string]any{"text": "hi"}}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	var got frameworker.Message
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got.Topic != "echo" || string(got.Data) != `{"text":"hi"}` {
		t.Fatalf("unexpected echo: %s %s", got.Topic, got.Data)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestPortSocketEchoesCBORFrames(t *testing.T) {
	registry := newTestRegistry(t)
	if err := registry.Register(testManifest(originA, true)); err != nil {
		t.Fatalf("register: %v", err)
	}
	ts := httptest.NewServer(NewServer(Deps{Registry: registry}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialPort(ctx, t, ts.URL, originA, SubprotocolCBOR)
	defer conn.CloseNow()

	frame, err := cbor.Marshal(map[string]any{"topic": "echo", "data": map[string]any{"text": "hi"}})
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	typ, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("expected a binary frame, got %v", typ)
	}
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		t.Fatalf("decode mode: %v", err)
	}
	var got map[string]any
	if err := dec.Unmarshal(reply, &got); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	data, _ := got["data"].(map[string]any)
	if got["topic"] != "echo" || data["text"] != "hi" {
		t.Fatalf("unexpected echo: %v", got)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestPortSocketRejectsDisabledProvider(t *testing.T) {
	registry := newTestRegistry(t)
	if err := registry.Register(testManifest(originA, false)); err != nil {
		t.Fatalf("register: %v", err)
	}
	server := NewServer(Deps{Registry: registry})

	resp := doRequest(t, server, request{method: http.MethodGet, path: providerPath(originA, "/port"), headers: authHeaders(t, ScopePort)})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestEventSocketStreamsRegistryEvents(t *testing.T) {
	registry := newTestRegistry(t)
	ts := httptest.NewServer(NewServer(Deps{Registry: registry}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := mustTestJWT(t, testSecret, "agent_1", []string{ScopeRead}, time.Now().Add(time.Hour))
	conn, _, err := websocket.Dial(ctx, ts.URL+"/v1/events?category=browsing&access_token="+token, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.CloseNow()

	if err := registry.Register(testManifest(originA, true)); err != nil {
		t.Fatalf("register: %v", err)
	}
	var event social.Event
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Topic != social.TopicManifestChanged || event.Origin != originA {
		t.Fatalf("unexpected event: %+v", event)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestEventSocketRejectsUnknownCategory(t *testing.T) {
	server := NewServer(Deps{Registry: newTestRegistry(t)})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/events?category=ambient", headers: authHeaders(t, ScopeRead)})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func dialPort(ctx context.Context, t *testing.T, baseURL, origin, subprotocol string) *websocket.Conn {
	t.Helper()
	token := mustTestJWT(t, testSecret, "agent_1", []string{ScopePort}, time.Now().Add(time.Hour))
	conn, _, err := websocket.Dial(ctx, baseURL+providerPath(origin, "/port"), &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial port: %v", err)
	}
	if conn.Subprotocol() != subprotocol {
		t.Fatalf("expected subprotocol %q, got %q", subprotocol, conn.Subprotocol())
	}
	return conn
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	decodeInto(t, rec, &payload)
	return payload
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, "socialhost", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token, err := IssueToken(secret, aud, subject, scopes, time.Until(exp))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}
