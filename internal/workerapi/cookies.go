package workerapi

import (
	"sort"
	"strings"
	"sync"
)

type Cookie struct {
	Host    string `json:"host"`
	Name    string `json:"name"`
	Removed bool   `json:"removed,omitempty"`
}

type CookieSource interface {
	Subscribe(fn func(Cookie)) (unsubscribe func())
}

// CookieHub fans cookie changes out to every subscribed bridge.
type CookieHub struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Cookie)
}

func NewCookieHub() *CookieHub {
	return &CookieHub{subs: map[int]func(Cookie){}}
}

func (h *CookieHub) Subscribe(fn func(Cookie)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *CookieHub) Publish(c Cookie) {
	h.mu.Lock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Cookie), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (h *CookieHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// cookieMatchesHost is true for an exact host match, or when a domain
// cookie (host starting with a dot) covers host.
func cookieMatchesHost(cookieHost, host string) bool {
	cookieHost = strings.ToLower(strings.TrimSpace(cookieHost))
	host = strings.ToLower(strings.TrimSpace(host))
	if cookieHost == "" || host == "" {
		return false
	}
	if cookieHost == host {
		return true
	}
	if strings.HasPrefix(cookieHost, ".") {
		return host == cookieHost[1:] || strings.HasSuffix(host, cookieHost)
	}
	return false
}
