package manifest

import "sync"

// MemoryHistory is an in-process History fed by the browsing surface.
type MemoryHistory struct {
	mu     sync.RWMutex
	visits map[string]int
	logins map[string]bool
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		visits: map[string]int{},
		logins: map[string]bool{},
	}
}

func (h *MemoryHistory) RecordVisit(origin string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.visits[origin]++
}

func (h *MemoryHistory) RecordLogin(origin string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logins[origin] = true
}

func (h *MemoryHistory) HasLogin(origin string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.logins[origin]
}

func (h *MemoryHistory) VisitCount(origin string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.visits[origin]
}
