// ABOUTME: Bounded, time-limited record of event IDs already handled
// ABOUTME: Guards the Matrix sync loop against redelivered events after reconnects

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	id     string
	seenAt time.Time
}

// Window remembers event IDs for ttl, holding at most capacity of them.
// Entries are kept in arrival order so expiry and eviction both trim the front.
type Window struct {
	ttl      time.Duration
	capacity int

	// Now returns the current time. Tests replace it.
	Now func() time.Time

	mu    sync.Mutex
	index map[string]*list.Element
	order *list.List
}

// NewWindow creates a window. A capacity below one is treated as one.
func NewWindow(ttl time.Duration, capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		ttl:      ttl,
		capacity: capacity,
		Now:      time.Now,
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether id was recorded within the window, recording it if not.
// Check and record happen under one lock.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.Now()
	w.expireLocked(now)

	if _, ok := w.index[id]; ok {
		return true
	}

	if w.order.Len() >= w.capacity {
		w.removeLocked(w.order.Front())
	}
	w.index[id] = w.order.PushBack(&entry{id: id, seenAt: now})
	return false
}

// Forget drops id so it will be accepted again.
func (w *Window) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.index[id]; ok {
		w.removeLocked(el)
	}
}

// Len returns the number of live entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expireLocked(w.Now())
	return w.order.Len()
}

func (w *Window) expireLocked(now time.Time) {
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		e, _ := el.Value.(*entry)
		if now.Sub(e.seenAt) < w.ttl {
			return
		}
		w.removeLocked(el)
	}
}

func (w *Window) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	e, _ := el.Value.(*entry)
	w.order.Remove(el)
	delete(w.index, e.id)
}
