// ABOUTME: Bounded per-conversation FIFO with a single-flight gate
// ABOUTME: Each conversation key has its own lane so keys never block each other

package queue

import (
	"sort"
	"sync"
	"time"
)

// Message is one inbound message waiting to be processed.
type Message struct {
	ConversationKey string
	SenderID        string
	Text            string
	EnqueuedAt      time.Time
}

// lane holds the pending messages and gate for a single key.
type lane struct {
	mu      sync.Mutex
	pending []Message
	active  bool
}

// Queue is a set of bounded FIFO lanes keyed by conversation.
type Queue struct {
	maxDepth int

	mu    sync.Mutex // guards lanes map only
	lanes map[string]*lane
}

// New creates a queue that holds at most maxDepth pending messages per key.
func New(maxDepth int) *Queue {
	if maxDepth < 1 {
		maxDepth = 1
	}
	return &Queue{
		maxDepth: maxDepth,
		lanes:    make(map[string]*lane),
	}
}

func (q *Queue) lane(key string) *lane {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
	}
	return l
}

// Enqueue appends msg to its key's lane. It returns false, leaving the lane
// unchanged, when the lane is already at max depth.
func (q *Queue) Enqueue(msg Message) bool {
	l := q.lane(msg.ConversationKey)
	l.mu.Lock()
	defer l.mu.Unlock()
	return q.pushLocked(l, msg)
}

func (q *Queue) pushLocked(l *lane, msg Message) bool {
	if len(l.pending) >= q.maxDepth {
		return false
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	l.pending = append(l.pending, msg)
	return true
}

// Dequeue pops the oldest message for key.
func (q *Queue) Dequeue(key string) (Message, bool) {
	l := q.lane(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return popLocked(l)
}

func popLocked(l *lane) (Message, bool) {
	if len(l.pending) == 0 {
		return Message{}, false
	}
	msg := l.pending[0]
	l.pending[0] = Message{}
	l.pending = l.pending[1:]
	return msg, true
}

// MarkActive claims the gate for key. It returns false if a loop already owns it.
func (q *Queue) MarkActive(key string) bool {
	l := q.lane(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		return false
	}
	l.active = true
	return true
}

// MarkIdle releases the gate for key.
func (q *Queue) MarkIdle(key string) {
	l := q.lane(key)
	l.mu.Lock()
	l.active = false
	l.mu.Unlock()
}

// IsActive reports whether a loop owns key.
func (q *Queue) IsActive(key string) bool {
	l := q.lane(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Clear drops all pending messages for key and returns how many were dropped.
// The gate is left as-is; the owning loop releases it when it finds the lane empty.
func (q *Queue) Clear(key string) int {
	l := q.lane(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.pending)
	l.pending = nil
	return n
}

// Submit enqueues msg and, if the key was idle, claims the gate in the same step.
// start is true when the caller now owns the key and must run the loop.
func (q *Queue) Submit(msg Message) (accepted, start bool) {
	l := q.lane(msg.ConversationKey)
	l.mu.Lock()
	defer l.mu.Unlock()

	if !q.pushLocked(l, msg) {
		return false, false
	}
	if l.active {
		return true, false
	}
	l.active = true
	return true, true
}

// Next pops the oldest message for key, or releases the gate if the lane is
// empty. A false return means the caller no longer owns the key.
func (q *Queue) Next(key string) (Message, bool) {
	l := q.lane(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, ok := popLocked(l)
	if !ok {
		l.active = false
	}
	return msg, ok
}

// Depth returns the number of pending messages for key.
func (q *Queue) Depth(key string) int {
	q.mu.Lock()
	l, ok := q.lanes[key]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Keys returns the keys that have pending messages or an active loop, sorted.
func (q *Queue) Keys() []string {
	q.mu.Lock()
	lanes := make(map[string]*lane, len(q.lanes))
	for k, l := range q.lanes {
		lanes[k] = l
	}
	q.mu.Unlock()

	var keys []string
	for k, l := range lanes {
		l.mu.Lock()
		busy := l.active || len(l.pending) > 0
		l.mu.Unlock()
		if busy {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// MaxDepth returns the configured per-key limit.
func (q *Queue) MaxDepth() int {
	return q.maxDepth
}
