// Package events keeps short per-session summaries of channel activity that
// are handed to the agent with its next turn.
package events

import (
	"strings"
	"sync"
	"time"
)

// DefaultMaxPerSession is the number of events retained per session key.
const DefaultMaxPerSession = 20

// Event is one queued summary line.
type Event struct {
	Text       string    `json:"text"`
	ContextKey string    `json:"context_key,omitempty"`
	At         time.Time `json:"at"`
}

// Options scope an enqueued event.
type Options struct {
	SessionKey string
	ContextKey string
}

// Queue is an in-memory, per-session bounded event buffer.
type Queue struct {
	mu      sync.Mutex
	max     int
	now     func() time.Time
	entries map[string][]Event
}

// NewQueue creates a Queue retaining at most maxPerSession events per session.
func NewQueue(maxPerSession int) *Queue {
	if maxPerSession <= 0 {
		maxPerSession = DefaultMaxPerSession
	}
	return &Queue{
		max:     maxPerSession,
		now:     time.Now,
		entries: map[string][]Event{},
	}
}

// Enqueue records text for the session. Blank text, a missing session key,
// an exact repeat of the newest entry, and a context key already queued for
// the session are ignored. The oldest entry is evicted once the session is full.
func (q *Queue) Enqueue(text string, opts Options) {
	text = strings.TrimSpace(text)
	key := strings.TrimSpace(opts.SessionKey)
	if text == "" || key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.entries[key]
	if n := len(list); n > 0 && list[n-1].Text == text {
		return
	}
	if ck := strings.TrimSpace(opts.ContextKey); ck != "" {
		for _, e := range list {
			if e.ContextKey == ck {
				return
			}
		}
	}
	list = append(list, Event{Text: text, ContextKey: strings.TrimSpace(opts.ContextKey), At: q.now()})
	if len(list) > q.max {
		list = append([]Event(nil), list[len(list)-q.max:]...)
	}
	q.entries[key] = list
}

// Drain returns and removes all events for the session, oldest first.
func (q *Queue) Drain(sessionKey string) []Event {
	key := strings.TrimSpace(sessionKey)
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.entries[key]
	delete(q.entries, key)
	return list
}

// DrainText is Drain reduced to the event texts.
func (q *Queue) DrainText(sessionKey string) []string {
	events := q.Drain(sessionKey)
	if len(events) == 0 {
		return nil
	}
	items := make([]string, 0, len(events))
	for _, e := range events {
		items = append(items, e.Text)
	}
	return items
}

// Peek returns a copy of the session's events without removing them.
func (q *Queue) Peek(sessionKey string) []Event {
	key := strings.TrimSpace(sessionKey)
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Event(nil), q.entries[key]...)
}

// Sessions returns how many sessions currently hold events.
func (q *Queue) Sessions() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
