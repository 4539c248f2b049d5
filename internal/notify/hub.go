// Package notify fans session events out to live subscribers.
package notify

import (
	"io"
	"log"
	"sync"
	"time"
)

// Conn is the part of a websocket connection the hub writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 10 * time.Second
)

// Hub keeps the subscribers of each session. Each subscriber has its own
// writer goroutine; a full queue drops the event for that subscriber only.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]map[*Subscriber]struct{}
	closed bool

	queueSize    int
	writeTimeout time.Duration
	logger       *log.Logger
}

// Subscriber is one connection registered for a session.
type Subscriber struct {
	sessionID int64
	conn      Conn
	out       chan any
	done      chan struct{}
	once      sync.Once
}

// Done is closed once the subscriber stops writing.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

type HubOption func(*Hub)

func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

func WithLogger(l *log.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:         make(map[int64]map[*Subscriber]struct{}),
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		logger:       log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Add registers conn for sessionID and starts its writer. After Close it
// returns a subscriber that is already done.
func (h *Hub) Add(sessionID int64, conn Conn) *Subscriber {
	sub, _ := h.Subscribe(sessionID, conn, nil)
	return sub
}

// Subscribe registers conn for sessionID. When first is set, its event is
// written before anything else; events published while first runs are
// queued and follow it. A first error removes the subscriber.
func (h *Hub) Subscribe(sessionID int64, conn Conn, first func() (any, error)) (*Subscriber, error) {
	sub := &Subscriber{
		sessionID: sessionID,
		conn:      conn,
		out:       make(chan any, h.queueSize),
		done:      make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.stop()
		return sub, nil
	}
	set := h.subs[sessionID]
	if set == nil {
		set = make(map[*Subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	if first != nil {
		ev, err := first()
		if err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			err = conn.WriteJSON(ev)
		}
		if err != nil {
			h.Remove(sub)
			return sub, err
		}
	}
	go h.writeLoop(sub)
	return sub, nil
}

// Remove unregisters sub and closes its connection.
func (h *Hub) Remove(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if set, ok := h.subs[sub.sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.sessionID)
		}
	}
	h.mu.Unlock()
	sub.stop()
}

// Publish queues event for every subscriber of sessionID.
func (h *Hub) Publish(sessionID int64, event any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[sessionID] {
		select {
		case sub.out <- event:
		default:
			h.logger.Printf("warn: session %d subscriber queue full, dropping event", sessionID)
		}
	}
}

// Count returns the number of subscribers of sessionID.
func (h *Hub) Count(sessionID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// Close disconnects every subscriber. Later Publish calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := h.subs
	h.subs = make(map[int64]map[*Subscriber]struct{})
	h.mu.Unlock()
	for _, set := range all {
		for sub := range set {
			sub.stop()
		}
	}
}

func (h *Hub) writeLoop(sub *Subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.out:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := sub.conn.WriteJSON(ev); err != nil {
				h.logger.Printf("warn: session %d write failed, dropping subscriber: %v", sub.sessionID, err)
				h.Remove(sub)
				return
			}
		}
	}
}

func (s *Subscriber) stop() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
