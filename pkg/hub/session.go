package hub

import (
	"sync"

	"github.com/quillstore/quill/pkg/metrics"
	"github.com/quillstore/quill/pkg/types"
)

// defaultQueueLimit is the per-session outbound queue depth.
const defaultQueueLimit = 256

// Session is one connected client's hub-side state: its identity, its
// bounded outbound queue, and the behind flag set when broadcasts had
// to be dropped. The transport adapter drains the queue with Next and
// writes frames to the socket.
type Session struct {
	ID string

	mu     sync.Mutex
	queue  []*types.ServerMessage
	notify chan struct{}
	limit  int
	behind bool
	closed bool
}

func newSession(id string, limit int) *Session {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	return &Session{
		ID:     id,
		notify: make(chan struct{}, 1),
		limit:  limit,
	}
}

// Push enqueues an outbound frame. When the queue is full the oldest
// pending frame is dropped and the session is marked behind; the next
// sync from the client catches it up from its watermark. Presence
// frames are coalesced: only the latest per (doc, node) is kept.
func (s *Session) Push(msg *types.ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if msg.Type == types.MsgPresenceChange {
		for i := len(s.queue) - 1; i >= 0; i-- {
			q := s.queue[i]
			if q.Type == types.MsgPresenceChange && q.Collection == msg.Collection &&
				q.DocID == msg.DocID && q.NodeID == msg.NodeID {
				s.queue[i] = msg
				s.signal()
				return
			}
		}
	}

	s.queue = append(s.queue, msg)
	if len(s.queue) > s.limit {
		s.queue = s.queue[1:]
		s.behind = true
		metrics.BroadcastDropsTotal.Inc()
	}
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a frame is available or the session closes. The
// second return is false once the session is closed and drained.
func (s *Session) Next() (*types.ServerMessage, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			if len(s.queue) > 0 {
				s.signal()
			}
			s.mu.Unlock()
			return msg, true
		}
		if s.closed {
			s.mu.Unlock()
			return nil, false
		}
		s.mu.Unlock()
		<-s.notify
	}
}

// Behind reports whether broadcasts were dropped since the last sync.
func (s *Session) Behind() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.behind
}

func (s *Session) clearBehind() {
	s.mu.Lock()
	s.behind = false
	s.mu.Unlock()
}

// Close wakes any blocked Next. Pending frames are still delivered
// before Next reports closed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// QueueLen reports the pending outbound depth.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
