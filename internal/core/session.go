package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"palaver/server/internal/protocol"
)

// SendTimeout bounds how long an enqueue may wait for queue space before the
// session is declared stalled and torn down. Set once at startup, before
// any session exists.
var SendTimeout = 50 * time.Millisecond

// DefaultSendQueue is the outbound frame queue capacity used when the
// configuration does not say otherwise.
const DefaultSendQueue = 64

// Session is one authenticated live connection to the chat server. The
// transport layer drains Frames in FIFO order; every other component
// enqueues through TrySend.
type Session struct {
	// ID correlates log lines across goroutines. UserID and Name are fixed
	// at handshake time.
	ID     string
	UserID int64
	Name   string

	send chan protocol.Frame
	done chan struct{}

	mu         sync.Mutex
	subscribed int64 // current chat id, 0 when none

	closeOnce sync.Once
	sendOnce  sync.Once
}

// NewSession builds a session with the given outbound queue capacity.
func NewSession(userID int64, name string, queue int) *Session {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   name,
		send:   make(chan protocol.Frame, queue),
		done:   make(chan struct{}),
	}
}

// Frames is the outbound queue end consumed by the write pump. It is closed
// when the session leaves the hub.
func (s *Session) Frames() <-chan protocol.Frame {
	return s.send
}

// Done is closed when the session must terminate: queue overflow, logout,
// account deletion, or replacement by a newer login.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Terminate asks the transport layer to close the connection. Idempotent.
func (s *Session) Terminate() {
	s.closeOnce.Do(func() { close(s.done) })
}

// TrySend enqueues one frame. A queue that stays full past SendTimeout means
// the client stopped draining; the session is closed rather than silently
// dropping frames.
func (s *Session) TrySend(f protocol.Frame) (ok bool) {
	defer func() {
		if recover() != nil {
			// Send raced a queue close during teardown.
			ok = false
		}
	}()

	select {
	case s.send <- f:
		return true
	case <-time.After(SendTimeout):
		slog.Warn("send queue overflow, closing session",
			"session_id", s.ID, "user_id", s.UserID, "topic", f.Topic)
		s.Terminate()
		return false
	}
}

// Subscribed returns the current chat subscription, 0 when none.
func (s *Session) Subscribed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// swapSubscribed installs a new subscription and returns the previous one.
func (s *Session) swapSubscribed(chatID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.subscribed
	s.subscribed = chatID
	return prev
}

// clearSubscribedIf resets the subscription only if it still points at
// chatID. Used when a whole topic is dropped.
func (s *Session) clearSubscribedIf(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed == chatID {
		s.subscribed = 0
	}
}

// closeSend closes the outbound queue exactly once, ending the write pump.
func (s *Session) closeSend() {
	s.sendOnce.Do(func() { close(s.send) })
}
