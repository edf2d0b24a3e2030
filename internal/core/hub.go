// Package core holds the chat server's shared in-memory state: the hub
// indexing live sessions by user id, the topic registry mapping chat ids to
// subscriber sets, and the session type itself. Sessions never hold
// references to each other; the hub is the rendezvous point for every
// cross-session notification.
package core

import (
	"log/slog"
	"sync"

	"palaver/server/internal/protocol"
)

// Hub is the process-wide shared state. It owns the live-session index and
// the topic registry; both are initialized before the first connection is
// accepted.
type Hub struct {
	mu    sync.RWMutex
	users map[int64]*Session

	topics *Topics
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		users:  make(map[int64]*Session),
		topics: NewTopics(),
	}
}

// Join registers a session under its user id. A previous live session for
// the same user is replaced and told to terminate, keeping the index
// single-valued.
func (h *Hub) Join(s *Session) {
	h.mu.Lock()
	old := h.users[s.UserID]
	h.users[s.UserID] = s
	count := len(h.users)
	h.mu.Unlock()

	if old != nil && old != s {
		old.Terminate()
	}
	slog.Info("session joined", "session_id", s.ID, "user_id", s.UserID, "total_sessions", count)
}

// Leave removes the session from the hub and the topic registry and closes
// its outbound queue. Idempotent, and a no-op on the index when a newer
// session already replaced this one.
func (h *Hub) Leave(s *Session) {
	if prev := s.swapSubscribed(0); prev != 0 {
		h.topics.Leave(prev, s)
	}

	h.mu.Lock()
	if cur, ok := h.users[s.UserID]; ok && cur == s {
		delete(h.users, s.UserID)
	}
	count := len(h.users)
	h.mu.Unlock()

	s.Terminate()
	s.closeSend()
	slog.Info("session left", "session_id", s.ID, "user_id", s.UserID, "remaining_sessions", count)
}

// Subscribe atomically replaces the session's current subscription: leave
// the prior topic, if any, then join the new one.
func (h *Hub) Subscribe(s *Session, chatID int64) {
	if prev := s.swapSubscribed(chatID); prev != 0 && prev != chatID {
		h.topics.Leave(prev, s)
	}
	h.topics.Join(chatID, s)
}

// Unsubscribe removes the session from its current topic, if any.
func (h *Hub) Unsubscribe(s *Session) {
	if prev := s.swapSubscribed(0); prev != 0 {
		h.topics.Leave(prev, s)
	}
}

// EnsureTopic registers a chat with the topic registry ahead of its first
// subscriber.
func (h *Hub) EnsureTopic(chatID int64) {
	h.topics.Ensure(chatID)
}

// DropTopic removes a whole chat topic. Subscribed sessions stay alive but
// lose their subscription.
func (h *Hub) DropTopic(chatID int64) {
	h.topics.Drop(chatID)
}

// BroadcastAll enqueues the frame on every live session.
func (h *Hub) BroadcastAll(f protocol.Frame) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.users))
	for _, s := range h.users {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if s.TrySend(f) {
			sent++
		}
	}
	slog.Debug("broadcast all", "frame_topic", f.Topic, "recipients", sent, "total", len(targets))
}

// BroadcastToChat enqueues the frame on every subscriber of the chat, using
// a snapshot so no registry lock is held across sends.
func (h *Hub) BroadcastToChat(chatID int64, f protocol.Frame) {
	targets := h.topics.Snapshot(chatID)
	sent := 0
	for _, s := range targets {
		if s.TrySend(f) {
			sent++
		}
	}
	slog.Debug("broadcast to chat", "chat_id", chatID, "frame_topic", f.Topic, "recipients", sent, "total", len(targets))
}

// SendToUser enqueues the frame on the user's live session. A no-op
// returning false when the user is offline.
func (h *Hub) SendToUser(userID int64, f protocol.Frame) bool {
	h.mu.RLock()
	s, ok := h.users[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return s.TrySend(f)
}

// SessionFor returns the live session of a user, if any.
func (h *Hub) SessionFor(userID int64) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.users[userID]
	return s, ok
}

// ClientCount returns the number of live sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}
