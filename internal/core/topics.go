package core

import "sync"

// Topics maps each chat id to the set of sessions currently subscribed to
// it. The outer mutex guards the chat-id index; each topic carries its own
// mutex for subscriber-set mutation. Lock order is always outer before
// topic, and no topic lock is held while taking the outer one.
type Topics struct {
	mu     sync.RWMutex
	byChat map[int64]*topic
}

type topic struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewTopics returns an empty registry.
func NewTopics() *Topics {
	return &Topics{byChat: make(map[int64]*topic)}
}

// Join inserts the session into the chat's subscriber set, creating the
// topic if needed.
func (t *Topics) Join(chatID int64, s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	top, ok := t.byChat[chatID]
	if !ok {
		top = &topic{sessions: make(map[*Session]struct{})}
		t.byChat[chatID] = top
	}
	top.mu.Lock()
	top.sessions[s] = struct{}{}
	top.mu.Unlock()
}

// Ensure registers an empty topic for the chat if none exists yet, so a
// freshly created chat is broadcastable before its first subscriber.
func (t *Topics) Ensure(chatID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byChat[chatID]; !ok {
		t.byChat[chatID] = &topic{sessions: make(map[*Session]struct{})}
	}
}

// Leave removes the session if present and prunes the topic once empty.
func (t *Topics) Leave(chatID int64, s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	top, ok := t.byChat[chatID]
	if !ok {
		return
	}
	top.mu.Lock()
	delete(top.sessions, s)
	empty := len(top.sessions) == 0
	top.mu.Unlock()
	if empty {
		delete(t.byChat, chatID)
	}
}

// Snapshot returns a stable copy of the subscriber set so broadcast can
// iterate without holding any registry lock.
func (t *Topics) Snapshot(chatID int64) []*Session {
	t.mu.RLock()
	top, ok := t.byChat[chatID]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	top.mu.Lock()
	out := make([]*Session, 0, len(top.sessions))
	for s := range top.sessions {
		out = append(out, s)
	}
	top.mu.Unlock()
	return out
}

// Drop removes the whole topic and resets the subscription field of every
// session that still pointed at it. Used when a voice chat is deleted.
func (t *Topics) Drop(chatID int64) {
	t.mu.Lock()
	top, ok := t.byChat[chatID]
	if ok {
		delete(t.byChat, chatID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	top.mu.Lock()
	for s := range top.sessions {
		s.clearSubscribedIf(chatID)
	}
	top.sessions = make(map[*Session]struct{})
	top.mu.Unlock()
}

// Size reports the number of live topics.
func (t *Topics) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byChat)
}
