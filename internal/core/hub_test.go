package core

import (
	"testing"

	"palaver/server/internal/protocol"
)

func recvFrame(t *testing.T, s *Session) protocol.Frame {
	t.Helper()
	select {
	case f := <-s.Frames():
		return f
	default:
		t.Fatal("no frame queued")
		return protocol.Frame{}
	}
}

func assertNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case f := <-s.Frames():
		t.Fatalf("unexpected frame: %+v", f)
	default:
	}
}

func TestHubJoinLeave(t *testing.T) {
	t.Parallel()

	h := NewHub()
	s := NewSession(1, "alice", 4)
	h.Join(s)

	if h.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", h.ClientCount())
	}
	got, ok := h.SessionFor(1)
	if !ok || got != s {
		t.Fatalf("session lookup failed: %v %v", got, ok)
	}

	h.Leave(s)
	if h.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", h.ClientCount())
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("left session not terminated")
	}

	// Leaving twice is harmless.
	h.Leave(s)
}

func TestHubJoinReplacesPreviousSession(t *testing.T) {
	t.Parallel()

	h := NewHub()
	first := NewSession(1, "alice", 4)
	second := NewSession(1, "alice", 4)

	h.Join(first)
	h.Join(second)

	if h.ClientCount() != 1 {
		t.Fatalf("expected single-valued index, got %d clients", h.ClientCount())
	}
	got, _ := h.SessionFor(1)
	if got != second {
		t.Fatal("index does not point at the newer session")
	}
	select {
	case <-first.Done():
	default:
		t.Fatal("replaced session not terminated")
	}

	// The dying session's leave must not evict the newer one.
	h.Leave(first)
	if got, ok := h.SessionFor(1); !ok || got != second {
		t.Fatal("stale leave evicted the replacement session")
	}
}

func TestHubSubscribeReplacesTopic(t *testing.T) {
	t.Parallel()

	h := NewHub()
	s := NewSession(1, "alice", 8)
	h.Join(s)

	h.Subscribe(s, 10)
	if s.Subscribed() != 10 {
		t.Fatalf("expected subscription 10, got %d", s.Subscribed())
	}
	h.BroadcastToChat(10, protocol.Frame{Topic: 3, Text: "a"})
	if f := recvFrame(t, s); f.Text != "a" {
		t.Fatalf("unexpected frame: %+v", f)
	}

	// Subscribing elsewhere implicitly leaves the old topic.
	h.Subscribe(s, 20)
	h.BroadcastToChat(10, protocol.Frame{Topic: 3, Text: "b"})
	assertNoFrame(t, s)
	h.BroadcastToChat(20, protocol.Frame{Topic: 3, Text: "c"})
	if f := recvFrame(t, s); f.Text != "c" {
		t.Fatalf("unexpected frame: %+v", f)
	}

	h.Unsubscribe(s)
	if s.Subscribed() != 0 {
		t.Fatalf("unsubscribe left %d", s.Subscribed())
	}
	h.BroadcastToChat(20, protocol.Frame{Topic: 3, Text: "d"})
	assertNoFrame(t, s)
}

func TestHubBroadcastAll(t *testing.T) {
	t.Parallel()

	h := NewHub()
	a := NewSession(1, "alice", 4)
	b := NewSession(2, "bob", 4)
	h.Join(a)
	h.Join(b)

	h.BroadcastAll(protocol.Frame{Topic: 0, UserID: 3, UserName: "carol"})
	for _, s := range []*Session{a, b} {
		f := recvFrame(t, s)
		if f.Topic != 0 || f.UserID != 3 {
			t.Fatalf("unexpected frame: %+v", f)
		}
	}
}

func TestHubSendToUser(t *testing.T) {
	t.Parallel()

	h := NewHub()
	a := NewSession(1, "alice", 4)
	h.Join(a)

	if !h.SendToUser(1, protocol.Frame{Topic: 17}) {
		t.Fatal("send to online user failed")
	}
	if f := recvFrame(t, a); f.Topic != 17 {
		t.Fatalf("unexpected frame: %+v", f)
	}

	if h.SendToUser(42, protocol.Frame{Topic: 17}) {
		t.Fatal("send to offline user reported success")
	}
}

func TestHubDropTopic(t *testing.T) {
	t.Parallel()

	h := NewHub()
	a := NewSession(1, "alice", 4)
	b := NewSession(2, "bob", 4)
	h.Join(a)
	h.Join(b)
	h.Subscribe(a, 10)
	h.Subscribe(b, 10)

	h.DropTopic(10)

	if a.Subscribed() != 0 || b.Subscribed() != 0 {
		t.Fatalf("subscriptions survived drop: %d %d", a.Subscribed(), b.Subscribed())
	}
	h.BroadcastToChat(10, protocol.Frame{Topic: 3})
	assertNoFrame(t, a)
	assertNoFrame(t, b)

	// Sessions themselves stay alive.
	if h.ClientCount() != 2 {
		t.Fatalf("drop killed sessions: %d", h.ClientCount())
	}
}

func TestTopicsEnsureAndPrune(t *testing.T) {
	t.Parallel()

	topics := NewTopics()
	topics.Ensure(5)
	if topics.Size() != 1 {
		t.Fatalf("expected 1 topic, got %d", topics.Size())
	}
	topics.Ensure(5)
	if topics.Size() != 1 {
		t.Fatalf("ensure duplicated the topic: %d", topics.Size())
	}

	s := NewSession(1, "alice", 4)
	topics.Join(5, s)
	topics.Leave(5, s)
	if topics.Size() != 0 {
		t.Fatalf("empty topic not pruned: %d", topics.Size())
	}
}
