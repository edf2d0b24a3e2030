package relay

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type sentDatagram struct {
	addr    string
	payload string
}

// recorder captures outbound datagrams in order.
type recorder struct {
	mu    sync.Mutex
	sends []sentDatagram
}

func (r *recorder) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sentDatagram{addr: addr.String(), payload: string(b)})
	return len(b), nil
}

func (r *recorder) take() []sentDatagram {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sends
	r.sends = nil
	return out
}

func endpoint(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func registerOne(t *testing.T, r *Relay, w *recorder, addr *net.UDPAddr, channel, want string) {
	t.Helper()
	r.HandleDatagram(w, []byte("REGISTER "+channel), addr)
	sends := w.take()
	if len(sends) != 1 || sends[0].payload != want || sends[0].addr != addr.String() {
		t.Fatalf("expected %q to %s, got %+v", want, addr, sends)
	}
}

func TestPingPong(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil)
	w := &recorder{}
	a := endpoint(4001)

	r.HandleDatagram(w, []byte("PING"), a)
	sends := w.take()
	if len(sends) != 1 || sends[0].payload != "PONG" || sends[0].addr != a.String() {
		t.Fatalf("unexpected ping reply: %+v", sends)
	}

	// Prefix match, like any other command.
	r.HandleDatagram(w, []byte("PING12345"), a)
	if sends := w.take(); len(sends) != 1 || sends[0].payload != "PONG" {
		t.Fatalf("unexpected reply to prefixed ping: %+v", sends)
	}

	// A ping alone registers nothing.
	if r.ClientCount() != 0 {
		t.Fatalf("ping registered a client: %d", r.ClientCount())
	}
}

func TestRegisterAndReRegister(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil)
	w := &recorder{}
	a := endpoint(4002)

	registerOne(t, r, w, a, "chan-1", "REGISTERED")
	if r.ClientCount() != 1 || r.ChannelCount() != 1 {
		t.Fatalf("unexpected counts: clients=%d channels=%d", r.ClientCount(), r.ChannelCount())
	}

	// Same channel: idempotent refresh.
	registerOne(t, r, w, a, "chan-1", "RE-REGISTERED")
	if r.ClientCount() != 1 || r.ChannelCount() != 1 {
		t.Fatalf("re-register changed counts: clients=%d channels=%d", r.ClientCount(), r.ChannelCount())
	}

	// Different channel: migrate; the emptied channel is pruned.
	registerOne(t, r, w, a, "chan-2", "RE-REGISTERED")
	if r.ClientCount() != 1 || r.ChannelCount() != 1 {
		t.Fatalf("migration changed counts: clients=%d channels=%d", r.ClientCount(), r.ChannelCount())
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil)
	w := &recorder{}
	a := endpoint(4003)

	longest := strings.Repeat("x", DefaultMaxChannelLength)
	registerOne(t, r, w, a, longest, "REGISTERED")

	cases := []string{
		"REGISTER ",                 // empty label
		"REGISTER " + longest + "x", // one byte over
		"REGISTER bad channel",
		"REGISTER voice#1",
		"REGISTER " + strings.Repeat("y", 100),
	}
	for _, raw := range cases {
		r.HandleDatagram(w, []byte(raw), a)
		sends := w.take()
		if len(sends) != 1 || sends[0].payload != "ERROR:INVALID_CHANNEL" {
			t.Fatalf("%q: expected ERROR:INVALID_CHANNEL, got %+v", raw, sends)
		}
	}

	// Without the separator it is not a registration command at all.
	r.HandleDatagram(w, []byte("REGISTER"), a)
	if sends := w.take(); len(sends) != 0 {
		t.Fatalf("bare REGISTER answered: %+v", sends)
	}
}

func TestServerFull(t *testing.T) {
	t.Parallel()

	r := New(Config{MaxClients: 2}, nil)
	w := &recorder{}

	registerOne(t, r, w, endpoint(4010), "chan-1", "REGISTERED")
	registerOne(t, r, w, endpoint(4011), "chan-1", "REGISTERED")

	r.HandleDatagram(w, []byte("REGISTER chan-1"), endpoint(4012))
	sends := w.take()
	if len(sends) != 1 || sends[0].payload != "ERROR:SERVER_FULL" {
		t.Fatalf("expected ERROR:SERVER_FULL, got %+v", sends)
	}
	if r.ClientCount() != 2 {
		t.Fatalf("full relay admitted a client: %d", r.ClientCount())
	}

	// Existing endpoints keep re-registering at capacity.
	registerOne(t, r, w, endpoint(4010), "chan-2", "RE-REGISTERED")
}

func TestAudioFanOutExcludesSender(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil)
	w := &recorder{}
	a, b, c, d := endpoint(4020), endpoint(4021), endpoint(4022), endpoint(4023)

	registerOne(t, r, w, a, "chan-1", "REGISTERED")
	registerOne(t, r, w, b, "chan-1", "REGISTERED")
	registerOne(t, r, w, c, "chan-1", "REGISTERED")
	registerOne(t, r, w, d, "chan-2", "REGISTERED")

	datagram := "AUDIO chan-1 \x01\x02opus-payload"
	r.HandleDatagram(w, []byte(datagram), a)

	sends := w.take()
	if len(sends) != 2 {
		t.Fatalf("expected 2 forwards, got %+v", sends)
	}
	got := map[string]bool{}
	for _, s := range sends {
		if s.payload != datagram {
			t.Fatalf("datagram not forwarded verbatim: %q", s.payload)
		}
		got[s.addr] = true
	}
	if !got[b.String()] || !got[c.String()] {
		t.Fatalf("wrong recipients: %+v", got)
	}
	if got[a.String()] || got[d.String()] {
		t.Fatalf("sender or foreign channel reached: %+v", got)
	}
}

func TestAudioFromUnregisteredDropped(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil)
	w := &recorder{}

	registerOne(t, r, w, endpoint(4030), "chan-1", "REGISTERED")

	r.HandleDatagram(w, []byte("AUDIO chan-1 payload"), endpoint(4031))
	if sends := w.take(); len(sends) != 0 {
		t.Fatalf("unregistered audio was relayed: %+v", sends)
	}
	if r.ClientCount() != 1 {
		t.Fatalf("audio implicitly registered an endpoint: %d", r.ClientCount())
	}
}

func TestAudioWithoutPayloadSeparatorDropped(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil)
	w := &recorder{}
	a, b := endpoint(4040), endpoint(4041)

	registerOne(t, r, w, a, "chan-1", "REGISTERED")
	registerOne(t, r, w, b, "chan-1", "REGISTERED")

	r.HandleDatagram(w, []byte("AUDIO chan-1"), a)
	if sends := w.take(); len(sends) != 0 {
		t.Fatalf("separator-less audio was relayed: %+v", sends)
	}
}

func TestSweepEvictsIdleEndpoints(t *testing.T) {
	t.Parallel()

	r := New(Config{ClientTimeout: 10 * time.Second}, nil)
	w := &recorder{}

	registerOne(t, r, w, endpoint(4050), "chan-1", "REGISTERED")
	registerOne(t, r, w, endpoint(4051), "chan-1", "REGISTERED")

	if evicted := r.Sweep(time.Now().Add(5 * time.Second)); evicted != 0 {
		t.Fatalf("fresh endpoints evicted: %d", evicted)
	}
	if evicted := r.Sweep(time.Now().Add(20 * time.Second)); evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", evicted)
	}
	if r.ClientCount() != 0 || r.ChannelCount() != 0 {
		t.Fatalf("state survived eviction: clients=%d channels=%d", r.ClientCount(), r.ChannelCount())
	}

	// Evicted endpoints may register again.
	registerOne(t, r, w, endpoint(4050), "chan-1", "REGISTERED")
}

func TestChannelMigrationMovesFanOut(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil)
	w := &recorder{}
	a, b := endpoint(4060), endpoint(4061)

	registerOne(t, r, w, a, "chan-1", "REGISTERED")
	registerOne(t, r, w, b, "chan-1", "REGISTERED")
	registerOne(t, r, w, b, "chan-2", "RE-REGISTERED")

	r.HandleDatagram(w, []byte("AUDIO chan-1 x"), a)
	if sends := w.take(); len(sends) != 0 {
		t.Fatalf("migrated endpoint still on old channel: %+v", sends)
	}

	registerOne(t, r, w, a, "chan-2", "RE-REGISTERED")
	r.HandleDatagram(w, []byte("AUDIO chan-2 x"), a)
	sends := w.take()
	if len(sends) != 1 || sends[0].addr != b.String() {
		t.Fatalf("expected forward to %s, got %+v", b, sends)
	}
}

func TestRelayOverRealSocket(t *testing.T) {
	t.Parallel()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	relayAddr := conn.LocalAddr().(*net.UDPAddr)

	r := New(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx, conn) }()

	client, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if _, err := client.Write([]byte("PING")); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	buf := make([]byte, 64)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if got := string(buf[:n]); got != "PONG" {
		t.Fatalf("expected PONG, got %q", got)
	}
}
