// Package relay implements the UDP voice relay: clients register an
// endpoint to a channel label and every audio datagram is forwarded
// verbatim to the other endpoints on the same channel. Endpoints silent
// longer than the client timeout are evicted by a sweeper.
package relay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"palaver/server/internal/metrics"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultClientTimeout    = 10 * time.Second
	DefaultBufferSize       = 4096
	DefaultMaxClients       = 50
	DefaultMaxChannelLength = 64
)

// Wire tokens. Replies are complete strings, including both error forms.
var (
	pingPrefix     = []byte("PING")
	registerPrefix = []byte("REGISTER ")
	audioPrefix    = []byte("AUDIO ")

	respPong           = []byte("PONG")
	respRegistered     = []byte("REGISTERED")
	respReRegistered   = []byte("RE-REGISTERED")
	respServerFull     = []byte("ERROR:SERVER_FULL")
	respInvalidChannel = []byte("ERROR:INVALID_CHANNEL")
)

// Config tunes one relay instance.
type Config struct {
	ClientTimeout    time.Duration
	BufferSize       int
	MaxClients       int
	MaxChannelLength int
}

func (c Config) withDefaults() Config {
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = DefaultClientTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.MaxChannelLength <= 0 {
		c.MaxChannelLength = DefaultMaxChannelLength
	}
	return c
}

// PacketWriter sends one datagram to addr. *net.UDPConn implements it; the
// interface lets tests inject a recorder instead of a real socket.
type PacketWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

type client struct {
	addr     *net.UDPAddr
	lastSeen time.Time
	channel  string
}

// Relay holds the endpoint liveness map and the per-channel endpoint sets,
// both guarded by one mutex shared with the sweeper.
type Relay struct {
	cfg     Config
	metrics *metrics.Voice

	mu       sync.Mutex
	clients  map[string]*client            // endpoint key -> client
	channels map[string]map[string]*client // channel label -> endpoint key -> client
}

// New creates a relay. Zero config fields take the package defaults; m may
// be nil when metrics are not collected.
func New(cfg Config, m *metrics.Voice) *Relay {
	return &Relay{
		cfg:      cfg.withDefaults(),
		metrics:  m,
		clients:  make(map[string]*client),
		channels: make(map[string]map[string]*client),
	}
}

// Run owns conn: it reads datagrams until ctx is canceled, with the sweeper
// running alongside, and closes the socket on the way out.
func (r *Relay) Run(ctx context.Context, conn *net.UDPConn) error {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go r.sweepLoop(ctx)

	slog.Info("voice relay listening",
		"addr", conn.LocalAddr().String(),
		"client_timeout", r.cfg.ClientTimeout,
		"max_clients", r.cfg.MaxClients)

	buf := make([]byte, r.cfg.BufferSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("relay read", "err", err)
			continue
		}
		if n == 0 {
			continue
		}
		r.HandleDatagram(conn, buf[:n], addr)
	}
}

// HandleDatagram dispatches one received datagram. Fan-out writes happen
// before the next read, so data may alias the read buffer.
func (r *Relay) HandleDatagram(w PacketWriter, data []byte, addr *net.UDPAddr) {
	if r.metrics != nil {
		r.metrics.DatagramsIn.Inc()
	}
	switch {
	case bytes.HasPrefix(data, pingPrefix):
		r.send(w, addr, respPong)
	case bytes.HasPrefix(data, registerPrefix):
		r.register(w, addr, string(data[len(registerPrefix):]))
	case bytes.HasPrefix(data, audioPrefix):
		r.relayAudio(w, addr, data)
	default:
		slog.Debug("unknown datagram", "addr", addr.String(), "len", len(data))
	}
}

func (r *Relay) register(w PacketWriter, addr *net.UDPAddr, label string) {
	if !r.validChannel(label) {
		slog.Warn("invalid channel label", "addr", addr.String())
		if r.metrics != nil {
			r.metrics.Rejections.Inc()
		}
		r.send(w, addr, respInvalidChannel)
		return
	}

	key := addr.String()
	now := time.Now()

	r.mu.Lock()
	c, ok := r.clients[key]
	if !ok {
		if len(r.clients) >= r.cfg.MaxClients {
			r.mu.Unlock()
			slog.Warn("registration refused, relay full", "addr", key, "max_clients", r.cfg.MaxClients)
			if r.metrics != nil {
				r.metrics.Rejections.Inc()
			}
			r.send(w, addr, respServerFull)
			return
		}
		c = &client{addr: addr, lastSeen: now, channel: label}
		r.clients[key] = c
		r.channelFor(label)[key] = c
		count := len(r.clients)
		r.mu.Unlock()

		r.setClientsGauge(count)
		slog.Info("client registered", "addr", key, "channel", label, "clients", count)
		r.send(w, addr, respRegistered)
		return
	}

	if c.channel != label {
		r.detachLocked(key, c.channel)
		c.channel = label
		r.channelFor(label)[key] = c
		c.lastSeen = now
		r.mu.Unlock()

		slog.Info("client moved channel", "addr", key, "channel", label)
		r.send(w, addr, respReRegistered)
		return
	}

	c.lastSeen = now
	r.mu.Unlock()
	r.send(w, addr, respReRegistered)
}

// relayAudio forwards the whole original datagram to every other endpoint
// on the named channel. Unregistered senders are dropped; audio never
// changes a registration beyond refreshing its liveness.
func (r *Relay) relayAudio(w PacketWriter, addr *net.UDPAddr, data []byte) {
	rest := data[len(audioPrefix):]
	sp := bytes.IndexByte(rest, ' ')
	if sp < 0 {
		return
	}
	label := string(rest[:sp])
	if !r.validChannel(label) {
		return
	}
	key := addr.String()

	r.mu.Lock()
	c, ok := r.clients[key]
	if !ok {
		r.mu.Unlock()
		slog.Debug("audio from unregistered endpoint", "addr", key)
		return
	}
	c.lastSeen = time.Now()
	peers := r.channels[label]
	targets := make([]*net.UDPAddr, 0, len(peers))
	for k, peer := range peers {
		if k == key {
			continue
		}
		targets = append(targets, peer.addr)
	}
	r.mu.Unlock()

	for _, t := range targets {
		r.send(w, t, data)
	}
	if r.metrics != nil && len(targets) > 0 {
		r.metrics.DatagramsRelayed.Add(float64(len(targets)))
	}
}

// Sweep evicts every endpoint idle longer than the client timeout as of
// now, pruning emptied channels, and returns the eviction count.
func (r *Relay) Sweep(now time.Time) int {
	r.mu.Lock()
	removed := 0
	for key, c := range r.clients {
		if now.Sub(c.lastSeen) <= r.cfg.ClientTimeout {
			continue
		}
		r.detachLocked(key, c.channel)
		delete(r.clients, key)
		removed++
		slog.Info("evicted inactive client", "addr", key, "channel", c.channel)
	}
	count := len(r.clients)
	r.mu.Unlock()

	if removed > 0 {
		r.setClientsGauge(count)
		if r.metrics != nil {
			r.metrics.Evictions.Add(float64(removed))
		}
		slog.Info("sweep complete", "evicted", removed, "clients", count)
	}
	return removed
}

// ClientCount reports the number of registered endpoints.
func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// ChannelCount reports the number of channels with at least one endpoint.
func (r *Relay) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

func (r *Relay) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ClientTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

// channelFor returns the endpoint set of a channel, creating it if needed.
// Callers hold r.mu.
func (r *Relay) channelFor(label string) map[string]*client {
	set, ok := r.channels[label]
	if !ok {
		set = make(map[string]*client)
		r.channels[label] = set
	}
	return set
}

// detachLocked removes the endpoint from a channel set and prunes the set
// once empty. Callers hold r.mu.
func (r *Relay) detachLocked(key, label string) {
	set, ok := r.channels[label]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(r.channels, label)
	}
}

func (r *Relay) validChannel(label string) bool {
	if label == "" || len(label) > r.cfg.MaxChannelLength {
		return false
	}
	for i := 0; i < len(label); i++ {
		switch c := label[i]; {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

func (r *Relay) send(w PacketWriter, addr *net.UDPAddr, payload []byte) {
	if _, err := w.WriteToUDP(payload, addr); err != nil {
		slog.Warn("datagram send failed", "addr", addr.String(), "err", err)
	}
}

func (r *Relay) setClientsGauge(n int) {
	if r.metrics != nil {
		r.metrics.ClientsActive.Set(float64(n))
	}
}
