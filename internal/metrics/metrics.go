// Package metrics wraps the Prometheus collectors of the chat server and
// the voice relay. Each binary registers only its own set.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Chat holds the websocket-side collectors.
type Chat struct {
	SessionsActive  prometheus.Gauge
	FramesIn        prometheus.Counter
	FramesOut       prometheus.Counter
	WriteErrors     prometheus.Counter
	HandshakeErrors prometheus.Counter
}

// Voice holds the relay-side collectors.
type Voice struct {
	ClientsActive    prometheus.Gauge
	DatagramsIn      prometheus.Counter
	DatagramsRelayed prometheus.Counter
	Evictions        prometheus.Counter
	Rejections       prometheus.Counter
}

// NewChat creates the chat collectors on reg, or on the default registry
// when reg is nil.
func NewChat(reg prometheus.Registerer) *Chat {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Chat{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "palaver_chat_sessions_active",
			Help: "Number of live websocket sessions",
		}),
		FramesIn: f.NewCounter(prometheus.CounterOpts{
			Name: "palaver_chat_frames_in_total",
			Help: "Total client frames read from websocket connections",
		}),
		FramesOut: f.NewCounter(prometheus.CounterOpts{
			Name: "palaver_chat_frames_out_total",
			Help: "Total server frames written to websocket connections",
		}),
		WriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "palaver_chat_write_errors_total",
			Help: "Total websocket write failures",
		}),
		HandshakeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "palaver_chat_handshake_errors_total",
			Help: "Total credential handshakes rejected before upgrade",
		}),
	}
}

// NewVoice creates the relay collectors on reg, or on the default registry
// when reg is nil.
func NewVoice(reg prometheus.Registerer) *Voice {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Voice{
		ClientsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "palaver_voice_clients_active",
			Help: "Number of registered voice clients",
		}),
		DatagramsIn: f.NewCounter(prometheus.CounterOpts{
			Name: "palaver_voice_datagrams_in_total",
			Help: "Total datagrams received by the relay",
		}),
		DatagramsRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "palaver_voice_datagrams_relayed_total",
			Help: "Total datagrams fanned out to channel peers",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "palaver_voice_evictions_total",
			Help: "Total clients evicted after the inactivity timeout",
		}),
		Rejections: f.NewCounter(prometheus.CounterOpts{
			Name: "palaver_voice_rejections_total",
			Help: "Total registrations refused: server full or bad channel name",
		}),
	}
}

// Handler exposes the default registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
