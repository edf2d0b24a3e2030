// Package ws owns websocket transport for the chat server: the credential
// handshake on the upgrade request, the per-connection read loop, and the
// write pump draining each session's outbound queue.
package ws

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"palaver/server/internal/auth"
	"palaver/server/internal/core"
	"palaver/server/internal/metrics"
	"palaver/server/internal/protocol"
	"palaver/server/internal/router"
	"palaver/server/internal/store"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// Handler owns websocket transport for the chat server.
type Handler struct {
	store     *store.Store
	hub       *core.Hub
	router    *router.Router
	metrics   *metrics.Chat
	sendQueue int
	upgrader  websocket.Upgrader
}

// NewHandler creates a websocket handler over the shared store and hub.
// sendQueue is the per-session outbound queue capacity; zero means the
// default. m may be nil when metrics are not collected.
func NewHandler(st *store.Store, hub *core.Hub, rt *router.Router, m *metrics.Chat, sendQueue int) *Handler {
	if sendQueue <= 0 {
		sendQueue = core.DefaultSendQueue
	}
	return &Handler{
		store:     st,
		hub:       hub,
		router:    rt,
		metrics:   m,
		sendQueue: sendQueue,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket authenticates the upgrade request, upgrades it, and
// serves the connection until disconnect. Credential failures answer with
// plain HTTP 400 before any upgrade happens.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	ident, err := auth.Handshake(c.Request().Context(), h.store, c.QueryParams())
	if err != nil {
		if errors.Is(err, auth.ErrBadRequest) || errors.Is(err, auth.ErrBadCredentials) || errors.Is(err, auth.ErrLoginTaken) {
			if h.metrics != nil {
				h.metrics.HandshakeErrors.Inc()
			}
			return c.String(http.StatusBadRequest, err.Error())
		}
		return fmt.Errorf("handshake: %w", err)
	}
	if ident.New {
		h.router.AnnounceNewUser(ident.UserID, ident.Name)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(c, conn, ident)
	return nil
}

func (h *Handler) serveConn(c echo.Context, conn *websocket.Conn, ident auth.Identity) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(1 << 20)

	session := core.NewSession(ident.UserID, ident.Name, h.sendQueue)
	h.hub.Join(session)
	defer h.hub.Leave(session)
	if h.metrics != nil {
		h.metrics.SessionsActive.Inc()
		defer h.metrics.SessionsActive.Dec()
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for out := range session.Frames() {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				if h.metrics != nil {
					h.metrics.WriteErrors.Inc()
				}
				return
			}
			if h.metrics != nil {
				h.metrics.FramesOut.Inc()
			}
		}
	}()

	// A terminated session closes its own transport so the read loop
	// unblocks. Leave closes the send queue first, letting the pump drain
	// queued replies: logout and account deletion confirm before the
	// socket drops.
	go func() {
		<-session.Done()
		h.hub.Leave(session)
		select {
		case <-pumpDone:
		case <-time.After(writeTimeout):
		}
		conn.Close()
	}()

	ctx := c.Request().Context()
	h.router.Prime(ctx, session)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if h.metrics != nil {
			h.metrics.FramesIn.Inc()
		}
		req, err := protocol.DecodeRequest(data)
		if err != nil {
			session.TrySend(protocol.ErrorFrame(protocol.OpSystem, "Malformed message"))
			continue
		}
		h.router.Dispatch(ctx, session, req)
	}
}
