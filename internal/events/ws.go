package events

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/origin"
)

const (
	wsWriteWait = 5 * time.Second
	// Clients only send control frames; anything larger is a misbehaving peer.
	wsMaxInboundBytes = 512
)

type HandlerConfig struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	IdleTimeout    time.Duration
}

// Handler streams Hub events over WebSocket: JSON as text frames, CBOR as
// binary frames, selected with ?format=json|cbor.
type Handler struct {
	hub     *Hub
	cfg     HandlerConfig
	log     *slog.Logger
	metrics *metrics.Metrics

	origins  origin.Policy
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, cfg HandlerConfig, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Handler{
		hub:      hub,
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		origins:  origin.NewPolicy(cfg.AllowedOrigins),
		upgrader: websocket.Upgrader{},
	}
	h.upgrader.CheckOrigin = h.checkOrigin
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if _, ok := h.origins.Check(r); ok {
		return true
	}
	h.metrics.Inc(metrics.EventsWSOriginDenied)
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h.metrics.Inc(metrics.EventsWSConnections)
	sub := h.hub.Subscribe(format)
	defer sub.Close()

	h.log.Info("events_ws_connected", "remote_addr", r.RemoteAddr, "format", string(format))
	defer func() {
		h.log.Info("events_ws_disconnected", "remote_addr", r.RemoteAddr, "dropped", sub.Dropped())
	}()

	conn.SetReadLimit(wsMaxInboundBytes)
	extendIdle := func() { _ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout)) }
	if h.cfg.IdleTimeout > 0 {
		extendIdle()
		conn.SetPongHandler(func(string) error {
			extendIdle()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Unblocks the write loop below once the client goes away or idles out.
		defer sub.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if h.cfg.IdleTimeout > 0 {
				extendIdle()
			}
		}
	}()

	if h.cfg.PingInterval > 0 {
		go func() {
			t := time.NewTicker(h.cfg.PingInterval)
			defer t.Stop()
			for {
				select {
				case <-done:
					return
				case <-t.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
	}

	msgType := websocket.TextMessage
	if format == FormatCBOR {
		msgType = websocket.BinaryMessage
	}
	for {
		frame, ok := sub.Next()
		if !ok {
			break
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(msgType, frame); err != nil {
			break
		}
	}

	_ = conn.Close()
	<-done
}
