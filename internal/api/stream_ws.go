// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/log"
	"github.com/devsupd/devsupd/internal/metrics"
	"github.com/devsupd/devsupd/internal/session/manager"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// The API is loopback-only, so cross-origin browser pages on the same host
// are the only callers with an Origin header worth admitting.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 10,
	WriteBufferSize: 16 << 10,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn serializes frame writes and pings onto one connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(f)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// serveWS upgrades the connection and runs pump against it. The read loop
// exists to process control frames and to notice the peer going away; pings
// every 30 seconds shake out dead connections.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, pump func(ctx context.Context, send sender)) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	wc := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer func() { _ = conn.Close() }()

	go func() {
		defer cancel()
		conn.SetPongHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if wc.ping() != nil {
					cancel()
					return
				}
			}
		}
	}()

	metrics.StreamsActive.WithLabelValues("ws").Inc()
	defer metrics.StreamsActive.WithLabelValues("ws").Dec()

	pump(ctx, wc.send)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))

	closeLogger := log.WithContext(r.Context(), s.logger)
	closeLogger.Debug().Msg("websocket stream closed")
}

func (s *Server) handleLogsWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	fromSeq := uint64(1)
	if v := r.URL.Query().Get("fromSeq"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil || parsed == 0 {
			renderError(w, r, errdefs.Validationf("fromSeq %q must be a positive integer", v))
			return
		}
		fromSeq = parsed
	}
	filter, err := manager.CompileFilter(r.URL.Query().Get("filter"))
	if err != nil {
		renderError(w, r, err)
		return
	}

	_, sub, err := s.deps.Manager.FollowLogs(id, fromSeq, 0)
	if err != nil {
		renderError(w, r, err)
		return
	}
	defer sub.Close()

	s.serveWS(w, r, func(ctx context.Context, send sender) {
		pumpLogs(ctx, sub, filter, send)
	})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Manager.SubscribeEvents(r.URL.Query().Get("sessionId"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	defer sub.Close()

	s.serveWS(w, r, func(ctx context.Context, send sender) {
		pumpEvents(ctx, sub, send)
	})
}
