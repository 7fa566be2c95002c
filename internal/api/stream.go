package api

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"scriptserver/internal/core"
	"scriptserver/internal/execution"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts clients without an Origin header and browsers on the
// same host.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// handleExecutionStream attaches a live viewer. Server messages are JSON
// events; text messages from the client are written to the script's stdin.
// The server closes the socket after the last artifact event.
func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	e, err := s.executions.GetActiveExecutor(chi.URLParam(r, "executionID"), user)
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "execution_id", e.ID, "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		s.readInput(ctx, conn, e, user)
	}()
	go func() {
		defer wg.Done()
		keepAlive(ctx, conn, cancel)
	}()

	err = s.executions.Stream(ctx, e, func(ev execution.Event) error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return conn.WriteJSON(ev)
	})
	switch {
	case err == nil:
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finished")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	case ctx.Err() == nil:
		s.logger.DebugContext(r.Context(), "stream ended", "execution_id", e.ID, "err", err)
	}

	cancel()
	_ = conn.Close()
	wg.Wait()
}

func (s *Server) readInput(ctx context.Context, conn *websocket.Conn, e *execution.Execution, user core.User) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				s.logger.DebugContext(ctx, "websocket read failed", "execution_id", e.ID, "err", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if err := s.executions.WriteInput(e.ID, user, inputLine(string(msg))); err != nil && !errors.Is(err, core.ErrAlreadyFinished) {
			s.logger.WarnContext(ctx, "write input failed", "execution_id", e.ID, "err", err)
		}
	}
}

func keepAlive(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cancel()
				return
			}
		}
	}
}
