package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"meshnode/internal/events"
)

// wsClientBuffer is how many events a client may fall behind before we start
// dropping. Events are a telemetry stream: a late client catches up from the
// retained replay on its next connect, so dropping beats blocking the mesh.
const wsClientBuffer = 64

const wsWriteTimeout = 10 * time.Second

// handleWS streams node events to one client as JSON lines. Each connection
// holds its own subscription on the dispatcher; the retained events replayed
// at subscribe time give a fresh client the current node picture before live
// traffic starts.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.allowedOrigins,
	})
	if err != nil {
		s.logger.Warn("ws accept", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	buf := make(chan events.Event, wsClientBuffer)
	var dropped atomic.Int64
	unsub := s.bus.Subscribe(func(e events.Event) {
		select {
		case buf <- e:
		default:
			dropped.Add(1)
		}
	})
	defer func() {
		unsub()
		if n := dropped.Load(); n > 0 {
			s.logger.Warn("ws client fell behind", "dropped", n)
		}
	}()

	s.logger.Debug("ws client connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		select {
		case e := <-buf:
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Error("ws marshal", "err", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}
