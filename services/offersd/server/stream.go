package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"offerbook/services/offersd/node"
)

const wsWriteTimeout = 10 * time.Second

// handleEventStream replays retained events after ?after= and then streams
// live ones until the client goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	after, err := queryUint(r, "after", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	live, cancel := s.node.Feed().Subscribe(256)
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, after, live); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream failed", slog.String("error", err.Error()))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, after uint64, live <-chan node.Record) error {
	for _, rec := range s.node.Feed().Since(after, 0) {
		if err := writeRecord(ctx, conn, rec); err != nil {
			return err
		}
		after = rec.Seq
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-live:
			if !ok {
				return nil
			}
			if rec.Seq <= after {
				continue
			}
			if err := writeRecord(ctx, conn, rec); err != nil {
				return err
			}
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec node.Record) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, rec)
}
