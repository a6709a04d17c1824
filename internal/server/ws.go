package server

import (
	"log/slog"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v4"

	"aibridge/internal/models"
)

// handleChatSocket is the duplex streaming surface: the client sends one
// ChatCompletionRequest message, then receives one message per chunk. A
// failure mid-stream is delivered as a single {"error": ...} message before
// the socket closes.
func (s *Server) handleChatSocket(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil // Accept already wrote the handshake failure
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := c.Request().Context()

	var req models.ChatCompletionRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		conn.Close(websocket.StatusInvalidFramePayloadData, "invalid request payload")
		return nil
	}

	events, err := s.router.Stream(ctx, req)
	if err != nil {
		_ = wsjson.Write(ctx, conn, map[string]string{"error": errorMessage(err)})
		conn.Close(websocket.StatusNormalClosure, "")
		return nil
	}

	for ev := range events {
		if ev.Err != nil {
			_ = wsjson.Write(ctx, conn, map[string]string{"error": errorMessage(ev.Err)})
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
		if err := wsjson.Write(ctx, conn, ev.Chunk); err != nil {
			return nil // client went away; context cancellation stops the stream
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

// handleUsageSocket is the monitoring channel: one snapshot immediately on
// connect, then one per completed request system-wide until disconnect.
func (s *Server) handleUsageSocket(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := c.Request().Context()

	id, snapshots := s.tracker.Register()
	defer s.tracker.Unregister(id)

	slog.Info("usage monitor connected", "subscriber_id", id)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case snap, ok := <-snapshots:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			if err := wsjson.Write(ctx, conn, snap); err != nil {
				slog.Info("usage monitor disconnected", "subscriber_id", id)
				return nil
			}
		}
	}
}
