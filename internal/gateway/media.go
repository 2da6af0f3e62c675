package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/kakehashi-dev/kakehashi/internal/mediator"
)

// wsSink adapts the accepted ACS WebSocket to [mediator.ACSSink].
type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// handleMedia upgrades the connection and runs one mediator session for the
// lifetime of the socket. The ACS read loop is the session's ingress task;
// when the socket ends the session is torn down and all upstream resources
// released.
func (g *Gateway) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("media upgrade failed", slog.String("error", err.Error()))
		return
	}
	// ACS audio frames are small but metadata and future frame kinds are
	// not bounded; disable the library's default read limit.
	conn.SetReadLimit(-1)

	id := mediator.Identity{
		CallConnectionID: r.Header.Get("x-ms-call-connection-id"),
		CorrelationID:    r.Header.Get("x-ms-call-correlation-id"),
	}

	opts := []mediator.Option{
		mediator.WithMetrics(g.metrics),
		mediator.WithLogger(g.logger),
	}
	if g.dialer != nil {
		opts = append(opts, mediator.WithDialer(g.dialer))
	}
	if g.agent != nil {
		opts = append(opts, mediator.WithAgent(g.agent))
	}

	ctx := r.Context()
	session := mediator.New(g.cfg, wsSink{conn: conn}, id, opts...)

	g.metrics.ActiveSessions.Add(ctx, 1)
	g.logger.Info("media session started",
		slog.String("call_connection_id", id.CallConnectionID),
		slog.String("correlation_id", id.CorrelationID),
	)

	defer func() {
		session.Close()
		g.metrics.ActiveSessions.Add(context.Background(), -1)
		conn.Close(websocket.StatusNormalClosure, "session ended")
		g.logger.Info("media session ended",
			slog.String("call_connection_id", id.CallConnectionID),
		)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Normal closure and client disconnects both land here;
			// either way the session is over.
			g.logger.Debug("media socket closed", slog.String("error", err.Error()))
			return
		}
		session.HandleMessage(ctx, data)
	}
}
