package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/kiro-gateway/internal/bus"
)

// handleDiagnosticsWS streams the same heartbeat summaries the pool's
// 5-minute timer logs, one JSON frame per heartbeat, for dashboards that
// want live pool state without polling GET /sessions.
func (s *Server) handleDiagnosticsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe(bus.TopicHeartbeat)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			heartbeat, ok := ev.Payload.(bus.HeartbeatEvent)
			if !ok {
				continue
			}
			if err := wsjson.Write(ctx, conn, heartbeat); err != nil {
				s.cfg.Logger.Debug("diagnostics ws: write failed, closing", "error", err)
				return
			}
		}
	}
}
