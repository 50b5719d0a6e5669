package httpapi

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// eventFrame is what each bus.Event is translated to on the wire.
type eventFrame struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// handleEventsStream tails the bus's all-topics subscription and forwards
// each event to the connected client as a JSON frame, until the client
// disconnects or the bus subscription is torn down.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	sub := s.bus.Subscribe("")
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-sub.Ch():
			if !open {
				return
			}
			frame := eventFrame{Topic: event.Topic, Payload: event.Payload, Timestamp: time.Now().UTC()}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				s.logger.Debug("events stream write failed, closing", "error", err)
				return
			}
		}
	}
}
