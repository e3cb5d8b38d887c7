package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/MadStoneDev/just-noted-sub003/internal/notesync"
)

type watchMessage struct {
	Notes []notesync.Note `json:"notes"`
}

// handleWatch upgrades to a websocket and streams a merged-view snapshot
// on every model change, starting with the current state. The peer is not
// expected to send anything; its reads are drained only to surface a
// close.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "watch terminated")

	ctx := conn.CloseRead(r.Context())
	snapshots, cancel := s.session.Subscribe()
	defer cancel()

	if err := wsjson.Write(ctx, conn, watchMessage{Notes: s.session.Notes()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case snapshot, ok := <-snapshots:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			if err := wsjson.Write(ctx, conn, watchMessage{Notes: snapshot}); err != nil {
				return
			}
		}
	}
}
