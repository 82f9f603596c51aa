package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// ServeWebSocket is the WebSocket half of the real-time transport, mirroring
// ServeSSE's tail-then-catch-up-then-dedupe sequence: it subscribes to the
// live tail before running the catch-up read so no envelope committed in
// between is missed by both paths, then replays the catch-up backlog, then
// dedupes the tail against it by cursor. Grounded on the teacher's SDK
// client (sdk/go/amityvox/bot.go), which already pulls in
// github.com/coder/websocket for the client side of this protocol; this is
// that same library's server-side accept path.
func (e *Engine) ServeWebSocket(w http.ResponseWriter, r *http.Request, convoID string, afterCursor int64) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	ctx := r.Context()

	live, unsubscribe := e.Tail(convoID)
	defer unsubscribe()

	backlog, err := e.CatchUp(ctx, convoID, afterCursor, 500)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "catch-up failed")
		return err
	}
	highWatermark := afterCursor
	for _, envelope := range backlog {
		if err := writeWSEnvelope(ctx, conn, toWireEvent(envelope)); err != nil {
			return err
		}
		highWatermark = envelope.SequenceCursor
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go e.pingLoop(pingCtx, conn)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return nil
		case envelope, open := <-live:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "conversation closed")
				return nil
			}
			if envelope.SequenceCursor <= highWatermark {
				continue
			}
			if err := writeWSEnvelope(ctx, conn, toWireEvent(envelope)); err != nil {
				return err
			}
			highWatermark = envelope.SequenceCursor
		}
	}
}

func (e *Engine) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = conn.Ping(pingCtx)
			cancel()
		}
	}
}

func writeWSEnvelope(ctx context.Context, conn *websocket.Conn, envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
