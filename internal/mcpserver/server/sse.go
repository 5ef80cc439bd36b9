package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
)

// SSEStream carries one HTTP response body as a sequence of "message" events,
// each holding one JSON-RPC response. The gateway opens one of these per POST
// /mcp request when the caller's Accept header lists text/event-stream,
// even if it also lists application/json; a batch becomes one event per
// response, in order.
type SSEStream struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	eventID   int
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewSSEStream starts an SSE response for sessionID, writing the event-stream
// headers immediately. It fails if the ResponseWriter can't be flushed
// incrementally, which only happens behind a broken or test ResponseWriter.
func NewSSEStream(ctx context.Context, w http.ResponseWriter, sessionID string) (*SSEStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable reverse-proxy buffering of the stream

	streamCtx, cancel := context.WithCancel(ctx)

	return &SSEStream{
		w:         w,
		flusher:   flusher,
		sessionID: sessionID,
		ctx:       streamCtx,
		cancel:    cancel,
	}, nil
}

// SendMessage writes one JSON-RPC response as a single SSE "message" event
// and flushes it to the client. Event ids are per-stream sequence numbers,
// not request ids, since a batch reply can carry several responses over one
// stream.
func (s *SSEStream) SendMessage(resp *JSONRPCResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Str("session_id", s.sessionID).Err(err).Msg("failed to marshal SSE message")
		return err
	}

	s.eventID++
	fmt.Fprintf(s.w, "event: message\n")
	fmt.Fprintf(s.w, "id: %d\n", s.eventID)
	fmt.Fprintf(s.w, "data: %s\n\n", data)

	s.flusher.Flush()
	return nil
}

// Close ends the stream, canceling its context so any goroutine selecting on
// Done stops waiting. Safe to call once SendMessage calls are finished.
func (s *SSEStream) Close() {
	s.cancel()
}

// Done reports when the stream has been closed.
func (s *SSEStream) Done() <-chan struct{} {
	return s.ctx.Done()
}
