// Package sse streams packet events to HTTP clients via Server-Sent
// Events. Each connected client gets its own bus subscription; a slow
// client only ever loses its own events.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/trace-labs/didtrace/bus"
	"github.com/trace-labs/didtrace/packet"
)

// KeepAliveInterval is the interval between SSE keep-alive comments,
// sent so intermediary infrastructure does not consider an idle
// connection dead.
const KeepAliveInterval = 15 * time.Second

// Handler serves a continuous SSE stream of packet events.
//
// SSE format:
//
//	event: packet
//	data: {json}
//
// A keep-alive comment ": ping\n\n" is sent every 15 seconds when no
// events flow. The stream runs until the client disconnects; there is
// no unsubscribe message. A lagged subscription (events shed by the
// bus under overload) is skipped over silently: the stream is a
// diagnostics aid, not a correctness-critical channel.
type Handler struct {
	bus       bus.EventBus
	keepAlive time.Duration
	logger    *slog.Logger
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Bus bus.EventBus

	// KeepAlive overrides the keep-alive interval (default 15s).
	KeepAlive time.Duration

	Logger *slog.Logger
}

// NewHandler creates an SSE handler streaming from the given bus.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = KeepAliveInterval
	}
	return &Handler{bus: cfg.Bus, keepAlive: keepAlive, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.bus.Subscribe()
	defer sub.Close()

	ctx := r.Context()
	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	var lagged uint64
	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				// Bus closed.
				return
			}
			if now := sub.Lagged(); now > lagged {
				h.logger.Debug("sse subscriber lagged, skipping ahead",
					"dropped", now-lagged)
				lagged = now
			}
			if err := writeEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes a single packet event in SSE format.
func writeEvent(w http.ResponseWriter, evt packet.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: packet\ndata: %s\n\n", data)
	return err
}
