// Package sse provides a Server-Sent Events handler for streaming run
// execution events to HTTP clients.
package sse

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/petal-labs/petalrun/stream"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Distributor *stream.Distributor
	// Heartbeat defaults to HeartbeatInterval.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// Handler serves an SSE stream of execution events for one run.
//
// The handler expects a "run_id" path value (Go 1.22+ ServeMux).
//
// SSE format:
//
//	event: {type}
//	data: {json}
//
// The first message is "connected", followed by a "snapshot" of the stored
// run when one exists, then live events. The stream ends with
// "event: end" / "data: [DONE]" after RUN_FINISHED, or right after the
// snapshot when the run had already finished. A heartbeat comment
// ": ping" is sent every 15 seconds.
type Handler struct {
	dist      *stream.Distributor
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = HeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{dist: cfg.Distributor, heartbeat: cfg.Heartbeat, logger: cfg.Logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	obs, err := h.dist.Register(ctx, runID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, stream.ErrNotStarted) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer h.dist.Unregister(obs)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("sse client disconnected", "run_id", runID)
			return

		case frame, ok := <-obs.Frames():
			if !ok {
				return
			}
			if err := writeFrame(w, frame); err != nil {
				return
			}
			flusher.Flush()
			if frame.IsEnd() {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeFrame writes a single frame in SSE format.
func writeFrame(w http.ResponseWriter, f stream.Frame) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, f.Data)
	return err
}
