// Package ws streams run execution events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/petal-labs/petalrun/stream"
)

const (
	// PingInterval is how often the server pings an idle client.
	PingInterval = 20 * time.Second
	pingTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
)

// Message is the JSON shape of every WebSocket message. Data holds the
// event JSON, except for the end sentinel where it is the string "[DONE]".
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Distributor *stream.Distributor
	// OriginPatterns are passed to websocket.Accept (default: any origin).
	OriginPatterns []string
	// PingInterval defaults to PingInterval.
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Handler serves the frames of one run over a WebSocket. It expects a
// "run_id" path value. Client messages are ignored; the server closes the
// connection normally after the end sentinel.
type Handler struct {
	dist    *stream.Distributor
	origins []string
	ping    time.Duration
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if len(cfg.OriginPatterns) == 0 {
		cfg.OriginPatterns = []string{"*"}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = PingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{dist: cfg.Distributor, origins: cfg.OriginPatterns, ping: cfg.PingInterval, logger: cfg.Logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	obs, err := h.dist.Register(r.Context(), runID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, stream.ErrNotStarted) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer h.dist.Unregister(obs)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client messages and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	h.startPing(ctx, conn)

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("websocket client disconnected", "run_id", runID)
			return
		case frame, ok := <-obs.Frames():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			if err := h.write(ctx, conn, frame); err != nil {
				h.logger.Debug("websocket write failed", "run_id", runID, "error", err)
				return
			}
			if frame.IsEnd() {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, f stream.Frame) error {
	msg := Message{Event: f.Event, Data: json.RawMessage(f.Data)}
	if f.IsEnd() {
		data, _ := json.Marshal(string(f.Data))
		msg.Data = data
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, msg)
}

func (h *Handler) startPing(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.ping)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
				_ = conn.Ping(pingCtx)
				cancel()
			}
		}
	}()
}
