package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const listenWriteTimeout = 5 * time.Second

// listenEvent is the text message sent whenever the listener's broadcast
// status or session changes.
type listenEvent struct {
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	SessionID SessionID `json:"sessionId,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
}

// Listen handles GET /tours/{tour_id}/listen?driverId=... as a websocket.
// It is a push-style wrapper over PullFrames: the server polls on the
// listener's behalf and forwards each frame payload as a binary message,
// announcing status changes as JSON text messages. Discovery, late join and
// eviction behave exactly as for GET /tours/{tour_id}/audio.
func (h *Handler) Listen(w http.ResponseWriter, r *http.Request) {
	key := ChannelKey(chi.URLParam(r, "tour_id"))
	driverID := r.URL.Query().Get("driverId")
	if driverID == "" {
		h.writeError(w, invalidArgument("Listen", "driverId is required"))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Info("listen accept failed", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// Listeners never send; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	interval := h.ListenPollInterval
	if interval <= 0 {
		interval = DefaultListenPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.log.Info("listener connected", slog.String("consumer", driverID), slog.String("channel", string(key)))

	var (
		lastStatus  Status
		lastSession SessionID
		lastMime    string
	)
	for {
		res, err := h.svc.PullFrames(driverID, key)
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "pull failed")
			return
		}
		if res.LateJoin {
			h.metrics.IncLateJoins()
		}

		mimeType := lastMime
		if len(res.Frames) > 0 {
			mimeType = res.Frames[0].MimeType
		}
		if res.Status != lastStatus || res.SessionID != lastSession || mimeType != lastMime {
			ev := listenEvent{Type: "status", Status: res.Status, SessionID: res.SessionID, MimeType: mimeType}
			if err := writeListenEvent(ctx, conn, ev); err != nil {
				h.logListenEnd(driverID, err)
				return
			}
			lastStatus, lastSession, lastMime = res.Status, res.SessionID, mimeType
		}

		for _, f := range res.Frames {
			if err := writeFrame(ctx, conn, f); err != nil {
				h.logListenEnd(driverID, err)
				return
			}
		}
		h.metrics.AddFramesDelivered(len(res.Frames))

		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			h.logListenEnd(driverID, ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

func (h *Handler) logListenEnd(consumerID string, err error) {
	h.log.Info("listener disconnected",
		slog.String("consumer", consumerID),
		slog.Int("close_status", int(websocket.CloseStatus(err))))
}

func writeListenEvent(parent context.Context, conn *websocket.Conn, ev listenEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, listenWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

func writeFrame(parent context.Context, conn *websocket.Conn, f *Frame) error {
	ctx, cancel := context.WithTimeout(parent, listenWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, f.Payload)
}
