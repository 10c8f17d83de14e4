package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"broadcast-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// Handler exposes relay operations over HTTP using go-chi. Every JSON
// response carries a "success" flag; caller errors map to 400 and internal
// failures to 500.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics

	// ListenPollInterval is how often Listen polls for new frames.
	ListenPollInterval time.Duration
}

// DefaultListenPollInterval matches the polling cadence of the reference client.
const DefaultListenPollInterval = 250 * time.Millisecond

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m, ListenPollInterval: DefaultListenPollInterval}
}

// RegisterRoutes mounts the relay endpoints on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Route("/broadcasts", func(r chi.Router) {
		r.Post("/", h.StartBroadcast)
		r.Get("/active", h.ActiveBroadcasts)
		r.Get("/status", h.BroadcastStatus)
		r.Post("/stop", h.StopBroadcast)
		r.Post("/end", h.StopBroadcast)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Post("/audio", h.SendAudio)
			r.Post("/attach", h.ForceAttach)
		})
	})
	r.Route("/tours/{tour_id}", func(r chi.Router) {
		r.Get("/audio", h.GetAudio)
		r.Get("/listen", h.Listen)
	})
}

type startRequest struct {
	TourID   string `json:"tourId"`
	DriverID string `json:"driverId"`
	AdminID  string `json:"adminId"`
}

type sendAudioRequest struct {
	AudioData []byte `json:"audioData"`
	MimeType  string `json:"mimeType"`
}

type stopRequest struct {
	SessionID string `json:"sessionId"`
	TourID    string `json:"tourId"`
}

type attachRequest struct {
	DriverID string `json:"driverId"`
}

type envelope map[string]any

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{"success": true})
}

// StartBroadcast handles POST /broadcasts.
// Body: { "tourId": "t1", "driverId": "d1", "adminId": "a1" }.
func (h *Handler) StartBroadcast(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		h.writeError(w, invalidArgument("StartSession", "malformed request body"))
		return
	}

	id, err := h.svc.StartSession(ChannelKey(req.TourID), req.AdminID, req.DriverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.metrics.IncSessionsStarted()
	writeJSON(w, http.StatusOK, envelope{"success": true, "sessionId": id})
}

// SendAudio handles POST /broadcasts/{session_id}/audio. The body is the raw
// frame and Content-Type its MIME type. A JSON body of the form
// { "audioData": "<base64>", "mimeType": "audio/webm" } is also accepted.
func (h *Handler) SendAudio(w http.ResponseWriter, r *http.Request) {
	const op = "PushFrame"
	id := SessionID(chi.URLParam(r, "session_id"))
	limit := int64(h.svc.Options().MaxFrameBytes)

	var payload []byte
	mimeType := r.Header.Get("Content-Type")
	if mediaType, _, _ := mime.ParseMediaType(mimeType); mediaType == "application/json" {
		// base64 inflates by 4/3; leave room for the envelope.
		body := http.MaxBytesReader(w, r.Body, limit*2+1024)
		var req sendAudioRequest
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			h.writeError(w, h.bodyError(op, err))
			return
		}
		payload, mimeType = req.AudioData, req.MimeType
	} else {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit+1))
		if err != nil {
			h.writeError(w, h.bodyError(op, err))
			return
		}
		payload = body
	}

	res, err := h.svc.PushFrame(id, payload, mimeType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.metrics.AddFramesPushed(res.Dropped)
	writeJSON(w, http.StatusOK, envelope{"success": true, "chunkId": res.FrameID, "queueSize": res.QueueSize})
}

// GetAudio handles GET /tours/{tour_id}/audio?driverId=... by draining the
// driver's pending frames.
func (h *Handler) GetAudio(w http.ResponseWriter, r *http.Request) {
	key := ChannelKey(chi.URLParam(r, "tour_id"))
	driverID := r.URL.Query().Get("driverId")

	res, err := h.svc.PullFrames(driverID, key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if res.LateJoin {
		h.metrics.IncLateJoins()
	}
	h.metrics.AddFramesDelivered(len(res.Frames))
	writeJSON(w, http.StatusOK, envelope{
		"success":   true,
		"chunks":    res.Frames,
		"status":    res.Status,
		"sessionId": res.SessionID,
	})
}

// BroadcastStatus handles GET /broadcasts/status?tourId=&sessionId=&driverId=.
func (h *Handler) BroadcastStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	snap := h.svc.GetStatus(ChannelKey(q.Get("tourId")), SessionID(q.Get("sessionId")), q.Get("driverId"))
	writeJSON(w, http.StatusOK, envelope{
		"success":   true,
		"session":   snap.Session,
		"queue":     snap.Queue,
		"broadcast": snap.Index,
		"counts":    snap.Counts,
	})
}

// ActiveBroadcasts handles GET /broadcasts/active.
func (h *Handler) ActiveBroadcasts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{"success": true, "broadcasts": h.svc.ActiveBroadcasts()})
}

// StopBroadcast handles POST /broadcasts/stop and POST /broadcasts/end.
// Body: { "sessionId": "...", "tourId": "..." }; either may be omitted.
func (h *Handler) StopBroadcast(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, invalidArgument("StopSession", "malformed request body"))
			return
		}
	}
	if req.SessionID == "" {
		req.SessionID = r.URL.Query().Get("sessionId")
	}
	if req.TourID == "" {
		req.TourID = r.URL.Query().Get("tourId")
	}

	id, stopped, err := h.svc.StopSession(SessionID(req.SessionID), ChannelKey(req.TourID))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if stopped {
		h.metrics.IncSessionsStopped()
	}
	writeJSON(w, http.StatusOK, envelope{"success": true, "sessionId": id})
}

// ForceAttach handles POST /broadcasts/{session_id}/attach.
// Body: { "driverId": "d1" }.
func (h *Handler) ForceAttach(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	var req attachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, invalidArgument("ForceAttach", "malformed request body"))
		return
	}
	if err := h.svc.ForceAttach(req.DriverID, id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"success": true, "sessionId": id})
}

func (h *Handler) bodyError(op string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return newError(CodeInvalidArgument, op, "payload exceeds maximum frame size", ErrFrameTooLarge)
	}
	h.log.Debug("invalid audio body", slog.String("error", err.Error()))
	return invalidArgument(op, "malformed request body")
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	code := CodeOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("relay request failed", slog.String("code", string(code)), slog.String("error", err.Error()))
	} else {
		h.log.Debug("relay request rejected", slog.String("code", string(code)), slog.String("error", err.Error()))
	}
	writeJSON(w, status, envelope{"success": false, "error": err.Error(), "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
