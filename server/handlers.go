package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/wolfeidau/offline-shell/api"
	"github.com/wolfeidau/offline-shell/notify"
	"github.com/wolfeidau/offline-shell/notify/web"
	"github.com/wolfeidau/offline-shell/notify/webpush"
	"github.com/wolfeidau/offline-shell/telemetry"
	"github.com/wolfeidau/offline-shell/worker"
)

// maxRequestBody bounds JSON request bodies and raw push payloads.
const maxRequestBody = 1 << 20

// permissionResponse reports the active backend and its permission state.
type permissionResponse struct {
	Backend      string              `json:"backend"`
	Granted      bool                `json:"granted"`
	Capabilities notify.Capabilities `json:"capabilities"`
}

// resultResponse carries the boolean outcome of a notification operation.
type resultResponse struct {
	Backend string `json:"backend"`
	OK      bool   `json:"ok"`
}

type showRequest struct {
	Title   string         `json:"title"`
	Options notify.Options `json:"options"`
}

type reportPermissionRequest struct {
	State string `json:"state"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "initialize")
	ctx := r.Context()
	ok := s.selector.Initialize(ctx)
	writeJSON(w, http.StatusOK, resultResponse{Backend: s.selector.Active(ctx), OK: ok})
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "permission")
	s.writePermission(w, r)
}

// handleReportPermission records the browser permission a page observed.
func (s *Server) handleReportPermission(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "permission_report")

	var req reportPermissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	state, err := web.ParseState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.permission.Set(state)
	s.writePermission(w, r)
}

func (s *Server) writePermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, permissionResponse{
		Backend:      s.selector.Active(ctx),
		Granted:      s.selector.HasPermission(ctx),
		Capabilities: s.selector.Capabilities(ctx),
	})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "schedule")

	var req notify.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.ScheduledAt.IsZero() {
		writeError(w, http.StatusBadRequest, "scheduled_at is required")
		return
	}

	ctx := r.Context()
	ok := s.selector.Schedule(ctx, req)
	writeJSON(w, http.StatusOK, resultResponse{Backend: s.selector.Active(ctx), OK: ok})
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "show")

	var req showRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	ctx := r.Context()
	ok := s.selector.Show(ctx, req.Title, req.Options)
	writeJSON(w, http.StatusOK, resultResponse{Backend: s.selector.Active(ctx), OK: ok})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cancel")

	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid notification id %q", r.PathValue("id")))
		return
	}

	ctx := r.Context()
	ok := s.selector.Cancel(ctx, id)
	writeJSON(w, http.StatusOK, resultResponse{Backend: s.selector.Active(ctx), OK: ok})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cancel_all")
	ctx := r.Context()
	ok := s.selector.CancelAll(ctx)
	writeJSON(w, http.StatusOK, resultResponse{Backend: s.selector.Active(ctx), OK: ok})
}

// handleCenter lists the notifications currently visible.
func (s *Server) handleCenter(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "center")
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.center.List()})
}

func (s *Server) handleWorkerMessage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "worker_message")

	var msg web.Message
	if !decodeJSON(w, r, &msg) {
		return
	}
	if err := s.worker.Post(r.Context(), msg); err != nil {
		writeWorkerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleWorkerPush delivers a server-initiated push to the worker. The body
// is passed through undecoded so malformed payloads are still shown.
func (s *Server) handleWorkerPush(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "worker_push")

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("reading push payload: %v", err))
		return
	}
	if err := s.worker.HandlePush(r.Context(), raw); err != nil {
		writeWorkerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "worker_interaction")

	var in worker.Interaction
	if !decodeJSON(w, r, &in) {
		return
	}
	out, err := s.worker.HandleInteraction(r.Context(), in)
	if err != nil {
		writeWorkerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVAPID(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "vapid")
	writeJSON(w, http.StatusOK, map[string]string{"public_key": s.push.PublicKey()})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "subscribe")

	var sub webpush.Subscription
	if !decodeJSON(w, r, &sub) {
		return
	}
	if err := s.push.Subscribe(r.Context(), sub); err != nil {
		if errors.Is(err, webpush.ErrInvalidSubscription) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "unsubscribe")

	var req unsubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	if err := s.push.Unsubscribe(r.Context(), req.Endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePreferencesSync loads the preferences when the body is empty and
// saves the posted settings otherwise. Either way the response is what the
// server holds.
func (s *Server) handlePreferencesSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "preferences_sync")

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("reading request: %v", err))
		return
	}

	ctx := r.Context()
	var settings api.Settings
	if len(bytes.TrimSpace(raw)) == 0 {
		settings, err = s.prefs.Load(ctx)
	} else {
		var in api.Settings
		if err := json.Unmarshal(raw, &in); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding settings: %v", err))
			return
		}
		settings, err = s.prefs.Save(ctx, in)
	}
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePreferencesTest(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "preferences_test")
	if err := s.prefs.SendTest(r.Context()); err != nil {
		writeUpstreamError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeWorkerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, worker.ErrInactive):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, worker.ErrUnknownMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// writeUpstreamError maps app API failures, passing client errors through.
func writeUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, api.ErrInvalidSettings) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var se *api.StatusError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
		writeError(w, se.StatusCode, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
