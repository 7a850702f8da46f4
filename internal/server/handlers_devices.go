package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	configstore "github.com/nupi-ai/voxgate/internal/config/store"
	"github.com/nupi-ai/voxgate/internal/device"
	"github.com/nupi-ai/voxgate/internal/registry"
)

const actionRestartSession = "restart_session"

// deviceView is a stored configuration plus its live registry state.
type deviceView struct {
	device.Config
	Live *registry.Status `json:"live,omitempty"`
}

type updateResponse struct {
	Success          bool `json:"success"`
	SessionRestarted bool `json:"session_restarted"`
}

type actionRequest struct {
	Action string `json:"action"`
}

type sessionRecord struct {
	SessionID  string     `json:"session_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
	EventCount int        `json:"event_count"`
}

func (s *AdminServer) view(cfg device.Config) deviceView {
	v := deviceView{Config: cfg}
	if status, ok := s.opts.Sessions.Status(cfg.DeviceID); ok {
		v.Live = &status
	}
	return v
}

func (s *AdminServer) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	configs, err := s.opts.Devices.ListDevices(r.Context())
	if err != nil {
		log.Printf("[Admin] list devices: %v", err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	views := make([]deviceView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, s.view(cfg))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *AdminServer) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	cfg, err := s.opts.Devices.GetDeviceConfig(r.Context(), deviceID)
	if err != nil {
		s.writeStoreError(w, deviceID, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(cfg))
}

func (s *AdminServer) handleDeviceUpdate(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var patch device.Patch
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	_, touched, err := s.opts.Devices.UpdateDeviceConfig(r.Context(), deviceID, patch)
	if err != nil {
		s.writeStoreError(w, deviceID, err)
		return
	}

	restarted, err := s.opts.Sessions.ApplyConfigUpdate(r.Context(), deviceID, touched)
	if err != nil {
		log.Printf("[Admin] apply config update for %s: %v", deviceID, err)
	}
	if restarted {
		log.Printf("[Admin] session restarted for device %s by %s due to configuration change: %v", deviceID, callerFromContext(r.Context()), touched)
	}
	writeJSON(w, http.StatusOK, updateResponse{Success: true, SessionRestarted: restarted})
}

func (s *AdminServer) handleDeviceAction(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	switch req.Action {
	case actionRestartSession:
		if s.opts.Sessions.ForceRestart(r.Context(), deviceID) {
			log.Printf("[Admin] session manually restarted for device %s", deviceID)
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		writeError(w, http.StatusBadRequest, "Unknown action")
	}
}

func (s *AdminServer) handleDeviceSessions(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := s.opts.Devices.ListSessions(r.Context(), deviceID, limit)
	if err != nil {
		log.Printf("[Admin] list sessions for %s: %v", deviceID, err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	out := make([]sessionRecord, 0, len(records))
	for _, rec := range records {
		item := sessionRecord{
			SessionID:  rec.SessionID,
			StartedAt:  rec.StartedAt,
			EndReason:  rec.EndReason,
			EventCount: rec.EventCount,
		}
		if !rec.EndedAt.IsZero() {
			ended := rec.EndedAt
			item.EndedAt = &ended
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *AdminServer) writeStoreError(w http.ResponseWriter, deviceID string, err error) {
	if configstore.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	log.Printf("[Admin] device %s: %v", deviceID, err)
	writeError(w, http.StatusInternalServerError, "Database error")
}
