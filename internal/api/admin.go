package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

type EmergencyStopRequest struct {
	Reason string `json:"reason"`
}

type EmergencyResponse struct {
	OK              bool   `json:"ok"`
	EmergencyStop   bool   `json:"emergency_stop"`
	EmergencyReason string `json:"emergency_reason,omitempty"`
}

// EmergencyStop handles POST /api/admin/emergency-stop
func (h *Handler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req EmergencyStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator request"
	}
	h.governor.EmergencyStop(reason)
	h.logger.Warn().Str("ip", getClientIP(r)).Str("reason", reason).Msg("emergency stop requested")

	st := h.governor.Stats()
	writeJSON(w, http.StatusOK, EmergencyResponse{OK: true, EmergencyStop: st.EmergencyStop, EmergencyReason: st.EmergencyReason})
}

// ClearEmergency handles POST /api/admin/clear-emergency
func (h *Handler) ClearEmergency(w http.ResponseWriter, r *http.Request) {
	h.governor.ClearEmergencyStop()
	h.logger.Warn().Str("ip", getClientIP(r)).Msg("emergency stop cleared by operator")

	st := h.governor.Stats()
	writeJSON(w, http.StatusOK, EmergencyResponse{OK: true, EmergencyStop: st.EmergencyStop})
}
