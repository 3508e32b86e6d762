package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Stop requested over HTTP", zap.String("remote", r.RemoteAddr))
	s.engine.RequestStop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"}, s.logger)
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "http emergency stop"
	}

	s.logger.Warn("Emergency stop requested over HTTP",
		zap.String("remote", r.RemoteAddr),
		zap.String("reason", reason))
	s.engine.EmergencyStop(reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "kill switch active", "reason": reason}, s.logger)
}
