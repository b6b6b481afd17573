package api

import (
	"encoding/json"
	"net/http"

	"boltcard-server/internal/withdraw"
	"boltcard-server/pkg/logger"

	"go.uber.org/zap"
)

// statusResponse is the LNURL envelope for plain OK and ERROR replies.
type statusResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "OK"})
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, statusResponse{Status: "ERROR", Reason: reason})
}

// writeWithdrawError maps a withdrawal failure onto the wire: taxonomy
// rejections become 400 with their token as the reason, anything else is
// an infrastructure failure logged and masked as a 500.
func writeWithdrawError(w http.ResponseWriter, err error) {
	if reason, ok := withdraw.Reason(err); ok {
		writeError(w, http.StatusBadRequest, reason)
		return
	}
	logger.Error("Request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "InternalError")
}
