package apihttp

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"microgrid-ledger/internal/auth"
)

// AutoSettlementHandler reads and toggles the periodic settlement sweep.
type AutoSettlementHandler struct {
	toggle AutoSettlementSwitch
	logger *zap.Logger
}

// NewAutoSettlementHandler constructs an AutoSettlementHandler.
func NewAutoSettlementHandler(toggle AutoSettlementSwitch, logger *zap.Logger) *AutoSettlementHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoSettlementHandler{toggle: toggle, logger: logger}
}

// ServeHTTP handles GET/POST /api/v1/admin/auto-settlement.
func (h *AutoSettlementHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.toggle == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Enabled == nil {
			http.Error(w, "enabled is required", http.StatusBadRequest)
			return
		}
		h.toggle.SetAutoSettlement(*req.Enabled)
		h.logger.Info("auto settlement toggled",
			zap.Bool("enabled", *req.Enabled),
			zap.String("actor", auth.SubjectFromContext(r.Context())),
		)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.toggle.AutoSettlement()})
}
