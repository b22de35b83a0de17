package apihttp

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"microgrid-ledger/internal/auth"
	settlementapp "microgrid-ledger/internal/settlement/application"
)

type settlementRow struct {
	ID                   string           `json:"id"`
	DeviceID             string           `json:"device_id"`
	OwnerID              string           `json:"owner_id,omitempty"`
	PeriodStart          time.Time        `json:"period_start"`
	PeriodEnd            time.Time        `json:"period_end"`
	ExportCounterStartWh float64          `json:"export_counter_start_wh"`
	ExportCounterEndWh   float64          `json:"export_counter_end_wh"`
	ImportCounterStartWh float64          `json:"import_counter_start_wh"`
	ImportCounterEndWh   float64          `json:"import_counter_end_wh"`
	RawExportWh          float64          `json:"raw_export_wh"`
	RawImportWh          float64          `json:"raw_import_wh"`
	NetEnergyWh          float64          `json:"net_energy_wh"`
	CreditedValue        *decimal.Decimal `json:"credited_value,omitempty"`
	ExternalTxRef        string           `json:"external_tx_ref,omitempty"`
	Status               string           `json:"status"`
	Trigger              string           `json:"trigger"`
	FailureReason        string           `json:"failure_reason,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	ConfirmedAt          *time.Time       `json:"confirmed_at,omitempty"`
}

func toSettlementRow(entry settlementapp.HistoryEntry) settlementRow {
	return settlementRow{
		ID:                   entry.ID,
		DeviceID:             entry.DeviceID,
		OwnerID:              entry.OwnerID,
		PeriodStart:          entry.PeriodStart.UTC(),
		PeriodEnd:            entry.PeriodEnd.UTC(),
		ExportCounterStartWh: entry.ExportCounterStartWh,
		ExportCounterEndWh:   entry.ExportCounterEndWh,
		ImportCounterStartWh: entry.ImportCounterStartWh,
		ImportCounterEndWh:   entry.ImportCounterEndWh,
		RawExportWh:          entry.RawExportWh,
		RawImportWh:          entry.RawImportWh,
		NetEnergyWh:          entry.NetEnergyWh,
		CreditedValue:        entry.CreditedValue,
		ExternalTxRef:        entry.ExternalTxRef,
		Status:               string(entry.Status),
		Trigger:              string(entry.Trigger),
		FailureReason:        entry.FailureReason,
		CreatedAt:            entry.CreatedAt.UTC(),
		ConfirmedAt:          entry.ConfirmedAt,
	}
}

// SettlementsHandler serves settlement history.
type SettlementsHandler struct {
	service SettlementService
}

// NewSettlementsHandler constructs a SettlementsHandler.
func NewSettlementsHandler(service SettlementService) *SettlementsHandler {
	return &SettlementsHandler{service: service}
}

// ServeHTTP handles GET /api/v1/settlements.
func (h *SettlementsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.service == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	entries, ok := queryHistory(w, r, h.service)
	if !ok {
		return
	}
	rows := make([]settlementRow, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, toSettlementRow(entry))
	}
	writeJSON(w, http.StatusOK, rows)
}

// ExportSettlementsCSVHandler serves settlement history as CSV.
type ExportSettlementsCSVHandler struct {
	service SettlementService
}

// NewExportSettlementsCSVHandler constructs a ExportSettlementsCSVHandler.
func NewExportSettlementsCSVHandler(service SettlementService) *ExportSettlementsCSVHandler {
	return &ExportSettlementsCSVHandler{service: service}
}

// ServeHTTP handles GET /api/v1/exports/settlements.csv.
func (h *ExportSettlementsCSVHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.service == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	entries, ok := queryHistory(w, r, h.service)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{
		"id",
		"device_id",
		"owner_id",
		"period_start",
		"period_end",
		"net_energy_wh",
		"credited_value",
		"status",
		"trigger",
		"external_tx_ref",
		"failure_reason",
		"created_at",
	})
	for _, entry := range entries {
		credited := ""
		if entry.CreditedValue != nil {
			credited = entry.CreditedValue.String()
		}
		_ = writer.Write([]string{
			entry.ID,
			entry.DeviceID,
			entry.OwnerID,
			formatTime(entry.PeriodStart),
			formatTime(entry.PeriodEnd),
			formatFloat(entry.NetEnergyWh),
			credited,
			string(entry.Status),
			string(entry.Trigger),
			entry.ExternalTxRef,
			entry.FailureReason,
			formatTime(entry.CreatedAt),
		})
	}
	writer.Flush()
}

func queryHistory(w http.ResponseWriter, r *http.Request, service SettlementService) ([]settlementapp.HistoryEntry, bool) {
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	entries, err := service.History(r.Context(), settlementapp.HistoryQuery{
		DeviceID:    r.URL.Query().Get("device_id"),
		Scope:       settlementapp.Scope(r.URL.Query().Get("scope")),
		RequesterID: auth.SubjectFromContext(r.Context()),
		IsAdmin:     auth.IsAdmin(r.Context()),
		Limit:       limit,
	})
	if err != nil {
		respondError(w, err)
		return nil, false
	}
	return entries, true
}

// ManualSettlementHandler lets a device owner settle on demand.
type ManualSettlementHandler struct {
	service SettlementService
	logger  *zap.Logger
}

// NewManualSettlementHandler constructs a ManualSettlementHandler.
func NewManualSettlementHandler(service SettlementService, logger *zap.Logger) (*ManualSettlementHandler, error) {
	if service == nil {
		return nil, errors.New("manual settlement handler: nil service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManualSettlementHandler{service: service, logger: logger}, nil
}

// ServeHTTP handles POST /api/v1/settlements/manual.
func (h *ManualSettlementHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	requester := auth.SubjectFromContext(r.Context())
	result, err := h.service.ManualSettlement(withOrigin(r), req.DeviceID, requester)
	if err != nil {
		h.logger.Info("manual settlement rejected",
			zap.String("device_id", req.DeviceID),
			zap.String("requester_id", requester),
			zap.Error(err),
		)
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id":       result.DeviceID,
		"settlement_id":   result.SettlementID,
		"external_tx_ref": result.ExternalTxRef.String(),
		"net_energy_wh":   result.NetEnergyWh,
		"skipped":         string(result.Skipped),
	})
}

type confirmRequest struct {
	SettlementID  string           `json:"settlement_id"`
	ExternalTxRef string           `json:"external_tx_ref"`
	Success       *bool            `json:"success"`
	CreditedValue *decimal.Decimal `json:"credited_value"`
	Reason        string           `json:"reason"`
}

// ConfirmSettlementHandler applies a ledger verdict by settlement id or tx ref.
type ConfirmSettlementHandler struct {
	service SettlementService
	byTxRef bool
}

// NewConfirmSettlementHandler serves POST /api/v1/settlements/confirm (by settlement id).
func NewConfirmSettlementHandler(service SettlementService) *ConfirmSettlementHandler {
	return &ConfirmSettlementHandler{service: service}
}

// NewLedgerCallbackHandler serves the signed relayer callback (by tx ref).
func NewLedgerCallbackHandler(service SettlementService) *ConfirmSettlementHandler {
	return &ConfirmSettlementHandler{service: service, byTxRef: true}
}

// ServeHTTP handles the confirmation.
func (h *ConfirmSettlementHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.service == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Success == nil {
		http.Error(w, "success is required", http.StatusBadRequest)
		return
	}

	var (
		applied bool
		err     error
	)
	if h.byTxRef {
		applied, err = h.service.ConfirmByTxRef(withOrigin(r), req.ExternalTxRef, *req.Success, req.CreditedValue)
	} else {
		applied, err = h.service.ConfirmSettlement(withOrigin(r), settlementapp.Confirmation{
			SettlementID:  req.SettlementID,
			ExternalTxRef: req.ExternalTxRef,
			Success:       *req.Success,
			CreditedValue: req.CreditedValue,
			Reason:        req.Reason,
		})
	}
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}
