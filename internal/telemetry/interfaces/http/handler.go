package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	telemetry "microgrid-ledger/internal/telemetry/domain"
)

const maxIngestBody = 1 << 20

// ErrCounterRegression is returned when a reading is older than, or below, the stored latest.
var ErrCounterRegression = errors.New("telemetry ingest: counter regression")

// IngestHandler accepts signed meter readings from the metering gateway.
type IngestHandler struct {
	store  telemetry.Store
	logger *zap.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(store telemetry.Store, logger *zap.Logger) (*IngestHandler, error) {
	if store == nil {
		return nil, errors.New("telemetry ingest: nil store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{store: store, logger: logger.Named("telemetry_ingest")}, nil
}

// ServeHTTP handles POST /ingest/telemetry.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		h.logger.Warn("read body error", zap.Error(err))
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Warn("decode error", zap.Error(err))
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	readings, err := req.toReadings()
	if err != nil {
		h.logger.Warn("invalid payload", zap.String("device_id", req.DeviceID), zap.Error(err))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	latest, err := h.store.Latest(r.Context(), req.DeviceID)
	if err != nil {
		h.logger.Error("latest reading error", zap.String("device_id", req.DeviceID), zap.Error(err))
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}

	prev := latest
	for i := range readings {
		if prev != nil && regresses(*prev, readings[i]) {
			h.logger.Warn("reading rejected",
				zap.String("device_id", req.DeviceID),
				zap.Time("at", readings[i].At),
				zap.Error(ErrCounterRegression),
			)
			http.Error(w, ErrCounterRegression.Error(), http.StatusConflict)
			return
		}
		prev = &readings[i]
	}

	inserted := 0
	for _, reading := range readings {
		if err := h.store.Append(r.Context(), reading); err != nil {
			h.logger.Error("append error", zap.String("device_id", reading.DeviceID), zap.Error(err))
			http.Error(w, "store error", http.StatusInternalServerError)
			return
		}
		inserted++
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"inserted": inserted})
}

// regresses reports whether next would move the device's counters or clock backwards.
func regresses(latest, next telemetry.Reading) bool {
	if !next.At.After(latest.At) {
		return true
	}
	return next.ExportWh < latest.ExportWh || next.ImportWh < latest.ImportWh
}

type ingestRequest struct {
	DeviceID string        `json:"device_id"`
	TS       int64         `json:"ts"`
	ExportWh *float64      `json:"export_wh"`
	ImportWh *float64      `json:"import_wh"`
	Points   []ingestPoint `json:"points"`
}

type ingestPoint struct {
	TS       int64    `json:"ts"`
	ExportWh *float64 `json:"export_wh"`
	ImportWh *float64 `json:"import_wh"`
}

func (r ingestRequest) toReadings() ([]telemetry.Reading, error) {
	if r.DeviceID == "" {
		return nil, telemetry.ErrEmptyDeviceID
	}

	points := r.Points
	if len(points) == 0 && r.TS != 0 {
		points = []ingestPoint{{TS: r.TS, ExportWh: r.ExportWh, ImportWh: r.ImportWh}}
	}
	if len(points) == 0 {
		return nil, errors.New("no telemetry points")
	}

	readings := make([]telemetry.Reading, 0, len(points))
	for _, point := range points {
		ts, err := parseTimestamp(point.TS)
		if err != nil {
			return nil, err
		}
		if point.ExportWh == nil || point.ImportWh == nil {
			return nil, errors.New("export_wh and import_wh are required")
		}
		reading := telemetry.Reading{
			DeviceID: r.DeviceID,
			At:       ts,
			ExportWh: *point.ExportWh,
			ImportWh: *point.ImportWh,
		}
		if err := reading.Validate(); err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].At.Before(readings[j].At) })
	return readings, nil
}

func parseTimestamp(value int64) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, errors.New("invalid ts")
	}
	// Accept milliseconds or seconds.
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), nil
	}
	return time.Unix(value, 0).UTC(), nil
}
