package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/config"
	"github.com/nicktill/tinyohlc/pkg/httpx"
	"github.com/nicktill/tinyohlc/pkg/notify"
	"github.com/nicktill/tinyohlc/pkg/series"
)

// Engine is the write side of the aggregation engine
type Engine interface {
	Ingest(ctx context.Context, inst series.Instrument, tick series.Tick) ([]notify.Event, error)
	Deregister(ctx context.Context, inst series.Instrument) error
}

// StorageChecker reports storage usage against its limit
type StorageChecker interface {
	GetUsage() (int64, error)
	GetLimit() int64
}

// Handler handles tick ingestion
type Handler struct {
	engine         Engine
	storageChecker StorageChecker
	cardinality    *CardinalityTracker
	maxTicks       int
	logger         *zap.Logger
}

// NewHandler creates a new ingest handler
func NewHandler(engine Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:      engine,
		cardinality: NewCardinalityTracker(MaxInstruments, MaxInstrumentsPerCategory),
		maxTicks:    config.IngestMaxTicksPerCall,
		logger:      logger.Named("ingest"),
	}
}

// SetStorageChecker enables rejecting writes once storage is full
func (h *Handler) SetStorageChecker(checker StorageChecker) {
	h.storageChecker = checker
}

// SetMaxTicks overrides the per-request tick limit
func (h *Handler) SetMaxTicks(n int) {
	if n > 0 {
		h.maxTicks = n
	}
}

// SetCardinalityLimits changes the instrument limits. Instruments already
// admitted stay admitted.
func (h *Handler) SetCardinalityLimits(maxTotal, maxPerCategory int) {
	h.cardinality.SetLimits(maxTotal, maxPerCategory)
}

// Cardinality returns the tracker ingestion admits instruments through, so
// other write paths can share its limits
func (h *Handler) Cardinality() *CardinalityTracker {
	return h.cardinality
}

// CardinalityStats reports how many instruments ingestion has created
func (h *Handler) CardinalityStats() CardinalityStats {
	return h.cardinality.Stats()
}

// TickPayload is one tick on the wire. Pointers tell a zero value apart
// from a missing field.
type TickPayload struct {
	Category  string   `json:"category"`
	Symbol    string   `json:"symbol"`
	Timestamp *int64   `json:"timestamp"`
	Value     *float64 `json:"value"`
}

// IngestRequest is either a single tick or a batch under "ticks"
type IngestRequest struct {
	TickPayload
	Ticks []TickPayload `json:"ticks"`
}

// Fired lists the resolutions a tick changed
type Fired struct {
	Category    string   `json:"category"`
	Symbol      string   `json:"symbol"`
	Timestamp   int64    `json:"timestamp"`
	Resolutions []string `json:"resolutions"`
}

// IngestResponse represents the response payload
type IngestResponse struct {
	Status string  `json:"status"`
	Count  int     `json:"count"`
	Fired  []Fired `json:"fired"`
}

// IngestErrorResponse reports a batch that stopped partway. Ticks before
// the failing one stay applied and are listed under Fired.
type IngestErrorResponse struct {
	httpx.ErrorResponse
	Count int     `json:"count"`
	Fired []Fired `json:"fired"`
}

func respondPartial(w http.ResponseWriter, status int, err error, resp IngestResponse) {
	httpx.RespondJSON(w, status, IngestErrorResponse{
		ErrorResponse: httpx.ErrorResponse{
			Error:   http.StatusText(status),
			Message: err.Error(),
		},
		Count: resp.Count,
		Fired: resp.Fired,
	})
}

// HandleIngest handles POST /v1/ticks
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if err := h.checkStorage(); err != nil {
		httpx.RespondError(w, http.StatusInsufficientStorage, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.IngestMaxBodyBytes)
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	payloads := req.Ticks
	if len(payloads) == 0 {
		if req.Category == "" && req.Symbol == "" && req.Timestamp == nil && req.Value == nil {
			httpx.RespondError(w, http.StatusBadRequest, ErrEmptyRequest)
			return
		}
		payloads = []TickPayload{req.TickPayload}
	}
	if len(payloads) > h.maxTicks {
		httpx.RespondError(w, http.StatusBadRequest,
			fmt.Errorf("%w: got %d, max %d", ErrTooManyTicks, len(payloads), h.maxTicks))
		return
	}

	// Validate the whole batch before touching the engine
	type validated struct {
		inst series.Instrument
		tick series.Tick
	}
	batch := make([]validated, 0, len(payloads))
	for i, p := range payloads {
		inst, tick, err := ValidateTick(p)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("tick %d: %w", i, err))
			return
		}
		batch = append(batch, validated{inst, tick})
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	resp := IngestResponse{Status: "success", Fired: make([]Fired, 0, len(batch))}
	for i, v := range batch {
		if err := h.cardinality.Check(v.inst); err != nil {
			h.logger.Warn("instrument rejected", zap.Stringer("instrument", v.inst), zap.Error(err))
			respondPartial(w, http.StatusTooManyRequests, fmt.Errorf("tick %d: %w", i, err), resp)
			return
		}

		events, err := h.engine.Ingest(ctx, v.inst, v.tick)
		if err != nil {
			status := httpx.StatusFor(err)
			if status == http.StatusInternalServerError {
				h.logger.Error("ingest failed", zap.Stringer("instrument", v.inst), zap.Error(err))
			}
			respondPartial(w, status, fmt.Errorf("tick %d: %w", i, err), resp)
			return
		}
		h.cardinality.Record(v.inst)

		fired := Fired{
			Category:    v.inst.Category,
			Symbol:      v.inst.Symbol,
			Timestamp:   v.tick.Timestamp,
			Resolutions: make([]string, 0, len(events)),
		}
		for _, ev := range events {
			fired.Resolutions = append(fired.Resolutions, ev.Resolution)
		}
		resp.Fired = append(resp.Fired, fired)
		resp.Count++
	}

	httpx.RespondJSON(w, http.StatusOK, resp)
}

// HandleDeregister handles DELETE /v1/instruments/{category}/{symbol}
func (h *Handler) HandleDeregister(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inst, err := series.NewInstrument(vars["category"], vars["symbol"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	if err := h.engine.Deregister(ctx, inst); err != nil {
		httpx.RespondEngineError(w, err)
		return
	}
	h.cardinality.Forget(inst)
	httpx.RespondJSON(w, http.StatusOK, map[string]string{
		"status":     "deleted",
		"instrument": inst.String(),
	})
}

func (h *Handler) checkStorage() error {
	if h.storageChecker == nil {
		return nil
	}
	limit := h.storageChecker.GetLimit()
	if limit <= 0 {
		return nil
	}
	used, err := h.storageChecker.GetUsage()
	if err != nil {
		// Usage unknown: accept the write rather than fail closed
		h.logger.Warn("failed to check storage usage", zap.Error(err))
		return nil
	}
	if used >= limit {
		return fmt.Errorf("%w: %d of %d bytes used", ErrStorageFull, used, limit)
	}
	return nil
}

// IsStorageFull reports whether err came from the storage limit
func IsStorageFull(err error) bool {
	return errors.Is(err, ErrStorageFull)
}
