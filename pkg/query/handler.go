// Package query serves candle and raw tick reads over HTTP.
package query

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/compaction"
	"github.com/nicktill/tinyohlc/pkg/config"
	"github.com/nicktill/tinyohlc/pkg/engine"
	"github.com/nicktill/tinyohlc/pkg/httpx"
	"github.com/nicktill/tinyohlc/pkg/series"
)

// Reader is the read side of the engine
type Reader interface {
	ReadLastN(ctx context.Context, inst series.Instrument, resolution string, n int) ([]engine.Candle, error)
	ReadCandle(ctx context.Context, inst series.Instrument, resolution string, bucketStart int64) (engine.Candle, bool, error)
	ReadRaw(ctx context.Context, inst series.Instrument, n int) ([]series.Tick, error)
	Instruments() []series.Instrument
	Resolutions(inst series.Instrument) ([]compaction.Resolution, error)
}

// Handler handles read requests
type Handler struct {
	reader Reader
	logger *zap.Logger
}

// NewHandler creates a new query handler
func NewHandler(reader Reader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{reader: reader, logger: logger.Named("query")}
}

// CandlesResponse is the payload of a candle read
type CandlesResponse struct {
	Status     string          `json:"status"`
	Category   string          `json:"category"`
	Symbol     string          `json:"symbol"`
	Resolution string          `json:"resolution"`
	Candles    []engine.Candle `json:"candles"`
}

// CandleResponse is the payload of a single bucket read
type CandleResponse struct {
	Status     string        `json:"status"`
	Category   string        `json:"category"`
	Symbol     string        `json:"symbol"`
	Resolution string        `json:"resolution"`
	Candle     engine.Candle `json:"candle"`
}

// RawResponse is the payload of a raw tick read
type RawResponse struct {
	Status   string        `json:"status"`
	Category string        `json:"category"`
	Symbol   string        `json:"symbol"`
	Ticks    []series.Tick `json:"ticks"`
}

// InstrumentInfo describes one registered instrument
type InstrumentInfo struct {
	Category    string                  `json:"category"`
	Symbol      string                  `json:"symbol"`
	Resolutions []compaction.Resolution `json:"resolutions"`
}

// InstrumentsResponse lists registered instruments
type InstrumentsResponse struct {
	Status      string           `json:"status"`
	Instruments []InstrumentInfo `json:"instruments"`
}

// HandleCandles handles GET /v1/candles/{category}/{symbol}/{resolution}?n=N.
// Rows come back oldest first; buckets missing any line are left out.
func (h *Handler) HandleCandles(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inst, err := series.NewInstrument(vars["category"], vars["symbol"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	n, err := parseCount(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	resolution := vars["resolution"]
	candles, err := h.reader.ReadLastN(ctx, inst, resolution, n)
	if err != nil {
		h.respondReadError(w, err, inst)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, CandlesResponse{
		Status:     "success",
		Category:   inst.Category,
		Symbol:     inst.Symbol,
		Resolution: resolution,
		Candles:    candles,
	})
}

// HandleCandle handles GET /v1/candles/{category}/{symbol}/{resolution}/{bucket}
func (h *Handler) HandleCandle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inst, err := series.NewInstrument(vars["category"], vars["symbol"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	bucket, err := strconv.ParseInt(vars["bucket"], 10, 64)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid bucket start %q", vars["bucket"]))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	resolution := vars["resolution"]
	c, found, err := h.reader.ReadCandle(ctx, inst, resolution, bucket)
	if err != nil {
		h.respondReadError(w, err, inst)
		return
	}
	if !found {
		httpx.RespondErrorString(w, http.StatusNotFound,
			fmt.Sprintf("no candle for %s/%s at %d", inst, resolution, bucket))
		return
	}

	httpx.RespondJSON(w, http.StatusOK, CandleResponse{
		Status:     "success",
		Category:   inst.Category,
		Symbol:     inst.Symbol,
		Resolution: resolution,
		Candle:     c,
	})
}

// HandleRaw handles GET /v1/raw/{category}/{symbol}?n=N
func (h *Handler) HandleRaw(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inst, err := series.NewInstrument(vars["category"], vars["symbol"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	n, err := parseCount(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	ticks, err := h.reader.ReadRaw(ctx, inst, n)
	if err != nil {
		h.respondReadError(w, err, inst)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, RawResponse{
		Status:   "success",
		Category: inst.Category,
		Symbol:   inst.Symbol,
		Ticks:    ticks,
	})
}

// HandleInstruments handles GET /v1/instruments
func (h *Handler) HandleInstruments(w http.ResponseWriter, r *http.Request) {
	insts := h.reader.Instruments()
	resp := InstrumentsResponse{
		Status:      "success",
		Instruments: make([]InstrumentInfo, 0, len(insts)),
	}
	for _, inst := range insts {
		resolutions, err := h.reader.Resolutions(inst)
		if err != nil {
			// Deregistered between the two calls
			continue
		}
		resp.Instruments = append(resp.Instruments, InstrumentInfo{
			Category:    inst.Category,
			Symbol:      inst.Symbol,
			Resolutions: resolutions,
		})
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) respondReadError(w http.ResponseWriter, err error, inst series.Instrument) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error("read failed", zap.Stringer("instrument", inst), zap.Error(err))
	}
	httpx.RespondEngineError(w, err)
}

// parseCount reads the n query parameter, defaulting and capping it
func parseCount(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("n")
	if raw == "" {
		return config.QueryDefaultPoints, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid n %q: must be a non-negative integer", raw)
	}
	if n > config.QueryMaxPoints {
		n = config.QueryMaxPoints
	}
	return n, nil
}
