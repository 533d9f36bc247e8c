package export

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/httpx"
	"github.com/nicktill/tinyohlc/pkg/series"
)

// MaxImportBytes bounds an import request body
const MaxImportBytes = 32 << 20

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	logger   *zap.Logger
}

// Engine is what the export handler needs from the engine
type Engine interface {
	Reader
	Ingester
}

// NewHandler creates a new export/import handler
func NewHandler(eng Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		exporter: NewExporter(eng),
		importer: NewImporter(eng),
		logger:   logger.Named("export"),
	}
}

// SetLimiter applies instrument cardinality limits to imports
func (h *Handler) SetLimiter(l Limiter) {
	h.importer.SetLimiter(l)
}

// HandleExport handles GET /v1/export/{category}/{symbol}
// Query params:
//   - format: "json" or "csv" (default: json)
//   - resolution: export candles of this resolution instead of raw ticks
//   - n: newest rows to include (default: every retained row)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inst, err := series.NewInstrument(vars["category"], vars["symbol"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	q := r.URL.Query()
	opts := ExportOptions{
		Instrument: inst,
		Resolution: q.Get("resolution"),
		Format:     q.Get("format"),
	}
	if opts.Format == "" {
		opts.Format = "json"
	}
	if opts.Format != "json" && opts.Format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid format, must be 'json' or 'csv'")
		return
	}
	if raw := q.Get("n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid n %q", raw))
			return
		}
		opts.Limit = n
	}

	// Render into a buffer so read errors still get a proper status code
	var buf bytes.Buffer
	result, err := h.exporter.Export(r.Context(), &buf, opts)
	if err != nil {
		if httpx.StatusFor(err) == http.StatusInternalServerError {
			h.logger.Error("export failed", zap.Stringer("instrument", inst), zap.Error(err))
		}
		httpx.RespondEngineError(w, err)
		return
	}

	kind := "raw"
	if opts.Resolution != "" {
		kind = opts.Resolution
	}
	filename := fmt.Sprintf("tinyohlc-%s-%s-%s-%s.%s",
		inst.Category, inst.Symbol, kind, time.Now().UTC().Format("20060102-150405"), opts.Format)

	contentType := "application/json"
	if opts.Format == "csv" {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Warn("failed to write export", zap.Error(err))
		return
	}

	h.logger.Info("export complete",
		zap.String("instrument", result.Instrument),
		zap.String("kind", kind),
		zap.String("format", result.Format),
		zap.Int("rows", result.RowsExported),
	)
}

// HandleImport handles POST /v1/import. The body is a raw JSON export.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxImportBytes)
	result, err := h.importer.ImportFromJSON(r.Context(), r.Body)
	if err != nil {
		h.logger.Warn("import failed", zap.Error(err))
		status := httpx.StatusFor(err)
		switch {
		case errors.Is(err, ErrInstrumentLimit):
			status = http.StatusTooManyRequests
		case status == http.StatusInternalServerError:
			status = http.StatusBadRequest
		}
		httpx.RespondError(w, status, fmt.Errorf("import failed: %w", err))
		return
	}

	if len(result.Errors) > 0 {
		h.logger.Warn("import skipped ticks",
			zap.Int("skipped", result.TicksSkipped),
			zap.Strings("first_errors", result.Errors[:min(len(result.Errors), 10)]),
		)
	}
	h.logger.Info("import complete",
		zap.String("instrument", result.Instrument),
		zap.Int("ticks", result.TicksImported),
		zap.String("range", result.TimeRange),
	)

	httpx.RespondJSON(w, http.StatusOK, result)
}
