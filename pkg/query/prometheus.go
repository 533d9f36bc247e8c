package query

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/config"
	"github.com/nicktill/tinyohlc/pkg/engine"
	"github.com/nicktill/tinyohlc/pkg/httpx"
)

// candleGauge is one exported metric family
type candleGauge struct {
	name  string
	help  string
	value func(engine.Candle) float64
}

var candleGauges = []candleGauge{
	{"tinyohlc_candle_open", "Open of the newest complete candle", func(c engine.Candle) float64 { return c.Open }},
	{"tinyohlc_candle_high", "High of the newest complete candle", func(c engine.Candle) float64 { return c.High }},
	{"tinyohlc_candle_low", "Low of the newest complete candle", func(c engine.Candle) float64 { return c.Low }},
	{"tinyohlc_candle_close", "Close of the newest complete candle", func(c engine.Candle) float64 { return c.Close }},
	{"tinyohlc_candle_bucket_start_seconds", "Bucket start of the newest complete candle", func(c engine.Candle) float64 { return float64(c.BucketStart) }},
}

type candleSample struct {
	labels string
	candle engine.Candle
}

// HandlePrometheusMetrics handles GET /metrics. Each instrument and
// resolution exports the newest complete candle as gauges so Prometheus
// or Grafana can scrape prices without a custom datasource.
//
// Format: https://prometheus.io/docs/instrumenting/exposition_formats/
func (h *Handler) HandlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	insts := h.reader.Instruments()
	sort.Slice(insts, func(i, j int) bool { return insts[i].String() < insts[j].String() })

	var samples []candleSample
	for _, inst := range insts {
		resolutions, err := h.reader.Resolutions(inst)
		if err != nil {
			continue
		}
		for _, res := range resolutions {
			candles, err := h.reader.ReadLastN(ctx, inst, res.Name, 1)
			if err != nil {
				if httpx.StatusFor(err) == http.StatusInternalServerError {
					h.logger.Warn("metrics read failed", zap.Stringer("instrument", inst), zap.Error(err))
				}
				continue
			}
			if len(candles) == 0 {
				continue
			}
			samples = append(samples, candleSample{
				labels: formatPrometheusLabels(map[string]string{
					"category":   inst.Category,
					"symbol":     inst.Symbol,
					"resolution": res.Name,
				}),
				candle: candles[0],
			})
		}
	}

	var buf bytes.Buffer
	for _, g := range candleGauges {
		fmt.Fprintf(&buf, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(&buf, "# TYPE %s gauge\n", g.name)
		for _, s := range samples {
			fmt.Fprintf(&buf, "%s%s %v\n", g.name, s.labels, g.value(s.candle))
		}
		buf.WriteByte('\n')
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// formatPrometheusLabels formats labels in Prometheus format: {key="value",key2="value2"}
func formatPrometheusLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, escapePrometheusValue(labels[k])))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

// escapePrometheusValue escapes backslash, double quote and line feed
func escapePrometheusValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
