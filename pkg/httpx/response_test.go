package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyohlc/pkg/engine"
	"github.com/nicktill/tinyohlc/pkg/series"
)

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("wrapped: %w", series.ErrInvalidTick): http.StatusBadRequest,
		series.ErrInvalidInstrument:                      http.StatusBadRequest,
		engine.ErrUnknownInstrument:                      http.StatusNotFound,
		engine.ErrUnknownResolution:                      http.StatusNotFound,
		engine.ErrRuleConflict:                           http.StatusConflict,
		errors.New("disk on fire"):                       http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusFor(err), err.Error())
	}
}

func TestRespondEngineError(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondEngineError(rr, fmt.Errorf("%w: crypto:btcusd", engine.ErrUnknownInstrument))

	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Not Found", resp.Error)
	assert.Contains(t, resp.Message, "crypto:btcusd")
}
