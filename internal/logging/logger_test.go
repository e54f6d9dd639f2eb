package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Setup(Config{
		Level:        LevelDebug,
		Format:       FormatJSON,
		Output:       &buf,
		GlobalFields: map[string]string{"service": "ply"},
	}))
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	l := Component("ui")
	l.Debug().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ui", entry["component"])
	assert.Equal(t, "ply", entry["service"])
	assert.Equal(t, "hello", entry["message"])
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	err := Setup(Config{Level: "loud", Format: FormatJSON, Output: &bytes.Buffer{}})
	assert.Error(t, err)
}

func TestAutoFormatOnBufferIsJSON(t *testing.T) {
	assert.False(t, useConsole(FormatAuto, &bytes.Buffer{}))
	assert.True(t, useConsole(FormatConsole, &bytes.Buffer{}))
}

func TestHTTPMiddlewareLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	r := chi.NewRouter()
	r.Use(HTTPMiddleware())
	r.Get("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, float64(http.StatusNotFound), entry["status"])
	assert.Equal(t, "/missing", entry["route"])
}
