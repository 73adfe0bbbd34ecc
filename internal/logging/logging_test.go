package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf).WithField("service", "devopt")

	logger.Debug("hidden")
	logger.Info("run started", map[string]interface{}{"run_id": "r1"})
	logger.WithError(errors.New("boom")).Error("run failed")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "INFO", entries[0]["level"])
	assert.Equal(t, "run started", entries[0]["message"])
	assert.Equal(t, "r1", entries[0]["run_id"])
	assert.Equal(t, "devopt", entries[0]["service"])
	assert.Contains(t, entries[0]["caller"], "logging/logging_test.go:")
	assert.Equal(t, "boom", entries[1]["error"])
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&Config{Level: "debug", Format: "TEXT", Output: "stdout"})
	require.NoError(t, err)
	logger.output = &buf

	logger.Debug("iteration done", map[string]interface{}{"best": 1.5, "note": "two words"})
	line := buf.String()
	assert.Contains(t, line, "DEBUG iteration done")
	assert.Contains(t, line, " best=1.5")
	assert.Contains(t, line, ` note="two words"`)
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestFatalExits(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf)
	code := -1
	logger.exit = func(c int) { code = c }

	logger.Fatal("unrecoverable")
	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "FATAL")
}

func TestNewLoggerRejectsFormat(t *testing.T) {
	_, err := NewLogger(&Config{Format: "xml"})
	assert.ErrorContains(t, err, "unsupported format")

	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, logger.format)
	assert.Equal(t, InfoLevel, logger.level)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, parseLevel("debug"))
	assert.Equal(t, WarnLevel, parseLevel("warning"))
	assert.Equal(t, InfoLevel, parseLevel("verbose"))
}

func TestZapBridge(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZapLogger(New(InfoLevel, &buf)).Named("controller").With(zap.String("run_id", "r1"))

	zl.Debug("filtered")
	zl.Warn("evaluation failed",
		zap.Float64("fitness", -2.5),
		zap.Int("seq", 7),
		zap.Bool("surrogate", false),
		zap.Duration("took", 1500*time.Millisecond),
		zap.Error(errors.New("timeout")),
	)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "WARN", e["level"])
	assert.Equal(t, "controller", e["logger"])
	assert.Equal(t, "r1", e["run_id"])
	assert.Equal(t, -2.5, e["fitness"])
	assert.Equal(t, 7.0, e["seq"])
	assert.Equal(t, false, e["surrogate"])
	assert.Equal(t, "timeout", e["error"])
	assert.Contains(t, e["caller"], "logging/logging_test.go:")
}

func TestMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(DebugLevel, &buf)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Middleware(logger))
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context()).Info("handling")
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 3)
	assert.Equal(t, "handling", entries[0]["message"])
	assert.Equal(t, "/ok", entries[0]["path"])
	assert.NotEmpty(t, entries[0]["request_id"])
	assert.Equal(t, "Request completed", entries[1]["message"])
	assert.Equal(t, 200.0, entries[1]["status"])
	assert.Equal(t, "Request rejected", entries[2]["message"])
	assert.Equal(t, "WARN", entries[2]["level"])
}
