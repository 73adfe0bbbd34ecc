package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/copyleftdev/devopt/internal/config"
	"github.com/copyleftdev/devopt/internal/errors"
	"github.com/copyleftdev/devopt/internal/logging"
	"github.com/copyleftdev/devopt/internal/metrics"
	"github.com/copyleftdev/devopt/internal/optimization/evaluator"
	"github.com/copyleftdev/devopt/internal/store"
)

// Logger defines the logging interface used by the server
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// JSON-RPC 2.0 error codes. Codes above -32000 are service specific.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
	rpcNotFound       = -32001
	rpcConflict       = -32002
	rpcUnavailable    = -32003
)

// maxBodyBytes bounds request bodies; run specs are small.
const maxBodyBytes = 1 << 20

// Option configures a Server.
type Option func(*Server)

// WithStore persists runs in st. The store must already be initialized.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithMetrics reports run telemetry to m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCache shares evaluation results through Redis. Each run gets its own
// key space.
func WithCache(c *evaluator.RedisCache) Option {
	return func(s *Server) { s.cache = c }
}

// Server implements the HTTP and JSON-RPC server for the optimization service.
// It manages optimization runs and provides endpoints to start, monitor,
// cancel and report on them.
type Server struct {
	cfg     *config.Config
	logger  Logger
	zap     *zap.Logger
	store   store.Store
	metrics *metrics.Collector
	cache   *evaluator.RedisCache

	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}
	wg     sync.WaitGroup

	runs   map[string]*runState
	runsMu sync.RWMutex // Protects runs, closed and the mutable run fields
	closed bool
}

// NewServer creates a new server instance with the given config and logger.
// Without WithStore runs are kept in memory.
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: logger,
		zap:    logging.NewZapLogger(logger.WithFields(map[string]interface{}{"component": "optimizer"})),
		ctx:    ctx,
		cancel: cancel,
		slots:  make(chan struct{}, cfg.Optimization.MaxActiveRuns),
		runs:   make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		mem := store.NewMemoryStore()
		_ = mem.Init(ctx)
		s.store = mem
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/optimizations", s.handleList)
		r.Get("/status/{id}", s.handleStatus)
		r.Get("/report/{id}", s.handleReport)
		r.Delete("/optimization/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// decodeParams accepts either a params object or a positional array whose
// first element is the object.
func decodeParams(raw json.RawMessage, into interface{}) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return errors.New(errors.CodeInvalid, "missing required parameters")
	}
	if strings.HasPrefix(trimmed, "[") {
		var positional []json.RawMessage
		if err := json.Unmarshal(raw, &positional); err != nil {
			return errors.Wrap(err, errors.CodeInvalid, "invalid parameters")
		}
		if len(positional) == 0 {
			return errors.New(errors.CodeInvalid, "missing required parameters")
		}
		raw = positional[0]
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errors.Wrap(err, errors.CodeInvalid, "invalid parameter format, expected object")
	}
	return nil
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&request); err != nil {
		s.respondWithError(w, rpcParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, rpcInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error
	ctx := r.Context()

	switch request.Method {
	case "optimization.start":
		var req StartRequest
		if err = decodeParams(request.Params, &req); err == nil {
			result, err = s.startRun(req)
		}
	case "optimization.status":
		var req RunRequest
		if err = decodeParams(request.Params, &req); err == nil {
			result, err = s.runStatus(ctx, req)
		}
	case "optimization.cancel":
		var req RunRequest
		if err = decodeParams(request.Params, &req); err == nil {
			result, err = s.cancelRun(req)
		}
	case "optimization.report":
		var req RunRequest
		if err = decodeParams(request.Params, &req); err == nil {
			result, err = s.runReport(ctx, req)
		}
	case "optimization.list":
		var req struct {
			Limit int `json:"limit"`
		}
		if len(request.Params) > 0 {
			err = decodeParams(request.Params, &req)
		}
		if err == nil {
			result, err = s.listRuns(ctx, req.Limit)
		}
	default:
		s.respondWithError(w, rpcMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, rpcCode(err), err.Error(), request.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

func rpcCode(err error) int {
	switch errors.CodeOf(err) {
	case errors.CodeInvalid:
		return rpcInvalidParams
	case errors.CodeNotFound:
		return rpcNotFound
	case errors.CodeConflict:
		return rpcConflict
	case errors.CodeUnavailable:
		return rpcUnavailable
	default:
		return rpcInternalError
	}
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondHTTPError writes a REST error with the status mapped from the
// error code.
func (s *Server) respondHTTPError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(errors.CodeOf(err))
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).Error("Request failed")
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  errors.CodeOf(err),
	})
}

// handleOptimize handles POST /optimize. The body is either a StartRequest
// or a bare run spec in YAML or JSON.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respondHTTPError(w, r, errors.Wrap(err, errors.CodeInvalid, "failed to read request body"))
		return
	}

	var req StartRequest
	if json.Valid(body) {
		if err := json.Unmarshal(body, &req); err != nil || (len(req.Spec) == 0 && req.SpecYAML == "") {
			req = StartRequest{Spec: body}
		}
	} else {
		req = StartRequest{SpecYAML: string(body)}
	}

	result, err := s.startRun(req)
	if err != nil {
		s.respondHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleList handles GET /optimizations?limit=n
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondHTTPError(w, r, errors.Errorf(errors.CodeInvalid, "invalid limit %q", v))
			return
		}
		limit = n
	}
	result, err := s.listRuns(r.Context(), limit)
	if err != nil {
		s.respondHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleStatus handles GET /status/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.runStatus(r.Context(), RunRequest{ID: chi.URLParam(r, "id")})
	if err != nil {
		s.respondHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleReport handles GET /report/{id}?format=json|markdown. Markdown is
// served as text.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	result, err := s.runReport(r.Context(), RunRequest{
		ID:     chi.URLParam(r, "id"),
		Format: r.URL.Query().Get("format"),
	})
	if err != nil {
		s.respondHTTPError(w, r, err)
		return
	}
	if result.Format == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, result.Content)
		return
	}
	writeJSON(w, http.StatusOK, result.Report)
}

// handleCancel handles DELETE /optimization/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	result, err := s.cancelRun(RunRequest{ID: chi.URLParam(r, "id")})
	if err != nil {
		s.respondHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"optimization_id": result.ID,
		"status":          "cancellation requested",
	})
}

// Close cancels all runs and waits until their records are stored. It
// does not close the store.
func (s *Server) Close() error {
	s.runsMu.Lock()
	s.closed = true
	s.runsMu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}
