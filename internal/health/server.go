package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/keypool/internal/core/domain"
	"github.com/vietddude/keypool/internal/infra/upstream/openai"
)

// Pool is the part of keypool.Pool the server drives.
type Pool interface {
	Status() domain.PoolStatus
	ResetAllCredentials()
	Submit(payload domain.Payload) domain.RequestID
	Await(ctx context.Context, id domain.RequestID, timeout time.Duration) (domain.Result, error)
}

// Server provides HTTP endpoints for the pool.
type Server struct {
	pool         Pool
	awaitTimeout time.Duration
	server       *http.Server
	listener     net.Listener
	log          *slog.Logger
}

// NewServer creates a new server. awaitTimeout bounds how long a synchronous
// call waits for its result.
func NewServer(pool Pool, port int, awaitTimeout time.Duration) *Server {
	mux := http.NewServeMux()
	s := &Server{
		pool:         pool,
		awaitTimeout: awaitTimeout,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: slog.Default().With("component", "http"),
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /admin/reset", s.handleReset)
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("GET /v1/requests/{id}", s.handleRequest)

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen binds the configured port so bind errors surface before serving.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on the listener opened by Listen.
func (s *Server) Serve() error {
	return s.server.Serve(s.listener)
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := Evaluate(s.pool.Status())

	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Evaluate(s.pool.Status()))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.pool.ResetAllCredentials()
	s.log.Info("Credentials reset via admin endpoint", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, Evaluate(s.pool.Status()))
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req openai.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	s.call(w, r, domain.Payload{Operation: openai.OpGenerate, Body: req})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req openai.EmbedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	s.call(w, r, domain.Payload{Operation: openai.OpEmbed, Body: req})
}

// call queues payload. With ?async=true it answers 202 with the request id,
// otherwise it waits for the result.
func (s *Server) call(w http.ResponseWriter, r *http.Request, payload domain.Payload) {
	payload.Tags = map[string]string{"remote": r.RemoteAddr}
	id := s.pool.Submit(payload)

	if r.URL.Query().Get("async") == "true" {
		writeJSON(w, http.StatusAccepted, map[string]string{"request_id": string(id)})
		return
	}

	res, err := s.pool.Await(r.Context(), id, s.awaitTimeout)
	s.writeResult(w, res, err)
}

// handleRequest returns the outcome of an earlier async call, waiting up to ?wait.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	wait := time.Duration(0)
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid wait: %w", err))
			return
		}
		wait = d
	}
	// Zero wait still needs a deadline, or Await would block on the request context.
	wait = max(wait, time.Millisecond)

	res, err := s.pool.Await(r.Context(), domain.RequestID(r.PathValue("id")), wait)
	s.writeResult(w, res, err)
}

func (s *Server) writeResult(w http.ResponseWriter, res domain.Result, err error) {
	if err != nil {
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// statusFor maps a pool error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAwaitTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrPoolExhausted), errors.Is(err, domain.ErrPoolStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
