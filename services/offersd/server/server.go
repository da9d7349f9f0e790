package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"offerbook/core/types"
	"offerbook/native/assets"
	nativecommon "offerbook/native/common"
	"offerbook/native/offers"
	"offerbook/observability"
	"offerbook/services/offersd/indexer"
	"offerbook/services/offersd/node"
)

// RequestIDHeader carries the request id echoed on every response.
const RequestIDHeader = "X-Request-ID"

// Config wires the HTTP surface of offersd.
type Config struct {
	Node      *node.Node
	Index     *indexer.Indexer
	Auth      AuthConfig
	RateLimit RateLimit
	Logger    *slog.Logger
}

// Server exposes the escrow over HTTP.
type Server struct {
	node    *node.Node
	index   *indexer.Indexer
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
	router  chi.Router
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Node == nil {
		return nil, errors.New("offersd: node required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		node:    cfg.Node,
		index:   cfg.Index,
		auth:    NewAuthenticator(cfg.Auth, logger),
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  logger,
	}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped with OpenTelemetry instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "offersd")
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.observe)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Get("/offers/{id}", s.handleGetOffer)
		r.Get("/makers/{account}/offers", s.handleListByMaker)
		r.Get("/counterparties/{account}/offers", s.handleListByCounterparty)
		r.Get("/settlements", s.handleListSettlements)
		r.Get("/settlements/{token}", s.handleGetSettlement)
		r.Get("/log", s.handleLogEntries)
		r.Get("/log/verify", s.handleVerifyLog)
		r.Get("/contracts", s.handleContracts)
		r.Get("/balances/{contract}/{account}", s.handleBalance)
		r.Get("/owners/{contract}/{token}", s.handleOwner)
		r.Get("/events", s.handleEvents)
		r.Get("/events/stream", s.handleEventStream)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Post("/deposits", s.handleDeposit)
			r.Post("/offers/{id}/withdraw", s.handleWithdraw)
		})
	})
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		duration := time.Since(start)
		observability.ModuleMetrics().Observe("offersd", route, recorder.status, duration)
		s.logger.Debug("request served",
			slog.String("method", r.Method),
			slog.String("path", route),
			slog.Int("status", recorder.status),
			slog.String("request_id", w.Header().Get(RequestIDHeader)),
			slog.Duration("duration", duration))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack lets the event stream upgrade to a websocket.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps engine and ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, offers.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, offers.ErrUnauthorized), errors.Is(err, assets.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, offers.ErrOfferExists),
		errors.Is(err, offers.ErrTermsMismatch),
		errors.Is(err, offers.ErrSettlementMismatch):
		return http.StatusConflict
	case errors.Is(err, offers.ErrInsufficientBudget), errors.Is(err, assets.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, nativecommon.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, offers.ErrSelfDealing),
		errors.Is(err, offers.ErrUnderspecified),
		errors.Is(err, offers.ErrInvalidInstruction),
		errors.Is(err, offers.ErrInvalidLimit),
		errors.Is(err, types.ErrInvalidAsset),
		errors.Is(err, types.ErrInvalidAccount),
		errors.Is(err, assets.ErrUnknownContract),
		errors.Is(err, assets.ErrKindMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	writeError(w, status, err)
}
