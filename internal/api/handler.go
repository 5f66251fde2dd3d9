package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/equityledger/internal/service"
	"go.uber.org/zap"
)

const headerRequestID = "X-Request-Id"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equity_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "equity_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
	}, []string{"method", "endpoint"})
)

type Services struct {
	Users       *service.UserService
	Offerings   *service.OfferingService
	Investments *service.InvestmentService
	Rent        *service.RentService
}

type Handler struct {
	svc    Services
	ping   func(context.Context) error
	logger *zap.Logger
}

// NewHandler wires the services behind the HTTP surface. ping backs /health and
// may be nil.
func NewHandler(svc Services, ping func(context.Context) error, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, ping: ping, logger: logger}
}

func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.withRequestID, h.withMetrics, h.withAccessLog)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/users", h.CreateUserHandler).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/deposits", h.DepositHandler).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/dashboard", h.DashboardHandler).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/properties/{propertyId}/unfreeze", h.UnfreezeHandler).Methods(http.MethodPost)

	v1.HandleFunc("/properties", h.CreatePropertyHandler).Methods(http.MethodPost)
	v1.HandleFunc("/properties", h.ListPropertiesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/properties/{id}", h.GetPropertyHandler).Methods(http.MethodGet)
	v1.HandleFunc("/properties/{id}/mint", h.MintHandler).Methods(http.MethodPost)
	v1.HandleFunc("/properties/{id}/rent-distributions", h.DistributeRentHandler).Methods(http.MethodPost)

	v1.HandleFunc("/investments", h.CreateInvestmentHandler).Methods(http.MethodPost)
	return r
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (h *Handler) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// statusRecorder captures the status code written by a handler. A handler that
// never writes a header has answered 200.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	n, err := s.ResponseWriter.Write(b)
	s.size += n
	return n, err
}

func recorder(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// endpoint is the route template, so ids do not explode label cardinality.
func endpoint(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func (h *Handler) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ep := endpoint(r)
		if ep == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, ep))
		defer timer.ObserveDuration()

		rec := recorder(w)
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, ep, strconv.Itoa(rec.status)).Inc()
	})
}

func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := recorder(w)
		next.ServeHTTP(rec, r)
		h.logger.Info("http request",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int("size", rec.size),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}
