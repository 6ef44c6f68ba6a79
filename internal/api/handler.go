package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/models"
	"github.com/punchamoorthee/paygate/internal/ratelimit"
	"github.com/punchamoorthee/paygate/internal/service"
	"github.com/punchamoorthee/paygate/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	rateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Requests rejected because the merchant bucket was empty",
	})
)

const (
	codeValidation      = "VALIDATION_FAILED"
	codeNotFound        = "NOT_FOUND"
	codeInvalidState    = "INVALID_STATE_TRANSITION"
	codeRateLimited     = "RATE_LIMIT_EXCEEDED"
	codeConflict        = "CONCURRENT_MODIFICATION"
	codeUnauthorized    = "UNAUTHORIZED"
	codeForbidden       = "FORBIDDEN"
	codeInternal        = "INTERNAL_ERROR"
	retryAfterSeconds   = 60
	maxRequestBodyBytes = 1 << 20
)

type Handler struct {
	merchants store.MerchantStore
	limiter   *ratelimit.Limiter
	txs       *service.TransactionService
	refunds   *service.RefundService
	reports   *service.ReportService
	logger    *slog.Logger
}

func NewHandler(merchants store.MerchantStore, limiter *ratelimit.Limiter, txs *service.TransactionService,
	refunds *service.RefundService, reports *service.ReportService, logger *slog.Logger) *Handler {
	return &Handler{
		merchants: merchants,
		limiter:   limiter,
		txs:       txs,
		refunds:   refunds,
		reports:   reports,
		logger:    logger,
	}
}

// Routes builds the router. Everything under /api/v1 is authenticated and
// rate limited per merchant.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.instrument)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.authenticate, h.rateLimit)
	v1.HandleFunc("/merchants/me", h.GetMerchantHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transactions", h.CreateTransactionHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transactions", h.ListTransactionsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}/history", h.GetHistoryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}/refunds", h.CreateRefundHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transactions/{id}/refunds", h.ListRefundsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}/refunds/{refundId}", h.GetRefundHandler).Methods(http.MethodGet)
	v1.HandleFunc("/reports/daily-summary", h.DailySummaryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/reports/revenue", h.RevenueHandler).Methods(http.MethodGet)
	return r
}

// respondWithServiceError maps domain errors to status codes. Anything
// unrecognized is logged and hidden behind a 500.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *domain.RateLimitError
	switch {
	case errors.As(err, &limited):
		respondRateLimited(w, limited.AvailableTokens)
	case errors.Is(err, domain.ErrValidationFailed):
		respondWithError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		respondWithError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidStateTransition):
		respondWithError(w, http.StatusBadRequest, codeInvalidState, err.Error())
	case errors.Is(err, domain.ErrConcurrentModification):
		respondWithError(w, http.StatusConflict, codeConflict, "Request processing in progress")
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusInternalServerError, codeInternal, "Internal Server Error")
	}
}

func respondRateLimited(w http.ResponseWriter, available int64) {
	rateLimitRejections.Inc()
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	respondWithJSON(w, http.StatusTooManyRequests, models.ErrorResponse{
		Error:           "Rate limit exceeded",
		Code:            codeRateLimited,
		RetryAfter:      retryAfterSeconds,
		AvailableTokens: &available,
	})
}

func respondWithError(w http.ResponseWriter, code int, errCode, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message, Code: errCode})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// respondWithBytes writes an already encoded body, used for cached replies.
func respondWithBytes(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}
