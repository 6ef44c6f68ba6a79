package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/paygate/internal/domain"
)

const HeaderAPIKey = "X-API-Key"

type merchantKey struct{}

// HashAPIKey is how keys are stored: hex sha256, never the raw key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func merchantFrom(ctx context.Context) *domain.Merchant {
	m, _ := ctx.Value(merchantKey{}).(*domain.Merchant)
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// authenticate resolves the merchant from X-API-Key. Only ACTIVE merchants
// get through.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAPIKey)
		if key == "" {
			respondWithError(w, http.StatusUnauthorized, codeUnauthorized, "Missing X-API-Key header")
			return
		}
		merchant, err := h.merchants.GetMerchantByAPIKeyHash(r.Context(), HashAPIKey(key))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				respondWithError(w, http.StatusUnauthorized, codeUnauthorized, "Invalid API key")
				return
			}
			h.respondWithServiceError(w, r, err)
			return
		}
		if merchant.Status != domain.MerchantActive {
			h.logger.Warn("rejected inactive merchant", "merchant_id", merchant.ID, "status", merchant.Status)
			respondWithError(w, http.StatusForbidden, codeForbidden, "Merchant account is not active")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), merchantKey{}, merchant)))
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		merchant := merchantFrom(r.Context())
		if !h.limiter.TryConsume(merchant.ID) {
			err := &domain.RateLimitError{MerchantID: merchant.ID, AvailableTokens: h.limiter.AvailableTokens(merchant.ID)}
			h.logger.Warn("rate limited", "merchant_id", merchant.ID, "available_tokens", err.AvailableTokens)
			h.respondWithServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
