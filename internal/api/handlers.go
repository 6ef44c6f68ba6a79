package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/models"
	"github.com/punchamoorthee/paygate/internal/service"
	"github.com/punchamoorthee/paygate/internal/store"
)

const (
	HeaderIdempotencyKey     = "Idempotency-Key"
	HeaderIdempotentReplayed = "Idempotent-Replayed"
	dateLayout               = "2006-01-02"
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) GetMerchantHandler(w http.ResponseWriter, r *http.Request) {
	m := merchantFrom(r.Context())
	respondWithJSON(w, http.StatusOK, models.MerchantResponse{
		MerchantID:   m.ID,
		MerchantCode: m.Code,
		BusinessName: m.BusinessName,
		Email:        m.Email,
		Status:       m.Status,
		CreatedAt:    m.CreatedAt,
	})
}

func (h *Handler) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	// 1. Read body
	bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, codeValidation, "Unreadable request body")
		return
	}
	var req models.CreateTransactionRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, codeValidation, "Malformed JSON body")
		return
	}

	// 2. Call service; the key itself is validated there
	res, err := h.txs.Create(r.Context(), merchantFrom(r.Context()), r.Header.Get(HeaderIdempotencyKey), req)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	// 3. Write the cached bytes, never a re-encoding
	if res.Replayed {
		w.Header().Set(HeaderIdempotentReplayed, "true")
	} else {
		w.Header().Set("Location", fmt.Sprintf("/api/v1/transactions/%s", res.Transaction.TransactionID))
	}
	respondWithBytes(w, res.Status, res.Body)
}

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TransactionFilter{
		MerchantID: merchantFrom(r.Context()).ID,
		Status:     domain.TransactionStatus(q.Get("status")),
	}
	var err error
	if f.Page, err = intParam(q.Get("page"), 0); err != nil {
		respondWithError(w, http.StatusBadRequest, codeValidation, "page must be an integer")
		return
	}
	if f.Size, err = intParam(q.Get("size"), 0); err != nil {
		respondWithError(w, http.StatusBadRequest, codeValidation, "size must be an integer")
		return
	}
	start, end, ok := dateParams(w, r)
	if !ok {
		return
	}
	f.From = start
	if !end.IsZero() {
		f.To = end.AddDate(0, 0, 1)
	}

	txs, total, err := h.txs.List(r.Context(), f)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	page := models.TransactionPage{
		Items: make([]models.TransactionResponse, 0, len(txs)),
		Page:  f.Page,
		Size:  service.ClampPageSize(f.Size),
		Total: total,
	}
	for i := range txs {
		page.Items = append(page.Items, models.NewTransactionResponse(&txs[i]))
	}
	respondWithJSON(w, http.StatusOK, page)
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	tx, err := h.txs.Get(r.Context(), merchantFrom(r.Context()).ID, ref)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewTransactionResponse(tx))
}

func (h *Handler) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	history, err := h.txs.History(r.Context(), merchantFrom(r.Context()).ID, ref)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []domain.TransactionHistory{}
	}
	respondWithJSON(w, http.StatusOK, history)
}

func (h *Handler) CreateRefundHandler(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req models.RefundRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, codeValidation, "Malformed JSON body")
		return
	}
	refund, err := h.refunds.CreateRefund(r.Context(), merchantFrom(r.Context()), ref, req.Amount, req.Reason)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transactions/%s/refunds/%s", ref, refund.RefundID))
	respondWithJSON(w, http.StatusCreated, models.NewRefundResponse(refund))
}

func (h *Handler) ListRefundsHandler(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	refunds, err := h.refunds.ListByTransaction(r.Context(), merchantFrom(r.Context()).ID, ref)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	out := make([]models.RefundResponse, 0, len(refunds))
	for i := range refunds {
		out = append(out, models.NewRefundResponse(&refunds[i]))
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) GetRefundHandler(w http.ResponseWriter, r *http.Request) {
	txRef, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	refundRef, ok := pathUUID(w, r, "refundId")
	if !ok {
		return
	}
	refund, err := h.refunds.Get(r.Context(), merchantFrom(r.Context()).ID, refundRef)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	// A refund is only addressable under its own transaction.
	if refund.TransactionRef != txRef {
		h.respondWithServiceError(w, r, domain.ErrRefundNotFound)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewRefundResponse(refund))
}

func (h *Handler) DailySummaryHandler(w http.ResponseWriter, r *http.Request) {
	start, end, ok := dateParams(w, r)
	if !ok {
		return
	}
	days, err := h.reports.DailySummary(r.Context(), merchantFrom(r.Context()).ID, start, end)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	if days == nil {
		days = []models.DailySummaryResponse{}
	}
	respondWithJSON(w, http.StatusOK, days)
}

func (h *Handler) RevenueHandler(w http.ResponseWriter, r *http.Request) {
	start, end, ok := dateParams(w, r)
	if !ok {
		return
	}
	report, err := h.reports.Revenue(r.Context(), merchantFrom(r.Context()).ID, start, end)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, codeValidation, fmt.Sprintf("%s must be a UUID", name))
		return uuid.Nil, false
	}
	return id, true
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// dateParams reads start_date and end_date as UTC days. Zero means unset.
func dateParams(w http.ResponseWriter, r *http.Request) (start, end time.Time, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"start_date", &start}, {"end_date", &end}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, codeValidation, fmt.Sprintf("%s must be formatted as YYYY-MM-DD", p.name))
			return time.Time{}, time.Time{}, false
		}
		*p.dst = t
	}
	return start, end, true
}
