package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/billscan/internal/api/middleware"
	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/logger"
	"github.com/dvloznov/billscan/internal/store"
)

// TransactionsHandler handles transaction-related endpoints.
type TransactionsHandler struct {
	repo store.TransactionRepository
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(repo store.TransactionRepository) *TransactionsHandler {
	return &TransactionsHandler{repo: repo}
}

// ListAll handles GET /transactions: a bare JSON array, newest first.
func (h *TransactionsHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	txs, ok := h.list(w, r)
	if !ok {
		return
	}
	middleware.WriteJSON(w, http.StatusOK, txs)
}

// ListTransactions handles GET /api/transactions
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, ok := h.list(w, r)
	if !ok {
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

func (h *TransactionsHandler) list(w http.ResponseWriter, r *http.Request) ([]domain.Transaction, bool) {
	ctx := r.Context()

	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	txs, err := h.repo.ListTransactions(ctx, filter)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to list transactions")
		middleware.WriteDomainError(w, err)
		return nil, false
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	return txs, true
}

// History handles GET /api/transactions/{id}/history
func (h *TransactionsHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	changes, err := h.repo.CategoryHistory(r.Context(), id)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	if changes == nil {
		changes = []domain.CategoryChange{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": id,
		"history":        changes,
	})
}

// parseFilter reads direction, from, to (YYYY-MM-DD), document_id, limit
// and offset.
func parseFilter(query url.Values) (store.Filter, error) {
	var filter store.Filter

	if d := query.Get("direction"); d != "" {
		dir := domain.Direction(d)
		if !dir.Valid() {
			return filter, errors.New("direction must be debit or credit")
		}
		filter.Direction = dir
	}

	for _, p := range []struct {
		key  string
		dest **civil.Date
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := query.Get(p.key)
		if raw == "" {
			continue
		}
		d, err := civil.ParseDate(raw)
		if err != nil {
			return filter, errors.New("invalid " + p.key + " date, expected YYYY-MM-DD")
		}
		*p.dest = &d
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return filter, errors.New("to must not be before from")
	}

	filter.DocumentID = query.Get("document_id")

	var err error
	if filter.Limit, filter.Offset, err = parsePaging(query.Get("limit"), query.Get("offset")); err != nil {
		return filter, err
	}
	return filter, nil
}
