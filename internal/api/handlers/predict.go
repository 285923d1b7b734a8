package handlers

import (
	"net/http"

	"github.com/dvloznov/billscan/internal/api/middleware"
	"github.com/dvloznov/billscan/internal/intake"
	"github.com/dvloznov/billscan/internal/logger"
)

// PredictHandler handles re-prediction of uploaded batches.
type PredictHandler struct {
	processor Processor
}

// NewPredictHandler creates a new predict handler.
func NewPredictHandler(processor Processor) *PredictHandler {
	return &PredictHandler{processor: processor}
}

// PredictFile handles GET /predict_file?filename=...&folder=...
func (h *PredictHandler) PredictFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	filename := query.Get("filename")
	if filename == "" {
		middleware.WriteError(w, http.StatusBadRequest, "filename is required")
		return
	}
	folder := query.Get("folder")
	if folder == "" {
		folder = intake.DefaultFolder
	}

	summary, err := h.processor.Repredict(ctx, folder, filename)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("folder", folder).Str("filename", filename).Msg("Re-prediction failed")
		middleware.WriteDomainError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, summary)
}
