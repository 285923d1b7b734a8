package handlers

import (
	"net/http"
	"time"

	"github.com/dvloznov/billscan/internal/api/middleware"
	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/jobs"
)

// CategoriesHandler handles category-related endpoints.
type CategoriesHandler struct{}

// NewCategoriesHandler creates a new categories handler.
func NewCategoriesHandler() *CategoriesHandler {
	return &CategoriesHandler{}
}

// ListCategories handles GET /api/categories: the closed label set.
func (h *CategoriesHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	categories := domain.Categories()
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"categories": categories,
		"count":      len(categories),
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore) *JobsHandler {
	return &JobsHandler{store: store}
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	filter := jobs.JobFilter{
		DocumentID: query.Get("document_id"),
		Status:     jobs.JobStatus(query.Get("status")),
	}
	var err error
	if filter.Limit, filter.Offset, err = parsePaging(query.Get("limit"), query.Get("offset")); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobList, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	if jobList == nil {
		jobList = []*jobs.ProcessDocumentJob{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobList,
		"count": len(jobList),
	})
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// Session handles GET /api/session
func Session(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, middleware.SessionFromContext(r.Context()))
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}
