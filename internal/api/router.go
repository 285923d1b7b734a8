// Package api wires the HTTP handlers and middleware into one http.Handler.
package api

import (
	"net/http"

	"github.com/dvloznov/billscan/internal/api/handlers"
	"github.com/dvloznov/billscan/internal/api/middleware"
	"github.com/dvloznov/billscan/internal/jobs"
	"github.com/dvloznov/billscan/internal/store"
	"github.com/rs/zerolog"
)

// Deps are the collaborators the routes need. Publisher and JobStore may be
// nil, in which case the asynchronous upload and job routes answer 503.
type Deps struct {
	Intake        handlers.Intake
	Processor     handlers.Processor
	Repository    store.Repository
	Publisher     jobs.Publisher
	JobStore      jobs.JobStore
	Authenticator *middleware.Authenticator
	AuthRequired  bool
	CORSOrigins   []string
	Log           zerolog.Logger
}

// NewRouter registers every route and applies the middleware chain.
func NewRouter(deps Deps) http.Handler {
	documents := handlers.NewDocumentsHandler(deps.Intake, deps.Processor, deps.Repository, deps.Publisher)
	transactions := handlers.NewTransactionsHandler(deps.Repository)
	predict := handlers.NewPredictHandler(deps.Processor)
	categories := handlers.NewCategoriesHandler()

	protect := middleware.RequireAuthenticated(deps.AuthRequired)
	guarded := func(h http.HandlerFunc) http.Handler {
		return protect(h)
	}

	mux := http.NewServeMux()

	// Client endpoints
	mux.Handle("POST /extract-bill-with-document-ai", guarded(documents.ExtractBill))
	mux.HandleFunc("GET /transactions", transactions.ListAll)
	mux.Handle("GET /predict_file", guarded(predict.PredictFile))

	// Documents
	mux.Handle("POST /api/documents", guarded(documents.Upload))
	mux.HandleFunc("GET /api/documents", documents.ListDocuments)
	mux.HandleFunc("GET /api/documents/{id}", documents.GetDocument)

	// Transactions
	mux.HandleFunc("GET /api/transactions", transactions.ListTransactions)
	mux.HandleFunc("GET /api/transactions/{id}/history", transactions.History)

	mux.HandleFunc("GET /api/categories", categories.ListCategories)

	// Jobs
	if deps.JobStore != nil {
		jobsHandler := handlers.NewJobsHandler(deps.JobStore)
		mux.HandleFunc("GET /api/jobs", jobsHandler.ListJobs)
		mux.HandleFunc("GET /api/jobs/{id}", jobsHandler.GetJob)
	} else {
		unavailable := func(w http.ResponseWriter, r *http.Request) {
			middleware.WriteError(w, http.StatusServiceUnavailable, "Job tracking is not enabled")
		}
		mux.HandleFunc("GET /api/jobs", unavailable)
		mux.HandleFunc("GET /api/jobs/{id}", unavailable)
	}

	mux.HandleFunc("GET /api/session", handlers.Session)
	mux.HandleFunc("GET /health", handlers.Health)

	mws := []func(http.Handler) http.Handler{
		middleware.Recovery(deps.Log),
		middleware.RequestID,
		middleware.Logger(deps.Log),
		middleware.CORS(deps.CORSOrigins),
	}
	if deps.Authenticator != nil {
		mws = append(mws, middleware.Sessions(deps.Authenticator, deps.Log))
	}

	return middleware.Chain(mux, mws...)
}
