package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dvloznov/billscan/internal/api/middleware"
	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/intake"
	"github.com/dvloznov/billscan/internal/jobs/inmemory"
	"github.com/dvloznov/billscan/internal/pipeline"
	"github.com/dvloznov/billscan/internal/store/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIntake struct{}

func (stubIntake) Accept(ctx context.Context, up intake.Upload) (*domain.SourceDocument, error) {
	return nil, domain.NewValidationError(domain.CodeEmptyPayload, "empty upload")
}

func (stubIntake) MaxBytes() int64 { return 1 << 20 }

type stubProcessor struct{}

func (stubProcessor) Process(ctx context.Context, documentID string) (*pipeline.Summary, error) {
	return &pipeline.Summary{DocumentID: documentID}, nil
}

func (stubProcessor) Repredict(ctx context.Context, folder, filename string) (*pipeline.RepredictSummary, error) {
	return &pipeline.RepredictSummary{ModelVersion: "test"}, nil
}

func newTestRouter(authRequired bool) (http.Handler, *middleware.Authenticator) {
	auth := middleware.NewAuthenticator("test-secret")
	return NewRouter(Deps{
		Intake:        stubIntake{},
		Processor:     stubProcessor{},
		Repository:    memory.New(),
		JobStore:      inmemory.NewStore(),
		Authenticator: auth,
		AuthRequired:  authRequired,
		CORSOrigins:   []string{"https://app.example.com"},
		Log:           zerolog.Nop(),
	}), auth
}

func TestRouter_Routes(t *testing.T) {
	router, _ := newTestRouter(false)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/transactions", http.StatusOK},
		{http.MethodGet, "/api/transactions", http.StatusOK},
		{http.MethodGet, "/api/transactions/1/history", http.StatusNotFound},
		{http.MethodGet, "/api/categories", http.StatusOK},
		{http.MethodGet, "/api/documents", http.StatusOK},
		{http.MethodGet, "/api/documents/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/jobs", http.StatusOK},
		{http.MethodGet, "/api/jobs/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/session", http.StatusOK},
		{http.MethodGet, "/predict_file?filename=a.pdf", http.StatusOK},
		{http.MethodGet, "/predict_file", http.StatusBadRequest},
		{http.MethodPost, "/transactions", http.StatusMethodNotAllowed},
		{http.MethodGet, "/extract-bill-with-document-ai", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestRouter_RequiresSessionForMutations(t *testing.T) {
	router, auth := newTestRouter(true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict_file?filename=a.pdf", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	token, err := auth.Issue("user-1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/predict_file?filename=a.pdf", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var session middleware.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, middleware.SessionAuthenticated, session.State)
	assert.Equal(t, "user-1", session.Subject)
}

func TestRouter_CORSPreflight(t *testing.T) {
	router, _ := newTestRouter(false)

	req := httptest.NewRequest(http.MethodOptions, "/transactions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_WithoutJobStore(t *testing.T) {
	router := NewRouter(Deps{
		Intake:     stubIntake{},
		Processor:  stubProcessor{},
		Repository: memory.New(),
		Log:        zerolog.Nop(),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
