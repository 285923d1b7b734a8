package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/intake"
	"github.com/dvloznov/billscan/internal/jobs"
	"github.com/dvloznov/billscan/internal/jobs/inmemory"
	"github.com/dvloznov/billscan/internal/pipeline"
	"github.com/dvloznov/billscan/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockIntake stores whatever it is given in a memory store.
type MockIntake struct {
	docs     *memory.Store
	maxBytes int64
	uploads  []intake.Upload
	body     []byte
	err      error
}

func (m *MockIntake) Accept(ctx context.Context, up intake.Upload) (*domain.SourceDocument, error) {
	if m.err != nil {
		return nil, m.err
	}
	body, err := io.ReadAll(up.Body)
	if err != nil {
		return nil, err
	}
	m.body = body
	m.uploads = append(m.uploads, up)
	doc := &domain.SourceDocument{
		ID:          "doc-1",
		Filename:    up.Filename,
		Folder:      up.Folder,
		ContentType: up.ContentType,
		Status:      domain.DocumentReceived,
	}
	if err := m.docs.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (m *MockIntake) MaxBytes() int64 { return m.maxBytes }

// MockProcessor returns canned results.
type MockProcessor struct {
	processed  []string
	processErr error
	repredict  *pipeline.RepredictSummary
	repredErr  error
	lastFolder string
}

func (m *MockProcessor) Process(ctx context.Context, documentID string) (*pipeline.Summary, error) {
	m.processed = append(m.processed, documentID)
	if m.processErr != nil {
		return nil, m.processErr
	}
	return &pipeline.Summary{
		DocumentID:   documentID,
		Status:       domain.DocumentExtracted,
		Transactions: []domain.Transaction{},
	}, nil
}

func (m *MockProcessor) Repredict(ctx context.Context, folder, filename string) (*pipeline.RepredictSummary, error) {
	m.lastFolder = folder
	return m.repredict, m.repredErr
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{`form-data; name="` + field + `"; filename="` + filename + `"`}
		if contentType != "" {
			header["Content-Type"] = []string{contentType}
		}
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestExtractBill_ProcessesUpload(t *testing.T) {
	docs := memory.New()
	in := &MockIntake{docs: docs, maxBytes: 1 << 20}
	proc := &MockProcessor{}
	h := NewDocumentsHandler(in, proc, docs, nil)

	body, ct := multipartBody(t, "file", "bill.pdf", "application/pdf", []byte("%PDF-1.4"), map[string]string{"folder": "march"})
	req := httptest.NewRequest(http.MethodPost, "/extract-bill-with-document-ai", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	h.ExtractBill(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"doc-1"}, proc.processed)
	require.Len(t, in.uploads, 1)
	assert.Equal(t, "bill.pdf", in.uploads[0].Filename)
	assert.Equal(t, "march", in.uploads[0].Folder)
	assert.Equal(t, "application/pdf", in.uploads[0].ContentType)
	assert.Equal(t, []byte("%PDF-1.4"), in.body)

	var summary pipeline.Summary
	decode(t, rec, &summary)
	assert.Equal(t, "doc-1", summary.DocumentID)
	assert.Equal(t, domain.DocumentExtracted, summary.Status)
}

func TestExtractBill_Errors(t *testing.T) {
	tests := []struct {
		name       string
		intakeErr  error
		processErr error
		noFile     bool
		plainBody  bool
		wantStatus int
	}{
		{
			name:       "not multipart",
			plainBody:  true,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "no file part",
			noFile:     true,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unsupported type",
			intakeErr:  domain.NewValidationError(domain.CodeUnsupportedContentType, "unsupported content type %q", "text/plain"),
			wantStatus: http.StatusUnsupportedMediaType,
		},
		{
			name:       "too large",
			intakeErr:  domain.NewValidationError(domain.CodeTooLarge, "document exceeds %d bytes", 10),
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:       "extraction failure",
			processErr: &domain.ExtractionError{Code: domain.ExtractionUnreadableOutput, Message: "no text", Backend: "pdftext"},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "store failure",
			processErr: &domain.StoreError{Op: "append batch", Cause: errors.New("disk full")},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := memory.New()
			in := &MockIntake{docs: docs, maxBytes: 1 << 20, err: tt.intakeErr}
			h := NewDocumentsHandler(in, &MockProcessor{processErr: tt.processErr}, docs, nil)

			var req *http.Request
			if tt.plainBody {
				req = httptest.NewRequest(http.MethodPost, "/extract-bill-with-document-ai", bytes.NewBufferString("hello"))
				req.Header.Set("Content-Type", "text/plain")
			} else {
				filename := "bill.pdf"
				if tt.noFile {
					filename = ""
				}
				body, ct := multipartBody(t, "file", filename, "application/pdf", []byte("%PDF-1.4"), nil)
				req = httptest.NewRequest(http.MethodPost, "/extract-bill-with-document-ai", body)
				req.Header.Set("Content-Type", ct)
			}
			rec := httptest.NewRecorder()

			h.ExtractBill(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "disk full")
			}
		})
	}
}

func TestExtractBill_BodyOverLimit(t *testing.T) {
	docs := memory.New()
	in := &MockIntake{docs: docs, maxBytes: 16}
	h := NewDocumentsHandler(in, &MockProcessor{}, docs, nil)

	body, ct := multipartBody(t, "file", "bill.pdf", "application/pdf", bytes.Repeat([]byte("x"), multipartOverhead+64), nil)
	req := httptest.NewRequest(http.MethodPost, "/extract-bill-with-document-ai", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	h.ExtractBill(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUpload_EnqueuesJob(t *testing.T) {
	docs := memory.New()
	jobStore := inmemory.NewStore()
	queue := inmemory.NewQueue(10, 1, jobStore)
	t.Cleanup(func() { _ = queue.Close() })

	h := NewDocumentsHandler(&MockIntake{docs: docs, maxBytes: 1 << 20}, &MockProcessor{}, docs, queue)

	body, ct := multipartBody(t, "file", "receipt.png", "", []byte("png"), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	h.Upload(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "doc-1", resp["document_id"])
	assert.Equal(t, string(jobs.JobStatusPending), resp["status"])

	job, err := jobStore.GetJob(context.Background(), resp["job_id"])
	require.NoError(t, err)
	assert.Equal(t, "doc-1", job.DocumentID)
}

func TestUpload_WithoutPublisher(t *testing.T) {
	docs := memory.New()
	h := NewDocumentsHandler(&MockIntake{docs: docs}, &MockProcessor{}, docs, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/documents", nil)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDeclaredType(t *testing.T) {
	assert.Equal(t, "image/jpeg", declaredType("image/jpeg", "x.pdf"))
	assert.Equal(t, "application/pdf", declaredType("", "statement.PDF"))
	assert.Equal(t, "image/png", declaredType("application/octet-stream", "scan.png"))
	assert.Equal(t, "", declaredType("", "noext"))
}

func TestDocuments_ListAndGet(t *testing.T) {
	ctx := context.Background()
	docs := memory.New()
	require.NoError(t, docs.CreateDocument(ctx, &domain.SourceDocument{ID: "a", Filename: "a.pdf", Folder: "uploads", Status: domain.DocumentReceived}))
	require.NoError(t, docs.CreateDocument(ctx, &domain.SourceDocument{ID: "b", Filename: "b.pdf", Folder: "uploads", Status: domain.DocumentReceived}))
	require.NoError(t, docs.UpdateDocumentStatus(ctx, "b", domain.DocumentFailed, "boom"))

	h := NewDocumentsHandler(&MockIntake{docs: docs}, &MockProcessor{}, docs, nil)

	rec := httptest.NewRecorder()
	h.ListDocuments(rec, httptest.NewRequest(http.MethodGet, "/api/documents?status=failed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Documents []domain.SourceDocument `json:"documents"`
		Count     int                     `json:"count"`
	}
	decode(t, rec, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "b", list.Documents[0].ID)
	assert.Equal(t, "boom", list.Documents[0].Error)

	rec = httptest.NewRecorder()
	h.ListDocuments(rec, httptest.NewRequest(http.MethodGet, "/api/documents?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/documents/a", nil)
	req.SetPathValue("id", "a")
	rec = httptest.NewRecorder()
	h.GetDocument(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/documents/missing", nil)
	req.SetPathValue("id", "missing")
	rec = httptest.NewRecorder()
	h.GetDocument(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func seedTransactions(t *testing.T, repo *memory.Store) []domain.Transaction {
	t.Helper()
	mustDate := func(s string) domain.Date {
		d, err := civil.ParseDate(s)
		require.NoError(t, err)
		return domain.ParsedDate(d)
	}
	saved, err := repo.AppendBatch(context.Background(), []domain.Transaction{
		{Date: mustDate("2024-03-01"), Amount: decimal.RequireFromString("12.50"), Direction: domain.DirectionDebit, Description: "TESCO STORES", PredictedCategory: domain.CategoryInventory, SourceDocumentID: "doc-1"},
		{Date: mustDate("2024-03-05"), Amount: decimal.RequireFromString("2500"), Direction: domain.DirectionCredit, Description: "SALARY ACME", PredictedCategory: domain.CategoryCashInflow, SourceDocumentID: "doc-1"},
		{Date: domain.InvalidDate(), RawDate: "??", Amount: decimal.RequireFromString("3"), Direction: domain.DirectionDebit, Description: "SMUDGED", PredictedCategory: domain.CategoryUnknown, SourceDocumentID: "doc-2"},
	})
	require.NoError(t, err)
	return saved
}

func TestTransactions_ListAll(t *testing.T) {
	repo := memory.New()
	seedTransactions(t, repo)
	h := NewTransactionsHandler(repo)

	rec := httptest.NewRecorder()
	h.ListAll(rec, httptest.NewRequest(http.MethodGet, "/transactions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []map[string]interface{}
	decode(t, rec, &rows)
	require.Len(t, rows, 3)
	assert.Equal(t, "SALARY ACME", rows[0]["description"])
	assert.Equal(t, "3/5/2024", rows[0]["date"])
	assert.Equal(t, "credit", rows[0]["type"])
	assert.Equal(t, "cash-inflow", rows[0]["Predicted Category"])
	assert.Equal(t, "SMUDGED", rows[2]["description"])
}

func TestTransactions_ListEmptyIsArray(t *testing.T) {
	h := NewTransactionsHandler(memory.New())

	rec := httptest.NewRecorder()
	h.ListAll(rec, httptest.NewRequest(http.MethodGet, "/transactions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestTransactions_ListFiltered(t *testing.T) {
	repo := memory.New()
	seedTransactions(t, repo)
	h := NewTransactionsHandler(repo)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCount  int
	}{
		{name: "all", query: "", wantStatus: http.StatusOK, wantCount: 3},
		{name: "debits", query: "?direction=debit", wantStatus: http.StatusOK, wantCount: 2},
		{name: "range excludes invalid dates", query: "?from=2024-03-01&to=2024-03-31", wantStatus: http.StatusOK, wantCount: 2},
		{name: "document", query: "?document_id=doc-2", wantStatus: http.StatusOK, wantCount: 1},
		{name: "paged", query: "?limit=1&offset=1", wantStatus: http.StatusOK, wantCount: 1},
		{name: "bad direction", query: "?direction=sideways", wantStatus: http.StatusBadRequest},
		{name: "bad date", query: "?from=03/01/2024", wantStatus: http.StatusBadRequest},
		{name: "inverted range", query: "?from=2024-04-01&to=2024-03-01", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ListTransactions(rec, httptest.NewRequest(http.MethodGet, "/api/transactions"+tt.query, nil))
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp struct {
				Count int `json:"count"`
			}
			decode(t, rec, &resp)
			assert.Equal(t, tt.wantCount, resp.Count)
		})
	}
}

func TestTransactions_History(t *testing.T) {
	repo := memory.New()
	saved := seedTransactions(t, repo)
	ctx := context.Background()

	_, err := repo.Recategorize(ctx, saved[0].ID, domain.CategoryMiscExpense, 0.8, "repredict:v2")
	require.NoError(t, err)

	h := NewTransactionsHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetPathValue("id", strconv.FormatInt(saved[0].ID, 10))
	rec := httptest.NewRecorder()
	h.History(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		History []domain.CategoryChange `json:"history"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.History, 1)
	assert.Equal(t, domain.CategoryInventory, resp.History[0].Previous)
	assert.Equal(t, domain.CategoryMiscExpense, resp.History[0].New)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetPathValue("id", "999")
	rec = httptest.NewRecorder()
	h.History(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetPathValue("id", "abc")
	rec = httptest.NewRecorder()
	h.History(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictFile(t *testing.T) {
	t.Run("requires filename", func(t *testing.T) {
		h := NewPredictHandler(&MockProcessor{})
		rec := httptest.NewRecorder()
		h.PredictFile(rec, httptest.NewRequest(http.MethodGet, "/predict_file", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("defaults folder", func(t *testing.T) {
		proc := &MockProcessor{repredict: &pipeline.RepredictSummary{Documents: 1, Transactions: 4, Changed: 2, ModelVersion: "v2"}}
		h := NewPredictHandler(proc)
		rec := httptest.NewRecorder()
		h.PredictFile(rec, httptest.NewRequest(http.MethodGet, "/predict_file?filename=march.pdf", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, intake.DefaultFolder, proc.lastFolder)

		var summary pipeline.RepredictSummary
		decode(t, rec, &summary)
		assert.Equal(t, 2, summary.Changed)
	})

	t.Run("unknown batch", func(t *testing.T) {
		proc := &MockProcessor{repredErr: domain.ErrNotFound}
		h := NewPredictHandler(proc)
		rec := httptest.NewRecorder()
		h.PredictFile(rec, httptest.NewRequest(http.MethodGet, "/predict_file?filename=nope.pdf&folder=x", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "x", proc.lastFolder)
	})
}

func TestCategories(t *testing.T) {
	rec := httptest.NewRecorder()
	NewCategoriesHandler().ListCategories(rec, httptest.NewRequest(http.MethodGet, "/api/categories", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Categories []domain.Category `json:"categories"`
	}
	decode(t, rec, &resp)
	assert.Contains(t, resp.Categories, domain.CategoryUnknown)
	assert.Contains(t, resp.Categories, domain.CategoryTravel)
}

func TestJobs(t *testing.T) {
	ctx := context.Background()
	store := inmemory.NewStore()
	require.NoError(t, store.SaveJob(ctx, &jobs.ProcessDocumentJob{JobID: "j1", DocumentID: "doc-1", Status: jobs.JobStatusCompleted}))
	require.NoError(t, store.SaveJob(ctx, &jobs.ProcessDocumentJob{JobID: "j2", DocumentID: "doc-2", Status: jobs.JobStatusFailed}))
	h := NewJobsHandler(store)

	rec := httptest.NewRecorder()
	h.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?status=failed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs  []jobs.ProcessDocumentJob `json:"jobs"`
		Count int                       `json:"count"`
	}
	decode(t, rec, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "j2", list.Jobs[0].JobID)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/j1", nil)
	req.SetPathValue("id", "j1")
	rec = httptest.NewRecorder()
	h.GetJob(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil)
	req.SetPathValue("id", "nope")
	rec = httptest.NewRecorder()
	h.GetJob(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
