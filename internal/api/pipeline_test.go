package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"testing"

	"github.com/dvloznov/billscan/internal/blobstore"
	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/extraction"
	"github.com/dvloznov/billscan/internal/intake"
	"github.com/dvloznov/billscan/internal/normalize"
	"github.com/dvloznov/billscan/internal/pipeline"
	"github.com/dvloznov/billscan/internal/predict"
	"github.com/dvloznov/billscan/internal/store"
	"github.com/dvloznov/billscan/internal/store/memory"
	"github.com/dvloznov/billscan/internal/store/sqlite"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var receiptPNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

// receiptBackend returns the same line items for every document.
type receiptBackend struct {
	items []domain.RawLineItem
}

func (b receiptBackend) Name() string { return "receipt" }

func (b receiptBackend) Extract(ctx context.Context, doc extraction.Document) ([]domain.RawLineItem, error) {
	return b.items, nil
}

func newPipelineRouter(t *testing.T, repo store.Repository, backend extraction.Backend) http.Handler {
	t.Helper()
	log := zerolog.Nop()

	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	examples, err := predict.DefaultExamples()
	require.NoError(t, err)
	classifier, err := predict.NewBayesClassifier(examples)
	require.NoError(t, err)

	processor := pipeline.NewProcessor(pipeline.Deps{
		Documents:    repo,
		Transactions: repo,
		Blobs:        blobs,
		Extractor:    extraction.NewEngine(backend, 0, log),
		Normalizer:   normalize.New(),
		Predictor:    predict.New(classifier, predict.Options{Log: log}),
		Log:          log,
	})

	return NewRouter(Deps{
		Intake:     intake.NewService(blobs, repo, 1<<20, log),
		Processor:  processor,
		Repository: repo,
		Log:        log,
	})
}

func receiptUpload(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="receipt.png"`)
	header.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(receiptPNG)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestRouter_ReceiptUploadToTransactions(t *testing.T) {
	backend := receiptBackend{items: []domain.RawLineItem{{
		TextDate:    "12-01-24",
		Amount:      decimal.RequireFromString("45.00"),
		Description: "Coffee Shop",
		Marker:      "debit",
	}}}

	repos := map[string]func(t *testing.T) store.Repository{
		"memory": func(t *testing.T) store.Repository { return memory.New() },
		"sqlite": func(t *testing.T) store.Repository {
			s, err := sqlite.Open(filepath.Join(t.TempDir(), "billscan.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, newRepo := range repos {
		t.Run(name, func(t *testing.T) {
			router := newPipelineRouter(t, newRepo(t), backend)

			body, contentType := receiptUpload(t)
			req := httptest.NewRequest(http.MethodPost, "/extract-bill-with-document-ai", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			rec = httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions", nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var txs []map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
			require.Len(t, txs, 1)

			tx := txs[0]
			assert.Equal(t, "debit", tx["type"])
			assert.Equal(t, "1/12/2024", tx["date"])
			assert.Equal(t, 45.0, tx["amount"])
			assert.Equal(t, "Coffee Shop", tx["description"])

			label, ok := tx["Predicted Category"].(string)
			require.True(t, ok, "missing Predicted Category in %v", tx)
			_, known := domain.ParseCategory(label)
			assert.True(t, known, "label %q", label)
		})
	}
}

func TestRouter_ExtractionFailureLeavesNoTransactions(t *testing.T) {
	repo := memory.New()
	router := newPipelineRouter(t, repo, failingBackend{})

	body, contentType := receiptUpload(t)
	req := httptest.NewRequest(http.MethodPost, "/extract-bill-with-document-ai", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	docs, err := repo.ListDocuments(context.Background(), store.DocumentFilter{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, domain.DocumentFailed, docs[0].Status)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions", nil))
	assert.JSONEq(t, `[]`, rec.Body.String())
}

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }

func (failingBackend) Extract(ctx context.Context, doc extraction.Document) ([]domain.RawLineItem, error) {
	return nil, &domain.ExtractionError{Code: domain.ExtractionBackendFailure, Message: "OCR backend down"}
}
