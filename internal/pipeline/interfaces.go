package pipeline

import (
	"context"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/extraction"
	"github.com/dvloznov/billscan/internal/normalize"
	"github.com/dvloznov/billscan/internal/predict"
)

// Extractor reads raw line items out of a stored document.
// *extraction.Engine is the production implementation.
type Extractor interface {
	Extract(ctx context.Context, doc extraction.Document) ([]domain.RawLineItem, error)
	BackendName() string
}

// Normalizer turns raw line items into deduplicated transactions.
type Normalizer interface {
	NormalizeAll(documentID string, items []domain.RawLineItem) normalize.Result
}

// Predictor labels transactions. *predict.Predictor never fails; problems
// come back as degraded outcomes.
type Predictor interface {
	Predict(ctx context.Context, tx domain.Transaction) predict.Outcome
	ModelVersion() string
}

// Exporter copies persisted transactions to an analytics sink.
type Exporter interface {
	ExportTransactions(ctx context.Context, doc *domain.SourceDocument, txs []domain.Transaction) error
}

// BlobReader fetches the raw bytes of an uploaded document.
type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}
