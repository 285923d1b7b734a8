// Package pipeline runs an accepted document through extraction,
// normalization, prediction and persistence, and re-predicts stored batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/logger"
	"github.com/dvloznov/billscan/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultRepredictConcurrency bounds classifier calls during re-prediction.
const DefaultRepredictConcurrency = 8

// Summary reports the outcome of processing one document.
type Summary struct {
	DocumentID   string                `json:"document_id"`
	Status       domain.DocumentStatus `json:"status"`
	LineItems    int                   `json:"line_items"`
	Duplicates   int                   `json:"duplicates"`
	Rejected     int                   `json:"rejected"`
	Unknown      int                   `json:"unknown"`
	Degraded     int                   `json:"degraded"`
	Transactions []domain.Transaction  `json:"transactions"`
}

// RepredictSummary reports the outcome of re-predicting a batch.
type RepredictSummary struct {
	Documents    int    `json:"documents"`
	Transactions int    `json:"transactions"`
	Changed      int    `json:"changed"`
	Unknown      int    `json:"unknown"`
	Degraded     int    `json:"degraded"`
	ModelVersion string `json:"model_version"`
}

// Deps are the collaborators of a Processor. Exporter may be nil.
type Deps struct {
	Documents    store.DocumentRepository
	Transactions store.TransactionRepository
	Blobs        BlobReader
	Extractor    Extractor
	Normalizer   Normalizer
	Predictor    Predictor
	Exporter     Exporter
	Log          zerolog.Logger

	// RepredictConcurrency defaults to DefaultRepredictConcurrency.
	RepredictConcurrency int
}

// Processor drives documents through the pipeline. Stages for one document
// run strictly in order; different documents may be processed concurrently.
type Processor struct {
	docs        store.DocumentRepository
	txs         store.TransactionRepository
	blobs       BlobReader
	extractor   Extractor
	normalizer  Normalizer
	predictor   Predictor
	exporter    Exporter
	log         zerolog.Logger
	concurrency int
	pipeline    *Pipeline
}

// NewProcessor wires a Processor.
func NewProcessor(deps Deps) *Processor {
	p := &Processor{
		docs:        deps.Documents,
		txs:         deps.Transactions,
		blobs:       deps.Blobs,
		extractor:   deps.Extractor,
		normalizer:  deps.Normalizer,
		predictor:   deps.Predictor,
		exporter:    deps.Exporter,
		log:         logger.Component(deps.Log, "pipeline"),
		concurrency: deps.RepredictConcurrency,
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultRepredictConcurrency
	}
	p.pipeline = NewPipeline(
		&LoadDocumentStep{p: p},
		&ExtractStep{p: p},
		&NormalizeStep{p: p},
		&PredictStep{p: p},
		&PersistStep{p: p},
		&ExportStep{p: p},
	)
	return p
}

// Process runs a received document to completion. Extraction and store
// errors mark the document failed and are returned; classification problems
// only degrade labels.
func (p *Processor) Process(ctx context.Context, documentID string) (*Summary, error) {
	start := time.Now()
	state := &PipelineState{
		DocumentID: documentID,
		Summary:    Summary{DocumentID: documentID, Status: domain.DocumentReceived},
	}

	if err := p.pipeline.Execute(ctx, state); err != nil {
		return nil, fmt.Errorf("Process: %w", err)
	}

	if state.Summary.Transactions == nil {
		state.Summary.Transactions = []domain.Transaction{}
	}

	p.log.Info().
		Str("document_id", documentID).
		Str("backend", p.extractor.BackendName()).
		Int("line_items", state.Summary.LineItems).
		Int("transactions", len(state.Summary.Transactions)).
		Int("duplicates", state.Summary.Duplicates).
		Int("rejected", state.Summary.Rejected).
		Int("degraded", state.Summary.Degraded).
		Dur("elapsed", time.Since(start)).
		Msg("Document processed")

	return &state.Summary, nil
}

// transition moves a document to a new status and logs it.
func (p *Processor) transition(ctx context.Context, documentID string, status domain.DocumentStatus, errMsg string) error {
	if err := p.docs.UpdateDocumentStatus(ctx, documentID, status, errMsg); err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	event := p.log.Info()
	if status == domain.DocumentFailed {
		event = p.log.Warn().Str("error", errMsg)
	}
	event.Str("document_id", documentID).Str("status", string(status)).Msg("Document status changed")
	return nil
}

// fail records cause on the document. It outlives a cancelled request so
// the document never stays in an intermediate state.
func (p *Processor) fail(ctx context.Context, documentID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := p.transition(ctx, documentID, domain.DocumentFailed, truncate(cause.Error(), 2000)); err != nil {
		p.log.Error().Err(err).Str("document_id", documentID).Msg("Failed to mark document failed")
	}
}

// Repredict re-labels every transaction of the documents uploaded as
// folder/filename. Only changed labels are written, each with an audit entry,
// so running it twice with the same model changes nothing the second time.
// Degraded predictions keep the existing label.
func (p *Processor) Repredict(ctx context.Context, folder, filename string) (*RepredictSummary, error) {
	docs, err := p.docs.ListDocuments(ctx, store.DocumentFilter{Folder: folder, Filename: filename})
	if err != nil {
		return nil, fmt.Errorf("Repredict: list documents: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("Repredict: batch %s/%s: %w", folder, filename, domain.ErrNotFound)
	}

	version := p.predictor.ModelVersion()
	reason := "repredict:" + version
	summary := &RepredictSummary{Documents: len(docs), ModelVersion: version}

	var batch []domain.Transaction
	for _, doc := range docs {
		txs, err := p.txs.ListTransactions(ctx, store.Filter{DocumentID: doc.ID})
		if err != nil {
			return nil, fmt.Errorf("Repredict: list transactions of %s: %w", doc.ID, err)
		}
		batch = append(batch, txs...)
	}
	summary.Transactions = len(batch)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, tx := range batch {
		tx := tx
		g.Go(func() error {
			out := p.predictor.Predict(gctx, tx)

			changed := false
			if !out.Degraded && out.Label != tx.PredictedCategory {
				var err error
				changed, err = p.txs.Recategorize(gctx, tx.ID, out.Label, out.Confidence, reason)
				if err != nil {
					return fmt.Errorf("recategorize %d: %w", tx.ID, err)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if changed {
				summary.Changed++
			}
			if out.Degraded {
				summary.Degraded++
			} else if out.Label == domain.CategoryUnknown {
				summary.Unknown++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("Repredict: %w", err)
	}

	p.log.Info().
		Str("folder", folder).
		Str("filename", filename).
		Int("documents", summary.Documents).
		Int("transactions", summary.Transactions).
		Int("changed", summary.Changed).
		Str("model_version", version).
		Msg("Batch re-predicted")

	return summary, nil
}

// IsDocumentFailure reports whether err came from a stage that marks the
// document failed (extraction or persistence) rather than from a missing or
// already-processed document.
func IsDocumentFailure(err error) bool {
	var extErr *domain.ExtractionError
	var storeErr *domain.StoreError
	return errors.As(err, &extErr) || errors.As(err, &storeErr)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
