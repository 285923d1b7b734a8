package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/extraction"
)

// PipelineStep represents a single stage of document processing.
type PipelineStep interface {
	Name() string
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	DocumentID   string
	Document     *domain.SourceDocument
	Data         []byte
	LineItems    []domain.RawLineItem
	Transactions []domain.Transaction
	Summary      Summary
}

// LoadDocumentStep fetches the document record and its bytes. Only received
// documents are processed.
type LoadDocumentStep struct {
	p *Processor
}

func (s *LoadDocumentStep) Name() string { return "load" }

func (s *LoadDocumentStep) Execute(ctx context.Context, state *PipelineState) error {
	doc, err := s.p.docs.GetDocument(ctx, state.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc.Status != domain.DocumentReceived {
		return fmt.Errorf("%w: document %s is %s", domain.ErrInvalidTransition, doc.ID, doc.Status)
	}
	state.Document = doc

	data, err := s.p.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		s.p.fail(ctx, doc.ID, fmt.Errorf("read document bytes: %w", err))
		return fmt.Errorf("read document bytes: %w", err)
	}
	state.Data = data
	return nil
}

// ExtractStep runs the extraction backend. Failure marks the document failed;
// success marks it extracted.
type ExtractStep struct {
	p *Processor
}

func (s *ExtractStep) Name() string { return "extract" }

func (s *ExtractStep) Execute(ctx context.Context, state *PipelineState) error {
	items, err := s.p.extractor.Extract(ctx, extraction.Document{
		ID:          state.Document.ID,
		ContentType: state.Document.ContentType,
		Data:        state.Data,
	})
	if err != nil {
		s.p.fail(ctx, state.Document.ID, err)
		return err
	}
	state.LineItems = items
	state.Data = nil

	if err := s.p.transition(ctx, state.Document.ID, domain.DocumentExtracted, ""); err != nil {
		return err
	}
	state.Summary.Status = domain.DocumentExtracted
	state.Summary.LineItems = len(items)
	return nil
}

// NormalizeStep parses dates and amounts and drops duplicate rows. Rejected
// rows are counted, not fatal.
type NormalizeStep struct {
	p *Processor
}

func (s *NormalizeStep) Name() string { return "normalize" }

func (s *NormalizeStep) Execute(ctx context.Context, state *PipelineState) error {
	res := s.p.normalizer.NormalizeAll(state.Document.ID, state.LineItems)
	for _, rejected := range res.Rejected {
		s.p.log.Warn().Err(rejected).Str("document_id", state.Document.ID).Msg("Line item rejected")
	}
	state.Transactions = res.Transactions
	state.Summary.Duplicates = res.Duplicates
	state.Summary.Rejected = len(res.Rejected)
	return nil
}

// PredictStep labels every transaction. It never fails the document.
type PredictStep struct {
	p *Processor
}

func (s *PredictStep) Name() string { return "predict" }

func (s *PredictStep) Execute(ctx context.Context, state *PipelineState) error {
	for i := range state.Transactions {
		out := s.p.predictor.Predict(ctx, state.Transactions[i])
		state.Transactions[i].PredictedCategory = out.Label
		state.Transactions[i].CategoryConfidence = out.Confidence
		if out.Degraded {
			state.Summary.Degraded++
		} else if out.Label == domain.CategoryUnknown {
			state.Summary.Unknown++
		}
	}
	return nil
}

// PersistStep appends the document's transactions as one batch. A store
// failure moves the document from extracted to failed.
type PersistStep struct {
	p *Processor
}

func (s *PersistStep) Name() string { return "persist" }

func (s *PersistStep) Execute(ctx context.Context, state *PipelineState) error {
	stored, err := s.p.txs.AppendBatch(ctx, state.Transactions)
	if err != nil {
		s.p.fail(ctx, state.Document.ID, err)
		return err
	}
	state.Transactions = stored
	state.Summary.Transactions = stored
	return nil
}

// ExportStep streams the stored batch to analytics. Errors are logged only.
type ExportStep struct {
	p *Processor
}

func (s *ExportStep) Name() string { return "export" }

func (s *ExportStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.p.exporter == nil || len(state.Transactions) == 0 {
		return nil
	}
	if err := s.p.exporter.ExportTransactions(ctx, state.Document, state.Transactions); err != nil {
		s.p.log.Error().Err(err).Str("document_id", state.Document.ID).Msg("Analytics export failed")
	}
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps sequentially and stops at the first error.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for _, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("%s step: %w", step.Name(), err)
		}
	}
	return nil
}
