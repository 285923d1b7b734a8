package extraction

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single backend call.
const DefaultTimeout = 60 * time.Second

// Document is the input to an extraction backend.
type Document struct {
	ID          string
	ContentType string
	Data        []byte
}

// Backend reads line items out of a document.
type Backend interface {
	Name() string
	Extract(ctx context.Context, doc Document) ([]domain.RawLineItem, error)
}

// Engine runs a Backend under a timeout and reports every failure as a
// *domain.ExtractionError. It never retries.
type Engine struct {
	backend Backend
	timeout time.Duration
	log     zerolog.Logger
}

// NewEngine creates an Engine. A non-positive timeout uses DefaultTimeout.
func NewEngine(backend Backend, timeout time.Duration, log zerolog.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{backend: backend, timeout: timeout, log: log}
}

// BackendName returns the name of the configured backend.
func (e *Engine) BackendName() string {
	return e.backend.Name()
}

type extractResult struct {
	items []domain.RawLineItem
	err   error
}

// Extract returns the raw line items of doc. Zero items is a success.
func (e *Engine) Extract(ctx context.Context, doc Document) ([]domain.RawLineItem, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan extractResult, 1)
	go func() {
		items, err := e.backend.Extract(ctx, doc)
		done <- extractResult{items: items, err: err}
	}()

	var res extractResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		err := e.classify(res.err)
		e.log.Error().
			Err(err).
			Str("document_id", doc.ID).
			Str("backend", e.backend.Name()).
			Dur("duration", time.Since(start)).
			Msg("Extraction failed")
		return nil, err
	}

	e.log.Info().
		Str("document_id", doc.ID).
		Str("backend", e.backend.Name()).
		Int("line_items", len(res.items)).
		Dur("duration", time.Since(start)).
		Msg("Extraction completed")

	return res.items, nil
}

func (e *Engine) classify(err error) *domain.ExtractionError {
	var extErr *domain.ExtractionError
	if errors.As(err, &extErr) {
		if extErr.Backend == "" {
			extErr.Backend = e.backend.Name()
		}
		return extErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ExtractionError{
			Code:    domain.ExtractionTimeout,
			Message: "backend did not answer within " + e.timeout.String(),
			Backend: e.backend.Name(),
			Cause:   err,
		}
	}
	return &domain.ExtractionError{
		Code:    domain.ExtractionBackendFailure,
		Message: "backend call failed",
		Backend: e.backend.Name(),
		Cause:   err,
	}
}
