package predict

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/rs/zerolog"
)

const (
	DefaultThreshold = 0.5
	DefaultTimeout   = 5 * time.Second
)

// Outcome is the result of predicting one transaction. A degraded outcome
// always carries the unknown label and the reason the classifier failed.
type Outcome struct {
	Label      domain.Category
	Confidence float64
	Degraded   bool
	Reason     string
}

// Options configures a Predictor.
type Options struct {
	Threshold float64
	Timeout   time.Duration
	Log       zerolog.Logger
}

// Predictor applies the confidence policy around a Classifier.
type Predictor struct {
	classifier Classifier
	threshold  float64
	timeout    time.Duration
	log        zerolog.Logger
}

// New creates a Predictor. Zero options fall back to the defaults.
func New(classifier Classifier, opts Options) *Predictor {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Predictor{
		classifier: classifier,
		threshold:  opts.Threshold,
		timeout:    opts.Timeout,
		log:        opts.Log,
	}
}

// ModelVersion returns the classifier's version, if it reports one.
func (p *Predictor) ModelVersion() string {
	if v, ok := p.classifier.(interface{ Version() string }); ok {
		return v.Version()
	}
	return "unversioned"
}

// Predict labels a transaction. Empty descriptions and low-confidence
// results are unknown. Classifier failures and timeouts degrade to unknown
// instead of returning an error.
func (p *Predictor) Predict(ctx context.Context, tx domain.Transaction) Outcome {
	text := strings.TrimSpace(tx.Description)
	if text == "" {
		return Outcome{Label: domain.CategoryUnknown}
	}

	label, confidence, err := p.classify(ctx, text)
	if err != nil {
		reason := err.Error()
		var cErr *domain.ClassificationError
		if errors.As(err, &cErr) {
			reason = cErr.Reason
		}
		p.log.Warn().
			Err(err).
			Int64("transaction_id", tx.ID).
			Str("document_id", tx.SourceDocumentID).
			Msg("Classification degraded to unknown")
		return Outcome{Label: domain.CategoryUnknown, Degraded: true, Reason: reason}
	}

	if confidence < p.threshold || label == "" {
		return Outcome{Label: domain.CategoryUnknown, Confidence: confidence}
	}
	return Outcome{Label: label, Confidence: confidence}
}

type classifyResult struct {
	label      domain.Category
	confidence float64
	err        error
}

// classify bounds the classifier call, including classifiers that ignore ctx.
func (p *Predictor) classify(ctx context.Context, text string) (domain.Category, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan classifyResult, 1)
	go func() {
		label, confidence, err := p.classifier.Classify(ctx, text)
		done <- classifyResult{label: label, confidence: confidence, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			var cErr *domain.ClassificationError
			if errors.As(r.err, &cErr) {
				return "", 0, r.err
			}
			return "", 0, &domain.ClassificationError{Reason: "classifier unavailable", Cause: r.err}
		}
		if _, ok := domain.ParseCategory(string(r.label)); !ok {
			return "", 0, &domain.ClassificationError{Reason: "label outside category set: " + string(r.label)}
		}
		return r.label, r.confidence, nil
	case <-ctx.Done():
		return "", 0, &domain.ClassificationError{Reason: "timeout", Cause: ctx.Err()}
	}
}
