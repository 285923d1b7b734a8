package predict

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/jbrukh/bayesian"
)

//go:embed training/examples.csv
var defaultTrainingData []byte

// Classifier assigns a label and a confidence in [0,1] to a description.
type Classifier interface {
	Classify(ctx context.Context, text string) (domain.Category, float64, error)
}

// Example is one labelled description used for training.
type Example struct {
	Label       domain.Category
	Description string
}

// LoadExamples reads "label,description" CSV rows. A header row is skipped.
// Labels outside the trained set are rejected.
func LoadExamples(r io.Reader) ([]Example, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 2
	reader.TrimLeadingSpace = true

	var examples []Example
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("LoadExamples: line %d: %w", line, err)
		}
		if line == 1 && strings.EqualFold(record[0], "label") {
			continue
		}

		label, ok := domain.ParseCategory(record[0])
		if !ok || label == domain.CategoryUnknown {
			return nil, fmt.Errorf("LoadExamples: line %d: unknown label %q", line, record[0])
		}
		examples = append(examples, Example{Label: label, Description: record[1]})
	}

	return examples, nil
}

// DefaultExamples returns the embedded training set.
func DefaultExamples() ([]Example, error) {
	return LoadExamples(strings.NewReader(string(defaultTrainingData)))
}

// BayesClassifier is a multinomial naive Bayes model over description tokens.
type BayesClassifier struct {
	mu      sync.Mutex
	model   *bayesian.Classifier
	classes []bayesian.Class
	version string
}

// NewBayesClassifier trains a model on the given examples. Every trained
// category needs at least one example.
func NewBayesClassifier(examples []Example) (*BayesClassifier, error) {
	categories := domain.TrainedCategories()
	classes := make([]bayesian.Class, len(categories))
	counts := make(map[domain.Category]int, len(categories))
	for i, c := range categories {
		classes[i] = bayesian.Class(c)
	}

	model := bayesian.NewClassifier(classes...)
	h := sha256.New()
	for _, ex := range examples {
		tokens := Tokenize(ex.Description)
		if len(tokens) == 0 {
			continue
		}
		model.Learn(tokens, bayesian.Class(ex.Label))
		counts[ex.Label]++
		fmt.Fprintf(h, "%s\x00%s\n", ex.Label, ex.Description)
	}

	for _, c := range categories {
		if counts[c] == 0 {
			return nil, fmt.Errorf("NewBayesClassifier: no training examples for %q", c)
		}
	}

	return &BayesClassifier{
		model:   model,
		classes: classes,
		version: "nb-" + hex.EncodeToString(h.Sum(nil))[:12],
	}, nil
}

// Version identifies the training data the model was built from.
func (c *BayesClassifier) Version() string {
	return c.version
}

// Classify returns the most likely category. Confidence is the softmax of
// the per-class log scores, so identical input always yields identical output.
func (c *BayesClassifier) Classify(ctx context.Context, text string) (domain.Category, float64, error) {
	if err := ctx.Err(); err != nil {
		return domain.CategoryUnknown, 0, err
	}

	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return domain.CategoryUnknown, 0, nil
	}

	c.mu.Lock()
	scores, best, _ := c.model.LogScores(tokens)
	c.mu.Unlock()

	probs := softmax(scores)
	if best < 0 || best >= len(probs) || math.IsNaN(probs[best]) {
		return domain.CategoryUnknown, 0, &domain.ClassificationError{Reason: "model produced no usable score"}
	}

	return domain.Category(c.classes[best]), probs[best], nil
}

func softmax(logScores []float64) []float64 {
	maxScore := math.Inf(-1)
	for _, s := range logScores {
		if s > maxScore {
			maxScore = s
		}
	}

	out := make([]float64, len(logScores))
	if math.IsInf(maxScore, -1) {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}

	var sum float64
	for i, s := range logScores {
		out[i] = math.Exp(s - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Tokenize lowercases text and splits it into words of two or more
// characters, dropping pure numbers.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 || isNumber(f) {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
