package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/shopspring/decimal"
	"google.golang.org/genai"
)

// ContentGenerator is the slice of the genai Models API the backend uses.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiBackend sends the document to Gemini and parses a strict JSON array
// of line items out of the answer.
type GeminiBackend struct {
	models ContentGenerator
	model  string
}

// NewGeminiBackend creates a genai client. An empty apiKey leaves credential
// discovery to the SDK (GOOGLE_API_KEY or Vertex AI environment).
func NewGeminiBackend(ctx context.Context, apiKey, model string) (*GeminiBackend, error) {
	cfg := &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
		cfg.Backend = genai.BackendGeminiAPI
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("NewGeminiBackend: create genai client: %w", err)
	}
	return NewGeminiBackendWithGenerator(client.Models, model), nil
}

// NewGeminiBackendWithGenerator builds a backend around an existing generator.
func NewGeminiBackendWithGenerator(models ContentGenerator, model string) *GeminiBackend {
	if model == "" {
		model = DefaultModelName
	}
	return &GeminiBackend{models: models, model: model}
}

func (b *GeminiBackend) Name() string { return "gemini" }

// Extract implements Backend.
func (b *GeminiBackend) Extract(ctx context.Context, doc Document) ([]domain.RawLineItem, error) {
	mimeType := doc.ContentType
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: buildExtractionPrompt()},
				{
					InlineData: &genai.Blob{
						MIMEType: mimeType,
						Data:     doc.Data,
					},
				},
			},
		},
	}

	resp, err := b.models.GenerateContent(ctx, b.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("GeminiBackend.Extract: generate content: %w", err)
	}

	rawText := resp.Text()
	if strings.TrimSpace(rawText) == "" {
		return nil, &domain.ExtractionError{
			Code:    domain.ExtractionUnreadableOutput,
			Message: "empty response from model",
		}
	}

	return parseLineItemsJSON(cleanModelJSON(rawText))
}

// parseLineItemsJSON decodes the model's array. Numbers are kept as
// json.Number so amounts convert to decimals without float rounding.
func parseLineItemsJSON(clean string) ([]domain.RawLineItem, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(clean)))
	dec.UseNumber()

	var parsed []interface{}
	if err := dec.Decode(&parsed); err != nil {
		return nil, &domain.ExtractionError{
			Code:    domain.ExtractionUnreadableOutput,
			Message: "model output is not a JSON array",
			Cause:   err,
		}
	}

	items := make([]domain.RawLineItem, 0, len(parsed))
	for i, el := range parsed {
		obj, ok := el.(map[string]interface{})
		if !ok {
			return nil, unreadable(fmt.Errorf("element %d is %T, want object", i, el))
		}

		date, err := getStringField(obj, "date")
		if err != nil {
			return nil, unreadable(fmt.Errorf("line %d: %w", i, err))
		}
		description, err := getStringField(obj, "description")
		if err != nil {
			return nil, unreadable(fmt.Errorf("line %d: %w", i, err))
		}
		amount, err := getDecimalField(obj, "amount")
		if err != nil {
			return nil, unreadable(fmt.Errorf("line %d: %w", i, err))
		}
		marker, err := getStringField(obj, "type")
		if err != nil {
			return nil, unreadable(fmt.Errorf("line %d: %w", i, err))
		}

		items = append(items, domain.RawLineItem{
			TextDate:    date,
			Amount:      amount,
			Description: description,
			Marker:      marker,
		})
	}

	return items, nil
}

func unreadable(err error) *domain.ExtractionError {
	return &domain.ExtractionError{
		Code:    domain.ExtractionUnreadableOutput,
		Message: "model output has an unexpected shape",
		Cause:   err,
	}
}

// getStringField returns "" for missing or null fields.
func getStringField(m map[string]interface{}, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), nil
	case json.Number:
		return val.String(), nil
	default:
		return "", fmt.Errorf("field %q has type %T, want string", key, v)
	}
}

// getDecimalField accepts numbers and numeric strings such as "$1,234.50".
func getDecimalField(m map[string]interface{}, key string) (decimal.Decimal, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return decimal.Zero, fmt.Errorf("missing required field %q", key)
	}
	switch val := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("field %q: %w", key, err)
		}
		return d, nil
	case string:
		return ParseAmount(val)
	default:
		return decimal.Zero, fmt.Errorf("field %q has type %T, want number", key, v)
	}
}

// ParseAmount reads a printed amount, ignoring currency symbols and
// thousands separators. A trailing minus or surrounding parentheses mark a
// negative value.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if strings.HasSuffix(s, "-") {
		negative = true
		s = strings.TrimSuffix(s, "-")
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == '-':
			negative = !negative
		}
	}

	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// cleanModelJSON strips Markdown fences and any text around the JSON array.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = strings.TrimSpace(s[idx+1:])
		} else {
			return s
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "["); start != -1 {
		if end := strings.LastIndex(s, "]"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}

	return s
}
