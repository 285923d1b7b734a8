package extraction

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/ledongthuc/pdf"
)

// lineRe matches "<date> <description> <amount>[ CR|DR]".
var lineRe = regexp.MustCompile(`(?i)^\s*(\d{4}-\d{2}-\d{2}|\d{1,2}[-/]\d{1,2}[-/]\d{2,4}|\d{1,2} [A-Za-z]{3,9} \d{4})\s+(.+?)\s+(\(?-?[£$€]?\s?-?[\d,]*\d\.\d{2}\)?-?)\s*(CR|DR)?\s*$`)

// slashDateRe matches day-first statement dates written with slashes.
var slashDateRe = regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{2,4}$`)

// PDFTextBackend reads the text layer of digital PDFs and parses one
// transaction per matching row. Scanned PDFs and images yield an error.
type PDFTextBackend struct{}

// NewPDFTextBackend creates a PDFTextBackend.
func NewPDFTextBackend() *PDFTextBackend {
	return &PDFTextBackend{}
}

func (b *PDFTextBackend) Name() string { return "pdftext" }

// Extract implements Backend.
func (b *PDFTextBackend) Extract(ctx context.Context, doc Document) (items []domain.RawLineItem, err error) {
	if doc.ContentType != "" && doc.ContentType != "application/pdf" {
		return nil, &domain.ExtractionError{
			Code:    domain.ExtractionUnsupportedDocument,
			Message: fmt.Sprintf("content type %s has no text layer", doc.ContentType),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			items = nil
			err = &domain.ExtractionError{
				Code:    domain.ExtractionUnreadableOutput,
				Message: fmt.Sprintf("PDF reader panicked: %v", r),
			}
		}
	}()

	lines, err := pdfLines(ctx, doc.Data)
	if err != nil {
		return nil, err
	}

	text := strings.Join(lines, "\n")
	if strings.TrimSpace(text) == "" {
		return nil, &domain.ExtractionError{
			Code:    domain.ExtractionUnsupportedDocument,
			Message: "PDF has no text layer (scanned?)",
		}
	}

	return ParseStatementText(text), nil
}

func pdfLines(ctx context.Context, data []byte) ([]string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &domain.ExtractionError{
			Code:    domain.ExtractionUnreadableOutput,
			Message: "open PDF reader",
			Cause:   err,
		}
	}

	var lines []string
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return nil, &domain.ExtractionError{
				Code:    domain.ExtractionUnreadableOutput,
				Message: fmt.Sprintf("read text of page %d", i),
				Cause:   err,
			}
		}
		for _, row := range rows {
			var b strings.Builder
			for _, word := range row.Content {
				b.WriteString(word.S)
			}
			lines = append(lines, b.String())
		}
	}
	return lines, nil
}

// ParseStatementText extracts line items from plain statement text, one per
// matching line. Lines that do not look like transactions are skipped.
func ParseStatementText(text string) []domain.RawLineItem {
	var items []domain.RawLineItem
	for _, line := range strings.Split(text, "\n") {
		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		amount, err := ParseAmount(m[3])
		if err != nil {
			continue
		}

		// Statements print withdrawals unsigned and tag only credits.
		marker := strings.ToUpper(m[4])
		if marker == "" && !amount.IsNegative() {
			marker = "DR"
		}

		items = append(items, domain.RawLineItem{
			TextDate:    statementDate(m[1]),
			Amount:      amount,
			Description: strings.TrimSpace(m[2]),
			Marker:      marker,
		})
	}
	return items
}

// statementDate rewrites "dd/mm/yy[yy]" as "dd-mm-yy[yy]" so the normalizer
// reads it day first.
func statementDate(s string) string {
	if slashDateRe.MatchString(s) {
		return strings.ReplaceAll(s, "/", "-")
	}
	return s
}
