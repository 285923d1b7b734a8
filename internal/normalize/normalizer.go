package normalize

import (
	"strings"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Normalizer turns raw extracted rows into transactions.
type Normalizer struct{}

// New creates a Normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Result is the outcome of normalizing every row of one document.
type Result struct {
	Transactions []domain.Transaction
	Rejected     []error
	Duplicates   int
}

// Normalize cleans one row. The returned transaction has no ID and no
// category yet. A row with an unrecognized direction marker, or with
// neither an amount nor a description, is a ValidationError.
func (n *Normalizer) Normalize(item domain.RawLineItem) (domain.Transaction, error) {
	description := CleanDescription(item.Description)

	marker := domain.Direction("")
	if strings.TrimSpace(item.Marker) != "" {
		d, ok := domain.ParseDirection(item.Marker)
		if !ok {
			return domain.Transaction{}, domain.NewValidationError(domain.CodeMalformedRow,
				"unrecognized direction marker %q", item.Marker)
		}
		marker = d
	}

	if description == "" && item.Amount.IsZero() {
		return domain.Transaction{}, domain.NewValidationError(domain.CodeMalformedRow,
			"row has neither amount nor description")
	}

	amount, direction := ResolveAmount(item.Amount, marker)

	return domain.Transaction{
		Date:              ParseDate(item.TextDate),
		RawDate:           strings.TrimSpace(item.TextDate),
		Amount:            amount,
		Direction:         direction,
		Description:       description,
		PredictedCategory: domain.CategoryUnknown,
	}, nil
}

// NormalizeAll normalizes the rows of one document, dropping rows that repeat
// an earlier (date, amount, description). Rejected rows are reported but do
// not stop the batch.
func (n *Normalizer) NormalizeAll(documentID string, items []domain.RawLineItem) Result {
	var res Result
	seen := make(map[string]struct{}, len(items))

	for _, item := range items {
		tx, err := n.Normalize(item)
		if err != nil {
			res.Rejected = append(res.Rejected, err)
			continue
		}

		key := dedupKey(tx)
		if _, dup := seen[key]; dup {
			res.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		tx.SourceDocumentID = documentID
		res.Transactions = append(res.Transactions, tx)
	}

	return res
}

// ResolveAmount returns the magnitude and direction of a raw amount. An
// explicit marker wins over the sign; without one, negative amounts are debits.
func ResolveAmount(raw decimal.Decimal, marker domain.Direction) (decimal.Decimal, domain.Direction) {
	magnitude := raw.Abs()
	if marker.Valid() {
		return magnitude, marker
	}
	if raw.IsNegative() {
		return magnitude, domain.DirectionDebit
	}
	if raw.IsZero() {
		return magnitude, domain.DirectionDebit
	}
	return magnitude, domain.DirectionCredit
}

// CleanDescription applies NFKC and collapses runs of whitespace.
func CleanDescription(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// dedupKey identifies a row within a document. Unparseable dates are keyed
// by their raw text so distinct garbage is not merged.
func dedupKey(tx domain.Transaction) string {
	date := tx.Date.ISO()
	if !tx.Date.Valid() {
		date = "invalid:" + tx.RawDate
	}
	return date + "|" + tx.Amount.String() + "|" + tx.Description
}
