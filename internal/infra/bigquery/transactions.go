package bigquery

import (
	"math/big"
	"strconv"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/billscan/internal/domain"
)

// TransactionRow is one exported transaction in <dataset>.transactions.
type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	DocumentID    string `bigquery:"document_id"`    // REQUIRED

	TransactionDate bigquery.NullDate `bigquery:"transaction_date"` // NULL when the source date was unreadable
	RawDate         string            `bigquery:"raw_date"`

	Amount    *big.Rat `bigquery:"amount"`    // REQUIRED NUMERIC, non-negative
	Direction string   `bigquery:"direction"` // debit | credit

	Description string `bigquery:"description"`

	PredictedCategory  string  `bigquery:"predicted_category"`
	CategoryConfidence float64 `bigquery:"category_confidence"`

	SourceFilename string `bigquery:"source_filename"`
	SourceFolder   string `bigquery:"source_folder"`

	CreatedTS  time.Time `bigquery:"created_ts"`
	ExportedTS time.Time `bigquery:"exported_ts"`
}

// NewTransactionRow maps a stored transaction to its export row.
func NewTransactionRow(doc *domain.SourceDocument, tx domain.Transaction, exportedAt time.Time) *TransactionRow {
	row := &TransactionRow{
		TransactionID:      strconv.FormatInt(tx.ID, 10),
		DocumentID:         tx.SourceDocumentID,
		RawDate:            tx.RawDate,
		Amount:             tx.Amount.Rat(),
		Direction:          string(tx.Direction),
		Description:        tx.Description,
		PredictedCategory:  string(tx.PredictedCategory),
		CategoryConfidence: tx.CategoryConfidence,
		CreatedTS:          tx.CreatedAt,
		ExportedTS:         exportedAt,
	}
	if d, ok := tx.Date.Civil(); ok {
		row.TransactionDate = bigquery.NullDate{Date: d, Valid: true}
	}
	if doc != nil {
		row.SourceFilename = doc.Filename
		row.SourceFolder = doc.Folder
		if row.DocumentID == "" {
			row.DocumentID = doc.ID
		}
	}
	return row
}
