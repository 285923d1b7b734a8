package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction says whether money left the account (debit) or entered it (credit).
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// ParseDirection maps the markers found on statements and receipts to a
// Direction. Unrecognized markers report ok=false.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debit", "dr", "d", "out", "paid out", "withdrawal", "expense":
		return DirectionDebit, true
	case "credit", "cr", "c", "in", "paid in", "deposit", "income":
		return DirectionCredit, true
	}
	return "", false
}

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirectionDebit || d == DirectionCredit
}

// RawLineItem is one row as read by the extraction backend, before any
// cleaning. Marker holds the explicit debit/credit tag from the source row
// and is empty when the row carries none.
type RawLineItem struct {
	TextDate    string
	Amount      decimal.Decimal
	Description string
	Marker      string
}

// Transaction is a normalized, categorized line item. Amount is always a
// non-negative magnitude; the sign lives in Direction.
type Transaction struct {
	ID                 int64
	Date               Date
	RawDate            string
	Amount             decimal.Decimal
	Direction          Direction
	Description        string
	PredictedCategory  Category
	CategoryConfidence float64
	SourceDocumentID   string
	CreatedAt          time.Time
}

// transactionWire is the JSON shape served to clients. The "Predicted Category"
// key, including the space, is what the mobile client reads.
type transactionWire struct {
	ID                int64     `json:"id"`
	Type              Direction `json:"type"`
	Date              string    `json:"date"`
	Amount            float64   `json:"amount"`
	Description       string    `json:"description"`
	PredictedCategory Category  `json:"Predicted Category"`
	SourceDocumentID  string    `json:"source_document_id,omitempty"`
}

// MarshalJSON renders the transaction in the client wire format.
func (t Transaction) MarshalJSON() ([]byte, error) {
	category := t.PredictedCategory
	if category == "" {
		category = CategoryUnknown
	}
	return json.Marshal(transactionWire{
		ID:                t.ID,
		Type:              t.Direction,
		Date:              t.Date.String(),
		Amount:            t.Amount.InexactFloat64(),
		Description:       t.Description,
		PredictedCategory: category,
		SourceDocumentID:  t.SourceDocumentID,
	})
}

// CategoryChange is one audited rewrite of a transaction's predicted category.
type CategoryChange struct {
	ID            int64     `json:"id"`
	TransactionID int64     `json:"transaction_id"`
	Previous      Category  `json:"previous"`
	New           Category  `json:"new"`
	Reason        string    `json:"reason"`
	ChangedAt     time.Time `json:"changed_at"`
}
