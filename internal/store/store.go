package store

import (
	"context"
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/billscan/internal/domain"
)

// Filter selects transactions for ListTransactions. Zero fields match
// everything. From and To are inclusive; when either is set, transactions
// with an invalid date are excluded.
type Filter struct {
	Direction  domain.Direction
	From       *civil.Date
	To         *civil.Date
	DocumentID string
	Limit      int
	Offset     int
}

// DocumentFilter selects source documents.
type DocumentFilter struct {
	Status         domain.DocumentStatus
	Folder         string
	Filename       string
	UploadedBefore time.Time
	Limit          int
	Offset         int
}

// DocumentRepository persists source documents and their status.
type DocumentRepository interface {
	CreateDocument(ctx context.Context, doc *domain.SourceDocument) error
	GetDocument(ctx context.Context, id string) (*domain.SourceDocument, error)
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]*domain.SourceDocument, error)

	// UpdateDocumentStatus moves a document along its lifecycle. Disallowed
	// moves return domain.ErrInvalidTransition.
	UpdateDocumentStatus(ctx context.Context, id string, status domain.DocumentStatus, errMsg string) error
}

// TransactionRepository is the append-only transaction store.
type TransactionRepository interface {
	// AppendBatch assigns strictly increasing IDs and makes every
	// transaction of the batch visible at once.
	AppendBatch(ctx context.Context, txs []domain.Transaction) ([]domain.Transaction, error)

	// ListTransactions returns transactions ordered by date descending, then
	// ID descending. Invalid dates sort after every valid date.
	ListTransactions(ctx context.Context, filter Filter) ([]domain.Transaction, error)

	GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error)

	// Recategorize rewrites the predicted category and records the change.
	// It reports false, without an audit entry, when the label is unchanged.
	Recategorize(ctx context.Context, id int64, label domain.Category, confidence float64, reason string) (bool, error)

	CategoryHistory(ctx context.Context, id int64) ([]domain.CategoryChange, error)
}

// Repository is the full persistence surface of the service.
type Repository interface {
	DocumentRepository
	TransactionRepository
	Close() error
}

// SortTransactions orders txs the way ListTransactions does.
func SortTransactions(txs []domain.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if a.Date.Valid() != b.Date.Valid() {
			return a.Date.Valid()
		}
		if c := a.Date.Compare(b.Date); c != 0 {
			return c > 0
		}
		return a.ID > b.ID
	})
}

// Match reports whether tx passes the non-paging parts of f.
func (f Filter) Match(tx domain.Transaction) bool {
	if f.Direction != "" && tx.Direction != f.Direction {
		return false
	}
	if f.DocumentID != "" && tx.SourceDocumentID != f.DocumentID {
		return false
	}
	if f.From == nil && f.To == nil {
		return true
	}
	d, ok := tx.Date.Civil()
	if !ok {
		return false
	}
	if f.From != nil && d.Before(*f.From) {
		return false
	}
	if f.To != nil && d.After(*f.To) {
		return false
	}
	return true
}

// Page applies offset and limit to a slice.
func Page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
