package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/store"
)

// snapshot is an immutable view of the transaction log. Writers publish a
// new snapshot; readers load the current one without locking.
type snapshot struct {
	txs  []domain.Transaction
	byID map[int64]int
}

// Store is an in-memory Repository. Data is lost on restart.
type Store struct {
	writeMu sync.Mutex
	nextID  int64
	current atomic.Pointer[snapshot]
	audit   []domain.CategoryChange

	docMu sync.RWMutex
	docs  map[string]*domain.SourceDocument

	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	s := &Store{
		nextID: 1,
		docs:   make(map[string]*domain.SourceDocument),
		now:    time.Now,
	}
	s.current.Store(&snapshot{byID: map[int64]int{}})
	return s
}

// CreateDocument implements store.DocumentRepository.
func (s *Store) CreateDocument(ctx context.Context, doc *domain.SourceDocument) error {
	if doc.ID == "" {
		return &domain.StoreError{Op: "create document", Cause: fmt.Errorf("document ID is required")}
	}

	s.docMu.Lock()
	defer s.docMu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return &domain.StoreError{Op: "create document", Cause: fmt.Errorf("document %s already exists", doc.ID)}
	}
	docCopy := *doc
	s.docs[doc.ID] = &docCopy
	return nil
}

// GetDocument implements store.DocumentRepository.
func (s *Store) GetDocument(ctx context.Context, id string) (*domain.SourceDocument, error) {
	s.docMu.RLock()
	defer s.docMu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	docCopy := *doc
	return &docCopy, nil
}

// ListDocuments implements store.DocumentRepository. Newest uploads first.
func (s *Store) ListDocuments(ctx context.Context, filter store.DocumentFilter) ([]*domain.SourceDocument, error) {
	s.docMu.RLock()
	var result []*domain.SourceDocument
	for _, doc := range s.docs {
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		if filter.Folder != "" && doc.Folder != filter.Folder {
			continue
		}
		if filter.Filename != "" && doc.Filename != filter.Filename {
			continue
		}
		if !filter.UploadedBefore.IsZero() && !doc.UploadedAt.Before(filter.UploadedBefore) {
			continue
		}
		docCopy := *doc
		result = append(result, &docCopy)
	}
	s.docMu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UploadedAt.Equal(result[j].UploadedAt) {
			return result[i].UploadedAt.After(result[j].UploadedAt)
		}
		return result[i].ID > result[j].ID
	})

	return store.Page(result, filter.Offset, filter.Limit), nil
}

// UpdateDocumentStatus implements store.DocumentRepository.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status domain.DocumentStatus, errMsg string) error {
	s.docMu.Lock()
	defer s.docMu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !domain.CanTransition(doc.Status, status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, doc.Status, status)
	}

	doc.Status = status
	doc.Error = errMsg
	now := s.now()
	doc.ProcessedAt = &now
	return nil
}

// AppendBatch implements store.TransactionRepository.
func (s *Store) AppendBatch(ctx context.Context, txs []domain.Transaction) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.StoreError{Op: "append", Cause: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.current.Load()
	next := &snapshot{
		txs:  make([]domain.Transaction, len(old.txs), len(old.txs)+len(txs)),
		byID: make(map[int64]int, len(old.byID)+len(txs)),
	}
	copy(next.txs, old.txs)
	for id, idx := range old.byID {
		next.byID[id] = idx
	}

	now := s.now()
	stored := make([]domain.Transaction, len(txs))
	for i, tx := range txs {
		tx.ID = s.nextID
		s.nextID++
		if tx.PredictedCategory == "" {
			tx.PredictedCategory = domain.CategoryUnknown
		}
		tx.CreatedAt = now
		next.byID[tx.ID] = len(next.txs)
		next.txs = append(next.txs, tx)
		stored[i] = tx
	}

	s.current.Store(next)
	return stored, nil
}

// ListTransactions implements store.TransactionRepository.
func (s *Store) ListTransactions(ctx context.Context, filter store.Filter) ([]domain.Transaction, error) {
	snap := s.current.Load()

	result := make([]domain.Transaction, 0, len(snap.txs))
	for _, tx := range snap.txs {
		if filter.Match(tx) {
			result = append(result, tx)
		}
	}
	store.SortTransactions(result)

	return store.Page(result, filter.Offset, filter.Limit), nil
}

// GetTransaction implements store.TransactionRepository.
func (s *Store) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	snap := s.current.Load()
	idx, ok := snap.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	tx := snap.txs[idx]
	return &tx, nil
}

// Recategorize implements store.TransactionRepository.
func (s *Store) Recategorize(ctx context.Context, id int64, label domain.Category, confidence float64, reason string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.current.Load()
	idx, ok := old.byID[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	previous := old.txs[idx].PredictedCategory
	if previous == label {
		return false, nil
	}

	next := &snapshot{txs: make([]domain.Transaction, len(old.txs)), byID: old.byID}
	copy(next.txs, old.txs)
	next.txs[idx].PredictedCategory = label
	next.txs[idx].CategoryConfidence = confidence

	s.audit = append(s.audit, domain.CategoryChange{
		ID:            int64(len(s.audit) + 1),
		TransactionID: id,
		Previous:      previous,
		New:           label,
		Reason:        reason,
		ChangedAt:     s.now(),
	})
	s.current.Store(next)

	return true, nil
}

// CategoryHistory implements store.TransactionRepository. Oldest first.
func (s *Store) CategoryHistory(ctx context.Context, id int64) ([]domain.CategoryChange, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, ok := s.current.Load().byID[id]; !ok {
		return nil, domain.ErrNotFound
	}

	var changes []domain.CategoryChange
	for _, c := range s.audit {
		if c.TransactionID == id {
			changes = append(changes, c)
		}
	}
	return changes, nil
}

// Close implements store.Repository.
func (s *Store) Close() error { return nil }

var _ store.Repository = (*Store)(nil)
