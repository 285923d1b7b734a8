package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/store"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps compare as strings in time
// order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the SQLite-backed Repository. The database runs in WAL mode so
// readers never block the single writer; writes are serialized by writeMu.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	now     func() time.Time
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
}

// Open runs migrations and opens the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite.Open: create directory: %w", err)
		}
	}
	if err := RunMigrations(path); err != nil {
		return nil, fmt.Errorf("sqlite.Open: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite.Open: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite.Open: ping: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close implements store.Repository.
func (s *Store) Close() error {
	return s.db.Close()
}

func storeErr(op string, err error) error {
	return &domain.StoreError{Op: op, Cause: err}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateDocument implements store.DocumentRepository.
func (s *Store) CreateDocument(ctx context.Context, doc *domain.SourceDocument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_documents (
			id, filename, folder, content_type, size_bytes, checksum_sha256,
			blob_key, status, error_message, uploaded_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Filename, doc.Folder, doc.ContentType, doc.SizeBytes, doc.ChecksumSHA256,
		doc.BlobKey, string(doc.Status), doc.Error, formatTime(doc.UploadedAt), nullTime(doc.ProcessedAt),
	)
	if err != nil {
		return storeErr("create document", err)
	}
	return nil
}

const documentColumns = `id, filename, folder, content_type, size_bytes, checksum_sha256,
	blob_key, status, error_message, uploaded_at, processed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*domain.SourceDocument, error) {
	var (
		doc         domain.SourceDocument
		status      string
		uploadedAt  string
		processedAt sql.NullString
	)
	if err := row.Scan(&doc.ID, &doc.Filename, &doc.Folder, &doc.ContentType, &doc.SizeBytes,
		&doc.ChecksumSHA256, &doc.BlobKey, &status, &doc.Error, &uploadedAt, &processedAt); err != nil {
		return nil, err
	}
	doc.Status = domain.DocumentStatus(status)

	var err error
	if doc.UploadedAt, err = parseTime(uploadedAt); err != nil {
		return nil, fmt.Errorf("uploaded_at: %w", err)
	}
	if doc.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return nil, fmt.Errorf("processed_at: %w", err)
	}
	return &doc, nil
}

// GetDocument implements store.DocumentRepository.
func (s *Store) GetDocument(ctx context.Context, id string) (*domain.SourceDocument, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM source_documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get document", err)
	}
	return doc, nil
}

// ListDocuments implements store.DocumentRepository. Newest uploads first.
func (s *Store) ListDocuments(ctx context.Context, filter store.DocumentFilter) ([]*domain.SourceDocument, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Folder != "" {
		where = append(where, "folder = ?")
		args = append(args, filter.Folder)
	}
	if filter.Filename != "" {
		where = append(where, "filename = ?")
		args = append(args, filter.Filename)
	}
	if !filter.UploadedBefore.IsZero() {
		where = append(where, "uploaded_at < ?")
		args = append(args, formatTime(filter.UploadedBefore))
	}

	query := `SELECT ` + documentColumns + ` FROM source_documents` + whereClause(where) +
		` ORDER BY uploaded_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limitArg(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list documents", err)
	}
	defer rows.Close()

	var docs []*domain.SourceDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, storeErr("list documents", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list documents", err)
	}
	return docs, nil
}

// UpdateDocumentStatus implements store.DocumentRepository.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status domain.DocumentStatus, errMsg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("update document status", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM source_documents WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return storeErr("update document status", err)
	}
	if !domain.CanTransition(domain.DocumentStatus(current), status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE source_documents SET status = ?, error_message = ?, processed_at = ? WHERE id = ?`,
		string(status), errMsg, formatTime(s.now()), id)
	if err != nil {
		return storeErr("update document status", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("update document status", err)
	}
	return nil
}

// AppendBatch implements store.TransactionRepository. The batch is one
// database transaction, so readers see all of it or none of it.
func (s *Store) AppendBatch(ctx context.Context, txs []domain.Transaction) ([]domain.Transaction, error) {
	if len(txs) == 0 {
		return nil, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("append", err)
	}
	defer dbTx.Rollback()

	stmt, err := dbTx.PrepareContext(ctx, `
		INSERT INTO transactions (
			txn_date, raw_date, amount, direction, description,
			predicted_category, category_confidence, source_document_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, storeErr("append", err)
	}
	defer stmt.Close()

	now := s.now().UTC()
	stored := make([]domain.Transaction, len(txs))
	for i, t := range txs {
		if t.PredictedCategory == "" {
			t.PredictedCategory = domain.CategoryUnknown
		}
		var date sql.NullString
		if iso := t.Date.ISO(); iso != "" {
			date = sql.NullString{String: iso, Valid: true}
		}

		res, err := stmt.ExecContext(ctx, date, t.RawDate, t.Amount.String(), string(t.Direction),
			t.Description, string(t.PredictedCategory), t.CategoryConfidence, t.SourceDocumentID, formatTime(now))
		if err != nil {
			return nil, storeErr("append", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, storeErr("append", err)
		}

		t.ID = id
		t.CreatedAt = now
		stored[i] = t
	}

	if err := dbTx.Commit(); err != nil {
		return nil, storeErr("append", err)
	}
	return stored, nil
}

const transactionColumns = `id, txn_date, raw_date, amount, direction, description,
	predicted_category, category_confidence, source_document_id, created_at`

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		t         domain.Transaction
		date      sql.NullString
		amount    string
		direction string
		category  string
		createdAt string
	)
	if err := row.Scan(&t.ID, &date, &t.RawDate, &amount, &direction, &t.Description,
		&category, &t.CategoryConfidence, &t.SourceDocumentID, &createdAt); err != nil {
		return t, err
	}

	t.Date = domain.InvalidDate()
	if date.Valid {
		d, err := civil.ParseDate(date.String)
		if err != nil {
			return t, fmt.Errorf("txn_date: %w", err)
		}
		t.Date = domain.ParsedDate(d)
	}

	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return t, fmt.Errorf("amount: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, fmt.Errorf("created_at: %w", err)
	}
	t.Direction = domain.Direction(direction)
	t.PredictedCategory = domain.Category(category)
	return t, nil
}

// ListTransactions implements store.TransactionRepository.
func (s *Store) ListTransactions(ctx context.Context, filter store.Filter) ([]domain.Transaction, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(filter.Direction))
	}
	if filter.DocumentID != "" {
		where = append(where, "source_document_id = ?")
		args = append(args, filter.DocumentID)
	}
	if filter.From != nil || filter.To != nil {
		where = append(where, "txn_date IS NOT NULL")
	}
	if filter.From != nil {
		where = append(where, "txn_date >= ?")
		args = append(args, filter.From.String())
	}
	if filter.To != nil {
		where = append(where, "txn_date <= ?")
		args = append(args, filter.To.String())
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions` + whereClause(where) +
		` ORDER BY (txn_date IS NULL), txn_date DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limitArg(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list transactions", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, storeErr("list transactions", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list transactions", err)
	}
	return txs, nil
}

// GetTransaction implements store.TransactionRepository.
func (s *Store) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get transaction", err)
	}
	return &t, nil
}

// Recategorize implements store.TransactionRepository.
func (s *Store) Recategorize(ctx context.Context, id int64, label domain.Category, confidence float64, reason string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("recategorize", err)
	}
	defer tx.Rollback()

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT predicted_category FROM transactions WHERE id = ?`, id).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrNotFound
	}
	if err != nil {
		return false, storeErr("recategorize", err)
	}
	if domain.Category(previous) == label {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE transactions SET predicted_category = ?, category_confidence = ? WHERE id = ?`,
		string(label), confidence, id); err != nil {
		return false, storeErr("recategorize", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO category_audit (transaction_id, previous_label, new_label, reason, changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, previous, string(label), reason, formatTime(s.now())); err != nil {
		return false, storeErr("recategorize", err)
	}

	if err := tx.Commit(); err != nil {
		return false, storeErr("recategorize", err)
	}
	return true, nil
}

// CategoryHistory implements store.TransactionRepository. Oldest first.
func (s *Store) CategoryHistory(ctx context.Context, id int64) ([]domain.CategoryChange, error) {
	if _, err := s.GetTransaction(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, previous_label, new_label, reason, changed_at
		FROM category_audit WHERE transaction_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, storeErr("category history", err)
	}
	defer rows.Close()

	var changes []domain.CategoryChange
	for rows.Next() {
		var (
			c         domain.CategoryChange
			prev, nw  string
			changedAt string
		)
		if err := rows.Scan(&c.ID, &c.TransactionID, &prev, &nw, &c.Reason, &changedAt); err != nil {
			return nil, storeErr("category history", err)
		}
		c.Previous = domain.Category(prev)
		c.New = domain.Category(nw)
		if c.ChangedAt, err = parseTime(changedAt); err != nil {
			return nil, storeErr("category history", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("category history", err)
	}
	return changes, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// limitArg maps "no limit" to SQLite's -1.
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

var _ store.Repository = (*Store)(nil)
