// Package storetest holds behaviour tests shared by every store.Repository
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty repository.
type Factory func(t *testing.T) store.Repository

// Run executes the shared suite against repositories built by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("AppendAssignsIncreasingIDs", func(t *testing.T) { testAppendIDs(t, newRepo(t)) })
	t.Run("ListOrdering", func(t *testing.T) { testOrdering(t, newRepo(t)) })
	t.Run("ListFilters", func(t *testing.T) { testFilters(t, newRepo(t)) })
	t.Run("Recategorize", func(t *testing.T) { testRecategorize(t, newRepo(t)) })
	t.Run("DocumentLifecycle", func(t *testing.T) { testDocuments(t, newRepo(t)) })
	t.Run("DocumentsSubSecondUploads", func(t *testing.T) { testSubSecondUploads(t, newRepo(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, newRepo(t)) })
	t.Run("BatchesVisibleAtomically", func(t *testing.T) { testAtomicBatches(t, newRepo(t)) })
}

// Tx builds a transaction for tests.
func Tx(docID, isoDate, amount, description string) domain.Transaction {
	d := domain.InvalidDate()
	if isoDate != "" {
		cd, err := civil.ParseDate(isoDate)
		if err == nil {
			d = domain.ParsedDate(cd)
		}
	}
	return domain.Transaction{
		Date:              d,
		RawDate:           isoDate,
		Amount:            decimal.RequireFromString(amount),
		Direction:         domain.DirectionDebit,
		Description:       description,
		PredictedCategory: domain.CategoryUnknown,
		SourceDocumentID:  docID,
	}
}

func ids(txs []domain.Transaction) []int64 {
	out := make([]int64, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}

func testAppendIDs(t *testing.T, repo store.Repository) {
	ctx := context.Background()

	first, err := repo.AppendBatch(ctx, []domain.Transaction{Tx("d", "2024-01-01", "1", "a"), Tx("d", "2024-01-01", "2", "b")})
	require.NoError(t, err)
	second, err := repo.AppendBatch(ctx, []domain.Transaction{Tx("d", "2024-01-01", "3", "c")})
	require.NoError(t, err)

	all := append(first, second...)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].ID, all[i-1].ID)
	}

	got, err := repo.GetTransaction(ctx, first[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Description)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, "1/1/2024", got.Date.String())

	_, err = repo.GetTransaction(ctx, 9999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testOrdering(t *testing.T, repo store.Repository) {
	ctx := context.Background()

	stored, err := repo.AppendBatch(ctx, []domain.Transaction{
		Tx("d", "2024-01-01", "1", "old"),
		Tx("d", "", "1", "undated"),
		Tx("d", "2024-02-01", "1", "newer"),
		Tx("d", "2024-01-01", "1", "old twin"),
	})
	require.NoError(t, err)

	list, err := repo.ListTransactions(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []int64{stored[2].ID, stored[3].ID, stored[0].ID, stored[1].ID}, ids(list))
	assert.Equal(t, "invalid", list[3].Date.String())

	later, err := repo.AppendBatch(ctx, []domain.Transaction{Tx("d", "2024-06-01", "1", "latest")})
	require.NoError(t, err)

	list, err = repo.ListTransactions(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, later[0].ID, list[0].ID)

	page, err := repo.ListTransactions(ctx, store.Filter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{stored[2].ID, stored[3].ID}, ids(page))
}

func testFilters(t *testing.T, repo store.Repository) {
	ctx := context.Background()

	credit := Tx("d2", "2024-01-15", "100", "salary")
	credit.Direction = domain.DirectionCredit
	_, err := repo.AppendBatch(ctx, []domain.Transaction{
		Tx("d1", "2024-01-10", "5", "coffee"),
		credit,
		Tx("d1", "2024-02-10", "7", "taxi"),
		Tx("d1", "", "9", "mystery"),
	})
	require.NoError(t, err)

	credits, err := repo.ListTransactions(ctx, store.Filter{Direction: domain.DirectionCredit})
	require.NoError(t, err)
	require.Len(t, credits, 1)
	assert.Equal(t, "salary", credits[0].Description)

	from := civil.Date{Year: 2024, Month: 1, Day: 1}
	to := civil.Date{Year: 2024, Month: 1, Day: 31}
	january, err := repo.ListTransactions(ctx, store.Filter{From: &from, To: &to})
	require.NoError(t, err)
	assert.Len(t, january, 2)

	debitsJan, err := repo.ListTransactions(ctx, store.Filter{Direction: domain.DirectionDebit, From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, debitsJan, 1)
	assert.Equal(t, "coffee", debitsJan[0].Description)

	byDoc, err := repo.ListTransactions(ctx, store.Filter{DocumentID: "d1"})
	require.NoError(t, err)
	assert.Len(t, byDoc, 3)
}

func testRecategorize(t *testing.T, repo store.Repository) {
	ctx := context.Background()

	stored, err := repo.AppendBatch(ctx, []domain.Transaction{Tx("d", "2024-01-01", "4.5", "Coffee Shop")})
	require.NoError(t, err)
	id := stored[0].ID

	changed, err := repo.Recategorize(ctx, id, domain.CategoryEntertainment, 0.9, "repredict:v2")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.Recategorize(ctx, id, domain.CategoryEntertainment, 0.95, "repredict:v2")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := repo.GetTransaction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryEntertainment, got.PredictedCategory)
	assert.Equal(t, "Coffee Shop", got.Description)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("4.5")))

	history, err := repo.CategoryHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.CategoryUnknown, history[0].Previous)
	assert.Equal(t, domain.CategoryEntertainment, history[0].New)
	assert.Equal(t, "repredict:v2", history[0].Reason)

	_, err = repo.Recategorize(ctx, 9999, domain.CategoryTravel, 1, "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testDocuments(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	uploaded := time.Date(2024, 1, 12, 9, 0, 0, 0, time.UTC)

	doc := &domain.SourceDocument{
		ID:          "doc-1",
		Filename:    "receipt.jpg",
		Folder:      "uploads",
		ContentType: "image/jpeg",
		SizeBytes:   10,
		BlobKey:     "uploads/doc-1/receipt.jpg",
		Status:      domain.DocumentReceived,
		UploadedAt:  uploaded,
	}
	require.NoError(t, repo.CreateDocument(ctx, doc))
	assert.Error(t, repo.CreateDocument(ctx, doc))

	other := *doc
	other.ID = "doc-2"
	other.Filename = "statement.pdf"
	other.UploadedAt = uploaded.Add(time.Hour)
	require.NoError(t, repo.CreateDocument(ctx, &other))

	got, err := repo.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentReceived, got.Status)
	assert.True(t, got.UploadedAt.Equal(uploaded))
	assert.Nil(t, got.ProcessedAt)

	require.NoError(t, repo.UpdateDocumentStatus(ctx, "doc-1", domain.DocumentExtracted, ""))
	err = repo.UpdateDocumentStatus(ctx, "doc-1", domain.DocumentReceived, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.NoError(t, repo.UpdateDocumentStatus(ctx, "doc-1", domain.DocumentFailed, "store down"))

	got, err = repo.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentFailed, got.Status)
	assert.Equal(t, "store down", got.Error)
	assert.NotNil(t, got.ProcessedAt)

	_, err = repo.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, repo.UpdateDocumentStatus(ctx, "missing", domain.DocumentFailed, ""), domain.ErrNotFound)

	all, err := repo.ListDocuments(ctx, store.DocumentFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "doc-2", all[0].ID)

	received, err := repo.ListDocuments(ctx, store.DocumentFilter{Status: domain.DocumentReceived})
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "doc-2", received[0].ID)

	byName, err := repo.ListDocuments(ctx, store.DocumentFilter{Folder: "uploads", Filename: "receipt.jpg"})
	require.NoError(t, err)
	require.Len(t, byName, 1)

	stale, err := repo.ListDocuments(ctx, store.DocumentFilter{UploadedBefore: uploaded.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "doc-1", stale[0].ID)
}

func testSubSecondUploads(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	base := time.Date(2024, 1, 12, 12, 0, 0, 0, time.UTC)

	for _, d := range []struct {
		id string
		at time.Time
	}{
		{"doc-b", base},
		{"doc-a", base.Add(500 * time.Millisecond)},
	} {
		require.NoError(t, repo.CreateDocument(ctx, &domain.SourceDocument{
			ID:          d.id,
			Filename:    d.id + ".jpg",
			Folder:      "uploads",
			ContentType: "image/jpeg",
			BlobKey:     "uploads/" + d.id,
			Status:      domain.DocumentReceived,
			UploadedAt:  d.at,
		}))
	}

	all, err := repo.ListDocuments(ctx, store.DocumentFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "doc-a", all[0].ID)
	assert.Equal(t, "doc-b", all[1].ID)

	stale, err := repo.ListDocuments(ctx, store.DocumentFilter{UploadedBefore: base.Add(250 * time.Millisecond)})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "doc-b", stale[0].ID)

	got, err := repo.GetDocument(ctx, "doc-a")
	require.NoError(t, err)
	assert.True(t, got.UploadedAt.Equal(base.Add(500*time.Millisecond)))
}

func testConcurrentAppends(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	const writers, perWriter = 8, 10

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var last int64
			for i := 0; i < perWriter; i++ {
				stored, err := repo.AppendBatch(ctx, []domain.Transaction{Tx("d", "2024-01-01", "1", fmt.Sprintf("w%d-%d", w, i))})
				if err != nil {
					errs <- err
					return
				}
				if stored[0].ID <= last {
					errs <- errors.New("ids not increasing within a writer")
					return
				}
				last = stored[0].ID
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := repo.ListTransactions(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, list, writers*perWriter)

	seen := make(map[int64]bool)
	for _, tx := range list {
		assert.False(t, seen[tx.ID], "duplicate id %d", tx.ID)
		seen[tx.ID] = true
	}
}

func testAtomicBatches(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	const batches, batchSize = 20, 5

	done := make(chan struct{})
	go func() {
		defer close(done)
		for b := 0; b < batches; b++ {
			batch := make([]domain.Transaction, batchSize)
			for i := range batch {
				batch[i] = Tx(fmt.Sprintf("doc-%d", b), "2024-01-01", "1", fmt.Sprintf("line %d", i))
			}
			if _, err := repo.AppendBatch(ctx, batch); err != nil {
				t.Errorf("append batch %d: %v", b, err)
				return
			}
		}
	}()

	for {
		list, err := repo.ListTransactions(ctx, store.Filter{})
		require.NoError(t, err)

		perDoc := make(map[string]int)
		for _, tx := range list {
			perDoc[tx.SourceDocumentID]++
		}
		for doc, n := range perDoc {
			assert.Equal(t, batchSize, n, "partial batch visible for %s", doc)
		}

		select {
		case <-done:
			return
		default:
		}
	}
}
