package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/store/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	docs := []*domain.SourceDocument{
		{ID: "old", Status: domain.DocumentReceived, UploadedAt: now.Add(-time.Hour)},
		{ID: "fresh", Status: domain.DocumentReceived, UploadedAt: now.Add(-time.Minute)},
		{ID: "done", Status: domain.DocumentReceived, UploadedAt: now.Add(-2 * time.Hour)},
	}
	for _, d := range docs {
		d.Filename, d.Folder, d.ContentType = "f.pdf", "uploads", "application/pdf"
		require.NoError(t, repo.CreateDocument(ctx, d))
	}
	require.NoError(t, repo.UpdateDocumentStatus(ctx, "done", domain.DocumentExtracted, ""))

	s := New(repo, 15*time.Minute, zerolog.Nop())
	s.now = func() time.Time { return now }

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	old, err := repo.GetDocument(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentFailed, old.Status)
	assert.Equal(t, AbandonedReason, old.Error)

	fresh, err := repo.GetDocument(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentReceived, fresh.Status)

	done, err := repo.GetDocument(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentExtracted, done.Status)

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := New(memory.New(), 0, zerolog.Nop())
	assert.Error(t, s.Start("not a schedule"))

	require.NoError(t, s.Start("@every 1h"))
	s.Stop()
}
