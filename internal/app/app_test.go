package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dvloznov/billscan/internal/config"
	"github.com/dvloznov/billscan/internal/jobs"
	"github.com/dvloznov/billscan/internal/jobs/inmemory"
	"github.com/dvloznov/billscan/internal/store/memory"
	"github.com/dvloznov/billscan/internal/store/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		StoreBackend:        "memory",
		SQLiteDBPath:        filepath.Join(dir, "billscan.db"),
		BlobBackend:         "local",
		BlobLocalDir:        filepath.Join(dir, "blobs"),
		Extractor:           "pdftext",
		ConfidenceThreshold: 0.5,
		QueueBackend:        "memory",
		WorkerCount:         2,
	}
}

func TestNew_Memory(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.IsType(t, &memory.Store{}, a.Repository)
	assert.IsType(t, &inmemory.Store{}, a.JobStore)
	assert.NotNil(t, a.Intake)
	assert.NotNil(t, a.Processor)

	queue, err := a.NewQueue()
	require.NoError(t, err)
	assert.IsType(t, &inmemory.Queue{}, queue)
	require.NoError(t, queue.Close())
}

func TestNew_SQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreBackend = "sqlite"

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	assert.IsType(t, &sqlite.Store{}, a.Repository)
	assert.Same(t, a.Repository, a.JobStore)
	require.NoError(t, a.Close())
}

func TestNew_TrainingDataFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.TrainingDataPath = filepath.Join(t.TempDir(), "missing.csv")

	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "open training data")

	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("label,description\nnot-a-category,foo\n"), 0o600))
	cfg.TrainingDataPath = path

	_, err = New(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

type otherJob struct{}

func (otherJob) GetID() string             { return "x" }
func (otherJob) GetType() jobs.JobType     { return "other" }
func (otherJob) GetStatus() jobs.JobStatus { return jobs.JobStatusPending }

func TestJobHandler(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	handler := a.JobHandler()

	err = handler(context.Background(), otherJob{})
	assert.ErrorContains(t, err, "unexpected job type")

	err = handler(context.Background(), &jobs.ProcessDocumentJob{JobID: "j1", DocumentID: "missing"})
	assert.Error(t, err)
}

type stubCounter struct {
	n   int64
	err error
}

func (c stubCounter) ExportedCount(ctx context.Context, documentID string) (int64, error) {
	return c.n, c.err
}

func TestExportedCount(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, ok, err := a.ExportedCount(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.False(t, ok)

	a.exports = stubCounter{n: 3}
	n, ok, err := a.ExportedCount(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)

	a.exports = stubCounter{err: errors.New("quota exceeded")}
	_, ok, err = a.ExportedCount(context.Background(), "doc-1")
	assert.True(t, ok)
	assert.ErrorContains(t, err, "quota exceeded")
}
