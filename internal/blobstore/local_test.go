package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	key := DocumentKey("uploads", "doc-1", "receipt.jpg")
	uri, err := s.Put(ctx, key, "image/jpeg", []byte("bytes"))
	require.NoError(t, err)
	assert.Contains(t, uri, "uploads/doc-1/receipt.jpg")

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Delete(ctx, key))
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "../outside", "text/plain", []byte("x"))
	assert.Error(t, err)
}

func TestLocalStore_CancelledContext(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Put(ctx, "a/b", "text/plain", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDocumentKey(t *testing.T) {
	tests := []struct {
		folder, id, filename, want string
	}{
		{"uploads", "1", "bill.pdf", "uploads/1/bill.pdf"},
		{"", "1", "bill.pdf", "uploads/1/bill.pdf"},
		{"../../etc", "1", "../passwd", "etc/1/passwd"},
		{"q1/bills", "1", "", "q1/bills/1/document"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DocumentKey(tt.folder, tt.id, tt.filename))
	}
}

func TestFilenameFromKey(t *testing.T) {
	assert.Equal(t, "file.pdf", FilenameFromKey("gs://bucket/uploads/abc/file.pdf"))
	assert.Equal(t, "file.pdf", FilenameFromKey("uploads/abc/file.pdf"))
}
