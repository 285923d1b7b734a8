package blobstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("blob not found")

// Store keeps the raw bytes of uploaded documents.
type Store interface {
	// Put durably writes data under key and returns its URI.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)

	// Get reads the bytes stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// DocumentKey builds the object key for a document: folder/id/filename.
func DocumentKey(folder, documentID, filename string) string {
	folder = strings.Trim(path.Clean("/"+folder), "/")
	if folder == "" {
		folder = "uploads"
	}
	name := path.Base(path.Clean("/" + filename))
	if name == "/" || name == "." {
		name = "document"
	}
	return fmt.Sprintf("%s/%s/%s", folder, documentID, name)
}

// FilenameFromKey returns the last path element of a key or gs:// URI.
// e.g., "gs://bucket/uploads/abc/file.pdf" -> "file.pdf"
func FilenameFromKey(key string) string {
	trimmed := strings.TrimPrefix(key, "gs://")
	return path.Base(trimmed)
}
