// Package intake accepts uploaded documents and stores them durably before
// any processing starts.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/dvloznov/billscan/internal/blobstore"
	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/logger"
	"github.com/dvloznov/billscan/internal/store"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxBytes is the upload size limit when none is configured.
	DefaultMaxBytes int64 = 10 << 20

	// DefaultFolder groups uploads that did not name a folder.
	DefaultFolder = "uploads"
)

// Upload is one incoming document.
type Upload struct {
	Filename    string
	Folder      string
	ContentType string
	Body        io.Reader
}

// Service validates uploads, writes their bytes to the blob store and
// records a SourceDocument in the received state.
type Service struct {
	blobs    blobstore.Store
	docs     store.DocumentRepository
	maxBytes int64
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string
}

// NewService creates an intake service. maxBytes <= 0 uses DefaultMaxBytes.
func NewService(blobs blobstore.Store, docs store.DocumentRepository, maxBytes int64, log zerolog.Logger) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Service{
		blobs:    blobs,
		docs:     docs,
		maxBytes: maxBytes,
		log:      logger.Component(log, "intake"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// MaxBytes returns the configured upload limit.
func (s *Service) MaxBytes() int64 { return s.maxBytes }

// Accept stores the upload and returns its received SourceDocument.
// Validation failures return a *domain.ValidationError and leave no state.
// If ctx is cancelled after the blob write, the blob is removed again.
func (s *Service) Accept(ctx context.Context, up Upload) (*domain.SourceDocument, error) {
	declared, err := checkDeclaredType(up.ContentType)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(up.Body, s.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("Accept: read upload: %w", ctx.Err())
		}
		return nil, fmt.Errorf("Accept: read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, domain.NewValidationError(domain.CodeTooLarge, "payload exceeds %d bytes", s.maxBytes)
	}
	if len(data) == 0 {
		return nil, domain.NewValidationError(domain.CodeEmptyPayload, "payload is empty")
	}

	sniffed := mimetype.Detect(data)
	if !supportedType(sniffed.String()) {
		return nil, domain.NewValidationError(domain.CodeUnsupportedContentType,
			"content looks like %s, declared %s", sniffed.String(), declared)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("Accept: %w", err)
	}

	sum := sha256.Sum256(data)
	folder := strings.TrimSpace(up.Folder)
	if folder == "" {
		folder = DefaultFolder
	}
	filename := strings.TrimSpace(up.Filename)
	if filename == "" {
		filename = "document" + sniffed.Extension()
	}

	doc := &domain.SourceDocument{
		ID:             s.newID(),
		Filename:       filename,
		Folder:         folder,
		ContentType:    declared,
		SizeBytes:      int64(len(data)),
		ChecksumSHA256: hex.EncodeToString(sum[:]),
		Status:         domain.DocumentReceived,
		UploadedAt:     s.now().UTC(),
	}
	doc.BlobKey = blobstore.DocumentKey(folder, doc.ID, filename)

	log := s.log.With().Str("document_id", doc.ID).Logger()

	uri, err := s.blobs.Put(ctx, doc.BlobKey, declared, data)
	if err != nil {
		return nil, fmt.Errorf("Accept: store blob: %w", err)
	}

	if err := ctx.Err(); err != nil {
		s.discardBlob(doc.BlobKey, log)
		return nil, fmt.Errorf("Accept: %w", err)
	}
	if err := s.docs.CreateDocument(ctx, doc); err != nil {
		s.discardBlob(doc.BlobKey, log)
		return nil, fmt.Errorf("Accept: record document: %w", err)
	}

	log.Info().
		Str("filename", doc.Filename).
		Str("folder", doc.Folder).
		Str("content_type", doc.ContentType).
		Int64("size_bytes", doc.SizeBytes).
		Str("blob_uri", uri).
		Msg("Document received")

	return doc, nil
}

// discardBlob runs on a fresh context since the request context may be gone.
func (s *Service) discardBlob(key string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		log.Error().Err(err).Str("blob_key", key).Msg("Failed to remove blob of rejected upload")
	}
}

func checkDeclaredType(contentType string) (string, error) {
	if strings.TrimSpace(contentType) == "" {
		return "", domain.NewValidationError(domain.CodeUnsupportedContentType, "content type is required")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", domain.NewValidationError(domain.CodeUnsupportedContentType, "malformed content type %q", contentType)
	}
	if !supportedType(mediaType) {
		return "", domain.NewValidationError(domain.CodeUnsupportedContentType, "content type %s is not an image or PDF", mediaType)
	}
	return mediaType, nil
}

func supportedType(mediaType string) bool {
	mediaType = strings.ToLower(mediaType)
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return mediaType == "application/pdf" || strings.HasPrefix(mediaType, "image/")
}
