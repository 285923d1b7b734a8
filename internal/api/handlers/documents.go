package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dvloznov/billscan/internal/api/middleware"
	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/intake"
	"github.com/dvloznov/billscan/internal/jobs"
	"github.com/dvloznov/billscan/internal/logger"
	"github.com/dvloznov/billscan/internal/pipeline"
	"github.com/dvloznov/billscan/internal/store"
)

// multipartOverhead is allowed on top of the document limit for form framing.
const multipartOverhead = 1 << 20

// Intake accepts uploads. *intake.Service implements it.
type Intake interface {
	Accept(ctx context.Context, up intake.Upload) (*domain.SourceDocument, error)
	MaxBytes() int64
}

// Processor runs documents through the pipeline. *pipeline.Processor implements it.
type Processor interface {
	Process(ctx context.Context, documentID string) (*pipeline.Summary, error)
	Repredict(ctx context.Context, folder, filename string) (*pipeline.RepredictSummary, error)
}

// DocumentsHandler handles document-related endpoints.
type DocumentsHandler struct {
	intake    Intake
	processor Processor
	docs      store.DocumentRepository
	publisher jobs.Publisher
}

// NewDocumentsHandler creates a new documents handler. publisher may be nil
// when only synchronous extraction is served.
func NewDocumentsHandler(in Intake, processor Processor, docs store.DocumentRepository, publisher jobs.Publisher) *DocumentsHandler {
	return &DocumentsHandler{
		intake:    in,
		processor: processor,
		docs:      docs,
		publisher: publisher,
	}
}

// ExtractBill handles POST /extract-bill-with-document-ai. The upload is
// stored, then processed to completion before responding. Once intake has
// succeeded the pipeline no longer follows the client's connection, so a
// disconnect cannot leave the document half-processed.
func (h *DocumentsHandler) ExtractBill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	doc, ok := h.accept(w, r)
	if !ok {
		return
	}
	ctx = logger.WithDocument(ctx, doc.ID)

	summary, err := h.processor.Process(context.WithoutCancel(ctx), doc.ID)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Document processing failed")
		middleware.WriteDomainError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, summary)
}

// Upload handles POST /api/documents: intake now, processing in a job.
func (h *DocumentsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if h.publisher == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Asynchronous processing is not enabled")
		return
	}

	doc, ok := h.accept(w, r)
	if !ok {
		return
	}

	job := &jobs.ProcessDocumentJob{DocumentID: doc.ID}
	if err := h.publisher.PublishProcessDocument(context.WithoutCancel(ctx), job); err != nil {
		log.Error().Err(err).Str("document_id", doc.ID).Msg("Failed to enqueue processing job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue processing job")
		return
	}

	log.Info().Str("job_id", job.JobID).Str("document_id", doc.ID).Msg("Processing job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":      job.JobID,
		"document_id": doc.ID,
		"status":      string(job.Status),
	})
}

// accept reads the first file part of a multipart body and hands it to
// intake. It writes the error response itself and reports ok=false.
func (h *DocumentsHandler) accept(w http.ResponseWriter, r *http.Request) (*domain.SourceDocument, bool) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.intake.MaxBytes()+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Expected a multipart/form-data body")
		return nil, false
	}

	folder := r.URL.Query().Get("folder")
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeReadError(w, err)
			return nil, false
		}

		if part.FileName() == "" {
			if part.FormName() == "folder" {
				value, err := io.ReadAll(io.LimitReader(part, 256))
				if err != nil {
					writeReadError(w, err)
					return nil, false
				}
				folder = strings.TrimSpace(string(value))
			}
			part.Close()
			continue
		}

		filename := filepath.Base(part.FileName())
		doc, err := h.intake.Accept(ctx, intake.Upload{
			Filename:    filename,
			Folder:      folder,
			ContentType: declaredType(part.Header.Get("Content-Type"), filename),
			Body:        part,
		})
		part.Close()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				middleware.WriteError(w, http.StatusRequestEntityTooLarge, "Upload too large")
				return nil, false
			}
			var vErr *domain.ValidationError
			if !errors.As(err, &vErr) {
				log.Error().Err(err).Str("filename", filename).Msg("Intake failed")
			}
			middleware.WriteDomainError(w, err)
			return nil, false
		}
		return doc, true
	}

	middleware.WriteError(w, http.StatusBadRequest, "No file part in request")
	return nil, false
}

func writeReadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, "Upload too large")
		return
	}
	middleware.WriteError(w, http.StatusBadRequest, "Malformed multipart body")
}

// declaredType falls back to the file extension when the client sent no
// useful content type.
func declaredType(header, filename string) string {
	if header != "" && !strings.HasPrefix(header, "application/octet-stream") {
		return header
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		return byExt
	}
	return header
}

// ListDocuments handles GET /api/documents
func (h *DocumentsHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	filter := store.DocumentFilter{
		Status:   domain.DocumentStatus(query.Get("status")),
		Folder:   query.Get("folder"),
		Filename: query.Get("filename"),
	}
	var err error
	if filter.Limit, filter.Offset, err = parsePaging(query.Get("limit"), query.Get("offset")); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	documents, err := h.docs.ListDocuments(ctx, filter)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to list documents")
		middleware.WriteDomainError(w, err)
		return
	}
	if documents == nil {
		documents = []*domain.SourceDocument{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"documents": documents,
		"count":     len(documents),
	})
}

// GetDocument handles GET /api/documents/{id}
func (h *DocumentsHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.docs.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, doc)
}

func parsePaging(limitStr, offsetStr string) (int, int, error) {
	var limit, offset int
	var err error
	if limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil || limit < 0 {
			return 0, 0, errors.New("invalid limit")
		}
	}
	if offsetStr != "" {
		if offset, err = strconv.Atoi(offsetStr); err != nil || offset < 0 {
			return 0, 0, errors.New("invalid offset")
		}
	}
	return limit, offset, nil
}
