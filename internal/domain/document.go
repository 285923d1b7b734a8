package domain

import "time"

// DocumentStatus is the processing state of an uploaded document.
type DocumentStatus string

const (
	DocumentReceived  DocumentStatus = "received"
	DocumentExtracted DocumentStatus = "extracted"
	DocumentFailed    DocumentStatus = "failed"
)

// SourceDocument is an uploaded bill, receipt or statement. It does not own
// the transactions extracted from it; they point back at it by ID.
type SourceDocument struct {
	ID             string         `json:"id"`
	Filename       string         `json:"filename"`
	Folder         string         `json:"folder"`
	ContentType    string         `json:"content_type"`
	SizeBytes      int64          `json:"size_bytes"`
	ChecksumSHA256 string         `json:"checksum_sha256"`
	BlobKey        string         `json:"blob_key"`
	Status         DocumentStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	UploadedAt     time.Time      `json:"uploaded_at"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
}

// CanTransition reports whether a document may move from one status to another.
// extracted -> failed covers a store failure after a successful extraction.
func CanTransition(from, to DocumentStatus) bool {
	switch from {
	case DocumentReceived:
		return to == DocumentExtracted || to == DocumentFailed
	case DocumentExtracted:
		return to == DocumentFailed
	}
	return false
}
