package domain

import "time"

type DocumentStatus string

const (
	StatusUploaded           DocumentStatus = "uploaded"
	StatusExtracting         DocumentStatus = "extracting"
	StatusClassifying        DocumentStatus = "classifying"
	StatusExtractingEntities DocumentStatus = "extracting_entities"
	StatusSummarizing        DocumentStatus = "summarizing"
	StatusCompleted          DocumentStatus = "completed"
	StatusFailed             DocumentStatus = "failed"
	StatusCancelled          DocumentStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s DocumentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type Document struct {
	ID          string         `json:"id"`
	Filename    string         `json:"filename,omitempty"`
	MimeType    string         `json:"mime_type"`
	StoragePath string         `json:"storage_path"`
	SizeBytes   int64          `json:"size_bytes"`
	Status      DocumentStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Submission is returned by Submit. Duplicate is set when a non-terminal run
// already existed for the same document and no new run was started.
type Submission struct {
	ProcessingID string         `json:"processing_id"`
	DocumentID   string         `json:"document_id"`
	Status       DocumentStatus `json:"status"`
	Duplicate    bool           `json:"duplicate"`
}
