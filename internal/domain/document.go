package domain

import "time"

// DocumentStatus is the lifecycle state of an uploaded document.
type DocumentStatus string

const (
	DocumentStatusUploaded   DocumentStatus = "uploaded"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// Terminal reports whether no further status change is expected.
func (s DocumentStatus) Terminal() bool {
	return s == DocumentStatusCompleted || s == DocumentStatusFailed
}

// Document is one bank statement belonging to a deal.
type Document struct {
	ID        string         `json:"id" db:"id"`
	DealID    string         `json:"deal_id" db:"deal_id"`
	Filename  string         `json:"filename" db:"filename"`
	FileType  string         `json:"file_type" db:"file_type"`
	Status    DocumentStatus `json:"status" db:"status"`
	CreatedBy string         `json:"created_by" db:"created_by"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`

	// Error is set only when Status is failed.
	Error *IngestionError `json:"error,omitempty" db:"-"`
}
