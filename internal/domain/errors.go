package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for missing rows and for rows outside the caller's ownership chain.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput wraps validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrImmutable is raised when storage rejects a mutation of an insert-only row.
	ErrImmutable = errors.New("immutable row mutation rejected")
	// ErrHashCollision is raised when an existing snapshot hash covers different content.
	ErrHashCollision = errors.New("snapshot hash collision")
	// ErrDocumentsNotReady is returned when an export is requested while documents are still processing.
	ErrDocumentsNotReady = errors.New("documents still processing")
	// ErrNoTransactions is returned when a deal has nothing to export.
	ErrNoTransactions = errors.New("no transactions")
	// ErrQueueClosed is returned when publishing to a stopped queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// IsIntegrityViolation reports whether err signals a programming or
// tampering error that must not be retried.
func IsIntegrityViolation(err error) bool {
	return errors.Is(err, ErrImmutable) || errors.Is(err, ErrHashCollision)
}

// Ingestion stages, in the order a document passes through them.
const (
	StageFileReceived      = "FILE_RECEIVED"
	StageParseStart        = "PARSE_START"
	StageParseDone         = "PARSE_DONE"
	StageSchemaValidated   = "SCHEMA_VALIDATED"
	StageNormalizationDone = "NORMALIZATION_DONE"
	StageDBInsertStart     = "DB_INSERT_START"
	StageDBInsertDone      = "DB_INSERT_DONE"
	StageStatusCompleted   = "STATUS_COMPLETED"
)

// Next actions surfaced to the user with a failed document.
const (
	NextActionRetryUpload    = "retry_upload"
	NextActionFixData        = "fix_data"
	NextActionFixCurrency    = "fix_currency"
	NextActionFixCSVHeader   = "fix_csv_header"
	NextActionRetryOrSupport = "retry_or_contact_support"
)

// Ingestion error types.
const (
	ErrorTypeParse            = "ParseError"
	ErrorTypeSchemaValidation = "SchemaValidationError"
	ErrorTypeDataValidation   = "DataValidationError"
	ErrorTypeCurrencyMismatch = "CurrencyMismatchError"
	ErrorTypeDatabaseInsert   = "DatabaseInsertError"
)

// IngestionError is the structured failure recorded on a document.
type IngestionError struct {
	Type       string `json:"error_type"`
	Stage      string `json:"error_stage"`
	Message    string `json:"error_message"`
	NextAction string `json:"next_action"`
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Type, e.Stage, e.Message)
}
