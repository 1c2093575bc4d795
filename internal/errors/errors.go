package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Error types for the form extraction pipeline
 *
 * Field-local and image-local failures are recorded with these codes and never
 * abort a batch. Only template/field-table failures are fatal to a run.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Image-local (non-fatal)
	ErrorAlignmentFailed   ErrorCode = "ALIGNMENT_FAILED"
	ErrorImageDecode       ErrorCode = "IMAGE_DECODE_FAILED"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"

	// Field-local (non-fatal)
	ErrorEmptyROI          ErrorCode = "EMPTY_ROI"
	ErrorRecognizerFailed  ErrorCode = "RECOGNIZER_FAILED"
	ErrorRecognizerTimeout ErrorCode = "RECOGNIZER_TIMEOUT"
	ErrorConsensusEmpty    ErrorCode = "CONSENSUS_EMPTY"
	ErrorValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Run-level (fatal)
	ErrorTemplateUnreadable ErrorCode = "TEMPLATE_UNREADABLE"
	ErrorFieldTableInvalid  ErrorCode = "FIELD_TABLE_INVALID"

	// Output
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// Sentinel errors for errors.Is checks
var (
	ErrQuadNotFound      = stderrors.New("no 4-vertex contour found")
	ErrEmptyROI          = stderrors.New("empty region of interest")
	ErrRecognizerTimeout = stderrors.New("recognizer timed out")
	ErrNoCapability      = stderrors.New("recognizer exposes no recognition capability")
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Field     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Fatal reports whether the error must stop the whole run.
func (e *ProcessingError) Fatal() bool {
	return e.Code == ErrorTemplateUnreadable || e.Code == ErrorFieldTableInvalid
}

// Factory functions for common errors

func NewAlignmentFailedError(jobID string, strategy string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorAlignmentFailed,
		Message:   "No page quadrilateral located, using unaligned image",
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"strategy": strategy,
		},
		Cause: ErrQuadNotFound,
	}
}

func NewImageDecodeError(jobID string, source string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorImageDecode,
		Message:   fmt.Sprintf("Failed to decode input image: %s", source),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"source": source,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewEmptyROIError(jobID string, field string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorEmptyROI,
		Message:   fmt.Sprintf("Region for field %q is empty or out of bounds", field),
		JobID:     jobID,
		Field:     field,
		Timestamp: time.Now(),
		Cause:     ErrEmptyROI,
	}
}

func NewRecognizerFailedError(recognizer string, cause error) *ProcessingError {
	code := ErrorRecognizerFailed
	if stderrors.Is(cause, ErrRecognizerTimeout) {
		code = ErrorRecognizerTimeout
	}
	return &ProcessingError{
		Code:      code,
		Message:   fmt.Sprintf("Recognizer %s failed", recognizer),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"recognizer": recognizer,
		},
		Cause: cause,
	}
}

func NewValidationFailedError(field string, raw string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorValidationFailed,
		Message:   fmt.Sprintf("Value for field %q failed validation", field),
		Field:     field,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"raw": raw,
		},
	}
}

func NewTemplateUnreadableError(path string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorTemplateUnreadable,
		Message:   fmt.Sprintf("Reference template image unreadable: %s", path),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"path": path,
		},
		Cause: cause,
	}
}

func NewFieldTableInvalidError(path string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorFieldTableInvalid,
		Message:   fmt.Sprintf("Field table missing or invalid: %s", path),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"path": path,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store extraction results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// CodeOf returns the ErrorCode carried anywhere in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.Field != "" {
		result["field"] = e.Field
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
