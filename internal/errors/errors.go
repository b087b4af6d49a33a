package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

/**
 * Custom error types for the Vision OCR worker
 *
 * Every failure that leaves the extraction engine is a *ProcessingError.
 * Callers branch on Code, never on message text.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Construction errors
	ErrorConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// Input errors
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"

	// Pipeline errors
	ErrorImageProcessing   ErrorCode = "IMAGE_PROCESSING_FAILED"
	ErrorModelInvocation   ErrorCode = "MODEL_INVOCATION_FAILED"
	ErrorOCRExtraction     ErrorCode = "OCR_EXTRACTION_FAILED"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error

	// Message already describes Cause
	causeInMessage bool
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil && !e.causeInMessage {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewConfigurationError(message string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorConfiguration,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewInvalidInputError(input interface{}) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidInput,
		Message:   fmt.Sprintf("invalid image input type %T: must be a path, URL, or byte slice", input),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"input_type": fmt.Sprintf("%T", input),
		},
	}
}

func NewImageProcessingError(cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorImageProcessing,
		Message:   "Image processing failed: " + describe(cause),
		Timestamp: time.Now(),
		Cause:     cause,

		causeInMessage: true,
	}
}

// NewModelInvocationError reports that every invocation strategy failed.
// attempts maps strategy name to its failure message.
func NewModelInvocationError(attempts map[string]string, cause error) *ProcessingError {
	details := make(map[string]interface{}, len(attempts))
	for name, msg := range attempts {
		details["attempt_"+name] = msg
	}
	return &ProcessingError{
		Code:      ErrorModelInvocation,
		Message:   fmt.Sprintf("all %d model invocation strategies failed", len(attempts)),
		Timestamp: time.Now(),
		Details:   details,
		Cause:     cause,
	}
}

// NewOCRExtractionError is the single externally visible wrapper.
func NewOCRExtractionError(cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRExtraction,
		Message:   "OCR extraction failed: " + describe(cause),
		Timestamp: time.Now(),
		Cause:     cause,

		causeInMessage: true,
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

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store OCR results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// HasCode reports whether any ProcessingError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var pe *ProcessingError
		if !stderrors.As(err, &pe) {
			return false
		}
		if pe.Code == code {
			return true
		}
		err = pe.Cause
	}
	return false
}

// Message returns the human readable message of a ProcessingError, or
// err.Error() for anything else.
func Message(err error) string {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}

// describe joins the messages along err's cause chain, without error codes.
func describe(err error) string {
	if err == nil {
		return "unknown error"
	}
	var parts []string
	for err != nil {
		var pe *ProcessingError
		if !stderrors.As(err, &pe) {
			parts = append(parts, err.Error())
			break
		}
		parts = append(parts, pe.Message)
		if pe.causeInMessage {
			break
		}
		err = pe.Cause
	}
	return strings.Join(parts, ": ")
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.JobID != "" {
		result["job_id"] = e.JobID
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
