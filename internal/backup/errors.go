package backup

import (
	"errors"
	"fmt"

	apperrors "snapvault/internal/errors"
)

// BackupError represents errors that occur during backup operations
type BackupError struct {
	Type    BackupErrorType        `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether retrying the same call may succeed. An export
// error is as transient as the provider failure it wraps.
func (e *BackupError) IsTransient() bool {
	switch e.Type {
	case BackupErrorTypeTransientStorage:
		return true
	case BackupErrorTypeExport:
		return apperrors.IsRetryable(e.Cause)
	}
	return false
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypeExport           BackupErrorType = "EXPORT_ERROR"
	BackupErrorTypeEncoding         BackupErrorType = "ENCODING_ERROR"
	BackupErrorTypeAuthentication   BackupErrorType = "AUTHENTICATION_ERROR"
	BackupErrorTypeIntegrity        BackupErrorType = "INTEGRITY_ERROR"
	BackupErrorTypeConflict         BackupErrorType = "CONFLICT_ERROR"
	BackupErrorTypeNotFound         BackupErrorType = "NOT_FOUND_ERROR"
	BackupErrorTypeTransientStorage BackupErrorType = "TRANSIENT_STORAGE_ERROR"
	BackupErrorTypeQuotaExceeded    BackupErrorType = "QUOTA_EXCEEDED_ERROR"
	BackupErrorTypeStorage          BackupErrorType = "STORAGE_ERROR"
	BackupErrorTypeValidation       BackupErrorType = "VALIDATION_ERROR"
	BackupErrorTypeConfiguration    BackupErrorType = "CONFIGURATION_ERROR"
	BackupErrorTypeEncryption       BackupErrorType = "ENCRYPTION_ERROR"
	BackupErrorTypeCompression      BackupErrorType = "COMPRESSION_ERROR"
	BackupErrorTypeMirrorAuth       BackupErrorType = "MIRROR_AUTH_ERROR"
	BackupErrorTypeCancelled        BackupErrorType = "CANCELLED"
)

// NewBackupError creates a new BackupError
func NewBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewExportError reports a provider failure for one section.
func NewExportError(section string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeExport, fmt.Sprintf("failed to export section %q", section), cause).
		WithContext("section", section)
}

func NewEncodingError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeEncoding, message, cause)
}

// NewAuthenticationError is returned when the AEAD tag does not verify:
// wrong key or tampered ciphertext.
func NewAuthenticationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeAuthentication, message, cause)
}

// NewIntegrityError is returned when decryption succeeded but the plaintext
// checksum does not match the recorded one.
func NewIntegrityError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeIntegrity, message, cause)
}

func NewConflictError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConflict, message, cause)
}

func NewNotFoundError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNotFound, message, cause)
}

func NewTransientStorageError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeTransientStorage, message, cause)
}

func NewQuotaExceededError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeQuotaExceeded, message, cause)
}

func NewStorageError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeStorage, message, cause)
}

func NewValidationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeValidation, message, cause)
}

func NewConfigurationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConfiguration, message, cause)
}

func NewEncryptionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeEncryption, message, cause)
}

func NewCompressionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCompression, message, cause)
}

func NewMirrorAuthError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeMirrorAuth, message, cause)
}

func NewCancelledError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCancelled, message, cause)
}

// StepError ties a pipeline failure to the stage that produced it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// FailedStep extracts the failing pipeline step from err, if any.
func FailedStep(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

// ValidationError represents validation-specific errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// Merge appends errors returned by a nested Validate, prefixing plain errors with field.
func (e *ValidationErrors) Merge(field string, err error) {
	if err == nil {
		return
	}
	var nested ValidationErrors
	if errors.As(err, &nested) {
		*e = append(*e, nested...)
		return
	}
	e.Add(field, err.Error(), nil)
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// IsType reports whether err wraps a BackupError of the given type.
func IsType(err error, t BackupErrorType) bool {
	var be *BackupError
	if errors.As(err, &be) {
		return be.Type == t
	}
	return false
}

// IsTransient reports whether err is a transient failure worth retrying.
func IsTransient(err error) bool {
	var be *BackupError
	return errors.As(err, &be) && be.IsTransient()
}

// IsPermanent determines if an error is permanent and should not be retried
func IsPermanent(err error) bool {
	var be *BackupError
	if !errors.As(err, &be) {
		return false
	}
	switch be.Type {
	case BackupErrorTypeValidation, BackupErrorTypeConfiguration, BackupErrorTypeAuthentication,
		BackupErrorTypeIntegrity, BackupErrorTypeConflict, BackupErrorTypeEncoding,
		BackupErrorTypeQuotaExceeded, BackupErrorTypeMirrorAuth:
		return true
	}
	return false
}
