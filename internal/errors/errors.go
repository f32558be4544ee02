package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/go-sql-driver/mysql"
)

// ErrorType represents the category of a pipeline failure
type ErrorType string

const (
	// ErrorTypeConnection represents failures reaching or authenticating to a database
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeDump represents failures producing a raw dump
	ErrorTypeDump ErrorType = "dump"
	// ErrorTypeValidation represents a dump that failed restore-and-verify
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeCompression represents codec failures
	ErrorTypeCompression ErrorType = "compression"
	// ErrorTypeIO represents local filesystem failures
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeEncryption represents failures sealing an artifact
	ErrorTypeEncryption ErrorType = "encryption"
	// ErrorTypeAuthentication represents ciphertext that failed authentication
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeUpload represents cloud transfer failures
	ErrorTypeUpload ErrorType = "upload"
	// ErrorTypeOwnerMismatch represents a bucket whose owner differs from the expected one
	ErrorTypeOwnerMismatch ErrorType = "owner_mismatch"
	// ErrorTypeConfiguration represents invalid jobs or settings
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeTimeout represents operations that exceeded their deadline
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInterruption represents caller cancellation
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unclassified errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents a classified error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable reports whether retrying the operation may succeed
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new non-recoverable error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	e := NewAppError(errorType, message, cause)
	e.Recoverable = true
	return e
}

func NewConnectionError(message string, cause error) *AppError {
	return NewRecoverableError(ErrorTypeConnection, message, cause)
}

func NewDumpError(message string, cause error) *AppError {
	return NewRecoverableError(ErrorTypeDump, message, cause)
}

func NewValidationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeValidation, message, cause)
}

func NewCompressionError(message string, cause error) *AppError {
	return NewRecoverableError(ErrorTypeCompression, message, cause)
}

func NewIOError(message string, cause error) *AppError {
	return NewRecoverableError(ErrorTypeIO, message, cause)
}

func NewEncryptionError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeEncryption, message, cause)
}

func NewAuthenticationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeAuthentication, message, cause)
}

func NewUploadError(message string, cause error) *AppError {
	return NewRecoverableError(ErrorTypeUpload, message, cause)
}

// NewOwnerMismatchError reports a bucket owned by someone other than expected.
// It is an upload failure that must never be retried.
func NewOwnerMismatchError(bucket, expected string, cause error) *AppError {
	return NewAppError(ErrorTypeOwnerMismatch,
		fmt.Sprintf("bucket %q is not owned by %q", bucket, expected), cause).
		WithContext("bucket", bucket).
		WithContext("expected_owner", expected)
}

func NewConfigurationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeConfiguration, message, cause)
}

func NewCanceledError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeInterruption, message, cause)
}

// ErrorClassifier maps raw driver, network and filesystem errors onto AppError
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if mysqlErr := ec.classifyMySQLError(err); mysqlErr != nil {
		return mysqlErr
	}

	// Context errors come before network errors: a deadline surfaces as net.Error too.
	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}

	if netErr := ec.classifyNetworkError(err); netErr != nil {
		return netErr
	}

	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifyMySQLError classifies MySQL-specific errors
func (ec *ErrorClassifier) classifyMySQLError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1044, 1045: // Access denied
			return NewAppError(ErrorTypeConnection,
				"Database access denied - check username and password", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1049: // Unknown database
			return NewConfigurationError("Database does not exist", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1007: // Database exists
			return NewValidationError("Validation database already exists", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1040, 2003, 2006, 2013: // Too many connections, can't connect, gone away, lost connection
			return NewConnectionError(
				"MySQL server unreachable or connection lost", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		default:
			return NewDumpError(
				fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err).
				WithContext("mysql_error_code", mysqlErr.Number)
		}
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn) {
		return NewConnectionError("Database connection is closed", err)
	}

	return nil
}

// classifyNetworkError classifies network-related errors
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewConnectionError("Failed to establish network connection", err)
		case "read", "write":
			return NewConnectionError("Network I/O error", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout, "Network operation timed out", err)
	}

	return nil
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverableError(ErrorTypeTimeout, "Operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewCanceledError("Operation was canceled", err)
	}

	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch {
		case errors.Is(pathErr.Err, syscall.ENOENT):
			return NewAppError(ErrorTypeIO,
				fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
		case errors.Is(pathErr.Err, syscall.EACCES):
			return NewAppError(ErrorTypeIO,
				fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
		default:
			return NewIOError(fmt.Sprintf("Filesystem error on %s", pathErr.Path), err)
		}
	}

	return nil
}

// IsTransient reports whether err is a recoverable AppError.
// Unclassified errors are treated as permanent.
func IsTransient(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// Is reports whether err carries the given error type anywhere in its chain
func Is(err error, errorType ErrorType) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type == errorType {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// FormatUserError formats an error for display to users
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.GetUserMessage()
	}

	return err.Error()
}

// WrapError wraps an existing error with a message, keeping its classification
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	classified := NewErrorClassifier().ClassifyError(err)
	wrapped := NewAppError(classified.Type, message, err)
	wrapped.Recoverable = classified.Recoverable
	return wrapped
}
