package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal error codes for DDB operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// No-op recoverable
	ErrCodeDuplicateRecord ErrorCode = 1000
	ErrCodeAlreadyCurrent  ErrorCode = 1001

	// Rejected input, the link stays up
	ErrCodeInvalidRecord ErrorCode = 1100
	ErrCodeInvalidKey    ErrorCode = 1101
	ErrCodeInvalidValue  ErrorCode = 1102
	ErrCodeUnknownTable  ErrorCode = 1103
	ErrCodeMalformedLine ErrorCode = 1104
	ErrCodeNotAuthorized ErrorCode = 1105
	ErrCodeKeyTooLarge   ErrorCode = 1106
	ErrCodeValueTooLarge ErrorCode = 1107
	ErrCodeUnknownPeer   ErrorCode = 1108

	// Resync recoverable
	ErrCodeHashMismatch    ErrorCode = 2000
	ErrCodeStaleJoin       ErrorCode = 2001
	ErrCodeCorruptSnapshot ErrorCode = 2002

	// Fatal
	ErrCodeFileIO              ErrorCode = 3000
	ErrCodeFingerprintMismatch ErrorCode = 3001
	ErrCodeCorruptedLog        ErrorCode = 3002
)

// Severity classifies how the engine reacts to an error
type Severity int

const (
	SeverityNoOp Severity = iota
	SeverityRejected
	SeverityResync
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityNoOp:
		return "noop"
	case SeverityRejected:
		return "rejected"
	case SeverityResync:
		return "resync"
	case SeverityFatal:
		return "fatal"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// DDBError represents a structured error with code and context
type DDBError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *DDBError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *DDBError) Unwrap() error {
	return e.Cause
}

// Severity maps the error code to the engine reaction
func (e *DDBError) Severity() Severity {
	switch {
	case e.Code >= ErrCodeFileIO:
		return SeverityFatal
	case e.Code >= ErrCodeHashMismatch:
		return SeverityResync
	case e.Code >= ErrCodeInvalidRecord:
		return SeverityRejected
	default:
		return SeverityNoOp
	}
}

// NewDDBError creates a new DDBError
func NewDDBError(code ErrorCode, message string, cause error) *DDBError {
	return &DDBError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *DDBError) WithDetail(key string, value interface{}) *DDBError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func DuplicateRecord(table string, serial, current uint64) *DDBError {
	return NewDDBError(ErrCodeDuplicateRecord, fmt.Sprintf("table %s: serial %d is not newer than %d", table, serial, current), nil).
		WithDetail("table", table).
		WithDetail("serial", serial).
		WithDetail("current", current)
}

func InvalidRecord(message string, cause error) *DDBError {
	return NewDDBError(ErrCodeInvalidRecord, message, cause)
}

func InvalidKey(key, reason string) *DDBError {
	return NewDDBError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func InvalidValue(reason string) *DDBError {
	return NewDDBError(ErrCodeInvalidValue, fmt.Sprintf("invalid value: %s", reason), nil).
		WithDetail("reason", reason)
}

func KeyTooLarge(size, maxSize int) *DDBError {
	return NewDDBError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *DDBError {
	return NewDDBError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func UnknownTable(table string) *DDBError {
	return NewDDBError(ErrCodeUnknownTable, fmt.Sprintf("unknown table '%s'", table), nil).
		WithDetail("table", table)
}

func UnknownPeer(peerID string) *DDBError {
	return NewDDBError(ErrCodeUnknownPeer, fmt.Sprintf("unknown peer '%s'", peerID), nil).
		WithDetail("peer", peerID)
}

func MalformedLine(line string, cause error) *DDBError {
	return NewDDBError(ErrCodeMalformedLine, fmt.Sprintf("malformed line %q", line), cause).
		WithDetail("line", line)
}

func NotAuthorized(peerID, operation string) *DDBError {
	return NewDDBError(ErrCodeNotAuthorized, fmt.Sprintf("peer %s is not a hub, %s refused", peerID, operation), nil).
		WithDetail("peer", peerID).
		WithDetail("operation", operation)
}

func HashMismatch(table, expected, actual string) *DDBError {
	return NewDDBError(ErrCodeHashMismatch, fmt.Sprintf("table %s: hash mismatch: expected %s, got %s", table, expected, actual), nil).
		WithDetail("table", table).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func StaleJoin(peerID, table string, since, current uint64) *DDBError {
	return NewDDBError(ErrCodeStaleJoin, fmt.Sprintf("open peer %s asked table %s from %d, current is %d", peerID, table, since, current), nil).
		WithDetail("peer", peerID).
		WithDetail("table", table)
}

func CorruptSnapshot(message string, cause error) *DDBError {
	return NewDDBError(ErrCodeCorruptSnapshot, message, cause)
}

func FileIO(message string, cause error) *DDBError {
	return NewDDBError(ErrCodeFileIO, message, cause)
}

func FingerprintMismatch(path string) *DDBError {
	return NewDDBError(ErrCodeFingerprintMismatch, fmt.Sprintf("file %s was modified outside ddbd", path), nil).
		WithDetail("path", path)
}

func CorruptedLog(message string, cause error) *DDBError {
	return NewDDBError(ErrCodeCorruptedLog, message, cause)
}

// IsDDBError checks if an error is a DDBError
func IsDDBError(err error) bool {
	var de *DDBError
	return errors.As(err, &de)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var de *DDBError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeFileIO
}

// SeverityOf classifies any error. Errors that are not DDBErrors are fatal:
// they come from the file layer.
func SeverityOf(err error) Severity {
	if err == nil {
		return SeverityNoOp
	}
	var de *DDBError
	if errors.As(err, &de) {
		return de.Severity()
	}
	return SeverityFatal
}

// IsFatal reports whether the error must terminate the process
func IsFatal(err error) bool {
	return err != nil && SeverityOf(err) == SeverityFatal
}
