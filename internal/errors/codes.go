package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for index operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeMalformedSegment ErrorCode = 1001
	ErrCodeInvalidGeometry  ErrorCode = 1002
	ErrCodeInvalidCell      ErrorCode = 1003
	ErrCodeNotFound         ErrorCode = 1004

	// Protocol outcomes
	ErrCodeRejected         ErrorCode = 1500 // Shard retired or directory entry stale
	ErrCodeDeadlineExceeded ErrorCode = 1501

	// Server errors
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodePersistenceFailed ErrorCode = 2002
	ErrCodeSplitFailed       ErrorCode = 2003
	ErrCodeCorruptedState    ErrorCode = 2004
)

// IndexError represents a structured error with code and context
type IndexError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *IndexError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts IndexError to gRPC status
func (e *IndexError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *IndexError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeMalformedSegment, ErrCodeInvalidGeometry, ErrCodeInvalidCell:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeRejected:
		return codes.FailedPrecondition
	case ErrCodeDeadlineExceeded:
		return codes.DeadlineExceeded
	case ErrCodeUnavailable, ErrCodePersistenceFailed:
		return codes.Unavailable
	case ErrCodeCorruptedState:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewIndexError creates a new IndexError
func NewIndexError(code ErrorCode, message string, cause error) *IndexError {
	return &IndexError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *IndexError) WithDetail(key string, value interface{}) *IndexError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string, cause error) *IndexError {
	return NewIndexError(ErrCodeInvalidArgument, message, cause)
}

func MalformedSegment(trajectoryID, reason string) *IndexError {
	return NewIndexError(ErrCodeMalformedSegment, fmt.Sprintf("malformed segment of trajectory '%s': %s", trajectoryID, reason), nil).
		WithDetail("trajectory_id", trajectoryID).
		WithDetail("reason", reason)
}

func InvalidGeometry(reason string, cause error) *IndexError {
	return NewIndexError(ErrCodeInvalidGeometry, fmt.Sprintf("invalid query geometry: %s", reason), cause).
		WithDetail("reason", reason)
}

func InvalidCell(cell string) *IndexError {
	return NewIndexError(ErrCodeInvalidCell, fmt.Sprintf("invalid grid cell '%s'", cell), nil).
		WithDetail("cell", cell)
}

func NotFound(what string) *IndexError {
	return NewIndexError(ErrCodeNotFound, fmt.Sprintf("%s not found", what), nil)
}

func Rejected(cell string, resolutionHint int) *IndexError {
	return NewIndexError(ErrCodeRejected, fmt.Sprintf("shard %s is retired", cell), nil).
		WithDetail("cell", cell).
		WithDetail("resolution_hint", resolutionHint)
}

func DeadlineExceeded(operation string, cause error) *IndexError {
	return NewIndexError(ErrCodeDeadlineExceeded, fmt.Sprintf("%s did not complete before the deadline", operation), cause).
		WithDetail("operation", operation)
}

func InternalError(message string, cause error) *IndexError {
	return NewIndexError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *IndexError {
	return NewIndexError(ErrCodeUnavailable, message, cause)
}

func PersistenceFailed(key string, cause error) *IndexError {
	return NewIndexError(ErrCodePersistenceFailed, fmt.Sprintf("failed to persist state '%s'", key), cause).
		WithDetail("key", key)
}

func SplitFailed(cell string, cause error) *IndexError {
	return NewIndexError(ErrCodeSplitFailed, fmt.Sprintf("split of %s failed", cell), cause).
		WithDetail("cell", cell)
}

func CorruptedState(key string, cause error) *IndexError {
	return NewIndexError(ErrCodeCorruptedState, fmt.Sprintf("corrupted state '%s'", key), cause).
		WithDetail("key", key)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ie *IndexError
	if stderrors.As(err, &ie) {
		return ie.Code
	}
	return ErrCodeInternal
}

// IsTransient reports whether the failure is safe to retry against the same
// target: transport problems and failed flushes (state changes are idempotent).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	switch GetCode(err) {
	case ErrCodeUnavailable, ErrCodePersistenceFailed:
		return true
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		}
	}
	return false
}

// FromGRPC maps an error returned by a gRPC call back into an IndexError
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}
	s, ok := status.FromError(err)
	if !ok {
		return Unavailable("rpc failed", err)
	}
	switch s.Code() {
	case codes.InvalidArgument:
		return InvalidArgument(s.Message(), nil)
	case codes.NotFound:
		return NewIndexError(ErrCodeNotFound, s.Message(), nil)
	case codes.FailedPrecondition:
		return NewIndexError(ErrCodeRejected, s.Message(), nil)
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return Unavailable(s.Message(), err)
	case codes.DeadlineExceeded:
		// A per-call timeout is a transport failure, not a verdict
		return Unavailable(s.Message(), err)
	case codes.Canceled:
		return context.Canceled
	case codes.DataLoss:
		return CorruptedState(s.Message(), nil)
	default:
		return InternalError(s.Message(), err)
	}
}

// ToGRPC converts any error into a gRPC status error for handlers
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var ie *IndexError
	if stderrors.As(err, &ie) {
		return ie.ToGRPCStatus().Err()
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if stderrors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
