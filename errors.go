package caseselect

import (
	"fmt"

	"github.com/pkg/errors"
)

// error codes
const (
	// ErrCodeGeneral general error
	ErrCodeGeneral = "error.general"
	// ErrCodeDbFail database access error
	ErrCodeDbFail = "error.db"
	// ErrCodeConflict a running job already exists for the release
	ErrCodeConflict = "error.conflict"
	// ErrCodeNotFound referenced release or job does not exist
	ErrCodeNotFound = "error.notfound"
	// ErrCodeUnauthorized caller lacks the data-owner role for the release
	ErrCodeUnauthorized = "error.unauthorized"
	// ErrCodeRetry transient commit conflict, safe to retry the same batch
	ErrCodeRetry = "error.retry"
	// ErrCodeEvaluator the eligibility evaluator faulted, batch not applied
	ErrCodeEvaluator = "error.evaluator"
	// ErrCodeInvariant job internal state violation, fatal to that job only
	ErrCodeInvariant = "error.invariant"
)

// BatchError error interface with a code for the job engine
type BatchError interface {
	error
	// Code error code
	Code() string
	// Message readable error message
	Message() string
	// Unwrap original error
	Unwrap() error
}

type batchError struct {
	code string
	msg  string
	err  error
}

// NewBatchError create a BatchError instance. If the last argument is an
// error it is recorded as the cause, the rest feed the format string.
func NewBatchError(code string, msg string, args ...interface{}) BatchError {
	var cause error
	if len(args) > 0 {
		if e, ok := args[len(args)-1].(error); ok {
			cause = e
			args = args[:len(args)-1]
		}
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	if cause != nil {
		if _, ok := cause.(interface{ StackTrace() errors.StackTrace }); !ok {
			cause = errors.WithStack(cause)
		}
	}
	return &batchError{code: code, msg: msg, err: cause}
}

func (e *batchError) Code() string {
	return e.code
}

func (e *batchError) Message() string {
	return e.msg
}

func (e *batchError) Unwrap() error {
	return e.err
}

func (e *batchError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%v: %v, cause: %v", e.code, e.msg, e.err)
	}
	return fmt.Sprintf("%v: %v", e.code, e.msg)
}

// ConflictError returned by StartJob when the release already has a running
// job. Carries the conflicting job id(s).
type ConflictError struct {
	ReleaseId string
	JobIds    []int64
}

func (e *ConflictError) Code() string {
	return ErrCodeConflict
}

func (e *ConflictError) Message() string {
	return e.Error()
}

func (e *ConflictError) Unwrap() error {
	return nil
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: release:%v already has running job(s):%v", ErrCodeConflict, e.ReleaseId, e.JobIds)
}

// ErrorCode extract the code of a BatchError, ErrCodeGeneral for other errors
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if be, ok := err.(BatchError); ok {
		return be.Code()
	}
	return ErrCodeGeneral
}

// Retryable reports whether the error leaves the job record untouched so the
// same batch can be retried on the next invocation.
func Retryable(err error) bool {
	code := ErrorCode(err)
	return code == ErrCodeRetry || code == ErrCodeEvaluator
}
