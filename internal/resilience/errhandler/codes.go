package errhandler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/resilience/ratelimit"
)

// Category decides how an error is treated.
type Category string

const (
	CategoryRetryable Category = "RETRYABLE"
	CategoryTransient Category = "TRANSIENT"
	CategoryPermanent Category = "PERMANENT"
	CategorySecurity  Category = "SECURITY"
)

// Retryable reports whether errors of this category may be retried.
func (c Category) Retryable() bool {
	return c == CategoryRetryable || c == CategoryTransient
}

// Code identifies an error kind. Classification looks only at codes.
type Code string

const (
	CodeAPITimeout       Code = "API_TIMEOUT"
	CodeNetworkError     Code = "NETWORK_ERROR"
	CodeQueueError       Code = "QUEUE_ERROR"
	CodeStorageError     Code = "STORAGE_ERROR"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeUnknown          Code = "UNKNOWN"
	CodeVoiceProcessing  Code = "VOICE_PROCESSING_ERROR"
	CodeCallQuality      Code = "CALL_QUALITY"
	CodeDBCorruption     Code = "DATABASE_CORRUPTION"
	CodePersistentFail   Code = "PERSISTENT_STORAGE_FAILURE"
	CodeInvalidJob       Code = "INVALID_JOB"
	CodeInvalidConfig    Code = "INVALID_CONFIG"
	CodeAuthFailed       Code = "AUTHENTICATION_FAILED"
	CodeUnauthorized     Code = "UNAUTHORIZED_ACCESS"
	CodeEncryptionFailed Code = "ENCRYPTION_FAILURE"
)

var categories = map[Code]Category{
	CodeAPITimeout:       CategoryRetryable,
	CodeNetworkError:     CategoryRetryable,
	CodeQueueError:       CategoryRetryable,
	CodeStorageError:     CategoryRetryable,
	CodeRateLimited:      CategoryRetryable,
	CodeUnknown:          CategoryRetryable,
	CodeVoiceProcessing:  CategoryTransient,
	CodeCallQuality:      CategoryTransient,
	CodeDBCorruption:     CategoryPermanent,
	CodePersistentFail:   CategoryPermanent,
	CodeInvalidJob:       CategoryPermanent,
	CodeInvalidConfig:    CategoryPermanent,
	CodeAuthFailed:       CategorySecurity,
	CodeUnauthorized:     CategorySecurity,
	CodeEncryptionFailed: CategorySecurity,
}

// fatalCodes terminate the process when fail-fast is enabled.
var fatalCodes = map[Code]bool{
	CodeDBCorruption:   true,
	CodePersistentFail: true,
}

// CategoryOf returns the category of a code. Unknown codes are retryable.
func CategoryOf(code Code) Category {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryRetryable
}

// IsFatal reports whether the code terminates the process under fail-fast.
func IsFatal(code Code) bool {
	return fatalCodes[code]
}

// Error is an error tagged with a classification code.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Code))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf creates a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with a code. A nil err stays nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf derives the code of any error. Explicit codes win; well known
// library errors are mapped; everything else is UNKNOWN.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return codeFromSQLState(pgErr.Code)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeAPITimeout
	case errors.Is(err, ratelimit.ErrLimitExceeded):
		return CodeRateLimited
	case errors.Is(err, domain.ErrInvalidJob):
		return CodeInvalidJob
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeAPITimeout
		}
		return CodeNetworkError
	}

	return CodeUnknown
}

// Classify returns the code and category of err.
func Classify(err error) (Code, Category) {
	code := CodeOf(err)
	return code, CategoryOf(code)
}

// codeFromSQLState maps Postgres SQLSTATE classes to codes.
func codeFromSQLState(state string) Code {
	switch state {
	case "XX001", "XX002": // data_corrupted, index_corrupted
		return CodeDBCorruption
	case "42501": // insufficient_privilege
		return CodeUnauthorized
	}
	if len(state) < 2 {
		return CodeStorageError
	}
	switch state[:2] {
	case "08": // connection exception
		return CodeNetworkError
	case "28": // invalid authorization
		return CodeAuthFailed
	case "58": // system error, e.g. io_error
		return CodePersistentFail
	default:
		return CodeStorageError
	}
}
