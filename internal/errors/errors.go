// Package errors classifies failures from drivers, the network and the
// filesystem so callers can decide whether to retry, and renders them for
// people.
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
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Kind is the broad category of a failure.
type Kind string

const (
	KindConnection  Kind = "connection"
	KindStorage     Kind = "storage"
	KindConflict    Kind = "conflict"
	KindValidation  Kind = "validation"
	KindPermission  Kind = "permission"
	KindTimeout     Kind = "timeout"
	KindInterrupted Kind = "interrupted"
	KindUnknown     Kind = "unknown"
)

// AppError is a classified error. Hint, when set, tells the operator what
// to check.
type AppError struct {
	Kind      Kind
	Message   string
	Hint      string
	Cause     error
	Retryable bool
	Context   map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithHint sets the operator hint.
func (e *AppError) WithHint(hint string) *AppError {
	e.Hint = hint
	return e
}

// New creates a permanent error.
func New(kind Kind, message string, cause error) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: cause}
}

// Retryable creates an error that is worth retrying.
func Retryable(kind Kind, message string, cause error) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: cause, Retryable: true}
}

// transient is implemented by domain errors that know whether they are worth
// retrying.
type transient interface {
	IsTransient() bool
}

type rule func(error) *AppError

// Context errors come first: a deadline wrapped inside a domain error is
// still a timeout.
var rules = []rule{
	contextRule,
	domainRule,
	mysqlRule,
	sqliteRule,
	netRule,
	fsRule,
}

// Classify returns err as an AppError, classifying it when it is not one
// already. It returns nil for a nil error.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	for _, r := range rules {
		if classified := r(err); classified != nil {
			return classified
		}
	}
	return New(KindUnknown, "an unexpected error occurred", err)
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

// KindOf returns the kind of err, KindUnknown for nil.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	return Classify(err).Kind
}

func contextRule(err error) *AppError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Retryable(KindTimeout, "operation timed out", err)
	case errors.Is(err, context.Canceled):
		return New(KindInterrupted, "operation was canceled", err)
	}
	return nil
}

func domainRule(err error) *AppError {
	var t transient
	if !errors.As(err, &t) {
		return nil
	}
	if t.IsTransient() {
		return Retryable(KindStorage, "transient failure", err)
	}
	return New(KindStorage, "permanent failure", err)
}

// mysqlRule covers the registry's MySQL driver.
func mysqlRule(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		var e *AppError
		switch mysqlErr.Number {
		case 1045:
			e = New(KindPermission, "registry access denied", err).
				WithHint("check the registry DSN user and password")
		case 1062:
			e = New(KindConflict, "registry row already exists", err)
		case 1205, 1213:
			e = Retryable(KindConnection, "registry transaction conflict", err)
		case 2003, 2006, 2013:
			e = Retryable(KindConnection, "registry connection lost", err)
		default:
			e = New(KindStorage, "registry error: "+mysqlErr.Message, err)
		}
		return e.WithContext("mysql_error_code", mysqlErr.Number)
	}
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return Retryable(KindConnection, "registry connection is closed", err)
	}
	return nil
}

// sqliteRule covers the embedded registry. Extended result codes carry the
// primary code in the low byte.
func sqliteRule(err error) *AppError {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return nil
	}
	var e *AppError
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		e = Retryable(KindConnection, "registry database is locked", err)
	case sqlite3.SQLITE_CONSTRAINT:
		e = New(KindConflict, "registry constraint violated", err)
	case sqlite3.SQLITE_FULL:
		e = New(KindStorage, "registry disk is full", err)
	case sqlite3.SQLITE_READONLY, sqlite3.SQLITE_PERM, sqlite3.SQLITE_CANTOPEN:
		e = New(KindPermission, "registry database is not writable", err).
			WithHint("check permissions on the registry file and its directory")
	default:
		e = New(KindStorage, "registry error", err)
	}
	return e.WithContext("sqlite_code", sqliteErr.Code())
}

func netRule(err error) *AppError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable(KindTimeout, "network operation timed out", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return Retryable(KindConnection, "failed to establish network connection", err)
		case "read", "write":
			return Retryable(KindConnection, "network I/O error", err)
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Retryable(KindConnection, "DNS lookup failed", err)
	}
	return nil
}

func fsRule(err error) *AppError {
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		return nil
	}
	switch pathErr.Err {
	case syscall.ENOENT:
		return New(KindValidation, "no such file or directory: "+pathErr.Path, err)
	case syscall.EACCES, syscall.EPERM:
		return New(KindPermission, "permission denied: "+pathErr.Path, err)
	case syscall.ENOSPC:
		return New(KindStorage, "no space left on device", err).
			WithHint("free space or lower local_store.max_bytes")
	}
	return nil
}

// FormatUserError renders err for a terminal. Classified errors show their
// message and hint; anything else shows its own text.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return err.Error()
	}
	if appErr.Hint != "" {
		return appErr.Message + " (" + appErr.Hint + ")"
	}
	return appErr.Message
}
