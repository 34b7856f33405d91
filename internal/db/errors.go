package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"lv-escrow/internal/apperr"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
	codeUndefinedTable       = "42P01"
	codeInvalidText          = "22P02"
)

// errAttemptTimeout marks an attempt that ran past its own deadline while the
// caller's context was still live.
var errAttemptTimeout = errors.New("db: transaction attempt timed out")

// IsTransient reports whether err is worth another attempt of the whole unit
// of work: serialization failures, deadlocks, lock waits, dropped
// connections and attempt deadlines. Domain errors are never transient.
func IsTransient(err error) bool {
	if err == nil || apperr.Domain(err) {
		return false
	}
	if errors.Is(err, errAttemptTimeout) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

func IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

func IsUndefinedTable(err error) bool {
	return hasCode(err, codeUndefinedTable)
}

// IsInvalidText reports a value the server could not parse for its column
// type, such as a malformed uuid.
func IsInvalidText(err error) bool {
	return hasCode(err, codeInvalidText)
}

// NotFound maps a missing row, or a key that cannot name any row, to
// apperr.NotFound. Other errors pass through.
func NotFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) || IsInvalidText(err) {
		return apperr.NotFound(format, args...)
	}
	return err
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
