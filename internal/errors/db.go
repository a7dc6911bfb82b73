package errors

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// constraintMessageLink is the unique constraint that allows a message at most one live job.
const constraintMessageLink = "job_messages_message_id_key"

var (
	// reKeyField extracts the column from "Key (field)=(value) already exists.".
	reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)
	// reNotPresent detects a missing parent: "... is not present in table ...".
	reNotPresent = regexp.MustCompile(`is not present in table "?([^"]+)"?`)
)

// MapDBError maps database errors to AppError instances:
//   - context errors become Timeout/Canceled
//   - pgx.ErrNoRows becomes NotFound
//   - unique violations become Conflict
//   - foreign key violations become NotFound for the missing parent
//   - check, not-null and malformed input violations become Validation
//   - connection loss, deadlocks and serialization failures become Unavailable
//
// Unrecognised errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{Code: ErrCodeTimeout, Message: "database operation timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{Code: ErrCodeCanceled, Message: "database operation canceled", Cause: err}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &AppError{Code: ErrCodeNotFound, Message: "resource not found", Cause: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return &AppError{Code: ErrCodeUnavailable, Message: "database unavailable", Cause: err}
	}
	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch {
	case pgErr.Code == pgerrcode.UniqueViolation:
		return mapUniqueViolation(pgErr)
	case pgErr.Code == pgerrcode.ForeignKeyViolation:
		return mapForeignKeyViolation(pgErr)
	case pgErr.Code == pgerrcode.CheckViolation,
		pgErr.Code == pgerrcode.NotNullViolation,
		pgErr.Code == pgerrcode.InvalidTextRepresentation:
		return &AppError{
			Code:    ErrCodeValidation,
			Message: "invalid value",
			Field:   pgErr.ColumnName,
			Cause:   pgErr,
		}
	case IsRetryablePgCode(pgErr.Code):
		return &AppError{Code: ErrCodeUnavailable, Message: "database temporarily unavailable", Cause: pgErr}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "database error", Cause: pgErr}
	}
}

func mapUniqueViolation(pgErr *pgconn.PgError) error {
	if pgErr.ConstraintName == constraintMessageLink {
		return &AppError{
			Code:    ErrCodeConflict,
			Message: "message already has a live delivery job",
			Field:   "message_id",
			Cause:   pgErr,
		}
	}
	field := pgErr.ColumnName
	if field == "" && pgErr.Detail != "" {
		if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			field = m[1]
		}
	}
	return &AppError{Code: ErrCodeConflict, Message: "value already exists", Field: field, Cause: pgErr}
}

func mapForeignKeyViolation(pgErr *pgconn.PgError) error {
	table := pgErr.TableName
	if m := reNotPresent.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		table = m[1]
	}
	field := ""
	if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		field = m[1]
	}
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: "referenced " + tableNoun(table) + " does not exist",
		Field:   field,
		Cause:   pgErr,
	}
}

// IsRetryablePgCode reports whether a SQLSTATE denotes a condition worth retrying.
func IsRetryablePgCode(code string) bool {
	switch code {
	case pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected,
		pgerrcode.LockNotAvailable,
		pgerrcode.AdminShutdown,
		pgerrcode.CannotConnectNow,
		pgerrcode.TooManyConnections:
		return true
	}
	return pgerrcode.IsConnectionException(code)
}

func tableNoun(table string) string {
	switch strings.ToLower(strings.TrimSpace(table)) {
	case "messages":
		return "message"
	case "jobs":
		return "job"
	case "job_messages":
		return "job link"
	case "delivery_attempts":
		return "delivery attempt"
	case "":
		return "record"
	default:
		return strings.ReplaceAll(table, "_", " ")
	}
}
