// Package constraint classifies storage errors raised by either supported driver.
package constraint

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Violation is the storage-agnostic class of a failed write.
type Violation int

const (
	// None means err is nil or not a constraint failure.
	None Violation = iota
	Unique
	ForeignKey
	InvalidInput
)

func (v Violation) String() string {
	switch v {
	case Unique:
		return "unique"
	case ForeignKey:
		return "foreign_key"
	case InvalidInput:
		return "invalid_input"
	default:
		return "none"
	}
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgNotNullViolation    = "23502"
	pgInvalidTextRep      = "22P02"
)

// Classify maps err to a Violation.
func Classify(err error) Violation {
	if err == nil {
		return None
	}

	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return Unique
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return ForeignKey
	case errors.Is(err, gorm.ErrCheckConstraintViolated):
		return InvalidInput
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return Unique
		case pgForeignKeyViolation:
			return ForeignKey
		case pgCheckViolation, pgNotNullViolation, pgInvalidTextRep:
			return InvalidInput
		}
		return None
	}

	message := err.Error()
	switch {
	case strings.Contains(message, "UNIQUE constraint failed"):
		return Unique
	case strings.Contains(message, "FOREIGN KEY constraint failed"):
		return ForeignKey
	case strings.Contains(message, "CHECK constraint failed"),
		strings.Contains(message, "NOT NULL constraint failed"):
		return InvalidInput
	}
	return None
}

// IsUnique reports whether err is a unique-key violation.
func IsUnique(err error) bool {
	return Classify(err) == Unique
}

// IsForeignKey reports whether err is a foreign-key violation.
func IsForeignKey(err error) bool {
	return Classify(err) == ForeignKey
}
