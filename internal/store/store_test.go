package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassifyNotFound(t *testing.T) {
	err := classify(pgx.ErrNoRows)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("classify(pgx.ErrNoRows) = %v, want ErrNotFound", err)
	}
}

func TestClassifyConflict(t *testing.T) {
	pgErr := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "services_name_key"}
	err := classify(pgErr)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("classify(unique violation) = %v, want ErrConflict", err)
	}
}

func TestClassifyNil(t *testing.T) {
	if err := classify(nil); err != nil {
		t.Fatalf("classify(nil) = %v, want nil", err)
	}
}

func TestClassifyOther(t *testing.T) {
	cause := errors.New("connection reset")
	err := classify(cause)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		t.Fatalf("classify(%v) should not be NotFound or Conflict", cause)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("classify(%v) should wrap the original cause", cause)
	}
}
