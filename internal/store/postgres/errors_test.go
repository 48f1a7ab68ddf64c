package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"qms/ticket-service/internal/store"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "tickets_day_sequence_key"}, store.ErrUniqueViolation},
		{"wrapped unique", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), store.ErrUniqueViolation},
		{"serialization", &pgconn.PgError{Code: "40001"}, store.ErrConflict},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, store.ErrConflict},
		{"lock timeout", &pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"}, store.ErrConflict},
	}
	for _, tt := range cases {
		if got := mapError(tt.err); !errors.Is(got, tt.want) {
			t.Fatalf("%s: mapError() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMapErrorPassThrough(t *testing.T) {
	if mapError(nil) != nil {
		t.Fatalf("expected nil")
	}
	plain := errors.New("connection reset")
	if got := mapError(plain); got != plain {
		t.Fatalf("expected unchanged error, got %v", got)
	}
	check := &pgconn.PgError{Code: "23514"}
	if got := mapError(check); store.IsTransient(got) {
		t.Fatalf("check violation must not be retried")
	}
}
