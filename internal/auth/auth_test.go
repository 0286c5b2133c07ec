package auth

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"golang.org/x/crypto/bcrypt"
)

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := New(db, "test-signing-secret")
	s.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s, mock
}

func TestRegisterVenue(t *testing.T) {
	s, mock := newMockService(t)

	mock.ExpectExec(regexp.QuoteMeta(`
		INSERT INTO venues (id, name, secret_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`)).
		WithArgs(sqlmock.AnyArg(), "The Basement", sqlmock.AnyArg(), s.now().UTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	v, err := s.Register(context.Background(), "  The Basement  ", "hunter2")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if v.ID == "" || v.Name != "The Basement" {
		t.Fatalf("venue = %+v", v)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	s, _ := newMockService(t)
	if _, err := s.Register(context.Background(), "", "secret"); err == nil {
		t.Fatal("empty name accepted")
	}
	if _, err := s.Register(context.Background(), "name", ""); err == nil {
		t.Fatal("empty secret accepted")
	}
}

func TestLoginAndVerifyRoundTrip(t *testing.T) {
	s, mock := newMockService(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	mock.ExpectQuery(regexp.QuoteMeta(`
		SELECT secret_hash
		FROM venues
		WHERE id = $1
	`)).
		WithArgs("venue-1").
		WillReturnRows(sqlmock.NewRows([]string{"secret_hash"}).AddRow(hash))

	token, err := s.Login(context.Background(), "venue-1", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	venueID, err := s.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if venueID != "venue-1" {
		t.Fatalf("verify returned %q, want venue-1", venueID)
	}
}

func TestLoginWrongSecret(t *testing.T) {
	s, mock := newMockService(t)

	hash, _ := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	mock.ExpectQuery(`SELECT secret_hash`).
		WithArgs("venue-1").
		WillReturnRows(sqlmock.NewRows([]string{"secret_hash"}).AddRow(hash))

	if _, err := s.Login(context.Background(), "venue-1", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginUnknownVenue(t *testing.T) {
	s, mock := newMockService(t)

	mock.ExpectQuery(`SELECT secret_hash`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"secret_hash"}))

	if _, err := s.Login(context.Background(), "nope", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyRejectsGarbageAndExpired(t *testing.T) {
	s, mock := newMockService(t)

	if _, err := s.Verify("not-a-token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("garbage token: got %v, want ErrUnauthorized", err)
	}

	hash, _ := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	mock.ExpectQuery(`SELECT secret_hash`).
		WithArgs("venue-1").
		WillReturnRows(sqlmock.NewRows([]string{"secret_hash"}).AddRow(hash))

	token, err := s.Login(context.Background(), "venue-1", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	// Two days past issuance the 24h token must be dead.
	s.now = func() time.Time { return time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC) }
	if _, err := s.Verify(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired token: got %v, want ErrUnauthorized", err)
	}
}
