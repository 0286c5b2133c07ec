// Package auth maintains the venue registry and issues the opaque
// bearer credentials admin and kiosk clients attach to their calls.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrVenueExists signals the venue name is already taken.
	ErrVenueExists = errors.New("venue already exists")
	// ErrInvalidCredentials indicates a login failure.
	ErrInvalidCredentials = errors.New("invalid venue or admin secret")
	// ErrUnauthorized indicates an invalid or expired token.
	ErrUnauthorized = errors.New("unauthorized")

	dummySecretHash = []byte("$2a$10$CwTycUXWue0Thq9StjUM0uJ8n4VWeNseyX2fA9DE.D7su7J6iYGTC")
)

// Venue is a registered tenant.
type Venue struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service provides venue registration and credential issuance backed by
// Postgres.
type Service struct {
	db        *sql.DB
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// New sets up a Service using the provided database handle.
func New(db *sql.DB, jwtSecret string) *Service {
	return &Service{
		db:        db,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  24 * time.Hour,
		now:       time.Now,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS venues (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	secret_hash TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema applies the venue table definition. Idempotent.
func (s *Service) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply venue schema: %w", err)
	}
	return nil
}

// Register creates a venue with an admin secret.
func (s *Service) Register(ctx context.Context, name, adminSecret string) (Venue, error) {
	name = strings.TrimSpace(name)
	if name == "" || adminSecret == "" {
		return Venue{}, fmt.Errorf("venue name and admin secret are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminSecret), bcrypt.DefaultCost)
	if err != nil {
		return Venue{}, fmt.Errorf("hash admin secret: %w", err)
	}

	v := Venue{ID: uuid.NewString(), Name: name, CreatedAt: s.now().UTC()}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO venues (id, name, secret_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`, v.ID, v.Name, string(hash), v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Venue{}, ErrVenueExists
		}
		return Venue{}, fmt.Errorf("insert venue: %w", err)
	}
	return v, nil
}

type venueClaims struct {
	VenueID string `json:"venueId"`
	jwt.RegisteredClaims
}

// Login validates the admin secret and returns a signed bearer token.
func (s *Service) Login(ctx context.Context, venueID, adminSecret string) (string, error) {
	var hash []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT secret_hash
		FROM venues
		WHERE id = $1
	`, venueID).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Constant-time-ish: burn a compare so absent venues are
			// indistinguishable from wrong secrets.
			_ = bcrypt.CompareHashAndPassword(dummySecretHash, []byte(adminSecret))
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("lookup venue: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(adminSecret)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, venueClaims{
		VenueID: venueID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	})
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a bearer token and returns the venue it authorizes.
// The rest of the system treats the token as opaque; this is the only
// place that looks inside.
func (s *Service) Verify(tokenString string) (string, error) {
	claims := &venueClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid || claims.VenueID == "" {
		return "", ErrUnauthorized
	}
	return claims.VenueID, nil
}

// Get fetches a venue by ID.
func (s *Service) Get(ctx context.Context, id string) (Venue, error) {
	var v Venue
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at
		FROM venues
		WHERE id = $1
	`, id).Scan(&v.ID, &v.Name, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Venue{}, ErrInvalidCredentials
	}
	if err != nil {
		return Venue{}, fmt.Errorf("get venue: %w", err)
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// Fallback for drivers (sqlmock) that don't surface PgError.
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
