package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/folio/internal/billing"
)

// Schema creates the reservations table.
const Schema = `
CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	doc JSONB NOT NULL,
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresStore stores each reservation as one JSONB document.
type PostgresStore struct {
	db dbtx
}

// NewPostgresStore wraps a pool or transaction.
func NewPostgresStore(db dbtx) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (billing.Reservation, error) {
	var (
		raw     []byte
		version int64
	)
	err := s.db.QueryRow(ctx, `SELECT doc, version FROM reservations WHERE id = $1`, id).Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Reservation{}, ErrNotFound
	}
	if err != nil {
		return billing.Reservation{}, fmt.Errorf("reservation: get %s: %w", id, err)
	}
	var r billing.Reservation
	if err := json.Unmarshal(raw, &r); err != nil {
		return billing.Reservation{}, fmt.Errorf("reservation: decode %s: %w", id, err)
	}
	r.ID = id
	r.Version = version
	return r, nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, r billing.Reservation) (billing.Reservation, error) {
	if r.ID == "" {
		return billing.Reservation{}, errors.New("reservation: id required")
	}
	r = r.Clone()
	r.Version = 1
	raw, err := json.Marshal(r)
	if err != nil {
		return billing.Reservation{}, fmt.Errorf("reservation: encode %s: %w", r.ID, err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO reservations (id, doc, version) VALUES ($1, $2, $3)`, r.ID, raw, r.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return billing.Reservation{}, ErrExists
		}
		return billing.Reservation{}, fmt.Errorf("reservation: create %s: %w", r.ID, err)
	}
	return r, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, r billing.Reservation) (billing.Reservation, error) {
	r = r.Clone()
	expected := r.Version
	r.Version++
	raw, err := json.Marshal(r)
	if err != nil {
		return billing.Reservation{}, fmt.Errorf("reservation: encode %s: %w", r.ID, err)
	}
	var version int64
	err = s.db.QueryRow(ctx, `
		UPDATE reservations
		SET doc = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $3
		RETURNING version
	`, r.ID, raw, expected).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return billing.Reservation{}, fmt.Errorf("reservation: save %s: %w", r.ID, err)
		}
		if !exists {
			return billing.Reservation{}, ErrNotFound
		}
		return billing.Reservation{}, ErrVersionConflict
	}
	if err != nil {
		return billing.Reservation{}, fmt.Errorf("reservation: save %s: %w", r.ID, err)
	}
	r.Version = version
	return r, nil
}
