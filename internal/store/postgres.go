// Package store persists requests in Postgres. The full aggregate is stored
// as a JSONB document; the columns queried by filters and the sweep are
// denormalized alongside it. Every write is guarded by the request's logical
// clock.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/accessdesk/accessdesk/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
    id              UUID PRIMARY KEY,
    principal_arn   TEXT NOT NULL,
    account         TEXT NOT NULL,
    requester       TEXT NOT NULL,
    status          TEXT NOT NULL,
    expiration_date TIMESTAMPTZ,
    last_updated    BIGINT NOT NULL,
    data            JSONB NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_status ON requests (status);
CREATE INDEX IF NOT EXISTS idx_requests_principal ON requests (principal_arn);
CREATE INDEX IF NOT EXISTS idx_requests_expiration ON requests (expiration_date) WHERE expiration_date IS NOT NULL;
`

type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

// Open connects and verifies the database is reachable.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return NewPostgres(db, logger), nil
}

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

// Create inserts a new request with its logical clock at 1.
func (s *Postgres) Create(ctx context.Context, req *models.Request) error {
	req.LastUpdated = 1
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests (id, principal_arn, account, requester, status, expiration_date, last_updated, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.Principal.ARN, req.Principal.Account, req.Requester,
		req.Status, req.ExpirationDate, req.LastUpdated, data, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}
	return nil
}

// Get loads one request by id.
func (s *Postgres) Get(ctx context.Context, id uuid.UUID) (*models.Request, error) {
	var data []byte
	err := s.db.QueryRowxContext(ctx, `SELECT data FROM requests WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrNoMatchingRequest, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading request %s: %w", id, err)
	}
	return decode(data)
}

// CompareAndSwap writes the request back only if its logical clock still
// matches the stored row, then advances the clock. A concurrent writer wins
// the race; the loser gets ErrStaleRequest and must reload.
func (s *Postgres) CompareAndSwap(ctx context.Context, req *models.Request) error {
	expected := req.LastUpdated
	req.LastUpdated = expected + 1
	req.UpdatedAt = time.Now()

	data, err := json.Marshal(req)
	if err != nil {
		req.LastUpdated = expected
		return fmt.Errorf("encoding request: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE requests
		SET status = $1, expiration_date = $2, last_updated = $3, data = $4, updated_at = $5
		WHERE id = $6 AND last_updated = $7`,
		req.Status, req.ExpirationDate, req.LastUpdated, data, req.UpdatedAt, req.ID, expected)
	if err != nil {
		req.LastUpdated = expected
		return fmt.Errorf("updating request %s: %w", req.ID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		req.LastUpdated = expected
		return fmt.Errorf("checking update of %s: %w", req.ID, err)
	}
	if rows == 0 {
		req.LastUpdated = expected
		if _, getErr := s.Get(ctx, req.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", models.ErrStaleRequest, req.ID)
	}
	return nil
}

// Query lists requests matching the filter, newest first.
func (s *Postgres) Query(ctx context.Context, filter models.RequestFilter) ([]*models.Request, error) {
	q := `SELECT data FROM requests WHERE 1=1`
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		q += ` AND status = ` + arg(filter.Status)
	}
	if filter.PrincipalARN != "" {
		q += ` AND principal_arn = ` + arg(filter.PrincipalARN)
	}
	if filter.Requester != "" {
		q += ` AND requester = ` + arg(filter.Requester)
	}
	if filter.ExpiresBefore != nil {
		q += ` AND expiration_date IS NOT NULL AND expiration_date <= ` + arg(*filter.ExpiresBefore)
	}
	q += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ` + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		q += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	var out []*models.Request
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning request row: %w", err)
		}
		req, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating request rows: %w", err)
	}
	return out, nil
}

func decode(data []byte) (*models.Request, error) {
	var req models.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	return &req, nil
}
