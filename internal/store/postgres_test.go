package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/accessdesk/accessdesk/internal/models"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("opening sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "postgres"), nil), mock
}

func testRequest() *models.Request {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Request{
		ID: uuid.New(),
		Principal: models.Principal{
			ARN:     "arn:aws:iam::111111111111:role/app-server",
			Kind:    models.PrincipalRole,
			Account: "111111111111",
			Name:    "app-server",
		},
		Status:          models.RequestPending,
		Requester:       "alice@example.com",
		LastUpdated:     3,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestCreateSetsClock(t *testing.T) {
	s, mock := newMockStore(t)
	req := testRequest()
	req.LastUpdated = 0

	mock.ExpectExec(`INSERT INTO requests`).
		WithArgs(req.ID, req.Principal.ARN, req.Principal.Account, req.Requester,
			req.Status, nil, int64(1), sqlmock.AnyArg(), req.CreatedAt, req.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Create(context.Background(), req); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if req.LastUpdated != 1 {
		t.Errorf("expected logical clock 1, got %d", req.LastUpdated)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetDecodesDocument(t *testing.T) {
	s, mock := newMockStore(t)
	req := testRequest()
	data, _ := json.Marshal(req)

	mock.ExpectQuery(`SELECT data FROM requests WHERE id`).
		WithArgs(req.ID).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))

	got, err := s.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != req.ID || got.Requester != req.Requester || got.LastUpdated != req.LastUpdated {
		t.Errorf("decoded request mismatch: %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT data FROM requests WHERE id`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	_, err := s.Get(context.Background(), id)
	if !errors.Is(err, models.ErrNoMatchingRequest) {
		t.Fatalf("expected ErrNoMatchingRequest, got %v", err)
	}
}

func TestCompareAndSwapAdvancesClock(t *testing.T) {
	s, mock := newMockStore(t)
	req := testRequest()

	mock.ExpectExec(`UPDATE requests`).
		WithArgs(req.Status, nil, int64(4), sqlmock.AnyArg(), sqlmock.AnyArg(), req.ID, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.CompareAndSwap(context.Background(), req); err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if req.LastUpdated != 4 {
		t.Errorf("expected logical clock 4, got %d", req.LastUpdated)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCompareAndSwapStale(t *testing.T) {
	s, mock := newMockStore(t)
	req := testRequest()
	data, _ := json.Marshal(req)

	// The guarded update misses, but the row still exists: a concurrent
	// writer advanced the clock first.
	mock.ExpectExec(`UPDATE requests`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT data FROM requests WHERE id`).
		WithArgs(req.ID).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))

	err := s.CompareAndSwap(context.Background(), req)
	if !errors.Is(err, models.ErrStaleRequest) {
		t.Fatalf("expected ErrStaleRequest, got %v", err)
	}
	if req.LastUpdated != 3 {
		t.Errorf("expected clock restored to 3, got %d", req.LastUpdated)
	}
}

func TestCompareAndSwapGone(t *testing.T) {
	s, mock := newMockStore(t)
	req := testRequest()

	mock.ExpectExec(`UPDATE requests`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT data FROM requests WHERE id`).
		WithArgs(req.ID).
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	err := s.CompareAndSwap(context.Background(), req)
	if !errors.Is(err, models.ErrNoMatchingRequest) {
		t.Fatalf("expected ErrNoMatchingRequest, got %v", err)
	}
}

func TestQueryBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	req := testRequest()
	req.Status = models.RequestApproved
	data, _ := json.Marshal(req)
	deadline := time.Now()

	pattern := regexp.QuoteMeta(
		`SELECT data FROM requests WHERE 1=1 AND status = $1 AND expiration_date IS NOT NULL AND expiration_date <= $2 ORDER BY created_at DESC LIMIT $3`)
	mock.ExpectQuery(pattern).
		WithArgs(models.RequestApproved, deadline, 10).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))

	got, err := s.Query(context.Background(), models.RequestFilter{
		Status:        models.RequestApproved,
		ExpiresBefore: &deadline,
		Limit:         10,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != req.ID {
		t.Errorf("unexpected result: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestQueryEmpty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT data FROM requests`).
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	got, err := s.Query(context.Background(), models.RequestFilter{Requester: "nobody@example.com"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no rows, got %d", len(got))
	}
}
