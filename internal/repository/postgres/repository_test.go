package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"phone-auth-service/internal/model"
)

// ---------- Mocks ----------

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		case *time.Time:
			*p = r.values[i].(time.Time)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

type fakeDB struct {
	rows    map[string]fakeRow // keyed by first SQL keyword
	execTag string
	execErr error
	queries []string
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	keyword := strings.Fields(sql)[0]
	f.queries = append(f.queries, keyword)
	return f.rows[keyword]
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(f.execTag), f.execErr
}

func (f *fakeDB) Ping(context.Context) error { return nil }
func (f *fakeDB) Close()                     {}

// ---------- Tests ----------

func TestResetIfCooledDownWritten(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeDB{rows: map[string]fakeRow{
		"INSERT": {values: []any{"+966501234567", 0, now}},
	}}
	repo := NewPhoneOTPRepository(db)

	rec, written, err := repo.ResetIfCooledDown(context.Background(), "+966501234567", now, time.Minute)
	if err != nil || !written {
		t.Fatalf("ResetIfCooledDown = %v, %v", written, err)
	}
	if rec.Attempts != 0 || !rec.LastSentAt.Equal(now) {
		t.Fatalf("record = %+v", rec)
	}
}

func TestResetIfCooledDownStillCooling(t *testing.T) {
	sent := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeDB{rows: map[string]fakeRow{
		"INSERT": {err: pgx.ErrNoRows},
		"SELECT": {values: []any{"+966501234567", 2, sent}},
	}}
	repo := NewPhoneOTPRepository(db)

	rec, written, err := repo.ResetIfCooledDown(context.Background(), "+966501234567", sent.Add(20*time.Second), time.Minute)
	if err != nil || written {
		t.Fatalf("ResetIfCooledDown = %v, %v", written, err)
	}
	if rec.Attempts != 2 || !rec.LastSentAt.Equal(sent) {
		t.Fatalf("record = %+v", rec)
	}
}

func TestResetIfCooledDownRowVanished(t *testing.T) {
	db := &fakeDB{rows: map[string]fakeRow{
		"INSERT": {err: pgx.ErrNoRows},
		"SELECT": {err: pgx.ErrNoRows},
	}}
	repo := NewPhoneOTPRepository(db)

	_, _, err := repo.ResetIfCooledDown(context.Background(), "p", time.Now(), time.Minute)
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if len(db.queries) != 4 {
		t.Fatalf("expected two upsert rounds, got queries %v", db.queries)
	}
}

func TestIncrementAttemptsMissing(t *testing.T) {
	db := &fakeDB{rows: map[string]fakeRow{"UPDATE": {err: pgx.ErrNoRows}}}
	repo := NewPhoneOTPRepository(db)

	if _, err := repo.IncrementAttempts(context.Background(), "p"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementAttemptsReturnsNewCount(t *testing.T) {
	db := &fakeDB{rows: map[string]fakeRow{"UPDATE": {values: []any{3}}}}
	repo := NewPhoneOTPRepository(db)

	n, err := repo.IncrementAttempts(context.Background(), "p")
	if err != nil || n != 3 {
		t.Fatalf("IncrementAttempts = %d, %v", n, err)
	}
}

func TestDeleteMissing(t *testing.T) {
	repo := NewPhoneOTPRepository(&fakeDB{execTag: "DELETE 0"})
	if err := repo.Delete(context.Background(), "p"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	repo = NewPhoneOTPRepository(&fakeDB{execTag: "DELETE 1"})
	if err := repo.Delete(context.Background(), "p"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestMarkPhoneVerifiedRejectsBadID(t *testing.T) {
	repo := NewProfileRepository(&fakeDB{execTag: "UPDATE 1"})
	if err := repo.MarkPhoneVerified(context.Background(), "not-a-uuid"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.MarkPhoneVerified(context.Background(), "7d9f4a52-6c1e-4d8b-9a57-1f0b2f3c4d5e"); err != nil {
		t.Fatalf("MarkPhoneVerified: %v", err)
	}
}

func TestFindByPhoneMissing(t *testing.T) {
	repo := NewProfileRepository(&fakeDB{rows: map[string]fakeRow{"SELECT": {err: pgx.ErrNoRows}}})
	if _, err := repo.FindByPhone(context.Background(), "p"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
