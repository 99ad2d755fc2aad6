package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"phone-auth-service/internal/model"
	"phone-auth-service/internal/util"
)

type PhoneOTPRepository struct {
	db PgxIface
}

func NewPhoneOTPRepository(db PgxIface) *PhoneOTPRepository {
	return &PhoneOTPRepository{db: db}
}

func (r *PhoneOTPRepository) Get(ctx context.Context, phone string) (*model.PhoneOTPRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rec := &model.PhoneOTPRecord{}
	err := r.db.QueryRow(ctx,
		`SELECT phone, attempts, last_sent_at FROM phone_otps WHERE phone = $1`,
		phone,
	).Scan(&rec.Phone, &rec.Attempts, &rec.LastSentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		util.Error("Failed to load phone OTP record", zap.String("phone", util.MaskPhone(phone)), zap.Error(err))
		return nil, fmt.Errorf("load phone OTP record: %w", err)
	}
	return rec, nil
}

// ResetIfCooledDown relies on the upsert's WHERE clause: a conflicting row
// still inside the cooldown is left untouched and nothing is returned.
func (r *PhoneOTPRepository) ResetIfCooledDown(ctx context.Context, phone string, now time.Time, cooldown time.Duration) (*model.PhoneOTPRecord, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		rec, written, err := r.tryReset(ctx, phone, now, cooldown)
		if errors.Is(err, model.ErrNotFound) {
			// row deleted between upsert and read; go again
			continue
		}
		return rec, written, err
	}
	return nil, false, model.ErrConflict
}

func (r *PhoneOTPRepository) tryReset(ctx context.Context, phone string, now time.Time, cooldown time.Duration) (*model.PhoneOTPRecord, bool, error) {
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rec := &model.PhoneOTPRecord{}
	err := r.db.QueryRow(qctx, `
INSERT INTO phone_otps (phone, attempts, last_sent_at)
VALUES ($1, 0, $2)
ON CONFLICT (phone) DO UPDATE
SET attempts = 0, last_sent_at = EXCLUDED.last_sent_at
WHERE phone_otps.last_sent_at <= $3
RETURNING phone, attempts, last_sent_at
`, phone, now, now.Add(-cooldown)).Scan(&rec.Phone, &rec.Attempts, &rec.LastSentAt)

	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("reset phone OTP record: %w", err)
	}

	current, err := r.Get(ctx, phone)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *PhoneOTPRepository) IncrementAttempts(ctx context.Context, phone string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var attempts int
	err := r.db.QueryRow(ctx,
		`UPDATE phone_otps SET attempts = attempts + 1 WHERE phone = $1 RETURNING attempts`,
		phone,
	).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, model.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

func (r *PhoneOTPRepository) Delete(ctx context.Context, phone string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, `DELETE FROM phone_otps WHERE phone = $1`, phone)
	if err != nil {
		return fmt.Errorf("delete phone OTP record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *PhoneOTPRepository) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return r.db.Ping(ctx)
}
