package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"phone-auth-service/internal/model"
	"phone-auth-service/internal/util"
)

// lightweight transactions can lose races; retry a few times before giving up
const maxCASRetries = 5

// PhoneOTPRepository keeps phone_otps rows with Paxos-backed conditional
// writes so cooldown and attempt counting hold across instances.
type PhoneOTPRepository struct {
	client *ScyllaClient
}

func NewPhoneOTPRepository(client *ScyllaClient) *PhoneOTPRepository {
	return &PhoneOTPRepository{client: client}
}

func (r *PhoneOTPRepository) Get(ctx context.Context, phone string) (*model.PhoneOTPRecord, error) {
	rec := &model.PhoneOTPRecord{}
	err := r.client.Query(ctx, r.client.Statements.GetPhoneOTP, phone).
		Scan(&rec.Phone, &rec.Attempts, &rec.LastSentAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		util.Error("Failed to load phone OTP record", zap.String("phone", util.MaskPhone(phone)), zap.Error(err))
		return nil, fmt.Errorf("failed to load phone OTP record: %w", err)
	}
	return rec, nil
}

func (r *PhoneOTPRepository) ResetIfCooledDown(ctx context.Context, phone string, now time.Time, cooldown time.Duration) (*model.PhoneOTPRecord, bool, error) {
	now = now.UTC().Truncate(time.Millisecond)
	threshold := now.Add(-cooldown)

	for i := 0; i < maxCASRetries; i++ {
		existing := map[string]interface{}{}
		applied, err := r.client.Query(ctx, r.client.Statements.InsertPhoneOTP, phone, now).MapScanCAS(existing)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert phone OTP record: %w", err)
		}
		if applied {
			return &model.PhoneOTPRecord{Phone: phone, LastSentAt: now}, true, nil
		}

		current := recordFromRow(phone, existing)
		if current.LastSentAt.After(threshold) {
			return current, false, nil
		}

		cond := map[string]interface{}{}
		applied, err = r.client.Query(ctx, r.client.Statements.ResetPhoneOTP, now, phone, threshold).MapScanCAS(cond)
		if err != nil {
			return nil, false, fmt.Errorf("failed to reset phone OTP record: %w", err)
		}
		if applied {
			return &model.PhoneOTPRecord{Phone: phone, LastSentAt: now}, true, nil
		}
		// another issuance or a delete won the race; re-evaluate
	}

	util.Warn("Phone OTP reset contention", zap.String("phone", util.MaskPhone(phone)))
	return nil, false, model.ErrConflict
}

func (r *PhoneOTPRepository) IncrementAttempts(ctx context.Context, phone string) (int, error) {
	for i := 0; i < maxCASRetries; i++ {
		rec, err := r.Get(ctx, phone)
		if err != nil {
			return 0, err
		}

		next := rec.Attempts + 1
		cond := map[string]interface{}{}
		applied, err := r.client.Query(ctx, r.client.Statements.SetPhoneOTPAttempts, next, phone, rec.Attempts).MapScanCAS(cond)
		if err != nil {
			return 0, fmt.Errorf("failed to increment attempts: %w", err)
		}
		if applied {
			return next, nil
		}
	}
	return 0, model.ErrConflict
}

func (r *PhoneOTPRepository) Delete(ctx context.Context, phone string) error {
	applied, err := r.client.Query(ctx, r.client.Statements.DeletePhoneOTP, phone).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to delete phone OTP record", zap.String("phone", util.MaskPhone(phone)), zap.Error(err))
		return fmt.Errorf("failed to delete phone OTP record: %w", err)
	}
	if !applied {
		return model.ErrNotFound
	}
	return nil
}

func (r *PhoneOTPRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func recordFromRow(phone string, row map[string]interface{}) *model.PhoneOTPRecord {
	rec := &model.PhoneOTPRecord{Phone: phone}
	if v, ok := row["attempts"].(int); ok {
		rec.Attempts = v
	}
	if v, ok := row["last_sent_at"].(time.Time); ok {
		rec.LastSentAt = v
	}
	return rec
}
