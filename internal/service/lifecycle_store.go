package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"go.uber.org/zap"

	"phone-auth-service/internal/hashing"
	"phone-auth-service/internal/model"
	"phone-auth-service/internal/util"
)

// ConsumeResult is the outcome of checking a submitted code against the cache.
type ConsumeResult int

const (
	ConsumeNotFound ConsumeResult = iota
	ConsumeMatch
	ConsumeMismatch
	ConsumeExpired
)

func (r ConsumeResult) String() string {
	switch r {
	case ConsumeMatch:
		return "match"
	case ConsumeMismatch:
		return "mismatch"
	case ConsumeExpired:
		return "expired"
	default:
		return "not_found"
	}
}

// CodeHasher digests codes before they reach the cache.
type CodeHasher interface {
	HashOTP(otp string) (*hashing.HashResult, error)
	VerifyOTP(otp string, hashResult *hashing.HashResult) (bool, error)
}

type Policy struct {
	CodeTTL     time.Duration
	Cooldown    time.Duration
	MaxAttempts int
}

// LifecycleStore owns the per-phone record and the active code.
type LifecycleStore struct {
	records  model.PhoneOTPRepository
	codes    model.CodeCache
	hasher   CodeHasher
	policy   Policy
	now      func() time.Time
	generate func() (string, error)
}

func NewLifecycleStore(records model.PhoneOTPRepository, codes model.CodeCache, hasher CodeHasher, policy Policy) *LifecycleStore {
	return &LifecycleStore{
		records:  records,
		codes:    codes,
		hasher:   hasher,
		policy:   policy,
		now:      time.Now,
		generate: generateCode,
	}
}

// CanIssue reports whether the cooldown has passed, and otherwise how long remains.
func (s *LifecycleStore) CanIssue(ctx context.Context, phone string) (bool, time.Duration, error) {
	rec, err := s.records.Get(ctx, phone)
	if errors.Is(err, model.ErrNotFound) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if remaining := s.cooldownRemaining(rec); remaining > 0 {
		return false, remaining, nil
	}
	return true, 0, nil
}

// RecordIssuance resets the record and caches a fresh code, returning the
// plaintext for delivery. A concurrent issuance inside the cooldown yields
// ErrCooldownActive.
func (s *LifecycleStore) RecordIssuance(ctx context.Context, phone string) (string, error) {
	now := s.now()

	rec, written, err := s.records.ResetIfCooledDown(ctx, phone, now, s.policy.Cooldown)
	if err != nil {
		return "", fmt.Errorf("record issuance: %w", err)
	}
	if !written {
		return "", retryAfter(ErrCooldownActive, s.cooldownRemaining(rec))
	}

	code, err := s.generate()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	digest, err := s.hasher.HashOTP(code)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}

	active := &model.ActiveCode{
		Hash:          digest.Hash,
		Salt:          digest.Salt,
		PepperVersion: digest.PepperVersion,
		Algorithm:     digest.Algorithm,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.policy.CodeTTL),
	}
	if err := s.codes.Put(ctx, phone, active); err != nil {
		return "", fmt.Errorf("cache code: %w", err)
	}
	return code, nil
}

// Record returns the persistent record or model.ErrNotFound.
func (s *LifecycleStore) Record(ctx context.Context, phone string) (*model.PhoneOTPRecord, error) {
	return s.records.Get(ctx, phone)
}

func (s *LifecycleStore) IncrementAttempt(ctx context.Context, phone string) (int, error) {
	return s.records.IncrementAttempts(ctx, phone)
}

// Consume checks code against the active entry. Match and Expired remove the
// entry; Mismatch leaves it for another try. A missing entry whose issuance
// window has elapsed still reports Expired.
func (s *LifecycleStore) Consume(ctx context.Context, phone, code string) (ConsumeResult, error) {
	active, err := s.codes.Get(ctx, phone)
	if errors.Is(err, model.ErrNotFound) {
		return s.missingCode(ctx, phone)
	}
	if err != nil {
		return ConsumeNotFound, fmt.Errorf("load active code: %w", err)
	}

	if active.Expired(s.now()) {
		s.discard(ctx, phone, active)
		return ConsumeExpired, nil
	}

	ok, err := s.hasher.VerifyOTP(code, &hashing.HashResult{
		Hash:          active.Hash,
		Salt:          active.Salt,
		PepperVersion: active.PepperVersion,
		Algorithm:     active.Algorithm,
	})
	if errors.Is(err, hashing.ErrUnknownPepper) || errors.Is(err, hashing.ErrInvalidHash) || errors.Is(err, hashing.ErrUnsupportedVersion) {
		// digest made under a retired pepper or format cannot match anything
		util.Warn("Discarding unverifiable code", zap.String("phone", util.MaskPhone(phone)), zap.Error(err))
		s.discard(ctx, phone, active)
		return ConsumeExpired, nil
	}
	if err != nil {
		return ConsumeNotFound, fmt.Errorf("verify code: %w", err)
	}
	if !ok {
		return ConsumeMismatch, nil
	}

	removed, err := s.codes.DeleteIfUnchanged(ctx, phone, active)
	if err != nil {
		return ConsumeNotFound, fmt.Errorf("consume code: %w", err)
	}
	if !removed {
		// another request consumed or replaced it first
		return ConsumeNotFound, nil
	}
	return ConsumeMatch, nil
}

// Forget deletes the record; a missing record is not an error.
func (s *LifecycleStore) Forget(ctx context.Context, phone string) error {
	if err := s.records.Delete(ctx, phone); err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	return nil
}

// DropCode removes the active code, used when a bypass verification succeeds.
func (s *LifecycleStore) DropCode(ctx context.Context, phone string) error {
	return s.codes.Delete(ctx, phone)
}

// missingCode tells a swept or TTL-evicted code apart from one that never
// existed, using the issuance time kept on the persistent record.
func (s *LifecycleStore) missingCode(ctx context.Context, phone string) (ConsumeResult, error) {
	rec, err := s.records.Get(ctx, phone)
	if errors.Is(err, model.ErrNotFound) {
		return ConsumeNotFound, nil
	}
	if err != nil {
		return ConsumeNotFound, fmt.Errorf("load otp record: %w", err)
	}
	if s.now().After(rec.LastSentAt.Add(s.policy.CodeTTL)) {
		return ConsumeExpired, nil
	}
	return ConsumeNotFound, nil
}

func (s *LifecycleStore) discard(ctx context.Context, phone string, active *model.ActiveCode) {
	if _, err := s.codes.DeleteIfUnchanged(ctx, phone, active); err != nil {
		util.Warn("Failed to discard code", zap.String("phone", util.MaskPhone(phone)), zap.Error(err))
	}
}

func (s *LifecycleStore) cooldownRemaining(rec *model.PhoneOTPRecord) time.Duration {
	if rec == nil {
		return 0
	}
	return s.policy.Cooldown - s.now().Sub(rec.LastSentAt)
}

// generateCode draws uniformly from [100000, 999999].
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}
