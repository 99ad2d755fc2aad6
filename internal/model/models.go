package model

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record changed concurrently")
)

// -------------------- PHONE OTP RECORD --------------------

// PhoneOTPRecord is the durable per-phone issuance state (table phone_otps).
type PhoneOTPRecord struct {
	Phone      string    `json:"phone" db:"phone"`               // canonical E.164
	Attempts   int       `json:"attempts" db:"attempts"`         // verification attempts since last issuance
	LastSentAt time.Time `json:"last_sent_at" db:"last_sent_at"` // cooldown anchor
}

// -------------------- ACTIVE CODE --------------------

// ActiveCode is the short-lived code awaiting verification. Only the
// argon2 digest is kept; the plaintext leaves the process via SMS only.
type ActiveCode struct {
	Hash          string    `json:"hash"`
	Salt          string    `json:"salt"`
	PepperVersion int       `json:"pepper_version"`
	Algorithm     string    `json:"algorithm"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (c *ActiveCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// -------------------- PROFILE --------------------

type Profile struct {
	ID            string    `json:"id" db:"id"`
	FullName      string    `json:"full_name" db:"full_name"`
	Email         string    `json:"email" db:"email"`
	PhoneNumber   string    `json:"phone_number" db:"phone_number"`
	PhoneVerified bool      `json:"phone_verified" db:"phone_verified"`
	Role          string    `json:"role" db:"role"`
	Status        string    `json:"status" db:"status"`
	AvatarURL     string    `json:"avatar_url" db:"avatar_url"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// -------------------- IP WINDOW --------------------

// IPDecision is the outcome of one IP limiter check.
type IPDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// -------------------- REPOSITORY INTERFACES --------------------

// PhoneOTPRepository persists PhoneOTPRecord. Get, IncrementAttempts and
// Delete return ErrNotFound for unknown phones.
type PhoneOTPRepository interface {
	Get(ctx context.Context, phone string) (*PhoneOTPRecord, error)
	// ResetIfCooledDown writes {attempts: 0, last_sent_at: now} when no record
	// exists or last_sent_at <= now-cooldown, as one atomic step. When the
	// cooldown still holds it returns the current record and false.
	ResetIfCooledDown(ctx context.Context, phone string, now time.Time, cooldown time.Duration) (*PhoneOTPRecord, bool, error)
	IncrementAttempts(ctx context.Context, phone string) (int, error)
	Delete(ctx context.Context, phone string) error
	HealthCheck(ctx context.Context) error
}

// ProfileRepository reads and flags user profiles by phone number.
type ProfileRepository interface {
	FindByPhone(ctx context.Context, phone string) (*Profile, error)
	MarkPhoneVerified(ctx context.Context, profileID string) error
	HealthCheck(ctx context.Context) error
}

// CodeCache holds at most one ActiveCode per phone. Get returns ErrNotFound
// when nothing is cached.
type CodeCache interface {
	Put(ctx context.Context, phone string, code *ActiveCode) error
	Get(ctx context.Context, phone string) (*ActiveCode, error)
	Delete(ctx context.Context, phone string) error
	// DeleteIfUnchanged removes the entry only if it still equals code,
	// reporting whether this caller removed it.
	DeleteIfUnchanged(ctx context.Context, phone string, code *ActiveCode) (bool, error)
}

// IPLimiter implements the fixed-window issuance throttle per client IP.
type IPLimiter interface {
	Check(ctx context.Context, ip string) (IPDecision, error)
}
