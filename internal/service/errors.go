package service

import (
	"errors"
	"time"
)

var (
	ErrPhoneRequired  = errors.New("phone number is required")
	ErrInvalidInput   = errors.New("phone number and code are required")
	ErrInvalidPhone   = errors.New("invalid phone number")
	ErrInvalidCode    = errors.New("code must be 4 to 6 digits")
	ErrIPRateLimited  = errors.New("too many requests from this address, try again later")
	ErrCooldownActive = errors.New("please wait before requesting a new code")
	ErrMaxAttempts    = errors.New("too many attempts, request a new code")
	ErrNoPendingCode  = errors.New("no code was sent to this number, request a new code")
	ErrCodeExpired    = errors.New("code has expired")
	ErrCodeMismatch   = errors.New("incorrect code")
	ErrCodeNotActive  = errors.New("no active code found or the code has expired")
	ErrSMSDelivery    = errors.New("could not deliver the verification code")
)

// OTPError decorates a sentinel with retry hints for the caller.
type OTPError struct {
	Err               error
	RetryAfter        time.Duration
	AttemptsRemaining *int
}

func (e *OTPError) Error() string { return e.Err.Error() }

func (e *OTPError) Unwrap() error { return e.Err }

// RetryAfterSeconds rounds up so a client never retries early.
func (e *OTPError) RetryAfterSeconds() int {
	return ceilSeconds(e.RetryAfter)
}

func retryAfter(err error, d time.Duration) *OTPError {
	return &OTPError{Err: err, RetryAfter: d}
}

func attemptsLeft(err error, remaining int) *OTPError {
	if remaining < 0 {
		remaining = 0
	}
	return &OTPError{Err: err, AttemptsRemaining: &remaining}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
