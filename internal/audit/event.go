package audit

import (
	"time"

	"phone-auth-service/internal/encryption"
)

type EventType string

const (
	OTPIssued         EventType = "otp.issued"
	OTPIPRateLimited  EventType = "otp.issue.ip_limited"
	OTPCooldownActive EventType = "otp.issue.cooldown"
	OTPSMSFailed      EventType = "otp.sms.failed"
	OTPVerified       EventType = "otp.verified"
	OTPVerifyFailed   EventType = "otp.verify.failed"
	OTPMaxAttempts    EventType = "otp.verify.locked"
)

const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Event is the stored audit record. The phone number itself only travels
// envelope-encrypted; PhoneHash is the correlation key.
type Event struct {
	ID          string                    `json:"id"`
	Type        EventType                 `json:"type"`
	PhoneHash   string                    `json:"phone_hash"`
	Phone       *encryption.EncryptedData `json:"phone,omitempty"`
	IPAddress   string                    `json:"ip_address"`
	EventBucket int                       `json:"event_bucket"`
	EventDate   string                    `json:"event_date"`
	Outcome     string                    `json:"outcome"`
	Reason      string                    `json:"reason,omitempty"`
	Attempts    int                       `json:"attempts"`
	OccurredAt  time.Time                 `json:"occurred_at"`
}

// Entry is what the OTP flow reports; the Dispatcher turns it into an Event.
type Entry struct {
	Type     EventType
	Phone    string
	IP       string
	Outcome  string
	Reason   string
	Attempts int
	At       time.Time
}
