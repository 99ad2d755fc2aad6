package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"phone-auth-service/internal/audit"
	"phone-auth-service/internal/client"
	"phone-auth-service/internal/model"
	"phone-auth-service/internal/phone"
	"phone-auth-service/internal/util"
)

var codePattern = regexp.MustCompile(`^\d{4,6}$`)

const (
	msgCodeSent           = "Verification code sent"
	msgVerified           = "Verified successfully"
	msgPhoneVerified      = "Phone number verified successfully"
	msgCompleteSignup     = "Verified. Please complete registration."
	defaultMessageFormat  = "Your verification code is %s\nDo not share it with anyone."
	reasonSMSNotDelivered = "sms_not_delivered"
)

type Options struct {
	MaxAttempts     int
	BypassEnabled   bool
	BypassCode      string
	MessageTemplate string // one %s for the code
	StrictSMS       bool

	// LogCodeOnSMSFailure writes the undelivered code to the log.
	LogCodeOnSMSFailure bool
}

type IssueResult struct {
	Message string `json:"message"`
}

type VerifyResult struct {
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
	IsNew   bool   `json:"is_new"`
	Phone   string `json:"phone,omitempty"`
}

// OTPService runs issuance and verification for phone sign-in.
type OTPService struct {
	store      *LifecycleStore
	ipLimiter  model.IPLimiter
	profiles   model.ProfileRepository
	sms        client.SMSSender
	normalizer *phone.Normalizer
	recorder   audit.Recorder
	opts       Options
	logger     *zap.Logger
}

func NewOTPService(
	store *LifecycleStore,
	ipLimiter model.IPLimiter,
	profiles model.ProfileRepository,
	sms client.SMSSender,
	normalizer *phone.Normalizer,
	recorder audit.Recorder,
	opts Options,
	logger *zap.Logger,
) *OTPService {
	if opts.MessageTemplate == "" || strings.Count(opts.MessageTemplate, "%s") != 1 {
		opts.MessageTemplate = defaultMessageFormat
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &OTPService{
		store:      store,
		ipLimiter:  ipLimiter,
		profiles:   profiles,
		sms:        sms,
		normalizer: normalizer,
		recorder:   recorder,
		opts:       opts,
		logger:     logger,
	}
}

// Issue sends a fresh code to rawPhone. The code itself is never returned.
func (s *OTPService) Issue(ctx context.Context, rawPhone, ip string) (*IssueResult, error) {
	decision, err := s.ipLimiter.Check(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("check ip limit: %w", err)
	}
	if !decision.Allowed {
		s.logger.Warn("IP rate limited", zap.String("ip", ip))
		s.record(ctx, audit.OTPIPRateLimited, "", ip, audit.OutcomeRejected, "ip_window", 0)
		return nil, retryAfter(ErrIPRateLimited, decision.RetryAfter)
	}

	if strings.TrimSpace(rawPhone) == "" {
		return nil, ErrPhoneRequired
	}
	if !s.normalizer.IsValidMobile(rawPhone) {
		return nil, ErrInvalidPhone
	}
	e164 := s.normalizer.Normalize(rawPhone)

	ok, remaining, err := s.store.CanIssue(ctx, e164)
	if err != nil {
		return nil, fmt.Errorf("check cooldown: %w", err)
	}
	if !ok {
		s.record(ctx, audit.OTPCooldownActive, e164, ip, audit.OutcomeRejected, "cooldown", 0)
		return nil, retryAfter(ErrCooldownActive, remaining)
	}

	code, err := s.store.RecordIssuance(ctx, e164)
	if err != nil {
		if errors.Is(err, ErrCooldownActive) {
			s.record(ctx, audit.OTPCooldownActive, e164, ip, audit.OutcomeRejected, "cooldown_race", 0)
		}
		return nil, err
	}

	message := fmt.Sprintf(s.opts.MessageTemplate, code)
	if err := s.sms.Send(ctx, e164, message); err != nil {
		fields := []zap.Field{zap.String("phone", util.MaskPhone(e164)), zap.Error(err)}
		if s.opts.LogCodeOnSMSFailure {
			fields = append(fields, zap.String("code", code))
		}
		s.logger.Error("SMS delivery failed", fields...)
		s.record(ctx, audit.OTPSMSFailed, e164, ip, audit.OutcomeError, reasonSMSNotDelivered, 0)

		if s.opts.StrictSMS {
			return nil, fmt.Errorf("%w: %v", ErrSMSDelivery, err)
		}
	}

	s.logger.Info("OTP issued", zap.String("phone", util.MaskPhone(e164)), zap.String("ip", ip))
	s.record(ctx, audit.OTPIssued, e164, ip, audit.OutcomeSuccess, "", 0)
	return &IssueResult{Message: msgCodeSent}, nil
}

// Verify checks otp for rawPhone. Every call that reaches the code check
// spends one attempt, successful or not.
func (s *OTPService) Verify(ctx context.Context, rawPhone, otp, ip string) (*VerifyResult, error) {
	rawPhone, otp = strings.TrimSpace(rawPhone), strings.TrimSpace(otp)
	if rawPhone == "" || otp == "" {
		return nil, ErrInvalidInput
	}
	if !s.normalizer.IsValidMobile(rawPhone) {
		return nil, ErrInvalidPhone
	}
	if !codePattern.MatchString(otp) {
		return nil, ErrInvalidCode
	}
	e164 := s.normalizer.Normalize(rawPhone)

	rec, err := s.store.Record(ctx, e164)
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrNoPendingCode
	}
	if err != nil {
		return nil, fmt.Errorf("load otp record: %w", err)
	}
	if rec.Attempts >= s.opts.MaxAttempts {
		s.logger.Warn("Max verification attempts reached", zap.String("phone", util.MaskPhone(e164)))
		s.record(ctx, audit.OTPMaxAttempts, e164, ip, audit.OutcomeRejected, "max_attempts", rec.Attempts)
		return nil, ErrMaxAttempts
	}

	attempts, err := s.store.IncrementAttempt(ctx, e164)
	if errors.Is(err, model.ErrNotFound) {
		// verified or reissued by a concurrent request
		return nil, ErrNoPendingCode
	}
	if err != nil {
		return nil, fmt.Errorf("increment attempts: %w", err)
	}

	if s.opts.BypassEnabled && s.opts.BypassCode != "" && otp == s.opts.BypassCode {
		s.logger.Warn("Bypass code accepted", zap.String("phone", util.MaskPhone(e164)))
		if err := s.store.DropCode(ctx, e164); err != nil {
			s.logger.Warn("Failed to drop active code after bypass", zap.Error(err))
		}
		return s.complete(ctx, e164, ip, attempts, "bypass")
	}

	result, err := s.store.Consume(ctx, e164, otp)
	if err != nil {
		return nil, err
	}

	remaining := s.opts.MaxAttempts - attempts
	switch result {
	case ConsumeMatch:
		return s.complete(ctx, e164, ip, attempts, "")
	case ConsumeExpired:
		s.record(ctx, audit.OTPVerifyFailed, e164, ip, audit.OutcomeRejected, result.String(), attempts)
		return nil, attemptsLeft(ErrCodeExpired, remaining)
	case ConsumeMismatch:
		s.logger.Warn("Invalid OTP", zap.String("phone", util.MaskPhone(e164)), zap.Int("attempts_remaining", max(remaining, 0)))
		s.record(ctx, audit.OTPVerifyFailed, e164, ip, audit.OutcomeRejected, result.String(), attempts)
		return nil, attemptsLeft(ErrCodeMismatch, remaining)
	default:
		s.record(ctx, audit.OTPVerifyFailed, e164, ip, audit.OutcomeRejected, result.String(), attempts)
		return nil, attemptsLeft(ErrCodeNotActive, remaining)
	}
}

// complete forgets the record and reconciles the profile for a verified phone.
func (s *OTPService) complete(ctx context.Context, e164, ip string, attempts int, reason string) (*VerifyResult, error) {
	if err := s.store.Forget(ctx, e164); err != nil {
		return nil, fmt.Errorf("forget otp record: %w", err)
	}
	s.logger.Info("OTP verified", zap.String("phone", util.MaskPhone(e164)))
	s.record(ctx, audit.OTPVerified, e164, ip, audit.OutcomeSuccess, reason, attempts)

	profile, err := s.profiles.FindByPhone(ctx, e164)
	if errors.Is(err, model.ErrNotFound) {
		return &VerifyResult{Message: msgCompleteSignup, IsNew: true, Phone: e164}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find profile: %w", err)
	}

	message := msgVerified
	if !profile.PhoneVerified {
		message = msgPhoneVerified
	}
	if err := s.profiles.MarkPhoneVerified(ctx, profile.ID); err != nil {
		return nil, fmt.Errorf("mark phone verified: %w", err)
	}
	return &VerifyResult{Message: message, UserID: profile.ID, IsNew: false}, nil
}

func (s *OTPService) record(ctx context.Context, typ audit.EventType, e164, ip, outcome, reason string, attempts int) {
	s.recorder.Record(ctx, audit.Entry{
		Type:     typ,
		Phone:    e164,
		IP:       ip,
		Outcome:  outcome,
		Reason:   reason,
		Attempts: attempts,
	})
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, audit.Entry) {}
