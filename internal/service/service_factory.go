package service

import (
	"phone-auth-service/internal/audit"
	"phone-auth-service/internal/client"
	"phone-auth-service/internal/config"
	"phone-auth-service/internal/model"
	"phone-auth-service/internal/phone"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg        *config.Config
	records    model.PhoneOTPRepository
	profiles   model.ProfileRepository
	codes      model.CodeCache
	ipLimiter  model.IPLimiter
	hasher     CodeHasher
	sms        client.SMSSender
	recorder   audit.Recorder
	logger     *zap.Logger
	otpService *OTPService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	cfg *config.Config,
	records model.PhoneOTPRepository,
	profiles model.ProfileRepository,
	codes model.CodeCache,
	ipLimiter model.IPLimiter,
	hasher CodeHasher,
	sms client.SMSSender,
	recorder audit.Recorder,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:       cfg,
		records:   records,
		profiles:  profiles,
		codes:     codes,
		ipLimiter: ipLimiter,
		hasher:    hasher,
		sms:       sms,
		recorder:  recorder,
		logger:    logger,
	}
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		otp := f.cfg.OTP
		store := NewLifecycleStore(f.records, f.codes, f.hasher, Policy{
			CodeTTL:     otp.CodeTTL,
			Cooldown:    otp.Cooldown,
			MaxAttempts: otp.MaxAttempts,
		})
		f.otpService = NewOTPService(
			store,
			f.ipLimiter,
			f.profiles,
			f.sms,
			phone.NewNormalizer(otp.CountryCode),
			f.recorder,
			Options{
				MaxAttempts:         otp.MaxAttempts,
				BypassEnabled:       otp.BypassEnabled && !f.cfg.IsProduction(),
				BypassCode:          otp.BypassCode,
				MessageTemplate:     otp.MessageTemplate,
				StrictSMS:           f.cfg.SMS.Strict,
				LogCodeOnSMSFailure: !f.cfg.IsProduction(),
			},
			f.logger,
		)
	}
	return f.otpService
}
