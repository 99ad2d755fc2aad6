package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"phone-auth-service/internal/audit"
	"phone-auth-service/internal/config"
	"phone-auth-service/internal/hashing"
	"phone-auth-service/internal/model"
	"phone-auth-service/internal/phone"
	"phone-auth-service/internal/repository/memory"
)

const (
	testPhone = "+966501234567"
	testCode  = "654321"
	wrongCode = "000000"
)

// ---------- Fakes ----------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSMS) Send(_ context.Context, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return f.err
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeRecorder) Record(_ context.Context, e audit.Entry) {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
}

func (f *fakeRecorder) has(typ audit.EventType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.Type == typ {
			return true
		}
	}
	return false
}

type harness struct {
	svc      *OTPService
	store    *LifecycleStore
	clock    *fakeClock
	sms      *fakeSMS
	audit    *fakeRecorder
	records  *memory.PhoneOTPRepository
	codes    *memory.CodeCache
	profiles *memory.ProfileRepository
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	records := memory.NewPhoneOTPRepository()
	codes := memory.NewCodeCache(time.Minute).WithClock(clock.Now)
	limiter := memory.NewIPLimiter(5*time.Minute, 5).WithClock(clock.Now)
	profiles := memory.NewProfileRepository()
	hasher := hashing.NewHasher(config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Pepper:            "test-pepper",
	})

	store := NewLifecycleStore(records, codes, hasher, Policy{
		CodeTTL:     5 * time.Minute,
		Cooldown:    60 * time.Second,
		MaxAttempts: 5,
	})
	store.now = clock.Now
	store.generate = func() (string, error) { return testCode, nil }

	opts := Options{MaxAttempts: 5, BypassEnabled: true, BypassCode: "123456"}
	if mutate != nil {
		mutate(&opts)
	}

	sms := &fakeSMS{}
	rec := &fakeRecorder{}
	svc := NewOTPService(store, limiter, profiles, sms, phone.NewNormalizer("966"), rec, opts, zap.NewNop())

	return &harness{
		svc: svc, store: store, clock: clock, sms: sms, audit: rec,
		records: records, codes: codes, profiles: profiles,
	}
}

func asOTPError(t *testing.T, err error) *OTPError {
	t.Helper()
	var oe *OTPError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OTPError, got %T: %v", err, err)
	}
	return oe
}

func (h *harness) issue(t *testing.T) {
	t.Helper()
	if _, err := h.svc.Issue(context.Background(), "0501234567", "10.0.0.1"); err != nil {
		t.Fatalf("Issue: %v", err)
	}
}

// ---------- Issuance ----------

func TestIssueSendsCodeAndStoresDigest(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.svc.Issue(context.Background(), "05 0123 4567", "10.0.0.1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if res.Message != msgCodeSent || strings.Contains(res.Message, testCode) {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(h.sms.sent) != 1 || !strings.Contains(h.sms.sent[0], testCode) {
		t.Fatalf("sms = %v", h.sms.sent)
	}

	active, err := h.codes.Get(context.Background(), testPhone)
	if err != nil {
		t.Fatalf("code not cached: %v", err)
	}
	if strings.Contains(active.Hash, testCode) || active.Hash == "" {
		t.Fatalf("cache holds %q", active.Hash)
	}
	if want := h.clock.Now().Add(5 * time.Minute); !active.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", active.ExpiresAt, want)
	}

	rec, err := h.records.Get(context.Background(), testPhone)
	if err != nil || rec.Attempts != 0 || !rec.LastSentAt.Equal(h.clock.Now()) {
		t.Fatalf("record = %+v, %v", rec, err)
	}
	if !h.audit.has(audit.OTPIssued) {
		t.Fatal("issuance not audited")
	}
}

func TestIssueRejectsBadPhone(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.Issue(ctx, "  ", "10.0.0.1"); !errors.Is(err, ErrPhoneRequired) {
		t.Fatalf("expected ErrPhoneRequired, got %v", err)
	}
	if _, err := h.svc.Issue(ctx, "0401234567", "10.0.0.1"); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
	if len(h.sms.sent) != 0 {
		t.Fatal("sms sent for invalid phone")
	}
}

func TestIssueCooldown(t *testing.T) {
	h := newHarness(t, nil)
	h.issue(t)

	h.clock.Advance(20 * time.Second)
	_, err := h.svc.Issue(context.Background(), "0501234567", "10.0.0.2")
	if !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}
	if secs := asOTPError(t, err).RetryAfterSeconds(); secs != 40 {
		t.Fatalf("RetryAfterSeconds = %d, want 40", secs)
	}

	h.clock.Advance(40 * time.Second)
	if _, err := h.svc.Issue(context.Background(), "0501234567", "10.0.0.2"); err != nil {
		t.Fatalf("Issue after cooldown: %v", err)
	}
}

func TestIssueResetsAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.issue(t)
	_, _ = h.svc.Verify(context.Background(), testPhone, wrongCode, "10.0.0.1")

	h.clock.Advance(61 * time.Second)
	h.issue(t)

	rec, _ := h.records.Get(context.Background(), testPhone)
	if rec.Attempts != 0 {
		t.Fatalf("attempts = %d after reissue", rec.Attempts)
	}
}

func TestIssueIPWindow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	phones := []string{"0500000001", "0500000002", "0500000003", "0500000004", "0500000005"}

	for _, p := range phones {
		if _, err := h.svc.Issue(ctx, p, "192.0.2.7"); err != nil {
			t.Fatalf("Issue(%s): %v", p, err)
		}
	}

	h.clock.Advance(time.Minute)
	_, err := h.svc.Issue(ctx, "0500000006", "192.0.2.7")
	if !errors.Is(err, ErrIPRateLimited) {
		t.Fatalf("expected ErrIPRateLimited, got %v", err)
	}
	if secs := asOTPError(t, err).RetryAfterSeconds(); secs != 240 {
		t.Fatalf("RetryAfterSeconds = %d, want 240", secs)
	}
	if !h.audit.has(audit.OTPIPRateLimited) {
		t.Fatal("ip block not audited")
	}

	// another address is unaffected
	if _, err := h.svc.Issue(ctx, "0500000006", "192.0.2.8"); err != nil {
		t.Fatalf("other ip: %v", err)
	}
}

func TestIssueSMSFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.sms.err = errors.New("gateway down")
	if _, err := h.svc.Issue(context.Background(), "0501234567", "10.0.0.1"); err != nil {
		t.Fatalf("lenient mode should report success, got %v", err)
	}
	if !h.audit.has(audit.OTPSMSFailed) {
		t.Fatal("sms failure not audited")
	}

	strict := newHarness(t, func(o *Options) { o.StrictSMS = true })
	strict.sms.err = errors.New("gateway down")
	if _, err := strict.svc.Issue(context.Background(), "0501234567", "10.0.0.1"); !errors.Is(err, ErrSMSDelivery) {
		t.Fatalf("expected ErrSMSDelivery, got %v", err)
	}
}

// ---------- Verification ----------

func TestVerifyInputErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cases := []struct {
		phone, otp string
		want       error
	}{
		{"", "123456", ErrInvalidInput},
		{testPhone, "", ErrInvalidInput},
		{"12345", "123456", ErrInvalidPhone},
		{testPhone, "12a4", ErrInvalidCode},
		{testPhone, "123", ErrInvalidCode},
		{testPhone, "1234567", ErrInvalidCode},
		{testPhone, "1234", ErrNoPendingCode},
	}
	for _, tc := range cases {
		if _, err := h.svc.Verify(ctx, tc.phone, tc.otp, "10.0.0.1"); !errors.Is(err, tc.want) {
			t.Errorf("Verify(%q, %q) = %v, want %v", tc.phone, tc.otp, err, tc.want)
		}
	}
}

func TestVerifyRemainingAttemptsThenSuccess(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.issue(t)

	for _, want := range []int{4, 3, 2} {
		_, err := h.svc.Verify(ctx, testPhone, wrongCode, "10.0.0.1")
		if !errors.Is(err, ErrCodeMismatch) {
			t.Fatalf("expected ErrCodeMismatch, got %v", err)
		}
		if got := *asOTPError(t, err).AttemptsRemaining; got != want {
			t.Fatalf("remaining = %d, want %d", got, want)
		}
	}

	res, err := h.svc.Verify(ctx, "0501234567", testCode, "10.0.0.1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.IsNew || res.Phone != testPhone || res.UserID != "" {
		t.Fatalf("result = %+v", res)
	}
	if _, err := h.records.Get(ctx, testPhone); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("record should be deleted, got %v", err)
	}
	if !h.audit.has(audit.OTPVerified) {
		t.Fatal("verification not audited")
	}
}

func TestVerifyMaxAttempts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.issue(t)

	for i := 0; i < 5; i++ {
		_, _ = h.svc.Verify(ctx, testPhone, wrongCode, "10.0.0.1")
	}
	_, err := h.svc.Verify(ctx, testPhone, testCode, "10.0.0.1")
	if !errors.Is(err, ErrMaxAttempts) {
		t.Fatalf("expected ErrMaxAttempts, got %v", err)
	}

	rec, _ := h.records.Get(ctx, testPhone)
	if rec.Attempts != 5 {
		t.Fatalf("attempts = %d, refused call must not increment", rec.Attempts)
	}
	if _, err := h.codes.Get(ctx, testPhone); err != nil {
		t.Fatalf("cache should be untouched: %v", err)
	}
}

func TestVerifyLastAttemptReportsZero(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.issue(t)

	var err error
	for i := 0; i < 5; i++ {
		_, err = h.svc.Verify(ctx, testPhone, wrongCode, "10.0.0.1")
	}
	if got := *asOTPError(t, err).AttemptsRemaining; got != 0 {
		t.Fatalf("remaining = %d on last attempt", got)
	}
}

func TestVerifyIsSingleUse(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.issue(t)

	if _, err := h.svc.Verify(ctx, testPhone, testCode, "10.0.0.1"); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if _, err := h.svc.Verify(ctx, testPhone, testCode, "10.0.0.1"); !errors.Is(err, ErrNoPendingCode) {
		t.Fatalf("expected ErrNoPendingCode on reuse, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.issue(t)

	h.clock.Advance(5*time.Minute + time.Second)
	_, err := h.svc.Verify(ctx, testPhone, testCode, "10.0.0.1")
	if !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
	if got := *asOTPError(t, err).AttemptsRemaining; got != 4 {
		t.Fatalf("remaining = %d", got)
	}
	if _, err := h.codes.Get(ctx, testPhone); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expired code should be deleted, got %v", err)
	}

	_, err = h.svc.Verify(ctx, testPhone, testCode, "10.0.0.1")
	if !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired after the entry is gone, got %v", err)
	}
	if got := *asOTPError(t, err).AttemptsRemaining; got != 3 {
		t.Fatalf("remaining = %d", got)
	}
}

func TestVerifyExpiredAfterSweep(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.issue(t)

	h.clock.Advance(12 * time.Minute)
	if removed := h.codes.Sweep(); removed != 1 {
		t.Fatalf("Sweep removed %d entries, want 1", removed)
	}

	_, err := h.svc.Verify(ctx, testPhone, testCode, "10.0.0.1")
	if !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
	if got := *asOTPError(t, err).AttemptsRemaining; got != 4 {
		t.Fatalf("remaining = %d", got)
	}
}

func TestVerifyMissingCodeInsideWindow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.issue(t)

	if err := h.codes.Delete(ctx, testPhone); err != nil {
		t.Fatal(err)
	}
	_, err := h.svc.Verify(ctx, testPhone, testCode, "10.0.0.1")
	if !errors.Is(err, ErrCodeNotActive) {
		t.Fatalf("expected ErrCodeNotActive, got %v", err)
	}
}

func TestVerifyBypass(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.issue(t)

	if _, err := h.svc.Verify(ctx, testPhone, "123456", "10.0.0.1"); err != nil {
		t.Fatalf("bypass Verify: %v", err)
	}
	if _, err := h.codes.Get(ctx, testPhone); !errors.Is(err, model.ErrNotFound) {
		t.Fatal("active code should be dropped after bypass")
	}

	off := newHarness(t, func(o *Options) { o.BypassEnabled = false })
	off.issue(t)
	if _, err := off.svc.Verify(ctx, testPhone, "123456", "10.0.0.1"); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch with bypass disabled, got %v", err)
	}
}

func TestVerifyReconcilesProfiles(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, nil)
	verified := h.profiles.Save(model.Profile{PhoneNumber: testPhone, PhoneVerified: true})
	h.issue(t)
	res, err := h.svc.Verify(ctx, testPhone, testCode, "10.0.0.1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.IsNew || res.UserID != verified.ID || res.Message != msgVerified {
		t.Fatalf("verified profile result = %+v", res)
	}

	h2 := newHarness(t, nil)
	pending := h2.profiles.Save(model.Profile{PhoneNumber: testPhone})
	h2.issue(t)
	res, err = h2.svc.Verify(ctx, testPhone, testCode, "10.0.0.1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.IsNew || res.UserID != pending.ID || res.Message != msgPhoneVerified {
		t.Fatalf("pending profile result = %+v", res)
	}
	p, _ := h2.profiles.FindByPhone(ctx, testPhone)
	if !p.PhoneVerified {
		t.Fatal("pending profile not marked verified")
	}
}

// ---------- Lifecycle store ----------

func TestConsumeOutcomes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if r, err := h.store.Consume(ctx, testPhone, testCode); err != nil || r != ConsumeNotFound {
		t.Fatalf("Consume before issue = %v, %v", r, err)
	}
	if _, err := h.store.RecordIssuance(ctx, testPhone); err != nil {
		t.Fatalf("RecordIssuance: %v", err)
	}
	if r, _ := h.store.Consume(ctx, testPhone, wrongCode); r != ConsumeMismatch {
		t.Fatalf("wrong code = %v", r)
	}
	if r, _ := h.store.Consume(ctx, testPhone, testCode); r != ConsumeMatch {
		t.Fatalf("right code = %v", r)
	}
	if r, _ := h.store.Consume(ctx, testPhone, testCode); r != ConsumeNotFound {
		t.Fatalf("reuse = %v", r)
	}
}

func TestRecordIssuanceInsideCooldown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.store.RecordIssuance(ctx, testPhone); err != nil {
		t.Fatalf("RecordIssuance: %v", err)
	}
	h.clock.Advance(10 * time.Second)
	_, err := h.store.RecordIssuance(ctx, testPhone)
	if !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}
	if secs := asOTPError(t, err).RetryAfterSeconds(); secs != 50 {
		t.Fatalf("RetryAfterSeconds = %d", secs)
	}
}

func TestForgetMissingIsNotAnError(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.Forget(context.Background(), testPhone); err != nil {
		t.Fatalf("Forget: %v", err)
	}
}

func TestGenerateCodeRange(t *testing.T) {
	for i := 0; i < 2000; i++ {
		code, err := generateCode()
		if err != nil {
			t.Fatalf("generateCode: %v", err)
		}
		if len(code) != 6 || code < "100000" || code > "999999" {
			t.Fatalf("code %q out of range", code)
		}
	}
}

func TestCeilSeconds(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want int
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Millisecond, 1},
		{time.Second, 1},
		{40*time.Second + 1, 41},
		{4*time.Minute + 59*time.Second, 299},
	}
	for _, tc := range cases {
		if got := ceilSeconds(tc.in); got != tc.want {
			t.Errorf("ceilSeconds(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
