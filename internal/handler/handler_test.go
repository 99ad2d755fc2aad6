package handler

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"phone-auth-service/internal/service"

	"go.uber.org/zap"
)

type fakeFlow struct {
	issueErr  error
	verifyErr error
	verifyRes *service.VerifyResult

	gotPhone string
	gotOTP   string
	gotIP    string
}

func (f *fakeFlow) Issue(_ context.Context, rawPhone, ip string) (*service.IssueResult, error) {
	f.gotPhone, f.gotIP = rawPhone, ip
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	return &service.IssueResult{Message: "Verification code sent"}, nil
}

func (f *fakeFlow) Verify(_ context.Context, rawPhone, otp, ip string) (*service.VerifyResult, error) {
	f.gotPhone, f.gotOTP, f.gotIP = rawPhone, otp, ip
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.verifyRes, nil
}

type fakeHealth map[string]error

func (f fakeHealth) HealthCheck(context.Context) map[string]error { return f }

func newTestRouter(flow *fakeFlow, health HealthChecker, requireTLS bool) http.Handler {
	h := NewOTPHandler(flow, health, zap.NewNop())
	return NewRouter(RouterConfig{
		ServiceName:    "phone-auth-service",
		RequireHTTPS:   requireTLS,
		RequestTimeout: 5 * time.Second,
	}, h, zap.NewNop())
}

func doJSON(t *testing.T, router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestSendOTPSuccess(t *testing.T) {
	flow := &fakeFlow{}
	router := newTestRouter(flow, nil, false)

	rec := doJSON(t, router, http.MethodPost, "/api/send-otp", `{"phone":"0501234567"}`,
		map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["success"] != true || body["message"] != "Verification code sent" {
		t.Fatalf("unexpected body: %v", body)
	}
	if flow.gotPhone != "0501234567" || flow.gotIP != "203.0.113.7" {
		t.Fatalf("service got phone=%q ip=%q", flow.gotPhone, flow.gotIP)
	}
}

func TestSendOTPAliasRoute(t *testing.T) {
	router := newTestRouter(&fakeFlow{}, nil, false)
	rec := doJSON(t, router, http.MethodPost, "/api/v1/otp/send", `{"phone":"0501234567"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSendOTPMalformedBodyReachesService(t *testing.T) {
	flow := &fakeFlow{issueErr: service.ErrPhoneRequired}
	router := newTestRouter(flow, nil, false)

	rec := doJSON(t, router, http.MethodPost, "/api/send-otp", `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if flow.gotIP != "unknown" {
		t.Fatalf("ip = %q, want unknown", flow.gotIP)
	}
	if got := decode(t, rec)["error"]; got != service.ErrPhoneRequired.Error() {
		t.Fatalf("error = %v", got)
	}
}

func TestSendOTPOversizedPhoneStillHitsIPLimit(t *testing.T) {
	flow := &fakeFlow{issueErr: &service.OTPError{Err: service.ErrIPRateLimited, RetryAfter: time.Minute}}
	router := newTestRouter(flow, nil, false)

	long := strings.Repeat("5", 40)
	rec := doJSON(t, router, http.MethodPost, "/api/send-otp", fmt.Sprintf(`{"phone":%q}`, long), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if flow.gotPhone != long {
		t.Fatalf("service got phone %q, want the raw input", flow.gotPhone)
	}
}

func TestSendOTPOversizedPhoneRejectedByService(t *testing.T) {
	flow := &fakeFlow{issueErr: service.ErrInvalidPhone}
	router := newTestRouter(flow, nil, false)

	rec := doJSON(t, router, http.MethodPost, "/api/send-otp",
		fmt.Sprintf(`{"phone":%q}`, strings.Repeat("5", 40)), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decode(t, rec)["error"]; got != service.ErrInvalidPhone.Error() {
		t.Fatalf("error = %v", got)
	}
}

func TestSendOTPRateLimitedSetsRetryAfter(t *testing.T) {
	flow := &fakeFlow{issueErr: &service.OTPError{Err: service.ErrCooldownActive, RetryAfter: 39500 * time.Millisecond}}
	router := newTestRouter(flow, nil, false)

	rec := doJSON(t, router, http.MethodPost, "/api/send-otp", `{"phone":"0501234567"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "40" {
		t.Fatalf("Retry-After = %q, want 40", got)
	}
	if got := decode(t, rec)["retry_after"]; got != float64(40) {
		t.Fatalf("retry_after = %v, want 40", got)
	}
}

func TestSendOTPUnexpectedErrorIsMasked(t *testing.T) {
	flow := &fakeFlow{issueErr: errors.New("connection refused")}
	router := newTestRouter(flow, nil, false)

	rec := doJSON(t, router, http.MethodPost, "/api/send-otp", `{"phone":"0501234567"}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decode(t, rec)["error"]; got != "an unexpected error occurred" {
		t.Fatalf("error = %v", got)
	}
}

func TestSendOTPSMSFailure(t *testing.T) {
	flow := &fakeFlow{issueErr: fmt.Errorf("%w: upstream 503", service.ErrSMSDelivery)}
	router := newTestRouter(flow, nil, false)

	rec := doJSON(t, router, http.MethodPost, "/api/send-otp", `{"phone":"0501234567"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if got := decode(t, rec)["error"]; got != service.ErrSMSDelivery.Error() {
		t.Fatalf("error = %v, upstream detail should not leak", got)
	}
}

func TestVerifyOTPNewUser(t *testing.T) {
	flow := &fakeFlow{verifyRes: &service.VerifyResult{
		Message: "Verified. Please complete registration.",
		IsNew:   true,
		Phone:   "+966501234567",
	}}
	router := newTestRouter(flow, nil, false)

	rec := doJSON(t, router, http.MethodPost, "/api/verify-otp", `{"phone":"0501234567","otp":"654321"}`,
		map[string]string{"X-Real-IP": "198.51.100.2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["is_new"] != true || body["phone"] != "+966501234567" {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, ok := body["user_id"]; ok {
		t.Fatal("user_id should be omitted for a new user")
	}
	if flow.gotOTP != "654321" || flow.gotIP != "198.51.100.2" {
		t.Fatalf("service got otp=%q ip=%q", flow.gotOTP, flow.gotIP)
	}
}

func TestVerifyOTPExistingUser(t *testing.T) {
	flow := &fakeFlow{verifyRes: &service.VerifyResult{Message: "Verified successfully", UserID: "u-1"}}
	router := newTestRouter(flow, nil, false)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/otp/verify", `{"phone":"0501234567","otp":"654321"}`, nil)
	body := decode(t, rec)
	if body["user_id"] != "u-1" || body["is_new"] != false {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, ok := body["phone"]; ok {
		t.Fatal("phone should be omitted for an existing user")
	}
}

func TestVerifyOTPMalformedBody(t *testing.T) {
	flow := &fakeFlow{}
	router := newTestRouter(flow, nil, false)

	rec := doJSON(t, router, http.MethodPost, "/api/verify-otp", `[]`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decode(t, rec)["error"]; got != service.ErrInvalidInput.Error() {
		t.Fatalf("error = %v", got)
	}
}

func TestVerifyOTPAttemptsRemaining(t *testing.T) {
	tests := []struct {
		name      string
		remaining int
		wantMsg   string
	}{
		{"some left", 3, "incorrect code. 3 attempts remaining"},
		{"none left", 0, "incorrect code. request a new code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remaining := tt.remaining
			flow := &fakeFlow{verifyErr: &service.OTPError{Err: service.ErrCodeMismatch, AttemptsRemaining: &remaining}}
			router := newTestRouter(flow, nil, false)

			rec := doJSON(t, router, http.MethodPost, "/api/verify-otp", `{"phone":"0501234567","otp":"000000"}`, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			body := decode(t, rec)
			if body["error"] != tt.wantMsg {
				t.Fatalf("error = %v, want %q", body["error"], tt.wantMsg)
			}
			if body["attempts_remaining"] != float64(tt.remaining) {
				t.Fatalf("attempts_remaining = %v", body["attempts_remaining"])
			}
		})
	}
}

func TestGetStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{service.ErrPhoneRequired, http.StatusBadRequest},
		{service.ErrInvalidPhone, http.StatusBadRequest},
		{service.ErrInvalidCode, http.StatusBadRequest},
		{service.ErrNoPendingCode, http.StatusBadRequest},
		{service.ErrCodeNotActive, http.StatusBadRequest},
		{&service.OTPError{Err: service.ErrCodeExpired}, http.StatusBadRequest},
		{&service.OTPError{Err: service.ErrIPRateLimited}, http.StatusTooManyRequests},
		{service.ErrMaxAttempts, http.StatusTooManyRequests},
		{service.ErrSMSDelivery, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := getStatusCode(tt.err); got != tt.want {
			t.Errorf("getStatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": " 203.0.113.9 , 10.0.0.1"}, "203.0.113.9"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "198.51.100.4"},
		{"forwarded wins", map[string]string{"X-Forwarded-For": "203.0.113.9", "X-Real-IP": "198.51.100.4"}, "203.0.113.9"},
		{"none", nil, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.want {
				t.Fatalf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestRouter(&fakeFlow{}, fakeHealth{"records": nil, "cache": nil}, false)

	rec := doJSON(t, router, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "healthy" || body["service"] != "phone-auth-service" {
		t.Fatalf("unexpected body: %v", body)
	}

	degraded := newTestRouter(&fakeFlow{}, fakeHealth{"records": errors.New("down")}, false)
	rec = doJSON(t, degraded, http.MethodGet, "/api/otp/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if decode(t, rec)["status"] != "degraded" {
		t.Fatal("expected degraded status")
	}
}

func TestRouterFallbacks(t *testing.T) {
	router := newTestRouter(&fakeFlow{}, nil, false)

	if rec := doJSON(t, router, http.MethodGet, "/api/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodGet, "/api/send-otp", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestRequireHTTPS(t *testing.T) {
	router := newTestRouter(&fakeFlow{}, nil, true)

	rec := doJSON(t, router, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusUpgradeRequired {
		t.Fatalf("status = %d, want 426", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.TLS = &tls.ConnectionState{}
	out := httptest.NewRecorder()
	router.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 over TLS", out.Code)
	}
}
