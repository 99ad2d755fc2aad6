package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"phone-auth-service/internal/service"
	"phone-auth-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 10

// OTPIssuer and OTPVerifier are the service operations the handler drives.
type OTPIssuer interface {
	Issue(ctx context.Context, rawPhone, ip string) (*service.IssueResult, error)
}

type OTPVerifier interface {
	Verify(ctx context.Context, rawPhone, otp, ip string) (*service.VerifyResult, error)
}

type OTPFlow interface {
	OTPIssuer
	OTPVerifier
}

// HealthChecker reports per-component health; a nil error means healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

// OTPHandler handles HTTP requests for phone OTP sign-in
type OTPHandler struct {
	otp    OTPFlow
	health HealthChecker
	logger *zap.Logger
}

func NewOTPHandler(otp OTPFlow, health HealthChecker, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{otp: otp, health: health, logger: logger}
}

// SendOTPRequest carries no validation tags: the phone is checked by the
// service after the IP window, so malformed input still counts against it.
type SendOTPRequest struct {
	Phone string `json:"phone"`
}

type VerifyOTPRequest struct {
	Phone string `json:"phone" validate:"max=32"`
	OTP   string `json:"otp" validate:"max=16"`
}

// ErrorResponse is the failure body. RetryAfter and AttemptsRemaining are
// set for throttling and wrong-code failures.
type ErrorResponse struct {
	Error             string `json:"error"`
	RetryAfter        *int   `json:"retry_after,omitempty"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
}

type SendOTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type VerifyOTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
	IsNew   bool   `json:"is_new"`
	Phone   string `json:"phone,omitempty"`
}

// RegisterRoutes mounts the OTP endpoints under an /api router.
func (h *OTPHandler) RegisterRoutes(r chi.Router) {
	r.Post("/send-otp", h.SendOTP)
	r.Post("/verify-otp", h.VerifyOTP)
	r.Get("/otp/health", h.HealthCheck)

	r.Route("/v1/otp", func(r chi.Router) {
		r.Post("/send", h.SendOTP)
		r.Post("/verify", h.VerifyOTP)
	})
}

// SendOTP handles code issuance
func (h *OTPHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ip := clientIP(r)

	// An unreadable body is handled as a missing phone so the IP window
	// still counts the request.
	var req SendOTPRequest
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)

	res, err := h.otp.Issue(r.Context(), req.Phone, ip)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, SendOTPResponse{Success: true, Message: res.Message})
	h.logger.Debug("OTP send handled",
		util.String("ip", ip),
		util.Duration("duration", time.Since(startTime)),
	)
}

// VerifyOTP handles code verification
func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ip := clientIP(r)

	var req VerifyOTPRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, ErrorResponse{Error: service.ErrInvalidInput.Error()})
		return
	}
	if fields := util.ValidateStruct(req); fields != nil {
		h.respondWithJSON(w, http.StatusBadRequest, ErrorResponse{Error: util.FormatValidationErrors(fields)})
		return
	}

	res, err := h.otp.Verify(r.Context(), req.Phone, req.OTP, ip)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, VerifyOTPResponse{
		Success: true,
		Message: res.Message,
		UserID:  res.UserID,
		IsNew:   res.IsNew,
		Phone:   res.Phone,
	})
	h.logger.Debug("OTP verify handled",
		util.String("ip", ip),
		util.Bool("is_new", res.IsNew),
		util.Duration("duration", time.Since(startTime)),
	)
}

// HealthCheck reports the stores behind the OTP flow.
func (h *OTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, body := healthReport(r.Context(), h.health)
	h.respondWithJSON(w, status, body)
}

func healthReport(ctx context.Context, checker HealthChecker) (int, map[string]interface{}) {
	components := map[string]string{}
	healthy := true
	if checker != nil {
		for name, err := range checker.HealthCheck(ctx) {
			if err != nil {
				healthy = false
				components[name] = err.Error()
				continue
			}
			components[name] = "ok"
		}
	}

	body := map[string]interface{}{"status": "healthy", "components": components}
	if !healthy {
		body["status"] = "degraded"
		return http.StatusServiceUnavailable, body
	}
	return http.StatusOK, body
}

// clientIP takes the first X-Forwarded-For hop, then X-Real-IP.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return "unknown"
}

// Helper Methods

func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError maps service errors to status and body. Unexpected
// errors are logged and replaced by a generic message.
func (h *OTPHandler) respondWithError(w http.ResponseWriter, err error) {
	statusCode := getStatusCode(err)
	body := ErrorResponse{Error: err.Error()}

	var oe *service.OTPError
	if errors.As(err, &oe) {
		if oe.RetryAfter > 0 {
			secs := oe.RetryAfterSeconds()
			body.RetryAfter = &secs
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		if oe.AttemptsRemaining != nil {
			body.AttemptsRemaining = oe.AttemptsRemaining
			body.Error = withAttemptsHint(oe.Err, *oe.AttemptsRemaining)
		}
	}

	switch {
	case statusCode >= http.StatusInternalServerError:
		h.logger.Error("OTP request failed", util.ErrorField(err), util.Int("status_code", statusCode))
		if statusCode == http.StatusInternalServerError {
			body.Error = "an unexpected error occurred"
		} else {
			body.Error = service.ErrSMSDelivery.Error()
		}
	default:
		h.logger.Debug("OTP request rejected", util.ErrorField(err), util.Int("status_code", statusCode))
	}
	h.respondWithJSON(w, statusCode, body)
}

func withAttemptsHint(err error, remaining int) string {
	if remaining > 0 {
		return fmt.Sprintf("%s. %d attempts remaining", err.Error(), remaining)
	}
	return err.Error() + ". request a new code"
}

func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrIPRateLimited),
		errors.Is(err, service.ErrCooldownActive),
		errors.Is(err, service.ErrMaxAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrPhoneRequired),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidPhone),
		errors.Is(err, service.ErrInvalidCode),
		errors.Is(err, service.ErrNoPendingCode),
		errors.Is(err, service.ErrCodeExpired),
		errors.Is(err, service.ErrCodeMismatch),
		errors.Is(err, service.ErrCodeNotActive):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSMSDelivery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
