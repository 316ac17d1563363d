package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"device-auth-service/internal/otp"
	"device-auth-service/internal/util"
)

// OTPHandler exposes email one-time codes.
type OTPHandler struct {
	otp    *otp.Service
	logger *zap.Logger
}

func NewOTPHandler(svc *otp.Service, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{otp: svc, logger: logger}
}

type sendOTPRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

type verifyOTPRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

func (h *OTPHandler) RegisterRoutes(r chi.Router) {
	r.Route("/otp", func(r chi.Router) {
		r.Post("/send", h.Send)
		r.Post("/resend", h.Resend)
		r.Post("/verify", h.Verify)
		r.Get("/{userID}/cooldown", h.Cooldown)
		r.Delete("/{userID}", h.Invalidate)
	})
}

func (h *OTPHandler) decodeSend(w http.ResponseWriter, r *http.Request) (*sendOTPRequest, bool) {
	var req sendOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return nil, false
	}
	req.UserID = util.SanitizeInput(req.UserID)
	req.Email = strings.TrimSpace(req.Email)
	if req.UserID == "" || req.Email == "" || !strings.Contains(req.Email, "@") {
		badRequest(w, otp.ErrInvalidUser)
		return nil, false
	}
	return &req, true
}

// Send handles POST /otp/send
func (h *OTPHandler) Send(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSend(w, r)
	if !ok {
		return
	}
	h.send(w, r, req)
}

// Resend handles POST /otp/resend and enforces the cooldown.
func (h *OTPHandler) Resend(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSend(w, r)
	if !ok {
		return
	}
	secs, err := h.otp.ResendCooldownSeconds(r.Context(), req.UserID)
	if err != nil {
		internalError(w, h.logger, "failed to check resend cooldown", err)
		return
	}
	if secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorResponse("resend_cooldown",
			"Please wait before requesting another code.",
			map[string]int{"retry_after_seconds": secs}))
		return
	}
	h.send(w, r, req)
}

func (h *OTPHandler) send(w http.ResponseWriter, r *http.Request, req *sendOTPRequest) {
	issued, err := h.otp.CreateAndSend(r.Context(), req.UserID, req.Email, req.Name)
	switch {
	case errors.Is(err, otp.ErrInvalidUser):
		badRequest(w, err)
		return
	case errors.Is(err, otp.ErrDelivery):
		writeJSON(w, http.StatusBadGateway, errorResponse("otp_delivery_failed",
			"We couldn't send the email. Please try again.", nil))
		return
	case err != nil:
		internalError(w, h.logger, "failed to issue otp", err)
		return
	}
	writeJSON(w, http.StatusAccepted, successResponse(map[string]interface{}{
		"expires_at": issued.ExpiresAt,
	}, "Verification code sent."))
}

// Verify handles POST /otp/verify
func (h *OTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	req.UserID = util.SanitizeInput(req.UserID)
	if req.UserID == "" {
		badRequest(w, otp.ErrInvalidUser)
		return
	}

	res := h.otp.Verify(r.Context(), req.UserID, req.Code)
	status, code := otpStatus(res)
	if status == http.StatusOK {
		writeJSON(w, status, successResponse(nil, res.Message()))
		return
	}
	if f, ok := res.(otp.Failure); ok && status >= 500 {
		h.logger.Error("otp verification failed", util.UserID(req.UserID), zap.Error(f.Err))
	}
	var data interface{}
	if wc, ok := res.(otp.WrongCode); ok {
		data = map[string]int{"remaining_attempts": wc.Remaining}
	}
	writeJSON(w, status, errorResponse(code, res.Message(), data))
}

func otpStatus(res otp.VerifyResult) (int, string) {
	switch r := res.(type) {
	case otp.Success:
		return http.StatusOK, ""
	case otp.NotFound:
		return http.StatusNotFound, "otp_not_found"
	case otp.Expired:
		return http.StatusGone, "otp_expired"
	case otp.AlreadyUsed:
		return http.StatusConflict, "otp_already_used"
	case otp.Locked:
		return http.StatusLocked, "otp_locked"
	case otp.WrongCode:
		return http.StatusUnauthorized, "otp_wrong_code"
	case otp.Failure:
		switch {
		case errors.Is(r.Err, otp.ErrEmptyCode), errors.Is(r.Err, otp.ErrMalformedCode):
			return http.StatusBadRequest, "invalid_code"
		case errors.Is(r.Err, otp.ErrContention):
			return http.StatusServiceUnavailable, "otp_busy"
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// Cooldown handles GET /otp/{userID}/cooldown
func (h *OTPHandler) Cooldown(w http.ResponseWriter, r *http.Request) {
	userID := util.SanitizeInput(chi.URLParam(r, "userID"))
	secs, err := h.otp.ResendCooldownSeconds(r.Context(), userID)
	if err != nil {
		internalError(w, h.logger, "failed to check resend cooldown", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"can_resend":          secs == 0,
		"retry_after_seconds": secs,
	}, ""))
}

// Invalidate handles DELETE /otp/{userID}
func (h *OTPHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	userID := util.SanitizeInput(chi.URLParam(r, "userID"))
	if err := h.otp.Invalidate(r.Context(), userID); err != nil {
		internalError(w, h.logger, "failed to invalidate otp", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse(nil, "Verification code invalidated."))
}
