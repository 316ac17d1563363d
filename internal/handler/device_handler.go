package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"device-auth-service/internal/models"
	"device-auth-service/internal/pin"
	"device-auth-service/internal/service"
	"device-auth-service/internal/session"
	"device-auth-service/internal/stepup"
	"device-auth-service/internal/util"
)

// DeviceHandler exposes session, PIN and step-up operations per device.
type DeviceHandler struct {
	devices *service.DeviceRegistry
	clock   clockwork.Clock
	logger  *zap.Logger
}

func NewDeviceHandler(devices *service.DeviceRegistry, clock clockwork.Clock, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, clock: clock, logger: logger}
}

type sessionView struct {
	Locked           bool       `json:"locked"`
	TimeoutEnabled   bool       `json:"timeout_enabled"`
	TimeoutSeconds   int        `json:"timeout_seconds"`
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty"`
	RemainingSeconds int        `json:"remaining_seconds"`
}

type sessionSettingsRequest struct {
	TimeoutEnabled *bool `json:"timeout_enabled"`
	TimeoutSeconds *int  `json:"timeout_seconds"`
}

type pinRequest struct {
	Pin     string `json:"pin"`
	Confirm string `json:"confirm,omitempty"`
	// Current is required to replace an existing PIN.
	Current string `json:"current,omitempty"`
}

type clearPinRequest struct {
	Current string `json:"current"`
}

type authMethodRequest struct {
	Method string `json:"method"`
}

type unlockRequest struct {
	Pin     string `json:"pin,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

func (h *DeviceHandler) RegisterRoutes(r chi.Router) {
	r.Route("/devices/{deviceID}", func(r chi.Router) {
		r.Get("/session", h.GetSession)
		r.Delete("/session", h.ClearSession)
		r.Post("/session/activity", h.Activity)
		r.Post("/session/foreground", h.Foreground)
		r.Post("/session/background", h.Background)
		r.Post("/session/lock", h.Lock)
		r.Put("/session/settings", h.UpdateSettings)

		r.Put("/pin", h.SetPin)
		r.Post("/pin/verify", h.VerifyPin)
		r.Delete("/pin", h.ClearPin)

		r.Get("/auth-method", h.GetAuthMethod)
		r.Put("/auth-method", h.SetAuthMethod)
		r.Post("/unlock", h.Unlock)
	})
}

func (h *DeviceHandler) device(w http.ResponseWriter, r *http.Request) (*service.Device, bool) {
	d, err := h.devices.Device(chi.URLParam(r, "deviceID"))
	if err != nil {
		badRequest(w, err)
		return nil, false
	}
	return d, true
}

// requireUnlocked writes 423 and returns false while the session is locked.
func (h *DeviceHandler) requireUnlocked(w http.ResponseWriter, r *http.Request, d *service.Device) bool {
	locked, err := d.Session.IsLocked(r.Context())
	if err != nil {
		internalError(w, h.logger, "failed to load session", err)
		return false
	}
	if locked {
		writeJSON(w, http.StatusLocked, errorResponse("session_locked", "Session is locked. Please unlock to continue.", nil))
		return false
	}
	return true
}

// requireCurrentPin verifies current against the stored PIN when one exists.
// A wrong PIN counts as a failed attempt.
func (h *DeviceHandler) requireCurrentPin(w http.ResponseWriter, r *http.Request, d *service.Device, current string) bool {
	has, err := d.Vault.HasPin(r.Context())
	if err != nil {
		internalError(w, h.logger, "failed to load pin", err)
		return false
	}
	if !has {
		return true
	}
	if current == "" {
		writeJSON(w, http.StatusForbidden, errorResponse("current_pin_required", "Enter your current PIN to change it.", nil))
		return false
	}
	res := d.Vault.VerifyPin(r.Context(), current)
	if _, ok := res.(pin.Success); ok {
		return true
	}
	h.writePinResult(w, d.ID, res, nil)
	return false
}

func (h *DeviceHandler) writeSession(w http.ResponseWriter, r *http.Request, d *service.Device, message string) {
	state, err := d.Session.State(r.Context())
	if err != nil {
		internalError(w, h.logger, "failed to load session", err)
		return
	}
	view := sessionView{
		Locked:         state.Locked,
		TimeoutEnabled: state.TimeoutEnabled,
		TimeoutSeconds: int(state.TimeoutDuration / time.Second),
	}
	if !state.LastActivityAt.IsZero() {
		at := state.LastActivityAt
		view.LastActivityAt = &at
		view.RemainingSeconds = int(math.Ceil(state.RemainingAt(h.clock.Now()).Seconds()))
	}
	writeJSON(w, http.StatusOK, successResponse(view, message))
}

// GetSession handles GET /devices/{deviceID}/session
func (h *DeviceHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	h.writeSession(w, r, d, "")
}

func (h *DeviceHandler) Activity(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	if !h.requireUnlocked(w, r, d) {
		return
	}
	if err := d.Session.UpdateLastActivityTime(r.Context()); err != nil {
		internalError(w, h.logger, "failed to record activity", err)
		return
	}
	h.writeSession(w, r, d, "")
}

// Foreground handles POST /devices/{deviceID}/session/foreground
func (h *DeviceHandler) Foreground(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	reauth, err := d.Session.OnAppForeground(r.Context())
	if err != nil {
		internalError(w, h.logger, "failed to handle foreground", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse(map[string]bool{"reauth_required": reauth}, ""))
}

func (h *DeviceHandler) Background(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	d.Session.OnAppBackground()
	writeJSON(w, http.StatusOK, successResponse(nil, ""))
}

func (h *DeviceHandler) Lock(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	if err := d.Session.LockSession(r.Context()); err != nil {
		internalError(w, h.logger, "failed to lock session", err)
		return
	}
	h.writeSession(w, r, d, "Session locked.")
}

// ClearSession handles DELETE /devices/{deviceID}/session on logout.
func (h *DeviceHandler) ClearSession(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	if err := d.Session.ClearSession(r.Context()); err != nil {
		internalError(w, h.logger, "failed to clear session", err)
		return
	}
	d.Setup.Reset()
	h.devices.Forget(d.ID)
	writeJSON(w, http.StatusOK, successResponse(nil, "Session cleared."))
}

func (h *DeviceHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	var req sessionSettingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.TimeoutSeconds != nil {
		err := d.Session.SetTimeoutDuration(r.Context(), time.Duration(*req.TimeoutSeconds)*time.Second)
		if errors.Is(err, session.ErrInvalidTimeout) {
			badRequest(w, err)
			return
		}
		if err != nil {
			internalError(w, h.logger, "failed to set timeout", err)
			return
		}
	}
	if req.TimeoutEnabled != nil {
		if err := d.Session.SetTimeoutEnabled(r.Context(), *req.TimeoutEnabled); err != nil {
			internalError(w, h.logger, "failed to toggle timeout", err)
			return
		}
	}
	h.writeSession(w, r, d, "Session settings updated.")
}

// SetPin handles PUT /devices/{deviceID}/pin. A body with both pin and confirm
// completes setup in one call; a body with pin only advances the two-step flow.
// Replacing a PIN needs an unlocked session and the current PIN on every step.
func (h *DeviceHandler) SetPin(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	var req pinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if !h.requireUnlocked(w, r, d) || !h.requireCurrentPin(w, r, d, req.Current) {
		return
	}

	if req.Confirm != "" {
		d.Setup.Reset()
		if _, err := d.Setup.Enter(r.Context(), req.Pin); err != nil {
			h.pinSetupError(w, err)
			return
		}
	}
	entry := req.Pin
	if req.Confirm != "" {
		entry = req.Confirm
	}
	step, err := d.Setup.Enter(r.Context(), entry)
	if err != nil {
		h.pinSetupError(w, err)
		return
	}

	data := map[string]string{"step": step.String()}
	switch step {
	case pin.StepConfirm:
		writeJSON(w, http.StatusAccepted, successResponse(data, "Re-enter the PIN to confirm."))
	case pin.StepMismatch:
		writeJSON(w, http.StatusConflict, errorResponse("pin_mismatch", "PINs did not match. Please start again.", data))
	default:
		writeJSON(w, http.StatusOK, successResponse(data, "PIN set."))
	}
}

func (h *DeviceHandler) pinSetupError(w http.ResponseWriter, err error) {
	if errors.Is(err, pin.ErrInvalidPin) {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_pin", "PIN must be exactly 4 digits.", nil))
		return
	}
	internalError(w, h.logger, "failed to set pin", err)
}

// VerifyPin handles POST /devices/{deviceID}/pin/verify
func (h *DeviceHandler) VerifyPin(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	var req pinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	h.writePinResult(w, d.ID, d.Vault.VerifyPin(r.Context(), req.Pin), nil)
}

func (h *DeviceHandler) writePinResult(w http.ResponseWriter, deviceID string, res pin.VerifyResult, extra map[string]interface{}) {
	data := map[string]interface{}{}
	for k, v := range extra {
		data[k] = v
	}
	var status int
	var code string
	switch v := res.(type) {
	case pin.Success:
		writeJSON(w, http.StatusOK, successResponse(extra, res.Message()))
		return
	case pin.WrongPin:
		status, code = http.StatusUnauthorized, "pin_wrong"
		data["remaining_attempts"] = v.Remaining
	case pin.LockedOut:
		status, code = http.StatusLocked, "pin_locked_out"
		secs := int(math.Ceil(v.Remaining.Seconds()))
		data["retry_after_seconds"] = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	case pin.NoPinSet:
		status, code = http.StatusNotFound, "pin_not_set"
	case pin.Failure:
		if errors.Is(v.Err, pin.ErrInvalidPin) {
			status, code = http.StatusBadRequest, "invalid_pin"
		} else {
			h.logger.Error("pin verification failed", util.DeviceID(deviceID), zap.Error(v.Err))
			status, code = http.StatusInternalServerError, "internal_error"
		}
	default:
		status, code = http.StatusInternalServerError, "internal_error"
	}
	if len(data) == 0 {
		data = nil
	}
	writeJSON(w, status, errorResponse(code, res.Message(), data))
}

// ClearPin handles DELETE /devices/{deviceID}/pin with {"current": "<pin>"}.
func (h *DeviceHandler) ClearPin(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	var req clearPinRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, err)
			return
		}
	}
	if !h.requireUnlocked(w, r, d) || !h.requireCurrentPin(w, r, d, req.Current) {
		return
	}
	if err := d.Vault.ClearPin(r.Context()); err != nil {
		internalError(w, h.logger, "failed to clear pin", err)
		return
	}
	d.Setup.Reset()
	writeJSON(w, http.StatusOK, successResponse(nil, "PIN removed."))
}

func (h *DeviceHandler) GetAuthMethod(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	m, err := d.Auth.Method(r.Context())
	if err != nil {
		internalError(w, h.logger, "failed to load auth method", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse(map[string]string{"method": string(m)}, ""))
}

func (h *DeviceHandler) SetAuthMethod(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	var req authMethodRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	method, err := models.ParseAuthMethod(req.Method)
	if err != nil {
		badRequest(w, err)
		return
	}
	if !h.requireUnlocked(w, r, d) {
		return
	}
	if err := d.Auth.SetMethod(r.Context(), method); err != nil {
		internalError(w, h.logger, "failed to save auth method", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse(map[string]string{"method": string(method)}, "Unlock method updated."))
}

// Unlock handles POST /devices/{deviceID}/unlock. The app_pin method takes the
// PIN; biometric and device_credential take the outcome the device observed.
func (h *DeviceHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	var req unlockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}

	var prompter stepup.Prompter
	if req.Outcome != "" {
		outcome, err := stepup.ParseReportedOutcome(req.Outcome)
		if err != nil {
			badRequest(w, err)
			return
		}
		prompter = stepup.ReportedPrompter{Outcome: outcome}
	}

	challenge, err := d.Auth.NewChallenge(r.Context(), prompter)
	if errors.Is(err, stepup.ErrNoStrategy) {
		writeJSON(w, http.StatusBadRequest, errorResponse("outcome_required", err.Error(), nil))
		return
	}
	if err != nil {
		internalError(w, h.logger, "failed to start challenge", err)
		return
	}

	out, err := challenge.Run(r.Context(), stepup.Attempt{PIN: req.Pin})
	if err != nil {
		internalError(w, h.logger, "step-up failed", err)
		return
	}

	data := map[string]interface{}{"state": out.State.String()}
	if out.PinResult != nil {
		h.writePinResult(w, d.ID, out.PinResult, data)
		return
	}
	switch out.State {
	case stepup.StateSucceeded:
		writeJSON(w, http.StatusOK, successResponse(data, "Unlocked."))
	case stepup.StateCanceled:
		writeJSON(w, http.StatusOK, errorResponse("stepup_canceled", "Authentication canceled.", data))
	default:
		msg := "Authentication failed. Please try again."
		if errors.Is(out.Err, stepup.ErrPlatformLockout) {
			msg = "Too many attempts. Use another unlock method or try again later."
		}
		writeJSON(w, http.StatusUnauthorized, errorResponse("stepup_failed", msg, data))
	}
}
