/**
 * @description
 * This file contains the HTTP handlers for the credit-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as
 * the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/advisoryhq/credit-service/internal/app"
	"github.com/advisoryhq/credit-service/internal/domain"
	"github.com/advisoryhq/credit-service/internal/store"
)

// CreditHandlers holds the application services that handlers will use.
type CreditHandlers struct {
	service *app.Service
	invites *app.InviteEngine
}

// NewCreditHandlers creates a new instance of CreditHandlers.
func NewCreditHandlers(service *app.Service, invites *app.InviteEngine) *CreditHandlers {
	return &CreditHandlers{service: service, invites: invites}
}

type decreaseRequest struct {
	Reason            string  `json:"reason"`
	RelatedEntityID   *string `json:"related_entity_id,omitempty"`
	RelatedEntityKind *string `json:"related_entity_kind,omitempty"`
}

type increaseRequest struct {
	Amount       int64   `json:"amount"`
	Reason       string  `json:"reason"`
	OperatorID   *string `json:"operator_id,omitempty"`
	OperatorKind string  `json:"operator_kind,omitempty"`
}

type adjustRequest struct {
	Operation string `json:"operation"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	AdminID   string `json:"admin_id"`
}

type batchAdjustRequest struct {
	AccountIDs []uuid.UUID `json:"account_ids"`
	Operation  string      `json:"operation"`
	Amount     int64       `json:"amount"`
	Reason     string      `json:"reason"`
	AdminID    string      `json:"admin_id"`
}

type processInviteRequest struct {
	InviteeID uuid.UUID `json:"invitee_id"`
	Code      string    `json:"code"`
}

type settingsUpdateRequest struct {
	Settings  []app.SettingWrite `json:"settings"`
	UpdatedBy string             `json:"updated_by"`
}

// parseAccountID extracts and validates the accountID path parameter.
func (h *CreditHandlers) parseAccountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "accountID")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account ID format")
		return uuid.Nil, false
	}
	return id, true
}

// DecreaseHandler consumes one credit for a consultation.
func (h *CreditHandlers) DecreaseHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.parseAccountID(w, r)
	if !ok {
		return
	}

	var req decreaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=decrease outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	result, err := h.service.Decrease(r.Context(), accountID, req.Reason, req.RelatedEntityID, req.RelatedEntityKind)
	if err != nil {
		h.respondServiceError(w, "decrease", accountID, err)
		return
	}

	log.Printf("level=info component=api endpoint=decrease outcome=accepted account_id=%s balance=%d", accountID, result.Balance)
	h.writeJSON(w, http.StatusOK, result)
}

// IncreaseHandler grants credits to an account.
func (h *CreditHandlers) IncreaseHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.parseAccountID(w, r)
	if !ok {
		return
	}

	var req increaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=increase outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	result, err := h.service.Increase(r.Context(), accountID, req.Amount, req.Reason, req.OperatorID, req.OperatorKind)
	if err != nil {
		h.respondServiceError(w, "increase", accountID, err)
		return
	}

	log.Printf("level=info component=api endpoint=increase outcome=accepted account_id=%s amount=%d balance=%d", accountID, req.Amount, result.Balance)
	h.writeJSON(w, http.StatusOK, result)
}

// BalanceSummaryHandler returns the balance plus today's quota usage.
func (h *CreditHandlers) BalanceSummaryHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.parseAccountID(w, r)
	if !ok {
		return
	}

	summary, err := h.service.GetBalanceSummary(r.Context(), accountID)
	if err != nil {
		h.respondServiceError(w, "balance_summary", accountID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// AuditTrailHandler returns one page of an account's balance history.
func (h *CreditHandlers) AuditTrailHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.parseAccountID(w, r)
	if !ok {
		return
	}

	opts := domain.AuditTrailOptions{Kind: r.URL.Query().Get("kind")}
	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if page, err := strconv.Atoi(pageStr); err == nil {
			opts.Page = page
		}
	}
	if sizeStr := r.URL.Query().Get("page_size"); sizeStr != "" {
		if size, err := strconv.Atoi(sizeStr); err == nil {
			opts.PageSize = size
		}
	}

	page, err := h.service.GetAuditTrail(r.Context(), accountID, opts)
	if err != nil {
		h.respondServiceError(w, "audit_trail", accountID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// ValidateInviteCodeHandler checks whether a code can be used for registration.
func (h *CreditHandlers) ValidateInviteCodeHandler(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	validation, err := h.invites.ValidateCode(r.Context(), code)
	if err != nil {
		log.Printf("level=error component=api endpoint=validate_invite_code msg=\"validation failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to validate invite code")
		return
	}
	h.writeJSON(w, http.StatusOK, validation)
}

// ProcessInviteHandler applies the two-sided referral bonus after registration.
func (h *CreditHandlers) ProcessInviteHandler(w http.ResponseWriter, r *http.Request) {
	var req processInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=process_invite outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.InviteeID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invitee_id is required")
		return
	}

	result, err := h.invites.ProcessInviteRegistration(r.Context(), req.InviteeID, req.Code)
	if err != nil {
		h.respondServiceError(w, "process_invite", req.InviteeID, err)
		return
	}

	log.Printf("level=info component=api endpoint=process_invite outcome=accepted inviter_id=%s invitee_id=%s already_processed=%t",
		result.InviterID, result.InviteeID, result.AlreadyProcessed)
	h.writeJSON(w, http.StatusOK, result)
}

// RegistrationBonusHandler grants the one-time signup bonus.
func (h *CreditHandlers) RegistrationBonusHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.parseAccountID(w, r)
	if !ok {
		return
	}

	result, err := h.invites.GrantRegistrationBonus(r.Context(), accountID)
	if err != nil {
		h.respondServiceError(w, "registration_bonus", accountID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// AdminAdjustHandler applies one administrative balance change.
func (h *CreditHandlers) AdminAdjustHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.parseAccountID(w, r)
	if !ok {
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=admin_adjust outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	result, err := h.service.AdminAdjust(r.Context(), accountID, req.Operation, req.Amount, req.Reason, req.AdminID)
	if err != nil {
		h.respondServiceError(w, "admin_adjust", accountID, err)
		return
	}

	log.Printf("level=info component=api endpoint=admin_adjust outcome=accepted account_id=%s operation=%s applied_delta=%d admin_id=%s",
		accountID, req.Operation, result.AppliedDelta, req.AdminID)
	h.writeJSON(w, http.StatusOK, result)
}

// BatchAdjustHandler applies the same adjustment to many accounts.
func (h *CreditHandlers) BatchAdjustHandler(w http.ResponseWriter, r *http.Request) {
	var req batchAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=batch_adjust outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if len(req.AccountIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "account_ids is required")
		return
	}

	result, err := h.service.BatchAdjust(r.Context(), req.AccountIDs, req.Operation, req.Amount, req.Reason, req.AdminID)
	if err != nil {
		h.respondServiceError(w, "batch_adjust", uuid.Nil, err)
		return
	}

	log.Printf("level=info component=api endpoint=batch_adjust outcome=accepted total=%d success=%d errors=%d admin_id=%s",
		result.TotalProcessed, result.SuccessCount, result.ErrorCount, req.AdminID)
	h.writeJSON(w, http.StatusOK, result)
}

// GetSettingsHandler returns the effective value of every known setting.
func (h *CreditHandlers) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	registry := h.service.Settings()

	dailyLimit, err := registry.DailyDecreaseLimit(ctx)
	if err != nil {
		h.respondServiceError(w, "get_settings", uuid.Nil, err)
		return
	}
	inviterBonus, inviteeBonus, err := registry.InviteBonuses(ctx)
	if err != nil {
		h.respondServiceError(w, "get_settings", uuid.Nil, err)
		return
	}
	registrationBonus, err := registry.RegistrationBonus(ctx)
	if err != nil {
		h.respondServiceError(w, "get_settings", uuid.Nil, err)
		return
	}
	inviteEnabled, err := registry.InviteEnabled(ctx)
	if err != nil {
		h.respondServiceError(w, "get_settings", uuid.Nil, err)
		return
	}
	minLength, maxLength, err := registry.InviteCodeLengthBounds(ctx)
	if err != nil {
		h.respondServiceError(w, "get_settings", uuid.Nil, err)
		return
	}
	batchMax, err := registry.BatchAdjustMaxAccounts(ctx)
	if err != nil {
		h.respondServiceError(w, "get_settings", uuid.Nil, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		domain.SettingDailyDecreaseLimit:     dailyLimit,
		domain.SettingInviterBonusCredits:    inviterBonus,
		domain.SettingInviteeBonusCredits:    inviteeBonus,
		domain.SettingRegistrationBonus:      registrationBonus,
		domain.SettingInviteEnabled:          inviteEnabled,
		domain.SettingInviteCodeMinLength:    minLength,
		domain.SettingInviteCodeMaxLength:    maxLength,
		domain.SettingBatchAdjustMaxAccounts: batchMax,
	})
}

// UpdateSettingsHandler applies a batch of validated settings writes.
func (h *CreditHandlers) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req settingsUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=update_settings outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if len(req.Settings) == 0 {
		h.writeError(w, http.StatusBadRequest, "settings is required")
		return
	}

	applied, err := h.service.Settings().SetBatch(r.Context(), req.Settings, req.UpdatedBy)
	if err != nil {
		if errors.Is(err, app.ErrUnknownSettingKey) || errors.Is(err, app.ErrInvalidSettingValue) {
			h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":   err.Error(),
				"applied": applied,
			})
			return
		}
		log.Printf("level=error component=api endpoint=update_settings msg=\"settings write failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to update settings")
		return
	}

	log.Printf("level=info component=api endpoint=update_settings outcome=accepted applied=%d updated_by=%s", applied, req.UpdatedBy)
	h.writeJSON(w, http.StatusOK, map[string]int{"applied": applied})
}

// respondServiceError maps application errors onto HTTP status codes.
func (h *CreditHandlers) respondServiceError(w http.ResponseWriter, endpoint string, accountID uuid.UUID, err error) {
	var dailyLimit *app.DailyLimitError
	var throttled *app.ThrottledError

	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, app.ErrAccountInactive):
		h.writeError(w, http.StatusForbidden, "Account is not active")
	case errors.As(err, &dailyLimit):
		w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(dailyLimit.NextResetAt).Seconds())+1, 10))
		h.writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":         "Daily consultation limit reached",
			"daily_limit":   dailyLimit.Limit,
			"used_today":    dailyLimit.UsedToday,
			"next_reset_at": dailyLimit.NextResetAt,
		})
	case errors.As(err, &throttled):
		w.Header().Set("Retry-After", strconv.FormatInt(int64(throttled.RetryAfter.Seconds()), 10))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again shortly.")
	case errors.Is(err, app.ErrInsufficientBalance):
		h.writeError(w, http.StatusBadRequest, "Insufficient credit balance")
	case errors.Is(err, app.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, "Invalid amount")
	case errors.Is(err, app.ErrInvalidOperation):
		h.writeError(w, http.StatusBadRequest, "Invalid operation")
	case errors.Is(err, app.ErrBatchTooLarge):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInviteDisabled):
		h.writeError(w, http.StatusBadRequest, "Invite feature is disabled")
	case errors.Is(err, app.ErrInvalidInviteCode):
		h.writeError(w, http.StatusBadRequest, "Invalid invite code")
	case errors.Is(err, app.ErrInviterNotFound):
		h.writeError(w, http.StatusBadRequest, "Invite code owner not found or inactive")
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"request failed\" account_id=%s err=%v", endpoint, accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *CreditHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *CreditHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
