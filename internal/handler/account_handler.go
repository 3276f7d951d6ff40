package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/membership/internal/domain"
)

// TenantHeader carries the tenant in multi-tenant deployments.
const TenantHeader = "X-Tenant"

// AccountService is the part of service.AccountService the API exposes.
type AccountService interface {
	GetAll(ctx context.Context, tenant string) ([]*domain.Account, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	GetByUsername(ctx context.Context, tenant, username string) (*domain.Account, error)
	UsernameExists(ctx context.Context, tenant, username string) (bool, error)
	EmailExists(ctx context.Context, tenant, email string) (bool, error)
	CreateAccount(ctx context.Context, tenant, username, password, email string) (*domain.Account, error)
	VerifyAccount(ctx context.Context, key string) (bool, error)
	CancelNewAccount(ctx context.Context, key string) (bool, error)
	DeleteAccount(ctx context.Context, tenant, username string) (bool, error)
	Authenticate(ctx context.Context, tenant, username, password string) (bool, error)
	ChangePassword(ctx context.Context, tenant, username, oldPassword, newPassword string) (bool, error)
	ResetPassword(ctx context.Context, tenant, email string) (bool, error)
	ChangePasswordFromResetKey(ctx context.Context, key, newPassword string) (bool, error)
	SendUsernameReminder(ctx context.Context, tenant, email string) error
	ChangeEmailRequest(ctx context.Context, tenant, username, newEmail string) (bool, error)
	ChangeEmailFromKey(ctx context.Context, password, key, newEmail string) (bool, error)
	AddClaim(ctx context.Context, tenant, username, claimType, value string) (bool, error)
	RemoveClaim(ctx context.Context, tenant, username, claimType string) (bool, error)
	RemoveClaimValue(ctx context.Context, tenant, username, claimType, value string) (bool, error)
}

// AccountHandler serves the account API.
type AccountHandler struct {
	accounts AccountService
	logger   zerolog.Logger
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accounts AccountService, logger zerolog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		logger:   logger.With().Str("handler", "account").Logger(),
	}
}

// =============================================================================
// Request Bodies
// =============================================================================

// CreateAccountRequest is the body of POST /api/v1/accounts.
type CreateAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

// KeyRequest carries a one-time key.
type KeyRequest struct {
	Key string `json:"key"`
}

// AuthenticateRequest is the body of POST /api/v1/authenticate.
type AuthenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ChangePasswordRequest is the body of POST /api/v1/password/change.
type ChangePasswordRequest struct {
	Username    string `json:"username"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// EmailRequest carries an email address.
type EmailRequest struct {
	Email string `json:"email"`
}

// ResetConfirmRequest is the body of POST /api/v1/password/reset/confirm.
type ResetConfirmRequest struct {
	Key         string `json:"key"`
	NewPassword string `json:"new_password"`
}

// ChangeEmailRequest is the body of POST /api/v1/email/change.
type ChangeEmailRequest struct {
	Username string `json:"username"`
	NewEmail string `json:"new_email"`
}

// ConfirmEmailRequest is the body of POST /api/v1/email/confirm.
type ConfirmEmailRequest struct {
	Password string `json:"password"`
	Key      string `json:"key"`
	NewEmail string `json:"new_email"`
}

// ClaimRequest is the body of POST /api/v1/accounts/by-username/{username}/claims.
type ClaimRequest struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// =============================================================================
// Route Registration
// =============================================================================

// RegisterRoutes registers the account API.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/accounts", h.handleList)
		r.Post("/accounts", h.handleCreate)
		r.Get("/accounts/{id}", h.handleGetByID)
		r.Get("/accounts/by-username/{username}", h.handleGetByUsername)
		r.Delete("/accounts/by-username/{username}", h.handleDelete)
		r.Post("/accounts/by-username/{username}/claims", h.handleAddClaim)
		r.Delete("/accounts/by-username/{username}/claims/{type}", h.handleRemoveClaim)

		r.Post("/accounts/verify", h.handleVerify)
		r.Post("/accounts/cancel", h.handleCancel)

		r.Get("/exists/username/{username}", h.handleUsernameExists)
		r.Get("/exists/email/{email}", h.handleEmailExists)

		r.Post("/authenticate", h.handleAuthenticate)
		r.Post("/password/change", h.handleChangePassword)
		r.Post("/password/reset", h.handleResetPassword)
		r.Post("/password/reset/confirm", h.handleResetConfirm)
		r.Post("/username/reminder", h.handleUsernameReminder)
		r.Post("/email/change", h.handleChangeEmail)
		r.Post("/email/confirm", h.handleConfirmEmail)
	})

	// Links placed in notification emails.
	r.Get("/accounts/verify/{key}", h.handleVerifyLink)
	r.Get("/accounts/cancel/{key}", h.handleCancelLink)
}

func tenantOf(r *http.Request) string {
	if t := r.Header.Get(TenantHeader); t != "" {
		return t
	}
	return r.URL.Query().Get("tenant")
}

// =============================================================================
// Accounts
// =============================================================================

func (h *AccountHandler) handleList(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.GetAll(r.Context(), tenantOf(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, newAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AccountHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	a, err := h.accounts.CreateAccount(r.Context(), tenantOf(r), req.Username, req.Password, req.Email)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountResponse(a))
}

func (h *AccountHandler) handleGetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w)
		return
	}
	a, err := h.accounts.GetByID(r.Context(), id)
	h.writeAccount(w, a, err)
}

func (h *AccountHandler) handleGetByUsername(w http.ResponseWriter, r *http.Request) {
	a, err := h.accounts.GetByUsername(r.Context(), tenantOf(r), chi.URLParam(r, "username"))
	h.writeAccount(w, a, err)
}

func (h *AccountHandler) writeAccount(w http.ResponseWriter, a *domain.Account, err error) {
	switch {
	case err != nil:
		writeError(w, h.logger, err)
	case a == nil:
		writeNotFound(w)
	default:
		writeJSON(w, http.StatusOK, newAccountResponse(a))
	}
}

func (h *AccountHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ok, err := h.accounts.DeleteAccount(r.Context(), tenantOf(r), chi.URLParam(r, "username"))
	h.writeOutcome(w, ok, err)
}

func (h *AccountHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ok, err := h.accounts.VerifyAccount(r.Context(), req.Key)
	h.writeOutcome(w, ok, err)
}

func (h *AccountHandler) handleVerifyLink(w http.ResponseWriter, r *http.Request) {
	ok, err := h.accounts.VerifyAccount(r.Context(), chi.URLParam(r, "key"))
	h.writeOutcome(w, ok, err)
}

func (h *AccountHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ok, err := h.accounts.CancelNewAccount(r.Context(), req.Key)
	h.writeOutcome(w, ok, err)
}

func (h *AccountHandler) handleCancelLink(w http.ResponseWriter, r *http.Request) {
	ok, err := h.accounts.CancelNewAccount(r.Context(), chi.URLParam(r, "key"))
	h.writeOutcome(w, ok, err)
}

func (h *AccountHandler) handleUsernameExists(w http.ResponseWriter, r *http.Request) {
	exists, err := h.accounts.UsernameExists(r.Context(), tenantOf(r), chi.URLParam(r, "username"))
	h.writeExists(w, exists, err)
}

func (h *AccountHandler) handleEmailExists(w http.ResponseWriter, r *http.Request) {
	exists, err := h.accounts.EmailExists(r.Context(), tenantOf(r), chi.URLParam(r, "email"))
	h.writeExists(w, exists, err)
}

func (h *AccountHandler) writeExists(w http.ResponseWriter, exists bool, err error) {
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

// =============================================================================
// Credentials
// =============================================================================

func (h *AccountHandler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req AuthenticateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ok, err := h.accounts.Authenticate(r.Context(), tenantOf(r), req.Username, req.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]bool{"authenticated": ok})
}

func (h *AccountHandler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ok, err := h.accounts.ChangePassword(r.Context(), tenantOf(r), req.Username, req.OldPassword, req.NewPassword)
	h.writeOutcome(w, ok, err)
}

func (h *AccountHandler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ok, err := h.accounts.ResetPassword(r.Context(), tenantOf(r), req.Email)
	h.writeOutcome(w, ok, err)
}

func (h *AccountHandler) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req ResetConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ok, err := h.accounts.ChangePasswordFromResetKey(r.Context(), req.Key, req.NewPassword)
	h.writeOutcome(w, ok, err)
}

func (h *AccountHandler) handleUsernameReminder(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.accounts.SendUsernameReminder(r.Context(), tenantOf(r), req.Email); err != nil {
		writeError(w, h.logger, err)
		return
	}
	// Unknown addresses get the same response.
	w.WriteHeader(http.StatusAccepted)
}

func (h *AccountHandler) handleChangeEmail(w http.ResponseWriter, r *http.Request) {
	var req ChangeEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ok, err := h.accounts.ChangeEmailRequest(r.Context(), tenantOf(r), req.Username, req.NewEmail)
	h.writeOutcome(w, ok, err)
}

func (h *AccountHandler) handleConfirmEmail(w http.ResponseWriter, r *http.Request) {
	var req ConfirmEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ok, err := h.accounts.ChangeEmailFromKey(r.Context(), req.Password, req.Key, req.NewEmail)
	h.writeOutcome(w, ok, err)
}

// =============================================================================
// Claims
// =============================================================================

func (h *AccountHandler) handleAddClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ok, err := h.accounts.AddClaim(r.Context(), tenantOf(r), chi.URLParam(r, "username"), req.Type, req.Value)
	h.writeOutcome(w, ok, err)
}

// handleRemoveClaim removes every claim of the type, or one value with ?value=.
func (h *AccountHandler) handleRemoveClaim(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	claimType := chi.URLParam(r, "type")

	var (
		ok  bool
		err error
	)
	if value := r.URL.Query().Get("value"); value != "" {
		ok, err = h.accounts.RemoveClaimValue(r.Context(), tenantOf(r), username, claimType, value)
	} else {
		ok, err = h.accounts.RemoveClaim(r.Context(), tenantOf(r), username, claimType)
	}
	h.writeOutcome(w, ok, err)
}

func (h *AccountHandler) writeOutcome(w http.ResponseWriter, ok bool, err error) {
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeResult(w, ok)
}
