package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/membership/internal/domain"
	"github.com/prn-tf/membership/internal/service"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResultResponse reports the outcome of an operation that can be refused.
type ResultResponse struct {
	Success bool `json:"success"`
}

// AccountResponse is the public view of an account.
type AccountResponse struct {
	ID                string              `json:"id"`
	Tenant            string              `json:"tenant"`
	Username          string              `json:"username"`
	Email             string              `json:"email"`
	State             domain.AccountState `json:"state"`
	CreatedAt         time.Time           `json:"created_at"`
	PasswordChangedAt time.Time           `json:"password_changed_at"`
	LastLoginAt       *time.Time          `json:"last_login_at,omitempty"`
	FailedLoginCount  int                 `json:"failed_login_count"`
	PendingKind       domain.PendingKind  `json:"pending_kind,omitempty"`
	Claims            []domain.Claim      `json:"claims"`
}

func newAccountResponse(a *domain.Account) AccountResponse {
	resp := AccountResponse{
		ID:                a.ID.String(),
		Tenant:            a.Tenant,
		Username:          a.Username,
		Email:             a.Email,
		State:             a.State(),
		CreatedAt:         a.CreatedAt,
		PasswordChangedAt: a.PasswordChangedAt,
		LastLoginAt:       a.LastLoginAt,
		FailedLoginCount:  a.FailedLoginCount,
		Claims:            a.Claims.List(),
	}
	if a.Pending != nil {
		resp.PendingKind = a.Pending.Kind
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResult maps a refused operation to 422 so clients can tell it from success.
func writeResult(w http.ResponseWriter, ok bool) {
	status := http.StatusOK
	if !ok {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, ResultResponse{Success: ok})
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Code: "NotFound", Message: "account not found"})
}

// writeError maps service errors to HTTP statuses.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Code: "ValidationFailed", Message: verr.Message})
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrMultipleMatches):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "InvalidArgument", Message: err.Error()})
	case errors.Is(err, service.ErrConcurrentUpdate):
		writeJSON(w, http.StatusConflict, ErrorResponse{Code: "Conflict", Message: service.ErrConcurrentUpdate.Error()})
	default:
		logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Code: "InternalError", Message: "internal server error"})
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewDomainError(domain.ErrInvalidArgument, "malformed request body", err.Error())
	}
	return nil
}
