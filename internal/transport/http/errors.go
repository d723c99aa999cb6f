package http

import (
	"encoding/json"
	"net/http"

	"github.com/mohammednour-ai/matex/internal/domain"
)

const (
	codeMethodNotAllowed   = "method_not_allowed"
	codeNotFound           = "not_found"
	codeInvalidRequestBody = "invalid_request_body"
	codeInvalidID          = "invalid_id"
	codeInvalidAmount      = "invalid_amount"
	codeCurrencyRequired   = "currency_required"
	codePayMethodRequired  = "payment_method_required"
	codeUnauthorized       = "unauthorized"
	codeForbidden          = "forbidden"
	codeAuctionNotFound    = "auction_not_found"
	codeDepositNotFound    = "deposit_not_found"
	codeDepositExists      = "deposit_exists"
	codeAuthMismatch       = "authorization_mismatch"
	codeInvalidState       = "invalid_state"
	codeAuctionNotOpen     = "auction_not_open"
	codeAuctionNotDue      = "auction_not_due"
	codeGatewayDeclined    = "gateway_declined"
	codeInternalError      = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

// writeDomainError maps the error taxonomy onto stable HTTP codes. Transient
// gateway errors never reach here; they are retried inside the services.
func writeDomainError(w http.ResponseWriter, err error) {
	switch err {
	case domain.ErrInvalidID:
		writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
	case domain.ErrInvalidAmount:
		writeError(w, http.StatusBadRequest, codeInvalidAmount, err.Error())
	case domain.ErrCurrencyRequired:
		writeError(w, http.StatusBadRequest, codeCurrencyRequired, err.Error())
	case domain.ErrPayMethodRequired:
		writeError(w, http.StatusBadRequest, codePayMethodRequired, err.Error())
	case domain.ErrNotOwner:
		writeError(w, http.StatusForbidden, codeForbidden, err.Error())
	case domain.ErrAuctionNotFound:
		writeError(w, http.StatusNotFound, codeAuctionNotFound, err.Error())
	case domain.ErrDepositNotFound:
		writeError(w, http.StatusNotFound, codeDepositNotFound, err.Error())
	case domain.ErrDepositExists:
		writeError(w, http.StatusConflict, codeDepositExists, err.Error())
	case domain.ErrAuthorizationMismatch:
		writeError(w, http.StatusConflict, codeAuthMismatch, err.Error())
	case domain.ErrInvalidTransition:
		writeError(w, http.StatusConflict, codeInvalidState, err.Error())
	case domain.ErrAuctionNotOpen:
		writeError(w, http.StatusConflict, codeAuctionNotOpen, err.Error())
	case domain.ErrAuctionNotClaimable:
		writeError(w, http.StatusConflict, codeAuctionNotDue, err.Error())
	case domain.ErrGatewayDeclined:
		writeError(w, http.StatusPaymentRequired, codeGatewayDeclined, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}

// NotFoundHandler returns a JSON 404 response for unknown routes.
func NotFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	})
}
