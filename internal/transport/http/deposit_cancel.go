package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mohammednour-ai/matex/internal/domain"
)

// DepositCanceller is the minimal interface needed for a user to release
// their own deposit.
type DepositCanceller interface {
	CancelOwn(ctx context.Context, userID, externalRef string) (domain.Deposit, error)
}

// HandleCancelDeposit returns an HTTP handler for POST
// /deposits/{externalRef}/cancel. The deposit is addressed by its gateway
// authorization reference, the identifier the bidder holds.
func HandleCancelDeposit(svc DepositCanceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		externalRef, ok := parseCancelDepositPath(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}

		user := callerID(r)
		if user == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing user identity")
			return
		}

		dep, err := svc.CancelOwn(r.Context(), user, externalRef)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(depositResponse{
			ID:          dep.ID,
			AuctionID:   dep.AuctionID,
			Amount:      dep.Amount,
			Currency:    dep.Currency,
			Status:      string(dep.Status),
			ExternalRef: dep.ExternalRef,
			CreatedAt:   dep.CreatedAt,
		})
	}
}

func parseCancelDepositPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 {
		return "", false
	}
	if parts[0] != "deposits" || parts[2] != "cancel" {
		return "", false
	}
	if parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
