package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mohammednour-ai/matex/internal/domain"
)

// DepositStatusReader is the minimal interface for the batch status query.
type DepositStatusReader interface {
	StatusByAuctions(ctx context.Context, userID string, auctionIDs []string) (map[string]domain.DepositStatus, error)
}

// HandleDepositStatus returns an HTTP handler for GET
// /deposits/status?auction_id=...&auction_id=... reporting the caller's
// deposit status per auction. Absent deposits report "none".
func HandleDepositStatus(svc DepositStatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		user := callerID(r)
		if user == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing user identity")
			return
		}

		auctionIDs := r.URL.Query()["auction_id"]
		if len(auctionIDs) == 0 {
			writeError(w, http.StatusBadRequest, codeInvalidID, "at least one auction_id is required")
			return
		}

		statuses, err := svc.StatusByAuctions(r.Context(), user, auctionIDs)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		out := make(map[string]string, len(statuses))
		for auctionID, status := range statuses {
			out[auctionID] = string(status)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(depositStatusResponse{Deposits: out})
	}
}

type depositStatusResponse struct {
	Deposits map[string]string `json:"deposits"`
}
