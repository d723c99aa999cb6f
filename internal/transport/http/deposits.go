package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mohammednour-ai/matex/internal/app"
	"github.com/mohammednour-ai/matex/internal/domain"
)

// userHeader carries the authenticated caller's id, set by the upstream auth
// layer. Requests without it are rejected before any service call.
const userHeader = "X-User-ID"

func callerID(r *http.Request) string {
	return r.Header.Get(userHeader)
}

// DepositCreator is the minimal interface needed to create a deposit.
type DepositCreator interface {
	Create(ctx context.Context, in app.CreateDepositInput) (domain.Deposit, error)
}

// HandleCreateDeposit returns an HTTP handler for creating and authorizing a
// deposit against an auction.
func HandleCreateDeposit(svc DepositCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		user := callerID(r)
		if user == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing user identity")
			return
		}

		var req createDepositRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		dep, err := svc.Create(r.Context(), app.CreateDepositInput{
			UserID:        user,
			AuctionID:     req.AuctionID,
			Amount:        req.Amount,
			Currency:      req.Currency,
			PaymentMethod: req.PaymentMethod,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
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

type createDepositRequest struct {
	AuctionID     string `json:"auction_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
}

type depositResponse struct {
	ID          string    `json:"id"`
	AuctionID   string    `json:"auction_id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	ExternalRef string    `json:"external_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
