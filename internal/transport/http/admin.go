package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mohammednour-ai/matex/internal/app"
	"github.com/mohammednour-ai/matex/internal/domain"
)

// Settler is the minimal interface for on-demand settlement operations.
type Settler interface {
	Settle(ctx context.Context, auctionID string) (app.SettlementSummary, error)
	Withdraw(ctx context.Context, auctionID string) (app.SettlementSummary, error)
}

// HandleAdminAuctions returns an HTTP handler for
// POST /admin/auctions/{id}/settle and POST /admin/auctions/{id}/withdraw.
// Both race safely with the settlement worker: the claim CAS admits one.
func HandleAdminAuctions(svc Settler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		auctionID, action, ok := parseAdminAuctionPath(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}

		var summary app.SettlementSummary
		var err error
		switch action {
		case "settle":
			summary, err = svc.Settle(r.Context(), auctionID)
		case "withdraw":
			summary, err = svc.Withdraw(r.Context(), auctionID)
		default:
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(settlementSummaryResponse{
			AuctionID:    summary.AuctionID,
			Outcome:      string(summary.Outcome),
			WinnerUserID: summary.WinnerUserID,
			WinningBid:   summary.WinningBid,
			Fee:          summary.CapturedFee,
			Captured:     summary.Captured,
			Cancelled:    summary.Cancelled,
			Failed:       summary.Failed,
			Skipped:      summary.Skipped,
		})
	}
}

func parseAdminAuctionPath(path string) (auctionID, action string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 {
		return "", "", false
	}
	if parts[0] != "admin" || parts[1] != "auctions" || parts[2] == "" {
		return "", "", false
	}
	return parts[2], parts[3], true
}

type settlementSummaryResponse struct {
	AuctionID    string `json:"auction_id"`
	Outcome      string `json:"outcome"`
	WinnerUserID string `json:"winner_user_id,omitempty"`
	WinningBid   int64  `json:"winning_bid,omitempty"`
	Fee          int64  `json:"fee,omitempty"`
	Captured     int    `json:"captured"`
	Cancelled    int    `json:"cancelled"`
	Failed       int    `json:"failed"`
	Skipped      int    `json:"skipped"`
}

// FeeConfigurator is the minimal interface for operator fee settings.
type FeeConfigurator interface {
	FeeConfig(ctx context.Context) (domain.FeeConfig, error)
	UpdateFeeConfig(ctx context.Context, in app.UpdateFeeConfigInput) (domain.FeeConfig, error)
}

// HandleAdminFees returns an HTTP handler for GET/PUT /admin/settings/fees.
func HandleAdminFees(svc FeeConfigurator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			cfg, err := svc.FeeConfig(r.Context())
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeFeeConfig(w, cfg)

		case http.MethodPut:
			var req feeConfigRequest
			dec := json.NewDecoder(r.Body)
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
				return
			}
			cfg, err := svc.UpdateFeeConfig(r.Context(), app.UpdateFeeConfigInput{
				BasisPoints: req.BasisPoints,
				MinimumFee:  req.MinimumFee,
			})
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeFeeConfig(w, cfg)

		default:
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
		}
	}
}

func writeFeeConfig(w http.ResponseWriter, cfg domain.FeeConfig) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(feeConfigRequest{
		BasisPoints: cfg.BasisPoints,
		MinimumFee:  cfg.MinimumFee,
	})
}

type feeConfigRequest struct {
	BasisPoints int64 `json:"basis_points"`
	MinimumFee  int64 `json:"minimum_fee"`
}
