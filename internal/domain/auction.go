package domain

import "time"

type AuctionStatus string

const (
	AuctionStatusActive AuctionStatus = "active"
	// AuctionStatusProcessing is the internal claim marker held by the worker
	// that won the settlement claim. It is never reported to callers.
	AuctionStatusProcessing AuctionStatus = "processing"
	AuctionStatusCompleted  AuctionStatus = "completed"
	AuctionStatusCancelled  AuctionStatus = "cancelled"
)

// Auction is the auction side of an auction-priced listing.
type Auction struct {
	ID          string
	ListingID   string
	Status      AuctionStatus
	EndAt       time.Time
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

// PublicStatus hides the processing claim marker from callers.
func (a Auction) PublicStatus() AuctionStatus {
	if a.Status == AuctionStatusProcessing {
		return AuctionStatusActive
	}
	return a.Status
}
