package domain

import "time"

// Bid is a single bid on an auction. Bid placement itself lives outside this
// service; settlement only reads the bid history to pick a winner.
type Bid struct {
	ID        string
	AuctionID string
	UserID    string
	Amount    int64
	Currency  string
	CreatedAt time.Time
}
