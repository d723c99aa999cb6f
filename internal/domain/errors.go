package domain

import "errors"

var (
	ErrAuctionNotFound = errors.New("auction not found")
	ErrDepositNotFound = errors.New("deposit not found")
	ErrInvalidID       = errors.New("invalid id")

	// ErrDepositExists: a deposit already exists for this (user, auction)
	// pair. The caller must reuse it instead of retrying blindly.
	ErrDepositExists = errors.New("deposit already exists for user and auction")
	// ErrAuthorizationMismatch: a different external authorization reference
	// is already recorded for the deposit, or the reference is held by
	// another deposit.
	ErrAuthorizationMismatch = errors.New("authorization reference mismatch")
	// ErrInvalidTransition: the requested transition is not legal from the
	// deposit's or auction's current status.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotOwner: the caller does not own the deposit.
	ErrNotOwner = errors.New("caller does not own deposit")
	// ErrAuctionNotClaimable: the auction is not due, already claimed, or
	// already processed; the caller should skip it.
	ErrAuctionNotClaimable = errors.New("auction not claimable for settlement")
	// ErrAuctionNotOpen: deposits can only be created against an active
	// auction whose end time has not passed.
	ErrAuctionNotOpen = errors.New("auction not open for deposits")
	// ErrGatewayDeclined: the payment gateway definitively refused the
	// operation; retrying will not help.
	ErrGatewayDeclined = errors.New("payment gateway declined")

	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrCurrencyRequired  = errors.New("currency is required")
	ErrPayMethodRequired = errors.New("payment method is required")
)
