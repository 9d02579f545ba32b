package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")

	ErrTicketNotFound   = errors.New("ticket not found")
	ErrAuctionNotActive = errors.New("auction not active")
	ErrInvalidBid       = errors.New("invalid bid")
	ErrNotHighestBidder = errors.New("not highest bidder")
	ErrNoSelection      = errors.New("no ticket selected")
	ErrTicketSold       = errors.New("ticket already sold")
)
