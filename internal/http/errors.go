package http

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-auctions/internal/domain"
	"github.com/robertarktes/ticket-auctions/internal/idempotency"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidBid):
		return http.StatusUnprocessableEntity, "invalid_bid"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "invalid_input"
	case errors.Is(err, domain.ErrAuctionNotActive):
		return http.StatusConflict, "auction_not_active"
	case errors.Is(err, domain.ErrTicketSold):
		return http.StatusConflict, "ticket_sold"
	case errors.Is(err, domain.ErrNoSelection):
		return http.StatusConflict, "no_selection"
	case errors.Is(err, domain.ErrNotHighestBidder):
		return http.StatusForbidden, "not_highest_bidder"
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusUnprocessableEntity, "idempotency_key_reused"
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, domain.ErrSerializationFailure), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

var messages = map[string]string{
	"invalid_bid":         "Please enter a bid higher than the current price.",
	"not_highest_bidder":  "You are not the highest bidder for this ticket.",
	"conflict":            "conflict, try again",
	"request_in_progress": "a request with this Idempotency-Key is still running",
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg, ok := messages[code]
	if !ok {
		msg = err.Error()
	}
	if status == http.StatusInternalServerError {
		loggerFrom(r.Context(), h.logger).Error("request failed: ", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}
