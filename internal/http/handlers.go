package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/robertarktes/ticket-auctions/internal/auction"
	"github.com/robertarktes/ticket-auctions/internal/domain"
	"github.com/robertarktes/ticket-auctions/internal/idempotency"
	"github.com/robertarktes/ticket-auctions/internal/observability"
)

type Handlers struct {
	registry *auction.Registry
	idemp    *idempotency.Idempotency
	logger   observability.Logger
	ready    func() error
}

// NewHandlers builds the listing handlers. idemp may be nil to disable
// response replay.
func NewHandlers(registry *auction.Registry, idemp *idempotency.Idempotency, logger observability.Logger) *Handlers {
	return &Handlers{registry: registry, idemp: idemp, logger: logger, ready: func() error { return nil }}
}

// WithReadiness sets the check behind /v1/readyz.
func (h *Handlers) WithReadiness(check func() error) *Handlers {
	h.ready = check
	return h
}

type listingSummary struct {
	ListingID     string    `json:"listing_id"`
	EventID       string    `json:"event_id"`
	EventName     string    `json:"event_name,omitempty"`
	EventSubtitle string    `json:"event_subtitle,omitempty"`
	Tier          string    `json:"tier"`
	EventTime     time.Time `json:"event_time"`
	AuctionActive bool      `json:"auction_active"`
}

// ListListings returns every listing, soonest event first. Tiers of one event
// keep their catalog order.
func (h *Handlers) ListListings(w http.ResponseWriter, r *http.Request) {
	engines := h.registry.All()
	out := make([]listingSummary, 0, len(engines))
	for _, e := range engines {
		l := e.Listing()
		out = append(out, listingSummary{
			ListingID:     l.ID,
			EventID:       l.EventID,
			EventName:     l.EventName,
			EventSubtitle: l.EventSubtitle,
			Tier:          l.Tier,
			EventTime:     l.EventTime,
			AuctionActive: e.IsAuctionActive(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EventTime.Before(out[j].EventTime)
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"listings": out})
}

type ticketView struct {
	domain.Ticket
	PriceLabel      string `json:"price_label"`
	IsHighestBidder bool   `json:"is_highest_bidder"`
	Selected        bool   `json:"selected"`
}

type listingView struct {
	ListingID      string       `json:"listing_id"`
	EventID        string       `json:"event_id"`
	EventName      string       `json:"event_name,omitempty"`
	EventSubtitle  string       `json:"event_subtitle,omitempty"`
	Tier           string       `json:"tier"`
	EventTime      time.Time    `json:"event_time"`
	AuctionActive  bool         `json:"auction_active"`
	SecondsToEvent int64        `json:"seconds_to_event"`
	Tickets        []ticketView `json:"tickets"`
}

func (h *Handlers) GetListing(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	snap, err := e.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	selected, _, err := e.Selection(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	userID := userFrom(r.Context())

	view := listingView{
		ListingID:      snap.ListingID,
		EventID:        snap.EventID,
		EventName:      snap.EventName,
		EventSubtitle:  snap.EventSubtitle,
		Tier:           snap.Tier,
		EventTime:      snap.EventTime,
		AuctionActive:  snap.AuctionActive,
		SecondsToEvent: max(0, int64(snap.TimeUntilEvent/time.Second)),
		Tickets:        make([]ticketView, 0, len(snap.Tickets)),
	}
	for _, t := range snap.Tickets {
		view.Tickets = append(view.Tickets, ticketView{
			Ticket:          t,
			PriceLabel:      "$" + strconv.FormatFloat(t.Price, 'f', 2, 64),
			IsHighestBidder: userID != "" && t.CurrentBidder == userID,
			Selected:        t.ID == selected,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

type bidRequest struct {
	// Amount is absent for a +$1 bid. It may be a JSON number or a string
	// holding the raw text the user typed.
	Amount json.RawMessage `json:"amount"`
}

func (h *Handlers) PlaceBid(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	c, ok := h.begin(w, r, userID)
	if !ok {
		return
	}

	var req bidRequest
	if err := decodeOptional(r, &req); err != nil {
		h.release(r, c)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ticketID := chi.URLParam(r, "ticketID")

	var (
		t   domain.Ticket
		err error
	)
	raw := bytes.TrimSpace(req.Amount)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		t, err = e.PlaceIncrementalBid(r.Context(), ticketID, userID)
	} else {
		var amount float64
		amount, err = parseAmount(raw)
		if err == nil {
			t, err = e.PlaceCustomBid(r.Context(), ticketID, userID, amount)
		}
	}
	if err != nil {
		h.release(r, c)
		h.writeError(w, r, err)
		return
	}
	h.respond(w, r, c, http.StatusCreated, map[string]interface{}{
		"ticket":            t,
		"is_highest_bidder": true,
	})
}

func parseAmount(raw json.RawMessage) (float64, error) {
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, errors.Wrap(domain.ErrInvalidBid, "amount is not a string")
		}
	} else {
		s = string(raw)
	}
	return domain.ParseBidAmount(s)
}

type ticketRequest struct {
	TicketID string `json:"ticket_id"`
}

func (h *Handlers) SelectTicket(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	var req ticketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := e.SelectTicket(r.Context(), sessionFrom(r.Context()), req.TicketID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"selected_ticket_id": req.TicketID})
}

func (h *Handlers) ClearSelection(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.ClearSelection(r.Context(), sessionFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) Purchase(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	c, ok := h.begin(w, r, userID)
	if !ok {
		return
	}
	var req ticketRequest
	if err := decodeOptional(r, &req); err != nil {
		h.release(r, c)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	receipt, err := e.AttemptPurchase(r.Context(), sessionFrom(r.Context()), req.TicketID, userID)
	if err != nil {
		h.release(r, c)
		h.writeError(w, r, err)
		return
	}
	loggerFrom(r.Context(), h.logger).
		WithField("listing_id", receipt.ListingID).
		WithField("ticket_id", receipt.TicketID).
		Info("ticket purchased")
	h.respond(w, r, c, http.StatusCreated, map[string]interface{}{
		"receipt": receipt,
		"message": "You have purchased " + receipt.Summary() + ".",
	})
}

// PostTicket offers a seller's seat in the listing.
func (h *Handlers) PostTicket(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	c, ok := h.begin(w, r, userID)
	if !ok {
		return
	}
	var req domain.TicketPost
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.release(r, c)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t, err := e.PostTicket(r.Context(), userID, req)
	if err != nil {
		h.release(r, c)
		h.writeError(w, r, err)
		return
	}
	h.respond(w, r, c, http.StatusCreated, map[string]interface{}{
		"ticket":  t,
		"message": "Your ticket has been posted successfully!",
	})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.ready(); err != nil {
		http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func (h *Handlers) engine(w http.ResponseWriter, r *http.Request) (*auction.Engine, bool) {
	e, err := h.registry.Get(chi.URLParam(r, "listingID"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return e, true
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := userFrom(r.Context())
	if userID == "" {
		http.Error(w, "missing "+HeaderUserID, http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

// claim is an Idempotency-Key held by a running request.
type claim struct {
	scope       string
	fingerprint string
}

// begin claims the request's Idempotency-Key for userID. It reports false
// when a response was already written: a replay of the finished request or a
// rejection of a conflicting one.
func (h *Handlers) begin(w http.ResponseWriter, r *http.Request, userID string) (claim, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return claim{}, false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	c := claim{
		scope:       idempotency.Scope(userID, r.Method, r.URL.Path, r.Header.Get(HeaderIdempotencyKey)),
		fingerprint: idempotency.Fingerprint(body),
	}
	existing, err := h.idemp.Begin(r.Context(), c.scope, c.fingerprint)
	if err != nil {
		h.writeError(w, r, err)
		return claim{}, false
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(existing.Status)
		w.Write(existing.Result)
		return claim{}, false
	}
	return c, true
}

// release gives up the claim after a failed request so the client may retry.
func (h *Handlers) release(r *http.Request, c claim) {
	if err := h.idemp.Release(r.Context(), c.scope); err != nil {
		loggerFrom(r.Context(), h.logger).Warn("failed to release idempotency key: ", err)
	}
}

func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, c claim, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.release(r, c)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.idemp.Complete(r.Context(), c.scope, idempotency.Response{Status: status, Result: data, Fingerprint: c.fingerprint}); err != nil {
		loggerFrom(r.Context(), h.logger).Warn("failed to store idempotent response: ", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// decodeOptional decodes a JSON body, treating an empty body as {}.
func decodeOptional(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
