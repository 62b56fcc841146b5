package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crowdfund/core/money"
	"crowdfund/services/marketplace/auth"
	"crowdfund/services/marketplace/calendar"
	"crowdfund/services/marketplace/models"
)

type operationView struct {
	ID              uint            `json:"id"`
	OperatorID      uuid.UUID       `json:"operator_id"`
	AmountRequired  money.Money     `json:"amount_required"`
	AmountCollected money.Money     `json:"amount_collected"`
	Remaining       money.Money     `json:"remaining"`
	InterestRate    decimal.Decimal `json:"interest_rate"`
	Deadline        string          `json:"deadline"`
	IsClosed        bool            `json:"is_closed"`
	CloseReason     string          `json:"close_reason,omitempty"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func newOperationView(op *models.Operation) operationView {
	return operationView{
		ID:              op.ID,
		OperatorID:      op.OperatorID,
		AmountRequired:  op.AmountRequired,
		AmountCollected: op.AmountCollected,
		Remaining:       op.Remaining(),
		InterestRate:    op.InterestRate,
		Deadline:        op.Deadline.Format(time.DateOnly),
		IsClosed:        op.IsClosed,
		CloseReason:     string(op.CloseReason),
		ClosedAt:        op.ClosedAt,
		CreatedAt:       op.CreatedAt,
	}
}

type bidView struct {
	ID           uint            `json:"id"`
	OperationID  uint            `json:"operation_id"`
	InvestorID   uuid.UUID       `json:"investor_id"`
	Amount       money.Money     `json:"amount"`
	InterestRate decimal.Decimal `json:"interest_rate"`
	BidDate      string          `json:"bid_date"`
	CreatedAt    time.Time       `json:"created_at"`
}

func newBidView(bid *models.Bid) bidView {
	return bidView{
		ID:           bid.ID,
		OperationID:  bid.OperationID,
		InvestorID:   bid.InvestorID,
		Amount:       bid.Amount,
		InterestRate: bid.InterestRate,
		BidDate:      bid.BidDate.Format(time.DateOnly),
		CreatedAt:    bid.CreatedAt,
	}
}

func bidViews(bids []models.Bid) []bidView {
	out := make([]bidView, 0, len(bids))
	for i := range bids {
		out = append(out, newBidView(&bids[i]))
	}
	return out
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claims, err := auth.FromContext(r.Context())
	if err != nil || claims.UserID == uuid.Nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return claims.UserID, true
}

// CreateUser registers a new operator or investor.
func (s *Server) CreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if err := decodeJSON(r, &body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	user, err := s.market.CreateUser(r.Context(), body.Username, strings.ToLower(strings.TrimSpace(body.Role)))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, user)
}

// GetCurrentUser returns the authenticated user's profile.
func (s *Server) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	user, err := s.market.GetUser(r.Context(), userID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

// GetUser returns a user profile by id.
func (s *Server) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	user, err := s.market.GetUser(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

// RenameCurrentUser changes the authenticated user's username.
func (s *Server) RenameCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	user, err := s.market.RenameUser(r.Context(), userID, body.Username)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

// DeleteCurrentUser removes the authenticated user when nothing references it.
func (s *Server) DeleteCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.market.DeleteUser(r.Context(), userID); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateOperation publishes a new funding operation for the calling operator.
func (s *Server) CreateOperation(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		AmountRequired money.Money     `json:"amount_required"`
		InterestRate   decimal.Decimal `json:"interest_rate"`
		Deadline       string          `json:"deadline"`
	}
	if err := decodeJSON(r, &body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	deadline, err := calendar.ParseDate(body.Deadline)
	if err != nil {
		http.Error(w, "invalid deadline", http.StatusUnprocessableEntity)
		return
	}
	op, err := s.market.CreateOperation(r.Context(), operatorID, body.AmountRequired, body.InterestRate, deadline)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newOperationView(op))
}

// ListActiveOperations lists operations still accepting bids.
func (s *Server) ListActiveOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := s.market.ListActiveOperations(r.Context())
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	out := make([]operationView, 0, len(ops))
	for i := range ops {
		out = append(out, newOperationView(&ops[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// GetOperation returns a single operation.
func (s *Server) GetOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		http.Error(w, "invalid operation id", http.StatusBadRequest)
		return
	}
	op, err := s.market.GetOperation(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newOperationView(op))
}

// CloseOperation closes an operation on its owner's request.
func (s *Server) CloseOperation(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := parseID(r)
	if !ok {
		http.Error(w, "invalid operation id", http.StatusBadRequest)
		return
	}
	if _, err := s.market.CloseOperation(r.Context(), operatorID, id); err != nil {
		s.handleError(w, r, err)
		return
	}
	op, err := s.market.GetOperation(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newOperationView(op))
}

// DeleteOperation removes an operation that has no bids.
func (s *Server) DeleteOperation(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := parseID(r)
	if !ok {
		http.Error(w, "invalid operation id", http.StatusBadRequest)
		return
	}
	if err := s.market.DeleteOperation(r.Context(), operatorID, id); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListOperationBids lists the bids placed on an operation.
func (s *Server) ListOperationBids(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := parseID(r)
	if !ok {
		http.Error(w, "invalid operation id", http.StatusBadRequest)
		return
	}
	bids, err := s.market.ListOperationBids(r.Context(), requesterID, id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bidViews(bids))
}

// SweepExpired closes every operation whose deadline has passed.
func (s *Server) SweepExpired(w http.ResponseWriter, r *http.Request) {
	closed, err := s.market.SweepExpiredOperations(r.Context())
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"closed": closed})
}

// CreateBid places a bid for the calling investor.
func (s *Server) CreateBid(w http.ResponseWriter, r *http.Request) {
	investorID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		OperationID  uint            `json:"operation_id"`
		Amount       money.Money     `json:"amount"`
		InterestRate decimal.Decimal `json:"interest_rate"`
	}
	if err := decodeJSON(r, &body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if body.OperationID == 0 {
		http.Error(w, "operation_id required", http.StatusBadRequest)
		return
	}
	bid, err := s.market.CreateBid(r.Context(), investorID, body.OperationID, body.Amount, body.InterestRate)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newBidView(bid))
}

// ListMyBids lists the calling investor's bids.
func (s *Server) ListMyBids(w http.ResponseWriter, r *http.Request) {
	investorID, ok := s.caller(w, r)
	if !ok {
		return
	}
	bids, err := s.market.ListInvestorBids(r.Context(), investorID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bidViews(bids))
}

// GetBid returns one of the calling investor's bids.
func (s *Server) GetBid(w http.ResponseWriter, r *http.Request) {
	investorID, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := parseID(r)
	if !ok {
		http.Error(w, "invalid bid id", http.StatusBadRequest)
		return
	}
	bid, err := s.market.GetBid(r.Context(), investorID, id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBidView(bid))
}

// CancelBid withdraws one of the calling investor's bids.
func (s *Server) CancelBid(w http.ResponseWriter, r *http.Request) {
	investorID, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := parseID(r)
	if !ok {
		http.Error(w, "invalid bid id", http.StatusBadRequest)
		return
	}
	if err := s.market.CancelBid(r.Context(), investorID, id); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
