package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-engine/internal/ledger"
	"github.com/foresight/exchange-engine/internal/market"
	"github.com/foresight/exchange-engine/internal/model"
	"github.com/foresight/exchange-engine/internal/store"
)

// Routes mounts the trade API under the given router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/users", s.handleCreateUser)
	r.Get("/users/{userID}", s.handleGetUser)
	r.Post("/users/{userID}/topup", s.handleTopUp)
	r.Get("/users/{userID}/bets", s.handleGetUserBets)
	r.Get("/users/{userID}/txns", s.handleGetUserTxns)

	r.Post("/markets", s.handleCreateMarket)
	r.Get("/markets", s.handleListMarkets)
	r.Get("/markets/{marketID}", s.handleGetMarket)
	r.Get("/markets/{marketID}/bets", s.handleGetMarketBets)
	r.Post("/markets/{marketID}/bets", s.handlePlaceBet)
	r.Post("/markets/{marketID}/sell", s.handleSellShares)
	r.Post("/markets/{marketID}/resolve", s.handleResolveMarket)
}

type createUserRequest struct {
	Name string `json:"name"`
}

func (s *Service) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	u, err := s.CreateUser(r.Context(), req.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Service) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type topUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Service) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	txn, err := s.TopUp(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

type createMarketRequest struct {
	CreatorID   string   `json:"creator_id"`
	Question    string   `json:"question"`
	OutcomeType string   `json:"outcome_type"`
	CloseTime   *string  `json:"close_time,omitempty"` // RFC 3339
	Answers     []string `json:"answers,omitempty"`
}

func (s *Service) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CreatorID == "" {
		writeError(w, "creator_id is required", http.StatusBadRequest)
		return
	}
	outcomeType := model.OutcomeType(req.OutcomeType)
	if outcomeType == "" {
		outcomeType = model.OutcomeTypeBinary
	}

	closeTime, err := parseCloseTime(req.CloseTime)
	if err != nil {
		writeError(w, "close_time must be RFC 3339", http.StatusBadRequest)
		return
	}

	m, err := s.CreateMarket(r.Context(), req.CreatorID, req.Question, outcomeType, closeTime, req.Answers)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Service) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}

	// Optional filter by status query parameter.
	if status := r.URL.Query().Get("status"); status != "" {
		var filtered []model.Market
		for _, m := range markets {
			if string(m.Status) == status {
				filtered = append(filtered, m)
			}
		}
		if filtered == nil {
			filtered = []model.Market{}
		}
		markets = filtered
	}
	writeJSON(w, http.StatusOK, markets)
}

func (s *Service) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Service) handleGetMarketBets(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	bets, err := s.store.GetBetsByMarket(r.Context(), chi.URLParam(r, "marketID"), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

func (s *Service) handleGetUserBets(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	bets, err := s.store.GetBetsByUser(r.Context(), chi.URLParam(r, "userID"), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

func (s *Service) handleGetUserTxns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	txns, err := s.store.GetTxnsByUser(r.Context(), chi.URLParam(r, "userID"), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if txns == nil {
		txns = []model.Txn{}
	}
	writeJSON(w, http.StatusOK, txns)
}

type placeBetRequest struct {
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Outcome  string          `json:"outcome"`
	AnswerID string          `json:"answer_id,omitempty"`
}

func (s *Service) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req placeBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	bet, err := s.PlaceBet(r.Context(), chi.URLParam(r, "marketID"), req.UserID,
		req.Amount, model.Outcome(req.Outcome), req.AnswerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

type sellSharesRequest struct {
	UserID   string           `json:"user_id"`
	Outcome  string           `json:"outcome"`
	Shares   *decimal.Decimal `json:"shares,omitempty"` // nil sells the whole position
	AnswerID string           `json:"answer_id,omitempty"`
}

func (s *Service) handleSellShares(w http.ResponseWriter, r *http.Request) {
	var req sellSharesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	bet, err := s.SellShares(r.Context(), chi.URLParam(r, "marketID"), req.UserID,
		model.Outcome(req.Outcome), req.Shares, req.AnswerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

type resolveMarketRequest struct {
	ResolverID  string           `json:"resolver_id"`
	Resolution  string           `json:"resolution"`
	AnswerID    string           `json:"answer_id,omitempty"`
	Probability *decimal.Decimal `json:"probability,omitempty"` // MKT only
}

func (s *Service) handleResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req resolveMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ResolverID == "" {
		writeError(w, "resolver_id is required", http.StatusBadRequest)
		return
	}

	err := s.ResolveMarket(r.Context(), chi.URLParam(r, "marketID"), req.ResolverID,
		model.ResolutionKind(req.Resolution), req.AnswerID, req.Probability)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps domain errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, ErrMarketBusy):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, market.ErrTradingNotAllowed),
		errors.Is(err, market.ErrMarketResolved),
		errors.Is(err, market.ErrAlreadyResolved),
		errors.Is(err, store.ErrDuplicate):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrNotCreator):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrBelowMinimumBet),
		errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrInvalidShares),
		errors.Is(err, ErrAnswerRequired),
		errors.Is(err, ErrInvalidMarket),
		errors.Is(err, market.ErrInvalidResolution),
		errors.Is(err, market.ErrUnknownAnswer),
		errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func parseCloseTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
