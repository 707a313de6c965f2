package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/argolabs/market-engine/internal/fixedpoint"
	"github.com/argolabs/market-engine/internal/ledger"
	"github.com/argolabs/market-engine/internal/market"
	"github.com/argolabs/market-engine/internal/metrics"
	"github.com/argolabs/market-engine/internal/model"
	"github.com/argolabs/market-engine/internal/oracle"
	"github.com/argolabs/market-engine/internal/ownable"
	"github.com/argolabs/market-engine/internal/psm"
	"github.com/argolabs/market-engine/internal/store"
	"github.com/argolabs/market-engine/internal/token"
)

// errInvalidAmount covers amount strings that do not parse as a base-unit
// non-negative integer.
var errInvalidAmount = errors.New("api: invalid amount")

// parseAmount parses a base-unit amount from its JSON string form.
// Amounts travel as strings because base units exceed float64 precision.
func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, errInvalidAmount
	}
	return v, nil
}

// statusFor maps domain errors onto HTTP status codes. Unknown errors are
// internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ownable.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrMarketFrozen),
		errors.Is(err, market.ErrExceedsLoanToValue),
		errors.Is(err, market.ErrAmountTooLarge),
		errors.Is(err, market.ErrUserSolvent),
		errors.Is(err, market.ErrCannotLiquidateSelf),
		errors.Is(err, market.ErrManagedAsset),
		errors.Is(err, market.ErrTransferFailed),
		errors.Is(err, psm.ErrInsufficientBalance),
		errors.Is(err, psm.ErrTransferFailed),
		errors.Is(err, psm.ErrManagedAsset),
		errors.Is(err, psm.ErrZeroWithdraw),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, fixedpoint.ErrNoCollateral),
		errors.Is(err, token.ErrInsufficientFunds):
		return http.StatusConflict
	case errors.Is(err, market.ErrZeroAddress),
		errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidParams),
		errors.Is(err, psm.ErrZeroAddress),
		errors.Is(err, psm.ErrInvalidAmount),
		errors.Is(err, token.ErrZeroAccount),
		errors.Is(err, token.ErrZeroTreasury),
		errors.Is(err, ownable.ErrZeroOwner),
		errors.Is(err, oracle.ErrUnknownSpec),
		errors.Is(err, errInvalidAmount):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps err to a status and writes it.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func observe(kind string, start time.Time) {
	metrics.OperationLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// --- Response views ---

// MarketView is the JSON rendering of a market engine's current state.
type MarketView struct {
	ID                 string         `json:"id"`
	Account            string         `json:"account"`
	Owner              string         `json:"owner"`
	Treasury           string         `json:"treasury"`
	CollateralTokenID  string         `json:"collateral_token_id"`
	DebtTokenID        string         `json:"debt_token_id"`
	OracleSpec         string         `json:"oracle_spec"`
	MaxLoanToValue     uint64         `json:"max_loan_to_value"`
	BorrowRate         uint64         `json:"borrow_rate"`
	LiquidationPenalty uint64         `json:"liquidation_penalty"`
	LastPrice          string         `json:"last_price"`
	TotalCollateral    string         `json:"total_collateral"`
	TotalDebt          string         `json:"total_debt"`
	FeesCollected      string         `json:"fees_collected"`
	Frozen             bool           `json:"frozen"`
	CreatedAt          time.Time      `json:"created_at"`
	Positions          []PositionView `json:"positions,omitempty"`
}

// PositionView is one account's collateral and debt inside a market.
type PositionView struct {
	Account    string `json:"account"`
	Collateral string `json:"collateral"`
	Debt       string `json:"debt"`
	LTV        string `json:"ltv,omitempty"`
}

// PSMView is the JSON rendering of a peg stability module.
type PSMView struct {
	ID             string    `json:"id"`
	Account        string    `json:"account"`
	Owner          string    `json:"owner"`
	Treasury       string    `json:"treasury"`
	DebtTokenID    string    `json:"debt_token_id"`
	ReserveTokenID string    `json:"reserve_token_id"`
	BuyFee         uint64    `json:"buy_fee"`
	SellFee        uint64    `json:"sell_fee"`
	FeesCollected  string    `json:"fees_collected"`
	CreatedAt      time.Time `json:"created_at"`
}

// AssetView describes a registered asset.
type AssetView struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Mintable bool   `json:"mintable"`
}

func marketView(eng *market.Engine) MarketView {
	p := eng.Params()
	return MarketView{
		ID:                 eng.ID(),
		Account:            eng.Account(),
		Owner:              eng.Owner(),
		Treasury:           eng.Treasury(),
		CollateralTokenID:  eng.CollateralAsset().ID(),
		DebtTokenID:        eng.DebtAsset().ID(),
		OracleSpec:         eng.OracleSpec(),
		MaxLoanToValue:     p.MaxLoanToValue,
		BorrowRate:         p.BorrowRate,
		LiquidationPenalty: p.LiquidationPenalty,
		LastPrice:          eng.LastPrice().String(),
		TotalCollateral:    eng.TotalCollateral().String(),
		TotalDebt:          eng.TotalDebt().String(),
		FeesCollected:      eng.FeesCollected().String(),
		Frozen:             eng.Frozen(),
		CreatedAt:          eng.CreatedAt(),
	}
}

func psmView(m *psm.Module) PSMView {
	return PSMView{
		ID:             m.ID(),
		Account:        m.Account(),
		Owner:          m.Owner(),
		Treasury:       m.Treasury(),
		DebtTokenID:    m.DebtAsset().ID(),
		ReserveTokenID: m.ReserveAsset().ID(),
		BuyFee:         m.BuyFee(),
		SellFee:        m.SellFee(),
		FeesCollected:  m.FeesCollected().String(),
		CreatedAt:      m.CreatedAt(),
	}
}

// --- Asset handlers ---

// CreateAssetRequest is the JSON body for registering a plain asset, used
// for collateral and reserve tokens in single-node deployments.
type CreateAssetRequest struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

// CreateAsset handles POST /api/v1/assets
func (s *Service) CreateAsset(w http.ResponseWriter, r *http.Request) {
	var req CreateAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Symbol == "" {
		writeError(w, "name and symbol are required", http.StatusBadRequest)
		return
	}

	bank := token.NewBank(req.Name, req.Symbol)
	s.RegisterAsset(bank)
	if err := s.store.CreateToken(r.Context(), &model.TokenRecord{
		ID:        bank.ID(),
		Name:      req.Name,
		Symbol:    req.Symbol,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		slog.Error("asset record insert failed", "asset", bank.ID(), "err", err)
	}

	slog.Info("asset registered", "id", bank.ID(), "symbol", req.Symbol)
	writeJSON(w, http.StatusCreated, AssetView{ID: bank.ID(), Symbol: bank.Symbol(), Mintable: true})
}

// ListAssets handles GET /api/v1/assets
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListTokens(r.Context())
	if err != nil {
		writeError(w, "failed to list assets", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.TokenRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// MintRequest is the JSON body for mint endpoints.
type MintRequest struct {
	Caller string `json:"caller,omitempty"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// MintAsset handles POST /api/v1/assets/{assetID}/mint
// Open minting on plain assets; protocol debt tokens are minted through
// their owner-gated endpoint instead.
func (s *Service) MintAsset(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	a := s.asset(assetID)
	if a == nil {
		writeError(w, "asset not found", http.StatusNotFound)
		return
	}
	bank, ok := a.(*token.Bank)
	if !ok {
		writeError(w, "asset does not allow open minting", http.StatusConflict)
		return
	}
	if err := bank.Mint(req.To, amount); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"asset":   assetID,
		"account": req.To,
		"balance": bank.BalanceOf(req.To).String(),
	})
}

// --- Token handlers ---

// CreateTokenRequest is the JSON body for creating a protocol debt token.
type CreateTokenRequest struct {
	Owner    string `json:"owner"`
	Treasury string `json:"treasury"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
}

// CreateToken handles POST /api/v1/tokens
func (s *Service) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tok, err := s.factory.CreateToken(ctx, req.Owner, req.Treasury, req.Name, req.Symbol)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.RegisterAsset(tok)
	if err := s.store.CreateToken(ctx, &model.TokenRecord{
		ID:        tok.ID(),
		Owner:     tok.Owner(),
		Treasury:  tok.Treasury(),
		Name:      tok.Name(),
		Symbol:    tok.Symbol(),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		slog.Error("token record insert failed", "token", tok.ID(), "err", err)
	}

	slog.Info("debt token created", "id", tok.ID(), "symbol", tok.Symbol(), "owner", tok.Owner())
	writeJSON(w, http.StatusCreated, AssetView{ID: tok.ID(), Symbol: tok.Symbol()})
}

// ListTokens handles GET /api/v1/tokens
func (s *Service) ListTokens(w http.ResponseWriter, r *http.Request) {
	views := make([]AssetView, 0, s.factory.NumTokens())
	for _, tok := range s.factory.Tokens() {
		views = append(views, AssetView{ID: tok.ID(), Symbol: tok.Symbol()})
	}
	writeJSON(w, http.StatusOK, views)
}

// MintToken handles POST /api/v1/tokens/{tokenID}/mint
// Owner only.
func (s *Service) MintToken(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenID")
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	tok := s.factory.TokenByID(tokenID)
	if tok == nil {
		writeError(w, "token not found", http.StatusNotFound)
		return
	}
	if err := tok.Mint(req.Caller, req.To, amount); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token":   tokenID,
		"account": req.To,
		"balance": tok.BalanceOf(req.To).String(),
	})
}

// --- Market handlers ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Owner              string `json:"owner"`
	Treasury           string `json:"treasury"`
	CollateralTokenID  string `json:"collateral_token_id"`
	DebtTokenID        string `json:"debt_token_id"`
	OracleSpec         string `json:"oracle_spec"`
	MaxLoanToValue     uint64 `json:"max_loan_to_value"`
	BorrowRate         uint64 `json:"borrow_rate"`
	LiquidationPenalty uint64 `json:"liquidation_penalty"`
}

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	collateral := s.asset(req.CollateralTokenID)
	debt := s.asset(req.DebtTokenID)
	if collateral == nil || debt == nil {
		writeError(w, "unknown collateral or debt token", http.StatusBadRequest)
		return
	}
	orc, err := oracle.New(req.OracleSpec)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ctx := r.Context()
	eng, err := s.factory.CreateZeroInterestMarket(ctx, req.Owner, req.Treasury, collateral, debt, orc, market.Params{
		MaxLoanToValue:     req.MaxLoanToValue,
		BorrowRate:         req.BorrowRate,
		LiquidationPenalty: req.LiquidationPenalty,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.store.UpsertMarket(ctx, marketRecord(eng)); err != nil {
		slog.Error("market record insert failed", "market", eng.ID(), "err", err)
	}
	s.updateMarketGauges()

	slog.Info("market created",
		"id", eng.ID(),
		"owner", req.Owner,
		"max_ltv", req.MaxLoanToValue,
		"borrow_rate", req.BorrowRate,
		"penalty", req.LiquidationPenalty,
	)
	writeJSON(w, http.StatusCreated, marketView(eng))
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	views := make([]MarketView, 0, s.factory.NumMarkets())
	for _, eng := range s.factory.Markets() {
		views = append(views, marketView(eng))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Service) marketFrom(w http.ResponseWriter, r *http.Request) *market.Engine {
	eng := s.factory.MarketByID(chi.URLParam(r, "marketID"))
	if eng == nil {
		writeError(w, "market not found", http.StatusNotFound)
	}
	return eng
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	view := marketView(eng)
	for _, p := range eng.Positions() {
		pv := PositionView{Account: p.Account, Collateral: p.Collateral.String(), Debt: p.Debt.String()}
		if ltv, err := eng.UserLTV(p.Account); err == nil {
			pv.LTV = ltv.String()
		}
		view.Positions = append(view.Positions, pv)
	}
	writeJSON(w, http.StatusOK, view)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"price":  eng.LastPrice().String(),
		"frozen": eng.Frozen(),
	})
}

// UpdatePrice handles POST /api/v1/markets/{marketID}/update-price
// A failed oracle fetch freezes the market; that is a committed outcome,
// not a request error.
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	ctx := r.Context()
	if err := eng.UpdatePrice(ctx); err != nil && !errors.Is(err, market.ErrMarketFrozen) {
		writeDomainError(w, err)
		return
	}
	s.syncMarket(ctx, eng)
	writeJSON(w, http.StatusOK, map[string]any{
		"price":  eng.LastPrice().String(),
		"frozen": eng.Frozen(),
	})
}

// AccountAmountRequest is the JSON body shared by single-leg market
// operations. Account defaults per operation when omitted.
type AccountAmountRequest struct {
	Caller     string `json:"caller"`
	OnBehalfOf string `json:"on_behalf_of,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Amount     string `json:"amount"`
}

func (s *Service) positionResponse(w http.ResponseWriter, eng *market.Engine, account string) {
	pv := PositionView{
		Account:    account,
		Collateral: eng.Collateral(account).String(),
		Debt:       eng.Debt(account).String(),
	}
	if ltv, err := eng.UserLTV(account); err == nil {
		pv.LTV = ltv.String()
	}
	writeJSON(w, http.StatusOK, pv)
}

// Deposit handles POST /api/v1/markets/{marketID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	defer observe("deposit", time.Now())
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	var req AccountAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	onBehalfOf := req.OnBehalfOf
	if onBehalfOf == "" {
		onBehalfOf = req.Caller
	}

	ctx := r.Context()
	if err := eng.Deposit(ctx, req.Caller, onBehalfOf, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	s.syncMarket(ctx, eng, onBehalfOf)
	s.positionResponse(w, eng, onBehalfOf)
}

// Borrow handles POST /api/v1/markets/{marketID}/borrow
func (s *Service) Borrow(w http.ResponseWriter, r *http.Request) {
	defer observe("borrow", time.Now())
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	var req AccountAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	recipient := req.Recipient
	if recipient == "" {
		recipient = req.Caller
	}

	ctx := r.Context()
	if err := eng.Borrow(ctx, req.Caller, recipient, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	s.syncMarket(ctx, eng, req.Caller)
	s.positionResponse(w, eng, req.Caller)
}

// Withdraw handles POST /api/v1/markets/{marketID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	defer observe("withdraw", time.Now())
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	var req AccountAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	recipient := req.Recipient
	if recipient == "" {
		recipient = req.Caller
	}

	ctx := r.Context()
	if err := eng.Withdraw(ctx, req.Caller, recipient, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	s.syncMarket(ctx, eng, req.Caller)
	s.positionResponse(w, eng, req.Caller)
}

// Repay handles POST /api/v1/markets/{marketID}/repay
// Works on frozen markets.
func (s *Service) Repay(w http.ResponseWriter, r *http.Request) {
	defer observe("repay", time.Now())
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	var req AccountAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	onBehalfOf := req.OnBehalfOf
	if onBehalfOf == "" {
		onBehalfOf = req.Caller
	}

	ctx := r.Context()
	if err := eng.Repay(ctx, req.Caller, onBehalfOf, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	s.syncMarket(ctx, eng, onBehalfOf)
	s.positionResponse(w, eng, onBehalfOf)
}

// TwoLegRequest is the JSON body for the composed deposit-and-borrow and
// repay-and-withdraw operations. Legs run in order; a failed second leg
// does not undo a committed first leg.
type TwoLegRequest struct {
	Caller       string `json:"caller"`
	FirstAmount  string `json:"first_amount"`
	SecondAmount string `json:"second_amount"`
}

// DepositAndBorrow handles POST /api/v1/markets/{marketID}/deposit-and-borrow
func (s *Service) DepositAndBorrow(w http.ResponseWriter, r *http.Request) {
	defer observe("deposit_and_borrow", time.Now())
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	var req TwoLegRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	depositAmount, err := parseAmount(req.FirstAmount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	borrowAmount, err := parseAmount(req.SecondAmount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ctx := r.Context()
	opErr := eng.DepositAndBorrow(ctx, req.Caller, depositAmount, borrowAmount)
	s.syncMarket(ctx, eng, req.Caller)
	if opErr != nil {
		writeDomainError(w, opErr)
		return
	}
	s.positionResponse(w, eng, req.Caller)
}

// RepayAndWithdraw handles POST /api/v1/markets/{marketID}/repay-and-withdraw
func (s *Service) RepayAndWithdraw(w http.ResponseWriter, r *http.Request) {
	defer observe("repay_and_withdraw", time.Now())
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	var req TwoLegRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	repayAmount, err := parseAmount(req.FirstAmount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	withdrawAmount, err := parseAmount(req.SecondAmount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ctx := r.Context()
	opErr := eng.RepayAndWithdraw(ctx, req.Caller, repayAmount, withdrawAmount)
	s.syncMarket(ctx, eng, req.Caller)
	if opErr != nil {
		writeDomainError(w, opErr)
		return
	}
	s.positionResponse(w, eng, req.Caller)
}

// LiquidateRequest is the JSON body for POST /liquidate.
type LiquidateRequest struct {
	Liquidator  string `json:"liquidator"`
	Account     string `json:"account"`
	RepayAmount string `json:"repay_amount"`
	Recipient   string `json:"recipient,omitempty"`
}

// LiquidateResponse reports the settled repay and seize amounts, which can
// be below the requested repay when the position is underwater.
type LiquidateResponse struct {
	Repaid   string       `json:"repaid"`
	Seized   string       `json:"seized"`
	Position PositionView `json:"position"`
}

// Liquidate handles POST /api/v1/markets/{marketID}/liquidate
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	defer observe("liquidate", time.Now())
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	repayAmount, err := parseAmount(req.RepayAmount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	recipient := req.Recipient
	if recipient == "" {
		recipient = req.Liquidator
	}

	ctx := r.Context()
	repaid, seized, err := eng.Liquidate(ctx, req.Liquidator, req.Account, repayAmount, recipient, nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.syncMarket(ctx, eng, req.Account)

	slog.Info("position liquidated",
		"market", eng.ID(),
		"account", req.Account,
		"liquidator", req.Liquidator,
		"repaid", repaid.String(),
		"seized", seized.String(),
	)
	writeJSON(w, http.StatusOK, LiquidateResponse{
		Repaid: repaid.String(),
		Seized: seized.String(),
		Position: PositionView{
			Account:    req.Account,
			Collateral: eng.Collateral(req.Account).String(),
			Debt:       eng.Debt(req.Account).String(),
		},
	})
}

// HarvestMarketFees handles POST /api/v1/markets/{marketID}/harvest
// Open to anyone; fees always land at the treasury.
func (s *Service) HarvestMarketFees(w http.ResponseWriter, r *http.Request) {
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	ctx := r.Context()
	if err := eng.HarvestFees(ctx); err != nil {
		writeDomainError(w, err)
		return
	}
	s.syncMarket(ctx, eng)
	writeJSON(w, http.StatusOK, marketView(eng))
}

// CallerAmountRequest is the JSON body for owner-gated amount operations.
type CallerAmountRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

// ReduceSupply handles POST /api/v1/markets/{marketID}/reduce-supply
func (s *Service) ReduceSupply(w http.ResponseWriter, r *http.Request) {
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	var req CallerAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := eng.ReduceSupply(r.Context(), req.Caller, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marketView(eng))
}

// SetTreasury handles PUT /api/v1/markets/{marketID}/treasury
func (s *Service) SetTreasury(w http.ResponseWriter, r *http.Request) {
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	var req struct {
		Caller   string `json:"caller"`
		Treasury string `json:"treasury"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if err := eng.SetTreasury(ctx, req.Caller, req.Treasury); err != nil {
		writeDomainError(w, err)
		return
	}
	s.syncMarket(ctx, eng)
	writeJSON(w, http.StatusOK, marketView(eng))
}

// SetOracle handles PUT /api/v1/markets/{marketID}/oracle
func (s *Service) SetOracle(w http.ResponseWriter, r *http.Request) {
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	var req struct {
		Caller     string `json:"caller"`
		OracleSpec string `json:"oracle_spec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	orc, err := oracle.New(req.OracleSpec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	ctx := r.Context()
	if err := eng.SetOracle(ctx, req.Caller, orc); err != nil {
		writeDomainError(w, err)
		return
	}
	s.syncMarket(ctx, eng)
	writeJSON(w, http.StatusOK, marketView(eng))
}

// ListMarketPositions handles GET /api/v1/markets/{marketID}/positions
func (s *Service) ListMarketPositions(w http.ResponseWriter, r *http.Request) {
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	views := []PositionView{}
	for _, p := range eng.Positions() {
		pv := PositionView{Account: p.Account, Collateral: p.Collateral.String(), Debt: p.Debt.String()}
		if ltv, err := eng.UserLTV(p.Account); err == nil {
			pv.LTV = ltv.String()
		}
		views = append(views, pv)
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarketPosition handles GET /api/v1/markets/{marketID}/positions/{account}
func (s *Service) GetMarketPosition(w http.ResponseWriter, r *http.Request) {
	eng := s.marketFrom(w, r)
	if eng == nil {
		return
	}
	s.positionResponse(w, eng, chi.URLParam(r, "account"))
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.GetEventsByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.EventRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- PSM handlers ---

// CreatePSMRequest is the JSON body for creating a peg stability module.
type CreatePSMRequest struct {
	Owner          string `json:"owner"`
	Treasury       string `json:"treasury"`
	DebtTokenID    string `json:"debt_token_id"`
	ReserveTokenID string `json:"reserve_token_id"`
	BuyFee         uint64 `json:"buy_fee"`
	SellFee        uint64 `json:"sell_fee"`
}

// CreatePSM handles POST /api/v1/psms
func (s *Service) CreatePSM(w http.ResponseWriter, r *http.Request) {
	var req CreatePSMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	debt := s.asset(req.DebtTokenID)
	reserve := s.asset(req.ReserveTokenID)
	if debt == nil || reserve == nil {
		writeError(w, "unknown debt or reserve token", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	m, err := s.factory.CreatePegStabilityModule(ctx, req.Owner, req.Treasury, debt, reserve, req.BuyFee, req.SellFee)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.store.UpsertPSM(ctx, psmRecord(m)); err != nil {
		slog.Error("psm record insert failed", "psm", m.ID(), "err", err)
	}

	slog.Info("psm created", "id", m.ID(), "owner", req.Owner, "buy_fee", req.BuyFee, "sell_fee", req.SellFee)
	writeJSON(w, http.StatusCreated, psmView(m))
}

// ListPSMs handles GET /api/v1/psms
func (s *Service) ListPSMs(w http.ResponseWriter, r *http.Request) {
	views := make([]PSMView, 0, s.factory.NumModules())
	for _, m := range s.factory.Modules() {
		views = append(views, psmView(m))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Service) psmFrom(w http.ResponseWriter, r *http.Request) *psm.Module {
	m := s.factory.ModuleByID(chi.URLParam(r, "psmID"))
	if m == nil {
		writeError(w, "psm not found", http.StatusNotFound)
	}
	return m
}

// GetPSM handles GET /api/v1/psms/{psmID}
func (s *Service) GetPSM(w http.ResponseWriter, r *http.Request) {
	m := s.psmFrom(w, r)
	if m == nil {
		return
	}
	writeJSON(w, http.StatusOK, psmView(m))
}

// PSMTradeRequest is the JSON body for PSM buy and sell. Amount is the
// par-value leg; the fee is charged on top.
type PSMTradeRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// BuyPSM handles POST /api/v1/psms/{psmID}/buy
// The caller pays reserve tokens plus fee and receives debt tokens.
func (s *Service) BuyPSM(w http.ResponseWriter, r *http.Request) {
	defer observe("psm_buy", time.Now())
	m := s.psmFrom(w, r)
	if m == nil {
		return
	}
	var req PSMTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ctx := r.Context()
	if err := m.Buy(ctx, req.Account, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	s.syncPSM(ctx, m)
	writeJSON(w, http.StatusOK, psmView(m))
}

// SellPSM handles POST /api/v1/psms/{psmID}/sell
// The caller pays debt tokens plus fee and receives reserve tokens.
func (s *Service) SellPSM(w http.ResponseWriter, r *http.Request) {
	defer observe("psm_sell", time.Now())
	m := s.psmFrom(w, r)
	if m == nil {
		return
	}
	var req PSMTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ctx := r.Context()
	if err := m.Sell(ctx, req.Account, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	s.syncPSM(ctx, m)
	writeJSON(w, http.StatusOK, psmView(m))
}

// WithdrawReserves handles POST /api/v1/psms/{psmID}/withdraw-reserves
func (s *Service) WithdrawReserves(w http.ResponseWriter, r *http.Request) {
	m := s.psmFrom(w, r)
	if m == nil {
		return
	}
	var req CallerAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := m.WithdrawReserves(r.Context(), req.Caller, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, psmView(m))
}

// WithdrawDebtTokens handles POST /api/v1/psms/{psmID}/withdraw-debt-tokens
func (s *Service) WithdrawDebtTokens(w http.ResponseWriter, r *http.Request) {
	m := s.psmFrom(w, r)
	if m == nil {
		return
	}
	var req CallerAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := m.WithdrawDebtTokens(r.Context(), req.Caller, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, psmView(m))
}

// SetPSMFeeRequest is the JSON body for the PSM fee setters.
type SetPSMFeeRequest struct {
	Caller string `json:"caller"`
	Fee    uint64 `json:"fee"`
}

// SetBuyFee handles PUT /api/v1/psms/{psmID}/buy-fee
func (s *Service) SetBuyFee(w http.ResponseWriter, r *http.Request) {
	m := s.psmFrom(w, r)
	if m == nil {
		return
	}
	var req SetPSMFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := m.SetBuyFee(req.Caller, req.Fee); err != nil {
		writeDomainError(w, err)
		return
	}
	s.syncPSM(r.Context(), m)
	writeJSON(w, http.StatusOK, psmView(m))
}

// SetSellFee handles PUT /api/v1/psms/{psmID}/sell-fee
func (s *Service) SetSellFee(w http.ResponseWriter, r *http.Request) {
	m := s.psmFrom(w, r)
	if m == nil {
		return
	}
	var req SetPSMFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := m.SetSellFee(req.Caller, req.Fee); err != nil {
		writeDomainError(w, err)
		return
	}
	s.syncPSM(r.Context(), m)
	writeJSON(w, http.StatusOK, psmView(m))
}

// SetPSMTreasury handles PUT /api/v1/psms/{psmID}/treasury
func (s *Service) SetPSMTreasury(w http.ResponseWriter, r *http.Request) {
	m := s.psmFrom(w, r)
	if m == nil {
		return
	}
	var req struct {
		Caller   string `json:"caller"`
		Treasury string `json:"treasury"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if err := m.SetTreasury(ctx, req.Caller, req.Treasury); err != nil {
		writeDomainError(w, err)
		return
	}
	// Treasury is outside the tail-state update, so rewrite the record.
	if err := s.store.UpsertPSM(ctx, psmRecord(m)); err != nil {
		slog.Error("psm mirror failed", "psm", m.ID(), "err", err)
	}
	writeJSON(w, http.StatusOK, psmView(m))
}

// HarvestPSMFees handles POST /api/v1/psms/{psmID}/harvest
func (s *Service) HarvestPSMFees(w http.ResponseWriter, r *http.Request) {
	m := s.psmFrom(w, r)
	if m == nil {
		return
	}
	ctx := r.Context()
	if err := m.HarvestFees(ctx); err != nil {
		writeDomainError(w, err)
		return
	}
	s.syncPSM(ctx, m)
	writeJSON(w, http.StatusOK, psmView(m))
}

// --- Account handlers ---

// GetAccountPositions handles GET /api/v1/accounts/{account}/positions
// Reads the store mirror so it spans all markets, including unloaded ones.
func (s *Service) GetAccountPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositionsByAccount(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.PositionRecord{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetAccountHistory handles GET /api/v1/accounts/{account}/history
func (s *Service) GetAccountHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.GetEventsByAccount(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, "failed to load account history", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.EventRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Routing ---

// Routes mounts every handler on a chi router, ready to serve under
// /api/v1.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/assets", func(r chi.Router) {
		r.Post("/", s.CreateAsset)
		r.Get("/", s.ListAssets)
		r.Post("/{assetID}/mint", s.MintAsset)
	})

	r.Route("/tokens", func(r chi.Router) {
		r.Post("/", s.CreateToken)
		r.Get("/", s.ListTokens)
		r.Post("/{tokenID}/mint", s.MintToken)
	})

	r.Route("/markets", func(r chi.Router) {
		r.Post("/", s.CreateMarket)
		r.Get("/", s.ListMarkets)

		r.Route("/{marketID}", func(r chi.Router) {
			r.Get("/", s.GetMarket)
			r.Get("/price", s.GetPrice)
			r.Post("/update-price", s.UpdatePrice)
			r.Post("/deposit", s.Deposit)
			r.Post("/borrow", s.Borrow)
			r.Post("/withdraw", s.Withdraw)
			r.Post("/repay", s.Repay)
			r.Post("/deposit-and-borrow", s.DepositAndBorrow)
			r.Post("/repay-and-withdraw", s.RepayAndWithdraw)
			r.Post("/liquidate", s.Liquidate)
			r.Post("/harvest", s.HarvestMarketFees)
			r.Post("/reduce-supply", s.ReduceSupply)
			r.Put("/treasury", s.SetTreasury)
			r.Put("/oracle", s.SetOracle)
			r.Get("/positions", s.ListMarketPositions)
			r.Get("/positions/{account}", s.GetMarketPosition)
			r.Get("/history", s.GetMarketHistory)
		})
	})

	r.Route("/psms", func(r chi.Router) {
		r.Post("/", s.CreatePSM)
		r.Get("/", s.ListPSMs)

		r.Route("/{psmID}", func(r chi.Router) {
			r.Get("/", s.GetPSM)
			r.Post("/buy", s.BuyPSM)
			r.Post("/sell", s.SellPSM)
			r.Post("/withdraw-reserves", s.WithdrawReserves)
			r.Post("/withdraw-debt-tokens", s.WithdrawDebtTokens)
			r.Put("/buy-fee", s.SetBuyFee)
			r.Put("/sell-fee", s.SetSellFee)
			r.Put("/treasury", s.SetPSMTreasury)
			r.Post("/harvest", s.HarvestPSMFees)
		})
	})

	r.Route("/accounts/{account}", func(r chi.Router) {
		r.Get("/positions", s.GetAccountPositions)
		r.Get("/history", s.GetAccountHistory)
	})

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	return r
}
