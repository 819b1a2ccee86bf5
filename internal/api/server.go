package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"squarespool/internal/auth"
	"squarespool/internal/config"
	"squarespool/internal/pool"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type contextKey string

const accountContextKey contextKey = "account"

type AccountContext struct {
	AccountID string
	Username  string
}

type Server struct {
	cfg   config.APIConfig
	log   *slog.Logger
	auth  *auth.Store
	pools *pool.Service
	mux   *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, authStore *auth.Store, poolSvc *pool.Service) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:   cfg,
		log:   logger,
		auth:  authStore,
		pools: poolSvc,
		mux:   chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/accounts", s.handleCreateAccount)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/wallets", s.handleWallets)
			r.Post("/wallets/deposit", s.handleDeposit)

			r.Get("/pools", s.handlePoolsList)
			r.Post("/pools", s.handleCreatePool)
			r.Get("/pools/{id}", s.handlePoolSummary)
			r.Get("/pools/{id}/grid", s.handlePoolGrid)
			r.Get("/pools/{id}/numbers", s.handlePoolNumbers)
			r.Get("/pools/{id}/scores", s.handlePoolScores)
			r.Get("/pools/{id}/winners/{quarter}", s.handleWinner)

			r.Post("/pools/{id}/purchase", s.handlePurchase)
			r.Post("/pools/{id}/close", s.handleClosePool)
			r.Post("/pools/{id}/commit", s.handleCommit)
			r.Post("/pools/{id}/reveal", s.handleReveal)
			r.Post("/pools/{id}/commit/reset", s.handleResetCommitment)

			r.Post("/pools/{id}/scores/request", s.handleRequestScore)
			r.Post("/pools/{id}/scores/submit", s.handleSubmitScore)
			r.Post("/pools/{id}/scores/{quarter}/settle", s.handleSettleQuarter)

			r.Post("/pools/{id}/claims", s.handleClaimPayout)
			r.Post("/pools/{id}/yield/withdraw", s.handleWithdrawYield)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r.Header.Get("Authorization"))
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		acct, err := s.auth.VerifyAPIKey(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		ctx := context.WithValue(r.Context(), accountContextKey, AccountContext{
			AccountID: acct.ID,
			Username:  acct.Username,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accountFromContext(ctx context.Context) (AccountContext, error) {
	v := ctx.Value(accountContextKey)
	acct, ok := v.(AccountContext)
	if !ok || acct.AccountID == "" {
		return AccountContext{}, errors.New("missing auth context")
	}
	return acct, nil
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, apiKey, err := s.auth.CreateAccount(r.Context(), in.Username)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"account": acct,
		"api_key": apiKey,
	})
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.pools.Wallets(r.Context(), acct.AccountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": out})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Asset        string `json:"asset"`
		AmountMicros int64  `json:"amount_micros"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.pools.Deposit(r.Context(), acct.AccountID, in.Asset, in.AmountMicros, idempotencyKey(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePoolsList(w http.ResponseWriter, r *http.Request) {
	out, err := s.pools.ListPools(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": out})
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in pool.PoolParams
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.pools.CreatePool(r.Context(), acct.AccountID, in, idempotencyKey(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handlePoolSummary(w http.ResponseWriter, r *http.Request) {
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	out, err := s.pools.Summary(r.Context(), poolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePoolGrid(w http.ResponseWriter, r *http.Request) {
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	out, err := s.pools.Grid(r.Context(), poolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePoolNumbers(w http.ResponseWriter, r *http.Request) {
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	out, err := s.pools.Numbers(r.Context(), poolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePoolScores(w http.ResponseWriter, r *http.Request) {
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	out, err := s.pools.Scores(r.Context(), poolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": out})
}

func (s *Server) handleWinner(w http.ResponseWriter, r *http.Request) {
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	q, err := quarterParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.pools.Winner(r.Context(), poolID, q)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	var in struct {
		Positions     []int  `json:"positions"`
		PaymentMicros int64  `json:"payment_micros"`
		Password      string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.pools.Purchase(r.Context(), pool.PurchaseInput{
		AccountID:      acct.AccountID,
		PoolID:         poolID,
		Positions:      in.Positions,
		PaymentMicros:  in.PaymentMicros,
		Password:       in.Password,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClosePool(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	if err := s.pools.ClosePool(r.Context(), acct.AccountID, poolID, idempotencyKey(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	var in struct {
		Commitment string `json:"commitment"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.pools.Commit(r.Context(), pool.CommitInput{
		AccountID:      acct.AccountID,
		PoolID:         poolID,
		CommitmentHex:  in.Commitment,
		IdempotencyKey: idempotencyKey(r),
	}); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	var in struct {
		Secret string `json:"secret"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.pools.Reveal(r.Context(), pool.RevealInput{
		AccountID:      acct.AccountID,
		PoolID:         poolID,
		Secret:         in.Secret,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResetCommitment(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	if err := s.pools.ResetCommitment(r.Context(), acct.AccountID, poolID, idempotencyKey(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRequestScore(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	var in struct {
		Quarter int `json:"quarter"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.pools.RequestScore(r.Context(), acct.AccountID, poolID, pool.Quarter(in.Quarter), idempotencyKey(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *Server) handleSubmitScore(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	var in struct {
		Quarter int `json:"quarter"`
		Home    int `json:"home"`
		Away    int `json:"away"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.pools.SubmitScore(r.Context(), pool.SubmitScoreInput{
		AccountID:      acct.AccountID,
		PoolID:         poolID,
		Quarter:        pool.Quarter(in.Quarter),
		Home:           in.Home,
		Away:           in.Away,
		IdempotencyKey: idempotencyKey(r),
	}); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSettleQuarter(w http.ResponseWriter, r *http.Request) {
	if _, err := accountFromContext(r.Context()); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	q, err := quarterParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.pools.SettleQuarter(r.Context(), poolID, q, s.cfg.DisputeWindow); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleClaimPayout(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	var in struct {
		Quarter int `json:"quarter"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.pools.ClaimPayout(r.Context(), pool.ClaimInput{
		AccountID:      acct.AccountID,
		PoolID:         poolID,
		Quarter:        pool.Quarter(in.Quarter),
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWithdrawYield(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	poolID, err := poolIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	out, err := s.pools.WithdrawYield(r.Context(), acct.AccountID, poolID, idempotencyKey(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrPoolNotFound), errors.Is(err, pool.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pool.ErrOnlyOperator), errors.Is(err, pool.ErrNotWinner),
		errors.Is(err, pool.ErrInvalidPassword):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, pool.ErrDuplicateIdempotency), errors.Is(err, pool.ErrTxConflict),
		errors.Is(err, pool.ErrSquareAlreadyOwned), errors.Is(err, pool.ErrAlreadyCommitted),
		errors.Is(err, pool.ErrPayoutAlreadyClaimed), errors.Is(err, pool.ErrRequestPending),
		errors.Is(err, pool.ErrDisputeWindowOpen):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pool.ErrInvalidState), errors.Is(err, pool.ErrInvalidPosition),
		errors.Is(err, pool.ErrMaxSquaresExceeded), errors.Is(err, pool.ErrInsufficientPayment),
		errors.Is(err, pool.ErrInsufficientFunds), errors.Is(err, pool.ErrPurchaseDeadlinePassed),
		errors.Is(err, pool.ErrRevealTooEarly), errors.Is(err, pool.ErrRevealTooLate),
		errors.Is(err, pool.ErrInvalidReveal), errors.Is(err, pool.ErrNotCommitted),
		errors.Is(err, pool.ErrScoreNotSettled):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func poolIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func quarterParam(r *http.Request) (pool.Quarter, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "quarter"))
	if err != nil || !pool.Quarter(n).Valid() {
		return 0, errors.New("quarter must be 1-4")
	}
	return pool.Quarter(n), nil
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
