package pool

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"squarespool/internal/beacon"
)

// Service is the pool settlement engine. Every mutating operation runs
// in a serializable transaction retried on serialization failure, which
// reproduces the single serial order per pool that the settlement
// contract assumes: racing callers are sequenced, and the loser observes
// the updated state and fails deterministically.
type Service struct {
	db     *pgxpool.Pool
	beacon *beacon.Beacon
	log    *slog.Logger
}

func NewService(db *pgxpool.Pool, bc *beacon.Beacon, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, beacon: bc, log: logger}
}

// poolRow is the locked snapshot every mutating operation works from.
type poolRow struct {
	ID               int64
	Name             string
	TeamHome         string
	TeamAway         string
	EventKey         string
	Asset            string
	State            PoolState
	PriceMicros      int64
	MaxSquares       int
	PayoutPct        [4]int
	PurchaseDeadline time.Time
	RevealDeadline   time.Time
	PasswordHash     string
	Operator         string
	TotalPotMicros   int64
	RolloverMicros   int64
	YieldMicros      int64
	CommitHash       string
	CommitHeight     int64
	RowNumbers       []int32
	ColNumbers       []int32
}

func (p poolRow) pctFor(q Quarter) int {
	return p.PayoutPct[int(q)-1]
}

func (s *Service) CreatePool(ctx context.Context, accountID string, params PoolParams, idem string) (int64, error) {
	if err := ValidateParams(params); err != nil {
		return 0, err
	}
	var id int64
	err := s.runSerializable(ctx, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, accountID, idem, "create_pool"); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO squares.pools
			    (name, team_home, team_away, event_key, asset, state, price_micros,
			     max_squares_per_user, q1_pct, half_pct, q3_pct, final_pct,
			     purchase_deadline, reveal_deadline, password_hash, operator_account)
			VALUES
			    ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			RETURNING id
		`, strings.TrimSpace(params.Name), strings.TrimSpace(params.TeamHome), strings.TrimSpace(params.TeamAway),
			strings.TrimSpace(params.EventKey), strings.ToUpper(strings.TrimSpace(params.Asset)), StateOpen,
			params.PriceMicros, params.MaxSquaresPerUser,
			params.PayoutPct[0], params.PayoutPct[1], params.PayoutPct[2], params.PayoutPct[3],
			params.PurchaseDeadline, params.RevealDeadline, params.PasswordHash, accountID).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("pool created", "pool_id", id, "operator", accountID, "asset", params.Asset)
	return id, nil
}

// Purchase marks each requested position owned by the caller and debits
// the exact charge from their wallet. The authorized payment above the
// charge is never debited, so the excess refund is structural.
func (s *Service) Purchase(ctx context.Context, in PurchaseInput) (PurchaseResult, error) {
	var out PurchaseResult
	if err := ValidatePositions(in.Positions); err != nil {
		return out, err
	}
	err := s.runSerializable(ctx, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, in.AccountID, in.IdempotencyKey, "purchase"); err != nil {
			return err
		}
		pool, err := lockPool(ctx, tx, in.PoolID)
		if err != nil {
			return err
		}
		if pool.State != StateOpen {
			return fmt.Errorf("%w: purchases require %s, pool is %s", ErrInvalidState, StateOpen, pool.State)
		}
		if !time.Now().Before(pool.PurchaseDeadline) {
			return ErrPurchaseDeadlinePassed
		}
		if err := CheckPassword(pool.PasswordHash, in.Password); err != nil {
			return err
		}
		charged, refund, err := ChargeFor(pool.PriceMicros, len(in.Positions), in.PaymentMicros)
		if err != nil {
			return err
		}

		if pool.MaxSquares > 0 {
			var owned int
			if err := tx.QueryRow(ctx, `
				SELECT COUNT(1)
				FROM squares.board
				WHERE pool_id = $1 AND owner_account = $2
			`, in.PoolID, in.AccountID).Scan(&owned); err != nil {
				return err
			}
			if owned+len(in.Positions) > pool.MaxSquares {
				return fmt.Errorf("%w: cap %d, owned %d, requested %d",
					ErrMaxSquaresExceeded, pool.MaxSquares, owned, len(in.Positions))
			}
		}

		var taken int
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MIN(position), -1)
			FROM squares.board
			WHERE pool_id = $1 AND position = ANY($2)
		`, in.PoolID, in.Positions).Scan(&taken); err != nil {
			return err
		}
		if taken >= 0 {
			return fmt.Errorf("%w: position %d", ErrSquareAlreadyOwned, taken)
		}

		balance, err := debitWallet(ctx, tx, in.AccountID, pool.Asset, charged)
		if err != nil {
			return err
		}
		for _, pos := range in.Positions {
			if _, err := tx.Exec(ctx, `
				INSERT INTO squares.board (pool_id, position, owner_account, price_micros)
				VALUES ($1, $2, $3, $4)
			`, in.PoolID, pos, in.AccountID, pool.PriceMicros); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: position %d", ErrSquareAlreadyOwned, pos)
				}
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE squares.pools
			SET total_pot_micros = total_pot_micros + $1, updated_at = now()
			WHERE id = $2
		`, charged, in.PoolID); err != nil {
			return err
		}
		if err := appendLedgerEntries(ctx, tx, in.AccountID, in.PoolID, pool.Asset, "purchase", -charged); err != nil {
			return err
		}

		out = PurchaseResult{
			Positions:      in.Positions,
			ChargedMicros:  charged,
			RefundMicros:   refund,
			TotalPotMicros: pool.TotalPotMicros + charged,
			BalanceMicros:  balance,
		}
		return nil
	})
	if err != nil {
		return PurchaseResult{}, err
	}
	s.log.Info("squares purchased",
		"pool_id", in.PoolID,
		"account", in.AccountID,
		"count", len(in.Positions),
		"charged_micros", out.ChargedMicros)
	return out, nil
}

// ClosePool is the operator-only OPEN -> CLOSED transition. The pot is
// frozen from here on.
func (s *Service) ClosePool(ctx context.Context, accountID string, poolID int64, idem string) error {
	return s.runSerializable(ctx, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, accountID, idem, "close_pool"); err != nil {
			return err
		}
		pool, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		if pool.Operator != accountID {
			return ErrOnlyOperator
		}
		if !CanTransition(pool.State, StateClosed) {
			return fmt.Errorf("%w: cannot close from %s", ErrInvalidState, pool.State)
		}
		return setState(ctx, tx, poolID, StateClosed)
	})
}

// Commit stores the operator's hash-hidden secret together with the
// beacon height at commit time. Only one commitment may be outstanding.
func (s *Service) Commit(ctx context.Context, in CommitInput) error {
	commitment := strings.ToLower(strings.TrimSpace(in.CommitmentHex))
	if raw, err := hex.DecodeString(commitment); err != nil || len(raw) != 32 {
		return fmt.Errorf("commitment must be 32 hex-encoded bytes")
	}
	height, err := s.beacon.CurrentHeight(ctx)
	if err != nil {
		return err
	}
	return s.runSerializable(ctx, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, in.AccountID, in.IdempotencyKey, "commit_seed"); err != nil {
			return err
		}
		pool, err := lockPool(ctx, tx, in.PoolID)
		if err != nil {
			return err
		}
		if pool.Operator != in.AccountID {
			return ErrOnlyOperator
		}
		if pool.State != StateClosed {
			return fmt.Errorf("%w: commit requires %s, pool is %s", ErrInvalidState, StateClosed, pool.State)
		}
		if pool.CommitHash != "" {
			return ErrAlreadyCommitted
		}
		_, err = tx.Exec(ctx, `
			UPDATE squares.pools
			SET commit_hash = $1, commit_height = $2, updated_at = now()
			WHERE id = $3
		`, commitment, height, in.PoolID)
		return err
	})
}

// Reveal discloses the committed secret, combines it with the beacon
// randomness that followed the commitment, and assigns the row and
// column digit permutations.
func (s *Service) Reveal(ctx context.Context, in RevealInput) (RevealResult, error) {
	var out RevealResult
	current, err := s.beacon.CurrentHeight(ctx)
	if err != nil {
		return out, err
	}
	err = s.runSerializable(ctx, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, in.AccountID, in.IdempotencyKey, "reveal_seed"); err != nil {
			return err
		}
		pool, err := lockPool(ctx, tx, in.PoolID)
		if err != nil {
			return err
		}
		if pool.Operator != in.AccountID {
			return ErrOnlyOperator
		}
		if pool.State != StateClosed {
			return fmt.Errorf("%w: reveal requires %s, pool is %s", ErrInvalidState, StateClosed, pool.State)
		}
		if pool.CommitHash == "" {
			return ErrNotCommitted
		}
		if err := CheckRevealWindow(pool.CommitHeight, current); err != nil {
			return err
		}
		if err := CheckReveal(pool.CommitHash, in.Secret); err != nil {
			return err
		}
		randomness, err := s.beacon.RandomnessAt(ctx, pool.CommitHeight+1)
		if err != nil {
			if errors.Is(err, beacon.ErrRandomnessUnavailable) {
				return ErrRevealTooLate
			}
			return err
		}
		rows, cols := DerivePermutations(in.Secret, randomness)
		if _, err := tx.Exec(ctx, `
			UPDATE squares.pools
			SET row_numbers = $1, col_numbers = $2, state = $3, updated_at = now()
			WHERE id = $4
		`, rows, cols, StateNumbersAssigned, in.PoolID); err != nil {
			return err
		}
		out = RevealResult{RowNumbers: rows, ColNumbers: cols, Height: pool.CommitHeight + 1}
		return nil
	})
	if err != nil {
		return RevealResult{}, err
	}
	s.log.Info("numbers assigned", "pool_id", in.PoolID, "beacon_height", out.Height)
	return out, nil
}

// ResetCommitment is the operator's liveness fallback: once the reveal
// horizon has been missed the outstanding commitment is void and a new
// commit may be made.
func (s *Service) ResetCommitment(ctx context.Context, accountID string, poolID int64, idem string) error {
	current, err := s.beacon.CurrentHeight(ctx)
	if err != nil {
		return err
	}
	return s.runSerializable(ctx, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, accountID, idem, "reset_commitment"); err != nil {
			return err
		}
		pool, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		if pool.Operator != accountID {
			return ErrOnlyOperator
		}
		if pool.State != StateClosed {
			return fmt.Errorf("%w: reset requires %s, pool is %s", ErrInvalidState, StateClosed, pool.State)
		}
		if pool.CommitHash == "" {
			return ErrNotCommitted
		}
		if current <= pool.CommitHeight+RevealHorizon {
			return fmt.Errorf("%w: reveal window still open until height %d",
				ErrInvalidState, pool.CommitHeight+RevealHorizon)
		}
		_, err = tx.Exec(ctx, `
			UPDATE squares.pools
			SET commit_hash = '', commit_height = 0, updated_at = now()
			WHERE id = $1
		`, poolID)
		return err
	})
}

// ClaimPayout pays a settled quarter's winner exactly once. The claim
// row's primary key is the double-claim backstop.
func (s *Service) ClaimPayout(ctx context.Context, in ClaimInput) (ClaimResult, error) {
	var out ClaimResult
	if !in.Quarter.Valid() {
		return out, fmt.Errorf("%w: quarter %d", ErrInvalidState, in.Quarter)
	}
	err := s.runSerializable(ctx, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, in.AccountID, in.IdempotencyKey, "claim_payout"); err != nil {
			return err
		}
		pool, err := lockPool(ctx, tx, in.PoolID)
		if err != nil {
			return err
		}
		var settled bool
		var payout int64
		var winner *string
		err = tx.QueryRow(ctx, `
			SELECT settled, payout_micros, winner_account
			FROM squares.scores
			WHERE pool_id = $1 AND quarter = $2
			FOR UPDATE
		`, in.PoolID, int(in.Quarter)).Scan(&settled, &payout, &winner)
		if err == pgx.ErrNoRows {
			return ErrScoreNotSettled
		}
		if err != nil {
			return err
		}
		if !settled {
			return ErrScoreNotSettled
		}
		if winner == nil || *winner != in.AccountID {
			return ErrNotWinner
		}
		cmd, err := tx.Exec(ctx, `
			INSERT INTO squares.claims (pool_id, quarter, account_id, amount_micros)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (pool_id, quarter, account_id) DO NOTHING
		`, in.PoolID, int(in.Quarter), in.AccountID, payout)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrPayoutAlreadyClaimed
		}
		balance, err := creditWallet(ctx, tx, in.AccountID, pool.Asset, payout)
		if err != nil {
			return err
		}
		if err := appendLedgerEntries(ctx, tx, in.AccountID, in.PoolID, pool.Asset, "claim_payout", payout); err != nil {
			return err
		}
		out = ClaimResult{Quarter: in.Quarter, AmountMicros: payout, BalanceMicros: balance}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	s.log.Info("payout claimed",
		"pool_id", in.PoolID,
		"quarter", in.Quarter.Label(),
		"account", in.AccountID,
		"amount_micros", out.AmountMicros)
	return out, nil
}

// Deposit credits a wallet. This is the boundary where funds arrive
// from outside the system.
func (s *Service) Deposit(ctx context.Context, accountID, asset string, amountMicros int64, idem string) (WalletView, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return WalletView{}, fmt.Errorf("asset is required")
	}
	if amountMicros <= 0 {
		return WalletView{}, fmt.Errorf("deposit amount must be > 0")
	}
	var out WalletView
	err := s.runSerializable(ctx, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, accountID, idem, "deposit"); err != nil {
			return err
		}
		balance, err := creditWallet(ctx, tx, accountID, asset, amountMicros)
		if err != nil {
			return err
		}
		if err := appendLedgerEntries(ctx, tx, accountID, 0, asset, "deposit", amountMicros); err != nil {
			return err
		}
		out = WalletView{Asset: asset, BalanceMicros: balance}
		return nil
	})
	return out, err
}

func (s *Service) Wallets(ctx context.Context, accountID string) ([]WalletView, error) {
	rows, err := s.db.Query(ctx, `
		SELECT asset, balance_micros
		FROM squares.wallets
		WHERE account_id = $1
		ORDER BY asset
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WalletView, 0)
	for rows.Next() {
		var w WalletView
		if err := rows.Scan(&w.Asset, &w.BalanceMicros); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const summaryColumns = `
	p.id, p.name, p.team_home, p.team_away, p.event_key, p.asset, p.state,
	p.price_micros, p.max_squares_per_user,
	p.q1_pct, p.half_pct, p.q3_pct, p.final_pct,
	p.total_pot_micros, p.password_hash <> '',
	p.purchase_deadline, p.reveal_deadline, p.operator_account,
	(SELECT COUNT(1) FROM squares.board b WHERE b.pool_id = p.id)`

func (s *Service) Summary(ctx context.Context, poolID int64) (PoolSummary, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+summaryColumns+`
		FROM squares.pools p
		WHERE p.id = $1
	`, poolID)
	out, err := scanSummary(row)
	if err == pgx.ErrNoRows {
		return out, ErrPoolNotFound
	}
	return out, err
}

func (s *Service) ListPools(ctx context.Context) ([]PoolSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+summaryColumns+`
		FROM squares.pools p
		ORDER BY p.id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]PoolSummary, 0)
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

func scanSummary(row pgx.Row) (PoolSummary, error) {
	var out PoolSummary
	err := row.Scan(&out.ID, &out.Name, &out.TeamHome, &out.TeamAway, &out.EventKey, &out.Asset, &out.State,
		&out.PriceMicros, &out.MaxSquaresPerUser,
		&out.PayoutPct[0], &out.PayoutPct[1], &out.PayoutPct[2], &out.PayoutPct[3],
		&out.TotalPotMicros, &out.Private,
		&out.PurchaseDeadline, &out.RevealDeadline, &out.OperatorAccount,
		&out.SquaresSold)
	return out, err
}

func (s *Service) Grid(ctx context.Context, poolID int64) (GridSnapshot, error) {
	out := GridSnapshot{PoolID: poolID}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM squares.pools WHERE id = $1)`, poolID).Scan(&exists); err != nil {
		return out, err
	}
	if !exists {
		return out, ErrPoolNotFound
	}
	rows, err := s.db.Query(ctx, `
		SELECT b.position, a.username
		FROM squares.board b
		JOIN squares.accounts a ON a.id = b.owner_account
		WHERE b.pool_id = $1
		ORDER BY b.position
	`, poolID)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var pos int
		var username string
		if err := rows.Scan(&pos, &username); err != nil {
			return out, err
		}
		if pos >= 0 && pos < GridSize {
			out.Owners[pos] = username
		}
	}
	return out, rows.Err()
}

func (s *Service) Numbers(ctx context.Context, poolID int64) (NumbersView, error) {
	var out NumbersView
	var rowNums, colNums []int32
	err := s.db.QueryRow(ctx, `
		SELECT row_numbers, col_numbers
		FROM squares.pools
		WHERE id = $1
	`, poolID).Scan(&rowNums, &colNums)
	if err == pgx.ErrNoRows {
		return out, ErrPoolNotFound
	}
	if err != nil {
		return out, err
	}
	if len(rowNums) == 10 && len(colNums) == 10 {
		out.Assigned = true
		out.RowNumbers = rowNums
		out.ColNumbers = colNums
	}
	return out, nil
}

// Winner exposes getWinner: the computed winning square, owner, and
// amount for a settled quarter, plus whether it has been claimed.
func (s *Service) Winner(ctx context.Context, poolID int64, q Quarter) (WinnerView, error) {
	out := WinnerView{Quarter: q}
	if !q.Valid() {
		return out, fmt.Errorf("%w: quarter %d", ErrInvalidState, q)
	}
	var winner *string
	var position *int
	err := s.db.QueryRow(ctx, `
		SELECT s.settled, s.payout_micros, s.winner_position, s.winner_account,
		       COALESCE(a.username, ''),
		       EXISTS (
		           SELECT 1 FROM squares.claims c
		           WHERE c.pool_id = s.pool_id AND c.quarter = s.quarter
		       )
		FROM squares.scores s
		LEFT JOIN squares.accounts a ON a.id = s.winner_account
		WHERE s.pool_id = $1 AND s.quarter = $2
	`, poolID, int(q)).Scan(&out.Settled, &out.AmountMicros, &position, &winner, &out.Username, &out.Claimed)
	if err == pgx.ErrNoRows {
		return out, ErrScoreNotSettled
	}
	if err != nil {
		return out, err
	}
	if !out.Settled {
		return out, ErrScoreNotSettled
	}
	if position != nil {
		out.Position = *position
	}
	if winner != nil {
		out.Account = *winner
	}
	return out, nil
}

func lockPool(ctx context.Context, tx pgx.Tx, poolID int64) (poolRow, error) {
	var p poolRow
	err := tx.QueryRow(ctx, `
		SELECT id, name, team_home, team_away, event_key, asset, state,
		       price_micros, max_squares_per_user,
		       q1_pct, half_pct, q3_pct, final_pct,
		       purchase_deadline, reveal_deadline, password_hash, operator_account,
		       total_pot_micros, rollover_micros, yield_micros,
		       commit_hash, commit_height, row_numbers, col_numbers
		FROM squares.pools
		WHERE id = $1
		FOR UPDATE
	`, poolID).Scan(&p.ID, &p.Name, &p.TeamHome, &p.TeamAway, &p.EventKey, &p.Asset, &p.State,
		&p.PriceMicros, &p.MaxSquares,
		&p.PayoutPct[0], &p.PayoutPct[1], &p.PayoutPct[2], &p.PayoutPct[3],
		&p.PurchaseDeadline, &p.RevealDeadline, &p.PasswordHash, &p.Operator,
		&p.TotalPotMicros, &p.RolloverMicros, &p.YieldMicros,
		&p.CommitHash, &p.CommitHeight, &p.RowNumbers, &p.ColNumbers)
	if err == pgx.ErrNoRows {
		return p, ErrPoolNotFound
	}
	return p, err
}

func setState(ctx context.Context, tx pgx.Tx, poolID int64, state PoolState) error {
	_, err := tx.Exec(ctx, `
		UPDATE squares.pools
		SET state = $1, updated_at = now()
		WHERE id = $2
	`, state, poolID)
	return err
}

func creditWallet(ctx context.Context, tx pgx.Tx, accountID, asset string, amountMicros int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		INSERT INTO squares.wallets (account_id, asset, balance_micros)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, asset)
		DO UPDATE SET balance_micros = squares.wallets.balance_micros + $3, updated_at = now()
		RETURNING balance_micros
	`, accountID, asset, amountMicros).Scan(&balance)
	return balance, err
}

func debitWallet(ctx context.Context, tx pgx.Tx, accountID, asset string, amountMicros int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		SELECT balance_micros
		FROM squares.wallets
		WHERE account_id = $1 AND asset = $2
		FOR UPDATE
	`, accountID, asset).Scan(&balance)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("%w: no %s balance", ErrInsufficientFunds, asset)
	}
	if err != nil {
		return 0, err
	}
	if balance < amountMicros {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, amountMicros, balance)
	}
	balance -= amountMicros
	_, err = tx.Exec(ctx, `
		UPDATE squares.wallets
		SET balance_micros = $1, updated_at = now()
		WHERE account_id = $2 AND asset = $3
	`, balance, accountID, asset)
	return balance, err
}

func appendLedgerEntries(ctx context.Context, tx pgx.Tx, accountID string, poolID int64, asset, action string, deltaMicros int64) error {
	txID := uuid.NewString()
	meta, _ := json.Marshal(map[string]any{"action": action})
	var pool any
	if poolID > 0 {
		pool = poolID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO squares.ledger_entries (tx_group_id, account_id, pool_id, asset, account, delta_micros, metadata)
		VALUES
		($1, $2, $3, $4, 'wallet', $5, $7::jsonb),
		($1, $2, $3, $4, 'escrow', $6, $7::jsonb)
	`, txID, accountID, pool, asset, deltaMicros, -deltaMicros, string(meta))
	return err
}

func claimIdempotency(ctx context.Context, tx pgx.Tx, accountID, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	cmd, err := tx.Exec(ctx, `
		INSERT INTO squares.idempotency_keys (account_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (account_id, key) DO NOTHING
	`, accountID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDuplicateIdempotency
	}
	return nil
}

func (s *Service) runSerializable(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			return ErrTxConflict
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ErrTxConflict
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
