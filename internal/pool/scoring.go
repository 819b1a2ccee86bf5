package pool

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RequestScore opens an asynchronous consensus fetch for the next
// unscored quarter. At most one request per quarter may be pending; the
// worker resolves it against the configured feeds.
func (s *Service) RequestScore(ctx context.Context, accountID string, poolID int64, q Quarter, idem string) (ScoreRequest, error) {
	var out ScoreRequest
	if !q.Valid() {
		return out, fmt.Errorf("%w: quarter %d", ErrInvalidState, q)
	}
	err := s.runSerializable(ctx, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, accountID, idem, "request_score"); err != nil {
			return err
		}
		pool, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		next, err := NextQuarter(pool.State)
		if err != nil {
			return err
		}
		if q != next {
			return fmt.Errorf("%w: next scorable quarter is %s, requested %s",
				ErrInvalidState, next.Label(), q.Label())
		}
		var submitted bool
		err = tx.QueryRow(ctx, `
			SELECT submitted
			FROM squares.scores
			WHERE pool_id = $1 AND quarter = $2
		`, poolID, int(q)).Scan(&submitted)
		if err != nil && err != pgx.ErrNoRows {
			return err
		}
		if submitted {
			return fmt.Errorf("%w: %s already submitted, awaiting settlement", ErrInvalidState, q.Label())
		}
		token := uuid.NewString()
		if _, err := tx.Exec(ctx, `
			INSERT INTO squares.score_requests (token, pool_id, quarter, status)
			VALUES ($1, $2, $3, 'pending')
		`, token, poolID, int(q)); err != nil {
			if isUniqueViolation(err) {
				return ErrRequestPending
			}
			return err
		}
		out = ScoreRequest{Token: token, PoolID: poolID, EventKey: pool.EventKey, Quarter: q, Status: "pending"}
		return nil
	})
	if err != nil {
		return ScoreRequest{}, err
	}
	s.log.Info("score requested", "pool_id", poolID, "quarter", q.Label(), "token", out.Token)
	return out, nil
}

// PendingScoreRequests lists every unresolved request for the worker.
func (s *Service) PendingScoreRequests(ctx context.Context) ([]ScoreRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.token, r.pool_id, p.event_key, r.quarter
		FROM squares.score_requests r
		JOIN squares.pools p ON p.id = r.pool_id
		WHERE r.status = 'pending'
		ORDER BY r.created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ScoreRequest, 0)
	for rows.Next() {
		var r ScoreRequest
		var q int
		if err := rows.Scan(&r.Token, &r.PoolID, &r.EventKey, &q); err != nil {
			return nil, err
		}
		r.Quarter = Quarter(q)
		r.Status = "pending"
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveScoreRequest is the oracle callback. Exactly one resolution per
// token: a second delivery, or an unknown token, is rejected with no
// state change. An unverified result only closes the request; the score
// stays recoverable via the operator fallback.
func (s *Service) ResolveScoreRequest(ctx context.Context, token string, home, away int, verified bool) error {
	return s.runSerializable(ctx, func(tx pgx.Tx) error {
		var poolID int64
		var quarter int
		var status string
		err := tx.QueryRow(ctx, `
			SELECT pool_id, quarter, status
			FROM squares.score_requests
			WHERE token = $1
			FOR UPDATE
		`, token).Scan(&poolID, &quarter, &status)
		if err == pgx.ErrNoRows {
			return ErrUnknownRequest
		}
		if err != nil {
			return err
		}
		if status != "pending" {
			return ErrUnknownRequest
		}

		resolution := "unverified"
		if verified {
			resolution = "verified"
		}
		pool, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		next, nextErr := NextQuarter(pool.State)
		if verified && (nextErr != nil || next != Quarter(quarter)) {
			// Operator already advanced this quarter; the late feed
			// answer must not move state again.
			resolution = "superseded"
		}

		if _, err := tx.Exec(ctx, `
			UPDATE squares.score_requests
			SET status = $1, resolved_at = now()
			WHERE token = $2
		`, resolution, token); err != nil {
			return err
		}
		if resolution != "verified" {
			return nil
		}
		if home < 0 || home > 255 || away < 0 || away > 255 {
			return fmt.Errorf("score out of range: %d-%d", home, away)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO squares.scores (pool_id, quarter, home, away, submitted, request_token, submitted_at)
			VALUES ($1, $2, $3, $4, true, $5, now())
			ON CONFLICT (pool_id, quarter)
			DO UPDATE SET home = $3, away = $4, submitted = true, request_token = $5, submitted_at = now()
			WHERE scores.settled = false
		`, poolID, quarter, home, away, token)
		return err
	})
}

// SubmitScore is the operator-only fallback. It may supply or correct
// the next quarter's score at any time and settles it immediately.
func (s *Service) SubmitScore(ctx context.Context, in SubmitScoreInput) error {
	if !in.Quarter.Valid() {
		return fmt.Errorf("%w: quarter %d", ErrInvalidState, in.Quarter)
	}
	if in.Home < 0 || in.Home > 255 || in.Away < 0 || in.Away > 255 {
		return fmt.Errorf("scores must be between 0 and 255")
	}
	err := s.runSerializable(ctx, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, in.AccountID, in.IdempotencyKey, "submit_score"); err != nil {
			return err
		}
		pool, err := lockPool(ctx, tx, in.PoolID)
		if err != nil {
			return err
		}
		if pool.Operator != in.AccountID {
			return ErrOnlyOperator
		}
		next, err := NextQuarter(pool.State)
		if err != nil {
			return err
		}
		if in.Quarter != next {
			return fmt.Errorf("%w: next quarter is %s, got %s out of order",
				ErrInvalidState, next.Label(), in.Quarter.Label())
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO squares.scores (pool_id, quarter, home, away, submitted, submitted_at)
			VALUES ($1, $2, $3, $4, true, now())
			ON CONFLICT (pool_id, quarter)
			DO UPDATE SET home = $3, away = $4, submitted = true, submitted_at = now()
		`, in.PoolID, int(in.Quarter), in.Home, in.Away); err != nil {
			return err
		}
		// A manual submission supersedes any in-flight automated fetch.
		if _, err := tx.Exec(ctx, `
			UPDATE squares.score_requests
			SET status = 'superseded', resolved_at = now()
			WHERE pool_id = $1 AND quarter = $2 AND status = 'pending'
		`, in.PoolID, int(in.Quarter)); err != nil {
			return err
		}
		return s.settleQuarterTx(ctx, tx, pool, in.Quarter, in.Home, in.Away)
	})
	if err != nil {
		return err
	}
	s.log.Info("score submitted by operator",
		"pool_id", in.PoolID,
		"quarter", in.Quarter.Label(),
		"home", in.Home,
		"away", in.Away)
	return nil
}

// SettleQuarter finalizes a verified automated score once the dispute
// window has elapsed. Anyone may trigger it.
func (s *Service) SettleQuarter(ctx context.Context, poolID int64, q Quarter, disputeWindow time.Duration) error {
	if !q.Valid() {
		return fmt.Errorf("%w: quarter %d", ErrInvalidState, q)
	}
	err := s.runSerializable(ctx, func(tx pgx.Tx) error {
		pool, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		next, err := NextQuarter(pool.State)
		if err != nil {
			return err
		}
		if q != next {
			return fmt.Errorf("%w: next settleable quarter is %s", ErrInvalidState, next.Label())
		}
		var home, away int
		var submitted, settled bool
		var submittedAt *time.Time
		err = tx.QueryRow(ctx, `
			SELECT home, away, submitted, settled, submitted_at
			FROM squares.scores
			WHERE pool_id = $1 AND quarter = $2
			FOR UPDATE
		`, poolID, int(q)).Scan(&home, &away, &submitted, &settled, &submittedAt)
		if err == pgx.ErrNoRows {
			return fmt.Errorf("%w: no score submitted for %s", ErrInvalidState, q.Label())
		}
		if err != nil {
			return err
		}
		if settled {
			return fmt.Errorf("%w: %s already settled", ErrInvalidState, q.Label())
		}
		if !submitted || submittedAt == nil {
			return fmt.Errorf("%w: no score submitted for %s", ErrInvalidState, q.Label())
		}
		if remaining := time.Until(submittedAt.Add(disputeWindow)); remaining > 0 {
			return fmt.Errorf("%w: %s remaining", ErrDisputeWindowOpen, remaining.Round(time.Second))
		}
		return s.settleQuarterTx(ctx, tx, pool, q, home, away)
	})
	if err != nil {
		return err
	}
	s.log.Info("quarter settled", "pool_id", poolID, "quarter", q.Label())
	return nil
}

// settleQuarterTx flips a submitted score to settled, computes the
// winner and payout, applies the rollover rule, and advances the state
// machine. The rollover of an ownerless winning square is resolved here,
// at settlement time, never retroactively.
func (s *Service) settleQuarterTx(ctx context.Context, tx pgx.Tx, pool poolRow, q Quarter, home, away int) error {
	if len(pool.RowNumbers) != 10 || len(pool.ColNumbers) != 10 {
		return fmt.Errorf("%w: numbers not assigned", ErrInvalidState)
	}
	position, err := WinningPosition(pool.RowNumbers, pool.ColNumbers, uint8(home), uint8(away))
	if err != nil {
		return err
	}
	share := QuarterShare(pool.TotalPotMicros, pool.pctFor(q)) + pool.RolloverMicros

	var owner *string
	err = tx.QueryRow(ctx, `
		SELECT owner_account
		FROM squares.board
		WHERE pool_id = $1 AND position = $2
	`, pool.ID, position).Scan(&owner)
	if err != nil && err != pgx.ErrNoRows {
		return err
	}

	payout := share
	rollover := int64(0)
	if owner == nil {
		// Nobody bought the winning square: the share rolls into the
		// next quarter's pot. On the final quarter it stays in escrow
		// for the operator's post-game withdrawal.
		payout = 0
		rollover = share
	}

	if _, err := tx.Exec(ctx, `
		UPDATE squares.scores
		SET home = $1, away = $2, submitted = true, settled = true,
		    submitted_at = COALESCE(submitted_at, now()), settled_at = now(),
		    payout_micros = $3, winner_position = $4, winner_account = $5
		WHERE pool_id = $6 AND quarter = $7
	`, home, away, payout, position, owner, pool.ID, int(q)); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE squares.pools
		SET state = $1, rollover_micros = $2, updated_at = now()
		WHERE id = $3
	`, StateAfterQuarter(q), rollover, pool.ID)
	return err
}

// Scores returns the per-quarter score board including in-flight
// request status.
func (s *Service) Scores(ctx context.Context, poolID int64) ([]ScoreView, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM squares.pools WHERE id = $1)`, poolID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrPoolNotFound
	}
	rows, err := s.db.Query(ctx, `
		SELECT quarter, home, away, submitted, settled, submitted_at, settled_at, payout_micros,
		       COALESCE(request_token::text, '')
		FROM squares.scores
		WHERE pool_id = $1
	`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byQuarter := make(map[Quarter]ScoreView, 4)
	for rows.Next() {
		var v ScoreView
		var q int
		if err := rows.Scan(&q, &v.Home, &v.Away, &v.Submitted, &v.Settled,
			&v.SubmittedAt, &v.SettledAt, &v.PayoutMicros, &v.RequestToken); err != nil {
			return nil, err
		}
		v.Quarter = Quarter(q)
		byQuarter[v.Quarter] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reqRows, err := s.db.Query(ctx, `
		SELECT DISTINCT ON (quarter) quarter, token, status
		FROM squares.score_requests
		WHERE pool_id = $1
		ORDER BY quarter, created_at DESC
	`, poolID)
	if err != nil {
		return nil, err
	}
	defer reqRows.Close()
	reqStatus := make(map[Quarter][2]string)
	for reqRows.Next() {
		var q int
		var token, status string
		if err := reqRows.Scan(&q, &token, &status); err != nil {
			return nil, err
		}
		reqStatus[Quarter(q)] = [2]string{token, status}
	}
	if err := reqRows.Err(); err != nil {
		return nil, err
	}

	out := make([]ScoreView, 0, 4)
	for q := QuarterQ1; q <= QuarterFinal; q++ {
		v := byQuarter[q]
		v.Quarter = q
		v.Label = q.Label()
		if rs, ok := reqStatus[q]; ok {
			if v.RequestToken == "" {
				v.RequestToken = rs[0]
			}
			v.RequestStatus = rs[1]
		}
		out = append(out, v)
	}
	return out, nil
}

// WithdrawYield transfers accrued money-market yield, plus any terminal
// unowned-winner remainder, to the operator after the game completes.
// Yield principal is never part of a payout calculation.
func (s *Service) WithdrawYield(ctx context.Context, accountID string, poolID int64, idem string) (YieldWithdrawal, error) {
	var out YieldWithdrawal
	err := s.runSerializable(ctx, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, accountID, idem, "withdraw_yield"); err != nil {
			return err
		}
		pool, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		if pool.Operator != accountID {
			return ErrOnlyOperator
		}
		if pool.State != StateFinalScored {
			return fmt.Errorf("%w: yield withdrawal requires %s, pool is %s",
				ErrInvalidState, StateFinalScored, pool.State)
		}
		total := pool.YieldMicros + pool.RolloverMicros
		out = YieldWithdrawal{YieldMicros: pool.YieldMicros, RemainderMicros: pool.RolloverMicros}
		if total == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE squares.pools
			SET yield_micros = 0, rollover_micros = 0, updated_at = now()
			WHERE id = $1
		`, poolID); err != nil {
			return err
		}
		balance, err := creditWallet(ctx, tx, accountID, pool.Asset, total)
		if err != nil {
			return err
		}
		out.BalanceMicros = balance
		return appendLedgerEntries(ctx, tx, accountID, poolID, pool.Asset, "withdraw_yield", total)
	})
	if err != nil {
		return YieldWithdrawal{}, err
	}
	return out, nil
}

// AccrueYield is the worker-side money-market bolt-on: each tick it
// accrues interest on every pool's unclaimed escrow into the yield
// bucket. The bucket never feeds payout math.
func (s *Service) AccrueYield(ctx context.Context, apr float64, tickEvery time.Duration) error {
	if apr <= 0 {
		return nil
	}
	ticksPerYear := (365 * 24 * time.Hour).Seconds() / tickEvery.Seconds()
	if ticksPerYear <= 0 {
		return nil
	}
	perTick := apr / ticksPerYear

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT p.id, p.total_pot_micros - COALESCE(c.claimed, 0)
		FROM squares.pools p
		LEFT JOIN (
			SELECT pool_id, SUM(amount_micros) AS claimed
			FROM squares.claims
			GROUP BY pool_id
		) c ON c.pool_id = p.id
		WHERE p.total_pot_micros - COALESCE(c.claimed, 0) > 0
		FOR UPDATE OF p
	`)
	if err != nil {
		return err
	}
	type escrow struct {
		poolID int64
		idle   int64
	}
	var items []escrow
	for rows.Next() {
		var e escrow
		if err := rows.Scan(&e.poolID, &e.idle); err != nil {
			rows.Close()
			return err
		}
		items = append(items, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range items {
		interest := int64(math.Floor(float64(e.idle) * perTick))
		if interest <= 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE squares.pools
			SET yield_micros = yield_micros + $1, updated_at = now()
			WHERE id = $2
		`, interest, e.poolID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
