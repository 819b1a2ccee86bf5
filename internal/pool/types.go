package pool

import "time"

// PoolParams is the construction contract handed over by the factory
// surface. Payout weights are ordered Q1, Half, Q3, Final.
type PoolParams struct {
	Name              string    `json:"name"`
	TeamHome          string    `json:"team_home"`
	TeamAway          string    `json:"team_away"`
	EventKey          string    `json:"event_key"`
	Asset             string    `json:"asset"`
	PriceMicros       int64     `json:"price_micros"`
	MaxSquaresPerUser int       `json:"max_squares_per_user"`
	PayoutPct         [4]int    `json:"payout_pct"`
	PurchaseDeadline  time.Time `json:"purchase_deadline"`
	RevealDeadline    time.Time `json:"reveal_deadline"`
	PasswordHash      string    `json:"password_hash,omitempty"`
}

type PoolSummary struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	TeamHome          string    `json:"team_home"`
	TeamAway          string    `json:"team_away"`
	EventKey          string    `json:"event_key"`
	Asset             string    `json:"asset"`
	State             PoolState `json:"state"`
	PriceMicros       int64     `json:"price_micros"`
	MaxSquaresPerUser int       `json:"max_squares_per_user"`
	PayoutPct         [4]int    `json:"payout_pct"`
	TotalPotMicros    int64     `json:"total_pot_micros"`
	SquaresSold       int       `json:"squares_sold"`
	Private           bool      `json:"private"`
	PurchaseDeadline  time.Time `json:"purchase_deadline"`
	RevealDeadline    time.Time `json:"reveal_deadline"`
	OperatorAccount   string    `json:"operator_account"`
}

// GridSnapshot is the full 100-slot ownership view; empty string means
// unowned.
type GridSnapshot struct {
	PoolID int64       `json:"pool_id"`
	Owners [GridSize]string `json:"owners"`
}

type NumbersView struct {
	Assigned   bool    `json:"assigned"`
	RowNumbers []int32 `json:"row_numbers,omitempty"`
	ColNumbers []int32 `json:"col_numbers,omitempty"`
}

type ScoreView struct {
	Quarter       Quarter    `json:"quarter"`
	Label         string     `json:"label"`
	Home          int        `json:"home"`
	Away          int        `json:"away"`
	Submitted     bool       `json:"submitted"`
	Settled       bool       `json:"settled"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
	PayoutMicros  int64      `json:"payout_micros"`
	RequestToken  string     `json:"request_token,omitempty"`
	RequestStatus string     `json:"request_status,omitempty"`
}

type WinnerView struct {
	Quarter      Quarter `json:"quarter"`
	Settled      bool    `json:"settled"`
	Position     int     `json:"position"`
	Account      string  `json:"account,omitempty"`
	Username     string  `json:"username,omitempty"`
	AmountMicros int64   `json:"amount_micros"`
	Claimed      bool    `json:"claimed"`
}

type PurchaseInput struct {
	AccountID      string
	PoolID         int64
	Positions      []int
	PaymentMicros  int64
	Password       string
	IdempotencyKey string
}

type PurchaseResult struct {
	Positions      []int `json:"positions"`
	ChargedMicros  int64 `json:"charged_micros"`
	RefundMicros   int64 `json:"refund_micros"`
	TotalPotMicros int64 `json:"total_pot_micros"`
	BalanceMicros  int64 `json:"balance_micros"`
}

type CommitInput struct {
	AccountID      string
	PoolID         int64
	CommitmentHex  string
	IdempotencyKey string
}

type RevealInput struct {
	AccountID      string
	PoolID         int64
	Secret         string
	IdempotencyKey string
}

type RevealResult struct {
	RowNumbers []int32 `json:"row_numbers"`
	ColNumbers []int32 `json:"col_numbers"`
	Height     int64   `json:"beacon_height"`
}

type SubmitScoreInput struct {
	AccountID      string
	PoolID         int64
	Quarter        Quarter
	Home           int
	Away           int
	IdempotencyKey string
}

type ScoreRequest struct {
	Token    string  `json:"token"`
	PoolID   int64   `json:"pool_id"`
	EventKey string  `json:"event_key"`
	Quarter  Quarter `json:"quarter"`
	Status   string  `json:"status"`
}

type ClaimInput struct {
	AccountID      string
	PoolID         int64
	Quarter        Quarter
	IdempotencyKey string
}

type ClaimResult struct {
	Quarter       Quarter `json:"quarter"`
	AmountMicros  int64   `json:"amount_micros"`
	BalanceMicros int64   `json:"balance_micros"`
}

type WalletView struct {
	Asset         string `json:"asset"`
	BalanceMicros int64  `json:"balance_micros"`
}

type YieldWithdrawal struct {
	YieldMicros     int64 `json:"yield_micros"`
	RemainderMicros int64 `json:"remainder_micros"`
	BalanceMicros   int64 `json:"balance_micros"`
}
