package pool

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	// GridSize is the number of squares on a board: 10 row digits x 10
	// column digits.
	GridSize = 100

	// RevealHorizon is how many beacon rounds may elapse between commit
	// and reveal before the committed round's successor randomness is no
	// longer retrievable.
	RevealHorizon = 256

	MicrosPerUnit = int64(1_000_000)

	// AssetNative is the built-in settlement currency; any other asset
	// code names a fungible token ledger.
	AssetNative = "NATIVE"
)

// PoolState is the settlement phase of a single pool. Transitions are
// strictly monotonic; a state is never revisited.
type PoolState string

const (
	StateOpen            PoolState = "open"
	StateClosed          PoolState = "closed"
	StateNumbersAssigned PoolState = "numbers_assigned"
	StateQ1Scored        PoolState = "q1_scored"
	StateQ2Scored        PoolState = "q2_scored"
	StateQ3Scored        PoolState = "q3_scored"
	StateFinalScored     PoolState = "final_scored"
)

// Quarter indexes the four scoring checkpoints.
type Quarter int

const (
	QuarterQ1    Quarter = 1
	QuarterHalf  Quarter = 2
	QuarterQ3    Quarter = 3
	QuarterFinal Quarter = 4
)

var (
	ErrPoolNotFound           = errors.New("pool not found")
	ErrInvalidState           = errors.New("invalid pool state")
	ErrInvalidPosition        = errors.New("position out of range")
	ErrSquareAlreadyOwned     = errors.New("square already owned")
	ErrMaxSquaresExceeded     = errors.New("max squares per user exceeded")
	ErrInsufficientPayment    = errors.New("insufficient payment")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrPurchaseDeadlinePassed = errors.New("purchase deadline passed")
	ErrInvalidPassword        = errors.New("invalid pool password")
	ErrAlreadyCommitted       = errors.New("randomness already committed")
	ErrNotCommitted           = errors.New("no randomness commitment")
	ErrRevealTooEarly         = errors.New("reveal too early")
	ErrRevealTooLate          = errors.New("reveal window passed")
	ErrInvalidReveal          = errors.New("revealed secret does not match commitment")
	ErrOnlyOperator           = errors.New("operator only")
	ErrNotWinner              = errors.New("caller is not the winner")
	ErrPayoutAlreadyClaimed   = errors.New("payout already claimed")
	ErrScoreNotSettled        = errors.New("score not settled")
	ErrDisputeWindowOpen      = errors.New("dispute window still open")
	ErrRequestPending         = errors.New("score request already pending")
	ErrUnknownRequest         = errors.New("unknown or resolved score request")
	ErrDuplicateIdempotency   = errors.New("duplicate idempotency key")
	ErrTxConflict             = errors.New("transaction conflict, retry")
)

var stateOrder = map[PoolState]int{
	StateOpen:            0,
	StateClosed:          1,
	StateNumbersAssigned: 2,
	StateQ1Scored:        3,
	StateQ2Scored:        4,
	StateQ3Scored:        5,
	StateFinalScored:     6,
}

// CanTransition reports whether from -> to is a legal single step in the
// settlement state machine.
func CanTransition(from, to PoolState) bool {
	fo, ok := stateOrder[from]
	if !ok {
		return false
	}
	no, ok := stateOrder[to]
	if !ok {
		return false
	}
	return no == fo+1
}

// NextQuarter returns which quarter must be scored next given the current
// state. It fails unless numbers are assigned and a quarter remains.
func NextQuarter(state PoolState) (Quarter, error) {
	switch state {
	case StateNumbersAssigned:
		return QuarterQ1, nil
	case StateQ1Scored:
		return QuarterHalf, nil
	case StateQ2Scored:
		return QuarterQ3, nil
	case StateQ3Scored:
		return QuarterFinal, nil
	default:
		return 0, fmt.Errorf("%w: no quarter scorable in state %s", ErrInvalidState, state)
	}
}

// StateAfterQuarter is the pool state entered once the given quarter
// settles.
func StateAfterQuarter(q Quarter) PoolState {
	switch q {
	case QuarterQ1:
		return StateQ1Scored
	case QuarterHalf:
		return StateQ2Scored
	case QuarterQ3:
		return StateQ3Scored
	default:
		return StateFinalScored
	}
}

func (q Quarter) Valid() bool {
	return q >= QuarterQ1 && q <= QuarterFinal
}

func (q Quarter) Label() string {
	switch q {
	case QuarterQ1:
		return "Q1"
	case QuarterHalf:
		return "Half"
	case QuarterQ3:
		return "Q3"
	case QuarterFinal:
		return "Final"
	default:
		return fmt.Sprintf("Q?%d", int(q))
	}
}

// ValidateParams checks pool construction parameters. The four payout
// weights must sum to exactly 100.
func ValidateParams(p PoolParams) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("pool name is required")
	}
	if strings.TrimSpace(p.TeamHome) == "" || strings.TrimSpace(p.TeamAway) == "" {
		return fmt.Errorf("both team names are required")
	}
	if strings.TrimSpace(p.EventKey) == "" {
		return fmt.Errorf("event key is required")
	}
	if strings.TrimSpace(p.Asset) == "" {
		return fmt.Errorf("asset is required")
	}
	if p.PriceMicros <= 0 {
		return fmt.Errorf("price must be > 0")
	}
	if p.MaxSquaresPerUser < 0 {
		return fmt.Errorf("max squares per user must be >= 0")
	}
	sum := 0
	for i, pct := range p.PayoutPct {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("payout weight %d out of range: %d", i+1, pct)
		}
		sum += pct
	}
	if sum != 100 {
		return fmt.Errorf("payout weights must sum to 100, got %d", sum)
	}
	if !p.PurchaseDeadline.After(time.Now()) {
		return fmt.Errorf("purchase deadline must be in the future")
	}
	if !p.RevealDeadline.After(p.PurchaseDeadline) {
		return fmt.Errorf("reveal deadline must follow the purchase deadline")
	}
	if p.PasswordHash != "" {
		if _, err := hex.DecodeString(p.PasswordHash); err != nil || len(p.PasswordHash) != 64 {
			return fmt.Errorf("password hash must be 32 hex-encoded bytes")
		}
	}
	return nil
}

// ValidatePositions rejects empty, duplicate, or out-of-range position
// sets.
func ValidatePositions(positions []int) error {
	if len(positions) == 0 {
		return fmt.Errorf("%w: no positions given", ErrInvalidPosition)
	}
	seen := make(map[int]bool, len(positions))
	for _, pos := range positions {
		if pos < 0 || pos >= GridSize {
			return fmt.Errorf("%w: %d", ErrInvalidPosition, pos)
		}
		if seen[pos] {
			return fmt.Errorf("%w: duplicate %d", ErrInvalidPosition, pos)
		}
		seen[pos] = true
	}
	return nil
}

// ChargeFor computes the exact charge for count squares and the refund
// owed against the authorized payment. Payment below the required total
// fails with ErrInsufficientPayment before any state change.
func ChargeFor(priceMicros int64, count int, paymentMicros int64) (charged, refund int64, err error) {
	required := new(big.Int).Mul(big.NewInt(priceMicros), big.NewInt(int64(count)))
	if !required.IsInt64() {
		return 0, 0, fmt.Errorf("charge overflow")
	}
	total := required.Int64()
	if paymentMicros < total {
		return 0, 0, fmt.Errorf("%w: need %d, got %d", ErrInsufficientPayment, total, paymentMicros)
	}
	return total, paymentMicros - total, nil
}

// QuarterShare is the slice of the frozen pot allocated to a quarter
// before any rollover.
func QuarterShare(potMicros int64, pct int) int64 {
	v := new(big.Int).Mul(big.NewInt(potMicros), big.NewInt(int64(pct)))
	return v.Div(v, big.NewInt(100)).Int64()
}

// WinningPosition maps a settled score onto the board: the home score's
// last digit selects the row, the away score's last digit the column,
// via the revealed permutations.
func WinningPosition(rowNumbers, colNumbers []int32, home, away uint8) (int, error) {
	rowIdx, err := digitIndex(rowNumbers, int32(home%10))
	if err != nil {
		return 0, err
	}
	colIdx, err := digitIndex(colNumbers, int32(away%10))
	if err != nil {
		return 0, err
	}
	return rowIdx*10 + colIdx, nil
}

func digitIndex(perm []int32, digit int32) (int, error) {
	if len(perm) != 10 {
		return 0, fmt.Errorf("permutation has %d entries, want 10", len(perm))
	}
	for i, d := range perm {
		if d == digit {
			return i, nil
		}
	}
	return 0, fmt.Errorf("digit %d missing from permutation", digit)
}

// CheckRevealWindow enforces the commit-reveal timing contract: the
// reveal must land at least one beacon round after the commit, and no
// more than RevealHorizon rounds after it.
func CheckRevealWindow(commitHeight, currentHeight int64) error {
	if currentHeight <= commitHeight {
		return ErrRevealTooEarly
	}
	if currentHeight > commitHeight+RevealHorizon {
		return ErrRevealTooLate
	}
	return nil
}

// HashSecret is the commitment function: hex-encoded sha256 of the
// operator's secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// CheckPassword verifies a purchase password against a pool's stored
// commitment. An empty commitment admits everyone; a non-empty
// commitment is never satisfied by an empty password.
func CheckPassword(commitmentHex, password string) error {
	if commitmentHex == "" {
		return nil
	}
	if password == "" {
		return ErrInvalidPassword
	}
	sum := HashSecret(password)
	if subtle.ConstantTimeCompare([]byte(sum), []byte(commitmentHex)) != 1 {
		return ErrInvalidPassword
	}
	return nil
}

// CheckReveal verifies the disclosed secret against the stored
// commitment.
func CheckReveal(commitmentHex, secret string) error {
	if commitmentHex == "" {
		return ErrNotCommitted
	}
	if subtle.ConstantTimeCompare([]byte(HashSecret(secret)), []byte(commitmentHex)) != 1 {
		return ErrInvalidReveal
	}
	return nil
}

func MicrosToUnit(v int64) float64 {
	return float64(v) / float64(MicrosPerUnit)
}

func UnitToMicros(v float64) int64 {
	return int64(v*float64(MicrosPerUnit) + 0.5)
}
