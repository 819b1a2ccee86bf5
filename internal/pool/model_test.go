package pool

import (
	"errors"
	"testing"
	"time"
)

func TestChargeForExactAndRefund(t *testing.T) {
	price := int64(10 * MicrosPerUnit)

	charged, refund, err := ChargeFor(price, 3, 30*MicrosPerUnit)
	if err != nil {
		t.Fatalf("exact payment: %v", err)
	}
	if charged != 30*MicrosPerUnit || refund != 0 {
		t.Fatalf("exact payment: charged=%d refund=%d", charged, refund)
	}

	charged, refund, err = ChargeFor(price, 3, 50*MicrosPerUnit)
	if err != nil {
		t.Fatalf("excess payment: %v", err)
	}
	if charged != 30*MicrosPerUnit {
		t.Fatalf("excess payment must charge only the price: charged=%d", charged)
	}
	if refund != 20*MicrosPerUnit {
		t.Fatalf("excess must be refunded in full: refund=%d", refund)
	}

	if _, _, err := ChargeFor(price, 3, 30*MicrosPerUnit-1); !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("underpayment: got %v, want ErrInsufficientPayment", err)
	}
}

func TestQuarterShare(t *testing.T) {
	pot := int64(1000 * MicrosPerUnit)
	tests := []struct {
		pct  int
		want int64
	}{
		{pct: 15, want: 150 * MicrosPerUnit},
		{pct: 30, want: 300 * MicrosPerUnit},
		{pct: 100, want: pot},
		{pct: 0, want: 0},
	}
	for _, tc := range tests {
		if got := QuarterShare(pot, tc.pct); got != tc.want {
			t.Fatalf("pct=%d got=%d want=%d", tc.pct, got, tc.want)
		}
	}
}

func TestQuarterShareWithRolloverConservesPot(t *testing.T) {
	// A fully unowned board rolls every share forward; the final
	// remainder must equal the whole pot.
	pot := int64(987_654_321)
	weights := [4]int{15, 30, 15, 40}
	rollover := int64(0)
	for _, pct := range weights {
		rollover += QuarterShare(pot, pct)
	}
	if rollover > pot {
		t.Fatalf("rollover %d exceeds pot %d", rollover, pot)
	}
	// Integer division may leave dust behind, never create money.
	if pot-rollover >= 4 {
		t.Fatalf("unexpected remainder %d", pot-rollover)
	}
}

func TestCheckRevealWindow(t *testing.T) {
	commit := int64(1000)

	if err := CheckRevealWindow(commit, commit); !errors.Is(err, ErrRevealTooEarly) {
		t.Fatalf("same height: got %v, want ErrRevealTooEarly", err)
	}
	if err := CheckRevealWindow(commit, commit-5); !errors.Is(err, ErrRevealTooEarly) {
		t.Fatalf("earlier height: got %v, want ErrRevealTooEarly", err)
	}
	if err := CheckRevealWindow(commit, commit+1); err != nil {
		t.Fatalf("next round: %v", err)
	}
	if err := CheckRevealWindow(commit, commit+RevealHorizon); err != nil {
		t.Fatalf("horizon edge: %v", err)
	}
	if err := CheckRevealWindow(commit, commit+RevealHorizon+1); !errors.Is(err, ErrRevealTooLate) {
		t.Fatalf("past horizon: got %v, want ErrRevealTooLate", err)
	}
}

func TestStateMachineIsStrictlyMonotonic(t *testing.T) {
	order := []PoolState{
		StateOpen, StateClosed, StateNumbersAssigned,
		StateQ1Scored, StateQ2Scored, StateQ3Scored, StateFinalScored,
	}
	for i := 0; i < len(order)-1; i++ {
		if !CanTransition(order[i], order[i+1]) {
			t.Fatalf("expected %s -> %s to be legal", order[i], order[i+1])
		}
	}
	// No skips, no backwards moves, no self loops.
	for i := range order {
		for j := range order {
			if j == i+1 {
				continue
			}
			if CanTransition(order[i], order[j]) {
				t.Fatalf("unexpected legal transition %s -> %s", order[i], order[j])
			}
		}
	}
}

func TestNextQuarterOrdering(t *testing.T) {
	tests := []struct {
		state PoolState
		want  Quarter
	}{
		{StateNumbersAssigned, QuarterQ1},
		{StateQ1Scored, QuarterHalf},
		{StateQ2Scored, QuarterQ3},
		{StateQ3Scored, QuarterFinal},
	}
	for _, tc := range tests {
		got, err := NextQuarter(tc.state)
		if err != nil {
			t.Fatalf("state=%s: %v", tc.state, err)
		}
		if got != tc.want {
			t.Fatalf("state=%s got=%d want=%d", tc.state, got, tc.want)
		}
		if StateAfterQuarter(got) == tc.state {
			t.Fatalf("settling %s must advance past %s", got.Label(), tc.state)
		}
	}
	for _, state := range []PoolState{StateOpen, StateClosed, StateFinalScored} {
		if _, err := NextQuarter(state); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("state=%s: expected ErrInvalidState, got %v", state, err)
		}
	}
}

func TestValidateParamsWeights(t *testing.T) {
	base := PoolParams{
		Name:             "squares",
		TeamHome:         "Home",
		TeamAway:         "Away",
		EventKey:         "sb-2026",
		Asset:            AssetNative,
		PriceMicros:      MicrosPerUnit,
		PayoutPct:        [4]int{15, 30, 15, 40},
		PurchaseDeadline: time.Now().Add(time.Hour),
		RevealDeadline:   time.Now().Add(2 * time.Hour),
	}
	if err := ValidateParams(base); err != nil {
		t.Fatalf("expected valid params: %v", err)
	}

	bad := base
	bad.PayoutPct = [4]int{25, 25, 25, 26}
	if err := ValidateParams(bad); err == nil {
		t.Fatalf("expected weight sum 101 to fail")
	}
	bad.PayoutPct = [4]int{100, 10, -5, -5}
	if err := ValidateParams(bad); err == nil {
		t.Fatalf("expected negative weight to fail")
	}
	bad = base
	bad.RevealDeadline = base.PurchaseDeadline
	if err := ValidateParams(bad); err == nil {
		t.Fatalf("expected reveal deadline at purchase deadline to fail")
	}
	bad = base
	bad.PasswordHash = "not-hex"
	if err := ValidateParams(bad); err == nil {
		t.Fatalf("expected malformed password hash to fail")
	}
	bad.PasswordHash = HashSecret("hunter2")
	if err := ValidateParams(bad); err != nil {
		t.Fatalf("expected sha256 password hash to pass: %v", err)
	}
}

func TestValidatePositions(t *testing.T) {
	if err := ValidatePositions([]int{0, 42, 99}); err != nil {
		t.Fatalf("expected valid positions: %v", err)
	}
	for _, bad := range [][]int{
		nil,
		{},
		{-1},
		{100},
		{5, 5},
	} {
		if err := ValidatePositions(bad); !errors.Is(err, ErrInvalidPosition) {
			t.Fatalf("positions=%v: got %v, want ErrInvalidPosition", bad, err)
		}
	}
}

func TestCheckPassword(t *testing.T) {
	hash := HashSecret("squares-night")

	if err := CheckPassword("", "anything"); err != nil {
		t.Fatalf("public pool must admit everyone: %v", err)
	}
	if err := CheckPassword("", ""); err != nil {
		t.Fatalf("public pool must admit empty password: %v", err)
	}
	if err := CheckPassword(hash, "squares-night"); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
	if err := CheckPassword(hash, "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("wrong password: got %v, want ErrInvalidPassword", err)
	}
	if err := CheckPassword(hash, ""); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("empty password on locked pool: got %v, want ErrInvalidPassword", err)
	}
}

func TestCheckReveal(t *testing.T) {
	commitment := HashSecret("the-seed")
	if err := CheckReveal(commitment, "the-seed"); err != nil {
		t.Fatalf("matching secret rejected: %v", err)
	}
	if err := CheckReveal(commitment, "other-seed"); !errors.Is(err, ErrInvalidReveal) {
		t.Fatalf("mismatched secret: got %v, want ErrInvalidReveal", err)
	}
	if err := CheckReveal("", "the-seed"); !errors.Is(err, ErrNotCommitted) {
		t.Fatalf("no commitment: got %v, want ErrNotCommitted", err)
	}
}

func TestWinningPosition(t *testing.T) {
	// Identity permutations: digit d sits at index d.
	identity := []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	pos, err := WinningPosition(identity, identity, 17, 23)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 73 {
		t.Fatalf("17-23 on identity board: got %d want 73", pos)
	}

	// Reversed rows: digit d sits at index 9-d.
	reversed := []int32{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}
	pos, err = WinningPosition(reversed, identity, 17, 23)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 23 {
		t.Fatalf("17-23 with reversed rows: got %d want 23", pos)
	}

	// Zero-zero is a legal score.
	pos, err = WinningPosition(identity, identity, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 0 {
		t.Fatalf("0-0 on identity board: got %d want 0", pos)
	}

	if _, err := WinningPosition(identity[:9], identity, 7, 7); err == nil {
		t.Fatalf("expected short permutation to fail")
	}
}
