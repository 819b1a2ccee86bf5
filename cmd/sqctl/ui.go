package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"squarespool/internal/pool"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

type walletsPayload struct {
	Wallets []pool.WalletView `json:"wallets"`
}

type poolsPayload struct {
	Pools []pool.PoolSummary `json:"pools"`
}

type scoresPayload struct {
	Scores []pool.ScoreView `json:"scores"`
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptSecret(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", err
		}
		text := strings.TrimSpace(string(raw))
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptionalSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func promptFloat(label string, min float64) (float64, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			printWarn("Enter a valid number.")
			continue
		}
		if v <= min {
			printWarn(fmt.Sprintf("Value must be > %.4f", min))
			continue
		}
		return v, nil
	}
}

func promptInt64(label string, min int64) (int64, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			printWarn("Enter a whole number.")
			continue
		}
		if v < min {
			printWarn(fmt.Sprintf("Value must be >= %d", min))
			continue
		}
		return v, nil
	}
}

func promptWeights() ([4]int, error) {
	labels := [4]string{"Q1", "Halftime", "Q3", "Final"}
	var out [4]int
	for {
		total := 0
		for i, label := range labels {
			v, err := promptInt64(fmt.Sprintf("%s payout %%", label), 0)
			if err != nil {
				return out, err
			}
			out[i] = int(v)
			total += int(v)
		}
		if total == 100 {
			return out, nil
		}
		printWarn(fmt.Sprintf("Weights sum to %d, need exactly 100. Try again.", total))
	}
}

func renderWallets(raw map[string]any) error {
	payload, err := decodeInto[walletsPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== WALLETS ==")
	if len(payload.Wallets) == 0 {
		printInfo("No balances yet. Run `sqctl wallet deposit`.")
		return nil
	}
	fmt.Printf("%-8s %16s\n", "ASSET", "BALANCE")
	for _, w := range payload.Wallets {
		fmt.Printf("%-8s %16s\n", w.Asset, formatMicros(w.BalanceMicros))
	}
	fmt.Println()
	return nil
}

func renderWallet(raw map[string]any) error {
	w, err := decodeInto[pool.WalletView](raw)
	if err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("Deposited. %s balance: %s", w.Asset, formatMicros(w.BalanceMicros)))
	return nil
}

func renderPoolsList(raw map[string]any) error {
	payload, err := decodeInto[poolsPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== POOLS ==")
	if len(payload.Pools) == 0 {
		printInfo("No pools yet.")
		return nil
	}
	fmt.Printf("%-5s %-24s %-18s %-8s %10s %12s %6s %-7s\n",
		"ID", "NAME", "STATE", "ASSET", "PRICE", "POT", "SOLD", "ACCESS")
	for _, p := range payload.Pools {
		access := "open"
		if p.Private {
			access = "locked"
		}
		fmt.Printf("%-5d %-24s %-18s %-8s %10s %12s %6d %-7s\n",
			p.ID,
			truncate(p.Name, 24),
			string(p.State),
			p.Asset,
			formatMicros(p.PriceMicros),
			formatMicros(p.TotalPotMicros),
			p.SquaresSold,
			access,
		)
	}
	fmt.Println()
	return nil
}

func renderPoolDetail(summaryRaw, gridRaw, numbersRaw map[string]any) error {
	summary, err := decodeInto[pool.PoolSummary](summaryRaw)
	if err != nil {
		return err
	}
	grid, err := decodeInto[pool.GridSnapshot](gridRaw)
	if err != nil {
		return err
	}
	numbers, err := decodeInto[pool.NumbersView](numbersRaw)
	if err != nil {
		return err
	}

	accent.Printf("\n== POOL #%d: %s ==\n", summary.ID, summary.Name)
	fmt.Printf("Matchup:   %s (home, rows) vs %s (away, cols)\n", summary.TeamHome, summary.TeamAway)
	fmt.Printf("State:     %s\n", summary.State)
	fmt.Printf("Price:     %s %s per square\n", formatMicros(summary.PriceMicros), summary.Asset)
	fmt.Printf("Pot:       %s %s (%d squares sold)\n", formatMicros(summary.TotalPotMicros), summary.Asset, summary.SquaresSold)
	fmt.Printf("Payouts:   Q1 %d%% / Half %d%% / Q3 %d%% / Final %d%%\n",
		summary.PayoutPct[0], summary.PayoutPct[1], summary.PayoutPct[2], summary.PayoutPct[3])
	fmt.Printf("Purchases: until %s\n", summary.PurchaseDeadline.Local().Format("2006-01-02 15:04"))

	fmt.Println()
	accent.Println("Board")
	printBoard(grid, numbers)
	fmt.Println()
	return nil
}

func printBoard(grid pool.GridSnapshot, numbers pool.NumbersView) {
	colHeader := make([]string, 10)
	for c := 0; c < 10; c++ {
		if numbers.Assigned {
			colHeader[c] = strconv.Itoa(int(numbers.ColNumbers[c]))
		} else {
			colHeader[c] = "?"
		}
	}
	fmt.Printf("      %s\n", strings.Join(pad(colHeader, 9), " "))
	for r := 0; r < 10; r++ {
		rowLabel := "?"
		if numbers.Assigned {
			rowLabel = strconv.Itoa(int(numbers.RowNumbers[r]))
		}
		cells := make([]string, 10)
		for c := 0; c < 10; c++ {
			owner := grid.Owners[r*10+c]
			if owner == "" {
				cells[c] = "."
			} else {
				cells[c] = truncate(owner, 9)
			}
		}
		fmt.Printf("%5s %s\n", rowLabel, strings.Join(pad(cells, 9), " "))
	}
	if !numbers.Assigned {
		printInfo("Row and column digits are hidden until the reveal.")
	}
}

func pad(cells []string, width int) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = fmt.Sprintf("%-*s", width, c)
	}
	return out
}

func renderPurchaseResult(raw map[string]any) error {
	out, err := decodeInto[pool.PurchaseResult](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== PURCHASE ==")
	fmt.Printf("Squares:  %v\n", out.Positions)
	fmt.Printf("Charged:  %s\n", formatMicros(out.ChargedMicros))
	if out.RefundMicros > 0 {
		fmt.Printf("Refunded: %s (excess payment returned)\n", formatMicros(out.RefundMicros))
	}
	fmt.Printf("Pot:      %s\n", formatMicros(out.TotalPotMicros))
	fmt.Printf("Balance:  %s\n", formatMicros(out.BalanceMicros))
	fmt.Println()
	return nil
}

func renderRevealResult(raw map[string]any) error {
	out, err := decodeInto[pool.RevealResult](raw)
	if err != nil {
		return err
	}
	printSuccess("Numbers assigned.")
	rows := make([]string, len(out.RowNumbers))
	for i, n := range out.RowNumbers {
		rows[i] = strconv.Itoa(int(n))
	}
	cols := make([]string, len(out.ColNumbers))
	for i, n := range out.ColNumbers {
		cols[i] = strconv.Itoa(int(n))
	}
	fmt.Printf("Rows (home): %s\n", strings.Join(rows, " "))
	fmt.Printf("Cols (away): %s\n", strings.Join(cols, " "))
	return nil
}

func renderScores(raw map[string]any) error {
	payload, err := decodeInto[scoresPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== SCORES ==")
	fmt.Printf("%-10s %6s %6s %-10s %12s %-12s\n", "QUARTER", "HOME", "AWAY", "STATUS", "PAYOUT", "REQUEST")
	for _, s := range payload.Scores {
		status := "-"
		switch {
		case s.Settled:
			status = "settled"
		case s.Submitted:
			status = "disputed"
		}
		home, away := "-", "-"
		if s.Submitted || s.Settled {
			home = strconv.Itoa(s.Home)
			away = strconv.Itoa(s.Away)
		}
		request := "-"
		if s.RequestStatus != "" {
			request = s.RequestStatus
		}
		fmt.Printf("%-10s %6s %6s %-10s %12s %-12s\n",
			s.Label, home, away, status, formatMicros(s.PayoutMicros), request)
	}
	fmt.Println()
	return nil
}

func renderWinner(raw map[string]any, quarter int) error {
	out, err := decodeInto[pool.WinnerView](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== QUARTER %d WINNER ==\n", quarter)
	fmt.Printf("Square:  %d (row %d, col %d)\n", out.Position, out.Position/10, out.Position%10)
	if out.Username != "" {
		fmt.Printf("Owner:   %s\n", out.Username)
	} else {
		printInfo("Nobody owned the winning square; the share rolled over.")
	}
	fmt.Printf("Payout:  %s\n", formatMicros(out.AmountMicros))
	fmt.Printf("Claimed: %t\n", out.Claimed)
	fmt.Println()
	return nil
}

func renderClaimResult(raw map[string]any) error {
	out, err := decodeInto[pool.ClaimResult](raw)
	if err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("Claimed %s. New balance: %s", formatMicros(out.AmountMicros), formatMicros(out.BalanceMicros)))
	return nil
}

func renderYieldWithdrawal(raw map[string]any) error {
	out, err := decodeInto[pool.YieldWithdrawal](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== YIELD WITHDRAWAL ==")
	fmt.Printf("Yield:     %s\n", formatMicros(out.YieldMicros))
	fmt.Printf("Remainder: %s\n", formatMicros(out.RemainderMicros))
	fmt.Printf("Balance:   %s\n", formatMicros(out.BalanceMicros))
	fmt.Println()
	return nil
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func formatMicros(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / pool.MicrosPerUnit
	frac := (v % pool.MicrosPerUnit) / 10_000
	return fmt.Sprintf("%s%s.%02d", sign, comma(whole), frac)
}

func comma(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
