package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cl "squarespool/internal/cli"
	"squarespool/internal/config"
	"squarespool/internal/pool"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "sqctl",
		Short:        "Squares pool client",
		SilenceUsage: true,
	}

	root.AddCommand(
		newSignupCmd(&apiBase),
		newLogoutCmd(),
		newWalletCmd(&apiBase),
		newPoolCmd(&apiBase),
		newBuyCmd(&apiBase),
		newScoreCmd(&apiBase),
		newClaimCmd(&apiBase),
		newWatchCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func newSignupCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "signup [username]",
		Short: "Create an account and save the API key locally",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var username string
			var err error
			if len(args) > 0 {
				username = strings.TrimSpace(args[0])
			} else {
				username, err = promptRequired("Username")
				if err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).CreateAccount(ctx, username)
			if err != nil {
				return err
			}
			apiKey, _ := out["api_key"].(string)
			acct, _ := out["account"].(map[string]any)
			accountID, _ := acct["id"].(string)
			if apiKey == "" || accountID == "" {
				return fmt.Errorf("unexpected signup response")
			}
			if err := cl.SaveSession(cl.Session{
				APIKey:    apiKey,
				AccountID: accountID,
				Username:  username,
			}); err != nil {
				return err
			}
			printSuccess("Account created. API key saved.")
			printWarn("The key is shown only once; it now lives in ~/.sqctl/session.json.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newWalletCmd(apiBase *string) *cobra.Command {
	wallet := &cobra.Command{
		Use:   "wallet",
		Short: "Wallet commands",
	}
	wallet.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show wallet balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Wallets(ctx, sess.APIKey)
			if err != nil {
				return err
			}
			return renderWallets(out)
		},
	})
	wallet.AddCommand(&cobra.Command{
		Use:   "deposit [asset] [amount]",
		Short: "Deposit funds into a wallet",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			asset := pool.AssetNative
			if len(args) > 0 {
				asset = strings.ToUpper(strings.TrimSpace(args[0]))
			}
			var amount float64
			if len(args) > 1 {
				amount, err = strconv.ParseFloat(strings.TrimSpace(args[1]), 64)
				if err != nil || amount <= 0 {
					return fmt.Errorf("invalid amount")
				}
			} else {
				amount, err = promptFloat("Amount", 0)
				if err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Deposit(ctx, sess.APIKey, asset, pool.UnitToMicros(amount), uuid.NewString())
			if err != nil {
				return err
			}
			return renderWallet(out)
		},
	})
	return wallet
}

func newPoolCmd(apiBase *string) *cobra.Command {
	pools := &cobra.Command{
		Use:     "pool",
		Short:   "Pool lifecycle commands",
		Aliases: []string{"pools"},
	}
	pools.AddCommand(newPoolListCmd(apiBase))
	pools.AddCommand(newPoolShowCmd(apiBase))
	pools.AddCommand(newPoolCreateCmd(apiBase))
	pools.AddCommand(newPoolCloseCmd(apiBase))
	pools.AddCommand(newPoolCommitCmd(apiBase))
	pools.AddCommand(newPoolRevealCmd(apiBase))
	pools.AddCommand(newPoolResetCmd(apiBase))
	pools.AddCommand(newPoolYieldCmd(apiBase))
	return pools
}

func newPoolListCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).ListPools(ctx, sess.APIKey)
			if err != nil {
				return err
			}
			return renderPoolsList(out)
		},
	}
}

func newPoolShowCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show [pool_id]",
		Short: "Show a pool's summary, board, and numbers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			summary, err := client.PoolSummary(ctx, sess.APIKey, id)
			if err != nil {
				return err
			}
			grid, err := client.Grid(ctx, sess.APIKey, id)
			if err != nil {
				return err
			}
			numbers, err := client.Numbers(ctx, sess.APIKey, id)
			if err != nil {
				return err
			}
			return renderPoolDetail(summary, grid, numbers)
		},
	}
}

func newPoolCreateCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a pool (you become its operator)",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			name, err := promptRequired("Pool name")
			if err != nil {
				return err
			}
			home, err := promptRequired("Home team")
			if err != nil {
				return err
			}
			away, err := promptRequired("Away team")
			if err != nil {
				return err
			}
			eventKey, err := promptRequired("Event key (feed identifier)")
			if err != nil {
				return err
			}
			price, err := promptFloat("Price per square", 0)
			if err != nil {
				return err
			}
			maxSquares, err := promptInt64("Max squares per user (0 = unlimited)", 0)
			if err != nil {
				return err
			}
			weights, err := promptWeights()
			if err != nil {
				return err
			}
			purchaseHours, err := promptInt64("Purchase deadline (hours from now)", 1)
			if err != nil {
				return err
			}
			revealHours, err := promptInt64("Reveal deadline (hours from now)", purchaseHours)
			if err != nil {
				return err
			}
			password, err := promptOptionalSecret("Pool password (empty for public)")
			if err != nil {
				return err
			}
			params := map[string]any{
				"name":                 name,
				"team_home":            home,
				"team_away":            away,
				"event_key":            eventKey,
				"asset":                pool.AssetNative,
				"price_micros":         pool.UnitToMicros(price),
				"max_squares_per_user": maxSquares,
				"payout_pct":           weights,
				"purchase_deadline":    time.Now().Add(time.Duration(purchaseHours) * time.Hour).UTC(),
				"reveal_deadline":      time.Now().Add(time.Duration(revealHours) * time.Hour).UTC(),
			}
			if password != "" {
				params["password_hash"] = pool.HashSecret(password)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).CreatePool(ctx, sess.APIKey, params, uuid.NewString())
			if err != nil {
				return err
			}
			id, _ := out["id"].(float64)
			printSuccess(fmt.Sprintf("Pool #%d created.", int64(id)))
			return nil
		},
	}
}

func newPoolCloseCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "close [pool_id]",
		Short: "Close purchases (operator only)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).ClosePool(ctx, sess.APIKey, id, uuid.NewString()); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Pool #%d closed.", id))
			return nil
		},
	}
}

func newPoolCommitCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "commit [pool_id]",
		Short: "Commit a secret for number assignment (operator only)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			secret, err := promptSecret("Secret (remember it for the reveal)")
			if err != nil {
				return err
			}
			// The hash is computed locally; the secret never leaves the
			// machine until reveal time.
			commitment := pool.HashSecret(secret)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).Commit(ctx, sess.APIKey, id, commitment, uuid.NewString()); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Commitment stored for pool #%d.", id))
			printWarn("Reveal within the beacon horizon or the commitment must be reset.")
			return nil
		},
	}
}

func newPoolRevealCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reveal [pool_id]",
		Short: "Reveal the committed secret and assign numbers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			secret, err := promptSecret("Secret")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Reveal(ctx, sess.APIKey, id, secret, uuid.NewString())
			if err != nil {
				return err
			}
			return renderRevealResult(out)
		},
	}
}

func newPoolResetCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-commit [pool_id]",
		Short: "Void a commitment whose reveal window was missed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).ResetCommitment(ctx, sess.APIKey, id, uuid.NewString()); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Commitment reset for pool #%d. Commit again when ready.", id))
			return nil
		},
	}
}

func newPoolYieldCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "yield-withdraw [pool_id]",
		Short: "Withdraw accrued yield after the final quarter (operator only)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).WithdrawYield(ctx, sess.APIKey, id, uuid.NewString())
			if err != nil {
				return err
			}
			return renderYieldWithdrawal(out)
		},
	}
}

func newBuyCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "buy [pool_id] [positions...]",
		Short: "Buy squares (positions 0-99, or row,col pairs like 3,7)",
		Args:  cobra.MinimumNArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			var positions []int
			if len(args) > 1 {
				positions, err = parsePositions(args[1:])
			} else {
				raw, perr := promptRequired("Positions (space separated, 0-99 or row,col)")
				if perr != nil {
					return perr
				}
				positions, err = parsePositions(strings.Fields(raw))
			}
			if err != nil {
				return err
			}
			payment, err := promptFloat("Payment to authorize", 0)
			if err != nil {
				return err
			}
			password, err := promptOptionalSecret("Pool password (empty if public)")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Purchase(ctx, sess.APIKey, id, positions, pool.UnitToMicros(payment), password, uuid.NewString())
			if err != nil {
				return err
			}
			return renderPurchaseResult(out)
		},
	}
}

func newScoreCmd(apiBase *string) *cobra.Command {
	score := &cobra.Command{
		Use:   "score",
		Short: "Score reporting and settlement",
	}
	score.AddCommand(&cobra.Command{
		Use:   "show [pool_id]",
		Short: "Show the per-quarter score board",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Scores(ctx, sess.APIKey, id)
			if err != nil {
				return err
			}
			return renderScores(out)
		},
	})
	score.AddCommand(&cobra.Command{
		Use:   "request [pool_id] [quarter]",
		Short: "Ask the feeds for the next quarter's score",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			quarter, err := quarterFromArgOrPrompt(args, 1)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).RequestScore(ctx, sess.APIKey, id, quarter, uuid.NewString())
			if err != nil {
				return err
			}
			token, _ := out["token"].(string)
			printSuccess(fmt.Sprintf("Score request opened (token %s). The worker resolves it shortly.", token))
			return nil
		},
	})
	score.AddCommand(&cobra.Command{
		Use:   "submit [pool_id] [quarter] [home] [away]",
		Short: "Submit a score manually (operator only, settles immediately)",
		Args:  cobra.MaximumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			quarter, err := quarterFromArgOrPrompt(args, 1)
			if err != nil {
				return err
			}
			home, err := scoreFromArgOrPrompt(args, 2, "Home score")
			if err != nil {
				return err
			}
			away, err := scoreFromArgOrPrompt(args, 3, "Away score")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).SubmitScore(ctx, sess.APIKey, id, quarter, home, away, uuid.NewString()); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Quarter %d settled at %d-%d.", quarter, home, away))
			return nil
		},
	})
	score.AddCommand(&cobra.Command{
		Use:   "settle [pool_id] [quarter]",
		Short: "Settle a verified score once its dispute window passes",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			quarter, err := quarterFromArgOrPrompt(args, 1)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).SettleQuarter(ctx, sess.APIKey, id, quarter, uuid.NewString()); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Quarter %d settled.", quarter))
			return nil
		},
	})
	return score
}

func newClaimCmd(apiBase *string) *cobra.Command {
	claim := &cobra.Command{
		Use:   "claim",
		Short: "Winner payout commands",
	}
	claim.AddCommand(&cobra.Command{
		Use:   "winner [pool_id] [quarter]",
		Short: "Show a settled quarter's winner",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			quarter, err := quarterFromArgOrPrompt(args, 1)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Winner(ctx, sess.APIKey, id, quarter)
			if err != nil {
				return err
			}
			return renderWinner(out, quarter)
		},
	})
	claim.AddCommand(&cobra.Command{
		Use:   "payout [pool_id] [quarter]",
		Short: "Claim your payout for a settled quarter",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			quarter, err := quarterFromArgOrPrompt(args, 1)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).ClaimPayout(ctx, sess.APIKey, id, quarter, uuid.NewString())
			if err != nil {
				return err
			}
			return renderClaimResult(out)
		},
	})
	return claim
}

func parsePositions(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for _, a := range args {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if strings.Contains(a, ",") {
			parts := strings.SplitN(a, ",", 2)
			row, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
			col, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err1 != nil || err2 != nil || row < 0 || row > 9 || col < 0 || col > 9 {
				return nil, fmt.Errorf("invalid square %q: rows and columns are 0-9", a)
			}
			out = append(out, row*10+col)
			continue
		}
		pos, err := strconv.Atoi(a)
		if err != nil || pos < 0 || pos >= pool.GridSize {
			return nil, fmt.Errorf("invalid position %q: must be 0-99", a)
		}
		out = append(out, pos)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one position is required")
	}
	return out, nil
}

func int64FromArgOrPrompt(args []string, idx int, label string) (int64, error) {
	if len(args) > idx {
		v, err := strconv.ParseInt(strings.TrimSpace(args[idx]), 10, 64)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("invalid %s", strings.ToLower(label))
		}
		return v, nil
	}
	return promptInt64(label, 1)
}

func quarterFromArgOrPrompt(args []string, idx int) (int, error) {
	if len(args) > idx {
		v, err := strconv.Atoi(strings.TrimSpace(args[idx]))
		if err != nil || v < 1 || v > 4 {
			return 0, fmt.Errorf("quarter must be 1-4")
		}
		return v, nil
	}
	v, err := promptInt64("Quarter (1=Q1 2=Half 3=Q3 4=Final)", 1)
	if err != nil {
		return 0, err
	}
	if v > 4 {
		return 0, fmt.Errorf("quarter must be 1-4")
	}
	return int(v), nil
}

func scoreFromArgOrPrompt(args []string, idx int, label string) (int, error) {
	if len(args) > idx {
		v, err := strconv.Atoi(strings.TrimSpace(args[idx]))
		if err != nil || v < 0 || v > 255 {
			return 0, fmt.Errorf("%s must be 0-255", strings.ToLower(label))
		}
		return v, nil
	}
	v, err := promptInt64(label, 0)
	if err != nil {
		return 0, err
	}
	if v > 255 {
		return 0, fmt.Errorf("%s must be 0-255", strings.ToLower(label))
	}
	return int(v), nil
}
