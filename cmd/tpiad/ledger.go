package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tpia/pkg/errors"
)

var ledgerUser string

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect a user's wallet ledger",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the hash chain and balance snapshots of a wallet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(ledgerUser)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		a, err := newApp(cfg, log, false)
		if err != nil {
			return err
		}
		defer a.close()

		ok, err := a.ledger.VerifyChain(cmd.Context(), userID)
		if !ok {
			return fmt.Errorf("ledger chain is invalid: %w", err)
		}
		fmt.Println("Ledger chain verified")
		return nil
	},
}

var depositAmount string

var ledgerDepositCmd = &cobra.Command{
	Use:   "deposit",
	Short: "Credit external funds to a wallet, creating it on first use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(ledgerUser)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		amount, err := decimal.NewFromString(depositAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount: %w", err)
		}
		a, err := newApp(cfg, log, false)
		if err != nil {
			return err
		}
		defer a.close()

		if _, err := a.ledger.GetWallet(cmd.Context(), userID); errors.IsNotFound(err) {
			if _, err := a.ledger.CreateWallet(cmd.Context(), userID); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		entry, err := a.ledger.Deposit(cmd.Context(), userID, amount, "")
		if err != nil {
			return err
		}
		fmt.Printf("%s balance=%s\n", entry.Reference, entry.BalanceAfter)
		return nil
	},
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a wallet's balances and entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(ledgerUser)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		a, err := newApp(cfg, log, false)
		if err != nil {
			return err
		}
		defer a.close()

		wallet, err := a.ledger.GetWallet(cmd.Context(), userID)
		if err != nil {
			return err
		}
		entries, err := a.ledger.History(cmd.Context(), userID)
		if err != nil {
			return err
		}

		fmt.Printf("balance=%s earnings=%s locked=%s pending_withdrawal=%s available=%s\n",
			wallet.Balance, wallet.EarningsBalance, wallet.LockedBalance,
			wallet.PendingWithdrawalBalance, wallet.AvailableBalance())
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "CREATED\tTYPE\tBUCKET\tAMOUNT\tAFTER\tREFERENCE\n")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, e.Bucket, e.Amount, e.BalanceAfter, e.Reference)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd, ledgerShowCmd, ledgerDepositCmd)
	ledgerDepositCmd.Flags().StringVar(&depositAmount, "amount", "", "Amount to credit")
	_ = ledgerDepositCmd.MarkFlagRequired("amount")
	ledgerCmd.PersistentFlags().StringVar(&ledgerUser, "user", "", "User id owning the wallet")
	_ = ledgerCmd.MarkPersistentFlagRequired("user")
}
