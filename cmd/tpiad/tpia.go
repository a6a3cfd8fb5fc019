package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tpia/internal/commodity"
	"tpia/internal/lifecycle"
	"tpia/pkg/domain"
)

var (
	adminID      string
	rejectReason string

	buyUser      string
	buyCommodity string
	buyMode      string
	buyStart     string

	commodityID   string
	commodityCode string
	commodityName string
	commodityNav  string
)

var tpiaCmd = &cobra.Command{
	Use:   "tpia",
	Short: "Operate on a single TPIA",
}

// tpiaAction wraps a command that takes one TPIA id and prints the result as JSON.
func tpiaAction(fn func(ctx context.Context, a *app, id uuid.UUID) (interface{}, error)) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid tpia id: %w", err)
		}
		a, err := newApp(cfg, log, false)
		if err != nil {
			return err
		}
		defer a.close()

		out, err := fn(cmd.Context(), a, id)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}

func parseAdmin() (*uuid.UUID, error) {
	if adminID == "" {
		return nil, nil
	}
	id, err := uuid.Parse(adminID)
	if err != nil {
		return nil, fmt.Errorf("invalid --admin: %w", err)
	}
	return &id, nil
}

var tpiaBuyCmd = &cobra.Command{
	Use:   "buy",
	Short: "Purchase a TPIA from the user's wallet balance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(buyUser)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		commID, err := uuid.Parse(buyCommodity)
		if err != nil {
			return fmt.Errorf("invalid --commodity: %w", err)
		}
		a, err := newApp(cfg, log, false)
		if err != nil {
			return err
		}
		defer a.close()

		t, err := a.lifecycle.Purchase(cmd.Context(), lifecycle.PurchaseRequest{
			UserID:         userID,
			CommodityID:    commID,
			UserMode:       domain.UserMode(buyMode),
			CycleStartMode: domain.CycleStartMode(buyStart),
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	},
}

var tpiaShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Print a TPIA with its derived maturity and exit figures",
	Args:  cobra.ExactArgs(1),
	RunE: tpiaAction(func(ctx context.Context, a *app, id uuid.UUID) (interface{}, error) {
		return a.lifecycle.Summary(ctx, id)
	}),
}

var tpiaApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Approve a pending TPIA",
	Args:  cobra.ExactArgs(1),
	RunE: tpiaAction(func(ctx context.Context, a *app, id uuid.UUID) (interface{}, error) {
		admin, err := parseAdmin()
		if err != nil {
			return nil, err
		}
		return a.lifecycle.Approve(ctx, id, admin)
	}),
}

var tpiaRejectCmd = &cobra.Command{
	Use:   "reject ID",
	Short: "Reject a pending TPIA and refund its purchase",
	Args:  cobra.ExactArgs(1),
	RunE: tpiaAction(func(ctx context.Context, a *app, id uuid.UUID) (interface{}, error) {
		admin, err := parseAdmin()
		if err != nil {
			return nil, err
		}
		if admin == nil {
			return nil, fmt.Errorf("--admin is required to reject")
		}
		return a.lifecycle.Reject(ctx, id, *admin, rejectReason)
	}),
}

var tpiaWithdrawCmd = &cobra.Command{
	Use:   "withdraw ID",
	Short: "Request an early exit at the next boundary",
	Args:  cobra.ExactArgs(1),
	RunE: tpiaAction(func(ctx context.Context, a *app, id uuid.UUID) (interface{}, error) {
		return a.exits.RequestWithdrawal(ctx, id)
	}),
}

var tpiaCancelWithdrawalCmd = &cobra.Command{
	Use:   "cancel-withdrawal ID",
	Short: "Withdraw a pending exit request",
	Args:  cobra.ExactArgs(1),
	RunE: tpiaAction(func(ctx context.Context, a *app, id uuid.UUID) (interface{}, error) {
		return a.exits.CancelWithdrawal(ctx, id)
	}),
}

var commodityCmd = &cobra.Command{
	Use:   "commodity",
	Short: "Maintain the commodity catalog",
}

var commoditySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or update a commodity and its NAV price",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nav, err := decimal.NewFromString(commodityNav)
		if err != nil || nav.IsNegative() {
			return fmt.Errorf("invalid --nav %q", commodityNav)
		}
		id := uuid.New()
		if commodityID != "" {
			if id, err = uuid.Parse(commodityID); err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}
		}

		a, err := newApp(cfg, log, false)
		if err != nil {
			return err
		}
		defer a.close()

		c := &domain.Commodity{ID: id, Code: commodityCode, Name: commodityName, NavPrice: nav, UpdatedAt: a.clock.Now()}
		if err := a.store.Commodities().Upsert(cmd.Context(), c); err != nil {
			return err
		}
		if a.cache != nil {
			cached := commodity.NewCachedCatalog(commodity.NewStoreCatalog(a.store.Commodities()), a.cache, cfg.Redis.NavPriceTTL, log)
			if err := cached.Invalidate(cmd.Context(), id); err != nil {
				log.Warn("Failed to invalidate cached commodity", map[string]interface{}{"error": err.Error()})
			}
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tpiaCmd, commodityCmd)
	tpiaCmd.AddCommand(tpiaBuyCmd, tpiaShowCmd, tpiaApproveCmd, tpiaRejectCmd, tpiaWithdrawCmd, tpiaCancelWithdrawalCmd)
	tpiaBuyCmd.Flags().StringVar(&buyUser, "user", "", "Buying user id")
	tpiaBuyCmd.Flags().StringVar(&buyCommodity, "commodity", "", "Commodity id")
	tpiaBuyCmd.Flags().StringVar(&buyMode, "mode", string(domain.UserModeTPM), "Profit routing: TPM or EPS")
	tpiaBuyCmd.Flags().StringVar(&buyStart, "start", string(domain.CycleStartCluster), "Cycle start: CLUSTER or IMMEDIATE")
	_ = tpiaBuyCmd.MarkFlagRequired("user")
	_ = tpiaBuyCmd.MarkFlagRequired("commodity")
	tpiaApproveCmd.Flags().StringVar(&adminID, "admin", "", "Approving admin id")
	tpiaRejectCmd.Flags().StringVar(&adminID, "admin", "", "Rejecting admin id")
	tpiaRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Reason shown to the user")

	commodityCmd.AddCommand(commoditySetCmd)
	commoditySetCmd.Flags().StringVar(&commodityID, "id", "", "Existing commodity id (default: new)")
	commoditySetCmd.Flags().StringVar(&commodityCode, "code", "", "Commodity code, e.g. XAU")
	commoditySetCmd.Flags().StringVar(&commodityName, "name", "", "Display name")
	commoditySetCmd.Flags().StringVar(&commodityNav, "nav", "0", "NAV price")
	_ = commoditySetCmd.MarkFlagRequired("code")
	_ = commoditySetCmd.MarkFlagRequired("name")
}
