package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/app/bootstrap"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/application"
)

// withService builds the runtime, runs fn, and releases connections afterwards.
func withService(cmd *cobra.Command, configPath string, fn func(ctx context.Context, svc *application.Service, actor application.Actor) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runtime, err := bootstrap.NewRuntime(ctx, configPath)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer runtime.Close(ctx)

	operator, _ := cmd.Flags().GetString("operator")
	actor := application.Actor{SubjectID: operator, Role: "admin", RequestID: "settlementctl"}
	out, err := fn(ctx, runtime.Service(), actor)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func settleCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "settle",
		Short: "Release rewards whose hold has elapsed and cancel rewards on refunded orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, *configPath, func(ctx context.Context, svc *application.Service, _ application.Actor) (any, error) {
				return svc.SettleRewards(ctx)
			})
		},
	}
}

func conversionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversions",
		Short: "Conversion task operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Apply pending conversion tasks to the reward ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, *configPath, func(ctx context.Context, svc *application.Service, _ application.Actor) (any, error) {
				return svc.ProcessPendingConversions(ctx)
			})
		},
	})
	return cmd
}

func payoutCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payout",
		Short: "Payout operations",
	}
	confirm := &cobra.Command{
		Use:   "confirm [entry_id]",
		Short: "Mark a payable reward as paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("ref")
			return withService(cmd, *configPath, func(ctx context.Context, svc *application.Service, actor application.Actor) (any, error) {
				return svc.ConfirmPayout(ctx, actor, args[0], ref)
			})
		},
	}
	confirm.Flags().String("ref", "", "Payout reference from the payout provider")
	_ = confirm.MarkFlagRequired("ref")
	cmd.AddCommand(confirm)
	return cmd
}

func outboxCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Outbox operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Publish one batch of unpublished outbox records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, *configPath, func(ctx context.Context, svc *application.Service, _ application.Actor) (any, error) {
				published, err := svc.FlushOutbox(ctx)
				return map[string]int{"published": published}, err
			})
		},
	})
	return cmd
}

func orderCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Order operations",
	}
	transition := &cobra.Command{
		Use:   "transition [order_id] [status]",
		Short: "Move an order along its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			return withService(cmd, *configPath, func(ctx context.Context, svc *application.Service, actor application.Actor) (any, error) {
				return svc.TransitionOrder(ctx, actor, args[0], args[1], reason)
			})
		},
	}
	transition.Flags().String("reason", "manual", "Reason recorded on the order timeline")
	cmd.AddCommand(transition)
	cmd.AddCommand(&cobra.Command{
		Use:   "get [order_id]",
		Short: "Show an order with its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, *configPath, func(ctx context.Context, svc *application.Service, actor application.Actor) (any, error) {
				return svc.GetOrder(ctx, actor, args[0])
			})
		},
	})
	return cmd
}

func rewardsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rewards [rid]",
		Short: "List reward ledger entries for a referral",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, *configPath, func(ctx context.Context, svc *application.Service, actor application.Actor) (any, error) {
				return svc.ListRewardsByReferral(ctx, actor, args[0])
			})
		},
	}
}
