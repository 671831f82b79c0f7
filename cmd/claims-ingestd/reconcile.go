package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/claims-ingest/engine/internal/aggregates"
)

var reconcileCmd = &cobra.Command{
	Use:     "reconcile <claim_id>",
	Short:   "Recompute the activity and claim payment aggregates for one claim",
	GroupID: "ops",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		claimID := args[0]

		st, err := openStorage(rootCtx)
		if err != nil {
			return err
		}
		defer st.Close()

		key, err := st.ClaimKeyByClaimID(rootCtx, claimID)
		if err != nil {
			return fmt.Errorf("reconcile: looking up claim %s: %w", claimID, err)
		}
		if key == nil {
			return fmt.Errorf("reconcile: claim %s not found", claimID)
		}

		return st.WithRetry(rootCtx, func(ctx context.Context) error {
			tx, err := st.Begin(ctx)
			if err != nil {
				return fmt.Errorf("reconcile: begin: %w", err)
			}
			if err := tx.LockClaimKey(ctx, key.ID); err != nil {
				tx.Rollback()
				return fmt.Errorf("reconcile: locking claim key: %w", err)
			}
			if err := aggregates.RecalculateActivitySummary(ctx, tx, key.ID); err != nil {
				tx.Rollback()
				return err
			}
			if err := aggregates.RecalculateClaimPayment(ctx, tx, key.ID); err != nil {
				tx.Rollback()
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("reconcile: commit: %w", err)
			}
			fmt.Printf("reconciled claim %s\n", claimID)
			return nil
		})
	},
}
