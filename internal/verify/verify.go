// Package verify implements the post-persist reconciliation check:
// confirm that what the parser saw and what landed in storage agree
// before the file is acknowledged upstream.
package verify

import (
	"context"
	"fmt"

	"github.com/claims-ingest/engine/internal/mapper"
	"github.com/claims-ingest/engine/internal/store"
)

// Result reports the outcome of one verification pass.
type Result struct {
	OK      bool
	Reasons []string
}

func (r Result) Error() string {
	if r.OK {
		return ""
	}
	return fmt.Sprintf("verification mismatch: %v", r.Reasons)
}

// Verify compares the RowSet the mapper produced against what Persist
// actually wrote, using the counts recorded in tx rather than re-reading
// the whole file, then confirms every touched claim has at least one
// event row.
func Verify(ctx context.Context, tx store.Tx, rs *mapper.RowSet, touchedClaimKeys []int64) (Result, error) {
	var reasons []string

	switch {
	case rs.Submission != nil:
		wantClaims := len(rs.Claims)
		wantActivities := 0
		for _, c := range rs.Claims {
			wantActivities += len(c.Activities)
		}
		gotClaims, err := tx.CountClaimsForSubmission(ctx, rs.Submission.IngestionFileID)
		if err != nil {
			return Result{}, fmt.Errorf("verify: counting claims: %w", err)
		}
		gotActivities, err := tx.CountActivitiesForSubmission(ctx, rs.Submission.IngestionFileID)
		if err != nil {
			return Result{}, fmt.Errorf("verify: counting activities: %w", err)
		}
		if gotClaims != wantClaims {
			reasons = append(reasons, fmt.Sprintf("claims: parsed %d, persisted %d", wantClaims, gotClaims))
		}
		if gotActivities != wantActivities {
			reasons = append(reasons, fmt.Sprintf("activities: parsed %d, persisted %d", wantActivities, gotActivities))
		}

		orphanActivities, err := tx.CountOrphanActivities(ctx, rs.Submission.IngestionFileID)
		if err != nil {
			return Result{}, fmt.Errorf("verify: counting orphan activities: %w", err)
		}
		if orphanActivities > 0 {
			reasons = append(reasons, fmt.Sprintf("%d activities with no parent claim", orphanActivities))
		}
		orphanObservations, err := tx.CountOrphanObservations(ctx, rs.Submission.IngestionFileID)
		if err != nil {
			return Result{}, fmt.Errorf("verify: counting orphan observations: %w", err)
		}
		if orphanObservations > 0 {
			reasons = append(reasons, fmt.Sprintf("%d observations with no parent activity", orphanObservations))
		}

	case rs.Remittance != nil:
		wantClaims := len(rs.RemittanceClaims)
		wantActivities := 0
		for _, c := range rs.RemittanceClaims {
			wantActivities += len(c.Activities)
		}
		gotClaims, err := tx.CountRemittanceClaims(ctx, rs.Remittance.IngestionFileID)
		if err != nil {
			return Result{}, fmt.Errorf("verify: counting remittance claims: %w", err)
		}
		gotActivities, err := tx.CountRemittanceActivities(ctx, rs.Remittance.IngestionFileID)
		if err != nil {
			return Result{}, fmt.Errorf("verify: counting remittance activities: %w", err)
		}
		if gotClaims != wantClaims {
			reasons = append(reasons, fmt.Sprintf("remittance claims: parsed %d, persisted %d", wantClaims, gotClaims))
		}
		if gotActivities != wantActivities {
			reasons = append(reasons, fmt.Sprintf("remittance activities: parsed %d, persisted %d", wantActivities, gotActivities))
		}

	default:
		return Result{}, fmt.Errorf("verify: RowSet has neither Submission nor Remittance")
	}

	for _, ck := range touchedClaimKeys {
		n, err := tx.CountClaimEvents(ctx, ck)
		if err != nil {
			return Result{}, fmt.Errorf("verify: counting claim events for claim_key %d: %w", ck, err)
		}
		if n == 0 {
			reasons = append(reasons, fmt.Sprintf("claim_key %d has no claim_event rows", ck))
		}
	}

	return Result{OK: len(reasons) == 0, Reasons: reasons}, nil
}
