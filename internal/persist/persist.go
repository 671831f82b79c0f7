// Package persist implements the idempotent bulk-upsert stage:
// exactly one database transaction per file, writing base tables plus
// claim_event/claim_resubmission rows. The status timeline is written by
// aggregates and the file audit row by the worker.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/claims-ingest/engine/internal/mapper"
	"github.com/claims-ingest/engine/internal/model"
	"github.com/claims-ingest/engine/internal/store"
)

// Outcome reports what Persist did with one file.
type Outcome struct {
	Already             bool
	PersistedClaims     int
	PersistedActivities int
	TotalGross          float64
	TotalNet            float64
	TotalPatientShare   float64
	UniquePayers        int
	UniqueProviders     int
	// TouchedClaimKeys lists every claim_key_id this file wrote to, in the
	// order first touched; Aggregates recalculates each of these.
	TouchedClaimKeys []int64
	// SubmissionID/RemittanceID are the surrogate ids of the document row
	// written; exactly one is non-zero, mirroring RowSet, unless Already
	// is set, in which case both are zero.
	SubmissionID int64
	RemittanceID int64
}

// Persist runs the full idempotency protocol against one RowSet,
// inside a single transaction obtained from st. Retries transient errors
// per st.WithRetry's bounded backoff.
func Persist(ctx context.Context, st store.Storage, rs *mapper.RowSet) (Outcome, error) {
	var out Outcome
	err := st.WithRetry(ctx, func(ctx context.Context) error {
		out = Outcome{}
		tx, err := st.Begin(ctx)
		if err != nil {
			return fmt.Errorf("persist: begin: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		already, err := persistFile(ctx, tx, rs, &out)
		if err != nil {
			return err
		}
		if already {
			out.Already = true
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("persist: commit (already): %w", err)
			}
			committed = true
			return nil
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("persist: commit: %w", err)
		}
		committed = true
		return nil
	})
	return out, err
}

// persistFile runs the idempotency protocol against tx. Returns
// (true, nil) if the file was ALREADY processed.
func persistFile(ctx context.Context, tx store.Tx, rs *mapper.RowSet, out *Outcome) (bool, error) {
	file, existingStatus, err := tx.UpsertIngestionFile(ctx, rs.File)
	if err != nil {
		return false, classify(err, "upsert ingestion_file")
	}
	if existingStatus != nil && *existingStatus == model.AuditOK {
		return true, nil
	}

	payers := map[string]struct{}{}
	providers := map[string]struct{}{}
	claimKeys := map[int64]struct{}{}
	var touched []int64
	remember := func(id int64) {
		if _, ok := claimKeys[id]; !ok {
			claimKeys[id] = struct{}{}
			touched = append(touched, id)
		}
	}

	switch {
	case rs.Submission != nil:
		rs.Submission.IngestionFileID = file.ID
		sub, err := tx.UpsertSubmission(ctx, *rs.Submission)
		if err != nil {
			return false, classify(err, "upsert submission")
		}
		out.SubmissionID = sub.ID

		for _, mc := range rs.Claims {
			ck, err := tx.UpsertClaimKey(ctx, mc.ClaimID)
			if err != nil {
				return false, classify(err, "upsert claim_key")
			}
			if err := tx.LockClaimKey(ctx, ck.ID); err != nil {
				return false, classify(err, "lock claim_key")
			}
			remember(ck.ID)

			row := mc.Row
			row.ClaimKeyID = ck.ID
			row.SubmissionID = sub.ID
			claim, err := tx.UpsertClaim(ctx, row)
			if err != nil {
				return false, classify(err, "upsert claim")
			}

			for _, e := range mc.Encounters {
				e.ClaimID = claim.ID
				if err := tx.UpsertEncounter(ctx, e); err != nil {
					return false, classify(err, "upsert encounter")
				}
			}
			for _, d := range mc.Diagnoses {
				d.ClaimID = claim.ID
				if err := tx.UpsertDiagnosis(ctx, d); err != nil {
					return false, classify(err, "upsert diagnosis")
				}
			}
			for _, ma := range mc.Activities {
				ma.Row.ClaimID = claim.ID
				act, err := tx.UpsertActivity(ctx, ma.Row)
				if err != nil {
					return false, classify(err, "upsert activity")
				}
				for _, o := range ma.Observations {
					o.ActivityID = act.ID
					if err := tx.UpsertObservation(ctx, o); err != nil {
						return false, classify(err, "upsert observation")
					}
				}
				out.PersistedActivities++
			}

			if err := appendSubmissionEvents(ctx, tx, ck.ID, mc); err != nil {
				return false, err
			}

			out.PersistedClaims++
			out.TotalGross += claim.Gross
			out.TotalNet += claim.Net
			out.TotalPatientShare += claim.PatientShare
			if claim.IDPayer != "" {
				payers[claim.IDPayer] = struct{}{}
			}
		}

	case rs.Remittance != nil:
		rs.Remittance.IngestionFileID = file.ID
		rem, err := tx.UpsertRemittance(ctx, *rs.Remittance)
		if err != nil {
			return false, classify(err, "upsert remittance")
		}
		out.RemittanceID = rem.ID

		for _, mrc := range rs.RemittanceClaims {
			ck, err := tx.UpsertClaimKey(ctx, mrc.ClaimID)
			if err != nil {
				return false, classify(err, "upsert claim_key")
			}
			if err := tx.LockClaimKey(ctx, ck.ID); err != nil {
				return false, classify(err, "lock claim_key")
			}
			remember(ck.ID)

			row := mrc.Row
			row.ClaimKeyID = ck.ID
			row.RemittanceID = rem.ID
			rc, err := tx.UpsertRemittanceClaim(ctx, row)
			if err != nil {
				return false, classify(err, "upsert remittance_claim")
			}

			for _, ra := range mrc.Activities {
				ra.RemittanceClaimID = rc.ID
				if err := tx.UpsertRemittanceActivity(ctx, ra); err != nil {
					return false, classify(err, "upsert remittance_activity")
				}
				out.PersistedActivities++
			}

			if _, err := tx.InsertClaimEvent(ctx, model.ClaimEvent{ClaimKeyID: ck.ID, EventTime: time.Now().UTC(), Type: model.EventRemittance}); err != nil {
				return false, classify(err, "insert claim_event (remittance)")
			}

			out.PersistedClaims++
			if rc.IDPayer != "" {
				payers[rc.IDPayer] = struct{}{}
			}
			if rc.ProviderID != "" {
				providers[rc.ProviderID] = struct{}{}
			}
		}

	default:
		return false, model.Fail(model.ErrPersistValidation, "RowSet has neither Submission nor Remittance")
	}

	out.UniquePayers = len(payers)
	out.UniqueProviders = len(providers)
	out.TouchedClaimKeys = touched

	return false, nil
}

// appendSubmissionEvents enforces the event rules: exactly one
// SUBMISSION event ever, but a new RESUBMISSION row every time the
// payload carries a resubmission block.
func appendSubmissionEvents(ctx context.Context, tx store.Tx, claimKeyID int64, mc mapper.MappedClaim) error {
	has, err := tx.HasSubmissionEvent(ctx, claimKeyID)
	if err != nil {
		return classify(err, "check submission event")
	}
	if !has {
		if _, err := tx.InsertClaimEvent(ctx, model.ClaimEvent{ClaimKeyID: claimKeyID, EventTime: time.Now().UTC(), Type: model.EventSubmission}); err != nil {
			return classify(err, "insert claim_event (submission)")
		}
	}
	if mc.HasResubmission {
		ev, err := tx.InsertClaimEvent(ctx, model.ClaimEvent{ClaimKeyID: claimKeyID, EventTime: time.Now().UTC(), Type: model.EventResubmission})
		if err != nil {
			return classify(err, "insert claim_event (resubmission)")
		}
		if err := tx.InsertClaimResubmission(ctx, model.ClaimResubmission{
			ClaimEventID:     ev.ID,
			ResubmissionType: mc.ResubmissionType,
			Comment:          mc.ResubmissionComment,
		}); err != nil {
			return classify(err, "insert claim_resubmission")
		}
	}
	return nil
}

// classify maps a raw storage error into the PERSIST_* taxonomy.
// Transient errors are only wrapped with the stage name (%w), not
// converted to a Result, so store.IsRetryable (and therefore
// st.WithRetry) can still see the original message.
func classify(err error, stage string) error {
	if err == nil {
		return nil
	}
	if store.IsRetryable(err) {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return model.Fail(model.ErrPersistIntegrity, "%s: %v", stage, err)
}
