// Package aggregates recomputes the per-activity and per-claim summary
// projections. Every function here is pure given its inputs and
// idempotent: re-running it against the same rows yields the same output
// regardless of the order submissions and remittances arrived in.
package aggregates

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/claims-ingest/engine/internal/model"
	"github.com/claims-ingest/engine/internal/store"
)

// RecalculateActivitySummary rebuilds every ClaimActivitySummary row for
// claimKeyID from scratch, reading the current Activity and
// RemittanceActivity rows under tx (the caller holds LockClaimKey).
func RecalculateActivitySummary(ctx context.Context, tx store.Tx, claimKeyID int64) error {
	activities, err := tx.ActivitiesForClaimKey(ctx, claimKeyID)
	if err != nil {
		return fmt.Errorf("aggregates: loading activities: %w", err)
	}
	remits, err := tx.RemittanceActivitiesForClaimKey(ctx, claimKeyID)
	if err != nil {
		return fmt.Errorf("aggregates: loading remittance activities: %w", err)
	}

	byActivity := map[string][]store.RemittanceActivityRow{}
	for _, r := range remits {
		byActivity[r.ActivityID] = append(byActivity[r.ActivityID], r)
	}

	seen := map[string]struct{}{}
	for _, a := range activities {
		seen[a.ActivityID] = struct{}{}
		summary := computeActivitySummary(a, byActivity[a.ActivityID])
		summary.ClaimKeyID = claimKeyID
		summary.ActivityID = a.ActivityID
		if err := tx.UpsertClaimActivitySummary(ctx, summary); err != nil {
			return fmt.Errorf("aggregates: upserting activity summary %s: %w", a.ActivityID, err)
		}
	}

	// Activities with remittance rows but no submitted Activity are stale
	// (e.g. a correction superseded them); their summary row is removed.
	for activityID := range byActivity {
		if _, ok := seen[activityID]; ok {
			continue
		}
		if err := tx.DeleteClaimActivitySummary(ctx, claimKeyID, activityID); err != nil {
			return fmt.Errorf("aggregates: deleting stale activity summary %s: %w", activityID, err)
		}
	}

	return nil
}

// computeActivitySummary derives the summary row for one
// activity given its submitted row and every remittance line that ever
// referenced it. Remittances are processed in (date_settlement, id) order
// so "latest" is well defined even when two remittances share a date.
func computeActivitySummary(a model.Activity, remits []store.RemittanceActivityRow) model.ClaimActivitySummary {
	sort.Slice(remits, func(i, j int) bool {
		if !remits[i].DateSettlement.Equal(remits[j].DateSettlement) {
			return remits[i].DateSettlement.Before(remits[j].DateSettlement)
		}
		return remits[i].ID < remits[j].ID
	})

	var gross, negative float64
	var latestDenial string
	var first, last time.Time
	claims := map[int64]struct{}{}

	for _, r := range remits {
		if r.PaymentAmount >= 0 {
			gross += r.PaymentAmount
		} else {
			negative += -r.PaymentAmount
		}
		if r.DenialCode != "" {
			latestDenial = r.DenialCode
		}
		if first.IsZero() || r.DateSettlement.Before(first) {
			first = r.DateSettlement
		}
		if r.DateSettlement.After(last) {
			last = r.DateSettlement
		}
		claims[r.RemittanceClaimID] = struct{}{}
	}

	// Cumulative-with-cap: accumulated positive payments never exceed the
	// submitted net.
	paid := gross
	if paid > a.Net {
		paid = a.Net
	}
	takenBack := negative
	netPaid := paid - takenBack
	if netPaid < 0 {
		netPaid = 0
	}

	var rejected float64
	if latestDenial != "" && paid == 0 {
		rejected = a.Net
	}

	summary := model.ClaimActivitySummary{
		SubmittedAmount:  a.Net,
		PaidAmount:       paid,
		TakenBackAmount:  takenBack,
		NetPaidAmount:    netPaid,
		RejectedAmount:   rejected,
		DeniedAmount:     rejected,
		LatestDenialCode: latestDenial,
		RemittanceCount:  len(claims),
	}
	if !first.IsZero() {
		summary.FirstPaymentDate = &first
	}
	if !last.IsZero() {
		summary.LastPaymentDate = &last
	}
	summary.ActivityStatus = decideStatus(summary)
	return summary
}

// decideStatus applies the six-state decision list; the first matching
// case wins. A zero-net activity carrying a denial code still
// lands on REJECTED even though its rejected_amount is zero.
func decideStatus(s model.ClaimActivitySummary) model.Status {
	switch {
	case s.TakenBackAmount > 0 && s.NetPaidAmount == 0:
		return model.StatusTakenBack
	case s.TakenBackAmount > 0 && s.NetPaidAmount > 0 && s.NetPaidAmount < s.SubmittedAmount:
		return model.StatusPartiallyTakenBack
	case s.NetPaidAmount >= s.SubmittedAmount && s.SubmittedAmount > 0:
		return model.StatusFullyPaid
	case s.NetPaidAmount > 0:
		return model.StatusPartiallyPaid
	case s.RejectedAmount > 0:
		return model.StatusRejected
	case s.LatestDenialCode != "" && s.PaidAmount == 0:
		return model.StatusRejected
	default:
		return model.StatusPending
	}
}

// RecalculateClaimPayment rolls up every ClaimActivitySummary row for
// claimKeyID into the claim-level ClaimPayment projection, plus lifecycle
// metrics sourced from the event and remittance-claim history.
func RecalculateClaimPayment(ctx context.Context, tx store.Tx, claimKeyID int64) error {
	summaries, err := tx.ActivitySummariesForClaimKey(ctx, claimKeyID)
	if err != nil {
		return fmt.Errorf("aggregates: loading activity summaries: %w", err)
	}

	cp := model.ClaimPayment{ClaimKeyID: claimKeyID}
	counts := map[model.Status]int{}
	for _, s := range summaries {
		cp.TotalSubmittedAmount += s.SubmittedAmount
		cp.TotalPaidAmount += s.PaidAmount
		cp.TotalTakenBackAmount += s.TakenBackAmount
		cp.TotalNetPaidAmount += s.NetPaidAmount
		cp.TotalRejectedAmount += s.RejectedAmount
		cp.TotalDeniedAmount += s.DeniedAmount
		counts[s.ActivityStatus]++
	}
	cp.CountFullyPaid = counts[model.StatusFullyPaid]
	cp.CountPartiallyPaid = counts[model.StatusPartiallyPaid]
	cp.CountRejected = counts[model.StatusRejected]
	cp.CountPending = counts[model.StatusPending]
	cp.CountTakenBack = counts[model.StatusTakenBack]
	cp.CountPartiallyTaken = counts[model.StatusPartiallyTakenBack]

	subEvents, err := tx.SubmissionEventsForClaimKey(ctx, claimKeyID)
	if err != nil {
		return fmt.Errorf("aggregates: loading submission events: %w", err)
	}
	settlements, err := tx.SettlementDatesForClaimKey(ctx, claimKeyID)
	if err != nil {
		return fmt.Errorf("aggregates: loading settlement dates: %w", err)
	}
	// processing_cycles = count of SUBMISSION+RESUBMISSION events.
	cp.ProcessingCycles = len(subEvents)

	var resubmissions int
	var firstSub, lastSub time.Time
	for _, ev := range subEvents {
		if ev.Type == model.EventResubmission {
			resubmissions++
		}
		if firstSub.IsZero() || ev.EventTime.Before(firstSub) {
			firstSub = ev.EventTime
		}
		if ev.EventTime.After(lastSub) {
			lastSub = ev.EventTime
		}
	}
	cp.ResubmissionCount = resubmissions
	if !firstSub.IsZero() {
		cp.FirstSubmissionDate = &firstSub
	}
	if !lastSub.IsZero() {
		cp.LastSubmissionDate = &lastSub
	}

	if len(settlements) > 0 {
		firstS, lastS := settlements[0], settlements[0]
		for _, d := range settlements {
			if d.Before(firstS) {
				firstS = d
			}
			if d.After(lastS) {
				lastS = d
			}
		}
		cp.FirstSettlementDate = &firstS
		cp.LastSettlementDate = &lastS
		if !firstSub.IsZero() {
			days := int(firstS.Sub(firstSub).Hours() / 24)
			cp.DaysToFirstPayment = &days
		}
	}

	cp.PaymentStatus = decideStatus(model.ClaimActivitySummary{
		SubmittedAmount: cp.TotalSubmittedAmount,
		PaidAmount:      cp.TotalPaidAmount,
		TakenBackAmount: cp.TotalTakenBackAmount,
		NetPaidAmount:   cp.TotalNetPaidAmount,
		RejectedAmount:  cp.TotalRejectedAmount,
		RemittanceCount: len(summaries),
	})

	if err := tx.UpsertClaimPayment(ctx, cp); err != nil {
		return fmt.Errorf("aggregates: upserting claim payment: %w", err)
	}

	if err := tx.UpsertClaimStatusTimeline(ctx, model.ClaimStatusTimeline{
		ClaimKeyID: claimKeyID,
		Status:     cp.PaymentStatus,
		UpdatedAt:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("aggregates: upserting claim status timeline: %w", err)
	}
	return nil
}
