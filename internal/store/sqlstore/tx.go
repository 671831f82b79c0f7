package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/claims-ingest/engine/internal/model"
	"github.com/claims-ingest/engine/internal/store"
)

// sqlTx implements store.Tx over one *sql.Tx.
type sqlTx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// UpsertIngestionFile inserts the file row if file_id hasn't been seen,
// otherwise returns the existing row. It also reports an
// ingestion_file_audit.status for that file_id, if any (AuditOK when any
// OK audit exists, otherwise the most recent status), so the caller can
// short-circuit on AuditOK.
func (t *sqlTx) UpsertIngestionFile(ctx context.Context, f model.IngestionFile) (model.IngestionFile, *model.FileAuditStatus, error) {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO ingestion_file (file_id, root_type, sender_id, receiver_id, transaction_date, record_count, raw_hash, facility)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)`,
		f.FileID, f.RootType, f.SenderID, f.ReceiverID, f.TransactionDate, f.RecordCount, f.RawHash, f.Facility)
	if err != nil {
		return model.IngestionFile{}, nil, fmt.Errorf("upserting ingestion_file %q: %w", f.FileID, err)
	}

	row := t.tx.QueryRowContext(ctx,
		`SELECT id, file_id, root_type, sender_id, receiver_id, transaction_date, record_count, raw_hash, facility
		   FROM ingestion_file WHERE file_id = ?`, f.FileID)
	var out model.IngestionFile
	if err := row.Scan(&out.ID, &out.FileID, &out.RootType, &out.SenderID, &out.ReceiverID, &out.TransactionDate,
		&out.RecordCount, &out.RawHash, &out.Facility); err != nil {
		return model.IngestionFile{}, nil, fmt.Errorf("reading back ingestion_file %q: %w", f.FileID, err)
	}

	// Prefer an OK audit if one ever existed: once a file has fully
	// landed, every later sighting is ALREADY, regardless of how many
	// ALREADY audits have piled up since.
	var status *model.FileAuditStatus
	auditRow := t.tx.QueryRowContext(ctx,
		`SELECT status FROM ingestion_file_audit WHERE file_id = ?
		  ORDER BY (status = 1) DESC, id DESC LIMIT 1`, f.FileID)
	var s model.FileAuditStatus
	if err := auditRow.Scan(&s); err == nil {
		status = &s
	} else if err != sql.ErrNoRows {
		return model.IngestionFile{}, nil, fmt.Errorf("reading ingestion_file_audit for %q: %w", f.FileID, err)
	}

	return out, status, nil
}

func (t *sqlTx) UpsertClaimKey(ctx context.Context, claimID string) (model.ClaimKey, error) {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO claim_key (claim_id) VALUES (?) ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)`, claimID)
	if err != nil {
		return model.ClaimKey{}, fmt.Errorf("upserting claim_key %q: %w", claimID, err)
	}
	var ck model.ClaimKey
	if err := t.tx.QueryRowContext(ctx, `SELECT id, claim_id FROM claim_key WHERE claim_id = ?`, claimID).Scan(&ck.ID, &ck.ClaimID); err != nil {
		return model.ClaimKey{}, fmt.Errorf("reading back claim_key %q: %w", claimID, err)
	}
	return ck, nil
}

// LockClaimKey serializes concurrent recalculation for one claim: every
// worker touching this claim (persist, aggregate) takes this lock first,
// in that order, per the documented lock order claim_key -> claim ->
// activity children.
func (t *sqlTx) LockClaimKey(ctx context.Context, claimKeyID int64) error {
	var id int64
	err := t.tx.QueryRowContext(ctx, `SELECT id FROM claim_key WHERE id = ? FOR UPDATE`, claimKeyID).Scan(&id)
	if err != nil {
		return fmt.Errorf("locking claim_key %d: %w", claimKeyID, err)
	}
	return nil
}

func (t *sqlTx) UpsertSubmission(ctx context.Context, s model.Submission) (model.Submission, error) {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO submission (ingestion_file_id, disposition_flag) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)`,
		s.IngestionFileID, s.DispositionFlag)
	if err != nil {
		return model.Submission{}, fmt.Errorf("upserting submission for file %d: %w", s.IngestionFileID, err)
	}
	if err := t.tx.QueryRowContext(ctx, `SELECT id, ingestion_file_id, disposition_flag FROM submission WHERE ingestion_file_id = ?`,
		s.IngestionFileID).Scan(&s.ID, &s.IngestionFileID, &s.DispositionFlag); err != nil {
		return model.Submission{}, fmt.Errorf("reading back submission for file %d: %w", s.IngestionFileID, err)
	}
	return s, nil
}

func (t *sqlTx) UpsertRemittance(ctx context.Context, r model.Remittance) (model.Remittance, error) {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO remittance (ingestion_file_id) VALUES (?) ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)`,
		r.IngestionFileID)
	if err != nil {
		return model.Remittance{}, fmt.Errorf("upserting remittance for file %d: %w", r.IngestionFileID, err)
	}
	if err := t.tx.QueryRowContext(ctx, `SELECT id, ingestion_file_id FROM remittance WHERE ingestion_file_id = ?`,
		r.IngestionFileID).Scan(&r.ID, &r.IngestionFileID); err != nil {
		return model.Remittance{}, fmt.Errorf("reading back remittance for file %d: %w", r.IngestionFileID, err)
	}
	return r, nil
}

func (t *sqlTx) UpsertClaim(ctx context.Context, c model.Claim) (model.Claim, error) {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO claim (claim_key_id, submission_id, id_payer, payer_ref_id, provider_id, provider_ref_id,
		                     member_id, emirates_id_number, gross, patient_share, net, tx_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		   id_payer = VALUES(id_payer), payer_ref_id = VALUES(payer_ref_id),
		   provider_id = VALUES(provider_id), provider_ref_id = VALUES(provider_ref_id),
		   member_id = VALUES(member_id), emirates_id_number = VALUES(emirates_id_number),
		   gross = VALUES(gross), patient_share = VALUES(patient_share), net = VALUES(net),
		   tx_at = VALUES(tx_at), id = LAST_INSERT_ID(id)`,
		c.ClaimKeyID, c.SubmissionID, c.IDPayer, c.PayerRefID, c.ProviderID, c.ProviderRefID,
		c.MemberID, c.EmiratesIDNumber, c.Gross, c.PatientShare, c.Net, c.TxAt)
	if err != nil {
		return model.Claim{}, fmt.Errorf("upserting claim for claim_key %d: %w", c.ClaimKeyID, err)
	}

	row := t.tx.QueryRowContext(ctx,
		`SELECT id, claim_key_id, submission_id, id_payer, payer_ref_id, provider_id, provider_ref_id,
		        member_id, emirates_id_number, gross, patient_share, net, tx_at
		   FROM claim WHERE claim_key_id = ? AND submission_id = ?`, c.ClaimKeyID, c.SubmissionID)
	if err := row.Scan(&c.ID, &c.ClaimKeyID, &c.SubmissionID, &c.IDPayer, &c.PayerRefID, &c.ProviderID, &c.ProviderRefID,
		&c.MemberID, &c.EmiratesIDNumber, &c.Gross, &c.PatientShare, &c.Net, &c.TxAt); err != nil {
		return model.Claim{}, fmt.Errorf("reading back claim for claim_key %d: %w", c.ClaimKeyID, err)
	}
	return c, nil
}

// UpsertEncounter coalesces on (claim_id, facility_id, type, start_date)
// so reprocessing a file whose persist already committed (prior FAILED
// audit) does not duplicate the row.
func (t *sqlTx) UpsertEncounter(ctx context.Context, e model.Encounter) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO encounter (claim_id, facility_id, type, start_date, end_date) VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE end_date = VALUES(end_date), id = LAST_INSERT_ID(id)`,
		e.ClaimID, e.FacilityID, e.Type, e.StartDate, e.EndDate)
	if err != nil {
		return fmt.Errorf("upserting encounter for claim %d: %w", e.ClaimID, err)
	}
	return nil
}

func (t *sqlTx) UpsertActivity(ctx context.Context, a model.Activity) (model.Activity, error) {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO activity (claim_id, activity_id, start_at, type, code, quantity, net, clinician)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		   start_at = VALUES(start_at), type = VALUES(type), code = VALUES(code), quantity = VALUES(quantity),
		   net = VALUES(net), clinician = VALUES(clinician), id = LAST_INSERT_ID(id)`,
		a.ClaimID, a.ActivityID, a.Start, a.Type, a.Code, a.Quantity, a.Net, a.Clinician)
	if err != nil {
		return model.Activity{}, fmt.Errorf("upserting activity %s for claim %d: %w", a.ActivityID, a.ClaimID, err)
	}
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, claim_id, activity_id, start_at, type, code, quantity, net, clinician
		   FROM activity WHERE claim_id = ? AND activity_id = ?`, a.ClaimID, a.ActivityID)
	if err := row.Scan(&a.ID, &a.ClaimID, &a.ActivityID, &a.Start, &a.Type, &a.Code, &a.Quantity, &a.Net, &a.Clinician); err != nil {
		return model.Activity{}, fmt.Errorf("reading back activity %s for claim %d: %w", a.ActivityID, a.ClaimID, err)
	}
	return a, nil
}

func (t *sqlTx) UpsertObservation(ctx context.Context, o model.Observation) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO observation (activity_id, type, code, value) VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE value = VALUES(value), id = LAST_INSERT_ID(id)`,
		o.ActivityID, o.Type, o.Code, o.Value)
	if err != nil {
		return fmt.Errorf("upserting observation for activity %d: %w", o.ActivityID, err)
	}
	return nil
}

func (t *sqlTx) UpsertDiagnosis(ctx context.Context, d model.Diagnosis) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO diagnosis (claim_id, type, code) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)`, d.ClaimID, d.Type, d.Code)
	if err != nil {
		return fmt.Errorf("upserting diagnosis for claim %d: %w", d.ClaimID, err)
	}
	return nil
}

func (t *sqlTx) UpsertRemittanceClaim(ctx context.Context, rc model.RemittanceClaim) (model.RemittanceClaim, error) {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO remittance_claim (claim_key_id, remittance_id, id_payer, payer_ref_id, provider_id, provider_ref_id,
		                                date_settlement, payment_reference)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)`,
		rc.ClaimKeyID, rc.RemittanceID, rc.IDPayer, rc.PayerRefID, rc.ProviderID, rc.ProviderRefID,
		rc.DateSettlement, rc.PaymentReference)
	if err != nil {
		return model.RemittanceClaim{}, fmt.Errorf("upserting remittance_claim for claim_key %d: %w", rc.ClaimKeyID, err)
	}
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, claim_key_id, remittance_id, id_payer, payer_ref_id, provider_id, provider_ref_id,
		        date_settlement, payment_reference
		   FROM remittance_claim WHERE claim_key_id = ? AND remittance_id = ?`, rc.ClaimKeyID, rc.RemittanceID)
	if err := row.Scan(&rc.ID, &rc.ClaimKeyID, &rc.RemittanceID, &rc.IDPayer, &rc.PayerRefID, &rc.ProviderID, &rc.ProviderRefID,
		&rc.DateSettlement, &rc.PaymentReference); err != nil {
		return model.RemittanceClaim{}, fmt.Errorf("reading back remittance_claim for claim_key %d: %w", rc.ClaimKeyID, err)
	}
	return rc, nil
}

func (t *sqlTx) UpsertRemittanceActivity(ctx context.Context, ra model.RemittanceActivity) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO remittance_activity (remittance_claim_id, activity_id, payment_amount, denial_code, net)
		 VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE payment_amount = VALUES(payment_amount), denial_code = VALUES(denial_code), net = VALUES(net)`,
		ra.RemittanceClaimID, ra.ActivityID, ra.PaymentAmount, ra.DenialCode, ra.Net)
	if err != nil {
		return fmt.Errorf("upserting remittance_activity %s for remittance_claim %d: %w", ra.ActivityID, ra.RemittanceClaimID, err)
	}
	return nil
}

func (t *sqlTx) HasSubmissionEvent(ctx context.Context, claimKeyID int64) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM claim_event WHERE claim_key_id = ? AND type = ?`, claimKeyID, model.EventSubmission).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking submission event for claim_key %d: %w", claimKeyID, err)
	}
	return n > 0, nil
}

func (t *sqlTx) InsertClaimEvent(ctx context.Context, e model.ClaimEvent) (model.ClaimEvent, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO claim_event (claim_key_id, event_time, type) VALUES (?, ?, ?)`, e.ClaimKeyID, e.EventTime, e.Type)
	if err != nil {
		return model.ClaimEvent{}, fmt.Errorf("inserting claim_event for claim_key %d: %w", e.ClaimKeyID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ClaimEvent{}, fmt.Errorf("reading claim_event id: %w", err)
	}
	e.ID = id
	return e, nil
}

func (t *sqlTx) InsertClaimResubmission(ctx context.Context, r model.ClaimResubmission) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO claim_resubmission (claim_event_id, resubmission_type, comment) VALUES (?, ?, ?)`,
		r.ClaimEventID, r.ResubmissionType, r.Comment)
	if err != nil {
		return fmt.Errorf("inserting claim_resubmission for event %d: %w", r.ClaimEventID, err)
	}
	return nil
}

func (t *sqlTx) UpsertClaimStatusTimeline(ctx context.Context, ts model.ClaimStatusTimeline) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO claim_status_timeline (claim_key_id, status, updated_at) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE status = VALUES(status), updated_at = VALUES(updated_at)`,
		ts.ClaimKeyID, ts.Status, ts.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting claim_status_timeline for claim_key %d: %w", ts.ClaimKeyID, err)
	}
	return nil
}

func (t *sqlTx) InsertIngestionFileAudit(ctx context.Context, a model.IngestionFileAudit) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO ingestion_file_audit (run_id, file_id, status, reason, parsed_claims, parsed_activities,
		        persisted_claims, persisted_activities, verification_ok, duration_ns, error_class, error_message,
		        total_gross, total_net, total_patient_share, unique_payers, unique_providers)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.FileID, a.Status, a.Reason, a.ParsedClaims, a.ParsedActivities, a.PersistedClaims, a.PersistedActivities,
		a.VerificationOK, int64(a.Duration), a.ErrorClass, a.ErrorMessage, a.TotalGross, a.TotalNet, a.TotalPatientShare,
		a.UniquePayers, a.UniqueProviders)
	if err != nil {
		return fmt.Errorf("inserting ingestion_file_audit for file %q: %w", a.FileID, err)
	}
	return nil
}

func (t *sqlTx) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO ingestion_error (run_id, file_id, stage, object_type, error_code, message, retryable, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.FileID, e.Stage, e.ObjectType, e.ErrorCode, e.Message, e.Retryable, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("inserting ingestion_error for file %q: %w", e.FileID, err)
	}
	return nil
}

func (t *sqlTx) CountClaimsForSubmission(ctx context.Context, ingestionFileID int64) (int, error) {
	return t.countOne(ctx,
		`SELECT COUNT(*) FROM claim c JOIN submission s ON s.id = c.submission_id WHERE s.ingestion_file_id = ?`, ingestionFileID)
}

func (t *sqlTx) CountActivitiesForSubmission(ctx context.Context, ingestionFileID int64) (int, error) {
	return t.countOne(ctx,
		`SELECT COUNT(*) FROM activity a
		   JOIN claim c ON c.id = a.claim_id
		   JOIN submission s ON s.id = c.submission_id
		  WHERE s.ingestion_file_id = ?`, ingestionFileID)
}

// CountOrphanActivities counts activities under this file's submission
// whose claim row is missing; scoped to the file being verified so one
// file's check never trips over unrelated history elsewhere in the table.
func (t *sqlTx) CountOrphanActivities(ctx context.Context, ingestionFileID int64) (int, error) {
	return t.countOne(ctx,
		`SELECT COUNT(*) FROM activity a
		   LEFT JOIN claim c ON c.id = a.claim_id
		  WHERE c.id IS NULL
		    AND a.claim_id IN (
		      SELECT c3.id FROM claim c3 JOIN submission s ON s.id = c3.submission_id WHERE s.ingestion_file_id = ?
		    )`, ingestionFileID)
}

func (t *sqlTx) CountOrphanObservations(ctx context.Context, ingestionFileID int64) (int, error) {
	return t.countOne(ctx,
		`SELECT COUNT(*) FROM observation o
		   LEFT JOIN activity a ON a.id = o.activity_id
		  WHERE a.id IS NULL
		    AND o.activity_id IN (
		      SELECT a2.id FROM activity a2
		        JOIN claim c ON c.id = a2.claim_id
		        JOIN submission s ON s.id = c.submission_id
		       WHERE s.ingestion_file_id = ?
		    )`, ingestionFileID)
}

func (t *sqlTx) CountRemittanceClaims(ctx context.Context, ingestionFileID int64) (int, error) {
	return t.countOne(ctx,
		`SELECT COUNT(*) FROM remittance_claim rc JOIN remittance r ON r.id = rc.remittance_id WHERE r.ingestion_file_id = ?`, ingestionFileID)
}

func (t *sqlTx) CountRemittanceActivities(ctx context.Context, ingestionFileID int64) (int, error) {
	return t.countOne(ctx,
		`SELECT COUNT(*) FROM remittance_activity ra
		   JOIN remittance_claim rc ON rc.id = ra.remittance_claim_id
		   JOIN remittance r ON r.id = rc.remittance_id
		  WHERE r.ingestion_file_id = ?`, ingestionFileID)
}

func (t *sqlTx) CountClaimEvents(ctx context.Context, claimKeyID int64) (int, error) {
	return t.countOne(ctx, `SELECT COUNT(*) FROM claim_event WHERE claim_key_id = ?`, claimKeyID)
}

func (t *sqlTx) countOne(ctx context.Context, query string, args ...interface{}) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count query failed: %w", err)
	}
	return n, nil
}

func (t *sqlTx) ActivitiesForClaimKey(ctx context.Context, claimKeyID int64) ([]model.Activity, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT a.id, a.claim_id, a.activity_id, a.start_at, a.type, a.code, a.quantity, a.net, a.clinician
		   FROM activity a JOIN claim c ON c.id = a.claim_id WHERE c.claim_key_id = ?`, claimKeyID)
	if err != nil {
		return nil, fmt.Errorf("querying activities for claim_key %d: %w", claimKeyID, err)
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		var a model.Activity
		if err := rows.Scan(&a.ID, &a.ClaimID, &a.ActivityID, &a.Start, &a.Type, &a.Code, &a.Quantity, &a.Net, &a.Clinician); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *sqlTx) RemittanceActivitiesForClaimKey(ctx context.Context, claimKeyID int64) ([]store.RemittanceActivityRow, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT ra.id, ra.remittance_claim_id, ra.activity_id, ra.payment_amount, ra.denial_code, ra.net, rc.date_settlement
		   FROM remittance_activity ra
		   JOIN remittance_claim rc ON rc.id = ra.remittance_claim_id
		  WHERE rc.claim_key_id = ?`, claimKeyID)
	if err != nil {
		return nil, fmt.Errorf("querying remittance_activities for claim_key %d: %w", claimKeyID, err)
	}
	defer rows.Close()

	var out []store.RemittanceActivityRow
	for rows.Next() {
		var r store.RemittanceActivityRow
		if err := rows.Scan(&r.ID, &r.RemittanceClaimID, &r.ActivityID, &r.PaymentAmount, &r.DenialCode, &r.Net, &r.DateSettlement); err != nil {
			return nil, fmt.Errorf("scanning remittance_activity: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *sqlTx) UpsertClaimActivitySummary(ctx context.Context, s model.ClaimActivitySummary) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO claim_activity_summary (claim_key_id, activity_id, submitted_amount, paid_amount, taken_back_amount,
		        net_paid_amount, rejected_amount, denied_amount, latest_denial_code, remittance_count,
		        first_payment_date, last_payment_date, activity_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		   submitted_amount = VALUES(submitted_amount), paid_amount = VALUES(paid_amount),
		   taken_back_amount = VALUES(taken_back_amount), net_paid_amount = VALUES(net_paid_amount),
		   rejected_amount = VALUES(rejected_amount), denied_amount = VALUES(denied_amount),
		   latest_denial_code = VALUES(latest_denial_code), remittance_count = VALUES(remittance_count),
		   first_payment_date = VALUES(first_payment_date), last_payment_date = VALUES(last_payment_date),
		   activity_status = VALUES(activity_status)`,
		s.ClaimKeyID, s.ActivityID, s.SubmittedAmount, s.PaidAmount, s.TakenBackAmount, s.NetPaidAmount,
		s.RejectedAmount, s.DeniedAmount, s.LatestDenialCode, s.RemittanceCount, s.FirstPaymentDate, s.LastPaymentDate, s.ActivityStatus)
	if err != nil {
		return fmt.Errorf("upserting claim_activity_summary %s/%d: %w", s.ActivityID, s.ClaimKeyID, err)
	}
	return nil
}

func (t *sqlTx) DeleteClaimActivitySummary(ctx context.Context, claimKeyID int64, activityID string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM claim_activity_summary WHERE claim_key_id = ? AND activity_id = ?`, claimKeyID, activityID)
	if err != nil {
		return fmt.Errorf("deleting claim_activity_summary %s/%d: %w", activityID, claimKeyID, err)
	}
	return nil
}

func (t *sqlTx) ActivitySummariesForClaimKey(ctx context.Context, claimKeyID int64) ([]model.ClaimActivitySummary, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT claim_key_id, activity_id, submitted_amount, paid_amount, taken_back_amount, net_paid_amount,
		        rejected_amount, denied_amount, latest_denial_code, remittance_count, first_payment_date,
		        last_payment_date, activity_status
		   FROM claim_activity_summary WHERE claim_key_id = ?`, claimKeyID)
	if err != nil {
		return nil, fmt.Errorf("querying claim_activity_summary for claim_key %d: %w", claimKeyID, err)
	}
	defer rows.Close()

	var out []model.ClaimActivitySummary
	for rows.Next() {
		var s model.ClaimActivitySummary
		var first, last sql.NullTime
		if err := rows.Scan(&s.ClaimKeyID, &s.ActivityID, &s.SubmittedAmount, &s.PaidAmount, &s.TakenBackAmount,
			&s.NetPaidAmount, &s.RejectedAmount, &s.DeniedAmount, &s.LatestDenialCode, &s.RemittanceCount,
			&first, &last, &s.ActivityStatus); err != nil {
			return nil, fmt.Errorf("scanning claim_activity_summary: %w", err)
		}
		if first.Valid {
			s.FirstPaymentDate = &first.Time
		}
		if last.Valid {
			s.LastPaymentDate = &last.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *sqlTx) UpsertClaimPayment(ctx context.Context, p model.ClaimPayment) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO claim_payment (claim_key_id, total_submitted_amount, total_paid_amount, total_taken_back_amount,
		        total_net_paid_amount, total_rejected_amount, total_denied_amount, count_fully_paid, count_partially_paid,
		        count_rejected, count_pending, count_taken_back, count_partially_taken, first_submission_date,
		        last_submission_date, first_settlement_date, last_settlement_date, days_to_first_payment,
		        processing_cycles, resubmission_count, payment_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		   total_submitted_amount = VALUES(total_submitted_amount), total_paid_amount = VALUES(total_paid_amount),
		   total_taken_back_amount = VALUES(total_taken_back_amount), total_net_paid_amount = VALUES(total_net_paid_amount),
		   total_rejected_amount = VALUES(total_rejected_amount), total_denied_amount = VALUES(total_denied_amount),
		   count_fully_paid = VALUES(count_fully_paid), count_partially_paid = VALUES(count_partially_paid),
		   count_rejected = VALUES(count_rejected), count_pending = VALUES(count_pending),
		   count_taken_back = VALUES(count_taken_back), count_partially_taken = VALUES(count_partially_taken),
		   first_submission_date = VALUES(first_submission_date), last_submission_date = VALUES(last_submission_date),
		   first_settlement_date = VALUES(first_settlement_date), last_settlement_date = VALUES(last_settlement_date),
		   days_to_first_payment = VALUES(days_to_first_payment), processing_cycles = VALUES(processing_cycles),
		   resubmission_count = VALUES(resubmission_count), payment_status = VALUES(payment_status)`,
		p.ClaimKeyID, p.TotalSubmittedAmount, p.TotalPaidAmount, p.TotalTakenBackAmount, p.TotalNetPaidAmount,
		p.TotalRejectedAmount, p.TotalDeniedAmount, p.CountFullyPaid, p.CountPartiallyPaid, p.CountRejected,
		p.CountPending, p.CountTakenBack, p.CountPartiallyTaken, p.FirstSubmissionDate, p.LastSubmissionDate,
		p.FirstSettlementDate, p.LastSettlementDate, p.DaysToFirstPayment, p.ProcessingCycles, p.ResubmissionCount, p.PaymentStatus)
	if err != nil {
		return fmt.Errorf("upserting claim_payment for claim_key %d: %w", p.ClaimKeyID, err)
	}
	return nil
}

func (t *sqlTx) SubmissionEventsForClaimKey(ctx context.Context, claimKeyID int64) ([]model.ClaimEvent, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, claim_key_id, event_time, type FROM claim_event
		  WHERE claim_key_id = ? AND type IN (?, ?) ORDER BY event_time, id`,
		claimKeyID, model.EventSubmission, model.EventResubmission)
	if err != nil {
		return nil, fmt.Errorf("querying submission events for claim_key %d: %w", claimKeyID, err)
	}
	defer rows.Close()

	var out []model.ClaimEvent
	for rows.Next() {
		var e model.ClaimEvent
		if err := rows.Scan(&e.ID, &e.ClaimKeyID, &e.EventTime, &e.Type); err != nil {
			return nil, fmt.Errorf("scanning claim_event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *sqlTx) SettlementDatesForClaimKey(ctx context.Context, claimKeyID int64) ([]time.Time, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT date_settlement FROM remittance_claim WHERE claim_key_id = ? ORDER BY date_settlement`, claimKeyID)
	if err != nil {
		return nil, fmt.Errorf("querying settlement dates for claim_key %d: %w", claimKeyID, err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scanning settlement date: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
