package persist_test

// End-to-end pipeline tests against a real Dolt server: the idempotency
// protocol, the payment scenarios, and arrival-order independence are all
// checked against actual SQL semantics (unique keys, ON DUPLICATE KEY
// UPDATE, row locks) rather than a mock. Run with -short to skip when
// Docker is unavailable.

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/dolt"

	"github.com/claims-ingest/engine/internal/aggregates"
	"github.com/claims-ingest/engine/internal/mapper"
	"github.com/claims-ingest/engine/internal/model"
	"github.com/claims-ingest/engine/internal/parser"
	"github.com/claims-ingest/engine/internal/persist"
	"github.com/claims-ingest/engine/internal/refdata"
	"github.com/claims-ingest/engine/internal/store"
	"github.com/claims-ingest/engine/internal/store/sqlstore"
	"github.com/claims-ingest/engine/internal/verify"
)

func startStore(t *testing.T) (*sqlstore.Store, *sql.DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test requires docker")
	}
	ctx := context.Background()

	ctr, err := dolt.Run(ctx, "dolthub/dolt-sql-server:1.32.4",
		dolt.WithDatabase("claims"),
		dolt.WithScripts(filepath.Join("testdata", "schema.sql")),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "parseTime=true")
	require.NoError(t, err)
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	return sqlstore.New(db), db
}

const submissionSUB1 = `<Claim.Submission>
  <Header>
    <SenderID>FAC-001</SenderID>
    <ReceiverID>DHA</ReceiverID>
    <TransactionDate>2026-01-05 10:00:00</TransactionDate>
    <RecordCount>1</RecordCount>
    <DispositionFlag>PRODUCTION</DispositionFlag>
  </Header>
  <Claim>
    <ID>C1</ID>
    <IDPayer>PAY-01</IDPayer>
    <MemberID>M-1001</MemberID>
    <EmiratesIDNumber>784-1980-1234567-1</EmiratesIDNumber>
    <Gross>160</Gross>
    <PatientShare>10</PatientShare>
    <Net>150</Net>
    <Encounter>
      <FacilityID>FAC-001</FacilityID>
      <Type>1</Type>
      <StartDate>2026-01-04 09:00:00</StartDate>
      <EndDate>2026-01-04 09:30:00</EndDate>
    </Encounter>
    <Diagnosis><Type>Principal</Type><Code>J06.9</Code></Diagnosis>
    <Activity>
      <ID>A1</ID>
      <Start>2026-01-04 09:00:00</Start>
      <Type>3</Type>
      <Code>17110-30</Code>
      <Quantity>1</Quantity>
      <Net>100</Net>
      <Clinician>DHA-P-001</Clinician>
      <Observation><Type>LOINC</Type><Code>8480-6</Code><Value>120</Value></Observation>
    </Activity>
    <Activity>
      <ID>A2</ID>
      <Start>2026-01-04 09:10:00</Start>
      <Type>3</Type>
      <Code>17110-31</Code>
      <Quantity>1</Quantity>
      <Net>50</Net>
      <Clinician>DHA-P-001</Clinician>
    </Activity>
  </Claim>
</Claim.Submission>`

// remittanceFor builds a Remittance.Advice document body for one claim.
func remittanceFor(claimID, settlement, activities string) string {
	return `<Remittance.Advice>
  <Header>
    <SenderID>PAY-01</SenderID>
    <ReceiverID>FAC-001</ReceiverID>
    <TransactionDate>` + settlement + `</TransactionDate>
    <RecordCount>1</RecordCount>
  </Header>
  <Claim>
    <ID>` + claimID + `</ID>
    <IDPayer>PAY-01</IDPayer>
    <ProviderID>FAC-001</ProviderID>
    <DateSettlement>` + settlement + `</DateSettlement>
    <PaymentReference>PR-` + claimID + `</PaymentReference>
` + activities + `
  </Claim>
</Remittance.Advice>`
}

func remitActivity(id, net, payment, denial string) string {
	s := "    <Activity><ID>" + id + "</ID><Net>" + net + "</Net><PaymentAmount>" + payment + "</PaymentAmount>"
	if denial != "" {
		s += "<DenialCode>" + denial + "</DenialCode>"
	}
	return s + "</Activity>"
}

// ingest runs the worker pipeline for one file: parse, map, persist,
// recalculate aggregates per touched claim key, verify.
func ingest(t *testing.T, st store.Storage, fileID string, body string) persist.Outcome {
	t.Helper()
	ctx := context.Background()

	parsed, perr := parser.Parse([]byte(body), fileID)
	require.NoError(t, perr)

	file := model.IngestionFile{
		FileID:          fileID,
		RootType:        parsed.Root,
		SenderID:        parsed.Header.SenderID,
		ReceiverID:      parsed.Header.ReceiverID,
		TransactionDate: parsed.Header.TransactionDate,
		RecordCount:     parsed.Counts.Total(),
	}
	resolver := refdata.New(st, true, 0)
	rs, err := mapper.Map(ctx, parsed, file, resolver.PerFileCache())
	require.NoError(t, err)

	out, err := persist.Persist(ctx, st, rs)
	require.NoError(t, err)
	if out.Already {
		return out
	}

	for _, ck := range out.TouchedClaimKeys {
		tx, err := st.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.LockClaimKey(ctx, ck))
		require.NoError(t, aggregates.RecalculateActivitySummary(ctx, tx, ck))
		require.NoError(t, aggregates.RecalculateClaimPayment(ctx, tx, ck))
		require.NoError(t, tx.Commit())
	}

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	vres, err := verify.Verify(ctx, tx, rs, out.TouchedClaimKeys)
	require.NoError(t, err)
	require.True(t, vres.OK, "verification failed: %v", vres.Reasons)

	return out
}

// markAuditOK records an OK audit for fileID so a later Persist of the
// same file takes the ALREADY short circuit, the way the worker does
// after a verified run.
func markAuditOK(t *testing.T, st store.Storage, fileID string) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertIngestionFileAudit(ctx, model.IngestionFileAudit{
		RunID: 1, FileID: fileID, Status: model.AuditOK, VerificationOK: true,
	}))
	require.NoError(t, tx.Commit())
}

func summariesFor(t *testing.T, st store.Storage, claimID string) (int64, map[string]model.ClaimActivitySummary) {
	t.Helper()
	ctx := context.Background()
	key, err := st.ClaimKeyByClaimID(ctx, claimID)
	require.NoError(t, err)
	require.NotNil(t, key, "claim_key for %s", claimID)

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	rows, err := tx.ActivitySummariesForClaimKey(ctx, key.ID)
	require.NoError(t, err)

	out := make(map[string]model.ClaimActivitySummary, len(rows))
	for _, s := range rows {
		out[s.ActivityID] = s
	}
	return key.ID, out
}

func claimPaymentFor(t *testing.T, db *sql.DB, claimKeyID int64) model.ClaimPayment {
	t.Helper()
	var p model.ClaimPayment
	err := db.QueryRow(
		`SELECT claim_key_id, total_submitted_amount, total_paid_amount, total_taken_back_amount,
		        total_net_paid_amount, total_rejected_amount, payment_status, processing_cycles
		   FROM claim_payment WHERE claim_key_id = ?`, claimKeyID).
		Scan(&p.ClaimKeyID, &p.TotalSubmittedAmount, &p.TotalPaidAmount, &p.TotalTakenBackAmount,
			&p.TotalNetPaidAmount, &p.TotalRejectedAmount, &p.PaymentStatus, &p.ProcessingCycles)
	require.NoError(t, err)
	return p
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// A submission with no remittance leaves every activity PENDING.
func TestIngest_SubmissionOnly(t *testing.T) {
	st, db := startStore(t)

	out := ingest(t, st, "SUB-1.xml", submissionSUB1)
	assert.False(t, out.Already)
	assert.Equal(t, 1, out.PersistedClaims)
	assert.Equal(t, 2, out.PersistedActivities)
	assert.Equal(t, 150.0, out.TotalNet)
	assert.Equal(t, 160.0, out.TotalGross)
	assert.Equal(t, 10.0, out.TotalPatientShare)

	ck, sums := summariesFor(t, st, "C1")
	require.Len(t, sums, 2)
	for _, s := range sums {
		assert.Equal(t, model.StatusPending, s.ActivityStatus)
		assert.Zero(t, s.PaidAmount)
		assert.Zero(t, s.TakenBackAmount)
		assert.Zero(t, s.NetPaidAmount)
	}

	p := claimPaymentFor(t, db, ck)
	assert.Equal(t, 150.0, p.TotalSubmittedAmount)
	assert.Equal(t, model.StatusPending, p.PaymentStatus)
	assert.Equal(t, 1, p.ProcessingCycles)

	assert.Equal(t, 1, countRows(t, db, "claim_event"))
}

// Full payment of both activities flips everything to FULLY_PAID.
func TestIngest_FullPayment(t *testing.T) {
	st, db := startStore(t)

	ingest(t, st, "SUB-1.xml", submissionSUB1)
	rem := remittanceFor("C1", "2026-01-20 00:00:00",
		remitActivity("A1", "100", "100", "")+"\n"+remitActivity("A2", "50", "50", ""))
	ingest(t, st, "REM-1.xml", rem)

	ck, sums := summariesFor(t, st, "C1")
	require.Len(t, sums, 2)
	assert.Equal(t, model.StatusFullyPaid, sums["A1"].ActivityStatus)
	assert.Equal(t, model.StatusFullyPaid, sums["A2"].ActivityStatus)
	assert.Equal(t, 100.0, sums["A1"].PaidAmount)
	assert.Equal(t, 50.0, sums["A2"].PaidAmount)

	p := claimPaymentFor(t, db, ck)
	assert.Equal(t, 150.0, p.TotalPaidAmount)
	assert.Equal(t, 150.0, p.TotalNetPaidAmount)
	assert.Equal(t, model.StatusFullyPaid, p.PaymentStatus)
}

// A partial payment followed by a take-back lands on
// PARTIALLY_TAKEN_BACK with the documented amounts.
func TestIngest_PartialThenReversal(t *testing.T) {
	st, _ := startStore(t)

	sub := `<Claim.Submission>
  <Header>
    <SenderID>FAC-001</SenderID><ReceiverID>DHA</ReceiverID>
    <TransactionDate>2026-01-05 10:00:00</TransactionDate><RecordCount>1</RecordCount>
  </Header>
  <Claim>
    <ID>C2</ID><IDPayer>PAY-01</IDPayer><Net>200</Net>
    <Activity><ID>A1</ID><Net>200</Net><Clinician>DHA-P-001</Clinician></Activity>
  </Claim>
</Claim.Submission>`
	ingest(t, st, "SUB-C2.xml", sub)
	ingest(t, st, "REM-2.xml", remittanceFor("C2", "2026-01-20 00:00:00", remitActivity("A1", "200", "150", "")))

	_, sums := summariesFor(t, st, "C2")
	assert.Equal(t, model.StatusPartiallyPaid, sums["A1"].ActivityStatus)
	assert.Equal(t, 150.0, sums["A1"].NetPaidAmount)

	ingest(t, st, "REM-3.xml", remittanceFor("C2", "2026-02-01 00:00:00", remitActivity("A1", "0", "-50", "")))

	_, sums = summariesFor(t, st, "C2")
	s := sums["A1"]
	assert.Equal(t, 150.0, s.PaidAmount)
	assert.Equal(t, 50.0, s.TakenBackAmount)
	assert.Equal(t, 100.0, s.NetPaidAmount)
	assert.Equal(t, model.StatusPartiallyTakenBack, s.ActivityStatus)
	assert.Equal(t, 2, s.RemittanceCount)
}

// A zero payment with a denial code rejects the full submitted amount.
func TestIngest_Denial(t *testing.T) {
	st, _ := startStore(t)

	sub := `<Claim.Submission>
  <Header>
    <SenderID>FAC-001</SenderID><ReceiverID>DHA</ReceiverID>
    <TransactionDate>2026-01-05 10:00:00</TransactionDate><RecordCount>1</RecordCount>
  </Header>
  <Claim>
    <ID>C3</ID><IDPayer>PAY-01</IDPayer><Net>80</Net>
    <Activity><ID>A1</ID><Net>80</Net><Clinician>DHA-P-001</Clinician></Activity>
  </Claim>
</Claim.Submission>`
	ingest(t, st, "SUB-C3.xml", sub)
	ingest(t, st, "REM-4.xml", remittanceFor("C3", "2026-01-22 00:00:00", remitActivity("A1", "80", "0", "MNEC-003")))

	_, sums := summariesFor(t, st, "C3")
	s := sums["A1"]
	assert.Zero(t, s.PaidAmount)
	assert.Equal(t, "MNEC-003", s.LatestDenialCode)
	assert.Equal(t, 80.0, s.RejectedAmount)
	assert.Equal(t, s.RejectedAmount, s.DeniedAmount)
	assert.Equal(t, model.StatusRejected, s.ActivityStatus)
}

// A remittance arriving before its submission persists fine, writes
// no premature summary rows, and converges once the submission lands.
func TestIngest_RemittanceBeforeSubmission(t *testing.T) {
	st, db := startStore(t)
	ctx := context.Background()

	out := ingest(t, st, "REM-5.xml", remittanceFor("C4", "2026-01-25 00:00:00", remitActivity("A1", "120", "120", "")))
	assert.Equal(t, 1, out.PersistedClaims)

	key, err := st.ClaimKeyByClaimID(ctx, "C4")
	require.NoError(t, err)
	require.NotNil(t, key, "remittance must create the claim key")

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM claim_activity_summary WHERE claim_key_id = ?`, key.ID).Scan(&n))
	assert.Zero(t, n, "no summary rows until the submission supplies submitted_amount")

	sub := `<Claim.Submission>
  <Header>
    <SenderID>FAC-001</SenderID><ReceiverID>DHA</ReceiverID>
    <TransactionDate>2026-01-05 10:00:00</TransactionDate><RecordCount>1</RecordCount>
  </Header>
  <Claim>
    <ID>C4</ID><IDPayer>PAY-01</IDPayer><Net>120</Net>
    <Activity><ID>A1</ID><Net>120</Net><Clinician>DHA-P-001</Clinician></Activity>
  </Claim>
</Claim.Submission>`
	ingest(t, st, "SUB-2.xml", sub)

	ck, sums := summariesFor(t, st, "C4")
	s := sums["A1"]
	assert.Equal(t, 120.0, s.SubmittedAmount)
	assert.Equal(t, 120.0, s.PaidAmount)
	assert.Equal(t, model.StatusFullyPaid, s.ActivityStatus)

	p := claimPaymentFor(t, db, ck)
	assert.Equal(t, model.StatusFullyPaid, p.PaymentStatus)
}

// Reprocessing the same bytes after an OK audit is a no-op ALREADY.
func TestIngest_ReprocessIsAlready(t *testing.T) {
	st, db := startStore(t)
	ctx := context.Background()

	ingest(t, st, "SUB-1.xml", submissionSUB1)
	markAuditOK(t, st, "SUB-1.xml")

	before := map[string]int{}
	for _, table := range []string{"claim", "activity", "claim_event", "claim_key", "encounter", "diagnosis"} {
		before[table] = countRows(t, db, table)
	}

	parsed, perr := parser.Parse([]byte(submissionSUB1), "SUB-1.xml")
	require.NoError(t, perr)
	resolver := refdata.New(st, true, 0)
	rs, err := mapper.Map(ctx, parsed, model.IngestionFile{FileID: "SUB-1.xml", RootType: parsed.Root,
		SenderID: parsed.Header.SenderID, ReceiverID: parsed.Header.ReceiverID,
		TransactionDate: parsed.Header.TransactionDate, RecordCount: parsed.Counts.Total()}, resolver.PerFileCache())
	require.NoError(t, err)

	out, err := persist.Persist(ctx, st, rs)
	require.NoError(t, err)
	assert.True(t, out.Already)
	assert.Zero(t, out.PersistedClaims)

	for _, table := range []string{"claim", "activity", "claim_event", "claim_key", "encounter", "diagnosis"} {
		assert.Equal(t, before[table], countRows(t, db, table), "%s rows must not change on reprocess", table)
	}

	// An ALREADY audit on top of the OK one must not reopen the file.
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertIngestionFileAudit(ctx, model.IngestionFileAudit{
		RunID: 2, FileID: "SUB-1.xml", Status: model.AuditAlready,
	}))
	require.NoError(t, tx.Commit())

	out, err = persist.Persist(ctx, st, rs)
	require.NoError(t, err)
	assert.True(t, out.Already, "a file with any OK audit stays ALREADY")
}

// A file whose persist committed but whose pipeline later failed (FAILED
// audit, no OK) is redelivered and runs the full write path again; every
// child row must coalesce on its uniqueness key instead of duplicating.
func TestIngest_ReprocessAfterFailedAudit(t *testing.T) {
	st, db := startStore(t)
	ctx := context.Background()

	ingest(t, st, "SUB-1.xml", submissionSUB1)

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertIngestionFileAudit(ctx, model.IngestionFileAudit{
		RunID: 1, FileID: "SUB-1.xml", Status: model.AuditFailed, Reason: "AGGREGATE_FAILED",
	}))
	require.NoError(t, tx.Commit())

	tables := []string{"claim", "activity", "encounter", "diagnosis", "observation", "claim_event", "claim_key"}
	before := map[string]int{}
	for _, table := range tables {
		before[table] = countRows(t, db, table)
	}

	out := ingest(t, st, "SUB-1.xml", submissionSUB1)
	assert.False(t, out.Already, "a FAILED audit reopens the file for reprocessing")

	for _, table := range tables {
		assert.Equal(t, before[table], countRows(t, db, table), "%s rows must coalesce, not duplicate, on reprocess", table)
	}
}

// Exactly one SUBMISSION event per claim key, even when the same claim is
// submitted again in a fresh file carrying a resubmission block.
func TestIngest_ResubmissionAppendsEvent(t *testing.T) {
	st, db := startStore(t)
	ctx := context.Background()

	ingest(t, st, "SUB-1.xml", submissionSUB1)

	resub := `<Claim.Submission>
  <Header>
    <SenderID>FAC-001</SenderID><ReceiverID>DHA</ReceiverID>
    <TransactionDate>2026-02-05 10:00:00</TransactionDate><RecordCount>1</RecordCount>
  </Header>
  <Claim>
    <ID>C1</ID><IDPayer>PAY-01</IDPayer><Net>150</Net>
    <Activity><ID>A1</ID><Net>100</Net><Clinician>DHA-P-001</Clinician></Activity>
    <Activity><ID>A2</ID><Net>50</Net><Clinician>DHA-P-001</Clinician></Activity>
    <Resubmission><Type>correction</Type><Comment>corrected quantity</Comment></Resubmission>
  </Claim>
</Claim.Submission>`
	ingest(t, st, "SUB-1-RESUB.xml", resub)

	key, err := st.ClaimKeyByClaimID(ctx, "C1")
	require.NoError(t, err)
	require.NotNil(t, key)

	var submissions, resubmissions int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM claim_event WHERE claim_key_id = ? AND type = ?`,
		key.ID, model.EventSubmission).Scan(&submissions))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM claim_event WHERE claim_key_id = ? AND type = ?`,
		key.ID, model.EventResubmission).Scan(&resubmissions))
	assert.Equal(t, 1, submissions, "exactly one SUBMISSION event per claim key")
	assert.Equal(t, 1, resubmissions)
	assert.Equal(t, 1, countRows(t, db, "claim_resubmission"))

	p := claimPaymentFor(t, db, key.ID)
	assert.Equal(t, 2, p.ProcessingCycles)
}

// Rerunning the pure recalculation functions converges: the second run
// reads back byte-identical summary rows.
func TestRecalculate_Idempotent(t *testing.T) {
	st, _ := startStore(t)
	ctx := context.Background()

	ingest(t, st, "SUB-1.xml", submissionSUB1)
	ingest(t, st, "REM-1.xml", remittanceFor("C1", "2026-01-20 00:00:00",
		remitActivity("A1", "100", "100", "")+"\n"+remitActivity("A2", "50", "25", "")))

	_, first := summariesFor(t, st, "C1")

	key, err := st.ClaimKeyByClaimID(ctx, "C1")
	require.NoError(t, err)
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.LockClaimKey(ctx, key.ID))
	require.NoError(t, aggregates.RecalculateActivitySummary(ctx, tx, key.ID))
	require.NoError(t, aggregates.RecalculateClaimPayment(ctx, tx, key.ID))
	require.NoError(t, tx.Commit())

	_, second := summariesFor(t, st, "C1")
	assert.Equal(t, first, second)
}
