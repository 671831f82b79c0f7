// Package store defines the storage contract the rest of the engine
// programs against; sqlstore provides one shared implementation used by
// both the mysqlstore and doltstore backends.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/claims-ingest/engine/internal/model"
)

// RemittanceActivityRow is a RemittanceActivity row plus the settlement
// date of the remittance_claim it belongs to, which aggregates needs for
// ordering but which the model type itself does not carry.
type RemittanceActivityRow struct {
	model.RemittanceActivity
	DateSettlement time.Time
}

// Tx is the full per-transaction DAO contract. One Tx wraps one
// database transaction; every method either succeeds as part of that
// transaction or the caller rolls the whole thing back.
type Tx interface {
	UpsertIngestionFile(ctx context.Context, f model.IngestionFile) (model.IngestionFile, *model.FileAuditStatus, error)
	UpsertClaimKey(ctx context.Context, claimID string) (model.ClaimKey, error)
	LockClaimKey(ctx context.Context, claimKeyID int64) error

	UpsertSubmission(ctx context.Context, s model.Submission) (model.Submission, error)
	UpsertRemittance(ctx context.Context, r model.Remittance) (model.Remittance, error)

	UpsertClaim(ctx context.Context, c model.Claim) (model.Claim, error)
	UpsertEncounter(ctx context.Context, e model.Encounter) error
	UpsertActivity(ctx context.Context, a model.Activity) (model.Activity, error)
	UpsertObservation(ctx context.Context, o model.Observation) error
	UpsertDiagnosis(ctx context.Context, d model.Diagnosis) error

	UpsertRemittanceClaim(ctx context.Context, rc model.RemittanceClaim) (model.RemittanceClaim, error)
	UpsertRemittanceActivity(ctx context.Context, ra model.RemittanceActivity) error

	HasSubmissionEvent(ctx context.Context, claimKeyID int64) (bool, error)
	InsertClaimEvent(ctx context.Context, e model.ClaimEvent) (model.ClaimEvent, error)
	InsertClaimResubmission(ctx context.Context, r model.ClaimResubmission) error
	UpsertClaimStatusTimeline(ctx context.Context, t model.ClaimStatusTimeline) error

	InsertIngestionFileAudit(ctx context.Context, a model.IngestionFileAudit) error
	InsertIngestionError(ctx context.Context, e model.IngestionError) error

	CountClaimsForSubmission(ctx context.Context, ingestionFileID int64) (int, error)
	CountActivitiesForSubmission(ctx context.Context, ingestionFileID int64) (int, error)
	CountOrphanActivities(ctx context.Context, ingestionFileID int64) (int, error)
	CountOrphanObservations(ctx context.Context, ingestionFileID int64) (int, error)
	CountRemittanceClaims(ctx context.Context, ingestionFileID int64) (int, error)
	CountRemittanceActivities(ctx context.Context, ingestionFileID int64) (int, error)
	CountClaimEvents(ctx context.Context, claimKeyID int64) (int, error)

	ActivitiesForClaimKey(ctx context.Context, claimKeyID int64) ([]model.Activity, error)
	RemittanceActivitiesForClaimKey(ctx context.Context, claimKeyID int64) ([]RemittanceActivityRow, error)
	UpsertClaimActivitySummary(ctx context.Context, s model.ClaimActivitySummary) error
	DeleteClaimActivitySummary(ctx context.Context, claimKeyID int64, activityID string) error
	ActivitySummariesForClaimKey(ctx context.Context, claimKeyID int64) ([]model.ClaimActivitySummary, error)

	UpsertClaimPayment(ctx context.Context, p model.ClaimPayment) error
	SubmissionEventsForClaimKey(ctx context.Context, claimKeyID int64) ([]model.ClaimEvent, error)
	SettlementDatesForClaimKey(ctx context.Context, claimKeyID int64) ([]time.Time, error)

	Commit() error
	Rollback() error
}

// refdataLookup is the subset of Storage that refdata.Lookup needs;
// embedding it in Storage lets a *sqlstore.Store satisfy both without a
// separate adapter type.
type refdataLookup interface {
	LookupRefCode(ctx context.Context, kind model.CodeKind, code string) (id int64, found bool, err error)
	InsertRefCode(ctx context.Context, kind model.CodeKind, code string) (id int64, err error)
	RecordCodeDiscovery(ctx context.Context, d model.CodeDiscoveryAudit) error
}

// Storage is the top-level handle the orchestrator and CLI hold: it
// opens transactions and owns the connection pool.
type Storage interface {
	refdataLookup

	Begin(ctx context.Context) (Tx, error)
	// WithRetry runs fn, retrying with bounded exponential backoff on any
	// error IsRetryable considers transient.
	WithRetry(ctx context.Context, fn func(ctx context.Context) error) error

	InsertIngestionRun(ctx context.Context, r model.IngestionRun) (model.IngestionRun, error)
	UpdateIngestionRun(ctx context.Context, r model.IngestionRun) error
	LatestIngestionRun(ctx context.Context) (*model.IngestionRun, error)
	FileAuditsForRun(ctx context.Context, runID int64) ([]model.IngestionFileAudit, error)
	ErrorsForRun(ctx context.Context, runID int64) ([]model.IngestionError, error)
	ClaimKeyByClaimID(ctx context.Context, claimID string) (*model.ClaimKey, error)

	Close() error
}

// IsRetryable reports whether err looks like a transient storage error
// (deadlock, lock wait timeout, connection reset) worth retrying rather
// than failing the file outright. It matches on message substrings
// because both the mysql and dolt drivers surface these as plain
// *mysql.MySQLError / driver.ErrBadConn style errors without a single
// shared sentinel.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), []string{
		"deadlock",
		"lock wait timeout",
		"try restarting transaction",
		"connection reset",
		"broken pipe",
		"bad connection",
		"driver: bad connection",
	})
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if indexFold(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexFold(s, substr string) int {
	return strings.Index(strings.ToLower(s), strings.ToLower(substr))
}
