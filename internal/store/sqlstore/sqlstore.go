// Package sqlstore implements store.Storage against any database/sql
// driver that speaks MySQL's wire dialect (ON DUPLICATE KEY UPDATE,
// SELECT ... FOR UPDATE). mysqlstore and doltstore both open a *sql.DB
// with their own driver and hand it to New.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/claims-ingest/engine/internal/model"
	"github.com/claims-ingest/engine/internal/store"
)

var (
	tracer trace.Tracer
	meter  metric.Meter

	retryCount metric.Int64Counter
)

func init() {
	tracer = otel.Tracer("claims-ingest/store/sqlstore")
	meter = otel.Meter("claims-ingest/store/sqlstore")
	retryCount, _ = meter.Int64Counter("claims_ingest.store.retry_count",
		metric.WithDescription("number of WithRetry attempts beyond the first"))
}

// Store wraps a *sql.DB already opened by mysqlstore or doltstore.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Begin opens a REPEATABLE READ transaction, the isolation level the
// locking discipline (LockClaimKey, then its claim and activity children)
// is designed around.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	return &sqlTx{tx: tx, ctx: ctx}, nil
}

// WithRetry runs fn, retrying with bounded exponential backoff whenever
// store.IsRetryable classifies the returned error as transient.
func (s *Store) WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "sqlstore.WithRetry")
	defer span.End()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bounded := backoff.WithMaxRetries(bo, 5)

	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			retryCount.Add(ctx, 1)
		}
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !store.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bounded)
}

// refTable maps a CodeKind to its reference table name.
func refTable(kind model.CodeKind) (string, error) {
	switch kind {
	case model.CodePayer:
		return "ref_payer", nil
	case model.CodeProvider:
		return "ref_provider", nil
	case model.CodeFacility:
		return "ref_facility", nil
	case model.CodeClinician:
		return "ref_clinician", nil
	case model.CodeActivity:
		return "ref_activity_code", nil
	case model.CodeDiagnosis:
		return "ref_diagnosis_code", nil
	case model.CodeDenial:
		return "ref_denial_code", nil
	default:
		return "", fmt.Errorf("sqlstore: unknown code kind %q", kind)
	}
}

func (s *Store) LookupRefCode(ctx context.Context, kind model.CodeKind, code string) (int64, bool, error) {
	if code == "" {
		return 0, false, nil
	}
	table, err := refTable(kind)
	if err != nil {
		return 0, false, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT id FROM %s WHERE code = ?", table), code).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlstore: looking up %s %q: %w", table, code, err)
	}
	return id, true, nil
}

// InsertRefCode auto-inserts code using the ON DUPLICATE KEY UPDATE
// id = LAST_INSERT_ID(id) idiom so a race between two workers discovering
// the same new code converges on one row instead of erroring.
func (s *Store) InsertRefCode(ctx context.Context, kind model.CodeKind, code string) (int64, error) {
	table, err := refTable(kind)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (code, name, status) VALUES (?, ?, 'ACTIVE') ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)", table), code, code)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: inserting %s %q: %w", table, code, err)
	}
	return res.LastInsertId()
}

func (s *Store) RecordCodeDiscovery(ctx context.Context, d model.CodeDiscoveryAudit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO code_discovery_audit (code, kind, auto_inserted, seen_at) VALUES (?, ?, ?, ?)`,
		d.Code, d.Kind, d.AutoInserted, d.SeenAt)
	if err != nil {
		return fmt.Errorf("sqlstore: recording code discovery: %w", err)
	}
	return nil
}

func (s *Store) InsertIngestionRun(ctx context.Context, r model.IngestionRun) (model.IngestionRun, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_run (status, started_at) VALUES (?, ?)`, r.Status, r.StartedAt)
	if err != nil {
		return model.IngestionRun{}, fmt.Errorf("sqlstore: inserting ingestion_run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.IngestionRun{}, fmt.Errorf("sqlstore: reading ingestion_run id: %w", err)
	}
	r.ID = id
	return r, nil
}

func (s *Store) UpdateIngestionRun(ctx context.Context, r model.IngestionRun) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_run SET status = ?, ended_at = ?, discovered = ?, pulled = ?, ok = ?, failed = ?, already = ?, acks_sent = ?, reason = ? WHERE id = ?`,
		r.Status, r.EndedAt, r.Discovered, r.Pulled, r.OK, r.Failed, r.Already, r.AcksSent, r.Reason, r.ID)
	if err != nil {
		return fmt.Errorf("sqlstore: updating ingestion_run %d: %w", r.ID, err)
	}
	return nil
}

func (s *Store) LatestIngestionRun(ctx context.Context) (*model.IngestionRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, started_at, ended_at, discovered, pulled, ok, failed, already, acks_sent, reason
		   FROM ingestion_run ORDER BY id DESC LIMIT 1`)
	var r model.IngestionRun
	var ended sql.NullTime
	var reason sql.NullString
	if err := row.Scan(&r.ID, &r.Status, &r.StartedAt, &ended, &r.Discovered, &r.Pulled, &r.OK, &r.Failed, &r.Already, &r.AcksSent, &reason); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlstore: reading latest ingestion_run: %w", err)
	}
	if ended.Valid {
		r.EndedAt = &ended.Time
	}
	r.Reason = reason.String
	return &r, nil
}

func (s *Store) FileAuditsForRun(ctx context.Context, runID int64) ([]model.IngestionFileAudit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, file_id, status, reason, parsed_claims, parsed_activities, persisted_claims, persisted_activities,
		        verification_ok, duration_ns, error_class, error_message, total_gross, total_net, total_patient_share,
		        unique_payers, unique_providers
		   FROM ingestion_file_audit WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: querying ingestion_file_audit for run %d: %w", runID, err)
	}
	defer rows.Close()

	var out []model.IngestionFileAudit
	for rows.Next() {
		var a model.IngestionFileAudit
		var durationNS int64
		if err := rows.Scan(&a.ID, &a.RunID, &a.FileID, &a.Status, &a.Reason, &a.ParsedClaims, &a.ParsedActivities,
			&a.PersistedClaims, &a.PersistedActivities, &a.VerificationOK, &durationNS, &a.ErrorClass, &a.ErrorMessage,
			&a.TotalGross, &a.TotalNet, &a.TotalPatientShare, &a.UniquePayers, &a.UniqueProviders); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning ingestion_file_audit: %w", err)
		}
		a.Duration = time.Duration(durationNS)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ErrorsForRun(ctx context.Context, runID int64) ([]model.IngestionError, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, file_id, stage, object_type, error_code, message, retryable, occurred_at
		   FROM ingestion_error WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: querying ingestion_error for run %d: %w", runID, err)
	}
	defer rows.Close()

	var out []model.IngestionError
	for rows.Next() {
		var e model.IngestionError
		if err := rows.Scan(&e.ID, &e.RunID, &e.FileID, &e.Stage, &e.ObjectType, &e.ErrorCode, &e.Message, &e.Retryable, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning ingestion_error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ClaimKeyByClaimID(ctx context.Context, claimID string) (*model.ClaimKey, error) {
	var ck model.ClaimKey
	err := s.db.QueryRowContext(ctx, `SELECT id, claim_id FROM claim_key WHERE claim_id = ?`, claimID).Scan(&ck.ID, &ck.ClaimID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: looking up claim_key %q: %w", claimID, err)
	}
	return &ck, nil
}
