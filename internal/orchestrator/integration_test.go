package orchestrator_test

// Full-engine test: a localfs source feeding the queue, worker pool,
// aggregates, verification and acknowledgement against a real Dolt
// server. Run with -short to skip when Docker is unavailable.

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/dolt"

	"github.com/claims-ingest/engine/internal/acker"
	"github.com/claims-ingest/engine/internal/fetcher/localfs"
	"github.com/claims-ingest/engine/internal/model"
	"github.com/claims-ingest/engine/internal/orchestrator"
	"github.com/claims-ingest/engine/internal/refdata"
	"github.com/claims-ingest/engine/internal/store/sqlstore"
	"github.com/claims-ingest/engine/internal/worker"
)

const submissionBody = `<Claim.Submission>
  <Header>
    <SenderID>FAC-001</SenderID>
    <ReceiverID>DHA</ReceiverID>
    <TransactionDate>2026-01-05 10:00:00</TransactionDate>
    <RecordCount>1</RecordCount>
  </Header>
  <Claim>
    <ID>C-E2E</ID>
    <IDPayer>PAY-01</IDPayer>
    <Net>100</Net>
    <Activity><ID>A1</ID><Net>100</Net><Clinician>DHA-P-001</Clinician></Activity>
  </Claim>
</Claim.Submission>`

func TestRun_LocalFSEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test requires docker")
	}
	ctx := context.Background()

	// Same fixture schema the persist pipeline tests use.
	ctr, err := dolt.Run(ctx, "dolthub/dolt-sql-server:1.32.4",
		dolt.WithDatabase("claims"),
		dolt.WithScripts(filepath.Join("..", "persist", "testdata", "schema.sql")),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "parseTime=true")
	require.NoError(t, err)
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := sqlstore.New(db)

	root := t.TempDir()
	ready := filepath.Join(root, "ready")
	done := filepath.Join(root, "done")
	errDir := filepath.Join(root, "error")
	require.NoError(t, os.MkdirAll(ready, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ready, "SUB-E2E.xml"), []byte(submissionBody), 0o644))

	src := orchestrator.Source{
		Name:    "localfs",
		Fetcher: localfs.New(localfs.Config{WatchDir: ready, FileGlob: "*.xml", RescanInterval: 50 * time.Millisecond}),
		Acker:   &acker.LocalFSAcker{DoneDir: done, ErrorDir: errDir},
	}
	resolver := refdata.New(st, true, 0)
	pool := worker.NewPool(2, 1, st, resolver, 30*time.Second)
	o := orchestrator.New(orchestrator.Config{
		Workers:            2,
		Overflow:           1,
		QueueCapacity:      16,
		PauseThresholdPct:  5,
		ResumeThresholdPct: 30,
		BackpressurePoll:   50 * time.Millisecond,
	}, []orchestrator.Source{src}, st, pool)

	runCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(runCtx) }()

	acked := filepath.Join(done, "SUB-E2E.xml")
	deadline := time.Now().Add(90 * time.Second)
	for {
		if _, err := os.Stat(acked); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("file never reached done/")
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-runErr)

	run, err := st.LatestIngestionRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.RunEnded, run.Status)
	assert.Equal(t, 1, run.OK)
	assert.Equal(t, 1, run.AcksSent)
	assert.Zero(t, run.Failed)

	audits, err := st.FileAuditsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, model.AuditOK, audits[0].Status)
	assert.True(t, audits[0].VerificationOK)
	assert.Equal(t, 1, audits[0].ParsedClaims)
	assert.Equal(t, audits[0].ParsedClaims, audits[0].PersistedClaims)
	assert.Equal(t, audits[0].ParsedActivities, audits[0].PersistedActivities)

	key, err := st.ClaimKeyByClaimID(ctx, "C-E2E")
	require.NoError(t, err)
	require.NotNil(t, key)
}
