// Package model holds the canonical entities of the claims ingestion domain:
// the base tables the pipeline writes (ClaimKey, IngestionFile, Submission,
// Claim and its children, Remittance and its children, the event/timeline
// tables) and the two derived aggregate rows (ClaimActivitySummary,
// ClaimPayment). These types are shared by the parser, mapper, storage and
// aggregates packages so that a RowSet produced by the mapper and a row read
// back by storage are the same Go value.
package model

import "time"

// RootType distinguishes the two recognized XML dialects.
type RootType int

const (
	RootSubmission RootType = 1
	RootRemittance RootType = 2
)

// ClaimEventType enumerates the three lifecycle event kinds.
type ClaimEventType int

const (
	EventSubmission   ClaimEventType = 1
	EventResubmission ClaimEventType = 2
	EventRemittance   ClaimEventType = 3
)

// Status is the six-state set shared by ClaimActivitySummary.activity_status
// and ClaimPayment.payment_status.
type Status string

const (
	StatusFullyPaid          Status = "FULLY_PAID"
	StatusPartiallyPaid      Status = "PARTIALLY_PAID"
	StatusRejected           Status = "REJECTED"
	StatusPending            Status = "PENDING"
	StatusTakenBack          Status = "TAKEN_BACK"
	StatusPartiallyTakenBack Status = "PARTIALLY_TAKEN_BACK"
)

// ClaimKey is the canonical identity spine of a claim. Created on first
// sight of either a submission or a remittance referencing claim_id. Never
// deleted by the core while any dependent row exists.
type ClaimKey struct {
	ID      int64
	ClaimID string
}

// IngestionFile is one decoded source document. Uniqueness on FileID is the
// primary idempotency key at the file grain.
type IngestionFile struct {
	ID              int64
	FileID          string
	RootType        RootType
	SenderID        string
	ReceiverID      string
	TransactionDate time.Time
	RecordCount     int
	RawHash         string // optional, sha256 hex of raw bytes
	Facility        string // fetcher-assigned facility label, empty if source is facility-agnostic
}

// Submission is one submission document, one-to-one with an IngestionFile
// of RootSubmission.
type Submission struct {
	ID              int64
	IngestionFileID int64
	DispositionFlag string
}

// Claim is one claim within a submission. Unique (SubmissionID, ClaimKeyID).
type Claim struct {
	ID               int64
	ClaimKeyID       int64
	SubmissionID     int64
	IDPayer          string
	PayerRefID       *int64
	ProviderID       string
	ProviderRefID    *int64
	MemberID         string
	EmiratesIDNumber string
	Gross            float64
	PatientShare     float64
	Net              float64
	TxAt             time.Time
}

// Encounter is a child of Claim.
type Encounter struct {
	ID         int64
	ClaimID    int64
	FacilityID string
	Type       string
	StartDate  time.Time
	EndDate    time.Time
}

// Activity is a child of Claim, uniquely identified within a claim by its
// business ActivityID.
type Activity struct {
	ID         int64
	ClaimID    int64
	ActivityID string
	Start      time.Time
	Type       string
	Code       string
	Quantity   float64
	Net        float64
	Clinician  string
}

// Observation is a child of Activity.
type Observation struct {
	ID         int64
	ActivityID int64
	Type       string
	Code       string
	Value      string
}

// Diagnosis is a child of Claim.
type Diagnosis struct {
	ID      int64
	ClaimID int64
	Type    string
	Code    string
}

// Remittance is one remittance document, one-to-one with an IngestionFile
// of RootRemittance.
type Remittance struct {
	ID              int64
	IngestionFileID int64
}

// RemittanceClaim is a remittance for one claim_key. Unique
// (RemittanceID, ClaimKeyID).
type RemittanceClaim struct {
	ID               int64
	ClaimKeyID       int64
	RemittanceID     int64
	IDPayer          string
	PayerRefID       *int64
	ProviderID       string
	ProviderRefID    *int64
	DateSettlement   time.Time
	PaymentReference string
}

// RemittanceActivity is a remittance line against a specific ActivityID
// within a RemittanceClaim. PaymentAmount is signed: negative values are
// take-backs.
type RemittanceActivity struct {
	ID                int64
	RemittanceClaimID int64
	ActivityID        string
	PaymentAmount     float64
	DenialCode        string
	Net               float64
}

// ClaimEvent is an append-only lifecycle record.
type ClaimEvent struct {
	ID         int64
	ClaimKeyID int64
	EventTime  time.Time
	Type       ClaimEventType
}

// ClaimResubmission is attached to a RESUBMISSION event.
type ClaimResubmission struct {
	ID               int64
	ClaimEventID     int64
	ResubmissionType string
	Comment          string
}

// ClaimStatusTimeline is the derived current status per claim_key.
type ClaimStatusTimeline struct {
	ClaimKeyID int64
	Status     Status
	UpdatedAt  time.Time
}

// ClaimActivitySummary is one row per (ClaimKeyID, ActivityID). It is
// idempotently rebuildable from base tables by RecalculateActivitySummary.
type ClaimActivitySummary struct {
	ClaimKeyID       int64
	ActivityID       string
	SubmittedAmount  float64
	PaidAmount       float64
	TakenBackAmount  float64
	NetPaidAmount    float64
	RejectedAmount   float64
	DeniedAmount     float64
	LatestDenialCode string
	RemittanceCount  int
	FirstPaymentDate *time.Time
	LastPaymentDate  *time.Time
	ActivityStatus   Status
}

// ClaimPayment is one row per ClaimKeyID, the straight sum of its
// activities' amounts plus lifecycle metrics.
type ClaimPayment struct {
	ClaimKeyID           int64
	TotalSubmittedAmount float64
	TotalPaidAmount      float64
	TotalTakenBackAmount float64
	TotalNetPaidAmount   float64
	TotalRejectedAmount  float64
	TotalDeniedAmount    float64
	CountFullyPaid       int
	CountPartiallyPaid   int
	CountRejected        int
	CountPending         int
	CountTakenBack       int
	CountPartiallyTaken  int
	FirstSubmissionDate  *time.Time
	LastSubmissionDate   *time.Time
	FirstSettlementDate  *time.Time
	LastSettlementDate   *time.Time
	DaysToFirstPayment   *int
	ProcessingCycles     int
	ResubmissionCount    int
	PaymentStatus        Status
}

// IngestionRunStatus is the top-level run state machine.
type IngestionRunStatus string

const (
	RunStarting IngestionRunStatus = "STARTING"
	RunRunning  IngestionRunStatus = "RUNNING"
	RunDraining IngestionRunStatus = "DRAINING"
	RunEnded    IngestionRunStatus = "ENDED"
)

// IngestionRun is one orchestrator activation.
type IngestionRun struct {
	ID         int64
	Status     IngestionRunStatus
	StartedAt  time.Time
	EndedAt    *time.Time
	Discovered int
	Pulled     int
	OK         int
	Failed     int
	Already    int
	AcksSent   int
	Reason     string
}

// FileAuditStatus is IngestionFileAudit.status.
type FileAuditStatus int

const (
	AuditAlready        FileAuditStatus = 0
	AuditOK             FileAuditStatus = 1
	AuditFailed         FileAuditStatus = 2
	AuditFailedTerminal FileAuditStatus = 3
)

// IngestionFileAudit is the per-file record within a run.
type IngestionFileAudit struct {
	ID                  int64
	RunID               int64
	FileID              string
	Status              FileAuditStatus
	Reason              string
	ParsedClaims        int
	ParsedActivities    int
	PersistedClaims     int
	PersistedActivities int
	VerificationOK      bool
	Duration            time.Duration
	ErrorClass          string
	ErrorMessage        string
	TotalGross          float64
	TotalNet            float64
	TotalPatientShare   float64
	UniquePayers        int
	UniqueProviders     int
}

// CodeKind distinguishes which reference-data table a code resolves
// against.
type CodeKind string

const (
	CodePayer     CodeKind = "PAYER"
	CodeProvider  CodeKind = "PROVIDER"
	CodeFacility  CodeKind = "FACILITY"
	CodeClinician CodeKind = "CLINICIAN"
	CodeActivity  CodeKind = "ACTIVITY"
	CodeDiagnosis CodeKind = "DIAGNOSIS"
	CodeDenial    CodeKind = "DENIAL"
)

// CodeDiscoveryAudit records a reference-code resolution miss, whether or
// not auto_insert created a row for it.
type CodeDiscoveryAudit struct {
	ID           int64
	Code         string
	Kind         CodeKind
	AutoInserted bool
	SeenAt       time.Time
}

// IngestionError records one error instance for a file processed during a
// run, independent of the single terminal IngestionFileAudit row.
type IngestionError struct {
	ID         int64
	RunID      int64
	FileID     string
	Stage      string
	ObjectType string
	ErrorCode  string
	Message    string
	Retryable  bool
	OccurredAt time.Time
}
