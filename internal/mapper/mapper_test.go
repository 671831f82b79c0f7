package mapper_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claims-ingest/engine/internal/mapper"
	"github.com/claims-ingest/engine/internal/model"
	"github.com/claims-ingest/engine/internal/parser"
	"github.com/claims-ingest/engine/internal/refdata"
)

// fakeLookup always reports a miss and does not auto-insert; it exists so
// Map can be exercised without a real storage backend.
type fakeLookup struct{}

func (fakeLookup) LookupRefCode(context.Context, model.CodeKind, string) (int64, bool, error) {
	return 0, false, nil
}
func (fakeLookup) InsertRefCode(context.Context, model.CodeKind, string) (int64, error) {
	return 0, nil
}
func (fakeLookup) RecordCodeDiscovery(context.Context, model.CodeDiscoveryAudit) error {
	return nil
}

func newScope() *refdata.FileScope {
	return refdata.New(fakeLookup{}, false, 0).PerFileCache()
}

func TestMap_Submission(t *testing.T) {
	p := &parser.Parsed{
		Root: model.RootSubmission,
		Header: parser.Header{
			DispositionFlag: "P",
		},
		Claims: []parser.ClaimDTO{
			{
				ID:      "CL-1",
				IDPayer: "PAY-1",
				Net:     90,
				Encounters: []parser.EncounterDTO{
					{FacilityID: "FAC-1", Type: "1"},
				},
				Diagnoses: []parser.DiagnosisDTO{{Type: "Principal", Code: "A01.1"}},
				Activities: []parser.ActivityDTO{
					{
						ActivityID: "ACT-1",
						Net:        90,
						Observations: []parser.ObservationDTO{
							{Type: "LOINC", Code: "1234-5", Value: "10"},
						},
					},
				},
			},
		},
	}
	file := model.IngestionFile{FileID: "file-1", RootType: model.RootSubmission}

	rs, err := mapper.Map(context.Background(), p, file, newScope())
	require.NoError(t, err)
	require.NotNil(t, rs.Submission)
	assert.Equal(t, "P", rs.Submission.DispositionFlag)
	require.Len(t, rs.Claims, 1)

	c := rs.Claims[0]
	assert.Equal(t, "CL-1", c.ClaimID)
	assert.Equal(t, 90.0, c.Row.Net)
	require.Len(t, c.Encounters, 1)
	assert.Equal(t, "FAC-1", c.Encounters[0].FacilityID)
	require.Len(t, c.Diagnoses, 1)
	require.Len(t, c.Activities, 1)
	assert.Equal(t, "ACT-1", c.Activities[0].Row.ActivityID)
	require.Len(t, c.Activities[0].Observations, 1)
	assert.False(t, c.HasResubmission)
}

func TestMap_SubmissionWithResubmission(t *testing.T) {
	p := &parser.Parsed{
		Root: model.RootSubmission,
		Claims: []parser.ClaimDTO{
			{
				ID:           "CL-2",
				Net:          50,
				Resubmission: &parser.ResubmissionDTO{Type: "correction", Comment: "fixed dx"},
				Activities:   []parser.ActivityDTO{{ActivityID: "ACT-2", Net: 50}},
			},
		},
	}
	file := model.IngestionFile{FileID: "file-2", RootType: model.RootSubmission}

	rs, err := mapper.Map(context.Background(), p, file, newScope())
	require.NoError(t, err)
	c := rs.Claims[0]
	assert.True(t, c.HasResubmission)
	assert.Equal(t, "correction", c.ResubmissionType)
	assert.Equal(t, "fixed dx", c.ResubmissionComment)
}

func TestMap_Remittance(t *testing.T) {
	p := &parser.Parsed{
		Root: model.RootRemittance,
		Claims: []parser.ClaimDTO{
			{
				ID:               "CL-1",
				IDPayer:          "PAY-1",
				ProviderID:       "PROV-1",
				PaymentReference: "REF-1",
				Activities: []parser.ActivityDTO{
					{ActivityID: "ACT-1", Net: 90, PaymentAmount: 90, DenialCode: ""},
					{ActivityID: "ACT-2", Net: 10, PaymentAmount: 0, DenialCode: "CO-45"},
				},
			},
		},
	}
	file := model.IngestionFile{FileID: "file-3", RootType: model.RootRemittance}

	rs, err := mapper.Map(context.Background(), p, file, newScope())
	require.NoError(t, err)
	require.NotNil(t, rs.Remittance)
	require.Len(t, rs.RemittanceClaims, 1)

	rc := rs.RemittanceClaims[0]
	assert.Equal(t, "CL-1", rc.ClaimID)
	assert.Equal(t, "PROV-1", rc.Row.ProviderID)
	assert.Equal(t, "REF-1", rc.Row.PaymentReference)
	require.Len(t, rc.Activities, 2)
	assert.Equal(t, 90.0, rc.Activities[0].PaymentAmount)
	assert.Equal(t, "CO-45", rc.Activities[1].DenialCode)
}

func TestMap_UnrecognizedRootReturnsError(t *testing.T) {
	p := &parser.Parsed{Root: model.RootType(99)}
	_, err := mapper.Map(context.Background(), p, model.IngestionFile{}, newScope())
	assert.Error(t, err)
}
