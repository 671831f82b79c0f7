// Package mapper translates a parsed DTO tree into a RowSet of relational
// row intents, resolving reference-data codes to surrogate IDs via a
// refdata.FileScope along the way.
package mapper

import (
	"context"
	"fmt"

	"github.com/claims-ingest/engine/internal/model"
	"github.com/claims-ingest/engine/internal/parser"
	"github.com/claims-ingest/engine/internal/refdata"
)

// RowSet is everything Persist needs to upsert one file's worth of data.
// Exactly one of Submission/Claims or Remittance/RemittanceClaims is
// populated, mirroring the parser's tagged Parsed value.
type RowSet struct {
	File model.IngestionFile

	Submission *model.Submission
	Claims     []MappedClaim

	Remittance       *model.Remittance
	RemittanceClaims []MappedRemittanceClaim
}

// MappedClaim bundles a Claim row with its children, still keyed by the
// business claim_id; Persist resolves claim_key_id and submission_id once
// those parents exist.
type MappedClaim struct {
	ClaimID    string // business identifier, resolves to ClaimKey
	Row        model.Claim
	Encounters []model.Encounter
	Activities []MappedActivity
	Diagnoses  []model.Diagnosis

	HasResubmission     bool
	ResubmissionType    string
	ResubmissionComment string
}

// MappedActivity bundles an Activity row with its observations.
type MappedActivity struct {
	Row          model.Activity
	Observations []model.Observation
}

// MappedRemittanceClaim bundles a RemittanceClaim row with its activities.
type MappedRemittanceClaim struct {
	ClaimID    string
	Row        model.RemittanceClaim
	Activities []model.RemittanceActivity
}

// Map builds a RowSet from p. file is the caller-assigned IngestionFile
// shell (FileID, RootType, sender/receiver/tx date/record count already
// populated by the worker from p.Header); Map fills nothing else on
// it.
func Map(ctx context.Context, p *parser.Parsed, file model.IngestionFile, scope *refdata.FileScope) (*RowSet, error) {
	switch p.Root {
	case model.RootSubmission:
		return mapSubmission(ctx, p, file, scope)
	case model.RootRemittance:
		return mapRemittance(ctx, p, file, scope)
	default:
		return nil, fmt.Errorf("mapper: unrecognized root type %v", p.Root)
	}
}

func mapSubmission(ctx context.Context, p *parser.Parsed, file model.IngestionFile, scope *refdata.FileScope) (*RowSet, error) {
	rs := &RowSet{File: file, Submission: &model.Submission{DispositionFlag: p.Header.DispositionFlag}}

	for _, cd := range p.Claims {
		payerRef, err := scope.Resolve(ctx, model.CodePayer, cd.IDPayer)
		if err != nil {
			return nil, fmt.Errorf("mapper: claim %s: %w", cd.ID, err)
		}

		mc := MappedClaim{
			ClaimID: cd.ID,
			Row: model.Claim{
				IDPayer:          cd.IDPayer,
				PayerRefID:       payerRef,
				MemberID:         cd.MemberID,
				EmiratesIDNumber: cd.EmiratesIDNumber,
				Gross:            cd.Gross,
				PatientShare:     cd.PatientShare,
				Net:              cd.Net,
				TxAt:             p.Header.TransactionDate,
			},
		}

		for _, ed := range cd.Encounters {
			facilityRef, err := scope.Resolve(ctx, model.CodeFacility, ed.FacilityID)
			if err != nil {
				return nil, fmt.Errorf("mapper: claim %s encounter: %w", cd.ID, err)
			}
			_ = facilityRef // facility surrogate is resolved for discovery-audit purposes; Encounter stores the business code
			mc.Encounters = append(mc.Encounters, model.Encounter{
				FacilityID: ed.FacilityID,
				Type:       ed.Type,
				StartDate:  ed.StartDate,
				EndDate:    ed.EndDate,
			})
		}

		for _, dd := range cd.Diagnoses {
			if _, err := scope.Resolve(ctx, model.CodeDiagnosis, dd.Code); err != nil {
				return nil, fmt.Errorf("mapper: claim %s diagnosis: %w", cd.ID, err)
			}
			mc.Diagnoses = append(mc.Diagnoses, model.Diagnosis{Type: dd.Type, Code: dd.Code})
		}

		if cd.Resubmission != nil {
			mc.HasResubmission = true
			mc.ResubmissionType = cd.Resubmission.Type
			mc.ResubmissionComment = cd.Resubmission.Comment
		}

		for _, ad := range cd.Activities {
			if _, err := scope.Resolve(ctx, model.CodeActivity, ad.Code); err != nil {
				return nil, fmt.Errorf("mapper: claim %s activity %s: %w", cd.ID, ad.ActivityID, err)
			}
			if _, err := scope.Resolve(ctx, model.CodeClinician, ad.Clinician); err != nil {
				return nil, fmt.Errorf("mapper: claim %s activity %s: %w", cd.ID, ad.ActivityID, err)
			}
			ma := MappedActivity{
				Row: model.Activity{
					ActivityID: ad.ActivityID,
					Start:      ad.Start,
					Type:       ad.Type,
					Code:       ad.Code,
					Quantity:   ad.Quantity,
					Net:        ad.Net,
					Clinician:  ad.Clinician,
				},
			}
			for _, od := range ad.Observations {
				ma.Observations = append(ma.Observations, model.Observation{Type: od.Type, Code: od.Code, Value: od.Value})
			}
			mc.Activities = append(mc.Activities, ma)
		}

		rs.Claims = append(rs.Claims, mc)
	}

	return rs, nil
}

func mapRemittance(ctx context.Context, p *parser.Parsed, file model.IngestionFile, scope *refdata.FileScope) (*RowSet, error) {
	rs := &RowSet{File: file, Remittance: &model.Remittance{}}

	for _, cd := range p.Claims {
		payerRef, err := scope.Resolve(ctx, model.CodePayer, cd.IDPayer)
		if err != nil {
			return nil, fmt.Errorf("mapper: remittance claim %s: %w", cd.ID, err)
		}
		providerRef, err := scope.Resolve(ctx, model.CodeProvider, cd.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("mapper: remittance claim %s: %w", cd.ID, err)
		}

		mrc := MappedRemittanceClaim{
			ClaimID: cd.ID,
			Row: model.RemittanceClaim{
				IDPayer:          cd.IDPayer,
				PayerRefID:       payerRef,
				ProviderID:       cd.ProviderID,
				ProviderRefID:    providerRef,
				DateSettlement:   cd.DateSettlement,
				PaymentReference: cd.PaymentReference,
			},
		}

		for _, ad := range cd.Activities {
			if ad.DenialCode != "" {
				if _, err := scope.Resolve(ctx, model.CodeDenial, ad.DenialCode); err != nil {
					return nil, fmt.Errorf("mapper: remittance claim %s activity %s: %w", cd.ID, ad.ActivityID, err)
				}
			}
			mrc.Activities = append(mrc.Activities, model.RemittanceActivity{
				ActivityID:    ad.ActivityID,
				PaymentAmount: ad.PaymentAmount,
				DenialCode:    ad.DenialCode,
				Net:           ad.Net,
			})
		}

		rs.RemittanceClaims = append(rs.RemittanceClaims, mrc)
	}

	return rs, nil
}
