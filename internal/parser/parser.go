// Package parser decodes the two recognized clearing-house XML dialects,
// Claim.Submission and Remittance.Advice, into an in-memory DTO tree. It is
// pure and side-effect free: given identical bytes it returns byte-for-byte
// identical output, including element order within each parent, and never
// touches the database or filesystem.
package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/claims-ingest/engine/internal/model"
)

// dateLayout is the wire format for all date/time fields in both dialects.
const dateLayout = "2006-01-02 15:04:05"

// Header carries the common envelope fields of both dialects.
type Header struct {
	SenderID        string
	ReceiverID      string
	TransactionDate time.Time
	RecordCount     int
	DispositionFlag string
}

// ObservationDTO mirrors one Activity.Observation element.
type ObservationDTO struct {
	Type  string
	Code  string
	Value string
}

// ActivityDTO mirrors one Claim.Activity element, present in both dialects
// with dialect-specific fields left zero-valued when absent.
type ActivityDTO struct {
	ActivityID    string
	Start         time.Time
	Type          string
	Code          string
	Quantity      float64
	Net           float64
	Clinician     string
	Observations  []ObservationDTO
	PaymentAmount float64 // remittance only; signed
	DenialCode    string  // remittance only
}

// EncounterDTO mirrors one Claim.Encounter element (submission only).
type EncounterDTO struct {
	FacilityID string
	Type       string
	StartDate  time.Time
	EndDate    time.Time
}

// DiagnosisDTO mirrors one Claim.Diagnosis element (submission only).
type DiagnosisDTO struct {
	Type string
	Code string
}

// ResubmissionDTO mirrors an optional Claim.Resubmission block.
type ResubmissionDTO struct {
	Type    string
	Comment string
}

// ClaimDTO mirrors one Claim subtree, fields populated according to the
// owning document's RootType.
type ClaimDTO struct {
	ID               string
	IDPayer          string
	ProviderID       string // remittance only
	MemberID         string // submission only
	EmiratesIDNumber string // submission only
	Gross            float64
	PatientShare     float64
	Net              float64
	TxAt             time.Time
	DateSettlement   time.Time // remittance only
	PaymentReference string    // remittance only
	Encounters       []EncounterDTO
	Activities       []ActivityDTO
	Diagnoses        []DiagnosisDTO
	Resubmission     *ResubmissionDTO
}

// Counts tallies the elements seen while parsing, reported alongside the
// Parsed tree and reconciled against persisted counts by Verify.
type Counts struct {
	ParsedClaims       int
	ParsedActivities   int
	ParsedObservations int
	ParsedDiagnoses    int
	ParsedEncounters   int
	ParsedEvents       int
}

// Total sums the claim, activity, observation, diagnosis and encounter
// tallies (ParsedEvents is not included), used as the IngestionFile's
// RecordCount.
func (c Counts) Total() int {
	return c.ParsedClaims + c.ParsedActivities + c.ParsedObservations + c.ParsedDiagnoses + c.ParsedEncounters
}

// Parsed is the tagged result of a successful parse: exactly one of the two
// recognized roots, never both.
type Parsed struct {
	Root   model.RootType
	Header Header
	Claims []ClaimDTO
	Counts Counts
}

// wire decoding structs, unexported: encoding/xml shapes for the two
// dialects as they appear on the wire.

type wireObservation struct {
	Type  string `xml:"Type"`
	Code  string `xml:"Code"`
	Value string `xml:"Value"`
}

type wireActivity struct {
	ID            string            `xml:"ID"`
	Start         string            `xml:"Start"`
	Type          string            `xml:"Type"`
	Code          string            `xml:"Code"`
	Quantity      string            `xml:"Quantity"`
	Net           string            `xml:"Net"`
	Clinician     string            `xml:"Clinician"`
	Observations  []wireObservation `xml:"Observation"`
	PaymentAmount *string           `xml:"PaymentAmount"`
	DenialCode    string            `xml:"DenialCode"`
}

type wireEncounter struct {
	FacilityID string `xml:"FacilityID"`
	Type       string `xml:"Type"`
	StartDate  string `xml:"StartDate"`
	EndDate    string `xml:"EndDate"`
}

type wireDiagnosis struct {
	Type string `xml:"Type"`
	Code string `xml:"Code"`
}

type wireResubmission struct {
	Type    string `xml:"Type"`
	Comment string `xml:"Comment"`
}

type wireClaim struct {
	ID               string            `xml:"ID"`
	IDPayer          string            `xml:"IDPayer"`
	ProviderID       string            `xml:"ProviderID"`
	MemberID         string            `xml:"MemberID"`
	EmiratesIDNumber string            `xml:"EmiratesIDNumber"`
	Gross            string            `xml:"Gross"`
	PatientShare     string            `xml:"PatientShare"`
	Net              string            `xml:"Net"`
	DateSettlement   string            `xml:"DateSettlement"`
	PaymentReference string            `xml:"PaymentReference"`
	Encounter        *wireEncounter    `xml:"Encounter"`
	Activities       []wireActivity    `xml:"Activity"`
	Diagnoses        []wireDiagnosis   `xml:"Diagnosis"`
	Resubmission     *wireResubmission `xml:"Resubmission"`
}

type wireHeader struct {
	SenderID        string `xml:"SenderID"`
	ReceiverID      string `xml:"ReceiverID"`
	TransactionDate string `xml:"TransactionDate"`
	RecordCount     string `xml:"RecordCount"`
	DispositionFlag string `xml:"DispositionFlag"`
}

type wireDocument struct {
	XMLName xml.Name
	Header  wireHeader  `xml:"Header"`
	Claims  []wireClaim `xml:"Claim"`
}

// recognizedRoots maps the two recognized dispatch names to their
// RootType.
var recognizedRoots = map[string]model.RootType{
	"Claim.Submission":  model.RootSubmission,
	"Remittance.Advice": model.RootRemittance,
}

// Parse decodes raw into a Parsed tree. fileID is used only for error
// messages; it plays no role in decoding.
func Parse(raw []byte, fileID string) (*Parsed, error) {
	rootName, err := peekRoot(raw)
	if err != nil {
		return nil, err
	}
	root, ok := recognizedRoots[rootName]
	if !ok {
		return nil, &model.ParseError{
			Kind:    model.ParseUnknownRoot,
			Path:    "/" + rootName,
			Message: fmt.Sprintf("unrecognized root element %q for file %q", rootName, fileID),
		}
	}

	var doc wireDocument
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = true
	if err := dec.Decode(&doc); err != nil {
		return nil, &model.ParseError{
			Kind:    model.ParseMalformedXML,
			Message: fmt.Sprintf("decoding %q: %v", fileID, err),
		}
	}

	header, err := convertHeader(doc.Header)
	if err != nil {
		return nil, err
	}

	claims := make([]ClaimDTO, 0, len(doc.Claims))
	counts := Counts{}
	for i, wc := range doc.Claims {
		claim, err := convertClaim(wc, root, i)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
		counts.ParsedClaims++
		counts.ParsedEncounters += len(claim.Encounters)
		counts.ParsedActivities += len(claim.Activities)
		counts.ParsedDiagnoses += len(claim.Diagnoses)
		for _, a := range claim.Activities {
			counts.ParsedObservations += len(a.Observations)
		}
		counts.ParsedEvents++ // one SUBMISSION/REMITTANCE event per claim
		if claim.Resubmission != nil {
			counts.ParsedEvents++
		}
	}

	if len(claims) == 0 {
		return nil, &model.ParseError{
			Kind:    model.ParseSchemaViolation,
			Path:    "/" + rootName,
			Message: fmt.Sprintf("file %q has no Claim elements", fileID),
		}
	}

	return &Parsed{Root: root, Header: header, Claims: claims, Counts: counts}, nil
}

// peekRoot reads just enough of the stream to find the document's root
// element name, so large documents are never buffered twice for dispatch.
func peekRoot(raw []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", &model.ParseError{Kind: model.ParseMalformedXML, Message: "empty or truncated document"}
		}
		if err != nil {
			return "", &model.ParseError{Kind: model.ParseMalformedXML, Message: err.Error()}
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

func convertHeader(w wireHeader) (Header, error) {
	if w.SenderID == "" || w.ReceiverID == "" {
		return Header{}, &model.ParseError{
			Kind:    model.ParseSchemaViolation,
			Path:    "/Header",
			Message: "Header missing required SenderID or ReceiverID",
		}
	}
	tx, err := parseDate("/Header/TransactionDate", w.TransactionDate, true)
	if err != nil {
		return Header{}, err
	}
	count := 0
	if w.RecordCount != "" {
		if _, err := fmt.Sscanf(w.RecordCount, "%d", &count); err != nil {
			return Header{}, &model.ParseError{
				Kind:    model.ParseFieldConstraint,
				Path:    "/Header/RecordCount",
				Message: fmt.Sprintf("non-numeric RecordCount %q", w.RecordCount),
			}
		}
	}
	return Header{
		SenderID:        w.SenderID,
		ReceiverID:      w.ReceiverID,
		TransactionDate: tx,
		RecordCount:     count,
		DispositionFlag: w.DispositionFlag,
	}, nil
}

func convertClaim(w wireClaim, root model.RootType, idx int) (ClaimDTO, error) {
	path := fmt.Sprintf("/Claim[%d]", idx)
	if w.ID == "" {
		return ClaimDTO{}, &model.ParseError{Kind: model.ParseSchemaViolation, Path: path, Message: "Claim missing required ID"}
	}

	c := ClaimDTO{ID: w.ID, IDPayer: w.IDPayer}

	var err error
	if c.Gross, err = parseOptionalFloat(path+"/Gross", w.Gross); err != nil {
		return ClaimDTO{}, err
	}
	if c.PatientShare, err = parseOptionalFloat(path+"/PatientShare", w.PatientShare); err != nil {
		return ClaimDTO{}, err
	}
	if c.Net, err = parseOptionalFloat(path+"/Net", w.Net); err != nil {
		return ClaimDTO{}, err
	}

	switch root {
	case model.RootSubmission:
		c.MemberID = w.MemberID
		c.EmiratesIDNumber = w.EmiratesIDNumber
		if w.Encounter != nil {
			enc, err := convertEncounter(*w.Encounter, path)
			if err != nil {
				return ClaimDTO{}, err
			}
			c.Encounters = []EncounterDTO{enc}
		}
		for _, wd := range w.Diagnoses {
			c.Diagnoses = append(c.Diagnoses, DiagnosisDTO{Type: wd.Type, Code: wd.Code})
		}
		if w.Resubmission != nil {
			c.Resubmission = &ResubmissionDTO{Type: w.Resubmission.Type, Comment: w.Resubmission.Comment}
		}
	case model.RootRemittance:
		c.ProviderID = w.ProviderID
		c.PaymentReference = w.PaymentReference
		if c.DateSettlement, err = parseDate(path+"/DateSettlement", w.DateSettlement, false); err != nil {
			return ClaimDTO{}, err
		}
	}

	for i, wa := range w.Activities {
		act, err := convertActivity(wa, root, fmt.Sprintf("%s/Activity[%d]", path, i))
		if err != nil {
			return ClaimDTO{}, err
		}
		c.Activities = append(c.Activities, act)
	}
	if len(c.Activities) == 0 {
		return ClaimDTO{}, &model.ParseError{Kind: model.ParseSchemaViolation, Path: path, Message: "Claim has no Activity elements"}
	}

	return c, nil
}

func convertActivity(w wireActivity, root model.RootType, path string) (ActivityDTO, error) {
	if w.ID == "" {
		return ActivityDTO{}, &model.ParseError{Kind: model.ParseSchemaViolation, Path: path, Message: "Activity missing required ID"}
	}
	a := ActivityDTO{ActivityID: w.ID, Type: w.Type, Code: w.Code, Clinician: w.Clinician, DenialCode: w.DenialCode}

	var err error
	if a.Net, err = parseOptionalFloat(path+"/Net", w.Net); err != nil {
		return ActivityDTO{}, err
	}
	if root == model.RootSubmission && a.Net < 0 {
		return ActivityDTO{}, &model.ParseError{
			Kind: model.ParseFieldConstraint, Path: path + "/Net",
			Message: fmt.Sprintf("Activity.Net must be >= 0, got %v", a.Net),
		}
	}
	if a.Quantity, err = parseOptionalFloat(path+"/Quantity", w.Quantity); err != nil {
		return ActivityDTO{}, err
	}
	if w.Start != "" {
		if a.Start, err = parseDate(path+"/Start", w.Start, false); err != nil {
			return ActivityDTO{}, err
		}
	}
	if w.PaymentAmount != nil {
		if a.PaymentAmount, err = parseOptionalFloat(path+"/PaymentAmount", *w.PaymentAmount); err != nil {
			return ActivityDTO{}, err
		}
	}
	for _, wo := range w.Observations {
		a.Observations = append(a.Observations, ObservationDTO{Type: wo.Type, Code: wo.Code, Value: wo.Value})
	}
	return a, nil
}

func convertEncounter(w wireEncounter, parentPath string) (EncounterDTO, error) {
	path := parentPath + "/Encounter"
	start, err := parseDate(path+"/StartDate", w.StartDate, false)
	if err != nil {
		return EncounterDTO{}, err
	}
	end, err := parseDate(path+"/EndDate", w.EndDate, false)
	if err != nil {
		return EncounterDTO{}, err
	}
	return EncounterDTO{FacilityID: w.FacilityID, Type: w.Type, StartDate: start, EndDate: end}, nil
}

func parseDate(path, s string, required bool) (time.Time, error) {
	if s == "" {
		if required {
			return time.Time{}, &model.ParseError{Kind: model.ParseSchemaViolation, Path: path, Message: "missing required date"}
		}
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, &model.ParseError{Kind: model.ParseFieldConstraint, Path: path, Message: fmt.Sprintf("malformed date %q: %v", s, err)}
	}
	return t, nil
}

func parseOptionalFloat(path, s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return 0, &model.ParseError{Kind: model.ParseFieldConstraint, Path: path, Message: fmt.Sprintf("non-numeric value %q", s)}
	}
	return f, nil
}
