package model

import "testing"

func TestErrorKindRetryable(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want bool
	}{
		{ErrPersistTransient, true},
		{ErrFetchTransient, true},
		{ErrQueueSaturated, true},
		{ErrTimeout, true},
		{ErrAckFailed, true},
		{ErrPersistFatal, false},
		{ErrPersistIntegrity, false},
		{ErrVerificationMismatch, false},
		{ErrParseMalformed, false},
		{ErrParseSchema, false},
	}
	for _, tc := range cases {
		if got := tc.kind.Retryable(); got != tc.want {
			t.Errorf("%s.Retryable() = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestParseErrorClassification(t *testing.T) {
	cases := []struct {
		kind ParseKind
		want ErrorKind
	}{
		{ParseMalformedXML, ErrParseMalformed},
		{ParseUnknownRoot, ErrParseMalformed},
		{ParseSchemaViolation, ErrParseSchema},
		{ParseFieldConstraint, ErrParseSchema},
	}
	for _, tc := range cases {
		err := &ParseError{Kind: tc.kind}
		if got := err.ErrorKind(); got != tc.want {
			t.Errorf("%s.ErrorKind() = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestResultOkAndFail(t *testing.T) {
	ok := Ok()
	if !ok.OK || ok.Error() != "" {
		t.Errorf("Ok() = %+v", ok)
	}

	fail := Fail(ErrAggregateFailed, "claim %s missing activity %s", "CL-1", "ACT-1")
	if fail.OK {
		t.Errorf("Fail().OK = true, want false")
	}
	if fail.Kind != ErrAggregateFailed {
		t.Errorf("Fail().Kind = %v, want ErrAggregateFailed", fail.Kind)
	}
	want := "AGGREGATE_FAILED: claim CL-1 missing activity ACT-1"
	if got := fail.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
