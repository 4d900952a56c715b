package intake

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ehr/intake/internal/domain/roster"
	"github.com/ehr/intake/internal/platform/hl7v2"
)

func TestHintForSend(t *testing.T) {
	addr := "ehr.local:2575"
	cases := []struct {
		name string
		res  hl7v2.SendResult
		want string
	}{
		{"accepted", hl7v2.SendResult{Outcome: hl7v2.OutcomeAccepted}, ""},
		{"timeout", hl7v2.SendResult{Outcome: hl7v2.OutcomeTimeout}, "MLLP_TIMEOUT"},
		{"connectivity", hl7v2.SendResult{Outcome: hl7v2.OutcomeConnectivity}, "MLLP port"},
		{"duplicate", hl7v2.SendResult{Outcome: hl7v2.OutcomeRejected, Ack: hl7v2.Ack{Code: "AE", Text: "Duplicate MRN"}}, "already exists"},
		{"missing", hl7v2.SendResult{Outcome: hl7v2.OutcomeRejected, Ack: hl7v2.Ack{Code: "AR", Text: "PID-5 required"}}, "required information"},
		{"invalid", hl7v2.SendResult{Outcome: hl7v2.OutcomeRejected, Ack: hl7v2.Ack{Code: "CE", Text: "Invalid date"}}, "format"},
		{"bare reject", hl7v2.SendResult{Outcome: hl7v2.OutcomeRejected, Ack: hl7v2.Ack{Code: "CR"}}, "rejected the record"},
		{"unreadable", hl7v2.SendResult{Outcome: hl7v2.OutcomeRejected, Err: errors.New("no MSA")}, "could not be used"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := HintForSend(tc.res, addr)
			if tc.want == "" {
				if got != "" {
					t.Errorf("expected no hint, got %q", got)
				}
				return
			}
			if !strings.Contains(got, tc.want) {
				t.Errorf("expected hint containing %q, got %q", tc.want, got)
			}
		})
	}
	if !strings.Contains(HintForSend(hl7v2.SendResult{Outcome: hl7v2.OutcomeConnectivity}, addr), addr) {
		t.Error("expected connectivity hint to name the receiver")
	}
}

func TestHintForRecord(t *testing.T) {
	rec := &roster.PatientRecord{
		ValidationStatus: roster.StatusInvalid,
		ValidationMessages: []roster.ValidationMessage{
			{Tier: 1, Field: roster.FieldMRN, Severity: roster.SeverityError},
			{Tier: 1, Field: roster.FieldDateOfBirth, Severity: roster.SeverityError},
			{Tier: 2, Field: roster.FieldPhone, Severity: roster.SeverityWarning},
		},
	}
	hint := HintForRecord(rec)
	if !strings.HasPrefix(hint, "Fix mrn, dateOfBirth") {
		t.Errorf("unexpected hint %q", hint)
	}
	if strings.Contains(hint, "phone") {
		t.Errorf("warnings should not be in the hint: %q", hint)
	}

	rec.ValidationStatus = roster.StatusValid
	if HintForRecord(rec) != "" {
		t.Error("expected no hint for a valid record")
	}
}

func TestHintForError(t *testing.T) {
	for _, err := range []error{ErrSessionNotFound, ErrSessionConsumed, ErrInvalidSelection, ErrJobNotFound, roster.ErrInputInvalid} {
		wrapped := fmt.Errorf("outer: %w", err)
		if HintForError(wrapped) == "" {
			t.Errorf("expected hint for %v", err)
		}
	}
	if HintForError(errors.New("boom")) != "" {
		t.Error("expected no hint for unknown errors")
	}
}
