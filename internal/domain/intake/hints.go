package intake

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/intake/internal/domain/roster"
	"github.com/ehr/intake/internal/platform/hl7v2"
)

// HintForSend translates a failed send into guidance an operator can act
// on. Accepted sends have no hint.
func HintForSend(res hl7v2.SendResult, addr string) string {
	switch res.Outcome {
	case hl7v2.OutcomeAccepted:
		return ""
	case hl7v2.OutcomeTimeout:
		return fmt.Sprintf("The receiver at %s did not acknowledge in time. Check that it is processing messages or raise MLLP_TIMEOUT.", addr)
	case hl7v2.OutcomeConnectivity:
		return fmt.Sprintf("Could not reach the receiver at %s. Check that it is running and that the MLLP port is accessible.", addr)
	}

	if res.Ack.Code == "" || res.Err != nil {
		return "The receiver's acknowledgment could not be used. Check that the receiver is configured to acknowledge ADT messages."
	}
	return ackHint(res.Ack)
}

func ackHint(ack hl7v2.Ack) string {
	var lead string
	switch ack.Code {
	case hl7v2.AckError:
		lead = "The receiver found an error while processing the record."
	case hl7v2.AckCommitError:
		lead = "The receiver hit a processing error."
	case hl7v2.AckReject, hl7v2.AckCommitReject:
		lead = "The receiver rejected the record."
	default:
		lead = fmt.Sprintf("The receiver responded with %s.", ack.Code)
	}

	text := strings.ToLower(ack.Text)
	switch {
	case strings.Contains(text, "duplicate") || strings.Contains(text, "already exists"):
		return lead + " The patient already exists there. Send an update (A08) instead or use a different MRN."
	case strings.Contains(text, "required") || strings.Contains(text, "missing"):
		return lead + " Some required information is missing. Fill in the fields it names and upload again."
	case strings.Contains(text, "invalid") || strings.Contains(text, "format"):
		return lead + " Some data is in a format it does not accept. Check dates, phone numbers and codes."
	case ack.Text != "":
		return lead + " Review the acknowledgment text and correct the record."
	default:
		return lead + " Contact the receiver's administrator if this persists."
	}
}

var fieldGuidance = map[string]string{
	roster.FieldMRN:         "Every row needs a medical record number.",
	roster.FieldLastName:    "Every row needs a first or last name.",
	roster.FieldDateOfBirth: "Use a past date such as 1990-05-15 or 05/15/1990.",
	roster.FieldGender:      "Use M, F, Other or Unknown.",
}

// HintForRecord summarizes what blocks an invalid record from being sent.
func HintForRecord(rec *roster.PatientRecord) string {
	if rec.Valid() {
		return ""
	}
	seen := make(map[string]bool)
	var fields []string
	for _, m := range rec.ValidationMessages {
		if m.Severity != roster.SeverityError || seen[m.Field] {
			continue
		}
		seen[m.Field] = true
		fields = append(fields, m.Field)
	}
	if len(fields) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Fix %s before confirming.", strings.Join(fields, ", "))
	for _, f := range fields {
		if g, ok := fieldGuidance[f]; ok {
			b.WriteString(" ")
			b.WriteString(g)
		}
	}
	return b.String()
}

// recordHints returns hints for invalid records keyed by row index.
func recordHints(records []*roster.PatientRecord) map[int]string {
	hints := make(map[int]string)
	for _, r := range records {
		if h := HintForRecord(r); h != "" {
			hints[r.Index] = h
		}
	}
	return hints
}

// HintForError gives guidance for request level failures.
func HintForError(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "The preview has expired or never existed. Upload the file again."
	case errors.Is(err, ErrSessionConsumed):
		return "This preview was already confirmed. Follow the existing job or upload the file again."
	case errors.Is(err, ErrInvalidSelection):
		return "Select only valid records from the preview, by their row index."
	case errors.Is(err, ErrJobNotFound):
		return "The job id is unknown or its results have expired."
	case errors.Is(err, roster.ErrInputInvalid):
		return "Upload a CSV, TSV or XLSX file with a header row."
	}
	return ""
}
