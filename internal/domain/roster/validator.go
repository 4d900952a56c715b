package roster

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// dateLayouts are tried in order. Month-first wins over day-first for
// ambiguous slash dates.
var dateLayouts = []string{
	"2006-01-02",
	"1/2/2006",
	"2/1/2006",
	"02-01-2006",
	"01-02-2006",
	"20060102",
	"2006/01/02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

var genderSynonyms = map[string]string{
	"m": GenderMale, "male": GenderMale, "man": GenderMale,
	"f": GenderFemale, "female": GenderFemale, "woman": GenderFemale,
	"o": GenderOther, "other": GenderOther, "non-binary": GenderOther,
	"nonbinary": GenderOther, "nb": GenderOther, "x": GenderOther,
	"u": GenderUnknown, "unknown": GenderUnknown, "unk": GenderUnknown,
}

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	zipPattern   = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	statePattern = regexp.MustCompile(`^[A-Za-z ]+$`)
	ssnPattern   = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$|^\d{9}$`)
)

// Validator applies the three validation tiers to a record.
type Validator struct {
	now func() time.Time
}

// NewValidator creates a Validator using the wall clock.
func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// WithClock returns a copy of v that uses now for the future-date check.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	return &Validator{now: now}
}

// Validate normalizes rec from its SourceValues and records every finding.
// Only SourceValues is read, so validating a record again yields the same
// result.
func (v *Validator) Validate(rec *PatientRecord) {
	src := func(field string) string {
		return strings.TrimSpace(rec.SourceValues[field])
	}

	rec.MRN = src(FieldMRN)
	rec.FirstName = src(FieldFirstName)
	rec.LastName = src(FieldLastName)
	rec.Phone = src(FieldPhone)
	rec.Email = src(FieldEmail)
	rec.Address = src(FieldAddress)
	rec.City = src(FieldCity)
	rec.State = src(FieldState)
	rec.Zip = src(FieldZip)
	rec.SSN = src(FieldSSN)
	rec.DateOfBirth = ""
	rec.Gender = ""
	rec.ValidationMessages = []ValidationMessage{}

	add := func(tier int, field, severity, format string, args ...any) {
		rec.ValidationMessages = append(rec.ValidationMessages, ValidationMessage{
			Tier:     tier,
			Field:    field,
			Severity: severity,
			Message:  fmt.Sprintf(format, args...),
		})
	}
	critical := func(field, format string, args ...any) { add(1, field, SeverityError, format, args...) }

	// Tier 1
	if rec.MRN == "" {
		critical(FieldMRN, "MRN is required")
	}
	if rec.FirstName == "" && rec.LastName == "" {
		critical(FieldLastName, "First name or last name is required")
	}

	if raw := src(FieldDateOfBirth); raw == "" {
		critical(FieldDateOfBirth, "Date of birth is required")
	} else if dob, ok := ParseDate(raw); !ok {
		critical(FieldDateOfBirth, "Date of birth %q is not a recognized date", raw)
	} else if dob.After(v.now()) {
		critical(FieldDateOfBirth, "Date of birth %s is in the future", dob.Format("2006-01-02"))
	} else {
		rec.DateOfBirth = dob.Format("2006-01-02")
	}

	if raw := src(FieldGender); raw == "" {
		critical(FieldGender, "Gender is required")
	} else if g, ok := NormalizeGender(raw); ok {
		rec.Gender = g
	} else {
		rec.Gender = GenderUnknown
		add(1, FieldGender, SeverityWarning, "Gender %q is not recognized and was recorded as Unknown", raw)
	}

	// Tier 2
	if rec.Phone == "" {
		add(2, FieldPhone, SeverityWarning, "Phone number is missing")
	} else if !ValidPhone(rec.Phone) {
		add(2, FieldPhone, SeverityWarning, "Phone number %q should have 10 to 15 digits", rec.Phone)
	}
	if rec.Email == "" {
		add(2, FieldEmail, SeverityWarning, "Email is missing")
	} else if !emailPattern.MatchString(rec.Email) {
		add(2, FieldEmail, SeverityWarning, "Email %q is not a valid address", rec.Email)
	}
	if rec.Address == "" {
		add(2, FieldAddress, SeverityWarning, "Street address is missing")
	}

	// Tier 3
	if rec.Zip != "" && !zipPattern.MatchString(rec.Zip) {
		add(3, FieldZip, SeverityInfo, "ZIP code %q should be 5 digits or ZIP+4", rec.Zip)
	}
	if rec.State != "" && !statePattern.MatchString(rec.State) {
		add(3, FieldState, SeverityInfo, "State %q should contain letters only", rec.State)
	}
	if rec.City != "" && strings.ContainsAny(rec.City, "0123456789") {
		add(3, FieldCity, SeverityInfo, "City %q should not contain digits", rec.City)
	}
	if rec.SSN != "" && !ssnPattern.MatchString(rec.SSN) {
		add(3, FieldSSN, SeverityInfo, "SSN should be formatted as XXX-XX-XXXX")
	}

	rec.ValidationStatus = StatusValid
	for _, m := range rec.ValidationMessages {
		if m.Severity == SeverityError {
			rec.ValidationStatus = StatusInvalid
			break
		}
	}
}

// ParseDate parses s with the accepted date layouts.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizeGender maps a gender synonym to its canonical value.
func NormalizeGender(s string) (string, bool) {
	g, ok := genderSynonyms[strings.ToLower(strings.TrimSpace(s))]
	return g, ok
}

// ValidPhone reports whether s has 10 to 15 digits once formatting is
// stripped.
func ValidPhone(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune(" ()-.+", r):
		default:
			return false
		}
	}
	return digits >= 10 && digits <= 15
}
