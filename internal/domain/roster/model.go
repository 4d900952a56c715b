package roster

import "github.com/google/uuid"

// Canonical patient fields.
const (
	FieldMRN         = "mrn"
	FieldFirstName   = "firstName"
	FieldLastName    = "lastName"
	FieldDateOfBirth = "dateOfBirth"
	FieldGender      = "gender"
	FieldPhone       = "phone"
	FieldEmail       = "email"
	FieldAddress     = "address"
	FieldCity        = "city"
	FieldState       = "state"
	FieldZip         = "zip"
	FieldSSN         = "ssn"
)

// CanonicalFields lists every field a column can be mapped to.
var CanonicalFields = []string{
	FieldMRN, FieldFirstName, FieldLastName, FieldDateOfBirth, FieldGender,
	FieldPhone, FieldEmail, FieldAddress, FieldCity, FieldState, FieldZip, FieldSSN,
}

// IsCanonicalField reports whether name is a known canonical field.
func IsCanonicalField(name string) bool {
	for _, f := range CanonicalFields {
		if f == name {
			return true
		}
	}
	return false
}

// Gender values after normalization.
const (
	GenderMale    = "Male"
	GenderFemale  = "Female"
	GenderOther   = "Other"
	GenderUnknown = "Unknown"
)

// Validation outcome of a record.
const (
	StatusValid   = "valid"
	StatusInvalid = "invalid"
)

// Severity of a validation message. Tier 1 findings are errors, tier 2
// warnings and tier 3 informational.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Mapping strategies.
const (
	StrategySemantic      = "semantic"
	StrategyDeterministic = "deterministic"
	StrategyAuto          = "auto"
)

// RawRow is one source row keyed by header.
type RawRow map[string]string

// ColumnMapping assigns source headers to canonical fields. Every header
// appears in exactly one of Mappings and Unmapped.
type ColumnMapping struct {
	Mappings   map[string]string  `json:"mappings"`
	Confidence map[string]float64 `json:"confidence"`
	Unmapped   []string           `json:"unmapped"`
	Warnings   []string           `json:"warnings"`
	Strategy   string             `json:"strategy"`
}

// HeaderFor returns the source header mapped to field, if any.
func (m ColumnMapping) HeaderFor(field string) (string, bool) {
	for h, f := range m.Mappings {
		if f == field {
			return h, true
		}
	}
	return "", false
}

// ValidationMessage is one finding against a record.
type ValidationMessage struct {
	Tier     int    `json:"tier"`
	Field    string `json:"field"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// PatientRecord is a mapped and validated source row.
type PatientRecord struct {
	UUID        string `json:"uuid"`
	Index       int    `json:"index"`
	MRN         string `json:"mrn"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dateOfBirth"`
	Gender      string `json:"gender"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Address     string `json:"address"`
	City        string `json:"city"`
	State       string `json:"state"`
	Zip         string `json:"zip"`
	SSN         string `json:"ssn,omitempty"`

	SourceValues       map[string]string   `json:"sourceValues"`
	ValidationStatus   string              `json:"validationStatus"`
	ValidationMessages []ValidationMessage `json:"validationMessages"`
}

// Valid reports whether the record passed tier 1 validation.
func (r *PatientRecord) Valid() bool {
	return r.ValidationStatus == StatusValid
}

// NewRecord builds an unvalidated record from a row using the mapping. Cell
// text is trimmed; the untouched original cell text is kept in SourceValues.
func NewRecord(index int, row RawRow, mapping ColumnMapping) *PatientRecord {
	rec := &PatientRecord{
		UUID:         uuid.New().String(),
		Index:        index,
		SourceValues: make(map[string]string, len(mapping.Mappings)),
	}
	for header, field := range mapping.Mappings {
		if v, ok := row[header]; ok {
			rec.SourceValues[field] = v
		}
	}
	return rec
}

// BuildRecords maps every row into a record and validates it.
func BuildRecords(rows []RawRow, mapping ColumnMapping, v *Validator) []*PatientRecord {
	out := make([]*PatientRecord, 0, len(rows))
	for i, row := range rows {
		rec := NewRecord(i, row, mapping)
		v.Validate(rec)
		out = append(out, rec)
	}
	return out
}

// Summary counts valid and invalid records.
func Summary(records []*PatientRecord) (valid, invalid int) {
	for _, r := range records {
		if r.Valid() {
			valid++
		} else {
			invalid++
		}
	}
	return valid, invalid
}
