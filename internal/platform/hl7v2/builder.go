package hl7v2

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIncompletePatient is returned when a patient lacks a field the PID
// segment cannot be rendered without.
var ErrIncompletePatient = errors.New("hl7v2: patient is missing required identification fields")

const (
	hl7TimestampLayout = "20060102150405"
	hl7DateLayout      = "20060102"

	// TrackingSegment carries the originating record uuid.
	TrackingSegment = "ZPI"
)

// ADTPatient is the demographic input to the builder. DateOfBirth is an ISO
// calendar date (YYYY-MM-DD); Gender is one of Male, Female, Other, Unknown.
type ADTPatient struct {
	UUID        string
	MRN         string
	FirstName   string
	LastName    string
	DateOfBirth string
	Gender      string
	Phone       string
	Address     string
	City        string
	State       string
	Zip         string
}

// ADTMessage is a rendered ADT message. Segments holds the unescaped segment
// text in order; String joins them with the segment separator.
type ADTMessage struct {
	Event     TriggerEvent
	ControlID string
	Segments  []string
}

// String renders the message wire text (segments separated by CR).
func (m *ADTMessage) String() string {
	return strings.Join(m.Segments, "\r")
}

// Bytes returns the wire text as bytes.
func (m *ADTMessage) Bytes() []byte {
	return []byte(m.String())
}

// BuilderConfig holds the header identifiers stamped on every message.
type BuilderConfig struct {
	SendingApplication   string
	SendingFacility      string
	ReceivingApplication string
	ReceivingFacility    string
	Version              string
	ProcessingID         string
	AssigningAuthority   string
}

// DefaultBuilderConfig returns the identifiers used when none are configured.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		SendingApplication:   "INTAKE",
		SendingFacility:      "INTAKE_FAC",
		ReceivingApplication: "EHR",
		ReceivingFacility:    "EHR_FAC",
		Version:              "2.5",
		ProcessingID:         "P",
		AssigningAuthority:   "INTAKE",
	}
}

// Builder renders ADT messages for patient registration feeds.
type Builder struct {
	cfg BuilderConfig
	now func() time.Time
}

// NewBuilder creates a Builder. Empty config fields fall back to
// DefaultBuilderConfig.
func NewBuilder(cfg BuilderConfig) *Builder {
	def := DefaultBuilderConfig()
	if cfg.SendingApplication == "" {
		cfg.SendingApplication = def.SendingApplication
	}
	if cfg.SendingFacility == "" {
		cfg.SendingFacility = def.SendingFacility
	}
	if cfg.ReceivingApplication == "" {
		cfg.ReceivingApplication = def.ReceivingApplication
	}
	if cfg.ReceivingFacility == "" {
		cfg.ReceivingFacility = def.ReceivingFacility
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.ProcessingID == "" {
		cfg.ProcessingID = def.ProcessingID
	}
	if cfg.AssigningAuthority == "" {
		cfg.AssigningAuthority = def.AssigningAuthority
	}
	return &Builder{cfg: cfg, now: time.Now}
}

// WithClock replaces the builder's time source. Output is byte-identical for
// identical input when the clock is fixed.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build renders p as an ADT message for event with the given control id.
func (b *Builder) Build(p ADTPatient, event TriggerEvent, controlID string) (*ADTMessage, error) {
	if !event.Valid() {
		return nil, fmt.Errorf("hl7v2: unsupported trigger event %q", event)
	}
	if controlID == "" {
		return nil, fmt.Errorf("hl7v2: control id is required")
	}
	if p.MRN == "" || (p.FirstName == "" && p.LastName == "") || p.DateOfBirth == "" || p.Gender == "" {
		return nil, ErrIncompletePatient
	}
	dob, err := time.Parse("2006-01-02", p.DateOfBirth)
	if err != nil {
		return nil, fmt.Errorf("%w: date of birth %q is not an ISO date", ErrIncompletePatient, p.DateOfBirth)
	}

	ts := b.now().UTC().Format(hl7TimestampLayout)

	msg := &ADTMessage{Event: event, ControlID: controlID}
	msg.Segments = []string{
		b.buildMSH(event, controlID, ts),
		buildEVN(event, ts),
		b.buildPID(p, dob),
		buildZPI(p.UUID),
		buildPV1(event, ts),
	}
	return msg, nil
}

// buildMSH constructs the header segment.
func (b *Builder) buildMSH(event TriggerEvent, controlID, ts string) string {
	return fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||ADT^%s^%s|%s|%s|%s",
		Escape(b.cfg.SendingApplication), Escape(b.cfg.SendingFacility),
		Escape(b.cfg.ReceivingApplication), Escape(b.cfg.ReceivingFacility),
		ts, event, event.Structure(), Escape(controlID),
		b.cfg.ProcessingID, b.cfg.Version)
}

// buildEVN constructs the event type segment.
func buildEVN(event TriggerEvent, ts string) string {
	return fmt.Sprintf("EVN|%s|%s", event, ts)
}

// buildPID constructs the patient identification segment.
func (b *Builder) buildPID(p ADTPatient, dob time.Time) string {
	// PID-3: mrn^^^authority^MR
	identifier := fmt.Sprintf("%s^^^%s^MR", Escape(p.MRN), Escape(b.cfg.AssigningAuthority))
	name := Escape(p.LastName) + "^" + Escape(p.FirstName)

	return fmt.Sprintf("PID|1||%s||%s||%s|%s|||%s||%s",
		identifier, name, dob.Format(hl7DateLayout), GenderCode(p.Gender),
		buildAddress(p), Escape(p.Phone))
}

// buildAddress renders PID-11 (street^other^city^state^zip) or an empty
// string when no address part is present.
func buildAddress(p ADTPatient) string {
	if p.Address == "" && p.City == "" && p.State == "" && p.Zip == "" {
		return ""
	}
	return fmt.Sprintf("%s^^%s^%s^%s",
		Escape(p.Address), Escape(p.City), Escape(p.State), Escape(p.Zip))
}

func buildZPI(uuid string) string {
	return fmt.Sprintf("%s|1|%s", TrackingSegment, Escape(uuid))
}

// buildPV1 constructs the visit segment. Admit events carry PV1-44.
func buildPV1(event TriggerEvent, ts string) string {
	if event != EventAdmit {
		return "PV1|1|" + event.PatientClass()
	}
	fields := make([]string, 44)
	fields[0] = "1"
	fields[1] = event.PatientClass()
	fields[43] = ts
	return "PV1|" + strings.Join(fields, "|")
}

// GenderCode maps a normalized gender to the PID-8 administrative sex code.
func GenderCode(gender string) string {
	switch strings.ToLower(gender) {
	case "male":
		return "M"
	case "female":
		return "F"
	case "other":
		return "O"
	default:
		return "U"
	}
}

// Escape replaces HL7 delimiter characters with their escape sequences.
func Escape(s string) string {
	// Backslash first to avoid double-escaping.
	s = strings.ReplaceAll(s, "\\", "\\E\\")
	s = strings.ReplaceAll(s, "|", "\\F\\")
	s = strings.ReplaceAll(s, "^", "\\S\\")
	s = strings.ReplaceAll(s, "~", "\\R\\")
	s = strings.ReplaceAll(s, "&", "\\T\\")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// Unescape reverses Escape.
func Unescape(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	r := strings.NewReplacer("\\F\\", "|", "\\S\\", "^", "\\R\\", "~", "\\T\\", "&", "\\E\\", "\\")
	return r.Replace(s)
}
