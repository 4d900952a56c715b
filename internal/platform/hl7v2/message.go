package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message is a parsed HL7v2 message. The parser is used for acknowledgments
// coming back from the receiver and for decomposing rendered ADT messages.
type Message struct {
	Type         string    // MSH-9 (e.g. "ADT^A04^ADT_A01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment is a single HL7v2 segment.
type Segment struct {
	Name   string
	Fields []Field
}

// Field is a field split into components (^) and repetitions (~).
type Field struct {
	Value      string
	Components []string
	Repeats    [][]string
}

// Parse parses raw HL7v2 bytes. Segments may be separated by \r, \n or \r\n.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	msg := &Message{}
	for _, line := range lines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.extractMSHFields()
	return msg, nil
}

func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	// MSH-1 is the field separator itself, so MSH fields are stored from
	// MSH-1 onward: Fields[0]="|", Fields[1]="^~\&", Fields[2]=MSH-3, ...
	if strings.HasPrefix(line, "MSH") {
		seg := Segment{Name: "MSH"}
		if len(line) < 4 {
			return seg, nil
		}
		sep := string(line[3])
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}})
		for _, part := range strings.Split(line[4:], sep) {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	parts := strings.SplitN(line, "|", 2)
	seg := Segment{Name: parts[0]}
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg, nil
}

func parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	f.Components = f.Repeats[0]
	return f
}

func (m *Message) extractMSHFields() {
	msh := m.GetSegment("MSH")
	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)
	if t, err := parseHL7Timestamp(msh.GetField(7)); err == nil {
		m.Timestamp = t
	}
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)
}

// parseHL7Timestamp parses YYYYMMDDHHmmss, YYYYMMDDHHmm or YYYYMMDD.
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse(hl7TimestampLayout, s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse(hl7DateLayout, s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetField returns a field value by 1-based HL7 position. For MSH, position 1
// is the field separator.
func (s *Segment) GetField(index int) string {
	if s == nil {
		return ""
	}
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component by 1-based field and component position.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	if s == nil {
		return ""
	}
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	comps := s.Fields[idx].Components
	ci := compIdx - 1
	if ci < 0 || ci >= len(comps) {
		return ""
	}
	return comps[ci]
}

// TriggerEvent returns MSH-9.2.
func (m *Message) TriggerEvent() string {
	return m.GetSegment("MSH").GetComponent(9, 2)
}

// PatientID returns PID-3.1, unescaped.
func (m *Message) PatientID() string {
	return Unescape(m.GetSegment("PID").GetComponent(3, 1))
}

// PatientName returns family and given name from PID-5.
func (m *Message) PatientName() (family, given string) {
	pid := m.GetSegment("PID")
	return Unescape(pid.GetComponent(5, 1)), Unescape(pid.GetComponent(5, 2))
}

// DateOfBirth returns PID-7.
func (m *Message) DateOfBirth() string {
	return m.GetSegment("PID").GetField(7)
}

// Gender returns PID-8.
func (m *Message) Gender() string {
	return m.GetSegment("PID").GetField(8)
}

// TrackingID returns the record uuid carried in the tracking segment.
func (m *Message) TrackingID() string {
	return Unescape(m.GetSegment(TrackingSegment).GetField(2))
}
