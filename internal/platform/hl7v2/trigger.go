package hl7v2

import (
	"fmt"
	"strings"
)

// TriggerEvent is an ADT trigger event code (MSH-9.2).
type TriggerEvent string

const (
	EventAdmit         TriggerEvent = "A01"
	EventRegister      TriggerEvent = "A04"
	EventUpdatePatient TriggerEvent = "A08"
	EventAddPerson     TriggerEvent = "A28"
	EventUpdatePerson  TriggerEvent = "A31"
)

// DefaultTriggerEvent is used when a confirm request names no event.
const DefaultTriggerEvent = EventRegister

// TriggerInfo describes a supported trigger event.
type TriggerInfo struct {
	Code         TriggerEvent `json:"code"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Structure    string       `json:"structure"`
	PatientClass string       `json:"patientClass"`
}

var triggerTable = []TriggerInfo{
	{EventAdmit, "admit", "Admit/visit notification", "ADT_A01", "I"},
	{EventRegister, "register", "Register a patient", "ADT_A01", "O"},
	{EventUpdatePatient, "update", "Update patient information", "ADT_A01", "O"},
	{EventAddPerson, "add_person", "Add person information", "ADT_A05", "N"},
	{EventUpdatePerson, "update_person", "Update person information", "ADT_A05", "N"},
}

// SupportedTriggers returns the trigger events the builder can render, in
// code order.
func SupportedTriggers() []TriggerInfo {
	out := make([]TriggerInfo, len(triggerTable))
	copy(out, triggerTable)
	return out
}

// Info returns the table entry for e.
func (e TriggerEvent) Info() (TriggerInfo, bool) {
	for _, ti := range triggerTable {
		if ti.Code == e {
			return ti, true
		}
	}
	return TriggerInfo{}, false
}

// PatientClass returns the PV1-2 patient class for the event.
func (e TriggerEvent) PatientClass() string {
	if ti, ok := e.Info(); ok {
		return ti.PatientClass
	}
	return "U"
}

// Structure returns the MSH-9.3 message structure for the event.
func (e TriggerEvent) Structure() string {
	if ti, ok := e.Info(); ok {
		return ti.Structure
	}
	return ""
}

// Valid reports whether e is one of the supported events.
func (e TriggerEvent) Valid() bool {
	_, ok := e.Info()
	return ok
}

// ParseTriggerEvent accepts a bare code ("A04"), a message type ("ADT^A04",
// "ADT-A04", "ADT_A04") or an event name ("register"). Matching is case
// insensitive.
func ParseTriggerEvent(s string) (TriggerEvent, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return "", fmt.Errorf("hl7v2: trigger event is required")
	}
	for _, sep := range []string{"^", "-", "_"} {
		if strings.HasPrefix(v, "ADT"+sep) {
			v = strings.TrimPrefix(v, "ADT"+sep)
			break
		}
	}
	if e := TriggerEvent(v); e.Valid() {
		return e, nil
	}
	name := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
	for _, ti := range triggerTable {
		if ti.Name == name {
			return ti.Code, nil
		}
	}
	return "", fmt.Errorf("hl7v2: unsupported trigger event %q", s)
}
