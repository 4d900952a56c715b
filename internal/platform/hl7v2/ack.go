package hl7v2

import (
	"fmt"
	"strings"
)

// Acknowledgment codes (MSA-1). Original mode uses AA/AE/AR; enhanced mode
// uses CA/CE/CR for the commit level.
const (
	AckAccept       = "AA"
	AckError        = "AE"
	AckReject       = "AR"
	AckCommitAccept = "CA"
	AckCommitError  = "CE"
	AckCommitReject = "CR"
)

// Ack is a decoded acknowledgment.
type Ack struct {
	Code      string // MSA-1
	ControlID string // MSA-2, the control id being acknowledged
	Text      string // MSA-3, or ERR-8 when MSA-3 is empty
}

// Positive reports whether the code is an accept or commit-accept.
func (a Ack) Positive() bool {
	return IsPositiveAck(a.Code)
}

// IsPositiveAck reports whether code accepts the message. Every other code,
// including unknown ones, is treated as negative.
func IsPositiveAck(code string) bool {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case AckAccept, AckCommitAccept:
		return true
	default:
		return false
	}
}

// ParseAck decodes the MSA segment of an acknowledgment message.
func ParseAck(raw []byte) (Ack, error) {
	msg, err := Parse(raw)
	if err != nil {
		return Ack{}, err
	}
	msa := msg.GetSegment("MSA")
	if msa == nil {
		return Ack{}, fmt.Errorf("hl7v2: acknowledgment has no MSA segment")
	}
	ack := Ack{
		Code:      strings.ToUpper(strings.TrimSpace(msa.GetField(1))),
		ControlID: msa.GetField(2),
		Text:      Unescape(msa.GetField(3)),
	}
	if ack.Code == "" {
		return Ack{}, fmt.Errorf("hl7v2: acknowledgment has an empty MSA-1")
	}
	if ack.Text == "" {
		if errSeg := msg.GetSegment("ERR"); errSeg != nil {
			ack.Text = Unescape(errSeg.GetField(8))
		}
	}
	return ack, nil
}
