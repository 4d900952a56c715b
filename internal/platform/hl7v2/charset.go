package hl7v2

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// LookupCharset resolves an IANA charset name (e.g. "UTF-8", "ISO-8859-1",
// "windows-1252") to an encoding. An empty name means UTF-8.
func LookupCharset(name string) (encoding.Encoding, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTF-8") || strings.EqualFold(name, "UTF8") {
		return unicode.UTF8, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("hl7v2: unknown charset %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("hl7v2: charset %q is not supported", name)
	}
	return enc, nil
}

// encodeText converts UTF-8 text into the wire charset. Characters the
// charset cannot represent are replaced with its substitution character.
func encodeText(enc encoding.Encoding, text string) ([]byte, error) {
	if enc == nil || enc == unicode.UTF8 {
		return []byte(text), nil
	}
	out, err := encoding.ReplaceUnsupported(enc.NewEncoder()).Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("hl7v2: encode message: %w", err)
	}
	return out, nil
}

// decodeText converts wire bytes into UTF-8.
func decodeText(enc encoding.Encoding, data []byte) ([]byte, error) {
	if enc == nil || enc == unicode.UTF8 {
		return data, nil
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("hl7v2: decode acknowledgment: %w", err)
	}
	return out, nil
}
