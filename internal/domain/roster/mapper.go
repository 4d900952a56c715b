package roster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
)

// ColumnMapper assigns source headers to canonical fields.
type ColumnMapper interface {
	Map(ctx context.Context, headers []string) (ColumnMapping, error)
}

// Match confidence by level.
const (
	confidencePhrase    = 1.0
	confidenceToken     = 0.9
	confidenceSubstring = 0.7

	minSubstringKeyword = 3
)

var noiseWords = map[string]bool{
	"patient": true, "person": true, "record": true,
	"field": true, "the": true, "of": true,
}

type fieldRule struct {
	field    string
	phrases  []string
	keywords []string
}

// fieldRules are tried in this order at every match level.
var fieldRules = []fieldRule{
	{FieldEmail, []string{"email", "email address", "e mail"}, []string{"email", "mail"}},
	{FieldPhone, []string{"phone", "phone number", "telephone", "mobile", "cell phone", "home phone"}, []string{"phone", "telephone", "tel", "mobile", "cell"}},
	{FieldSSN, []string{"ssn", "social security number", "social security"}, []string{"ssn", "social"}},
	{FieldDateOfBirth, []string{"dob", "date of birth", "birth date", "birthdate", "birthday"}, []string{"dob", "birth", "birthdate", "birthday", "born"}},
	{FieldGender, []string{"gender", "sex"}, []string{"gender", "sex"}},
	{FieldZip, []string{"zip", "zip code", "postal code", "postcode"}, []string{"zip", "zipcode", "postal", "postcode"}},
	{FieldState, []string{"state", "province"}, []string{"state", "province"}},
	{FieldCity, []string{"city", "town"}, []string{"city", "town"}},
	{FieldAddress, []string{"address", "street address", "address line 1", "street"}, []string{"address", "street", "addr"}},
	{FieldFirstName, []string{"first name", "given name", "first", "fname", "forename"}, []string{"first", "given", "fname", "forename"}},
	{FieldLastName, []string{"last name", "family name", "surname", "last", "lname"}, []string{"last", "surname", "family", "lname"}},
	{FieldMRN, []string{"mrn", "medical record number", "id", "chart number"}, []string{"mrn", "id", "identifier", "chart"}},
}

// excludedTokens stop a rule from matching a header that describes something
// else about the same concept, such as a place of birth.
var excludedTokens = map[string][]string{
	FieldDateOfBirth: {"place", "country", "city", "town", "state", "location", "county"},
}

func excluded(field string, tokens []string) bool {
	for _, ex := range excludedTokens[field] {
		for _, tok := range tokens {
			if tok == ex {
				return true
			}
		}
	}
	return false
}

// normalizedRules holds fieldRules with every phrase run through tokenize.
var normalizedRules = func() []fieldRule {
	out := make([]fieldRule, len(fieldRules))
	for i, r := range fieldRules {
		out[i] = fieldRule{field: r.field, keywords: r.keywords}
		for _, p := range r.phrases {
			out[i].phrases = append(out[i].phrases, strings.Join(tokenize(p), " "))
		}
	}
	return out
}()

// tokenize splits camelCase, lowercases, treats punctuation as separators and
// drops noise words.
func tokenize(header string) []string {
	var b strings.Builder
	runes := []rune(strings.TrimSpace(header))
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) && unicode.IsLower(runes[i-1]) {
			b.WriteRune(' ')
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(' ')
		}
	}

	var tokens []string
	for _, tok := range strings.Fields(b.String()) {
		if !noiseWords[tok] {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// KeywordMapper is the deterministic mapper. It never fails.
type KeywordMapper struct{}

// NewKeywordMapper creates a KeywordMapper.
func NewKeywordMapper() *KeywordMapper {
	return &KeywordMapper{}
}

// MatchHeader returns the canonical field for a single header.
func (KeywordMapper) MatchHeader(header string) (field string, confidence float64, ok bool) {
	tokens := tokenize(header)
	if len(tokens) == 0 {
		return "", 0, false
	}
	phrase := strings.Join(tokens, " ")

	for _, r := range normalizedRules {
		if excluded(r.field, tokens) {
			continue
		}
		for _, p := range r.phrases {
			if phrase == p {
				return r.field, confidencePhrase, true
			}
		}
	}
	for _, r := range normalizedRules {
		if excluded(r.field, tokens) {
			continue
		}
		for _, kw := range r.keywords {
			for _, tok := range tokens {
				if tok == kw {
					return r.field, confidenceToken, true
				}
			}
		}
	}
	for _, r := range normalizedRules {
		if excluded(r.field, tokens) {
			continue
		}
		for _, kw := range r.keywords {
			if len(kw) < minSubstringKeyword {
				continue
			}
			for _, tok := range tokens {
				if strings.Contains(tok, kw) {
					return r.field, confidenceSubstring, true
				}
			}
		}
	}
	return "", 0, false
}

// Map assigns each header independently. When two headers resolve to the
// same field the more confident match keeps it, and on a tie the earlier
// header does.
func (m KeywordMapper) Map(_ context.Context, headers []string) (ColumnMapping, error) {
	out := ColumnMapping{
		Mappings:   make(map[string]string),
		Confidence: make(map[string]float64),
		Unmapped:   []string{},
		Warnings:   []string{},
		Strategy:   StrategyDeterministic,
	}

	type match struct {
		field string
		conf  float64
		ok    bool
	}
	matches := make([]match, len(headers))
	winner := make(map[string]int)
	for i, h := range headers {
		field, conf, ok := m.MatchHeader(h)
		matches[i] = match{field, conf, ok}
		if !ok {
			continue
		}
		if w, taken := winner[field]; !taken || conf > matches[w].conf {
			winner[field] = i
		}
	}

	for i, h := range headers {
		mt := matches[i]
		if !mt.ok {
			out.Unmapped = append(out.Unmapped, h)
			continue
		}
		if w := winner[mt.field]; w != i {
			out.Unmapped = append(out.Unmapped, h)
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("Column %q also looks like %s, which is already mapped from %q", h, mt.field, headers[w]))
			continue
		}
		out.Mappings[h] = mt.field
		out.Confidence[h] = mt.conf
	}
	return out, nil
}

// FallbackMapper tries each mapper in order and returns the first success.
// Failures are logged and never reach the caller as long as the last mapper
// succeeds.
type FallbackMapper struct {
	mappers []ColumnMapper
	logger  zerolog.Logger
}

// NewFallbackMapper builds a chain that always ends with the deterministic
// mapper.
func NewFallbackMapper(logger zerolog.Logger, mappers ...ColumnMapper) *FallbackMapper {
	chain := make([]ColumnMapper, 0, len(mappers)+1)
	for _, m := range mappers {
		if m != nil {
			chain = append(chain, m)
		}
	}
	chain = append(chain, NewKeywordMapper())
	return &FallbackMapper{
		mappers: chain,
		logger:  logger.With().Str("component", "column-mapper").Logger(),
	}
}

// Map implements ColumnMapper.
func (f *FallbackMapper) Map(ctx context.Context, headers []string) (ColumnMapping, error) {
	var errs []error
	for i, m := range f.mappers {
		mapping, err := m.Map(ctx, headers)
		if err == nil {
			if i > 0 {
				mapping.Warnings = append(mapping.Warnings, "Column mapping service unavailable; used keyword matching")
			}
			return mapping, nil
		}
		f.logger.Warn().Err(err).Int("attempt", i+1).Int("headers", len(headers)).Msg("column mapper failed, falling back")
		errs = append(errs, err)
	}
	return ColumnMapping{}, fmt.Errorf("all column mappers failed: %w", errors.Join(errs...))
}

// Deterministic returns the last mapper of the chain.
func (f *FallbackMapper) Deterministic() ColumnMapper {
	return f.mappers[len(f.mappers)-1]
}

// ForStrategy returns the mapper to use for a per-upload strategy flag.
func (f *FallbackMapper) ForStrategy(strategy string) (ColumnMapper, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", StrategyAuto, StrategySemantic:
		return f, nil
	case StrategyDeterministic:
		return f.Deterministic(), nil
	default:
		return nil, fmt.Errorf("%w: unknown mapping strategy %q", ErrInputInvalid, strategy)
	}
}
