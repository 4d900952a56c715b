package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrMalformedMapping is returned when the mapping service replies with
// something that cannot be used as a column mapping.
var ErrMalformedMapping = errors.New("malformed mapping response")

// SemanticOption configures a SemanticMapper.
type SemanticOption func(*SemanticMapper)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) SemanticOption {
	return func(m *SemanticMapper) { m.httpClient = c }
}

// WithToken sets a bearer token sent with every request.
func WithToken(token string) SemanticOption {
	return func(m *SemanticMapper) { m.token = token }
}

// SemanticMapper asks an external mapping service to match headers to
// fields.
type SemanticMapper struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewSemanticMapper creates a mapper that POSTs to url.
func NewSemanticMapper(url string, timeout time.Duration, opts ...SemanticOption) *SemanticMapper {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	m := &SemanticMapper{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type semanticRequest struct {
	Headers []string `json:"headers"`
	Fields  []string `json:"fields"`
}

type semanticMatch struct {
	Field      string  `json:"field"`
	Confidence float64 `json:"confidence"`
}

type semanticResponse struct {
	Mappings map[string]semanticMatch `json:"mappings"`
	Warnings []string                 `json:"warnings"`
}

// Map implements ColumnMapper.
func (m *SemanticMapper) Map(ctx context.Context, headers []string) (ColumnMapping, error) {
	payload, err := json.Marshal(semanticRequest{Headers: headers, Fields: CanonicalFields})
	if err != nil {
		return ColumnMapping{}, fmt.Errorf("encode mapping request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		return ColumnMapping{}, fmt.Errorf("build mapping request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return ColumnMapping{}, fmt.Errorf("call mapping service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return ColumnMapping{}, fmt.Errorf("mapping service returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out semanticResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return ColumnMapping{}, fmt.Errorf("%w: %v", ErrMalformedMapping, err)
	}
	return buildSemanticMapping(headers, out)
}

func buildSemanticMapping(headers []string, resp semanticResponse) (ColumnMapping, error) {
	known := make(map[string]bool, len(headers))
	for _, h := range headers {
		known[h] = true
	}
	for h := range resp.Mappings {
		if !known[h] {
			return ColumnMapping{}, fmt.Errorf("%w: unknown header %q", ErrMalformedMapping, h)
		}
	}

	out := ColumnMapping{
		Mappings:   make(map[string]string),
		Confidence: make(map[string]float64),
		Unmapped:   []string{},
		Warnings:   append([]string{}, resp.Warnings...),
		Strategy:   StrategySemantic,
	}
	claimed := make(map[string]string)

	for _, h := range headers {
		match, ok := resp.Mappings[h]
		if !ok || match.Field == "" {
			out.Unmapped = append(out.Unmapped, h)
			continue
		}
		if !IsCanonicalField(match.Field) {
			return ColumnMapping{}, fmt.Errorf("%w: unknown field %q for header %q", ErrMalformedMapping, match.Field, h)
		}
		if match.Confidence < 0 || match.Confidence > 1 {
			return ColumnMapping{}, fmt.Errorf("%w: confidence %v out of range for header %q", ErrMalformedMapping, match.Confidence, h)
		}
		if prev, taken := claimed[match.Field]; taken {
			return ColumnMapping{}, fmt.Errorf("%w: field %q mapped from both %q and %q", ErrMalformedMapping, match.Field, prev, h)
		}
		claimed[match.Field] = h
		out.Mappings[h] = match.Field
		out.Confidence[h] = match.Confidence
	}
	return out, nil
}
