package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dd0wney/cluso-portal/pkg/validation"
)

// IsEnvelope reports whether x looks like an Envelope: a non-nil object with
// encrypted == true and both data and iv keys present. It never panics.
func IsEnvelope(x any) bool {
	switch v := x.(type) {
	case *Envelope:
		return v != nil && v.Encrypted && v.Data != "" && v.IV != ""
	case Envelope:
		return v.Encrypted && v.Data != "" && v.IV != ""
	case map[string]any:
		enc, ok := v["encrypted"].(bool)
		if !ok || !enc {
			return false
		}
		_, hasData := v["data"]
		_, hasIV := v["iv"]
		return hasData && hasIV
	case json.RawMessage:
		return IsEnvelopeJSON(v)
	case []byte:
		return IsEnvelopeJSON(v)
	default:
		return false
	}
}

// IsEnvelopeJSON is IsEnvelope for a raw JSON document.
func IsEnvelopeJSON(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}

	var enc bool
	if err := json.Unmarshal(fields["encrypted"], &enc); err != nil || !enc {
		return false
	}
	_, hasData := fields["data"]
	_, hasIV := fields["iv"]
	return hasData && hasIV
}

// Body is the decoded form of an inbound request body: either PlainBody or
// EnvelopeBody.
type Body interface {
	isBody()
}

// PlainBody is a body that is not an envelope. Value is the decoded JSON
// value and Raw the original bytes.
type PlainBody struct {
	Value any
	Raw   json.RawMessage
}

// EnvelopeBody is a body that is an envelope.
type EnvelopeBody struct {
	Envelope *Envelope
}

func (PlainBody) isBody()    {}
func (EnvelopeBody) isBody() {}

// Decode classifies a raw JSON body. Structural detection decides which
// variant is returned; an envelope-shaped body that fails schema validation
// is an error wrapping ErrInvalidPayload.
func Decode(raw []byte) (Body, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return PlainBody{}, nil
	}

	var value any
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}

	if !IsEnvelope(value) {
		return PlainBody{Value: value, Raw: json.RawMessage(trimmed)}, nil
	}

	env, err := ParseEnvelope(trimmed)
	if err != nil {
		return nil, err
	}
	return EnvelopeBody{Envelope: env}, nil
}

// ParseEnvelope strictly decodes raw as an Envelope and validates its shape.
// An object lacking data or iv yields ErrMissingFields.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrMissingFields
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := CheckShape(&env); err != nil {
		return nil, err
	}
	if err := validation.Struct(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &env, nil
}

// FromValue converts an already-decoded JSON value into an Envelope.
func FromValue(v any) (*Envelope, error) {
	if env, ok := v.(*Envelope); ok {
		if err := validation.Struct(env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return env, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return ParseEnvelope(raw)
}
