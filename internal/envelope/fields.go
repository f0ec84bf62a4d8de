package envelope

import (
	"math"

	"github.com/agoranet/backend/internal/httpapi"
)

// Payload field extraction with the strict typing the services require:
// missing keys are MISSING_FIELD, wrongly typed values INVALID_FIELD_TYPE.
// JSON numbers arrive as float64; integer fields reject fractional values.

// Fields wraps a decoded payload map.
type Fields map[string]interface{}

// String returns a required string field.
func (f Fields) String(key string) (string, *httpapi.Error) {
	v, ok := f[key]
	if !ok {
		return "", httpapi.Errorf(httpapi.CodeMissingField, "%s is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", httpapi.Errorf(httpapi.CodeInvalidFieldType, "%s must be a string", key)
	}
	return s, nil
}

// OptionalString returns a string field or "" when absent.
func (f Fields) OptionalString(key string) (string, *httpapi.Error) {
	if _, ok := f[key]; !ok {
		return "", nil
	}
	return f.String(key)
}

// Int returns a required integer field.
func (f Fields) Int(key string) (int64, *httpapi.Error) {
	v, ok := f[key]
	if !ok {
		return 0, httpapi.Errorf(httpapi.CodeMissingField, "%s is required", key)
	}
	n, ok := v.(float64)
	if !ok || n != math.Trunc(n) {
		return 0, httpapi.Errorf(httpapi.CodeInvalidFieldType, "%s must be an integer", key)
	}
	return int64(n), nil
}
