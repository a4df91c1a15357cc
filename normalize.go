package reqflow

import (
	"bytes"
	"fmt"

	"github.com/buger/jsonparser"
)

// UnwrapEnvelope returns a NormalizeFunc that extracts the named collection
// from any of the envelopes the backend has been seen to produce:
//
//	{"data": {"data": {"<field>": ...}}}
//	{"data": {"<field>": ...}}
//	{"<field>": ...}
//	[...]              (bare array)
//	{"data": [...]}
func UnwrapEnvelope(field string) NormalizeFunc {
	paths := [][]string{
		{"data", "data", field},
		{"data", field},
		{field},
	}
	return func(body []byte) ([]byte, error) {
		trimmed := bytes.TrimSpace(body)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			return trimmed, nil
		}
		for _, p := range paths {
			value, dataType, _, err := jsonparser.Get(trimmed, p...)
			if err == nil && dataType != jsonparser.Null {
				return rawJSON(value, dataType), nil
			}
		}
		if value, dataType, _, err := jsonparser.Get(trimmed, "data"); err == nil && dataType == jsonparser.Array {
			return value, nil
		}
		return nil, &ClientError{
			Type:    ErrorTypeServer,
			Message: fmt.Sprintf("unexpected response shape: no %q collection", field),
		}
	}
}

// UnwrapData strips a single {"data": ...} envelope when present and leaves
// other bodies untouched.
func UnwrapData(body []byte) ([]byte, error) {
	value, dataType, _, err := jsonparser.Get(body, "data")
	if err != nil || dataType == jsonparser.Null {
		return body, nil
	}
	return rawJSON(value, dataType), nil
}

// rawJSON restores the quotes jsonparser strips from string values.
func rawJSON(value []byte, dataType jsonparser.ValueType) []byte {
	if dataType != jsonparser.String {
		return value
	}
	out := make([]byte, 0, len(value)+2)
	out = append(out, '"')
	out = append(out, value...)
	return append(out, '"')
}
