// Package event decodes canal-json row-change messages into ChangeEvents.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
)

// Defaults substituted for fields missing from a change message.
const (
	DefaultDatabase  = "unknown_db"
	DefaultTable     = "unknown_table"
	DefaultOperation = "unknown"
)

// ChangeEvent is a single row-level change, normalized from a raw message.
// Database, Table and Operation are never empty after Decode.
type ChangeEvent struct {
	Database  string
	Table     string
	Operation string
	// Payload is the raw "data" member, nil when absent or null.
	Payload json.RawMessage
}

// DecodeError reports a payload that could not be parsed as a change event.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed change event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses raw into a ChangeEvent. Missing or non-string database, table
// and type members are replaced with their defaults; the operation is always
// lower-cased. Structured-mode CloudEvents envelopes are unwrapped first.
func Decode(raw []byte) (ChangeEvent, error) {
	fields, err := parseObject(raw)
	if err != nil {
		return ChangeEvent{}, &DecodeError{Err: err}
	}

	if inner, ok := unwrapCloudEvent(raw, fields); ok {
		fields = inner
	}

	return ChangeEvent{
		Database:  stringField(fields, "database", DefaultDatabase),
		Table:     stringField(fields, "table", DefaultTable),
		Operation: strings.ToLower(stringField(fields, "type", DefaultOperation)),
		Payload:   payloadField(fields, "data"),
	}, nil
}

func parseObject(raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("invalid json")
		}
		return nil, fmt.Errorf("expected json object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return fields, nil
}

// unwrapCloudEvent returns the members of a structured CloudEvent's data when
// raw is one. Anything that does not cleanly unwrap is decoded as-is.
func unwrapCloudEvent(raw []byte, fields map[string]json.RawMessage) (map[string]json.RawMessage, bool) {
	var specVersion string
	if v, ok := fields["specversion"]; !ok || json.Unmarshal(v, &specVersion) != nil || specVersion == "" {
		return nil, false
	}
	if _, ok := fields["data"]; !ok {
		if _, ok := fields["data_base64"]; !ok {
			return nil, false
		}
	}

	ce := cloudevents.New()
	if err := json.Unmarshal(raw, &ce); err != nil {
		return nil, false
	}
	inner, err := parseObject(ce.Data())
	if err != nil {
		return nil, false
	}
	return inner, true
}

func stringField(fields map[string]json.RawMessage, name, fallback string) string {
	v, ok := fields[name]
	if !ok {
		return fallback
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil || s == "" {
		return fallback
	}
	return s
}

func payloadField(fields map[string]json.RawMessage, name string) json.RawMessage {
	v, ok := fields[name]
	if !ok {
		return nil
	}
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil
	}
	return v
}
