package sink

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Message(t *testing.T) {
	cause := errors.New("connection refused")

	err := &Error{Op: "write", Index: "cdc-events", Err: cause}
	if !strings.Contains(err.Error(), "sink write cdc-events") {
		t.Errorf("unexpected message: %s", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected error to unwrap to its cause")
	}

	withStatus := &Error{Op: "create", Index: "cdc-events", StatusCode: 400, Err: cause}
	if !strings.Contains(withStatus.Error(), "status 400") {
		t.Errorf("expected status in message: %s", withStatus)
	}
}

func TestSchemaResult_String(t *testing.T) {
	if SchemaCreated.String() != "created" || SchemaExists.String() != "exists" {
		t.Errorf("unexpected names: %s, %s", SchemaCreated, SchemaExists)
	}
	if SchemaResult(9).String() != "SchemaResult(9)" {
		t.Errorf("unexpected fallback: %s", SchemaResult(9))
	}
}
