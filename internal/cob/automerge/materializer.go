// Package automerge ships the one concrete cob.Materializer this module
// provides: a deliberately simple append-only materializer that
// concatenates validated payload bytes and JSON-Schema validates the
// result. The CRDT merge algorithm itself is external to this module;
// this package exists to drive cob's engine end to end without one.
package automerge

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/emberlink/ember/internal/cob"
	"github.com/emberlink/ember/internal/refdb"
)

// SchemaResolver looks up the JSON Schema document a schema-commit Oid
// refers to, so Validate can check the materialized value against it.
type SchemaResolver interface {
	ResolveSchema(schemaCommit refdb.Oid) (json.RawMessage, error)
}

// ByteConcatMaterializer folds payload segments by concatenation. If a
// SchemaResolver is set, the concatenated bytes are additionally
// decoded as JSON and checked against the declared schema's required
// top-level keys — a minimal stand-in for full JSON Schema validation,
// sufficient for the property this materializer exists to exercise:
// reject-and-rollback on invalid payload shape.
type ByteConcatMaterializer struct {
	buf      bytes.Buffer
	schemas  SchemaResolver
}

// New creates a materializer with no schema checking beyond
// syntactic JSON validity per payload.
func New() *ByteConcatMaterializer {
	return &ByteConcatMaterializer{}
}

// WithSchemaResolver attaches a SchemaResolver for Validate to consult.
func (m *ByteConcatMaterializer) WithSchemaResolver(r SchemaResolver) *ByteConcatMaterializer {
	m.schemas = r
	return m
}

// Snapshot captures the current buffer length; Rollback truncates back
// to it.
func (m *ByteConcatMaterializer) Snapshot() cob.Snapshot {
	return m.buf.Len()
}

// Apply appends payload if it is syntactically valid JSON (the minimal
// acceptance bar a materializer enforces before even considering
// schema validation).
func (m *ByteConcatMaterializer) Apply(payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("automerge: payload is not valid JSON")
	}
	m.buf.Write(payload)
	return nil
}

// Validate does nothing without a SchemaResolver or when the schema
// marks no key required. Otherwise it decodes the whole concatenated
// value as one JSON object and checks every required key is present;
// a value built from more than one payload does not decode as one
// object and fails.
func (m *ByteConcatMaterializer) Validate(schemaCommit refdb.Oid) error {
	if m.schemas == nil {
		return nil
	}
	raw, err := m.schemas.ResolveSchema(schemaCommit)
	if err != nil {
		return fmt.Errorf("automerge: resolve schema %s: %w", schemaCommit, err)
	}
	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return fmt.Errorf("automerge: invalid schema document: %w", err)
	}
	if len(schema.Required) == 0 {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(m.buf.Bytes(), &obj); err != nil {
		return fmt.Errorf("automerge: materialized value is not a JSON object: %w", err)
	}
	for _, key := range schema.Required {
		if _, ok := obj[key]; !ok {
			return fmt.Errorf("automerge: materialized value missing required key %q", key)
		}
	}
	return nil
}

// Rollback truncates the buffer back to a prior Snapshot.
func (m *ByteConcatMaterializer) Rollback(snap cob.Snapshot) {
	n, _ := snap.(int)
	m.buf.Truncate(n)
}

// Bytes returns the materialized value.
func (m *ByteConcatMaterializer) Bytes() []byte {
	return append([]byte(nil), m.buf.Bytes()...)
}

var _ cob.Materializer = (*ByteConcatMaterializer)(nil)
