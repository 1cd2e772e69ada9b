// Package schema validates the supervisor's state documents against
// committed JSON Schemas before they are trusted on read. This catches a
// narrower, more specific class of corruption than a bare json.Unmarshal
// error would (a document that parses as JSON but has drifted shape, e.g.
// from a previous schema_version) and reports it the same way: the caller
// discards and reinitializes the document.
package schema

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Names of the schemas bundled below, used as the key when looking one up.
const (
	Evidence = "evidence"
	Status   = "status"
)

var schemas = map[string]string{
	Evidence: evidenceSchema,
	Status:   statusSchema,
}

// Validate checks data against the named bundled schema. An unknown name is
// a programmer error and panics; the set of names is fixed at compile time.
func Validate(name string, data []byte) error {
	raw, ok := schemas[name]
	if !ok {
		panic(fmt.Sprintf("schema: unknown schema %q", name))
	}

	schemaLoader := gojsonschema.NewStringLoader(raw)
	docLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema %q: validating document: %w", name, err)
	}
	if !result.Valid() {
		return fmt.Errorf("schema %q: %s", name, firstError(result))
	}
	return nil
}

func firstError(result *gojsonschema.Result) string {
	errs := result.Errors()
	if len(errs) == 0 {
		return "document does not match schema"
	}
	return errs[0].String()
}

const evidenceSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schema_version", "session_id", "verification_gates", "overall_status"],
  "properties": {
    "schema_version": {"type": "integer"},
    "session_id": {"type": "string"},
    "created_at": {"type": "string"},
    "last_updated": {"type": "string"},
    "loop_number": {"type": "integer"},
    "verification_gates": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["status"],
        "properties": {
          "status": {"enum": ["PENDING", "VERIFIED", "FAILED", "SKIPPED"]},
          "verified_at": {"type": "string"},
          "evidence": {"type": "object"}
        }
      }
    },
    "overall_status": {
      "type": "object",
      "required": ["all_gates_passed", "gates_verified", "gates_failed", "gates_skipped", "exit_allowed"],
      "properties": {
        "all_gates_passed": {"type": "boolean"},
        "gates_verified": {"type": "integer"},
        "gates_failed": {"type": "integer"},
        "gates_skipped": {"type": "integer"},
        "exit_allowed": {"type": "boolean"}
      }
    }
  }
}`

const statusSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["loop_count", "status"],
  "properties": {
    "loop_count": {"type": "integer"},
    "calls_made_this_hour": {"type": "integer"},
    "max_calls_per_hour": {"type": "integer"},
    "status": {"enum": ["initializing", "running", "waiting", "exited", "halted", "failed"]},
    "last_action": {"type": "string"},
    "exit_reason": {"type": "string"}
  }
}`
