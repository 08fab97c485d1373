package streams

import "fmt"

// PayloadVersion is the schema version stamped on all base events.
const PayloadVersion = "v1"

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventInvestigationEnqueued,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["job_id", "investigation_id", "cluster_id", "kind", "trigger"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "investigation_id": {"type": "string", "minLength": 1},
    "cluster_id": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "enum": ["protocol", "smart"]},
    "trigger": {"type": "string", "enum": ["manual", "schedule"]},
    "max_attempts": {"type": "integer", "minimum": 1}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventInvestigationProgress,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["investigation_id", "progress"],
  "properties": {
    "investigation_id": {"type": "string", "minLength": 1},
    "job_id": {"type": "string"},
    "progress": {"type": "integer", "minimum": 0, "maximum": 100},
    "step_number": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventInvestigationCompleted,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["investigation_id", "status"],
  "properties": {
    "investigation_id": {"type": "string", "minLength": 1},
    "job_id": {"type": "string"},
    "status": {"type": "string", "enum": ["COMPLETED", "FAILED", "CANCELED"]},
    "summary": {"type": "string"},
    "error": {"type": "string"},
    "attempts": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the baseline event schemas into the provided registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
