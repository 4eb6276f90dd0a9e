package server

import (
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// eventSchemaJSON is the wire contract for POST /api/proctoring/events.
// The canonical copy lives under docs/schema; a test keeps the two in sync.
//
//go:embed proctoring-event-v1.schema.json
var eventSchemaJSON string

// compileEventSchema compiles the embedded ingestion schema.
func compileEventSchema() (*jsonschema.Schema, error) {
	schema, err := jsonschema.CompileString("proctoring-event-v1.schema.json", eventSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return schema, nil
}
