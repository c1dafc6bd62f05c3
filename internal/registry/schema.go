package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map // map[string]*jsonschema.Schema, keyed by raw schema bytes

// CompileSchema compiles (and caches) a JSON Schema document, keyed by its
// raw byte content so repeated validations of the same manifest's schema
// reuse the compiled form.
func CompileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("registry: compile schema: %w", err)
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateAgainstSchema validates payload (already a JSON.Marshal-able
// value) against schema. A nil/empty schema is treated as "anything
// validates".
func ValidateAgainstSchema(schema json.RawMessage, payload any) error {
	compiled, err := CompileSchema(schema)
	if err != nil {
		return err
	}
	if compiled == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("registry: encode payload: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("registry: decode payload: %w", err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return err
	}
	return nil
}
