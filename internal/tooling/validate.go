package tooling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/swarmcore/internal/modelclient"
)

var compiledCache sync.Map

func compiledSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if cached, ok := compiledCache.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiledCache.Store(name, compiled)
	return compiled, nil
}

// validateArgs compiles (and caches) def's JSON Schema and validates args
// against it — the dispatcher runs this before invoking any built-in
// handler (spec §4.3 "parameter validation performed by the dispatcher
// before dispatch").
func validateArgs(def modelclient.ToolSchema, args json.RawMessage) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	schema, err := compiledSchema(def.Name, def.Parameters)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(decoded)
}
