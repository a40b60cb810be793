package llm

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects T into a JSON schema suitable for strict
// structured output: no $ref indirection, additionalProperties:false on
// every object, and every declared property required.
func GenerateSchema[T any]() json.RawMessage {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)

	b, err := schema.MarshalJSON()
	if err != nil {
		panic(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	ensureStrictCompliance(m)

	out, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return out
}

// ensureStrictCompliance walks a schema map and forces the shape strict
// structured-output endpoints demand: objects forbid extra properties and
// list every property as required.
func ensureStrictCompliance(schema map[string]interface{}) {
	if t, ok := schema["type"].(string); ok && t == "object" {
		schema["additionalProperties"] = false
		if props, ok := schema["properties"].(map[string]interface{}); ok {
			required := make([]string, 0, len(props))
			for name := range props {
				required = append(required, name)
			}
			if len(required) > 0 {
				schema["required"] = required
			}
		}
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for _, p := range props {
			if pm, ok := p.(map[string]interface{}); ok {
				ensureStrictCompliance(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		ensureStrictCompliance(items)
	}
	if defs, ok := schema["$defs"].(map[string]interface{}); ok {
		for _, d := range defs {
			if dm, ok := d.(map[string]interface{}); ok {
				ensureStrictCompliance(dm)
			}
		}
	}
}
