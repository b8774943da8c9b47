package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema describing plugin.json
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Manifest{})
	schema.Title = "Nova plugin manifest"

	required := schema.Required[:0]
	for _, name := range schema.Required {
		if name != "thread_isolated" {
			required = append(required, name)
		}
	}
	schema.Required = required

	if idSchema, ok := schema.Properties.Get("id"); ok {
		idSchema.Pattern = idPattern.String()
	}
	if versionSchema, ok := schema.Properties.Get("version"); ok {
		versionSchema.Pattern = semverPattern.String()
	}
	if entrySchema, ok := schema.Properties.Get("entry"); ok {
		entrySchema.Pattern = entryPattern.String()
	}

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
