package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var schemaDoc = sync.OnceValues(func() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:   "yaml",
		ExpandedStruct: true,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "loanagent configuration"
	schema.Description = "Static configuration read at startup. Runtime settings live in the app_settings table."
	return json.MarshalIndent(schema, "", "  ")
})

// JSONSchema returns the JSON Schema of the configuration file, for editors
// and the "config schema" command.
func JSONSchema() ([]byte, error) {
	return schemaDoc()
}
