package transport

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// compiled request-body schemas, keyed by schema name.
var schemas = map[string]*jsonschema.Schema{}

func init() {
	compiler := jsonschema.NewCompiler()
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		panic(fmt.Sprintf("transport: read embedded schemas: %v", err))
	}
	for _, entry := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			panic(fmt.Sprintf("transport: read schema %s: %v", entry.Name(), err))
		}
		name := entry.Name()
		if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("transport: add schema %s: %v", name, err))
		}
		schemas[name[:len(name)-len(".json")]] = compiler.MustCompile(name)
	}
}

// validateBody checks the raw JSON body against a named schema. Unknown
// schema names are a programming error and panic at startup, not here.
func validateBody(schema string, body []byte) error {
	sch, ok := schemas[schema]
	if !ok {
		return fmt.Errorf("transport: no schema named %q", schema)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return apiErrorf(400, "invalid_argument", "request body is not valid JSON")
	}
	if err := sch.Validate(doc); err != nil {
		return apiErrorf(400, "invalid_argument", err.Error())
	}
	return nil
}
