package handlers

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// payloadSchemas holds the compiled schema of every routing key, keyed by
// the file name under schemas/.
var payloadSchemas = map[string]*jsonschema.Schema{}

func init() {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		panic(fmt.Sprintf("failed to read embedded schemas: %v", err))
	}
	for _, e := range entries {
		payloadSchemas[e.Name()] = mustCompileSchema(e.Name())
	}
}

func mustCompileSchema(name string) *jsonschema.Schema {
	raw, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(fmt.Sprintf("failed to read embedded %s: %v", name, err))
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse embedded %s: %v", name, err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("failed to add %s resource: %v", name, err))
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to compile %s: %v", name, err))
	}
	return sch
}

// decodePayload validates body against the named schema and decodes it
// into out.
func decodePayload(schemaName string, body []byte, out interface{}) error {
	sch, ok := payloadSchemas[schemaName]
	if !ok {
		return fmt.Errorf("no schema named %s", schemaName)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("body is not JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
