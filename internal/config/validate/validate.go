package validate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/govready/release-grq/internal/config/schema"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	configSchemaName   = "release-grq-config.schema.json"
	metadataSchemaName = "release-metadata.schema.json"
)

// ValidateAgainstSchema compiles the given schema bytes and runs it against
// the JSON in data.  The `name` is only used to identify the schema in errors.
func ValidateAgainstSchema(name string, schemaBytes, data []byte) error {
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource(name, bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("loading schema %q: %w", name, err)
	}
	sch, err := comp.Compile(name)
	if err != nil {
		return fmt.Errorf("compiling schema %q: %w", name, err)
	}

	// unmarshal into interface{} so the validator can walk it
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON for %q: %w", name, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema validation against %q failed: %w", name, err)
	}
	return nil
}

// ValidateConfigJSON runs the config schema against data
func ValidateConfigJSON(data []byte) error {
	return ValidateAgainstSchema(configSchemaName, schema.ConfigSchema, data)
}

// ValidateReleaseMetadataJSON checks a latest-release API response
func ValidateReleaseMetadataJSON(data []byte) error {
	return ValidateAgainstSchema(metadataSchemaName, schema.ReleaseMetadataSchema, data)
}
