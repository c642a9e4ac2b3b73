package profile

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://rmacd.schemas.local/profile/"

var (
	schemaOnce sync.Once
	schemas    map[ModelType]*jsonschema.Schema
	schemaErr  error
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, name := range []string{"defs.schema.json", "profile-2d.schema.json", "profile-3d.schema.json"} {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			schemaErr = fmt.Errorf("read schema %s: %w", name, err)
			return
		}
		if err := c.AddResource(schemaBase+name, bytes.NewReader(data)); err != nil {
			schemaErr = fmt.Errorf("profile schema load failed: %w", err)
			return
		}
	}
	schemas = make(map[ModelType]*jsonschema.Schema, 2)
	for m, name := range map[ModelType]string{
		TwoDimensional:   "profile-2d.schema.json",
		ThreeDimensional: "profile-3d.schema.json",
	} {
		s, err := c.Compile(schemaBase + name)
		if err != nil {
			schemaErr = fmt.Errorf("profile schema compile failed: %w", err)
			return
		}
		schemas[m] = s
	}
}

// ValidateSchema checks a decoded JSON document (as produced by
// json.Unmarshal into any) against the schema for its model.
func ValidateSchema(doc any) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	m, err := DetectModel(doc)
	if err != nil {
		return err
	}
	if err := schemas[m].Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// DetectModel reads the model field, falling back to the profile_id prefix.
func DetectModel(doc any) (ModelType, error) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return "", fmt.Errorf("profile document must be an object")
	}
	if m, ok := obj["model"].(string); ok {
		switch ModelType(m) {
		case TwoDimensional, ThreeDimensional:
			return ModelType(m), nil
		}
		return "", fmt.Errorf("model: unknown model type %q", m)
	}
	if id, ok := obj["profile_id"].(string); ok {
		switch {
		case profileID2D.MatchString(id):
			return TwoDimensional, nil
		case profileID3D.MatchString(id):
			return ThreeDimensional, nil
		}
	}
	return "", fmt.Errorf("model: cannot detect model type")
}
