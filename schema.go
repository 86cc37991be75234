package reagent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaGenerator produces a JSON Schema (draft 2020-12) for a Go value's
// type. The default implementation reflects over struct tags; replace it
// process-wide with SetSchemaGenerator, or wire schemas manually through
// the Tool descriptor.
type SchemaGenerator interface {
	Schema(v any) (json.RawMessage, error)
}

var activeSchemaGenerator atomic.Pointer[SchemaGenerator]

func init() {
	var g SchemaGenerator = NewReflectGenerator()
	activeSchemaGenerator.Store(&g)
}

// SetSchemaGenerator replaces the process-wide schema generator. Passing
// nil restores the reflection default.
func SetSchemaGenerator(g SchemaGenerator) {
	if g == nil {
		g = NewReflectGenerator()
	}
	activeSchemaGenerator.Store(&g)
}

// ActiveSchemaGenerator returns the current process-wide generator.
func ActiveSchemaGenerator() SchemaGenerator { return *activeSchemaGenerator.Load() }

// reflectGenerator derives schemas from Go struct tags.
//
// Supported tags:
//   - json:"name"            parameter name
//   - json:",omitempty"      optional parameter
//   - jsonschema:"required"  explicitly mark as required
//   - jsonschema:"description=..." field description
//   - jsonschema:"enum=a|b"  allowed values
type reflectGenerator struct {
	reflector *jsonschema.Reflector
}

// NewReflectGenerator creates the reflection-based SchemaGenerator.
// Schemas are fully inlined (no $ref, no $schema/$id) so they can be
// handed to model providers verbatim.
func NewReflectGenerator() SchemaGenerator {
	return &reflectGenerator{reflector: &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}}
}

func (g *reflectGenerator) Schema(v any) (json.RawMessage, error) {
	s := g.reflector.Reflect(v)
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("reflect schema for %T: %w", v, err)
	}
	return raw, nil
}

// --- Validation ---

// compiledSchemas caches compiled schemas keyed by their JSON text.
// Structured-output calls validate every round against the same schema,
// so compilation cost is paid once.
var compiledSchemas sync.Map

func compileSchema(raw json.RawMessage) (*schemavalidate.Schema, error) {
	key := string(raw)
	if cached, ok := compiledSchemas.Load(key); ok {
		return cached.(*schemavalidate.Schema), nil
	}
	doc, err := schemavalidate.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := schemavalidate.NewCompiler()
	if err := c.AddResource("inline://schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("inline://schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiledSchemas.Store(key, compiled)
	return compiled, nil
}

// validateAgainstSchema checks a payload against a raw JSON schema.
// The payload is round-tripped through JSON so Go values and raw maps
// validate identically.
func validateAgainstSchema(raw json.RawMessage, payload any) error {
	schema, err := compileSchema(raw)
	if err != nil {
		return err
	}
	encoded, err := ActiveCodec().Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	decoded, err := schemavalidate.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return schema.Validate(decoded)
}
