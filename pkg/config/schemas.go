package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// SchemaRegistry holds CUE property schemas keyed by resource type.
//
// A schema is the body of a CUE struct describing the properties a type
// accepts. It is closed on registration, so undeclared properties are
// rejected:
//
//	path?:    string
//	mode?:    int | string
//	content?: string
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in resource schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	for name, src := range builtinSchemas {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(err)
		}
	}
	return sr
}

// RegisterSchema compiles and registers the property schema for a resource
// type, replacing any earlier one.
func (sr *SchemaRegistry) RegisterSchema(resourceType, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	src := "#Properties: close({\n" + commonProperties + schema + "\n})"
	val := sr.ctx.CompileString(src, cue.Filename(resourceType+".schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", resourceType, err)
	}
	def := val.LookupPath(cue.ParsePath("#Properties"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", resourceType, err)
	}
	sr.schemas[resourceType] = def
	return nil
}

// GetSchema retrieves the schema for a resource type.
func (sr *SchemaRegistry) GetSchema(resourceType string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	val, ok := sr.schemas[resourceType]
	return val, ok
}

// Validate checks properties against the schema of resourceType. Types with
// no registered schema are accepted as is.
func (sr *SchemaRegistry) Validate(resourceType string, properties map[string]any) error {
	schema, ok := sr.GetSchema(resourceType)
	if !ok {
		return nil
	}
	if properties == nil {
		properties = map[string]any{}
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	dataVal := sr.ctx.Encode(properties)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	if err := schema.Unify(dataVal).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s", errors.Details(err, nil))
	}
	return nil
}

// ListSchemas returns the resource types with a registered schema, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// commonProperties are accepted by every type with a schema.
const commonProperties = `
	sudo?: bool
`

const fileSchema = `
	path?:    string & !=""
	content?: string
	owner?:   string
	group?:   string
	mode?:    int & >=0 & <=0o7777 | =~"^0?[0-7]{3,4}$"
`

var builtinSchemas = map[string]string{
	"file":     fileSchema,
	"template": fileSchema,

	"directory": `
	path?:      string & !=""
	recursive?: bool
	owner?:     string
	group?:     string
	mode?:      int & >=0 & <=0o7777 | =~"^0?[0-7]{3,4}$"
`,

	"package": `
	package_name?: string & !=""
	version?:      string
`,

	"service": `
	service_name?: string & !=""
`,

	"execute": `
	command?:     string & !=""
	creates?:     string
	cwd?:         string
	timeout?:     int & >=0 | number & >=0 | string
	environment?: {[string]: string | number | bool}
	returns?:     int | [...int]
`,

	"log": `
	message?: string
	level?:   "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "panic"
`,
}
