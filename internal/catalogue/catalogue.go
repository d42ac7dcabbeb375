// Package catalogue describes the actions the model may request and checks
// model-supplied arguments against each action's JSON schema.
package catalogue

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/capitalize-ai/business-assistant/internal/llm"
)

// Entry is one action as the model sees it.
type Entry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Reflect builds an entry from an argument struct. Fields without omitempty
// are required.
func Reflect(name, description string, args any) (Entry, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(args)
	schema.Version = ""
	schema.ID = ""

	raw, err := json.Marshal(schema)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal schema for %s: %w", name, err)
	}
	return Entry{Name: name, Description: description, Schema: raw}, nil
}

// Catalogue is an immutable set of compiled entries.
type Catalogue struct {
	entries  map[string]Entry
	compiled map[string]*validator.Schema
}

// New compiles every entry's schema.
func New(entries ...Entry) (*Catalogue, error) {
	c := &Catalogue{
		entries:  make(map[string]Entry, len(entries)),
		compiled: make(map[string]*validator.Schema, len(entries)),
	}
	for _, e := range entries {
		if _, dup := c.entries[e.Name]; dup {
			return nil, fmt.Errorf("duplicate action %q", e.Name)
		}
		schema, err := validator.CompileString(e.Name+".schema.json", string(e.Schema))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", e.Name, err)
		}
		c.entries[e.Name] = e
		c.compiled[e.Name] = schema
	}
	return c, nil
}

// Has reports whether name is catalogued.
func (c *Catalogue) Has(name string) bool {
	_, ok := c.entries[name]
	return ok
}

// Validate checks args against the named action's schema.
func (c *Catalogue) Validate(name string, args map[string]any) error {
	schema, ok := c.compiled[name]
	if !ok {
		return fmt.Errorf("action %q is not catalogued", name)
	}
	if args == nil {
		args = map[string]any{}
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(decoded)
}

// Entries returns all entries sorted by name.
func (c *Catalogue) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions converts the catalogue into provider tool definitions.
func (c *Catalogue) Definitions() []llm.ToolDefinition {
	entries := c.Entries()
	defs := make([]llm.ToolDefinition, 0, len(entries))
	for _, e := range entries {
		var params map[string]any
		if err := json.Unmarshal(e.Schema, &params); err != nil {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        e.Name,
			Description: e.Description,
			Parameters:  params,
		})
	}
	return defs
}
