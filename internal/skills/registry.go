// Package skills exposes the companion's callable abilities. Each skill
// declares a JSON schema for its arguments; the registry validates calls
// before dispatch so skills never see malformed input.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Skill is one callable ability.
type Skill interface {
	Name() string
	Description() string
	// ParameterSchema returns the JSON schema for Execute's arguments.
	ParameterSchema() string
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Info is the listable description of a registered skill.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Registry holds skills and validates invocations against their schemas.
type Registry struct {
	mu      sync.RWMutex
	skills  map[string]Skill
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		skills:  make(map[string]Skill),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles the skill's schema and adds it to the registry.
// Duplicate names and invalid schemas are registration-time errors.
func (r *Registry) Register(s Skill) error {
	name := s.Name()
	if name == "" {
		return fmt.Errorf("skills: skill with empty name")
	}

	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, strings.NewReader(s.ParameterSchema())); err != nil {
		return fmt.Errorf("skills: schema for %s: %w", name, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("skills: compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.skills[name]; dup {
		return fmt.Errorf("skills: %s already registered", name)
	}
	r.skills[name] = s
	r.schemas[name] = schema
	return nil
}

// Invoke validates args against the skill's schema and executes it.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	skill, ok := r.skills[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("skills: unknown skill %q", name)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, fmt.Errorf("skills: %s: arguments are not valid JSON: %w", name, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("skills: %s: invalid arguments: %w", name, err)
	}
	return skill.Execute(ctx, args)
}

// List returns registered skills sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, Info{
			Name:        s.Name(),
			Description: s.Description(),
			Parameters:  json.RawMessage(s.ParameterSchema()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
