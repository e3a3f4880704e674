// Package tool defines the tools the model may call and the registry the
// provider adapter consults to run them.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON schema of the tool input.
	Schema() map[string]any
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Func adapts a typed function into a Tool. The input schema is reflected
// from In.
type Func[In, Out any] struct {
	name        string
	description string
	schema      map[string]any
	fn          func(context.Context, In) (Out, error)
}

// New builds a Func tool.
func New[In, Out any](name, description string, fn func(context.Context, In) (Out, error)) *Func[In, Out] {
	return &Func[In, Out]{
		name:        name,
		description: description,
		schema:      SchemaFor[In](),
		fn:          fn,
	}
}

func (f *Func[In, Out]) Name() string           { return f.name }
func (f *Func[In, Out]) Description() string    { return f.description }
func (f *Func[In, Out]) Schema() map[string]any { return f.schema }

// Execute decodes args into In and runs the function.
func (f *Func[In, Out]) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var in In
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}
	return f.fn(ctx, in)
}

// SchemaFor reflects the JSON schema of T as a plain map, inlined and
// without a $schema/$id header.
func SchemaFor[T any]() map[string]any {
	r := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	s := r.Reflect(&zero)

	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err = json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}
