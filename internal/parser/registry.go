// ============================================================================
// Parser Registry
// ============================================================================
//
// Package: internal/parser
// File: registry.go
// Purpose: Name-to-function lookup for response parsers. The registry is
//          populated during process wiring and never mutated once job
//          loops are running.
//
// ============================================================================

package parser

import (
	"fmt"

	"github.com/projectdiscovery/utils/errkit"

	"github.com/adaptivescrape/asc/pkg/types"
)

// Func turns a response body into structured data. Parsers are pure: no
// I/O, no shared state, deterministic for a given body and job.
type Func func(body string, job *types.Job) (map[string]any, error)

// Registry maps parser names to functions. Populate it while wiring the
// process; it must not be mutated after job loops start.
type Registry struct {
	parsers map[string]Func
}

// NewRegistry returns a registry preloaded with the built-in parsers.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Func)}
	r.Register(types.DefaultParser, parseHTML)
	r.Register("json", parseJSON)
	r.Register("raw", parseRaw)
	return r
}

// Register adds a named parser, wrapped so that a panic inside the parser
// surfaces as an error instead of killing the job loop.
func (r *Registry) Register(name string, fn Func) {
	r.parsers[name] = recovered(name, fn)
}

// Get looks up a parser by name. Unknown names are terminal job errors.
func (r *Registry) Get(name string) (Func, error) {
	fn, ok := r.parsers[name]
	if !ok {
		return nil, errkit.New(fmt.Sprintf("unknown parser %q", name)).
			SetKind(types.ErrKindUnknownParser).
			Build()
	}
	return fn, nil
}

// Names lists the registered parser names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	return names
}

func recovered(name string, fn Func) Func {
	return func(body string, job *types.Job) (data map[string]any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				data = nil
				err = errkit.New(fmt.Sprintf("parser %q panicked: %v", name, rec)).
					SetKind(types.ErrKindParser).
					Build()
			}
		}()
		return fn(body, job)
	}
}
