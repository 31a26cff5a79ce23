// Package parser turns fetched imageboard pages into watermarks and rendered
// posts. Parsers are looked up by kind through an explicit Registry.
package parser

import (
	"regexp"
	"sort"

	"github.com/JakeFAU/chanwatch/internal/watch"
)

// Parser understands one family of imageboard markup.
type Parser interface {
	Kind() string
	Supports(feature string) bool
	// ThreadPattern matches the thread URLs this parser accepts on host.
	ThreadPattern(host string) *regexp.Regexp
	// NotifyUsername derives the local part of the identity notifications
	// for sub are sent from.
	NotifyUsername(sub watch.Subscription) string
	Parse(task watch.Task) (watch.ParseResult, error)
}

// Registry maps parser kinds to implementations.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry builds a Registry from the given parsers. Later entries win on
// duplicate kinds.
func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{parsers: make(map[string]Parser, len(parsers))}
	for _, p := range parsers {
		r.parsers[p.Kind()] = p
	}
	return r
}

// Default returns the registry with every built-in parser.
func Default() *Registry {
	return NewRegistry(NewWakaba())
}

// Lookup returns the parser registered for kind.
func (r *Registry) Lookup(kind string) (Parser, bool) {
	p, ok := r.parsers[kind]
	return p, ok
}

// Supports reports whether the parser for kind advertises feature. Unknown
// kinds support nothing.
func (r *Registry) Supports(kind, feature string) bool {
	p, ok := r.parsers[kind]
	return ok && p.Supports(feature)
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.parsers))
	for k := range r.parsers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
