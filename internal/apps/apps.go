// Package apps implements app-name resolution: exact-match lookup, then
// parameterized pattern matching with named captures, then a "default"
// fallback. Directory auto-discovery that populates a Registry is the
// embedding program's concern; this package only implements the lookup
// contract itself.
package apps

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Command is one registry entry: the executable and its fixed leading
// arguments. Captured pattern parameters are appended as extra argv
// entries, in capture order; no shell is involved.
type Command struct {
	Path string
	Args []string
}

// entry pairs a compiled pattern with its command. Patterns containing
// no "{name}" placeholder match only by exact equality.
type entry struct {
	pattern string
	command Command
	re      *regexp.Regexp // nil for exact-match patterns
	params  []string       // capture names, in order, for parameterized patterns
	seq     int            // insertion order, for deterministic scan
}

// paramRe finds "{name}" placeholders in a pattern.
var paramRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Registry maps app-name patterns to commands.
type Registry struct {
	exact   map[string]Command
	entries []*entry
	next    int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{exact: make(map[string]Command)}
}

// Register adds one pattern -> command mapping. A pattern with no
// "{name}" placeholder is registered for exact match; otherwise it is
// compiled to a regex capturing non-slash spans for each placeholder.
func (r *Registry) Register(pattern string, cmd Command) error {
	if paramRe.FindStringIndex(pattern) == nil {
		r.exact[pattern] = cmd
		return nil
	}

	names := paramRe.FindAllStringSubmatch(pattern, -1)
	params := make([]string, 0, len(names))
	for _, m := range names {
		params = append(params, m[1])
	}

	exprStr := regexp.QuoteMeta(pattern)
	for _, p := range params {
		// QuoteMeta has already escaped the braces in exprStr, so the
		// placeholder to replace is the escaped form.
		literal := regexp.QuoteMeta("{" + p + "}")
		exprStr = strings.Replace(exprStr, literal, `([^/]+)`, 1)
	}
	re, err := regexp.Compile("^" + exprStr + "$")
	if err != nil {
		return fmt.Errorf("apps: compile pattern %q: %w", pattern, err)
	}

	r.next++
	r.entries = append(r.entries, &entry{
		pattern: pattern,
		command: cmd,
		re:      re,
		params:  params,
		seq:     r.next,
	})
	return nil
}

// ErrNotFound is returned by Resolve when no pattern matches and no
// "default" app is registered.
var ErrNotFound = fmt.Errorf("apps: no matching app and no default registered")

// Resolved is the result of a successful Resolve: the command plus any
// captured pattern parameters, in capture order.
type Resolved struct {
	Pattern string
	Command Command
	Params  []Param
}

// Param is one named capture from a parameterized pattern.
type Param struct {
	Name  string
	Value string
}

// Resolve looks up name: first by exact match, then by scanning
// parameterized patterns in insertion order for the first regex match,
// then falling back to "default" if registered.
func (r *Registry) Resolve(name string) (*Resolved, error) {
	if cmd, ok := r.exact[name]; ok {
		return &Resolved{Pattern: name, Command: cmd}, nil
	}

	ordered := make([]*entry, len(r.entries))
	copy(ordered, r.entries)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	for _, e := range ordered {
		m := e.re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		params := make([]Param, len(e.params))
		for i, p := range e.params {
			params[i] = Param{Name: p, Value: m[i+1]}
		}
		return &Resolved{Pattern: e.pattern, Command: e.command, Params: params}, nil
	}

	if cmd, ok := r.exact["default"]; ok {
		return &Resolved{Pattern: "default", Command: cmd}, nil
	}

	return nil, ErrNotFound
}

// IsRegistered reports whether name would resolve to something other
// than the default fallback: used by username routing to decide whether
// a username should be treated as an app request.
func (r *Registry) IsRegistered(name string) bool {
	if _, ok := r.exact[name]; ok {
		return true
	}
	for _, e := range r.entries {
		if e.re.MatchString(name) {
			return true
		}
	}
	return false
}
