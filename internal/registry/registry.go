package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"lockbridge/internal/domain"
)

var (
	channelPattern = regexp.MustCompile(`^[a-z][a-zA-Z0-9]*:[a-z][a-zA-Z0-9]*$`)
	argNamePattern = regexp.MustCompile(`^[a-z][a-zA-Z0-9]*$`)
)

// Entry describes one callable channel.
type Entry struct {
	Name     string
	Summary  string
	Args     []ArgSpec
	Response Shape
	// Modules are imported before the body runs, in order.
	Modules    []string
	Script     string
	Timeout    time.Duration
	Idempotent bool
}

func (e Entry) Domain() string {
	d, _, _ := strings.Cut(e.Name, ":")
	return d
}

func (e Entry) Operation() string {
	_, op, _ := strings.Cut(e.Name, ":")
	return op
}

func (e Entry) clone() Entry {
	e.Args = append([]ArgSpec(nil), e.Args...)
	e.Modules = append([]string(nil), e.Modules...)
	return e
}

// Registry is the immutable channel table. It is safe for concurrent use.
type Registry struct {
	entries map[string]Entry
	names   []string
}

func New(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	var errs []error
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.entries[e.Name]; dup {
			errs = append(errs, fmt.Errorf("channel %s: registered twice", e.Name))
			continue
		}
		r.entries[e.Name] = e.clone()
		r.names = append(r.names, e.Name)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	sort.Strings(r.names)
	return r, nil
}

func MustNew(entries ...Entry) *Registry {
	r, err := New(entries...)
	if err != nil {
		panic(err)
	}
	return r
}

func validateEntry(e Entry) error {
	if !channelPattern.MatchString(e.Name) {
		return fmt.Errorf("channel %q: name must be <domain>:<operation>", e.Name)
	}
	if strings.TrimSpace(e.Script) == "" {
		return fmt.Errorf("channel %s: script required", e.Name)
	}
	if e.Timeout <= 0 {
		return fmt.Errorf("channel %s: timeout must be positive", e.Name)
	}
	if e.Response.Kind == ShapeArray && e.Response.Items == nil {
		return fmt.Errorf("channel %s: array response needs an item shape", e.Name)
	}
	seen := map[string]bool{}
	for _, a := range e.Args {
		if !argNamePattern.MatchString(a.Name) {
			return fmt.Errorf("channel %s: invalid argument name %q", e.Name, a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("channel %s: duplicate argument %s", e.Name, a.Name)
		}
		seen[a.Name] = true
		if a.Kind == ArgEnum && len(a.Enum) == 0 {
			return fmt.Errorf("channel %s: enum argument %s has no values", e.Name, a.Name)
		}
	}
	for _, m := range e.Modules {
		if !modulePattern.MatchString(m) {
			return fmt.Errorf("channel %s: invalid module name %q", e.Name, m)
		}
	}
	return nil
}

// Lookup returns a copy of the named entry.
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

func (r *Registry) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Entries returns every entry sorted by name.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.entries[n].clone())
	}
	return out
}

func (r *Registry) Len() int { return len(r.names) }

// Info describes the entry for bridge clients.
func (e Entry) Info() domain.ChannelInfo {
	info := domain.ChannelInfo{
		Name:       e.Name,
		Summary:    e.Summary,
		Args:       make([]domain.ArgInfo, 0, len(e.Args)),
		Response:   e.Response.String(),
		Modules:    append([]string(nil), e.Modules...),
		TimeoutMs:  e.Timeout.Milliseconds(),
		Idempotent: e.Idempotent,
	}
	for _, a := range e.Args {
		info.Args = append(info.Args, domain.ArgInfo{
			Name:     a.Name,
			Kind:     a.Kind.String(),
			Optional: a.Optional,
			Enum:     append([]string(nil), a.Enum...),
		})
	}
	return info
}
