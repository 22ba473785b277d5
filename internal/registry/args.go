package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"lockbridge/internal/domain"
)

type ArgKind int

const (
	ArgString ArgKind = iota
	ArgIdentifier
	ArgPath
	ArgEnum
	ArgInt
	ArgBool
	ArgModule
)

func (k ArgKind) String() string {
	switch k {
	case ArgIdentifier:
		return "identifier"
	case ArgPath:
		return "path"
	case ArgEnum:
		return "enum"
	case ArgInt:
		return "int"
	case ArgBool:
		return "bool"
	case ArgModule:
		return "module"
	default:
		return "string"
	}
}

const (
	defaultMaxLen = 4096
	identMaxLen   = 256
)

var (
	identPattern  = regexp.MustCompile(`^[\p{L}\p{N}][\p{L}\p{N} ._@$\-]*$`)
	modulePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._\-]*$`)
)

// ArgSpec declares one positional channel argument.
type ArgSpec struct {
	Name     string
	Kind     ArgKind
	Optional bool
	Enum     []string
	Min      int64
	Max      int64
	MaxLen   int
}

// Value is a bound argument. V is nil, string, int64, or bool.
type Value struct {
	Name string
	Kind ArgKind
	V    any
}

// Bind checks args against the entry's argument specs and normalizes them.
// Path and module values are only checked for form here; allow-lists are
// applied by the encoder.
func (e Entry) Bind(args []any) ([]Value, error) {
	if len(args) > len(e.Args) {
		return nil, &domain.CallerError{
			Reason:  domain.ReasonInvalidArgument,
			Channel: e.Name,
			Detail:  fmt.Sprintf("expected at most %d arguments, got %d", len(e.Args), len(args)),
		}
	}
	out := make([]Value, 0, len(e.Args))
	for i, spec := range e.Args {
		var raw any
		if i < len(args) {
			raw = args[i]
		}
		v, err := spec.bind(raw)
		if err != nil {
			return nil, &domain.CallerError{Reason: domain.ReasonInvalidArgument, Channel: e.Name, Arg: spec.Name, Detail: err.Error()}
		}
		out = append(out, Value{Name: spec.Name, Kind: spec.Kind, V: v})
	}
	return out, nil
}

func (a ArgSpec) bind(raw any) (any, error) {
	if raw == nil {
		if a.Optional {
			return nil, nil
		}
		return nil, fmt.Errorf("required")
	}
	switch a.Kind {
	case ArgBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
		return b, nil
	case ArgInt:
		n, err := toInt(raw)
		if err != nil {
			return nil, err
		}
		if a.Min != 0 && n < a.Min {
			return nil, fmt.Errorf("must be >= %d", a.Min)
		}
		if a.Max != 0 && n > a.Max {
			return nil, fmt.Errorf("must be <= %d", a.Max)
		}
		return n, nil
	}

	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("expected %s, got %T", a.Kind, raw)
	}
	if strings.ContainsRune(s, 0) {
		return nil, fmt.Errorf("contains NUL")
	}
	maxLen := a.MaxLen
	if maxLen == 0 {
		maxLen = defaultMaxLen
		if a.Kind == ArgIdentifier || a.Kind == ArgModule {
			maxLen = identMaxLen
		}
	}
	if len(s) > maxLen {
		return nil, fmt.Errorf("longer than %d bytes", maxLen)
	}
	switch a.Kind {
	case ArgIdentifier:
		if !identPattern.MatchString(s) {
			return nil, fmt.Errorf("%q is not a valid name", s)
		}
	case ArgModule:
		if !modulePattern.MatchString(s) {
			return nil, fmt.Errorf("%q is not a valid module name", s)
		}
	case ArgPath:
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("empty path")
		}
	case ArgEnum:
		for _, allowed := range a.Enum {
			if strings.EqualFold(allowed, s) {
				return allowed, nil
			}
		}
		return nil, fmt.Errorf("must be one of %s", strings.Join(a.Enum, ", "))
	}
	return s, nil
}

func toInt(raw any) (int64, error) {
	switch n := raw.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		return n.Int64()
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("expected int, got %T", raw)
}
