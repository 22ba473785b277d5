package registry

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ShapeKind int

const (
	ShapeAny ShapeKind = iota
	ShapeObject
	ShapeArray
	ShapeString
	ShapeNumber
	ShapeBool
)

func (k ShapeKind) String() string {
	switch k {
	case ShapeObject:
		return "object"
	case ShapeArray:
		return "array"
	case ShapeString:
		return "string"
	case ShapeNumber:
		return "number"
	case ShapeBool:
		return "bool"
	default:
		return "any"
	}
}

// Shape is the declared schema of a channel response payload. Objects may
// carry fields beyond the declared ones; declared fields must match.
type Shape struct {
	Kind     ShapeKind
	Nullable bool
	Fields   []Field
	Items    *Shape
}

type Field struct {
	Name     string
	Shape    Shape
	Required bool
}

func Any() Shape    { return Shape{Kind: ShapeAny} }
func String() Shape { return Shape{Kind: ShapeString} }
func Number() Shape { return Shape{Kind: ShapeNumber} }
func Bool() Shape   { return Shape{Kind: ShapeBool} }

func Object(fields ...Field) Shape {
	return Shape{Kind: ShapeObject, Fields: fields}
}

func ArrayOf(item Shape) Shape {
	return Shape{Kind: ShapeArray, Items: &item}
}

// OrNull returns a copy of s that also accepts JSON null.
func (s Shape) OrNull() Shape {
	s.Nullable = true
	return s
}

// Req declares a required field.
func Req(name string, s Shape) Field { return Field{Name: name, Shape: s, Required: true} }

// Opt declares an optional field. An optional field may be absent or null.
func Opt(name string, s Shape) Field { return Field{Name: name, Shape: s} }

// ShapeError locates the first mismatch between a payload and its shape.
type ShapeError struct {
	Path string
	Want string
	Got  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Path, e.Want, e.Got)
}

// Validate checks a decoded JSON value (as produced by encoding/json into
// any, with or without UseNumber) against the shape.
func (s Shape) Validate(v any) error {
	return s.validate("$", v)
}

func (s Shape) validate(path string, v any) error {
	if v == nil {
		if s.Kind == ShapeAny || s.Nullable {
			return nil
		}
		return &ShapeError{Path: path, Want: s.Kind.String(), Got: "null"}
	}
	switch s.Kind {
	case ShapeAny:
		return nil
	case ShapeString:
		if _, ok := v.(string); !ok {
			return &ShapeError{Path: path, Want: "string", Got: typeName(v)}
		}
	case ShapeNumber:
		switch v.(type) {
		case json.Number, float64, float32, int, int64, int32:
		default:
			return &ShapeError{Path: path, Want: "number", Got: typeName(v)}
		}
	case ShapeBool:
		if _, ok := v.(bool); !ok {
			return &ShapeError{Path: path, Want: "bool", Got: typeName(v)}
		}
	case ShapeArray:
		items, ok := v.([]any)
		if !ok {
			return &ShapeError{Path: path, Want: "array", Got: typeName(v)}
		}
		if s.Items == nil {
			return nil
		}
		for i, item := range items {
			if err := s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
	case ShapeObject:
		m, ok := v.(map[string]any)
		if !ok {
			return &ShapeError{Path: path, Want: "object", Got: typeName(v)}
		}
		for _, f := range s.Fields {
			fv, present := m[f.Name]
			if !present || fv == nil {
				if f.Required && !(present && f.Shape.Nullable) {
					return &ShapeError{Path: path + "." + f.Name, Want: f.Shape.Kind.String(), Got: "missing"}
				}
				continue
			}
			if err := f.Shape.validate(path+"."+f.Name, fv); err != nil {
				return err
			}
		}
	}
	return nil
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case json.Number, float64, float32, int, int64, int32:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// String renders the shape in a compact, TypeScript-like notation used in
// channel listings.
func (s Shape) String() string {
	var b strings.Builder
	s.write(&b)
	return b.String()
}

func (s Shape) write(b *strings.Builder) {
	switch s.Kind {
	case ShapeArray:
		if s.Items == nil {
			b.WriteString("any")
		} else {
			s.Items.write(b)
		}
		b.WriteString("[]")
	case ShapeObject:
		b.WriteString("{")
		for i, f := range s.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(f.Name)
			if !f.Required {
				b.WriteString("?")
			}
			b.WriteString(": ")
			f.Shape.write(b)
		}
		b.WriteString("}")
	default:
		b.WriteString(s.Kind.String())
	}
	if s.Nullable {
		b.WriteString("|null")
	}
}
