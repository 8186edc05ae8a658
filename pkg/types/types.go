// Package types stores the type descriptors declared by the configuration:
// scalars, named structs, and pointers to either.
package types

import (
	"fmt"
	"strings"
)

// InnerKind discriminates the root of a type.
type InnerKind uint8

const (
	KindInt InnerKind = iota
	KindStruct
)

// Inner is the pointee-level type: a sized integer or a named struct.
type Inner struct {
	Kind InnerKind
	// Size is the integer size class: 0 void, 1 byte, 2 halfword, 3 word.
	Size uint8
	// Name is the struct name for KindStruct.
	Name string
}

// Type is an Inner with an optional pointer depth.
type Type struct {
	PtrDepth uint8
	Inner    Inner
}

// IntType returns a scalar type of the given size class.
func IntType(size uint8) Type {
	return Type{Inner: Inner{Kind: KindInt, Size: size}}
}

// StructType returns a reference to a named struct.
func StructType(name string) Type {
	return Type{Inner: Inner{Kind: KindStruct, Name: name}}
}

// Pointer wraps a type in depth levels of indirection.
func Pointer(depth uint8, t Type) Type {
	t.PtrDepth += depth
	return t
}

func (t Type) String() string {
	var sb strings.Builder
	sb.WriteString(strings.Repeat("*", int(t.PtrDepth)))
	if t.Inner.Kind == KindStruct {
		sb.WriteString(t.Inner.Name)
	} else {
		fmt.Fprintf(&sb, "int%d", t.Inner.Size)
	}
	return sb.String()
}

// Field is one named struct member.
type Field struct {
	Name string
	Type Type
}

// Struct is a named aggregate with an output format string.
type Struct struct {
	Name   string
	Format string
	Fields []Field
}

// Method is a declared routine signature at a fixed address.
type Method struct {
	Addr   uint64
	Name   string
	Params []Field
	Ret    Type
}

// Static is a declared named constant at a fixed address.
type Static struct {
	Addr uint64
	Name string
	Type Type
}

// Map is the registry of declared types, methods and statics.
type Map struct {
	structs map[string]*Struct
	methods []Method
	statics []Static
}

// NewMap returns an empty registry.
func NewMap() *Map {
	return &Map{structs: make(map[string]*Struct)}
}

// AddStruct registers a struct declaration; redeclaring a name fails.
func (m *Map) AddStruct(s *Struct) error {
	if _, dup := m.structs[s.Name]; dup {
		return fmt.Errorf("types: struct %q redeclared", s.Name)
	}
	m.structs[s.Name] = s
	return nil
}

// Struct looks up a struct by name.
func (m *Map) Struct(name string) (*Struct, bool) {
	s, ok := m.structs[name]
	return s, ok
}

// AddMethod records a declared method signature.
func (m *Map) AddMethod(mt Method) {
	m.methods = append(m.methods, mt)
}

// Methods returns the declared method signatures.
func (m *Map) Methods() []Method { return m.methods }

// AddStatic records a declared constant.
func (m *Map) AddStatic(s Static) {
	m.statics = append(m.statics, s)
}

// Statics returns the declared constants.
func (m *Map) Statics() []Static { return m.statics }
