package parse

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/oisee/binview/pkg/inst"
	"github.com/oisee/binview/pkg/memory"
	"github.com/oisee/binview/pkg/types"
)

// MapResult is what a memory map declares besides the regions themselves.
type MapResult struct {
	Entrypoints []inst.CodePtr
	// CPUName is the architecture selected by the CPU directive; empty when
	// the map does not name one.
	CPUName string
}

func expect(l *Lexer, kind TokenKind) (Token, error) {
	t, err := l.Next()
	if err != nil {
		return Token{}, err
	}
	if t.Kind != kind {
		return Token{}, fmt.Errorf("line %d: unexpected %s", l.Line(), t)
	}
	return t, nil
}

func expectInt(l *Lexer) (uint64, error) {
	t, err := expect(l, TokInteger)
	return t.Int, err
}

func expectIdent(l *Lexer) (string, error) {
	t, err := expect(l, TokIdent)
	return t.Str, err
}

// ParseMemoryMap reads a memory map from r, populating mem from the region
// directives. images maps ROM identifiers to their file contents.
func ParseMemoryMap(r io.Reader, mem *memory.Memory, tm *types.Map, images map[string][]byte) (*MapResult, error) {
	l := NewLexer(r)
	res := &MapResult{}

	for {
		t, err := l.Next()
		if err != nil {
			return nil, err
		}
		switch t.Kind {
		case TokEOF:
			return res, nil
		case TokNewline:
			continue
		case TokIdent:
		default:
			return nil, fmt.Errorf("line %d: unexpected %s, expected directive", l.Line(), t)
		}

		switch t.Str {
		case "RAM":
			addr, err := expectInt(l)
			if err != nil {
				return nil, err
			}
			size, err := expectInt(l)
			if err != nil {
				return nil, err
			}
			if err := endLine(l); err != nil {
				return nil, err
			}
			if err := mem.AddRAM(addr, size); err != nil {
				return nil, err
			}

		case "MMIO":
			addr, err := expectInt(l)
			if err != nil {
				return nil, err
			}
			size, err := expectInt(l)
			if err != nil {
				return nil, err
			}
			// The class name is optional.
			class := ""
			ct, err := l.Next()
			if err != nil {
				return nil, err
			}
			if ct.Kind == TokIdent {
				class = ct.Str
			} else {
				l.PutBack(ct)
			}
			if err := endLine(l); err != nil {
				return nil, err
			}
			if err := mem.AddMMIO(addr, size, class); err != nil {
				return nil, err
			}

		case "ROM":
			addr, err := expectInt(l)
			if err != nil {
				return nil, err
			}
			size, err := expectInt(l)
			if err != nil {
				return nil, err
			}
			ident, err := expectIdent(l)
			if err != nil {
				return nil, err
			}
			if err := endLine(l); err != nil {
				return nil, err
			}
			data, ok := images[ident]
			if !ok {
				return nil, fmt.Errorf("line %d: no input bound to ROM identifier %q", l.Line(), ident)
			}
			if err := mem.AddROM(addr, size, data); err != nil {
				return nil, err
			}

		case "ENTRY":
			addr, err := expectInt(l)
			if err != nil {
				return nil, err
			}
			mode, err := expectInt(l)
			if err != nil {
				return nil, err
			}
			if err := endLine(l); err != nil {
				return nil, err
			}
			log.Debugf("add entrypoint %#x mode=%d", addr, mode)
			res.Entrypoints = append(res.Entrypoints, inst.NewCodePtr(inst.Mode(mode), addr))

		case "CPU":
			name, err := expectIdent(l)
			if err != nil {
				return nil, err
			}
			if err := endLine(l); err != nil {
				return nil, err
			}
			res.CPUName = name

		case "ENDIAN":
			name, err := expectIdent(l)
			if err != nil {
				return nil, err
			}
			if err := endLine(l); err != nil {
				return nil, err
			}
			switch name {
			case "big":
				mem.SetBigEndian(true)
			case "little":
				mem.SetBigEndian(false)
			default:
				return nil, fmt.Errorf("line %d: unknown endianness %q", l.Line(), name)
			}

		case "METHOD":
			m, err := parseMethod(l)
			if err != nil {
				return nil, err
			}
			tm.AddMethod(m)

		case "STATIC":
			addr, err := expectInt(l)
			if err != nil {
				return nil, err
			}
			name, err := expectIdent(l)
			if err != nil {
				return nil, err
			}
			ty, err := parseType(l)
			if err != nil {
				return nil, err
			}
			if err := endLine(l); err != nil {
				return nil, err
			}
			tm.AddStatic(types.Static{Addr: addr, Name: name, Type: ty})

		default:
			return nil, fmt.Errorf("line %d: unknown directive %q", l.Line(), t.Str)
		}
	}
}

// endLine consumes the newline (or EOF) terminating a directive.
func endLine(l *Lexer) error {
	t, err := l.Next()
	if err != nil {
		return err
	}
	if t.Kind != TokNewline && t.Kind != TokEOF {
		return fmt.Errorf("line %d: unexpected %s, expected end of line", l.Line(), t)
	}
	return nil
}

// parseMethod parses: <addr> <name>(<param>: <type>, ...) <return-type>
func parseMethod(l *Lexer) (types.Method, error) {
	var m types.Method
	addr, err := expectInt(l)
	if err != nil {
		return m, err
	}
	name, err := expectIdent(l)
	if err != nil {
		return m, err
	}
	m.Addr = addr
	m.Name = name
	if _, err := expect(l, TokParenOpen); err != nil {
		return m, err
	}
	for {
		t, err := l.Next()
		if err != nil {
			return m, err
		}
		if t.Kind == TokParenClose {
			break
		}
		if len(m.Params) > 0 {
			if t.Kind != TokComma {
				return m, fmt.Errorf("line %d: unexpected %s in parameter list", l.Line(), t)
			}
			if t, err = l.Next(); err != nil {
				return m, err
			}
		}
		if t.Kind != TokIdent {
			return m, fmt.Errorf("line %d: unexpected %s, expected parameter name", l.Line(), t)
		}
		if _, err := expect(l, TokColon); err != nil {
			return m, err
		}
		ty, err := parseType(l)
		if err != nil {
			return m, err
		}
		m.Params = append(m.Params, types.Field{Name: t.Str, Type: ty})
	}
	ret, err := parseType(l)
	if err != nil {
		return m, err
	}
	m.Ret = ret
	if err := endLine(l); err != nil {
		return m, err
	}
	log.Debugf("add method %s at %#x", m.Name, m.Addr)
	return m, nil
}

// parseType parses a '*'-prefixed scalar or struct name.
func parseType(l *Lexer) (types.Type, error) {
	depth := uint8(0)
	for {
		t, err := l.Next()
		if err != nil {
			return types.Type{}, err
		}
		if t.Kind == TokStar {
			depth++
			continue
		}
		l.PutBack(t)
		break
	}

	name, err := expectIdent(l)
	if err != nil {
		return types.Type{}, err
	}
	var ty types.Type
	switch name {
	case "void":
		ty = types.IntType(0)
	case "i8", "u8":
		ty = types.IntType(1)
	case "i16", "u16":
		ty = types.IntType(2)
	case "i32", "u32":
		ty = types.IntType(3)
	default:
		ty = types.StructType(name)
	}
	return types.Pointer(depth, ty), nil
}

// ParseTypeMap reads struct declarations:
//
//	STRUCT <name> "<fmt>"
//	<fldname> <type>
//	END
func ParseTypeMap(r io.Reader, tm *types.Map) error {
	l := NewLexer(r)
	for {
		t, err := l.Next()
		if err != nil {
			return err
		}
		switch t.Kind {
		case TokEOF:
			return nil
		case TokNewline:
			continue
		case TokIdent:
		default:
			return fmt.Errorf("line %d: unexpected %s, expected STRUCT", l.Line(), t)
		}
		if t.Str != "STRUCT" {
			return fmt.Errorf("line %d: unknown directive %q", l.Line(), t.Str)
		}

		name, err := expectIdent(l)
		if err != nil {
			return err
		}
		format, err := expect(l, TokString)
		if err != nil {
			return err
		}
		if err := endLine(l); err != nil {
			return err
		}

		s := &types.Struct{Name: name, Format: format.Str}
		for {
			t, err := l.Next()
			if err != nil {
				return err
			}
			if t.Kind == TokNewline {
				continue
			}
			if t.Kind != TokIdent {
				return fmt.Errorf("line %d: unexpected %s in struct %q", l.Line(), t, name)
			}
			if t.Str == "END" {
				if err := endLine(l); err != nil {
					return err
				}
				break
			}
			ty, err := parseType(l)
			if err != nil {
				return err
			}
			if err := endLine(l); err != nil {
				return err
			}
			s.Fields = append(s.Fields, types.Field{Name: t.Str, Type: ty})
		}
		if err := tm.AddStruct(s); err != nil {
			return err
		}
		log.Debugf("add struct %s (%d fields)", name, len(s.Fields))
	}
}
