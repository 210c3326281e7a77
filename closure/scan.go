package closure

import (
	"fmt"

	"github.com/chazu/crossload/il"
	"github.com/chazu/crossload/meta"
	"github.com/chazu/crossload/token"
)

var (
	methodOps = map[il.Opcode]bool{
		il.Call: true, il.Callvirt: true, il.Newobj: true, il.Ldftn: true, il.Ldvirtftn: true,
	}
	fieldOps = map[il.Opcode]bool{
		il.Ldfld: true, il.Ldflda: true, il.Stfld: true,
		il.Ldsfld: true, il.Ldsflda: true, il.Stsfld: true,
	}
	typeOps = map[il.Opcode]bool{
		il.Newarr: true, il.Ldelema: true, il.Ldelem: true, il.Stelem: true,
		il.Box: true, il.Unbox: true, il.UnboxAny: true,
		il.Castclass: true, il.Isinst: true, il.Sizeof: true,
		il.Initobj: true, il.Mkrefany: true,
	}
)

// refs is what one body scan reports back to the resolver.
type refs struct {
	methods []meta.MethodID
	types   []meta.TypeID
}

// scan walks body, rewrites every token operand on a copy into the global
// token space and records the result on rec.
func (c *Closure) scan(rec *Method, m *meta.Method, body []byte) (refs, error) {
	var out refs
	patched := append([]byte(nil), body...)
	ctx := c.prog.Context(m)
	where := c.prog.MethodString(m.ID)

	home := m.Module
	if m.Definition != meta.NoMethod {
		home = c.prog.Method(m.Definition).Module
	}
	homeIndex, err := c.tokens.ModuleIndex(home)
	if err != nil {
		return out, err
	}

	r := il.NewReader(patched)
	for r.HasMore() {
		in, err := r.Next()
		if err != nil {
			return out, fmt.Errorf("closure: %s: %w", where, err)
		}
		if !in.Info.Operand.CarriesToken() {
			continue
		}
		if !handled(in.Op) {
			return out, fmt.Errorf("%w: %s at IL_%04X (%s)", ErrUnhandledOpcode, where, in.Offset, in.Info.Name)
		}
		local := in.Token()
		ref, err := c.prog.ResolveRef(home, local, ctx)
		if err != nil {
			return out, fmt.Errorf("%w: %s at IL_%04X: %w", ErrUnresolved, where, in.Offset, err)
		}

		var (
			tok    uint32
			target = -1
		)
		switch {
		case in.Op == il.Ldstr:
			if ref.Kind != meta.RefString {
				return out, c.kindMismatch(where, in, ref)
			}
			if tok, err = c.tokens.String(ref.Str); err != nil {
				return out, err
			}
			if err := c.addConstant(&c.strings, tok, []byte(ref.Str)); err != nil {
				return out, fmt.Errorf("%s at IL_%04X: %w", where, in.Offset, err)
			}

		case methodOps[in.Op]:
			if ref.Kind != meta.RefMethod {
				return out, c.kindMismatch(where, in, ref)
			}
			callee, err := c.repl.ResolveMethod(ref.Method)
			if err != nil {
				return out, fmt.Errorf("%s at IL_%04X: %w", where, in.Offset, err)
			}
			if tok, err = c.tokens.Method(callee); err != nil {
				return out, err
			}
			out.methods = append(out.methods, callee)
			if in.Op == il.Newobj {
				out.types = append(out.types, c.prog.Method(callee).DeclaringType)
			}
			target = c.prog.Method(callee).Module

		case fieldOps[in.Op]:
			if ref.Kind != meta.RefField {
				return out, c.kindMismatch(where, in, ref)
			}
			fid, err := c.repl.ResolveField(ref.Field)
			if err != nil {
				return out, fmt.Errorf("%s at IL_%04X: %w", where, in.Offset, err)
			}
			if tok, err = c.tokens.Field(fid); err != nil {
				return out, err
			}
			f := c.prog.Field(fid)
			out.types = append(out.types, f.DeclaringType)
			target = f.Module

		case typeOps[in.Op]:
			if ref.Kind != meta.RefType {
				return out, c.kindMismatch(where, in, ref)
			}
			t, err := c.repl.ResolveType(ref.Type)
			if err != nil {
				return out, fmt.Errorf("%s at IL_%04X: %w", where, in.Offset, err)
			}
			if tok, err = c.tokens.Type(t); err != nil {
				return out, err
			}
			out.types = append(out.types, t)
			target = c.prog.Type(t).Module

		case in.Op == il.Ldtoken && ref.Kind == meta.RefField && len(c.prog.Field(ref.Field).InitData) > 0:
			f := c.prog.Field(ref.Field)
			if tok, err = c.tokens.Field(f.ID); err != nil {
				return out, err
			}
			if err := c.addConstant(&c.blobs, tok, f.InitData); err != nil {
				return out, fmt.Errorf("%s at IL_%04X: %w", where, in.Offset, err)
			}

		default:
			return out, fmt.Errorf("%w: %s at IL_%04X (%s %s)",
				ErrUnhandledOpcode, where, in.Offset, in.Info.Name, ref.Kind)
		}

		in.SetToken(tok)
		if target >= 0 && target != home {
			if _, err := c.tokens.ModuleIndex(target); err != nil {
				return out, err
			}
			rec.Pairs = append(rec.Pairs, Pair{Local: token.LocalKey(homeIndex, local), Global: tok})
		}
	}
	rec.Body = patched
	return out, nil
}

func handled(op il.Opcode) bool {
	return op == il.Ldstr || op == il.Ldtoken || methodOps[op] || fieldOps[op] || typeOps[op]
}

func (c *Closure) kindMismatch(where string, in il.Instruction, ref meta.Ref) error {
	return fmt.Errorf("%w: %s at IL_%04X: %s operand refers to a %s",
		ErrUnresolved, where, in.Offset, in.Info.Name, ref.Kind)
}

// addConstant records a payload once per token. Lengths and offsets travel
// as 14-bit values, so larger payloads cannot be addressed.
func (c *Closure) addConstant(list *[]Constant, tok uint32, data []byte) error {
	if len(data) > MaxConstantLen {
		return fmt.Errorf("%w: 0x%X is %d bytes, limit %d", ErrConstantTooLarge, tok, len(data), MaxConstantLen)
	}
	if c.constants[tok] {
		return nil
	}
	c.constants[tok] = true
	*list = append(*list, Constant{Token: tok, Data: data})
	return nil
}
