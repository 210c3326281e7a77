package closure

import (
	"fmt"

	"github.com/chazu/crossload/meta"
)

// ---------------------------------------------------------------------------
// Method discovery
// ---------------------------------------------------------------------------

// visit adds the method shipped in place of id, then everything its body
// reaches. The visited set is keyed by the resolved method so recursion
// terminates.
func (c *Closure) visit(id meta.MethodID) error {
	resolved, err := c.repl.ResolveMethod(id)
	if err != nil {
		return err
	}
	if _, ok := c.visited[resolved]; ok {
		return nil
	}
	if len(c.methods) >= c.opts.MaxMethods {
		return fmt.Errorf("%w: limit %d", ErrTooManyMethods, c.opts.MaxMethods)
	}

	m := c.prog.Method(resolved)
	rec, err := c.newMethod(m)
	if err != nil {
		return err
	}
	c.visited[resolved] = rec
	c.methods = append(c.methods, rec)
	log.Debugf("slot %d: %s (token 0x%X)", rec.Slot, c.prog.MethodString(resolved), rec.Token)

	decl := c.prog.Type(m.DeclaringType)
	if (m.IsCtor() && !decl.IsValueType()) || hasStaticFields(c.prog, decl) {
		if err := c.ensureClass(decl.ID); err != nil {
			return err
		}
	}

	if m.Has(meta.AttrAbstract) || m.Has(meta.AttrNative) {
		return nil
	}
	body := c.prog.Body(m)
	if len(body) > c.opts.MaxILLength {
		return fmt.Errorf("%w: %s is %d bytes, limit %d",
			ErrBodyTooLarge, c.prog.MethodString(resolved), len(body), c.opts.MaxILLength)
	}

	refs, err := c.scan(rec, m, body)
	if err != nil {
		return err
	}
	for _, t := range refs.types {
		if err := c.ensureClass(t); err != nil {
			return err
		}
	}
	for _, callee := range refs.methods {
		if err := c.visit(callee); err != nil {
			return err
		}
	}
	return nil
}

func hasStaticFields(p *meta.Program, t *meta.Type) bool {
	for _, fid := range t.Fields {
		if p.Field(fid).Static {
			return true
		}
	}
	return false
}

func (c *Closure) newMethod(m *meta.Method) (*Method, error) {
	tok, err := c.tokens.Method(m.ID)
	if err != nil {
		return nil, err
	}
	if len(m.Locals) > MaxLocals {
		return nil, fmt.Errorf("%w: %s has %d locals, limit %d",
			ErrTooManyLocals, c.prog.MethodString(m.ID), len(m.Locals), MaxLocals)
	}
	if m.ArgCount() > MaxArgs {
		return nil, fmt.Errorf("%w: %s has %d arguments, limit %d",
			ErrTooManyArgs, c.prog.MethodString(m.ID), m.ArgCount(), MaxArgs)
	}
	rec := &Method{
		ID:         m.ID,
		Name:       c.prog.MethodString(m.ID),
		Token:      tok,
		Slot:       len(c.methods),
		MaxLocals:  len(m.Locals),
		ArgCount:   m.ArgCount(),
		NativeID:   m.NativeID,
		ReturnKind: c.prog.KindOf(m.Return),
	}

	if m.IsStatic() {
		rec.Flags |= FlagStatic
	}
	if m.Has(meta.AttrVirtual) {
		rec.Flags |= FlagVirtual
	}
	if m.Has(meta.AttrNative) {
		rec.Flags |= FlagSpecial
	}
	if m.Return == meta.NoType || m.IsCtor() {
		rec.Flags |= FlagVoid
	}
	if m.Has(meta.AttrAbstract) {
		rec.Flags |= FlagAbstract
	}

	if !m.IsStatic() {
		// Value type receivers are passed by reference too.
		rec.ArgKinds = append(rec.ArgKinds, meta.KindObject)
	}
	for _, p := range m.Params {
		rec.ArgKinds = append(rec.ArgKinds, c.prog.KindOf(p))
	}
	for _, l := range m.Locals {
		rec.LocalKinds = append(rec.LocalKinds, c.prog.KindOf(l))
	}
	return rec, nil
}

// ---------------------------------------------------------------------------
// Class inclusion
// ---------------------------------------------------------------------------

// ensureClass adds a class record for t and, transitively, for its base
// type and interfaces.
func (c *Closure) ensureClass(t meta.TypeID) error {
	t, err := c.repl.ResolveType(t)
	if err != nil {
		return err
	}
	typ := c.prog.Type(t)
	if typ == nil {
		return fmt.Errorf("%w: type %d", ErrUnresolved, t)
	}
	if roots[typ.FullName()] {
		return nil
	}
	if _, ok := c.classByType[t]; ok {
		return nil
	}

	tok, err := c.tokens.Type(t)
	if err != nil {
		return err
	}
	cls := &Class{Type: t, Name: c.prog.TypeString(t), Token: tok}
	c.classByType[t] = cls
	c.classes = append(c.classes, cls)

	if typ.Base != meta.NoType {
		base, err := c.repl.ResolveType(typ.Base)
		if err != nil {
			return err
		}
		if err := c.ensureClass(base); err != nil {
			return err
		}
		if cls.ParentToken, err = c.tokens.Type(base); err != nil {
			return err
		}
	}
	for _, iface := range typ.Interfaces {
		if err := c.ensureClass(iface); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Fixpoint
// ---------------------------------------------------------------------------

// fixpoint adds virtual overrides of closure methods declared in included
// classes, and the type initializers of included classes, until nothing
// new is found.
func (c *Closure) fixpoint() error {
	for round := 1; ; round++ {
		before := len(c.methods)

		// Iterate by index: visits may append classes.
		for i := 0; i < len(c.classes); i++ {
			cls := c.classes[i]
			for _, mid := range c.prog.Type(cls.Type).Methods {
				if _, ok := c.visited[mid]; ok {
					continue
				}
				m := c.prog.Method(mid)
				if m.Has(meta.AttrAbstract) || !m.Has(meta.AttrVirtual) {
					continue
				}
				if len(c.implemented(m, cls.Type)) == 0 {
					continue
				}
				if err := c.visit(mid); err != nil {
					return err
				}
			}
		}

		for i := 0; i < len(c.classes); i++ {
			cls := c.classes[i]
			typ := c.prog.Type(cls.Type)
			if typ.IsOpenGeneric() || c.suppressed[typ.FullName()] {
				continue
			}
			cctor, ok := c.prog.LookupMethod(cls.Type, ".cctor")
			if !ok {
				continue
			}
			if err := c.visit(cctor); err != nil {
				return err
			}
		}

		if len(c.methods) == before {
			log.Debugf("fixpoint reached after %d rounds", round)
			return nil
		}
	}
}
