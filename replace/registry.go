// Package replace maps original types and methods to device-friendly
// substitutes. Once a replacement is registered every later lookup of the
// original, or of any of its members, yields the substitute.
package replace

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/crossload/meta"
)

var log = commonlog.GetLogger("crossload.replace")

var (
	ErrMissingReplacement = errors.New("replace: original member has no replacement")
	ErrUnknownType        = errors.New("replace: unknown type")
	ErrAlreadyRegistered  = errors.New("replace: type already has a replacement")
)

// Entry is one registered type replacement.
type Entry struct {
	Original          meta.TypeID
	Replacement       meta.TypeID
	IncludeSubclasses bool
	// Inherited marks entries created lazily for a subclass of an
	// original registered with IncludeSubclasses.
	Inherited bool
}

// Registry holds type and member replacements for one closure.
type Registry struct {
	mu   sync.Mutex
	prog *meta.Program

	types   map[meta.TypeID]*Entry
	methods map[meta.MethodID]meta.MethodID
	fields  map[meta.FieldID]meta.FieldID

	missingMethods map[meta.MethodID]meta.TypeID
	missingFields  map[meta.FieldID]meta.TypeID
}

// NewRegistry creates an empty registry over prog.
func NewRegistry(prog *meta.Program) *Registry {
	return &Registry{
		prog:           prog,
		types:          make(map[meta.TypeID]*Entry),
		methods:        make(map[meta.MethodID]meta.MethodID),
		fields:         make(map[meta.FieldID]meta.FieldID),
		missingMethods: make(map[meta.MethodID]meta.TypeID),
		missingFields:  make(map[meta.FieldID]meta.TypeID),
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// RegisterType replaces original with replacement. Members are paired by
// name and parameter list, where original in a parameter list matches
// replacement, or by the replacement method's SameAs signature. Original
// members left unpaired are recorded as missing.
func (r *Registry) RegisterType(original, replacement meta.TypeID, includeSubclasses bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prog.Type(original) == nil || r.prog.Type(replacement) == nil {
		return fmt.Errorf("%w: %d -> %d", ErrUnknownType, original, replacement)
	}
	if e, ok := r.types[original]; ok && !e.Inherited {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, r.prog.TypeString(original))
	}
	r.registerLocked(&Entry{Original: original, Replacement: replacement, IncludeSubclasses: includeSubclasses})
	return nil
}

// RegisterByName is RegisterType with full type names.
func (r *Registry) RegisterByName(original, replacement string, includeSubclasses bool) error {
	orig, ok := r.prog.LookupType(original)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, original)
	}
	repl, ok := r.prog.LookupType(replacement)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, replacement)
	}
	return r.RegisterType(orig, repl, includeSubclasses)
}

// RegisterMethod replaces a single method.
func (r *Registry) RegisterMethod(original, replacement meta.MethodID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[original] = replacement
	delete(r.missingMethods, original)
}

func (r *Registry) registerLocked(e *Entry) {
	r.types[e.Original] = e
	orig := r.prog.Type(e.Original)
	repl := r.prog.Type(e.Replacement)

	paired := 0
	for _, mid := range orig.Methods {
		if match := r.pairMethod(mid, e); match != meta.NoMethod {
			r.methods[mid] = match
			paired++
			continue
		}
		r.missingMethods[mid] = e.Original
	}
	for _, fid := range orig.Fields {
		f := r.prog.Field(fid)
		match := meta.NoField
		for _, cand := range repl.Fields {
			if r.prog.Field(cand).Name == f.Name {
				match = cand
				break
			}
		}
		if match == meta.NoField {
			r.missingFields[fid] = e.Original
			continue
		}
		r.fields[fid] = match
	}
	log.Debugf("replacing %s with %s (%d/%d methods paired)",
		r.prog.TypeString(e.Original), r.prog.TypeString(e.Replacement), paired, len(orig.Methods))
}

func (r *Registry) pairMethod(mid meta.MethodID, e *Entry) meta.MethodID {
	m := r.prog.Method(mid)
	sig := r.prog.Signature(mid)
	for _, cand := range r.prog.Type(e.Replacement).Methods {
		c := r.prog.Method(cand)
		if c.SameAs != "" {
			if c.SameAs == sig {
				return cand
			}
			continue
		}
		if c.Name == m.Name && c.IsStatic() == m.IsStatic() && sameParams(m.Params, c.Params, e) {
			return cand
		}
	}
	return meta.NoMethod
}

func sameParams(orig, repl []meta.TypeID, e *Entry) bool {
	if len(orig) != len(repl) {
		return false
	}
	for i := range orig {
		if orig[i] == repl[i] {
			continue
		}
		if orig[i] == e.Original && repl[i] == e.Replacement {
			continue
		}
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

// ResolveType returns the type to reference in place of t. An exact
// registration wins; otherwise the nearest ancestor registered with
// IncludeSubclasses applies and t is registered lazily against the same
// replacement. A constructed type resolves to the instance over its
// resolved definition and arguments, which must exist in the program.
func (r *Registry) ResolveType(t meta.TypeID) (meta.TypeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveTypeLocked(t)
}

func (r *Registry) resolveTypeLocked(t meta.TypeID) (meta.TypeID, error) {
	if e := r.entryLocked(t); e != nil {
		return e.Replacement, nil
	}
	typ := r.prog.Type(t)
	if typ == nil || !typ.IsConstructed() {
		return t, nil
	}

	def, err := r.resolveTypeLocked(typ.Definition)
	if err != nil {
		return meta.NoType, err
	}
	changed := def != typ.Definition
	args := make([]meta.TypeID, len(typ.Args))
	for i, a := range typ.Args {
		if args[i], err = r.resolveTypeLocked(a); err != nil {
			return meta.NoType, err
		}
		changed = changed || args[i] != a
	}
	if !changed {
		return t, nil
	}
	id, ok := r.prog.Instance(def, args)
	if !ok {
		return meta.NoType, fmt.Errorf("%w: %s has no instance over the replaced arguments",
			ErrMissingReplacement, r.prog.TypeString(t))
	}
	return id, nil
}

func (r *Registry) entryLocked(t meta.TypeID) *Entry {
	if e, ok := r.types[t]; ok {
		return e
	}
	typ := r.prog.Type(t)
	if typ == nil {
		return nil
	}
	for cur := typ.Base; cur != meta.NoType; cur = r.prog.Type(cur).Base {
		anc, ok := r.types[cur]
		if !ok || !anc.IncludeSubclasses {
			continue
		}
		if anc.Replacement == t {
			return nil
		}
		e := &Entry{Original: t, Replacement: anc.Replacement, IncludeSubclasses: true, Inherited: true}
		r.registerLocked(e)
		return e
	}
	return nil
}

// ResolveMethod returns the method to ship in place of m: its registered
// replacement, the member at the same position of a replaced generic
// instance, or m itself when nothing applies.
func (r *Registry) ResolveMethod(m meta.MethodID) (meta.MethodID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if repl, ok := r.methods[m]; ok {
		return repl, nil
	}
	meth := r.prog.Method(m)
	if meth == nil {
		return m, nil
	}
	if r.entryLocked(meth.DeclaringType) != nil {
		if repl, ok := r.methods[m]; ok {
			return repl, nil
		}
		return meta.NoMethod, fmt.Errorf("%w: %s", ErrMissingReplacement, r.prog.MethodString(m))
	}

	to, err := r.resolveTypeLocked(meth.DeclaringType)
	if err != nil {
		return meta.NoMethod, err
	}
	if to == meth.DeclaringType {
		return m, nil
	}
	from := r.prog.Type(meth.DeclaringType)
	dst := r.prog.Type(to)
	idx := slices.Index(from.Methods, m)
	if dst.IsConstructed() && from.Definition != dst.Definition && idx >= 0 {
		repl, ok := r.methods[r.prog.Type(from.Definition).Methods[idx]]
		if !ok {
			idx = -1
		} else {
			idx = slices.Index(r.prog.Type(dst.Definition).Methods, repl)
		}
	}
	if idx < 0 || idx >= len(dst.Methods) {
		return meta.NoMethod, fmt.Errorf("%w: %s", ErrMissingReplacement, r.prog.MethodString(m))
	}
	return dst.Methods[idx], nil
}

// ResolveField returns the field to reference in place of f.
func (r *Registry) ResolveField(f meta.FieldID) (meta.FieldID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if repl, ok := r.fields[f]; ok {
		return repl, nil
	}
	fld := r.prog.Field(f)
	if fld == nil {
		return f, nil
	}
	if r.entryLocked(fld.DeclaringType) != nil {
		if repl, ok := r.fields[f]; ok {
			return repl, nil
		}
		return meta.NoField, fmt.Errorf("%w: %s", ErrMissingReplacement, r.prog.FieldString(f))
	}

	to, err := r.resolveTypeLocked(fld.DeclaringType)
	if err != nil {
		return meta.NoField, err
	}
	if to == fld.DeclaringType {
		return f, nil
	}
	from := r.prog.Type(fld.DeclaringType)
	dst := r.prog.Type(to)
	idx := slices.Index(from.Fields, f)
	if dst.IsConstructed() && from.Definition != dst.Definition && idx >= 0 {
		repl, ok := r.fields[r.prog.Type(from.Definition).Fields[idx]]
		if !ok {
			idx = -1
		} else {
			idx = slices.Index(r.prog.Type(dst.Definition).Fields, repl)
		}
	}
	if idx < 0 || idx >= len(dst.Fields) {
		return meta.NoField, fmt.Errorf("%w: %s", ErrMissingReplacement, r.prog.FieldString(f))
	}
	return dst.Fields[idx], nil
}

// IsReplaced reports whether m has a registered replacement. Shipping such
// a method is a consistency error.
func (r *Registry) IsReplaced(m meta.MethodID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[m]; ok {
		return true
	}
	_, missing := r.missingMethods[m]
	return missing
}

// IsTypeReplaced reports whether t itself is registered as an original.
func (r *Registry) IsTypeReplaced(t meta.TypeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.types[t]
	return ok
}

// Missing returns the original methods recorded without a replacement.
func (r *Registry) Missing() []meta.MethodID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]meta.MethodID, 0, len(r.missingMethods))
	for m := range r.missingMethods {
		out = append(out, m)
	}
	return out
}

// Entries returns a snapshot of the type registrations.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.types))
	for _, e := range r.types {
		out = append(out, *e)
	}
	return out
}
