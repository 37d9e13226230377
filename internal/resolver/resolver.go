// Package resolver turns base pointer declarations into table addresses.
//
// A base is resolved once per entity and cached until invalidated. Static
// declarations are followed through their pointer chain and checked for
// plausibility; a base that fails the check falls back to a signature scan
// when the entity declares one.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"rostermem/internal/codec"
	"rostermem/internal/common"
	"rostermem/internal/memacc"
	"rostermem/internal/scanner"
	"rostermem/internal/schema"
)

// Source records how a base was obtained.
type Source uint8

const (
	SourceStatic Source = iota
	SourceScan
	SourceOverride
)

func (s Source) String() string {
	switch s {
	case SourceScan:
		return "scan"
	case SourceOverride:
		return "override"
	}
	return "static"
}

// ResolvedBase is a cached table base.
type ResolvedBase struct {
	EntityType     string
	Address        uint64
	SchemaVersion  string
	VerifiedByScan bool
	Unverified     bool // validation and scan both failed; best guess
	Source         Source
	Stride         uint32
	Count          int // table bound, 0 when unknown
}

// BaseFinder locates a table base by scanning.
type BaseFinder interface {
	FindBase(ctx context.Context, entity string, c scanner.Constraints) (scanner.Result, error)
}

// Resolver resolves and caches the table bases of one schema on one
// channel. It is not safe for concurrent use.
type Resolver struct {
	schema    *schema.OffsetSchema
	ch        memacc.Channel
	codec     *codec.Codec
	finder    BaseFinder
	log       common.Logger
	observe   func(ResolvedBase)
	cache     map[string]ResolvedBase
	last      map[string]ResolvedBase // last verified base, kept across invalidation
	overrides map[string]uint64
}

type Option func(*Resolver)

// WithFinder sets the scanner used when a static base fails validation.
func WithFinder(f BaseFinder) Option {
	return func(r *Resolver) { r.finder = f }
}

func WithLogger(l common.Logger) Option {
	return func(r *Resolver) { r.log = common.OrNoOp(l) }
}

// WithObserver calls fn after every fresh resolution.
func WithObserver(fn func(ResolvedBase)) Option {
	return func(r *Resolver) { r.observe = fn }
}

func New(s *schema.OffsetSchema, ch memacc.Channel, opts ...Option) *Resolver {
	r := &Resolver{
		schema:    s,
		ch:        ch,
		codec:     codec.New(nil),
		log:       common.OrNoOp(nil),
		cache:     make(map[string]ResolvedBase),
		last:      make(map[string]ResolvedBase),
		overrides: make(map[string]uint64),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ResolveBase returns the table base of entity, resolving it on first use.
// When the static base fails validation and no scan finds one, the last
// verified base, or else the static address, is returned marked Unverified.
func (r *Resolver) ResolveBase(ctx context.Context, entity string) (ResolvedBase, error) {
	if rb, ok := r.cache[entity]; ok {
		return rb, nil
	}
	spec, err := r.schema.BasePointer(entity)
	if err != nil {
		return ResolvedBase{}, err
	}

	rb := ResolvedBase{
		EntityType:    entity,
		SchemaVersion: r.schema.Version(),
		Stride:        spec.Stride,
	}
	if addr, ok := r.overrides[entity]; ok {
		rb.Address = addr
		rb.Source = SourceOverride
	} else {
		addr, why := r.static(spec)
		haveStatic := why == ""
		if haveStatic {
			why = r.validate(spec, addr)
		}
		if why == "" {
			rb.Address = addr
		} else {
			res, err := r.fallback(ctx, spec, why)
			switch {
			case err == nil:
				rb.Address = res.Address
				rb.Source = SourceScan
				rb.VerifiedByScan = true
			case !errors.Is(err, common.ErrScanFailed):
				return ResolvedBase{}, err
			default:
				prev, ok := r.last[entity]
				switch {
				case ok:
					rb.Address, rb.Source = prev.Address, prev.Source
				case haveStatic:
					rb.Address = addr
				default:
					return ResolvedBase{}, err
				}
				rb.Unverified = true
				r.log.Logf(common.SeverityWarning, "base %s: %v, using unverified 0x%X", entity, err, rb.Address)
			}
		}
	}
	rb.Count = r.bound(spec, rb.Address)

	r.cache[entity] = rb
	if !rb.Unverified && rb.Source != SourceOverride {
		r.last[entity] = rb
	}
	if r.observe != nil {
		r.observe(rb)
	}
	r.log.Logf(common.SeverityDebug, "base %s = 0x%X (%s, %d records)", entity, rb.Address, rb.Source, rb.Count)
	return rb, nil
}

// fallback scans for the base after the static one failed with why.
func (r *Resolver) fallback(ctx context.Context, spec *schema.BasePointerSpec, why string) (scanner.Result, error) {
	if r.finder == nil || spec.Scan == nil {
		return scanner.Result{}, common.Errorf(common.ErrScanFailed, "base %s: %s and no scan is available", spec.Entity, why)
	}
	r.log.Logf(common.SeverityWarning, "base %s: %s, scanning", spec.Entity, why)
	res, err := r.finder.FindBase(ctx, spec.Entity, scanner.Constraints{})
	if err != nil {
		return res, err
	}
	if res.Status != scanner.Found {
		return res, common.NewErrorMsg(common.SevWarn, common.ErrScanFailed,
			fmt.Sprintf("base %s: %s", spec.Entity, res.Reason))
	}
	return res, nil
}

// static follows the declared chain. why is empty on success.
func (r *Resolver) static(spec *schema.BasePointerSpec) (addr uint64, why string) {
	if spec.Address == 0 {
		return 0, "no static address"
	}
	if spec.DirectTable {
		return offset(spec.Address, spec.FinalOffset), ""
	}
	ptr, why := r.walk(spec, spec.Chain)
	if why != "" {
		return 0, why
	}
	return offset(ptr, spec.FinalOffset), ""
}

// walk reads the root pointer of spec and applies hops to it.
func (r *Resolver) walk(spec *schema.BasePointerSpec, hops []schema.Hop) (uint64, string) {
	root := spec.Address
	if !spec.Absolute {
		root += r.ch.ModuleBase()
	}
	ptr, err := memacc.ReadPointer(r.ch, root)
	if err != nil {
		return 0, fmt.Sprintf("root pointer at 0x%X unreadable", root)
	}
	if ptr == 0 {
		return 0, fmt.Sprintf("root pointer at 0x%X is null", root)
	}
	for i, h := range hops {
		ptr = offset(ptr, h.Offset)
		if h.Deref {
			next, err := memacc.ReadPointer(r.ch, ptr)
			if err != nil {
				return 0, fmt.Sprintf("hop %d at 0x%X unreadable", i, ptr)
			}
			if next == 0 {
				return 0, fmt.Sprintf("hop %d at 0x%X is null", i, ptr)
			}
			ptr = next
		}
		ptr = offset(ptr, h.PostAdd)
	}
	return ptr, ""
}

// validate checks that the first record at base is mapped and, when the
// entity has name fields, carries a printable name.
func (r *Resolver) validate(spec *schema.BasePointerSpec, base uint64) string {
	if _, err := r.ch.ReadBytes(base, spec.Stride); err != nil {
		return fmt.Sprintf("record 0 at 0x%X unmapped", base)
	}
	fields, err := scanner.NameFields(r.schema, spec)
	if err != nil || len(fields) == 0 {
		return ""
	}
	name, ok := r.codec.RecordName(r.ch, fields, base)
	if !ok || !codec.PlausibleName(name) {
		return fmt.Sprintf("record 0 at 0x%X has no readable name", base)
	}
	return ""
}

// bound returns the declared table size, or the one derived from the end
// chain.
func (r *Resolver) bound(spec *schema.BasePointerSpec, base uint64) int {
	if spec.Bounded() {
		return spec.MaxIndex
	}
	if len(spec.EndChain) == 0 || spec.DirectTable {
		return 0
	}
	end, why := r.walk(spec, spec.EndChain)
	if why != "" || end <= base {
		r.log.Logf(common.SeverityDebug, "base %s: no table end (%s)", spec.Entity, why)
		return 0
	}
	return int((end - base) / uint64(spec.Stride))
}

// ResolveEntityAddress returns the address of record index. The index is
// only range checked when the table size is known.
func (r *Resolver) ResolveEntityAddress(ctx context.Context, entity string, index int) (uint64, error) {
	rb, err := r.ResolveBase(ctx, entity)
	if err != nil {
		return 0, err
	}
	if index < 0 || (rb.Count > 0 && index >= rb.Count) {
		return 0, common.Errorf(common.ErrIndexOutOfRange, "%s index %d outside 0..%d", entity, index, rb.Count-1)
	}
	return rb.Address + uint64(index)*uint64(rb.Stride), nil
}

// Cached returns the cached base of entity without resolving.
func (r *Resolver) Cached(entity string) (ResolvedBase, bool) {
	rb, ok := r.cache[entity]
	return rb, ok
}

func (r *Resolver) Invalidate(entity string) {
	delete(r.cache, entity)
}

func (r *Resolver) InvalidateAll() {
	clear(r.cache)
}

// ApplyOverride installs addr as the absolute base of entity until cleared.
func (r *Resolver) ApplyOverride(entity string, addr uint64) error {
	if _, err := r.schema.BasePointer(entity); err != nil {
		return err
	}
	r.overrides[entity] = addr
	r.Invalidate(entity)
	return nil
}

func (r *Resolver) ClearOverride(entity string) {
	delete(r.overrides, entity)
	r.Invalidate(entity)
}

// Adopt caches a successful scan result as the base of its entity.
func (r *Resolver) Adopt(res scanner.Result) (ResolvedBase, error) {
	if res.Status != scanner.Found {
		return ResolvedBase{}, common.Errorf(common.ErrInvalidParam, "scan of %s found nothing to adopt", res.Entity)
	}
	spec, err := r.schema.BasePointer(res.Entity)
	if err != nil {
		return ResolvedBase{}, err
	}
	rb := ResolvedBase{
		EntityType:     res.Entity,
		Address:        res.Address,
		SchemaVersion:  r.schema.Version(),
		VerifiedByScan: true,
		Source:         SourceScan,
		Stride:         spec.Stride,
	}
	rb.Count = r.bound(spec, rb.Address)
	r.cache[res.Entity] = rb
	r.last[res.Entity] = rb
	if r.observe != nil {
		r.observe(rb)
	}
	return rb, nil
}

func offset(addr uint64, delta int64) uint64 {
	return uint64(int64(addr) + delta)
}
