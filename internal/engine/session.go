// Package engine exposes typed, named access to the entity tables of a
// process through one Session per memory channel.
//
// A Session owns its resolved bases and name tables. It is synchronous and
// performs no locking; use one Session per worker.
package engine

import (
	"context"
	"time"

	"rostermem/internal/codec"
	"rostermem/internal/common"
	"rostermem/internal/journal"
	"rostermem/internal/memacc"
	"rostermem/internal/metrics"
	"rostermem/internal/resolver"
	"rostermem/internal/scanner"
	"rostermem/internal/schema"
)

type Session struct {
	schema   *schema.OffsetSchema
	ch       memacc.Channel
	log      common.Logger
	rec      *metrics.Recorder
	journal  *journal.Store
	scanRate float64
	now      func() time.Time

	scanner  *scanner.Scanner
	resolver *resolver.Resolver
	names    *NameIndex
	codec    *codec.Codec
}

type Option func(*Session)

func WithLogger(l common.Logger) Option {
	return func(s *Session) { s.log = common.OrNoOp(l) }
}

// WithRecorder counts channel traffic, resolutions, scans and lossy decodes.
func WithRecorder(r *metrics.Recorder) Option {
	return func(s *Session) { s.rec = r }
}

// WithJournal records every scan outcome in j.
func WithJournal(j *journal.Store) Option {
	return func(s *Session) { s.journal = j }
}

// WithScanRate limits scan verification reads to perSecond.
func WithScanRate(perSecond float64) Option {
	return func(s *Session) { s.scanRate = perSecond }
}

// Open starts a session over ch for the tables declared in sch.
func Open(sch *schema.OffsetSchema, ch memacc.Channel, opts ...Option) (*Session, error) {
	if sch == nil || ch == nil {
		return nil, common.Errorf(common.ErrInvalidParam, "session needs a schema and a channel")
	}
	s := &Session{
		schema: sch,
		log:    common.OrNoOp(nil),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.ch = metrics.WrapChannel(ch, s.rec)

	scanOpts := []scanner.Option{scanner.WithLogger(s.log)}
	if s.scanRate > 0 {
		scanOpts = append(scanOpts, scanner.WithReadRate(s.scanRate, max(1, int(s.scanRate/10))))
	}
	s.scanner = scanner.New(sch, s.ch, scanOpts...)
	s.resolver = resolver.New(sch, s.ch,
		resolver.WithFinder(scanFinder{s}),
		resolver.WithLogger(s.log),
		resolver.WithObserver(func(rb resolver.ResolvedBase) {
			s.rec.RecordResolution(rb.EntityType, rb.Source.String())
		}))
	s.names = newNameIndex(s)
	s.codec = codec.New(s.names)
	return s, nil
}

func (s *Session) Schema() *schema.OffsetSchema { return s.schema }

// Channel returns the instrumented channel the session reads through.
func (s *Session) Channel() memacc.Channel { return s.ch }

// Names returns the session's name index.
func (s *Session) Names() *NameIndex { return s.names }

// ResolveBase returns the table base of entity, resolving it on first use.
func (s *Session) ResolveBase(ctx context.Context, entity string) (resolver.ResolvedBase, error) {
	return s.resolver.ResolveBase(ctx, entity)
}

// EntityAddress returns the address of record index of entity.
func (s *Session) EntityAddress(ctx context.Context, entity string, index int) (uint64, error) {
	return s.resolver.ResolveEntityAddress(ctx, entity, index)
}

// Count returns the table size of entity, 0 when it is unknown.
func (s *Session) Count(ctx context.Context, entity string) (int, error) {
	rb, err := s.resolver.ResolveBase(ctx, entity)
	if err != nil {
		return 0, err
	}
	return rb.Count, nil
}

// InvalidateBase drops the cached base and name table of entity. An empty
// entity invalidates every base.
func (s *Session) InvalidateBase(entity string) {
	if entity == "" {
		s.resolver.InvalidateAll()
		s.names.reset()
		return
	}
	s.resolver.Invalidate(entity)
	s.names.invalidate(entity)
}

// ApplyOverride makes addr the absolute base of entity until cleared.
func (s *Session) ApplyOverride(entity string, addr uint64) error {
	if err := s.resolver.ApplyOverride(entity, addr); err != nil {
		return err
	}
	s.names.invalidate(entity)
	s.log.Logf(common.SeverityInfo, "base %s overridden to 0x%X", entity, addr)
	return nil
}

func (s *Session) ClearOverride(entity string) {
	s.resolver.ClearOverride(entity)
	s.names.invalidate(entity)
}

// ScanForBase searches for the table base of entity. A scan that finds
// nothing is reported in the result, not as an error. The result is not
// adopted; pass it to AdoptScan to use it.
func (s *Session) ScanForBase(ctx context.Context, entity string, c scanner.Constraints) (scanner.Result, error) {
	res, err := s.scanner.FindBase(ctx, entity, c)
	if err != nil {
		return res, err
	}
	s.rec.RecordScan(entity, res.Status.String())
	if s.journal != nil {
		if _, err := s.journal.Record(ctx, journal.FromResult(res, s.schema.Version(), s.now())); err != nil {
			s.log.Logf(common.SeverityWarning, "journal: scan of %s not recorded: %v", entity, err)
		}
	}
	return res, nil
}

// AdoptScan replaces the cached base of the scanned entity with the scan's
// address.
func (s *Session) AdoptScan(res scanner.Result) (resolver.ResolvedBase, error) {
	rb, err := s.resolver.Adopt(res)
	if err != nil {
		return rb, err
	}
	s.names.invalidate(res.Entity)
	return rb, nil
}

// scanFinder routes the resolver's fallback scans through the session so
// they are counted and journaled.
type scanFinder struct {
	s *Session
}

func (f scanFinder) FindBase(ctx context.Context, entity string, c scanner.Constraints) (scanner.Result, error) {
	return f.s.ScanForBase(ctx, entity, c)
}
