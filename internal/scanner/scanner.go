// Package scanner finds entity table bases from byte signatures when the
// static pointer chain no longer leads to a valid table.
//
// Each signature match is turned into an element address, either the match
// itself or a pointer read next to it. Element addresses vote for table
// bases (directly, or for every base elem - i*stride when back-calculating),
// the ballot is ranked, and candidates are verified by decoding the names of
// their first records. A scan never fails for want of a result; it reports
// NotFound with a reason.
package scanner

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"rostermem/internal/codec"
	"rostermem/internal/common"
	"rostermem/internal/memacc"
	"rostermem/internal/schema"
)

// Status is the outcome of a scan.
type Status uint8

const (
	NotFound Status = iota
	Found
)

func (s Status) String() string {
	if s == Found {
		return "found"
	}
	return "not_found"
}

// Constraints bound a single scan.
type Constraints struct {
	// MaxMatches caps the matches used per signature. 0 means all.
	MaxMatches int
	// MaxIndex caps the back-calculation range below each signature's own.
	MaxIndex int
	// MinVotes overrides the entity's declared minimum when positive.
	MinVotes int
	// SkipBases are never chosen, typically bases already known to be wrong.
	SkipBases []uint64
}

// Result reports a scan outcome.
type Result struct {
	Entity     string
	Status     Status
	Address    uint64
	Confidence float64
	Votes      int
	Elements   int
	Reason     string
	Anchors    []uint64
	Candidates []Candidate
}

// Scanner searches one channel for the tables of one schema.
type Scanner struct {
	schema  *schema.OffsetSchema
	ch      memacc.Channel
	codec   *codec.Codec
	log     common.Logger
	limiter *rate.Limiter
}

type Option func(*Scanner)

func WithLogger(l common.Logger) Option {
	return func(s *Scanner) { s.log = common.OrNoOp(l) }
}

// WithReadRate limits the pointer and record reads a scan issues. A
// non-positive rate means unlimited.
func WithReadRate(perSecond float64, burst int) Option {
	return func(s *Scanner) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

func New(s *schema.OffsetSchema, ch memacc.Channel, opts ...Option) *Scanner {
	sc := &Scanner{
		schema: s,
		ch:     ch,
		codec:  codec.New(nil),
		log:    common.OrNoOp(nil),
	}
	for _, o := range opts {
		o(sc)
	}
	return sc
}

// FindBase scans for the table base of entity. The returned error is set
// only for an unknown entity or when ctx ends; every other outcome is a
// Result.
func (s *Scanner) FindBase(ctx context.Context, entity string, c Constraints) (Result, error) {
	res := Result{Entity: entity, Status: NotFound}
	spec, err := s.schema.BasePointer(entity)
	if err != nil {
		return res, err
	}
	if spec.Scan == nil || len(spec.Scan.Signatures) == 0 {
		res.Reason = "no signatures declared"
		return res, nil
	}

	ballot := NewBallot()
	for _, sig := range spec.Scan.Signatures {
		n, err := s.collect(ctx, spec, sig, c, ballot)
		if err != nil {
			return res, err
		}
		res.Elements += n
	}

	ranked := ballot.Ranked(c.SkipBases...)
	res.Candidates = ranked[:min(len(ranked), 5)]
	if len(ranked) == 0 {
		res.Reason = "no signature matched"
		s.log.Logf(common.SeverityInfo, "scan %s: %s", entity, res.Reason)
		return res, nil
	}
	s.log.Logf(common.SeverityInfo, "scan %s: %d elements, top candidates %s",
		entity, res.Elements, summarize(ranked, 5))

	minVotes := spec.Scan.MinVotes
	if c.MinVotes > 0 {
		minVotes = c.MinVotes
	}
	minVotes = max(minVotes, 1)

	for _, cand := range ranked {
		if cand.Votes < minVotes {
			if res.Reason == "" {
				res.Reason = fmt.Sprintf("top candidate 0x%X has %d votes, need %d", cand.Address, cand.Votes, minVotes)
			}
			break
		}
		conf := float64(cand.Votes) / float64(max(res.Elements, 1))
		if conf < spec.Scan.MinConfidence {
			if res.Reason == "" {
				res.Reason = fmt.Sprintf("confidence %.2f of 0x%X below %.2f", conf, cand.Address, spec.Scan.MinConfidence)
			}
			break
		}
		ok, why, err := s.verify(ctx, spec, cand.Address)
		if err != nil {
			return res, err
		}
		if !ok {
			s.log.Logf(common.SeverityDebug, "scan %s: candidate 0x%X rejected: %s", entity, cand.Address, why)
			res.Reason = "no candidate passed verification: " + why
			continue
		}
		res.Status = Found
		res.Address = cand.Address
		res.Votes = cand.Votes
		res.Confidence = conf
		res.Reason = ""
		res.Anchors = s.anchors(cand.Address)
		s.log.Logf(common.SeverityInfo, "scan %s: base 0x%X, %d votes, confidence %.2f, %d anchors",
			entity, res.Address, res.Votes, res.Confidence, len(res.Anchors))
		return res, nil
	}
	return res, nil
}

// collect votes with every element address found through sig and returns
// how many elements it found.
func (s *Scanner) collect(ctx context.Context, spec *schema.BasePointerSpec, sig schema.SignatureSpec, c Constraints, ballot *Ballot) (int, error) {
	matches, err := s.ch.FindPatternAll(sig.Pattern)
	if err != nil {
		// Partial results are still usable.
		s.log.Logf(common.SeverityWarning, "scan %s: signature %s: %v", spec.Entity, sig.Pattern, err)
	}
	if c.MaxMatches > 0 && len(matches) > c.MaxMatches {
		matches = matches[:c.MaxMatches]
	}

	span := 1
	if sig.BackCalc {
		span = sig.MaxIndex
		if c.MaxIndex > 0 {
			span = min(span, c.MaxIndex)
		}
	}

	elements := 0
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return elements, err
		}
		elem := uint64(int64(m) + sig.Delta)
		if sig.Mode == schema.TransformDeref {
			if err := s.wait(ctx); err != nil {
				return elements, err
			}
			p, err := memacc.ReadPointer(s.ch, elem)
			if err != nil || p == 0 {
				continue
			}
			elem = p
		}
		elements++
		stride := uint64(spec.Stride)
		for i := 0; i < span; i++ {
			back := uint64(i) * stride
			if back > elem {
				break
			}
			ballot.Vote(elem - back)
		}
	}
	return elements, nil
}

// verify decodes the names of the first records at base. Without name
// fields it only checks that the records are mapped.
func (s *Scanner) verify(ctx context.Context, spec *schema.BasePointerSpec, base uint64) (bool, string, error) {
	records := spec.Scan.VerifyRecords
	if spec.Bounded() {
		records = min(records, spec.MaxIndex)
	}
	records = max(records, len(spec.Scan.ExpectedNames), 1)

	fields, err := NameFields(s.schema, spec)
	if err != nil {
		return false, err.Error(), nil
	}

	for i := 0; i < records; i++ {
		if err := s.wait(ctx); err != nil {
			return false, "", err
		}
		rec := base + uint64(i)*uint64(spec.Stride)
		if _, err := s.ch.ReadBytes(rec, spec.Stride); err != nil {
			return false, fmt.Sprintf("record %d at 0x%X unreadable", i, rec), nil
		}
		if len(fields) == 0 {
			continue
		}
		name, ok := s.codec.RecordName(s.ch, fields, rec)
		if !ok || !codec.PlausibleName(name) {
			return false, fmt.Sprintf("record %d at 0x%X has no readable name", i, rec), nil
		}
		if i < len(spec.Scan.ExpectedNames) && !strings.EqualFold(name, spec.Scan.ExpectedNames[i]) {
			return false, fmt.Sprintf("record %d is %q, expected %q", i, name, spec.Scan.ExpectedNames[i]), nil
		}
	}
	return true, "", nil
}

// anchors returns module addresses holding a pointer to base.
func (s *Scanner) anchors(base uint64) []uint64 {
	sig := memacc.PointerSignature(base)
	sig.Scope = memacc.SpaceModule
	hits, err := s.ch.FindPatternAll(sig)
	if err != nil {
		s.log.Logf(common.SeverityDebug, "anchor search for 0x%X: %v", base, err)
	}
	return hits
}

func (s *Scanner) wait(ctx context.Context) error {
	if s.limiter == nil {
		return ctx.Err()
	}
	return s.limiter.Wait(ctx)
}

// NameFields returns the descriptors of the display-name fields of spec's
// entity, in declaration order.
func NameFields(s *schema.OffsetSchema, spec *schema.BasePointerSpec) ([]*schema.FieldDescriptor, error) {
	out := make([]*schema.FieldDescriptor, 0, len(spec.NameFields))
	for _, name := range spec.NameFields {
		d, err := s.Field(spec.Entity, name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
