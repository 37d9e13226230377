package scanner

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/text/encoding/unicode"

	"rostermem/internal/memacc"
	"rostermem/internal/schema"
)

const (
	moduleBase = 0x140000000
	heapBase   = 0x10000000
	tableBase  = heapBase + 0x100
	stride     = 0x40
)

const scanDoc = `
versions:
  TEST:
    base_pointers:
      Player:
        stride: 0x40
        max_index: 4
        name_fields: [Last Name]
        scan:
          min_votes: 1
          verify_records: 2
          expected_names: [James, Curry]
          signatures:
            - {text: Wemby, encoding: wide, scope: heap, mode: address, back_calc: true, max_index: 4}
      Team:
        stride: 0x40
        name_fields: [Last Name]
        scan:
          min_votes: 2
          signatures:
            - {pattern: "AA BB CC DD", scope: module, delta: 4, back_calc: true, max_index: 4}
      Stadium:
        stride: 0x40
        scan:
          min_votes: 2
          signatures:
            - {pattern: "EE FF EE FF", scope: module, delta: 4, back_calc: true, max_index: 8}
      Coach:
        stride: 0x40
        scan:
          signatures:
            - {pattern: "01 02 03 04 05 06", scope: module}
    categories:
      - name: Vitals
        entity: Player
        fields:
          - {name: Last Name, offset: 0, type: wstring, length: 8}
      - name: Team Vitals
        entity: Team
        fields:
          - {name: Last Name, offset: 0, type: wstring, length: 8}
`

func loadSchema(t *testing.T) *schema.OffsetSchema {
	t.Helper()
	doc, err := schema.ParseDocument([]byte(scanDoc))
	if err != nil {
		t.Fatal(err)
	}
	s, err := doc.Build("TEST")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func putWide(t *testing.T, buf []byte, off int, text string) {
	t.Helper()
	enc, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String(text)
	if err != nil {
		t.Fatal(err)
	}
	copy(buf[off:], enc)
}

// world maps a module image and a heap holding a four record table.
func world(t *testing.T) (*memacc.Mapper, []byte) {
	t.Helper()
	heap := make([]byte, 0x1000)
	for i, name := range []string{"James", "Curry", "Wemby", "Tatum"} {
		putWide(t, heap, 0x100+i*stride, name)
	}
	mod := make([]byte, 0x400)
	binary.LittleEndian.PutUint64(mod[0x80:], tableBase)

	m := memacc.NewMapper()
	m.SetModuleBase(moduleBase)
	for _, acc := range []memacc.Accessor{
		memacc.NewBufferAccessor(moduleBase, mod, memacc.SpaceModule),
		memacc.NewBufferAccessor(heapBase, heap, memacc.SpaceHeap),
	} {
		if err := m.AddAccessor(acc); err != nil {
			t.Fatal(err)
		}
	}
	return m, mod
}

func TestFindBaseFromTextSignature(t *testing.T) {
	m, _ := world(t)
	res, err := New(loadSchema(t), m).FindBase(context.Background(), "Player", Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != Found || res.Address != tableBase {
		t.Fatalf("FindBase = %s at 0x%X (%s), want found at 0x%X", res.Status, res.Address, res.Reason, uint64(tableBase))
	}
	if res.Confidence != 1 || res.Elements != 1 {
		t.Errorf("confidence %.2f over %d elements", res.Confidence, res.Elements)
	}
	if diff := cmp.Diff([]uint64{moduleBase + 0x80}, res.Anchors); diff != "" {
		t.Errorf("anchors (-want +got):\n%s", diff)
	}
}

func TestFindBaseNoMatch(t *testing.T) {
	m, _ := world(t)
	res, err := New(loadSchema(t), m).FindBase(context.Background(), "Coach", Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != NotFound || res.Reason != "no signature matched" {
		t.Errorf("FindBase = %+v", res)
	}
}

func TestFindBaseVotesPastOutlier(t *testing.T) {
	m, mod := world(t)
	// Three element pointers into the table and one stray pointer.
	for i, elem := range []uint64{tableBase, tableBase + stride, tableBase + 2*stride, heapBase + 0xF00} {
		off := 0x100 + i*0x10
		copy(mod[off:], []byte{0xAA, 0xBB, 0xCC, 0xDD})
		binary.LittleEndian.PutUint64(mod[off+4:], elem)
	}

	res, err := New(loadSchema(t), m).FindBase(context.Background(), "Team", Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != Found || res.Address != tableBase {
		t.Fatalf("FindBase = %s at 0x%X (%s)", res.Status, res.Address, res.Reason)
	}
	if res.Votes != 3 || res.Elements != 4 || res.Confidence != 0.75 {
		t.Errorf("votes %d, elements %d, confidence %.2f", res.Votes, res.Elements, res.Confidence)
	}
	// The base one stride below ties on votes and ranks after the real one.
	want := []Candidate{{tableBase, 3}, {tableBase - stride, 3}}
	if diff := cmp.Diff(want, res.Candidates[:2]); diff != "" {
		t.Errorf("top candidates (-want +got):\n%s", diff)
	}
}

func TestFindBaseWithoutNameFields(t *testing.T) {
	m, mod := world(t)
	for i, elem := range []uint64{tableBase, tableBase + stride, tableBase + 2*stride, heapBase + 0xF00} {
		off := 0x200 + i*0x10
		copy(mod[off:], []byte{0xEE, 0xFF, 0xEE, 0xFF})
		binary.LittleEndian.PutUint64(mod[off+4:], elem)
	}

	res, err := New(loadSchema(t), m).FindBase(context.Background(), "Stadium", Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != Found || res.Address != tableBase {
		t.Fatalf("FindBase = %s at 0x%X (%s), want 0x%X", res.Status, res.Address, res.Reason, uint64(tableBase))
	}
	if res.Votes != 3 || res.Elements != 4 {
		t.Errorf("votes %d, elements %d", res.Votes, res.Elements)
	}
}

func TestFindBaseSkipBases(t *testing.T) {
	m, _ := world(t)
	skip := []uint64{tableBase, tableBase + stride, tableBase + 2*stride}
	res, err := New(loadSchema(t), m).FindBase(context.Background(), "Player", Constraints{SkipBases: skip})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != NotFound || !strings.Contains(res.Reason, "verification") {
		t.Errorf("FindBase = %s (%s)", res.Status, res.Reason)
	}
}

func TestFindBaseCancelled(t *testing.T) {
	m, _ := world(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(loadSchema(t), m, WithReadRate(1000, 10)).FindBase(ctx, "Player", Constraints{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestFindBaseUnknownEntity(t *testing.T) {
	m, _ := world(t)
	if _, err := New(loadSchema(t), m).FindBase(context.Background(), "Arena", Constraints{}); err == nil {
		t.Error("unknown entity scanned without error")
	}
}

func TestBallotRanked(t *testing.T) {
	b := NewBallot()
	for _, a := range []uint64{0x500, 0x300, 0x500, 0x100, 0x300, 0x500, 0x900} {
		b.Vote(a)
	}
	want := []Candidate{{0x500, 3}, {0x300, 2}, {0x900, 1}, {0x100, 1}}
	if diff := cmp.Diff(want, b.Ranked()); diff != "" {
		t.Errorf("Ranked (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[1:], b.Ranked(0x500)); diff != "" {
		t.Errorf("Ranked with skip (-want +got):\n%s", diff)
	}
	if b.Len() != 4 {
		t.Errorf("Len = %d", b.Len())
	}
}
