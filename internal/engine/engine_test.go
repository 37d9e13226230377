package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/text/encoding/unicode"

	"rostermem/internal/codec"
	"rostermem/internal/common"
	"rostermem/internal/journal"
	"rostermem/internal/memacc"
	"rostermem/internal/metrics"
	"rostermem/internal/scanner"
	"rostermem/internal/schema"
)

const (
	moduleBase  = 0x140000000
	heapBase    = 0x20000000
	playerTable = heapBase + 0x100
	teamTable   = heapBase + 0x1000
	sigStruct   = heapBase + 0x3000
	statsTable  = heapBase + 0x8000
)

const engineDoc = `
dropdowns:
  Position: [PG, SG, SF, PF, C]
versions:
  TEST:
    base_pointers:
      Player:
        address: 0x100
        stride: 0x80
        max_index: 4
        name_fields: [First Name, Last Name]
      Team:
        address: 0x108
        stride: 0x40
        max_index: 3
        name_fields: [Team Name]
        scan:
          signatures:
            - {pattern: "AA BB CC DD"}
      Stats:
        address: 0x20008000
        absolute: true
        direct_table: true
        stride: 0x10
        max_index: 8
    categories:
      - name: Vitals
        entity: Player
        fields:
          - {name: First Name, offset: 0, type: string, encoding: ascii, length: 16}
          - {name: Last Name, offset: 0x10, type: wstring, length: 16}
          - {name: Team, offset: 0x30, type: pointer, pointer_target: Team}
          - {name: Height, offset: 0x38, type: short, conversion: height}
          - {name: Birth Year, offset: 0x3A, type: integer, length: 8, conversion: year}
          - {name: Position, offset: 0x3B, start_bit: 3, length: 3, type: combo, dropdown: Position}
          - {name: Dunk Badge, offset: 0x3B, start_bit: 0, length: 3, type: bitfield, conversion: badge}
          - {name: Weight, offset: 0x3C, type: float}
          - {name: Signature Id, offset: 0, type: integer, deref_offset: 0x40}
          - {name: Signature Low, offset: 4, start_bit: 0, length: 3, type: bitfield, deref_offset: 0x40}
          - {name: Signature High, offset: 4, start_bit: 3, length: 3, type: bitfield, deref_offset: 0x40}
      - name: Team Vitals
        entity: Team
        fields:
          - {name: Team Name, offset: 0, type: string, encoding: ascii, length: 24}
          - {name: Stat Id 0, offset: 0x20, type: integer, length: 16}
          - {name: Stat Id 1, offset: 0x22, type: integer, length: 16}
      - name: Season Stats
        entity: Stats
        fields:
          - {name: Points, offset: 0, type: integer, length: 16}
          - {name: Games, offset: 2, type: integer, length: 8}
    relations:
      team_stats:
        kind: season_only
        source_entity: Team
        source_category: Team Vitals
        id_fields: [Stat Id 0, Stat Id 1]
        target_entity: Stats
        target_category: Season Stats
`

type countingChannel struct {
	memacc.Channel
	reads int
}

func (c *countingChannel) ReadBytes(addr uint64, n uint32) ([]byte, error) {
	c.reads++
	return c.Channel.ReadBytes(addr, n)
}

type world struct {
	mod  []byte
	heap []byte
	ch   *countingChannel
}

func (w *world) at(addr uint64) []byte {
	return w.heap[addr-heapBase:]
}

func (w *world) player(i int, first, last string) []byte {
	rec := w.at(playerTable + uint64(i)*0x80)
	copy(rec, first)
	wide, _ := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String(last)
	copy(rec[0x10:], wide)
	return rec
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{mod: make([]byte, 0x1000), heap: make([]byte, 0x10000)}
	binary.LittleEndian.PutUint64(w.mod[0x100:], playerTable)
	binary.LittleEndian.PutUint64(w.mod[0x108:], teamTable)

	lebron := w.player(0, "LeBron", "James")
	binary.LittleEndian.PutUint64(lebron[0x30:], teamTable)
	binary.LittleEndian.PutUint16(lebron[0x38:], 81*254)
	lebron[0x3A] = 84
	lebron[0x3B] = 2<<3 | 3
	binary.LittleEndian.PutUint32(lebron[0x3C:], math.Float32bits(250))
	binary.LittleEndian.PutUint64(lebron[0x40:], sigStruct)
	binary.LittleEndian.PutUint32(w.at(sigStruct), 77)

	curry := w.player(1, "Stephen", "Curry")
	binary.LittleEndian.PutUint64(curry[0x30:], teamTable+0x40)
	w.player(2, "Victor", "Wembanyama")
	copy(w.at(playerTable+3*0x80), "A\xC3B")

	for i, name := range []string{"Lakers", "Warriors", "Spurs"} {
		copy(w.at(teamTable+uint64(i)*0x40), name)
	}
	binary.LittleEndian.PutUint16(w.at(teamTable+0x20), 3)
	binary.LittleEndian.PutUint16(w.at(teamTable+0x22), 5)

	stats := w.at(statsTable + 5*0x10)
	binary.LittleEndian.PutUint16(stats, 1800)
	stats[2] = 65

	m := memacc.NewMapper()
	m.SetModuleBase(moduleBase)
	for _, acc := range []memacc.Accessor{
		memacc.NewBufferAccessor(moduleBase, w.mod, memacc.SpaceModule),
		memacc.NewBufferAccessor(heapBase, w.heap, memacc.SpaceHeap),
	} {
		if err := m.AddAccessor(acc); err != nil {
			t.Fatal(err)
		}
	}
	w.ch = &countingChannel{Channel: m}
	return w
}

func openSession(t *testing.T, w *world, opts ...Option) *Session {
	t.Helper()
	doc, err := schema.ParseDocument([]byte(engineDoc))
	if err != nil {
		t.Fatal(err)
	}
	sch, err := doc.Build("TEST")
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(sch, w.ch, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGetFieldAppliesConversions(t *testing.T) {
	s := openSession(t, newWorld(t))
	ctx := context.Background()

	tests := []struct {
		field string
		want  codec.Value
	}{
		{"First Name", codec.StringValue{Text: "LeBron"}},
		{"Last Name", codec.StringValue{Text: "James"}},
		{"Height", codec.IntValue(81)},
		{"Birth Year", codec.IntValue(1984)},
		{"Position", codec.EnumValue{Index: 2, Label: "SF"}},
		{"Dunk Badge", codec.EnumValue{Index: 3, Label: "Gold"}},
		{"Weight", codec.FloatValue(250)},
		{"Signature Id", codec.UintValue(77)},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got, err := s.GetField(ctx, "Player", 0, tt.field)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}

	raw, err := s.GetRawField(ctx, "Player", 0, "Height")
	if err != nil {
		t.Fatal(err)
	}
	if raw != codec.UintValue(81*254) {
		t.Errorf("raw height %v", raw)
	}
	if _, err := s.GetField(ctx, "Player", 4, "First Name"); !errors.Is(err, common.ErrIndexOutOfRange) {
		t.Errorf("index 4 of 4: %v", err)
	}
	if _, err := s.GetField(ctx, "Player", 0, "first name"); !errors.Is(err, common.ErrUnknownField) {
		t.Errorf("case variant of a field name: %v", err)
	}
}

func TestPointerFieldShowsTargetName(t *testing.T) {
	s := openSession(t, newWorld(t))
	got, err := s.GetField(context.Background(), "Player", 0, "Team")
	if err != nil {
		t.Fatal(err)
	}
	want := codec.PointerValue{Raw: teamTable, Target: "Team", Display: "Lakers"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	// Player 2 has no team.
	got, _ = s.GetField(context.Background(), "Player", 2, "Team")
	if pv := got.(codec.PointerValue); pv.Raw != 0 || pv.Target != "" {
		t.Errorf("null team decoded as %#v", pv)
	}
}

func TestSetPointerByName(t *testing.T) {
	w := newWorld(t)
	s := openSession(t, w)
	ctx := context.Background()

	for _, tt := range []struct {
		text string
		want uint64
	}{
		{"spurs", teamTable + 0x80},
		{"Team 1", teamTable + 0x40},
		{"Lakers (0x20001000)", teamTable},
	} {
		if err := s.SetFieldText(ctx, "Player", 2, "Team", tt.text); err != nil {
			t.Fatalf("%q: %v", tt.text, err)
		}
		if got := binary.LittleEndian.Uint64(w.at(playerTable + 2*0x80 + 0x30)); got != tt.want {
			t.Errorf("%q stored 0x%X, want 0x%X", tt.text, got, tt.want)
		}
	}

	err := s.SetFieldText(ctx, "Player", 2, "Team", "Knicks")
	if !errors.Is(err, common.ErrUnknownTargetName) {
		t.Fatalf("unknown team: %v", err)
	}
	if got := binary.LittleEndian.Uint64(w.at(playerTable + 2*0x80 + 0x30)); got != teamTable {
		t.Errorf("failed set changed the pointer to 0x%X", got)
	}
}

func TestSetFieldConversions(t *testing.T) {
	s := openSession(t, newWorld(t))
	ctx := context.Background()

	if err := s.SetFieldText(ctx, "Player", 0, "Height", `6'8"`); err != nil {
		t.Fatal(err)
	}
	if err := s.SetFieldText(ctx, "Player", 0, "Dunk Badge", "hall of fame"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetField(ctx, "Player", 0, "Birth Year", codec.IntValue(2003)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetFields(ctx, "Player", 0, []string{"Height", "Dunk Badge", "Birth Year", "Position"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]codec.Value{
		"Height":     codec.IntValue(80),
		"Dunk Badge": codec.EnumValue{Index: 4, Label: "Hall of Fame"},
		"Birth Year": codec.IntValue(2003),
		"Position":   codec.EnumValue{Index: 2, Label: "SF"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	if raw, _ := s.GetRawField(ctx, "Player", 0, "Height"); raw != codec.UintValue(80*254) {
		t.Errorf("raw height %v", raw)
	}
	if err := s.SetFieldText(ctx, "Player", 0, "Height", "tall"); !errors.Is(err, common.ErrInvalidParam) {
		t.Errorf("bad height text: %v", err)
	}
}

func TestGetFieldsReadsRecordOnce(t *testing.T) {
	w := newWorld(t)
	s := openSession(t, w)
	ctx := context.Background()
	if _, err := s.ResolveBase(ctx, "Player"); err != nil {
		t.Fatal(err)
	}

	reads := w.ch.reads
	got, err := s.GetFields(ctx, "Player", 1, []string{"First Name", "Height", "Position"})
	if err != nil {
		t.Fatal(err)
	}
	if n := w.ch.reads - reads; n != 1 {
		t.Errorf("GetFields read memory %d times", n)
	}
	if got["First Name"] != (codec.StringValue{Text: "Stephen"}) {
		t.Errorf("First Name = %v", got["First Name"])
	}

	all, err := s.GetFields(ctx, "Player", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 11 || all["Signature Id"] != codec.UintValue(77) {
		t.Errorf("all fields: %v", all)
	}
}

func TestSetFieldsAllOrNothing(t *testing.T) {
	w := newWorld(t)
	s := openSession(t, w)
	ctx := context.Background()

	err := s.SetFields(ctx, "Player", 0, map[string]codec.Value{
		"Height":   codec.IntValue(79),
		"Position": codec.StringValue{Text: "QB"},
	})
	if !errors.Is(err, common.ErrUnknownLabel) {
		t.Fatalf("bad label: %v", err)
	}
	if h, _ := s.GetField(ctx, "Player", 0, "Height"); h != codec.IntValue(81) {
		t.Errorf("height changed to %v by a failed SetFields", h)
	}

	err = s.SetFields(ctx, "Player", 0, map[string]codec.Value{
		"Height":       codec.IntValue(79),
		"Position":     codec.StringValue{Text: "C"},
		"Dunk Badge":   codec.EnumValue{Index: 1},
		"Signature Id": codec.UintValue(99),
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetFields(ctx, "Player", 0, []string{"Height", "Position", "Dunk Badge", "Signature Id"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]codec.Value{
		"Height":       codec.IntValue(79),
		"Position":     codec.EnumValue{Index: 4, Label: "C"},
		"Dunk Badge":   codec.EnumValue{Index: 1, Label: "Bronze"},
		"Signature Id": codec.UintValue(99),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if b := w.at(playerTable)[0x3B]; b != 4<<3|1 {
		t.Errorf("packed byte 0x%02X", b)
	}
}

func TestSetFieldsPackedBehindPointer(t *testing.T) {
	w := newWorld(t)
	s := openSession(t, w)
	ctx := context.Background()
	w.at(sigStruct)[4] = 0xC0

	err := s.SetFields(ctx, "Player", 0, map[string]codec.Value{
		"Signature Low":  codec.UintValue(5),
		"Signature High": codec.UintValue(6),
	})
	if err != nil {
		t.Fatal(err)
	}
	if b := w.at(sigStruct)[4]; b != 0xC0|6<<3|5 {
		t.Errorf("packed byte 0x%02X, want 0x%02X", b, 0xC0|6<<3|5)
	}
	got, err := s.GetFields(ctx, "Player", 0, []string{"Signature Low", "Signature High", "Signature Id"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]codec.Value{
		"Signature Low":  codec.UintValue(5),
		"Signature High": codec.UintValue(6),
		"Signature Id":   codec.UintValue(77),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestLookupFollowsRenames(t *testing.T) {
	s := openSession(t, newWorld(t))
	ctx := context.Background()

	if idx, err := s.Names().Lookup(ctx, "Player", "stephen curry"); err != nil || idx != 1 {
		t.Fatalf("Lookup = %d, %v", idx, err)
	}
	if err := s.SetFieldText(ctx, "Player", 1, "Last Name", "Thompson"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Names().Lookup(ctx, "Player", "Stephen Curry"); !errors.Is(err, common.ErrUnknownTargetName) {
		t.Errorf("old name still found: %v", err)
	}
	if idx, err := s.Names().Lookup(ctx, "Player", "Stephen Thompson"); err != nil || idx != 1 {
		t.Errorf("new name: %d, %v", idx, err)
	}
	if name, _ := s.RecordName(ctx, "Player", 2); name != "Victor Wembanyama" {
		t.Errorf("RecordName = %q", name)
	}
}

func TestGetRelatedFields(t *testing.T) {
	s := openSession(t, newWorld(t))
	ctx := context.Background()

	got, err := s.GetRelatedFields(ctx, "team_stats", 0, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := Related{
		Entity: "Stats",
		Index:  5,
		Fields: map[string]codec.Value{"Points": codec.UintValue(1800), "Games": codec.UintValue(65)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	if _, err := s.GetRelatedFields(ctx, "team_stats", 0, 2, nil); !errors.Is(err, common.ErrIndexOutOfRange) {
		t.Errorf("slot 2: %v", err)
	}
	if _, err := s.GetRelatedFields(ctx, "arena_stats", 0, 0, nil); !errors.Is(err, common.ErrInvalidParam) {
		t.Errorf("unknown relation: %v", err)
	}
}

func TestOverrideAndAdopt(t *testing.T) {
	s := openSession(t, newWorld(t))
	ctx := context.Background()
	name := func() string {
		t.Helper()
		v, err := s.GetField(ctx, "Team", 0, "Team Name")
		if err != nil {
			t.Fatal(err)
		}
		return v.String()
	}

	if got := name(); got != "Lakers" {
		t.Fatalf("Team 0 = %q", got)
	}
	if err := s.ApplyOverride("Team", teamTable+0x40); err != nil {
		t.Fatal(err)
	}
	if got := name(); got != "Warriors" {
		t.Errorf("after override %q", got)
	}
	s.ClearOverride("Team")
	if got := name(); got != "Lakers" {
		t.Errorf("after ClearOverride %q", got)
	}

	rb, err := s.AdoptScan(scanner.Result{Entity: "Team", Status: scanner.Found, Address: teamTable + 0x80})
	if err != nil {
		t.Fatal(err)
	}
	if got := name(); got != "Spurs" || !rb.VerifiedByScan {
		t.Errorf("after adopt %q, %+v", got, rb)
	}
	s.InvalidateBase("")
	if got := name(); got != "Lakers" {
		t.Errorf("after InvalidateBase %q", got)
	}
}

func TestScansAreJournaledAndCounted(t *testing.T) {
	w := newWorld(t)
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "scans.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	rec := metrics.NewRecorder()
	s := openSession(t, w, WithJournal(j), WithRecorder(rec))
	ctx := context.Background()

	res, err := s.ScanForBase(ctx, "Team", scanner.Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != scanner.NotFound {
		t.Fatalf("scan = %+v", res)
	}

	// A broken chain falls back to a scan, which is journaled too.
	binary.LittleEndian.PutUint64(w.mod[0x108:], 0)
	_, err = s.GetField(ctx, "Team", 0, "Team Name")
	if !errors.Is(err, common.ErrScanFailed) || !common.IsWarning(err) {
		t.Fatalf("broken Team chain: %v", err)
	}

	entries, err := j.List(ctx, "Team", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Status != "not_found" || entries[0].SchemaVersion != "TEST" {
		t.Errorf("journal: %+v", entries)
	}

	if v, _ := s.GetField(ctx, "Player", 3, "First Name"); !codec.IsLossy(v) {
		t.Errorf("Player 3 name %#v not lossy", v)
	}

	path := filepath.Join(dir, "rostermem.prom")
	if err := rec.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`rostermem_scans_total{entity="Team",outcome="not_found"} 2`,
		`rostermem_base_resolutions_total{entity="Player",source="static"} 1`,
		`rostermem_lossy_decodes_total{entity="Player"} 1`,
	} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestOpenRejectsMissingParts(t *testing.T) {
	if _, err := Open(nil, newWorld(t).ch); !errors.Is(err, common.ErrInvalidParam) {
		t.Errorf("nil schema: %v", err)
	}
}
