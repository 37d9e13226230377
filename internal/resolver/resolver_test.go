package resolver

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/text/encoding/unicode"

	"rostermem/internal/common"
	"rostermem/internal/memacc"
	"rostermem/internal/scanner"
	"rostermem/internal/schema"
)

const (
	moduleBase  = 0x140000000
	heapBase    = 0x20000000
	playerTable = heapBase
	teamRoot    = heapBase + 0x1000
	teamBase    = heapBase + 0x2000 + 0x8 + 0x4 + 0x40
	staffTable  = heapBase + 0x8000
)

const resolverDoc = `
versions:
  TEST:
    base_pointers:
      Player:
        address: 0x7CEC2B8
        stride: 1176
        name_fields: [Last Name]
      Team:
        address: 0x7CEC100
        chain: [0x10, {offset: 0x8, dereference: false, post_add: 4}]
        final_offset: 0x40
        end_chain: [0x18]
        stride: 0x100
        name_fields: [Team Name]
        scan:
          signatures:
            - {pattern: "AA BB CC DD"}
      Staff:
        address: 0x20008000
        absolute: true
        direct_table: true
        stride: 64
        max_index: 10
    categories:
      - name: Vitals
        entity: Player
        fields:
          - {name: Last Name, offset: 0, type: wstring, length: 16}
      - name: Team Vitals
        entity: Team
        fields:
          - {name: Team Name, offset: 0, type: string, encoding: ascii, length: 24}
`

type countingChannel struct {
	memacc.Channel
	reads int
}

func (c *countingChannel) ReadBytes(addr uint64, n uint32) ([]byte, error) {
	c.reads++
	return c.Channel.ReadBytes(addr, n)
}

type fakeFinder struct {
	res   scanner.Result
	calls int
}

func (f *fakeFinder) FindBase(_ context.Context, entity string, _ scanner.Constraints) (scanner.Result, error) {
	f.calls++
	r := f.res
	r.Entity = entity
	return r, nil
}

func loadSchema(t *testing.T) *schema.OffsetSchema {
	t.Helper()
	doc, err := schema.ParseDocument([]byte(resolverDoc))
	if err != nil {
		t.Fatal(err)
	}
	s, err := doc.Build("TEST")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type fixture struct {
	ch   *countingChannel
	heap []byte
	mod  []byte
}

func (f *fixture) put64(buf []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(buf[off:], v)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mod := make([]byte, 0x1000)
	heap := make([]byte, 0x10000)
	f := &fixture{heap: heap, mod: mod}

	f.put64(mod, 0x2B8, playerTable)
	f.put64(mod, 0x100, teamRoot)
	f.put64(heap, teamRoot-heapBase+0x10, heapBase+0x2000)
	f.put64(heap, teamRoot-heapBase+0x18, teamBase+30*0x100)

	name, _ := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String("James")
	copy(heap[playerTable-heapBase:], name)
	copy(heap[teamBase-heapBase:], "Lakers")

	m := memacc.NewMapper()
	m.SetModuleBase(moduleBase)
	for _, acc := range []memacc.Accessor{
		memacc.NewBufferAccessor(moduleBase+0x7CEC000, mod, memacc.SpaceModule),
		memacc.NewBufferAccessor(heapBase, heap, memacc.SpaceHeap),
	} {
		if err := m.AddAccessor(acc); err != nil {
			t.Fatal(err)
		}
	}
	f.ch = &countingChannel{Channel: m}
	return f
}

func TestResolveEntityAddressScenario(t *testing.T) {
	f := newFixture(t)
	r := New(loadSchema(t), f.ch)

	got, err := r.ResolveEntityAddress(context.Background(), "Player", 5)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint64(playerTable + 5*1176); got != want {
		t.Errorf("ResolveEntityAddress(Player, 5) = 0x%X, want 0x%X", got, want)
	}

	// No bound is declared, so any index is accepted.
	if _, err := r.ResolveEntityAddress(context.Background(), "Player", 100000); err != nil {
		t.Errorf("unbounded index rejected: %v", err)
	}
}

func TestResolveBaseIsCached(t *testing.T) {
	f := newFixture(t)
	r := New(loadSchema(t), f.ch)

	first, err := r.ResolveBase(context.Background(), "Team")
	if err != nil {
		t.Fatal(err)
	}
	reads := f.ch.reads
	second, err := r.ResolveBase(context.Background(), "Team")
	if err != nil {
		t.Fatal(err)
	}
	if f.ch.reads != reads {
		t.Errorf("second resolve read memory %d times", f.ch.reads-reads)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("(-first +second):\n%s", diff)
	}

	r.Invalidate("Team")
	if _, err := r.ResolveBase(context.Background(), "Team"); err != nil {
		t.Fatal(err)
	}
	if f.ch.reads == reads {
		t.Error("resolve after Invalidate used the cache")
	}
}

func TestResolveChain(t *testing.T) {
	f := newFixture(t)
	var seen []ResolvedBase
	r := New(loadSchema(t), f.ch, WithObserver(func(rb ResolvedBase) { seen = append(seen, rb) }))

	got, err := r.ResolveBase(context.Background(), "Team")
	if err != nil {
		t.Fatal(err)
	}
	want := ResolvedBase{
		EntityType:    "Team",
		Address:       teamBase,
		SchemaVersion: "TEST",
		Source:        SourceStatic,
		Stride:        0x100,
		Count:         30,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ResolveBase (-want +got):\n%s", diff)
	}
	if len(seen) != 1 {
		t.Errorf("observer called %d times", len(seen))
	}

	if _, err := r.ResolveEntityAddress(context.Background(), "Team", 30); !errors.Is(err, common.ErrIndexOutOfRange) {
		t.Errorf("index past derived bound: %v", err)
	}
	if addr, _ := r.ResolveEntityAddress(context.Background(), "Team", 29); addr != teamBase+29*0x100 {
		t.Errorf("last record at 0x%X", addr)
	}
}

func TestDirectTable(t *testing.T) {
	f := newFixture(t)
	r := New(loadSchema(t), f.ch)
	rb, err := r.ResolveBase(context.Background(), "Staff")
	if err != nil {
		t.Fatal(err)
	}
	if rb.Address != staffTable || rb.Count != 10 {
		t.Errorf("Staff base 0x%X, %d records", rb.Address, rb.Count)
	}
	if _, err := r.ResolveEntityAddress(context.Background(), "Staff", 10); !errors.Is(err, common.ErrIndexOutOfRange) {
		t.Errorf("index 10 of 10: %v", err)
	}
	if _, err := r.ResolveEntityAddress(context.Background(), "Staff", -1); !errors.Is(err, common.ErrIndexOutOfRange) {
		t.Errorf("index -1: %v", err)
	}
}

func TestNullHopWithoutFinder(t *testing.T) {
	f := newFixture(t)
	f.put64(f.heap, teamRoot-heapBase+0x10, 0)
	_, err := New(loadSchema(t), f.ch).ResolveBase(context.Background(), "Team")
	if !errors.Is(err, common.ErrScanFailed) {
		t.Errorf("error = %v, want ErrScanFailed", err)
	}
}

func TestFallbackToScan(t *testing.T) {
	f := newFixture(t)
	clear(f.heap[playerTable-heapBase : playerTable-heapBase+32]) // no readable name
	finder := &fakeFinder{res: scanner.Result{Status: scanner.Found, Address: heapBase + 0x5000}}

	// Player declares no scan, so its static address is kept unverified.
	r := New(loadSchema(t), f.ch, WithFinder(finder))
	rb, err := r.ResolveBase(context.Background(), "Player")
	if err != nil {
		t.Fatal(err)
	}
	if rb.Address != playerTable || !rb.Unverified || rb.VerifiedByScan {
		t.Errorf("Player = %+v", rb)
	}

	clear(f.heap[teamBase-heapBase : teamBase-heapBase+24])
	rb, err = r.ResolveBase(context.Background(), "Team")
	if err != nil {
		t.Fatal(err)
	}
	if rb.Address != heapBase+0x5000 || rb.Source != SourceScan || !rb.VerifiedByScan {
		t.Errorf("ResolveBase = %+v", rb)
	}
	if finder.calls != 1 {
		t.Errorf("finder called %d times", finder.calls)
	}
}

func TestFallbackNotFoundIsWarning(t *testing.T) {
	f := newFixture(t)
	f.put64(f.mod, 0x100, 0)
	finder := &fakeFinder{res: scanner.Result{Status: scanner.NotFound, Reason: "no signature matched"}}
	_, err := New(loadSchema(t), f.ch, WithFinder(finder)).ResolveBase(context.Background(), "Team")
	if !errors.Is(err, common.ErrScanFailed) || !common.IsWarning(err) {
		t.Errorf("error = %v, want ErrScanFailed warning", err)
	}
}

func TestFallbackKeepsLastVerifiedBase(t *testing.T) {
	f := newFixture(t)
	finder := &fakeFinder{res: scanner.Result{Status: scanner.NotFound, Reason: "no signature matched"}}
	r := New(loadSchema(t), f.ch, WithFinder(finder))
	if _, err := r.ResolveBase(context.Background(), "Team"); err != nil {
		t.Fatal(err)
	}

	r.Invalidate("Team")
	f.put64(f.mod, 0x100, 0)
	rb, err := r.ResolveBase(context.Background(), "Team")
	if err != nil {
		t.Fatal(err)
	}
	if rb.Address != teamBase || !rb.Unverified || rb.Source != SourceStatic {
		t.Errorf("ResolveBase = %+v", rb)
	}
	if finder.calls != 1 {
		t.Errorf("finder called %d times", finder.calls)
	}
}

func TestOverride(t *testing.T) {
	f := newFixture(t)
	r := New(loadSchema(t), f.ch)
	if _, err := r.ResolveBase(context.Background(), "Team"); err != nil {
		t.Fatal(err)
	}

	if err := r.ApplyOverride("Team", 0x30000000); err != nil {
		t.Fatal(err)
	}
	rb, err := r.ResolveBase(context.Background(), "Team")
	if err != nil {
		t.Fatal(err)
	}
	if rb.Address != 0x30000000 || rb.Source != SourceOverride {
		t.Errorf("override gave %+v", rb)
	}

	r.ClearOverride("Team")
	rb, _ = r.ResolveBase(context.Background(), "Team")
	if rb.Address != teamBase || rb.Source != SourceStatic {
		t.Errorf("after ClearOverride %+v", rb)
	}

	if err := r.ApplyOverride("Arena", 1); !errors.Is(err, common.ErrUnknownEntity) {
		t.Errorf("override of unknown entity: %v", err)
	}
}

func TestAdopt(t *testing.T) {
	f := newFixture(t)
	r := New(loadSchema(t), f.ch)
	rb, err := r.Adopt(scanner.Result{Entity: "Player", Status: scanner.Found, Address: heapBase + 0x4000})
	if err != nil {
		t.Fatal(err)
	}
	cached, ok := r.Cached("Player")
	if !ok || cached != rb || cached.Source != SourceScan {
		t.Errorf("Cached = %+v, %v", cached, ok)
	}
	if _, err := r.Adopt(scanner.Result{Entity: "Player"}); !errors.Is(err, common.ErrInvalidParam) {
		t.Errorf("adopting NotFound: %v", err)
	}
}
