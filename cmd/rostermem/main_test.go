package main

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rostermem/internal/common"
	"rostermem/internal/config"
	"rostermem/internal/memacc"
	"rostermem/internal/snapshot"
)

const (
	moduleBase = 0x140000000
	heapBase   = 0x20000000
)

const cliDoc = `
default: TEST
versions:
  TEST:
    base_pointers:
      Player:
        address: 0x100
        stride: 0x80
        max_index: 2
        name_fields: [First Name, Last Name]
      Team:
        address: 0x108
        stride: 0x40
        name_fields: [Team Name]
        scan:
          signatures:
            - {pattern: "AA BB CC DD"}
    categories:
      - name: Vitals
        entity: Player
        fields:
          - {name: First Name, offset: 0, type: string, encoding: ascii, length: 16}
          - {name: Last Name, offset: 0x10, type: string, encoding: ascii, length: 16}
          - {name: Height, offset: 0x20, type: short, conversion: height}
      - name: Team Vitals
        entity: Team
        fields:
          - {name: Team Name, offset: 0, type: string, encoding: ascii, length: 24}
`

type fixture struct {
	schema string
	snap   string
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		schema: filepath.Join(dir, "offsets.yaml"),
		snap:   filepath.Join(dir, "snap"),
		dir:    dir,
	}
	if err := os.WriteFile(f.schema, []byte(cliDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	mod := make([]byte, 0x1000)
	heap := make([]byte, 0x2000)
	binary.LittleEndian.PutUint64(mod[0x100:], heapBase+0x100)
	binary.LittleEndian.PutUint64(mod[0x108:], heapBase+0x1000)
	for i, p := range [][2]string{{"LeBron", "James"}, {"Stephen", "Curry"}} {
		rec := heap[0x100+i*0x80:]
		copy(rec, p[0])
		copy(rec[0x10:], p[1])
		binary.LittleEndian.PutUint16(rec[0x20:], uint16((80+i)*254))
	}
	copy(heap[0x1000:], "Lakers")

	_, err := snapshot.Create(f.snap, snapshot.Info{Description: "cli"},
		snapshot.ProcessInfo{ModuleName: "game.exe", ModuleBase: moduleBase, Build: "TEST"},
		[]snapshot.Region{
			{Address: moduleBase, Data: mod, Space: memacc.SpaceModule},
			{Address: heapBase, Data: heap, Space: memacc.SpaceHeap},
		})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(&config.Config{
		SchemaPath:  f.schema,
		SnapshotDir: f.snap,
		LogLevel:    common.SeverityError,
		PageCache:   true,
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSchemaCheck(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "schema", "check")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "TEST: ok, 2 entities, 4 fields") {
		t.Errorf("output:\n%s", out)
	}

	if err := os.WriteFile(f.schema, []byte(strings.Replace(cliDoc, "offset: 0x20, type: short", "offset: 0x7F, type: short", 1)), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = f.run(t, "schema", "check")
	if err == nil || !strings.Contains(out, "FAILED") {
		t.Errorf("field past the stride: err=%v\n%s", err, out)
	}
}

func TestGetAndSet(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "get", "Player", "stephen curry", "Last Name", "Height")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`Player[1] "Stephen Curry"`, `"Curry"`, `6'9" (81 in)`} {
		if !strings.Contains(out, want) {
			t.Errorf("get output missing %q:\n%s", want, out)
		}
	}

	if _, err := f.run(t, "set", "Player", "1", `Height=6'7"`, "Last Name=Thompson"); err != nil {
		t.Fatal(err)
	}
	out, err = f.run(t, "get", "Player", "1")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"Stephen Thompson"`, `6'7" (79 in)`} {
		if !strings.Contains(out, want) {
			t.Errorf("after set, output missing %q:\n%s", want, out)
		}
	}

	if _, err := f.run(t, "get", "Player", "Kevin Durant"); err == nil {
		t.Error("unknown player name accepted")
	}
}

func TestScanJournalAndMetrics(t *testing.T) {
	f := newFixture(t)
	db := filepath.Join(f.dir, "scans.db")
	prom := filepath.Join(f.dir, "rostermem.prom")

	out, err := f.run(t, "scan", "Team", "--journal", db, "--metrics-file", prom)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Team: not_found") {
		t.Errorf("scan output:\n%s", out)
	}

	out, err = f.run(t, "journal", "list", "--journal", db)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "not_found") || !strings.Contains(out, "TEST") {
		t.Errorf("journal output:\n%s", out)
	}

	raw, err := os.ReadFile(prom)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `rostermem_scans_total{entity="Team",outcome="not_found"} 1`) {
		t.Errorf("metrics file:\n%s", raw)
	}
}

func TestBaseOverrideFlag(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "base", "resolve", "Team", "--base", "Team=0x20000100")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "0x20000100") || !strings.Contains(out, "override") {
		t.Errorf("output:\n%s", out)
	}

	if _, err := f.run(t, "base", "resolve", "--base", "Team"); err == nil {
		t.Error("override without an address accepted")
	}
}
