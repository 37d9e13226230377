package schemadoc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rostermem/internal/common"
	"rostermem/internal/schema"
)

const goodYAML = `
default: "2K26"
versions:
  "2K26":
    base_pointers:
      Player:
        address: 0x7CEC2B8
        stride: 1176
        chain: [0x10, {offset: "0x8", dereference: false}]
    categories:
      - name: Vitals
        entity: Player
        fields:
          - {name: Last Name, offset: 0, type: wstring, length: 20}
`

const goodJSON = `{
  "versions": {
    "2K26": {
      "base_pointers": {"Team": {"address": "0x7CE0000", "stride": 344}},
      "categories": [
        {"name": "Team Vitals", "entity": "Team",
         "fields": [{"name": "Team Name", "offset": 16, "type": "string", "encoding": "ascii", "length": 24}]}
      ]
    }
  }
}`

func newLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader(nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

func writeFile(t *testing.T, dir, name, text string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	l := newLoader(t)

	for _, tc := range []struct {
		file, text, entity string
	}{
		{"offsets.yaml", goodYAML, "Player"},
		{"offsets.json", goodJSON, "Team"},
	} {
		doc, err := l.Load(writeFile(t, dir, tc.file, tc.text))
		if err != nil {
			t.Fatalf("Load %s: %v", tc.file, err)
		}
		s, err := schema.NewRepository(doc).Load("2K26")
		if err != nil {
			t.Fatalf("%s: build: %v", tc.file, err)
		}
		if _, err := s.BasePointer(tc.entity); err != nil {
			t.Errorf("%s: %v", tc.file, err)
		}
	}
}

func TestStructureRejected(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no versions", "default: x\n"},
		{"unknown top level key", "versions: {V: {}}\nextra: 1\n"},
		{"missing stride", "versions:\n  V:\n    base_pointers:\n      P: {address: 16}\n"},
		{"bad hex offset", "versions:\n  V:\n    base_pointers:\n      P: {address: 0xZZ, stride: 8}\n"},
		{"field without type", "versions:\n  V:\n    base_pointers: {P: {address: 1, stride: 8}}\n    categories:\n      - {name: C, entity: P, fields: [{name: F, offset: 0}]}\n"},
		{"not yaml", "versions: [unclosed\n"},
	}
	l := newLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Parse([]byte(tt.text))
			if !errors.Is(err, common.ErrSchemaValidation) {
				t.Errorf("Parse error = %v, want ErrSchemaValidation", err)
			}
		})
	}
}

func TestCacheFollowsModTime(t *testing.T) {
	dir := t.TempDir()
	l := newLoader(t)
	path := writeFile(t, dir, "offsets.yaml", goodYAML)

	first, err := l.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := l.Load(path)
	if first != second {
		t.Error("unchanged file was parsed again")
	}

	writeFile(t, dir, "offsets.yaml", goodYAML+"\n")
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	third, _ := l.Load(path)
	if third == first {
		t.Error("modified file served from cache")
	}

	l.Invalidate(path)
	fourth, _ := l.Load(path)
	if fourth == third {
		t.Error("Invalidate kept the cached document")
	}

	if hits, misses := l.CacheStats(); hits != 1 || misses != 3 {
		t.Errorf("CacheStats = %d hits, %d misses", hits, misses)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := newLoader(t).Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, common.ErrFileAccess) {
		t.Errorf("Load error = %v, want ErrFileAccess", err)
	}
}
