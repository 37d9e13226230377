// Package schemadoc loads schema documents from YAML or JSON files. Each file
// is checked against the embedded document structure before it is decoded,
// and parsed documents are cached by path and modification time.
package schemadoc

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"rostermem/internal/common"
	"rostermem/internal/schema"
)

//go:embed document.schema.json
var documentSchema []byte

const documentSchemaURL = "document.schema.json"

type entry struct {
	modTime time.Time
	size    int64
	doc     *schema.Document
}

// Loader reads schema documents. A cached document is returned only while
// the file's modification time and size are unchanged.
type Loader struct {
	mu        sync.Mutex
	structure *jsonschema.Schema
	cache     map[string]entry
	log       common.Logger

	hits, misses int
}

// NewLoader compiles the embedded document structure.
func NewLoader(log common.Logger) (*Loader, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(documentSchemaURL, bytes.NewReader(documentSchema)); err != nil {
		return nil, common.Wrap(common.ErrFail, err, "add document schema")
	}
	s, err := c.Compile(documentSchemaURL)
	if err != nil {
		return nil, common.Wrap(common.ErrFail, err, "compile document schema")
	}
	return &Loader{
		structure: s,
		cache:     make(map[string]entry),
		log:       common.OrNoOp(log),
	}, nil
}

// Load returns the document at path.
func (l *Loader) Load(path string) (*schema.Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, common.Wrap(common.ErrFileAccess, err, "resolve %s", path)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, common.Wrap(common.ErrFileAccess, err, "stat %s", path)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.cache[abs]; ok && e.modTime.Equal(fi.ModTime()) && e.size == fi.Size() {
		l.hits++
		return e.doc, nil
	}
	l.misses++

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, common.Wrap(common.ErrFileAccess, err, "read %s", path)
	}
	doc, err := l.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	l.cache[abs] = entry{modTime: fi.ModTime(), size: fi.Size(), doc: doc}
	l.log.Logf(common.SeverityDebug, "schema document %s loaded (%d versions)", path, len(doc.Versions))
	return doc, nil
}

// Parse checks and decodes document bytes without touching the cache.
func (l *Loader) Parse(raw []byte) (*schema.Document, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, common.Wrap(common.ErrSchemaValidation, err, "parse")
	}
	inst, err := toJSONValue(generic)
	if err != nil {
		return nil, common.Wrap(common.ErrSchemaValidation, err, "convert")
	}
	if err := l.structure.Validate(inst); err != nil {
		return nil, common.Wrap(common.ErrSchemaValidation, err, "structure")
	}
	doc, err := schema.ParseDocument(raw)
	if err != nil {
		return nil, common.Wrap(common.ErrSchemaValidation, err, "decode")
	}
	return doc, nil
}

// Invalidate drops the cached document for path.
func (l *Loader) Invalidate(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, abs)
}

// InvalidateAll drops every cached document.
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]entry)
}

// CacheStats returns cache hits and misses since the loader was created.
func (l *Loader) CacheStats() (hits, misses int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hits, l.misses
}

// toJSONValue converts a decoded YAML tree into the value types produced by
// encoding/json, which is what the validator accepts.
func toJSONValue(v any) (any, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(norm)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case time.Time:
		return t.Format(time.RFC3339), nil
	}
	return v, nil
}
