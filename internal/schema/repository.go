package schema

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"rostermem/internal/common"
)

// Repository builds and caches OffsetSchemas from one Document. Built
// schemas are kept until Invalidate.
type Repository struct {
	mu    sync.Mutex
	doc   *Document
	cache map[string]*OffsetSchema
}

// NewRepository wraps a parsed document.
func NewRepository(doc *Document) *Repository {
	return &Repository{doc: doc, cache: make(map[string]*OffsetSchema)}
}

// Versions returns the version keys of the document, sorted.
func (r *Repository) Versions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.doc.Versions)
}

// Load returns the schema for version. An exact key is tried first, then a
// key listing version as one of its comma separated labels.
func (r *Repository) Load(version string) (*OffsetSchema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := version
	if _, ok := r.doc.Versions[key]; !ok {
		key = ""
		want := strings.ToUpper(strings.TrimSpace(version))
		for _, k := range sortedKeys(r.doc.Versions) {
			if want != "" && containsToken(versionTokens(k), want) {
				key = k
				break
			}
		}
	}
	if key == "" {
		return nil, common.Errorf(common.ErrSchemaNotFound, "no schema version matches %q", version)
	}
	return r.build(key)
}

// ResolveVersion picks the entry best matching the labels reported by the
// live process. Keys with an exact label hit win, the longest matching
// label first. Otherwise the key sharing the most label fragments wins.
// Without any match the document default is used.
func (r *Repository) ResolveVersion(candidates ...string) (*OffsetSchema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := selectVersion(sortedKeys(r.doc.Versions), candidates)
	if key == "" {
		key = r.doc.Default
		if _, ok := r.doc.Versions[key]; !ok || key == "" {
			return nil, common.Errorf(common.ErrSchemaNotFound, "no schema version matches %v and no default is set", candidates)
		}
	}
	return r.build(key)
}

// Invalidate drops every built schema.
func (r *Repository) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*OffsetSchema)
}

func (r *Repository) build(key string) (*OffsetSchema, error) {
	if s, ok := r.cache[key]; ok {
		return s, nil
	}
	s, err := r.doc.Build(key)
	if err != nil {
		return nil, err
	}
	r.cache[key] = s
	return s, nil
}

func versionTokens(key string) []string {
	var out []string
	for _, tok := range strings.Split(key, ",") {
		if tok = strings.ToUpper(strings.TrimSpace(tok)); tok != "" && !containsToken(out, tok) {
			out = append(out, tok)
		}
	}
	return out
}

func containsToken(tokens []string, tok string) bool {
	for _, t := range tokens {
		if t == tok {
			return true
		}
	}
	return false
}

var fragmentSplit = regexp.MustCompile(`[^A-Z0-9]+`)

func fragments(tok string) []string {
	var out []string
	for _, f := range fragmentSplit.Split(tok, -1) {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// selectVersion returns the best key for candidates, or "" when nothing
// overlaps. keys must be sorted so ties resolve deterministically.
func selectVersion(keys []string, candidates []string) string {
	var want []string
	for _, c := range candidates {
		want = append(want, versionTokens(c)...)
	}
	if len(want) == 0 {
		return ""
	}

	best, bestLen := "", 0
	for _, k := range keys {
		for _, tok := range versionTokens(k) {
			if containsToken(want, tok) && len(tok) > bestLen {
				best, bestLen = k, len(tok)
			}
		}
	}
	if best != "" {
		return best
	}

	wantFrags := make(map[string]bool)
	for _, w := range want {
		for _, f := range fragments(w) {
			wantFrags[f] = true
		}
	}
	type scored struct {
		key   string
		score int
	}
	var ranked []scored
	for _, k := range keys {
		score := 0
		seen := make(map[string]bool)
		for _, tok := range versionTokens(k) {
			for _, f := range fragments(tok) {
				if wantFrags[f] && !seen[f] {
					seen[f] = true
					score++
				}
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{k, score})
		}
	}
	if len(ranked) == 0 {
		return ""
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked[0].key
}
