package schema

import (
	"sort"

	"rostermem/internal/common"
)

// OffsetSchema is the validated layout of one build. It is immutable once
// built; descriptors handed out must not be modified.
type OffsetSchema struct {
	version    string
	info       GameInfo
	categories []string
	catFields  map[string][]*FieldDescriptor
	catEntity  map[string]string
	fields     map[string]map[string]*FieldDescriptor // entity -> name
	bases      map[string]*BasePointerSpec
	relations  map[string]*Relation
	dropdowns  map[string][]string
}

// Version returns the document key this schema was built from.
func (s *OffsetSchema) Version() string { return s.version }

func (s *OffsetSchema) Info() GameInfo { return s.info }

// Categories returns the category names in document order.
func (s *OffsetSchema) Categories() []string {
	return append([]string(nil), s.categories...)
}

// Fields returns the fields of a category in document order.
func (s *OffsetSchema) Fields(category string) []*FieldDescriptor {
	return append([]*FieldDescriptor(nil), s.catFields[category]...)
}

// CategoryEntity returns the entity type a category belongs to.
func (s *OffsetSchema) CategoryEntity(category string) (string, bool) {
	e, ok := s.catEntity[category]
	return e, ok
}

// EntityTypes returns the declared entity types, sorted.
func (s *OffsetSchema) EntityTypes() []string {
	names := make([]string, 0, len(s.bases))
	for name := range s.bases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EntityFields returns every field of an entity ordered by category then
// document position.
func (s *OffsetSchema) EntityFields(entity string) []*FieldDescriptor {
	var out []*FieldDescriptor
	for _, cat := range s.categories {
		if s.catEntity[cat] == entity {
			out = append(out, s.catFields[cat]...)
		}
	}
	return out
}

// BasePointer returns the base pointer declaration of an entity. Names are
// matched exactly.
func (s *OffsetSchema) BasePointer(entity string) (*BasePointerSpec, error) {
	bp, ok := s.bases[entity]
	if !ok {
		return nil, common.Errorf(common.ErrUnknownEntity, "entity %q is not declared in schema %s", entity, s.version)
	}
	return bp, nil
}

// Field looks up a field of an entity by exact name.
func (s *OffsetSchema) Field(entity, name string) (*FieldDescriptor, error) {
	byName, ok := s.fields[entity]
	if !ok {
		if _, declared := s.bases[entity]; !declared {
			return nil, common.Errorf(common.ErrUnknownEntity, "entity %q is not declared in schema %s", entity, s.version)
		}
	}
	d, ok := byName[name]
	if !ok {
		return nil, common.Errorf(common.ErrUnknownField, "%s has no field %q", entity, name)
	}
	return d, nil
}

// Relation returns a named relation.
func (s *OffsetSchema) Relation(name string) (*Relation, error) {
	r, ok := s.relations[name]
	if !ok {
		return nil, common.Errorf(common.ErrInvalidParam, "unknown relation %q", name)
	}
	return r, nil
}

// Relations returns relation names, sorted.
func (s *OffsetSchema) Relations() []string {
	names := make([]string, 0, len(s.relations))
	for name := range s.relations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dropdown returns a named label table.
func (s *OffsetSchema) Dropdown(name string) ([]string, bool) {
	v, ok := s.dropdowns[name]
	return v, ok
}
