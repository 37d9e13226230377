package engine

import (
	"context"

	"rostermem/internal/codec"
	"rostermem/internal/common"
	"rostermem/internal/schema"
)

// Related is the target record of a relation lookup.
type Related struct {
	Entity string
	Index  int
	Fields map[string]codec.Value
}

// GetRelatedFields follows relation from record index of its source entity.
// slot picks which id field to follow. With no field names the target
// category's fields are returned, or every field of the target entity when
// the relation names no category.
func (s *Session) GetRelatedFields(ctx context.Context, relation string, index, slot int, fields []string) (Related, error) {
	rel, err := s.schema.Relation(relation)
	if err != nil {
		return Related{}, err
	}
	if rel.Kind != schema.RelationSeasonOnly {
		return Related{}, common.Errorf(common.ErrInvalidParam, "relation %s: unsupported kind %d", relation, rel.Kind)
	}
	if slot < 0 || slot >= len(rel.IDFields) {
		return Related{}, common.Errorf(common.ErrIndexOutOfRange, "relation %s slot %d outside 0..%d", relation, slot, len(rel.IDFields)-1)
	}

	id, err := s.GetRawField(ctx, rel.SourceEntity, index, rel.IDFields[slot])
	if err != nil {
		return Related{}, err
	}
	target, err := s.targetIndex(ctx, rel, id)
	if err != nil {
		return Related{}, err
	}

	if len(fields) == 0 && rel.TargetCategory != "" {
		for _, d := range s.schema.Fields(rel.TargetCategory) {
			fields = append(fields, d.Name)
		}
	}
	vals, err := s.GetFields(ctx, rel.TargetEntity, target, fields)
	if err != nil {
		return Related{}, err
	}
	return Related{Entity: rel.TargetEntity, Index: target, Fields: vals}, nil
}

// targetIndex reads a record index out of an id field. Pointer id fields
// are mapped back to the index of the record they point to.
func (s *Session) targetIndex(ctx context.Context, rel *schema.Relation, id codec.Value) (int, error) {
	switch v := id.(type) {
	case codec.IntValue:
		return int(v), nil
	case codec.UintValue:
		return int(v), nil
	case codec.HexValue:
		return int(v.Raw), nil
	case codec.EnumValue:
		return v.Index, nil
	case codec.PointerValue:
		if idx, ok := s.names.IndexOf(ctx, rel.TargetEntity, v.Raw); ok {
			return idx, nil
		}
		return 0, common.Errorf(common.ErrIndexOutOfRange, "relation %s: 0x%X is not a %s record", rel.Name, v.Raw, rel.TargetEntity)
	}
	return 0, common.Errorf(common.ErrInvalidParam, "relation %s: id field holds %T", rel.Name, id)
}
