package types

import "reflect"

// detach returns a deep copy of the entity, disconnected from any shared
// structure. Nested maps, slices and entities are copied once and
// re-linked via a visited set keyed by source identity, so a cyclic
// object graph (an entity referencing an entity referencing the first)
// copies in finite time instead of recursing forever.
func detach(e *Entity) *Entity {
	if e == nil {
		return nil
	}
	return copyEntity(e, make(map[uintptr]any))
}

func copyEntity(e *Entity, visited map[uintptr]any) *Entity {
	ptr := reflect.ValueOf(e).Pointer()
	if dup, ok := visited[ptr]; ok {
		return dup.(*Entity)
	}
	out := &Entity{ID: e.ID}
	visited[ptr] = out
	if e.ACL != nil {
		acl := *e.ACL
		out.ACL = &acl
	}
	if e.Metadata != nil {
		md := *e.Metadata
		out.Metadata = &md
	}
	if e.Fields != nil {
		out.Fields = copyMap(e.Fields, visited)
	}
	return out
}

func copyMap(m map[string]any, visited map[uintptr]any) map[string]any {
	ptr := reflect.ValueOf(m).Pointer()
	if dup, ok := visited[ptr]; ok {
		return dup.(map[string]any)
	}
	out := make(map[string]any, len(m))
	visited[ptr] = out
	for k, v := range m {
		out[k] = copyValue(v, visited)
	}
	return out
}

func copySlice(s []any, visited map[uintptr]any) []any {
	if s == nil {
		return nil
	}
	if cap(s) == 0 {
		return []any{}
	}
	ptr := reflect.ValueOf(s).Pointer()
	if dup, ok := visited[ptr]; ok {
		return dup.([]any)
	}
	out := make([]any, len(s))
	visited[ptr] = out
	for i, v := range s {
		out[i] = copyValue(v, visited)
	}
	return out
}

func copyValue(v any, visited map[uintptr]any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val, visited)
	case []any:
		return copySlice(val, visited)
	case *Entity:
		return copyEntity(val, visited)
	case *GeoPoint:
		gp := *val
		return &gp
	default:
		return v
	}
}
