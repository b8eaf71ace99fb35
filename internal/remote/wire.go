// Package remote implements the HTTP network adapter the sync engine
// talks to the backend through, plus the request factory that shapes
// offline mutations into replayable pending operations.
package remote

import (
	"time"

	"github.com/hyperengineering/syncstore/internal/types"
)

// Wire-format keys for the ACL and metadata sub-documents.
const (
	aclCreatorKey  = "creator"
	aclGloballyR   = "gr"
	aclGloballyW   = "gw"
	serverTimeHdr  = "X-Server-Time"
	contentTypeKey = "Content-Type"
	jsonMediaType  = "application/json"
)

// EncodeEntity renders an entity as its wire document: fields at the top
// level plus _id, _acl and _kmd sub-documents.
func EncodeEntity(e *types.Entity) map[string]any {
	doc := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		if gp, ok := v.(*types.GeoPoint); ok {
			doc[k] = map[string]any{"latitude": gp.Latitude, "longitude": gp.Longitude}
			continue
		}
		if t, ok := v.(time.Time); ok {
			doc[k] = t.UTC().Format(time.RFC3339Nano)
			continue
		}
		doc[k] = v
	}
	if e.ID != "" {
		doc[types.EntityIDKey] = e.ID
	}
	if e.ACL != nil {
		doc[types.ACLKey] = map[string]any{
			aclCreatorKey: e.ACL.Creator,
			aclGloballyR:  e.ACL.GloballyR,
			aclGloballyW:  e.ACL.GloballyW,
		}
	}
	if e.Metadata != nil {
		kmd := map[string]any{}
		if !e.Metadata.Lmt.IsZero() {
			kmd[types.LmtKey] = e.Metadata.Lmt.UTC().Format(time.RFC3339Nano)
		}
		if !e.Metadata.Ect.IsZero() {
			kmd[types.EctKey] = e.Metadata.Ect.UTC().Format(time.RFC3339Nano)
		}
		if e.Metadata.AuthToken != "" {
			kmd[types.AuthTokenKey] = e.Metadata.AuthToken
		}
		doc[types.MetadataKey] = kmd
	}
	return doc
}

// DecodeEntity parses a wire document into an entity. Unknown keys stay
// in Fields; field typing is resolved against the schema at save time.
func DecodeEntity(doc map[string]any) *types.Entity {
	e := &types.Entity{Fields: make(map[string]any, len(doc))}
	for k, v := range doc {
		switch k {
		case types.EntityIDKey:
			e.ID, _ = v.(string)
		case types.ACLKey:
			if m, ok := v.(map[string]any); ok {
				acl := &types.ACL{}
				acl.Creator, _ = m[aclCreatorKey].(string)
				acl.GloballyR, _ = m[aclGloballyR].(bool)
				acl.GloballyW, _ = m[aclGloballyW].(bool)
				e.ACL = acl
			}
		case types.MetadataKey:
			if m, ok := v.(map[string]any); ok {
				md := &types.Metadata{}
				if raw, ok := m[types.LmtKey].(string); ok {
					if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
						md.Lmt = t
					}
				}
				if raw, ok := m[types.EctKey].(string); ok {
					if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
						md.Ect = t
					}
				}
				md.AuthToken, _ = m[types.AuthTokenKey].(string)
				e.Metadata = md
			}
		default:
			e.Fields[k] = v
		}
	}
	return e
}
