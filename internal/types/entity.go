package types

import "time"

// Reserved field keys used on the wire and in storage.
const (
	EntityIDKey  = "_id"
	ACLKey       = "_acl"
	MetadataKey  = "_kmd"
	LmtKey       = "lmt"
	EctKey       = "ect"
	AuthTokenKey = "authtoken"
)

// Metadata holds the server-managed bookkeeping attached to an entity.
// Lmt monotonically increases on every write that originates from the
// remote source of truth.
type Metadata struct {
	Lmt       time.Time `json:"lmt"`
	Ect       time.Time `json:"ect"`
	AuthToken string    `json:"authtoken,omitempty"`
}

// ACL describes the access-control descriptor of an entity.
type ACL struct {
	Creator     string `json:"creator"`
	GloballyR   bool   `json:"gr,omitempty"`
	GloballyW   bool   `json:"gw,omitempty"`
}

// Entity is a dynamic record of a registered schema. Fields holds the
// schema-declared values keyed by field name; nested objects are
// map[string]any values and arrays are []any slices. Entities returned
// by the cache are always detached snapshots.
type Entity struct {
	ID       string         `json:"_id"`
	ACL      *ACL           `json:"_acl,omitempty"`
	Metadata *Metadata      `json:"_kmd,omitempty"`
	Fields   map[string]any `json:"-"`
}

// Get returns the value of a schema field, or nil when absent.
func (e *Entity) Get(name string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[name]
}

// Set assigns a schema field value, allocating the field map on first use.
func (e *Entity) Set(name string, value any) {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[name] = value
}

// GeoPoint is a latitude/longitude pair stored for geo-typed fields.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
