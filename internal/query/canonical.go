package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Canonical returns a deterministic serialization of the predicate. Two
// queries with the same meaning and structure serialize identically, so
// the sync query cache can key last-sync timestamps by it.
func Canonical(p Predicate) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	writeCanonical(&b, p)
	return b.String()
}

func writeCanonical(b *strings.Builder, p Predicate) {
	switch v := p.(type) {
	case Cmp:
		fmt.Fprintf(b, "(%s %s %s)", v.Field, v.Op, canonicalValue(v.Value))
	case And:
		b.WriteString("(and")
		for _, sub := range v.Preds {
			b.WriteByte(' ')
			writeCanonical(b, sub)
		}
		b.WriteByte(')')
	case Or:
		b.WriteString("(or")
		for _, sub := range v.Preds {
			b.WriteByte(' ')
			writeCanonical(b, sub)
		}
		b.WriteByte(')')
	case Not:
		b.WriteString("(not ")
		writeCanonical(b, v.Pred)
		b.WriteByte(')')
	case Contains:
		fmt.Fprintf(b, "(contains %s %s)", v.Field, canonicalValue(v.Value))
	case Subquery:
		fmt.Fprintf(b, "(any %s ", v.Field)
		writeCanonical(b, v.Pred)
		b.WriteByte(')')
	case WithinCircle:
		fmt.Fprintf(b, "(circle %s %g %g %g)", v.Field, v.Center.Latitude, v.Center.Longitude, v.Radius)
	case WithinPolygon:
		fmt.Fprintf(b, "(polygon %s", v.Field)
		for _, pt := range v.Points {
			fmt.Fprintf(b, " %g %g", pt.Latitude, pt.Longitude)
		}
		b.WriteByte(')')
	default:
		fmt.Fprintf(b, "(unknown %T)", p)
	}
}

func canonicalValue(v any) string {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// FieldsCanonical returns the canonical form of a field projection:
// sorted and comma-joined, empty string for no projection.
func FieldsCanonical(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// Key derives the sync-query-cache key for a (collection, query) pair:
// a hash of collection name, canonical predicate and canonical projection.
func Key(collection string, q *Query) string {
	var pred, fields string
	if q != nil {
		pred = Canonical(q.Predicate)
		fields = FieldsCanonical(q.Fields)
	}
	sum := sha256.Sum256([]byte(collection + "|" + pred + "|" + fields))
	return hex.EncodeToString(sum[:])
}
