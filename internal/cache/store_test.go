package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/syncstore/internal/query"
	"github.com/hyperengineering/syncstore/internal/types"
)

var addressSchema = &types.Schema{
	Name:           "Address",
	CollectionName: "addresses",
	Fields: []types.Field{
		{Name: "city", Type: types.FieldString},
		{Name: "zip", Type: types.FieldString},
	},
}

var personSchema = &types.Schema{
	Name:           "Person",
	CollectionName: "persons",
	Fields: []types.Field{
		{Name: "name", Type: types.FieldString},
		{Name: "age", Type: types.FieldInt},
		{Name: "score", Type: types.FieldDouble},
		{Name: "active", Type: types.FieldBool},
		{Name: "born", Type: types.FieldTime},
		{Name: "tags", Type: types.FieldString, IsArray: true},
		{Name: "address", Type: types.FieldObject, ObjectType: "Address"},
		{Name: "friends", Type: types.FieldObject, ObjectType: "Person", IsArray: true},
		{Name: "location", Type: types.FieldGeoPoint},
	},
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, schema := range []*types.Schema{addressSchema, personSchema} {
		if err := s.RegisterSchema(ctx, schema); err != nil {
			t.Fatalf("register %s: %v", schema.Name, err)
		}
	}
	return s
}

func personCollection(t *testing.T, s *Store) *Collection {
	t.Helper()
	c, err := s.Collection("Person")
	if err != nil {
		t.Fatalf("collection: %v", err)
	}
	return c
}

func person(id, name string, age int) *types.Entity {
	return &types.Entity{
		ID: id,
		Fields: map[string]any{
			"name": name,
			"age":  age,
		},
	}
}

func TestSaveAndFindByID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	born := time.Date(1988, 4, 2, 10, 30, 0, 0, time.UTC)
	e := &types.Entity{
		ID: "p1",
		ACL: &types.ACL{Creator: "user-1", GloballyR: true},
		Metadata: &types.Metadata{
			Lmt:       time.Now().UTC(),
			Ect:       time.Now().UTC().Add(-time.Hour),
			AuthToken: "tok",
		},
		Fields: map[string]any{
			"name":     "Victor",
			"age":      30,
			"score":    2.5,
			"active":   true,
			"born":     born,
			"tags":     []any{"vip", "beta"},
			"location": &types.GeoPoint{Latitude: 42.36, Longitude: -71.06},
		},
	}
	if err := c.Save(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := c.FindByID(ctx, "p1")
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if got.Get("name") != "Victor" {
		t.Errorf("name = %v, want Victor", got.Get("name"))
	}
	if got.Get("age") != int64(30) {
		t.Errorf("age = %v (%T), want int64(30)", got.Get("age"), got.Get("age"))
	}
	if got.Get("score") != 2.5 {
		t.Errorf("score = %v, want 2.5", got.Get("score"))
	}
	if got.Get("active") != true {
		t.Errorf("active = %v, want true", got.Get("active"))
	}
	if bt, ok := got.Get("born").(time.Time); !ok || !bt.Equal(born) {
		t.Errorf("born = %v, want %v", got.Get("born"), born)
	}
	tags, ok := got.Get("tags").([]any)
	if !ok || len(tags) != 2 || tags[0] != "vip" || tags[1] != "beta" {
		t.Errorf("tags = %v, want [vip beta]", got.Get("tags"))
	}
	gp, ok := got.Get("location").(*types.GeoPoint)
	if !ok || gp.Latitude != 42.36 || gp.Longitude != -71.06 {
		t.Errorf("location = %v, want 42.36/-71.06", got.Get("location"))
	}
	if got.ACL == nil || got.ACL.Creator != "user-1" || !got.ACL.GloballyR {
		t.Errorf("acl = %+v, want creator user-1 globally readable", got.ACL)
	}
	if got.Metadata == nil || got.Metadata.AuthToken != "tok" {
		t.Errorf("metadata = %+v, want auth token", got.Metadata)
	}
}

func TestFindByIDMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	if _, err := c.FindByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveAssignsLocalID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	e := person("", "Anon", 20)
	if err := c.Save(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}
	if e.ID == "" {
		t.Fatal("expected a generated entity id")
	}
	if _, err := c.FindByID(ctx, e.ID); err != nil {
		t.Fatalf("find by generated id: %v", err)
	}
}

// Saving the same entity again must neither duplicate the row nor move
// it out of its original position in unsorted results.
func TestUpsertIsIdempotentAndOrderStable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	victor := person("p1", "Victor Barros", 29)
	hugo := person("p2", "Hugo", 30)
	if err := c.SaveAll(ctx, []*types.Entity{victor, hugo}, nil); err != nil {
		t.Fatalf("save all: %v", err)
	}

	victor.Set("age", 30)
	if err := c.Save(ctx, victor); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := c.Find(ctx, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "p1" || got[1].ID != "p2" {
		t.Fatalf("order = [%s %s], want [p1 p2]", got[0].ID, got[1].ID)
	}
	if got[0].Get("age") != int64(30) {
		t.Errorf("age = %v, want 30", got[0].Get("age"))
	}

	n, err := c.Count(ctx, nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestFindReturnsDetachedResults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	if err := c.Save(ctx, person("p1", "Victor", 30)); err != nil {
		t.Fatalf("save: %v", err)
	}
	first, err := c.FindByID(ctx, "p1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	update := person("p1", "Renamed", 31)
	if err := c.Save(ctx, update); err != nil {
		t.Fatalf("resave: %v", err)
	}
	if first.Get("name") != "Victor" {
		t.Errorf("earlier snapshot mutated: name = %v", first.Get("name"))
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	if err := c.Save(ctx, person("p1", "Victor", 30)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := c.Remove(ctx, "p1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := c.FindByID(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := c.Remove(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove err = %v, want ErrNotFound", err)
	}
}

func TestRemoveByQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	seed := []*types.Entity{
		person("p1", "Victor", 30),
		person("p2", "Hugo", 25),
		person("p3", "Ana", 41),
	}
	if err := c.SaveAll(ctx, seed, nil); err != nil {
		t.Fatalf("save all: %v", err)
	}

	n, err := c.RemoveByQuery(ctx, query.New(query.Cmp{Field: "age", Op: query.OpGe, Value: 30}))
	if err != nil {
		t.Fatalf("remove by query: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed = %d, want 2", n)
	}
	left, err := c.Find(ctx, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(left) != 1 || left[0].ID != "p2" {
		t.Fatalf("remaining = %v, want [p2]", left)
	}
}

func TestTTLFiltersStaleReads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	fresh := person("fresh", "Fresh", 20)
	fresh.Metadata = &types.Metadata{Lmt: time.Now().UTC()}
	stale := person("stale", "Stale", 21)
	stale.Metadata = &types.Metadata{Lmt: time.Now().UTC().Add(-2 * time.Hour)}
	bare := person("bare", "NoMeta", 22)
	if err := c.SaveAll(ctx, []*types.Entity{fresh, stale, bare}, nil); err != nil {
		t.Fatalf("save all: %v", err)
	}

	view := c.WithTTL(time.Hour)
	got, err := view.Find(ctx, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Fatalf("ttl results = %v, want [fresh]", ids(got))
	}
	if _, err := view.FindByID(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale read err = %v, want ErrNotFound", err)
	}
	n, err := view.Count(ctx, nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("ttl count = %d, want 1", n)
	}

	all, err := c.Find(ctx, nil)
	if err != nil {
		t.Fatalf("unfiltered find: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("unfiltered len = %d, want 3", len(all))
	}
}

func TestSkipLimitWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	for i, name := range []string{"a", "b", "c", "d", "e"} {
		if err := c.Save(ctx, person(name, name, 20+i)); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	q := &query.Query{Sort: []query.Sort{{Field: "age"}}, Skip: 1, Limit: 2}
	got, err := c.Find(ctx, q)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("window = %v, want [b c]", ids(got))
	}

	q = &query.Query{Skip: 10}
	got, err = c.Find(ctx, q)
	if err != nil {
		t.Fatalf("find past end: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("window past end = %v, want empty", ids(got))
	}
}

func TestFindIDsLmts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	lmt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	withMeta := person("p1", "Victor", 30)
	withMeta.Metadata = &types.Metadata{Lmt: lmt}
	plain := person("p2", "Hugo", 25)
	if err := c.SaveAll(ctx, []*types.Entity{withMeta, plain}, nil); err != nil {
		t.Fatalf("save all: %v", err)
	}

	got, err := c.FindIDsLmts(ctx, nil)
	if err != nil {
		t.Fatalf("find ids/lmts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got["p1"].Equal(lmt) {
		t.Errorf("p1 lmt = %v, want %v", got["p1"], lmt)
	}
	if !got["p2"].IsZero() {
		t.Errorf("p2 lmt = %v, want zero", got["p2"])
	}
}

func TestClearWipesCollectionAndBookkeeping(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	sq := &SyncQuery{Collection: c.Name(), LastSync: time.Now().UTC()}
	if err := c.SaveAll(ctx, []*types.Entity{person("p1", "Victor", 30)}, sq); err != nil {
		t.Fatalf("save all: %v", err)
	}
	if err := s.Enqueue(ctx, &PendingOperation{
		Collection: c.Name(),
		Method:     "POST",
		URL:        "https://example.test/appdata/persons",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, ok, err := c.LastSync(ctx, nil); err != nil || !ok {
		t.Fatalf("last sync before clear: ok=%v err=%v", ok, err)
	}

	if err := c.Clear(ctx, nil, true); err != nil {
		t.Fatalf("clear: %v", err)
	}

	n, err := c.Count(ctx, nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("count after clear = %d, want 0", n)
	}
	pn, err := s.PendingCount(ctx, c.Name())
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if pn != 0 {
		t.Errorf("pending after clear = %d, want 0", pn)
	}
	if _, ok, err := c.LastSync(ctx, nil); err != nil || ok {
		t.Fatalf("last sync after clear: ok=%v err=%v, want gone", ok, err)
	}
}

func TestScopedClearKeepsOtherRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	seed := []*types.Entity{person("p1", "Victor", 30), person("p2", "Hugo", 25)}
	if err := c.SaveAll(ctx, seed, nil); err != nil {
		t.Fatalf("save all: %v", err)
	}
	if err := s.Enqueue(ctx, &PendingOperation{Collection: c.Name(), Method: "POST", URL: "u"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	q := query.New(query.Cmp{Field: "age", Op: query.OpGe, Value: 30})
	if err := c.Clear(ctx, q, true); err != nil {
		t.Fatalf("scoped clear: %v", err)
	}

	left, err := c.Find(ctx, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(left) != 1 || left[0].ID != "p2" {
		t.Fatalf("remaining = %v, want [p2]", ids(left))
	}
	// Scoped clears leave the queue alone.
	pn, err := s.PendingCount(ctx, c.Name())
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if pn != 1 {
		t.Errorf("pending = %d, want 1", pn)
	}
}

func TestLastSyncRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	q := query.New(query.Cmp{Field: "age", Op: query.OpGe, Value: 21})
	if _, ok, err := c.LastSync(ctx, q); err != nil || ok {
		t.Fatalf("fresh last sync: ok=%v err=%v", ok, err)
	}

	ts := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	sq := &SyncQuery{Collection: c.Name(), Query: q, LastSync: ts}
	if err := c.SaveAll(ctx, nil, sq); err != nil {
		t.Fatalf("record sync: %v", err)
	}

	got, ok, err := c.LastSync(ctx, q)
	if err != nil || !ok {
		t.Fatalf("last sync: ok=%v err=%v", ok, err)
	}
	if !got.Equal(ts) {
		t.Errorf("last sync = %v, want %v", got, ts)
	}

	// Logically equal queries share the row.
	same := query.New(query.Cmp{Field: "age", Op: query.OpGe, Value: 21})
	if _, ok, _ := c.LastSync(ctx, same); !ok {
		t.Error("equivalent query should share the sync row")
	}

	if err := c.InvalidateLastSync(ctx, q); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.LastSync(ctx, q); ok {
		t.Error("sync row should be gone after invalidation")
	}
}

func TestApplyDelta(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	seed := []*types.Entity{person("p1", "Victor", 30), person("p2", "Hugo", 25)}
	if err := c.SaveAll(ctx, seed, nil); err != nil {
		t.Fatalf("save all: %v", err)
	}

	ts := time.Now().UTC()
	changed := []*types.Entity{person("p1", "Victor B", 31), person("p3", "Ana", 41)}
	sq := &SyncQuery{Collection: c.Name(), LastSync: ts}
	if err := c.ApplyDelta(ctx, changed, []string{"p2", "ghost"}, sq); err != nil {
		t.Fatalf("apply delta: %v", err)
	}

	got, err := c.Find(ctx, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (%v)", len(got), ids(got))
	}
	byID := map[string]*types.Entity{}
	for _, e := range got {
		byID[e.ID] = e
	}
	if byID["p1"] == nil || byID["p1"].Get("name") != "Victor B" {
		t.Errorf("p1 not updated: %v", byID["p1"])
	}
	if byID["p3"] == nil {
		t.Error("p3 missing")
	}
	if ls, ok, _ := c.LastSync(ctx, nil); !ok || !ls.Equal(ts) {
		t.Errorf("last sync = %v ok=%v, want %v", ls, ok, ts)
	}
}

func TestReplaceAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := personCollection(t, s)

	seed := []*types.Entity{person("p1", "Victor", 30), person("p2", "Hugo", 25)}
	if err := c.SaveAll(ctx, seed, nil); err != nil {
		t.Fatalf("save all: %v", err)
	}

	records := []*types.Entity{person("p1", "Victor", 30), person("p3", "Ana", 41)}
	sq := &SyncQuery{Collection: c.Name(), LastSync: time.Now().UTC()}
	if err := c.ReplaceAll(ctx, nil, records, sq); err != nil {
		t.Fatalf("replace all: %v", err)
	}

	got, err := c.Find(ctx, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (%v)", len(got), ids(got))
	}
	for _, e := range got {
		if e.ID == "p2" {
			t.Error("p2 should be gone after full replace")
		}
	}
}

func TestPendingQueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := &PendingOperation{
		Collection: "persons",
		ObjectID:   "p1",
		Method:     "PUT",
		URL:        "https://example.test/appdata/persons/p1",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`{"name":"Victor"}`),
		CreatedAt:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	second := &PendingOperation{
		Collection: "persons",
		Method:     "DELETE",
		URL:        "https://example.test/appdata/persons/p2",
		CreatedAt:  time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
	}
	other := &PendingOperation{
		Collection: "books",
		Method:     "POST",
		URL:        "https://example.test/appdata/books",
		CreatedAt:  time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC),
	}
	for _, op := range []*PendingOperation{second, first, other} {
		if err := s.Enqueue(ctx, op); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if op.RequestID == "" {
			t.Fatal("expected generated request id")
		}
	}

	ops, err := s.ListPending(ctx, "persons")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len = %d, want 2", len(ops))
	}
	if ops[0].RequestID != first.RequestID || ops[1].RequestID != second.RequestID {
		t.Fatalf("replay order = [%s %s], want creation order", ops[0].RequestID, ops[1].RequestID)
	}
	if ops[0].Headers["Content-Type"] != "application/json" {
		t.Errorf("headers = %v", ops[0].Headers)
	}
	if string(ops[0].Body) != `{"name":"Victor"}` {
		t.Errorf("body = %s", ops[0].Body)
	}

	all, err := s.ListPending(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all len = %d, want 3", len(all))
	}

	if err := s.Consume(ctx, first.RequestID); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := s.Consume(ctx, first.RequestID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double consume err = %v, want ErrNotFound", err)
	}
	n, err := s.PendingCount(ctx, "persons")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

// created_at is ordered as TEXT, so operations queued within the same
// second must still replay in creation order.
func TestPendingReplayOrderSubSecond(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	first := &PendingOperation{
		Collection: "persons",
		Method:     "PUT",
		URL:        "https://example.test/appdata/persons/p1",
		CreatedAt:  base.Add(100 * time.Millisecond),
	}
	second := &PendingOperation{
		Collection: "persons",
		Method:     "PUT",
		URL:        "https://example.test/appdata/persons/p2",
		CreatedAt:  base.Add(150 * time.Millisecond),
	}
	for _, op := range []*PendingOperation{second, first} {
		if err := s.Enqueue(ctx, op); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ops, err := s.ListPending(ctx, "persons")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len = %d, want 2", len(ops))
	}
	if ops[0].RequestID != first.RequestID || ops[1].RequestID != second.RequestID {
		t.Fatalf("replay order = [%s %s], want [%s %s]",
			ops[0].RequestID, ops[1].RequestID, first.RequestID, second.RequestID)
	}
	if !ops[0].CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created at = %v, want %v", ops[0].CreatedAt, first.CreatedAt)
	}
}

func TestCollectionUnknownSchema(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Collection("Nope"); !errors.Is(err, ErrUnknownSchema) {
		t.Fatalf("err = %v, want ErrUnknownSchema", err)
	}
}

func TestStoreClosedRejectsWork(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.RegisterSchema(ctx, personSchema); err != nil {
		t.Fatalf("register: %v", err)
	}
	c, err := s.Collection("Person")
	if err != nil {
		t.Fatalf("collection: %v", err)
	}
	s.Close()

	if err := c.Save(ctx, person("p1", "Victor", 30)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func ids(entities []*types.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}
