package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arkilian/rowcache/internal/events"
	"github.com/arkilian/rowcache/internal/freshness"
	"github.com/arkilian/rowcache/internal/notify"
	"github.com/arkilian/rowcache/internal/observability"
	"github.com/arkilian/rowcache/internal/provision"
	"github.com/arkilian/rowcache/internal/remote"
	"github.com/arkilian/rowcache/pkg/types"
)

const testPrefix = "rowcache"

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m := NewManager(provision.NewRegistry(), Options{
		Dir:    dir,
		Prefix: testPrefix,
		Stats:  observability.NewCacheStats(time.Hour),
	})
	t.Cleanup(func() { m.Close() })
	return m
}

func fooRows(n int) []types.Row {
	rows := make([]types.Row, n)
	for i := range rows {
		rows[i] = types.NewRow("id", i+1, "foo", fmt.Sprintf("bar-%d", i+1), "bob", "lob")
	}
	return rows
}

func staticEntity(ref time.Time, rows []types.Row) *types.Entity {
	e := types.NewEntity("Foo", types.StaticRows)
	e.Rows = rows
	e.ReferenceTime = ref
	return e
}

func columnTypes(t *testing.T, db *sql.DB, table string) map[string]string {
	t.Helper()
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var (
			cid      int
			name, ty string
			notNull  int
			dflt     sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &ty, &notNull, &dflt, &pk); err != nil {
			t.Fatal(err)
		}
		out[name] = ty
	}
	return out
}

func TestManager_StaticRowsCachedAndReused(t *testing.T) {
	dir := t.TempDir()
	ref := time.Now().Add(-time.Hour).Truncate(time.Second)
	ctx := context.Background()

	first := newTestManager(t, dir)
	e := staticEntity(ref, fooRows(150))
	n, err := first.Count(ctx, e)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 150 {
		t.Errorf("expected 150 rows, got %d", n)
	}

	boot, _ := first.Boot("Foo")
	if boot.Action != freshness.ActionRebuild || !boot.Materialized || boot.Rows != 150 {
		t.Errorf("unexpected first boot: %+v", boot)
	}

	path := freshness.CachePath(dir, testPrefix, e)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("cache file missing: %v", err)
	}
	if !info.ModTime().Equal(ref) {
		t.Errorf("expected mtime %v, got %v", ref, info.ModTime())
	}

	// A second process reuses the file without materializing.
	second := newTestManager(t, dir)
	n, err = second.Count(ctx, staticEntity(ref, fooRows(150)))
	if err != nil || n != 150 {
		t.Fatalf("reuse: got %d rows, err %v", n, err)
	}
	boot, _ = second.Boot("Foo")
	if boot.Action != freshness.ActionReuse || boot.Materialized {
		t.Errorf("expected reuse without materialization, got %+v", boot)
	}

	// Re-access in the same process does not boot again.
	if _, err := second.Count(ctx, e); err != nil {
		t.Fatal(err)
	}
	if s, _ := second.opts.Stats.Get("Foo"); s.Boots != 1 || s.Queries != 2 {
		t.Errorf("expected one boot and two queries, got %+v", s)
	}
}

func TestManager_AdvancedReferenceRematerializes(t *testing.T) {
	dir := t.TempDir()
	ref := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	ctx := context.Background()

	first := newTestManager(t, dir)
	if _, err := first.Count(ctx, staticEntity(ref, fooRows(2))); err != nil {
		t.Fatal(err)
	}

	newer := ref.Add(time.Hour)
	second := newTestManager(t, dir)
	e := staticEntity(newer, fooRows(3))
	n, err := second.Count(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected rebuilt table with 3 rows, got %d", n)
	}
	if boot, _ := second.Boot("Foo"); boot.Action != freshness.ActionRebuild || !boot.Materialized {
		t.Errorf("expected rebuild, got %+v", boot)
	}

	info, err := os.Stat(freshness.CachePath(dir, testPrefix, e))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(newer) {
		t.Errorf("expected mtime reset to %v, got %v", newer, info.ModTime())
	}
}

func TestManager_ReferenceFileMtime(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(t.TempDir(), "foo.yaml")
	if err := os.WriteFile(def, []byte("name: Foo\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ref := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(def, ref, ref); err != nil {
		t.Fatal(err)
	}

	e := types.NewEntity("Foo", types.StaticRows)
	e.Rows = fooRows(1)
	e.ReferencePath = def

	m := newTestManager(t, dir)
	if _, err := m.Count(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(freshness.CachePath(dir, testPrefix, e))
	if !info.ModTime().Equal(ref) {
		t.Errorf("cache mtime should follow the definition file, got %v want %v", info.ModTime(), ref)
	}
}

func TestManager_ComputedRowsFreshEachBoot(t *testing.T) {
	calls := 0
	e := types.NewEntity("Bar", types.ComputedRows)
	e.Compute = func(ctx context.Context) ([]types.Row, error) {
		calls++
		return fooRows(calls + 1), nil
	}

	dir := t.TempDir()
	m := newTestManager(t, dir)
	ctx := context.Background()

	n, err := m.Count(ctx, e)
	if err != nil || n != 2 {
		t.Fatalf("first boot: got %d rows, err %v", n, err)
	}
	if err := m.Reset(); err != nil {
		t.Fatal(err)
	}
	n, err = m.Count(ctx, e)
	if err != nil || n != 3 {
		t.Fatalf("second boot: got %d rows, err %v", n, err)
	}

	if cfg, _ := m.Registry().Config("Bar"); cfg.Database != provision.Transient {
		t.Errorf("computed rows should not be cached, got %s", cfg.Database)
	}
	if _, err := os.Stat(freshness.CachePath(dir, testPrefix, e)); !os.IsNotExist(err) {
		t.Error("no cache file should be written for computed rows")
	}
}

func TestManager_ComputedRowsOptIn(t *testing.T) {
	e := types.NewEntity("Bar", types.ComputedRows)
	e.CacheComputed = true
	e.Compute = func(ctx context.Context) ([]types.Row, error) { return fooRows(4), nil }

	dir := t.TempDir()
	m := newTestManager(t, dir)
	if _, err := m.Count(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if cfg, _ := m.Registry().Config("Bar"); cfg.Database != freshness.CachePath(dir, testPrefix, e) {
		t.Errorf("opted-in computed rows should be cached, got %s", cfg.Database)
	}
}

func TestManager_MissingDirFallsBackToTransient(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	m := newTestManager(t, dir)
	e := staticEntity(time.Now(), fooRows(5))

	n, err := m.Count(context.Background(), e)
	if err != nil || n != 5 {
		t.Fatalf("got %d rows, err %v", n, err)
	}
	cfg, ok := m.Registry().Config("Foo")
	if !ok || cfg.Database != provision.Transient {
		t.Errorf("expected transient store, got %+v", cfg)
	}
	if _, err := os.Stat(freshness.CachePath(dir, testPrefix, e)); !os.IsNotExist(err) {
		t.Error("no cache file should be created")
	}
	if boot, _ := m.Boot("Foo"); boot.Action != freshness.ActionTransient {
		t.Errorf("expected transient action, got %s", boot.Action)
	}
}

func TestManager_ConcurrentFirstAccess(t *testing.T) {
	dir := t.TempDir()
	ref := time.Now().Add(-time.Hour).Truncate(time.Second)
	rows := fooRows(230)

	const processes = 3
	managers := make([]*Manager, processes)
	for i := range managers {
		managers[i] = newTestManager(t, dir)
	}

	var wg sync.WaitGroup
	errs := make([]error, processes)
	counts := make([]int64, processes)
	for i, m := range managers {
		wg.Add(1)
		go func(i int, m *Manager) {
			defer wg.Done()
			counts[i], errs[i] = m.Count(context.Background(), staticEntity(ref, rows))
		}(i, m)
	}
	wg.Wait()

	for i := range managers {
		if errs[i] != nil {
			t.Fatalf("process %d failed: %v", i, errs[i])
		}
		if counts[i] != int64(len(rows)) {
			t.Errorf("process %d saw %d rows, want %d", i, counts[i], len(rows))
		}
	}
}

func TestManager_InferredAndOverriddenTypes(t *testing.T) {
	e := types.NewEntity("Mixed", types.StaticRows)
	e.Rows = []types.Row{types.NewRow(
		"integer", 123,
		"float", 123.456,
		"datetime", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		"string", "bar",
		"null", nil,
		"price", 9.99,
	)}
	e.Schema = types.SchemaOverride{{Name: "price", Type: types.TypeString}}

	m := newTestManager(t, t.TempDir())
	db, err := m.DB(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}

	got := columnTypes(t, db, "mixed")
	want := map[string]string{
		"id":       "integer",
		"integer":  "integer",
		"float":    "float",
		"datetime": "datetime",
		"string":   "varchar",
		"null":     "varchar",
		"price":    "varchar",
	}
	for col, ty := range want {
		if got[col] != ty {
			t.Errorf("column %s: got type %q, want %q", col, got[col], ty)
		}
	}
}

func TestManager_AfterMigrateHook(t *testing.T) {
	e := staticEntity(time.Now(), fooRows(2))
	e.AfterMigrate = func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `ALTER TABLE foo ADD COLUMN region varchar DEFAULT 'eu'`)
		return err
	}

	m := newTestManager(t, t.TempDir())
	rows, err := m.Rows(context.Background(), e, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if v, _ := rows[0].Get("region"); v != "eu" {
		t.Errorf("expected hook column, got %v", rows[0].Map())
	}
}

func TestManager_CustomKeysPreserved(t *testing.T) {
	e := types.NewEntity("Thing", types.StaticRows)
	e.Rows = []types.Row{types.NewRow("id", 5, "name", "five"), types.NewRow("id", 6, "name", "six")}

	m := newTestManager(t, t.TempDir())
	rows, err := m.Rows(context.Background(), e, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for i, want := range []int64{5, 6} {
		if v, _ := rows[i].Get("id"); v != want {
			t.Errorf("row %d: expected id %d, got %v", i, want, v)
		}
	}
}

func TestManager_StringPrimaryKey(t *testing.T) {
	e := types.NewEntity("Country", types.StaticRows)
	e.PrimaryKey = "code"
	e.Incrementing = false
	e.Rows = []types.Row{types.NewRow("code", "PT", "name", "Portugal"), types.NewRow("code", "ES", "name", "Spain")}

	m := newTestManager(t, t.TempDir())
	row, ok, err := m.Find(context.Background(), e, "ES")
	if err != nil || !ok {
		t.Fatalf("Find failed: ok=%v err=%v", ok, err)
	}
	if v, _ := row.Get("name"); v != "Spain" {
		t.Errorf("unexpected row %v", row.Map())
	}
	if _, ok, _ := m.Find(context.Background(), e, "FR"); ok {
		t.Error("FR should not be found")
	}
}

func TestManager_RepeatedAndMissingStringKeys(t *testing.T) {
	for _, incrementing := range []bool{true, false} {
		e := types.NewEntity(fmt.Sprintf("Tag%v", incrementing), types.StaticRows)
		e.Incrementing = incrementing
		e.Rows = []types.Row{
			types.NewRow("id", "a", "v", 1),
			types.NewRow("id", "a", "v", 2),
			types.NewRow("v", 3),
		}

		m := newTestManager(t, t.TempDir())
		n, err := m.Count(context.Background(), e)
		if err != nil {
			t.Fatalf("incrementing=%v: %v", incrementing, err)
		}
		if n != 3 {
			t.Errorf("incrementing=%v: expected 3 rows, got %d", incrementing, n)
		}
	}
}

func TestManager_LockedCacheFileFallsBackToTransient(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the busy timeout")
	}
	ctx := context.Background()
	dir := t.TempDir()
	e := staticEntity(time.Now().Add(-time.Hour), fooRows(3))
	path := freshness.CachePath(dir, testPrefix, e)
	if err := freshness.CreateArtifact(path); err != nil {
		t.Fatal(err)
	}

	// Another process is mid-materialization and holds the write lock.
	other, err := sql.Open(provision.Driver, path)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	conn, err := other.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		t.Fatal(err)
	}
	defer conn.ExecContext(ctx, "ROLLBACK")

	m := newTestManager(t, dir)
	n, err := m.Count(ctx, e)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 rows, got %d", n)
	}
	if info, _ := m.Boot("Foo"); info.Action != freshness.ActionTransient {
		t.Errorf("expected transient fallback, got %s", info.Action)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("the other writer's cache file must survive: %v", err)
	}
}

func TestManager_FailedMaterializationKeepsForeignArtifact(t *testing.T) {
	dir := t.TempDir()
	e := staticEntity(time.Now().Add(-time.Hour), []types.Row{types.NewRow("bad name", 1)})
	path := freshness.CachePath(dir, testPrefix, e)
	// Fresh but empty: reused, and owned by whoever created it.
	if err := freshness.CreateArtifact(path); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, dir)
	if _, err := m.Count(context.Background(), e); err == nil {
		t.Fatal("expected materialization error")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("a file this boot did not create should be kept: %v", err)
	}
}

func TestManager_BlankEntity(t *testing.T) {
	e := types.NewEntity("Blank", types.SchemaOnly)
	e.Schema = types.SchemaOverride{{Name: "label", Type: types.TypeString}}

	m := newTestManager(t, t.TempDir())
	n, err := m.Count(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected empty table, got %d rows", n)
	}
	if cfg, _ := m.Registry().Config("Blank"); !cfg.IsTransient() {
		t.Errorf("schema-only entities use the transient store, got %s", cfg.Database)
	}
}

func TestManager_FailedMaterializationLeavesNoArtifact(t *testing.T) {
	dir := t.TempDir()
	e := staticEntity(time.Now().Add(-time.Hour), []types.Row{types.NewRow("bad name", 1)})

	m := newTestManager(t, dir)
	if _, err := m.Count(context.Background(), e); err == nil {
		t.Fatal("expected materialization error")
	}
	if _, err := os.Stat(freshness.CachePath(dir, testPrefix, e)); !os.IsNotExist(err) {
		t.Error("failed materialization should remove the cache file")
	}
	if _, ok := m.Registry().Lookup("Foo"); ok {
		t.Error("failed boot should not leave a binding")
	}
}

func TestManager_RegisterRejectsDuplicates(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	if err := m.Register(types.NewEntity("Foo", types.StaticRows)); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(types.NewEntity("Foo", types.StaticRows)); err == nil {
		t.Error("expected duplicate registration error")
	}
	if err := m.Register(types.NewEntity("", types.StaticRows)); err == nil {
		t.Error("expected error for unnamed entity")
	}
	if got := m.Entities(); len(got) != 1 || got[0].Name != "Foo" {
		t.Errorf("unexpected entities: %v", got)
	}
}

func TestManager_WritesPublishEvents(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	e := staticEntity(time.Now(), fooRows(1))
	e.Timestamps = true
	ctx := context.Background()

	var seen []events.Type
	for _, typ := range []events.Type{events.Saving, events.Creating, events.Updating, events.Deleting} {
		m.Bus().Subscribe(typ, func(ctx context.Context, ev events.Event) error {
			seen = append(seen, ev.Type)
			return nil
		})
	}

	key, err := m.Create(ctx, e, types.NewRow("foo", "new", "bob", "x"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if key != int64(2) {
		t.Errorf("expected generated key 2, got %v", key)
	}

	row, ok, err := m.Find(ctx, e, key)
	if err != nil || !ok {
		t.Fatalf("Find failed: %v", err)
	}
	if v, _ := row.Get("created_at"); v == nil {
		t.Error("created_at should be set")
	}

	changed, err := m.Update(ctx, e, key, types.NewRow("foo", "changed"))
	if err != nil || !changed {
		t.Fatalf("Update failed: changed=%v err=%v", changed, err)
	}
	row, _, _ = m.Find(ctx, e, key)
	if v, _ := row.Get("foo"); v != "changed" {
		t.Errorf("update not applied: %v", row.Map())
	}

	deleted, err := m.Delete(ctx, e, key)
	if err != nil || !deleted {
		t.Fatalf("Delete failed: deleted=%v err=%v", deleted, err)
	}
	if n, _ := m.Count(ctx, e); n != 1 {
		t.Errorf("expected 1 row after delete, got %d", n)
	}

	want := []events.Type{events.Saving, events.Creating, events.Saving, events.Updating, events.Deleting}
	if len(seen) != len(want) {
		t.Fatalf("expected events %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestManager_FailingHandlerAbortsWrite(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	e := staticEntity(time.Now(), fooRows(1))
	m.Bus().Subscribe(events.Creating, func(ctx context.Context, ev events.Event) error {
		return errors.New("rejected")
	})

	if _, err := m.Create(context.Background(), e, types.NewRow("foo", "x")); err == nil {
		t.Fatal("expected handler error")
	}
	if n, _ := m.Count(context.Background(), e); n != 1 {
		t.Errorf("aborted create should not insert, got %d rows", n)
	}
}

func TestManager_RemoteBackedEntity(t *testing.T) {
	var (
		mu    sync.Mutex
		posts int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"data": [{"id": 1, "code": "PT"}, {"id": 2, "code": "ES"}]}`))
		case http.MethodPost:
			mu.Lock()
			posts++
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	client := remote.NewClient(remote.Config{BaseURL: srv.URL})
	m := NewManager(provision.NewRegistry(), Options{Dir: t.TempDir(), Prefix: testPrefix, Client: client})
	defer m.Close()
	remote.NewWriteThrough(client, false).Register(m.Bus())

	e := types.NewEntity("Country", types.RemoteBacked)
	e.BaseURI = "api/countries"
	ctx := context.Background()

	n, err := m.Count(ctx, e)
	if err != nil || n != 2 {
		t.Fatalf("got %d rows, err %v", n, err)
	}
	if _, err := m.Create(ctx, e, types.NewRow("code", "FR")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if posts != 1 {
		t.Errorf("expected one POST, got %d", posts)
	}
}

func TestManager_PublishesBootNotifications(t *testing.T) {
	m := newTestManager(t, filepath.Join(t.TempDir(), "missing"))
	sub := m.Notifier().Subscribe()
	defer m.Notifier().Unsubscribe(sub.ID)

	e := staticEntity(time.Now().Add(-time.Hour), fooRows(2))
	if _, err := m.Count(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if err := m.Reset(); err != nil {
		t.Fatal(err)
	}

	var got []notify.Notification
	for len(got) < 2 {
		select {
		case n := <-sub.Ch:
			got = append(got, n)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 notifications, got %+v", got)
		}
	}
	if got[0].Kind != notify.Booted || got[0].Entity != "Foo" || got[0].Action != "transient" {
		t.Errorf("unexpected boot notification %+v", got[0])
	}
	if got[1].Kind != notify.Reset {
		t.Errorf("expected reset notification, got %+v", got[1])
	}
}
