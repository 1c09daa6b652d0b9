// Package cache boots entity tables on first access and serves reads and
// record writes against them.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	rcerrors "github.com/arkilian/rowcache/internal/errors"
	"github.com/arkilian/rowcache/internal/events"
	"github.com/arkilian/rowcache/internal/freshness"
	"github.com/arkilian/rowcache/internal/materialize"
	"github.com/arkilian/rowcache/internal/notify"
	"github.com/arkilian/rowcache/internal/observability"
	"github.com/arkilian/rowcache/internal/provision"
	"github.com/arkilian/rowcache/internal/remote"
	"github.com/arkilian/rowcache/internal/schema"
	"github.com/arkilian/rowcache/internal/source"
	"github.com/arkilian/rowcache/pkg/types"
)

// Options configures a Manager.
type Options struct {
	// Dir holds the cache files
	Dir string
	// Prefix starts every cache file name
	Prefix string
	// Client fetches rows of remote-backed entities
	Client *remote.Client
	// Bus receives record lifecycle events (optional)
	Bus *events.Bus
	// Stats records cache activity (optional)
	Stats *observability.CacheStats
	// Notifier receives boot state changes (optional)
	Notifier *notify.Notifier
	// Debug enables verbose logging
	Debug bool
}

// BootInfo describes how an entity's table was made available.
type BootInfo struct {
	Entity       string
	Action       freshness.Action
	Reason       string
	Database     string
	Materialized bool
	Rows         int
	Duration     time.Duration
}

// Manager owns the entities of a process and their connections.
type Manager struct {
	opts     Options
	registry *provision.Registry

	mu       sync.Mutex
	entities map[string]*types.Entity
	locks    map[string]*sync.Mutex
	boots    map[string]BootInfo
}

// NewManager creates a manager binding connections through registry.
func NewManager(registry *provision.Registry, opts Options) *Manager {
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewNotifier(0)
	}
	return &Manager{
		opts:     opts,
		registry: registry,
		entities: make(map[string]*types.Entity),
		locks:    make(map[string]*sync.Mutex),
		boots:    make(map[string]BootInfo),
	}
}

// Registry returns the connection registry.
func (m *Manager) Registry() *provision.Registry {
	return m.registry
}

// Bus returns the lifecycle event bus.
func (m *Manager) Bus() *events.Bus {
	return m.opts.Bus
}

// Notifier returns the boot state feed.
func (m *Manager) Notifier() *notify.Notifier {
	return m.opts.Notifier
}

// Register adds an entity. Names must be unique.
func (m *Manager) Register(e *types.Entity) error {
	if e == nil || e.Name == "" {
		return rcerrors.NewConfigError("entity name is required", nil)
	}
	if !schema.ValidateColumnName(e.TableName()) {
		return rcerrors.NewConfigError(fmt.Sprintf("entity %s has invalid table name %q", e.Name, e.TableName()), nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entities[e.Name]; exists {
		return rcerrors.NewConfigError(fmt.Sprintf("entity %s registered twice", e.Name), nil)
	}
	m.entities[e.Name] = e
	return nil
}

// Entity returns a registered entity by name.
func (m *Manager) Entity(name string) (*types.Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[name]
	return e, ok
}

// Entities returns the registered entities sorted by name.
func (m *Manager) Entities() []*types.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Boot returns how the entity was made available, if it has been.
func (m *Manager) Boot(name string) (BootInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boots[name]
	return b, ok
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// DB returns the connection serving the entity's table, booting it on first
// access: decide freshness, bind the cache file or the transient store, and
// materialize when the decision requires it.
func (m *Manager) DB(ctx context.Context, e *types.Entity) (*sql.DB, error) {
	l := m.lockFor(e.Name)
	l.Lock()
	defer l.Unlock()

	if db, ok := m.registry.Lookup(e.Name); ok {
		return db, nil
	}

	info, db, err := m.boot(ctx, e)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.entities[e.Name]; !ok {
		m.entities[e.Name] = e
	}
	m.boots[e.Name] = info
	m.mu.Unlock()

	if m.opts.Stats != nil {
		m.opts.Stats.RecordBoot(e.Name, info.Action.String(), info.Materialized, info.Rows, info.Duration)
	}
	m.opts.Notifier.Publish(notify.Notification{Kind: notify.Booted, Entity: e.Name, Action: info.Action.String()})
	log.Printf("cache: %s ready (%s: %s, %d rows, %v)", e.Name, info.Action, info.Reason, info.Rows, info.Duration)
	return db, nil
}

// Connection boots the registered entity named identity and returns its connection.
func (m *Manager) Connection(ctx context.Context, identity string) (*sql.DB, error) {
	e, ok := m.Entity(identity)
	if !ok {
		return nil, rcerrors.NewConfigError(fmt.Sprintf("unknown entity %s", identity), nil)
	}
	return m.DB(ctx, e)
}

func (m *Manager) boot(ctx context.Context, e *types.Entity) (BootInfo, *sql.DB, error) {
	start := time.Now()

	cachePath := freshness.CachePath(m.opts.Dir, m.opts.Prefix, e)
	in := freshness.Inspect(e, cachePath, m.opts.Dir)
	d := freshness.Decide(in)
	if m.opts.Debug {
		log.Printf("cache: %s freshness %+v -> %s", e.Name, in, d.Action)
	}

	target := provision.Transient
	// prepared is set when this boot created or emptied the cache file, and
	// so owns it if materialization fails.
	prepared := false
	switch d.Action {
	case freshness.ActionReuse:
		target = cachePath
	case freshness.ActionRebuild:
		prepare := freshness.CreateArtifact
		if in.CacheExists {
			prepare = freshness.ResetArtifact
		}
		if err := prepare(cachePath); err != nil {
			d = m.fallback(e, err)
		} else {
			target = cachePath
			prepared = true
		}
	}

	db, err := m.registry.Bind(ctx, e, target)
	if err != nil && target != provision.Transient {
		d = m.fallback(e, err)
		target = provision.Transient
		db, err = m.registry.Bind(ctx, e, target)
	}
	if err != nil {
		return BootInfo{}, nil, err
	}

	info := BootInfo{Entity: e.Name, Action: d.Action, Reason: d.Reason, Database: target}

	materializeNow := d.Materialize()
	if d.Action == freshness.ActionReuse {
		// The file may still be mid-materialization by another process, or
		// left empty by a failed one. Materializing is idempotent.
		exists, err := materialize.TableExists(ctx, db, e.TableName())
		if err != nil || !exists {
			materializeNow = true
			info.Reason = "cache file has no table"
		}
	}

	if materializeNow {
		res, err := m.materialize(ctx, db, e)
		if err != nil && target != provision.Transient && materialize.IsLocked(err) {
			// Another process is writing the file. Its table may have landed
			// while we waited; otherwise serve from the transient store.
			if exists, xerr := materialize.TableExists(ctx, db, e.TableName()); xerr == nil && exists {
				info.Reason = "materialized by another process"
				info.Duration = time.Since(start)
				return info, db, nil
			}
			if uerr := m.registry.Unbind(e.Name); uerr != nil {
				log.Printf("cache: failed to release %s: %v", e.Name, uerr)
			}
			d = m.fallback(e, err)
			target = provision.Transient
			prepared = false
			info.Action, info.Reason, info.Database = d.Action, d.Reason, target
			if db, err = m.registry.Bind(ctx, e, target); err != nil {
				return BootInfo{}, nil, err
			}
			res, err = m.materialize(ctx, db, e)
		}
		if err != nil {
			if uerr := m.registry.Unbind(e.Name); uerr != nil {
				log.Printf("cache: failed to release %s: %v", e.Name, uerr)
			}
			if prepared {
				// An empty file with a fresh mtime would be reused next time.
				if rerr := os.Remove(cachePath); rerr != nil && !os.IsNotExist(rerr) {
					log.Printf("cache: failed to remove %s: %v", cachePath, rerr)
				}
			}
			return BootInfo{}, nil, err
		}
		info.Materialized = res.Created
		info.Rows = res.RowsInserted

		if target != provision.Transient && res.Created {
			if err := freshness.Stamp(cachePath, in.ReferenceTime); err != nil {
				log.Printf("cache: %v", err)
			}
		}
	}

	info.Duration = time.Since(start)
	return info, db, nil
}

func (m *Manager) fallback(e *types.Entity, cause error) freshness.Decision {
	log.Printf("cache: %s falling back to transient store: %v", e.Name, cause)
	if m.opts.Stats != nil {
		m.opts.Stats.RecordFallback(e.Name)
	}
	m.opts.Notifier.Publish(notify.Notification{Kind: notify.FellBack, Entity: e.Name, Action: freshness.ActionTransient.String()})
	return freshness.Decision{Action: freshness.ActionTransient, Reason: "cache file unavailable"}
}

func (m *Manager) materialize(ctx context.Context, db *sql.DB, e *types.Entity) (materialize.Result, error) {
	rows, err := source.Fetch(ctx, e, m.opts.Client)
	if err != nil {
		return materialize.Result{}, err
	}
	s := schema.ForEntity(e, rows)
	return materialize.Materialize(ctx, db, e.TableName(), s, rows, materialize.Options{
		ChunkSize:   e.InsertChunkSize(),
		AfterCreate: e.AfterMigrate,
	})
}

// Reset closes every binding so the next access boots again.
func (m *Manager) Reset() error {
	m.mu.Lock()
	m.boots = make(map[string]BootInfo)
	m.mu.Unlock()
	err := m.registry.Reset()
	m.opts.Notifier.Publish(notify.Notification{Kind: notify.Reset})
	return err
}

// Close releases every connection.
func (m *Manager) Close() error {
	return m.registry.Close()
}
