// Package provision binds entities to SQLite connections and keeps the
// process-wide registry of those bindings.
package provision

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	rcerrors "github.com/arkilian/rowcache/internal/errors"
	"github.com/arkilian/rowcache/pkg/types"
)

// Transient is the database designator of the in-memory store used when the
// cache file cannot be used.
const Transient = ":memory:"

// Driver is the database/sql driver name every binding uses.
const Driver = "sqlite3"

// BusyTimeout is how long a connection waits on a locked cache file.
const BusyTimeout = 5 * time.Second

// ConnConfig is the registered configuration of one entity's connection.
// Other components resolve an entity's store through it by identity.
type ConnConfig struct {
	Driver   string
	Database string
}

// IsTransient reports whether the connection is the in-memory store.
func (c ConnConfig) IsTransient() bool {
	return c.Database == Transient
}

type binding struct {
	db       *sql.DB
	config   ConnConfig
	boundAt  time.Time
	lastUsed time.Time
}

// Registry maps entity identities to open connections.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]*binding)}
}

// Bind opens a connection for e against target (a cache file path or
// Transient) and registers it under the entity's identity. A previous
// binding for the same identity is closed and replaced.
func (r *Registry) Bind(ctx context.Context, e *types.Entity, target string) (*sql.DB, error) {
	if target == "" {
		target = Transient
	}

	db, err := open(ctx, target)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	r.mu.Lock()
	prev := r.bindings[e.Name]
	r.bindings[e.Name] = &binding{
		db:       db,
		config:   ConnConfig{Driver: Driver, Database: target},
		boundAt:  now,
		lastUsed: now,
	}
	r.mu.Unlock()

	if prev != nil {
		if err := prev.db.Close(); err != nil {
			log.Printf("provision: failed to close previous connection for %s: %v", e.Name, err)
		}
	}
	return db, nil
}

// Lookup returns the connection bound to identity.
func (r *Registry) Lookup(identity string) (*sql.DB, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[identity]
	if !ok {
		return nil, false
	}
	b.lastUsed = time.Now()
	return b.db, true
}

// Connection returns the connection bound to identity or an error when the
// entity has not been booted.
func (r *Registry) Connection(ctx context.Context, identity string) (*sql.DB, error) {
	db, ok := r.Lookup(identity)
	if !ok {
		return nil, rcerrors.NewStorageError(rcerrors.CodeOpenFailed,
			fmt.Sprintf("no connection registered for %s", identity), nil)
	}
	return db, nil
}

// Config returns the connection configuration registered under identity.
func (r *Registry) Config(identity string) (ConnConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[identity]
	if !ok {
		return ConnConfig{}, false
	}
	return b.config, true
}

// Unbind closes and forgets the connection of identity.
func (r *Registry) Unbind(identity string) error {
	r.mu.Lock()
	b, ok := r.bindings[identity]
	delete(r.bindings, identity)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return b.db.Close()
}

// Reset closes every binding. The registry stays usable.
func (r *Registry) Reset() error {
	r.mu.Lock()
	old := r.bindings
	r.bindings = make(map[string]*binding)
	r.mu.Unlock()

	var lastErr error
	for _, b := range old {
		if err := b.db.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Close releases every connection.
func (r *Registry) Close() error {
	return r.Reset()
}

// Stats summarizes the registry.
type Stats struct {
	Bindings  int
	Transient int
	Oldest    time.Time
}

// Stats returns the current binding counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	for _, b := range r.bindings {
		s.Bindings++
		if b.config.IsTransient() {
			s.Transient++
		}
		if s.Oldest.IsZero() || b.boundAt.Before(s.Oldest) {
			s.Oldest = b.boundAt
		}
	}
	return s
}

// DSN renders the data source name for target.
func DSN(target string) string {
	if target == Transient {
		return fmt.Sprintf("file::memory:?_busy_timeout=%d&_txlock=immediate", BusyTimeout.Milliseconds())
	}
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_txlock=immediate", target, BusyTimeout.Milliseconds())
}

func open(ctx context.Context, target string) (*sql.DB, error) {
	db, err := sql.Open(Driver, DSN(target))
	if err != nil {
		return nil, rcerrors.NewStorageError(rcerrors.CodeOpenFailed,
			fmt.Sprintf("failed to open %s", target), err)
	}

	// Every pooled connection to :memory: is a separate database.
	if target == Transient {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, rcerrors.NewStorageError(rcerrors.CodeOpenFailed,
			fmt.Sprintf("failed to connect to %s", target), err)
	}
	return db, nil
}
