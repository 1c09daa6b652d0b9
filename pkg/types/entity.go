package types

import (
	"context"
	"database/sql"
	"time"
)

// RowMode declares where an entity's rows come from.
type RowMode int

const (
	// SchemaOnly entities have no rows; the table is built from the schema override.
	SchemaOnly RowMode = iota
	// StaticRows entities carry a fixed row collection. Only these are cached on disk by default.
	StaticRows
	// ComputedRows entities produce a fresh collection on every fetch.
	ComputedRows
	// RemoteBacked entities fetch rows from the HTTP API and write changes through to it.
	RemoteBacked
)

// String returns the definition-file spelling of the mode.
func (m RowMode) String() string {
	switch m {
	case StaticRows:
		return "static"
	case ComputedRows:
		return "computed"
	case RemoteBacked:
		return "remote"
	default:
		return "schema"
	}
}

// ParseRowMode parses the definition-file spelling of a mode.
func ParseRowMode(s string) (RowMode, bool) {
	switch s {
	case "static":
		return StaticRows, true
	case "computed":
		return ComputedRows, true
	case "remote":
		return RemoteBacked, true
	case "schema", "":
		return SchemaOnly, true
	default:
		return SchemaOnly, false
	}
}

// Defaults applied by NewEntity and the accessors below.
const (
	DefaultPrimaryKey = "id"
	DefaultChunkSize  = 100
	DefaultBaseURI    = "api"
)

// ComputeFunc produces a fresh row collection for a ComputedRows entity.
type ComputeFunc func(ctx context.Context) ([]Row, error)

// AfterMigrateFunc runs inside the materialization transaction once the
// table has been created and filled.
type AfterMigrateFunc func(ctx context.Context, tx *sql.Tx) error

// Entity is the logical owner of one materialized table.
type Entity struct {
	// Name is the entity identity; the cache file slug and registry key derive from it
	Name string
	// Table overrides the table name (default: snake_case of Name)
	Table string
	// PrimaryKey is the primary key column name (default "id")
	PrimaryKey string
	// Incrementing marks the primary key as auto-incrementing
	Incrementing bool
	// Timestamps appends created_at/updated_at columns when missing
	Timestamps bool
	// ChunkSize bounds the rows per INSERT statement (default 100)
	ChunkSize int

	// Mode selects the row source
	Mode RowMode
	// Rows is the fixed collection for StaticRows entities
	Rows []Row
	// Compute produces rows for ComputedRows entities
	Compute ComputeFunc
	// CacheComputed opts a ComputedRows entity into on-disk caching
	CacheComputed bool
	// Schema pins declared column types
	Schema SchemaOverride

	// BaseURI is the API path for RemoteBacked entities (default "api")
	BaseURI string

	// ReferencePath is the file whose mtime versions the definition
	ReferencePath string
	// ReferenceTime versions the definition when no reference file exists
	ReferenceTime time.Time

	// AfterMigrate is an optional hook run after the table is materialized
	AfterMigrate AfterMigrateFunc
}

// NewEntity returns an entity with the default key settings.
func NewEntity(name string, mode RowMode) *Entity {
	return &Entity{
		Name:         name,
		PrimaryKey:   DefaultPrimaryKey,
		Incrementing: true,
		ChunkSize:    DefaultChunkSize,
		Mode:         mode,
		BaseURI:      DefaultBaseURI,
	}
}

// TableName returns the materialized table name.
func (e *Entity) TableName() string {
	if e.Table != "" {
		return e.Table
	}
	return Snake(e.Name)
}

// KeyName returns the primary key column name.
func (e *Entity) KeyName() string {
	if e.PrimaryKey == "" {
		return DefaultPrimaryKey
	}
	return e.PrimaryKey
}

// InsertChunkSize returns the number of rows per INSERT statement.
func (e *Entity) InsertChunkSize() int {
	if e.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return e.ChunkSize
}

// URI returns the API base path.
func (e *Entity) URI() string {
	if e.BaseURI == "" {
		return DefaultBaseURI
	}
	return e.BaseURI
}

// Slug returns the filesystem-safe identity used in cache file names.
func (e *Entity) Slug() string {
	return Kebab(e.Name)
}

// ShouldCache reports whether the entity may be persisted to a cache file.
// Fixed row collections are safe to cache; computed ones only on opt-in.
func (e *Entity) ShouldCache() bool {
	switch e.Mode {
	case StaticRows:
		return true
	case ComputedRows:
		return e.CacheComputed
	default:
		return false
	}
}

// UsesAPI reports whether record changes are written through to the API.
func (e *Entity) UsesAPI() bool {
	return e.Mode == RemoteBacked
}
