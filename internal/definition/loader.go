// Package definition loads entity definitions from YAML files.
//
// A definition file describes one entity:
//
//	name: Country
//	mode: static
//	primary_key: id
//	schema:
//	  - name: population
//	    type: bigInteger
//	rows:
//	  - {id: 1, code: PT, name: Portugal}
//	  - {id: 2, code: ES, name: Spain}
//
// The file's modification time versions the definition, so editing the file
// invalidates the entity's cache file.
package definition

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	rcerrors "github.com/arkilian/rowcache/internal/errors"
	"github.com/arkilian/rowcache/internal/schema"
	"github.com/arkilian/rowcache/pkg/types"
)

// File is the on-disk shape of a definition.
type File struct {
	Name          string               `yaml:"name"`
	Table         string               `yaml:"table"`
	Mode          string               `yaml:"mode"`
	PrimaryKey    string               `yaml:"primary_key"`
	Incrementing  *bool                `yaml:"incrementing"`
	Timestamps    bool                 `yaml:"timestamps"`
	ChunkSize     int                  `yaml:"chunk_size"`
	CacheComputed bool                 `yaml:"cache_computed"`
	Compute       string               `yaml:"compute"`
	BaseURI       string               `yaml:"base_uri"`
	Schema        types.SchemaOverride `yaml:"schema"`
	AfterMigrate  []string             `yaml:"after_migrate"`
	Rows          yaml.Node            `yaml:"rows"`
}

// Options resolves the parts of a definition that cannot live in YAML.
type Options struct {
	// Computes maps the compute name a definition references to its function
	Computes map[string]types.ComputeFunc
}

// Extensions lists the file extensions LoadDir picks up.
var Extensions = []string{".yaml", ".yml"}

// LoadFile parses one definition file. The file becomes the entity's
// reference file.
func LoadFile(path string, opts Options) (*types.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rcerrors.NewConfigError(fmt.Sprintf("failed to read definition %s", path), err)
	}
	e, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", path, err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	e.ReferencePath = path
	return e, nil
}

// LoadDir parses every definition file in dir, sorted by file name.
// A missing directory yields no entities.
func LoadDir(dir string, opts Options) ([]*types.Entity, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, rcerrors.NewConfigError(fmt.Sprintf("failed to list definitions in %s", dir), err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !hasExtension(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	entities := make([]*types.Entity, 0, len(names))
	for _, name := range names {
		e, err := LoadFile(filepath.Join(dir, name), opts)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[e.Name]; dup {
			return nil, rcerrors.NewConfigError(fmt.Sprintf("entity %s defined in both %s and %s", e.Name, prev, name), nil)
		}
		seen[e.Name] = name
		entities = append(entities, e)
	}
	return entities, nil
}

func hasExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range Extensions {
		if ext == want {
			return true
		}
	}
	return false
}

// Parse builds an entity from definition YAML.
func Parse(data []byte, opts Options) (*types.Entity, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, rcerrors.NewConfigError("failed to parse definition", err)
	}
	return f.Entity(opts)
}

// Entity validates the file and converts it to an entity.
func (f *File) Entity(opts Options) (*types.Entity, error) {
	if f.Name == "" {
		return nil, rcerrors.NewConfigError("name is required", nil)
	}
	mode, ok := types.ParseRowMode(f.Mode)
	if !ok {
		return nil, rcerrors.NewConfigError(fmt.Sprintf("unknown mode %q", f.Mode), nil)
	}

	e := types.NewEntity(f.Name, mode)
	e.Table = f.Table
	if f.PrimaryKey != "" {
		e.PrimaryKey = f.PrimaryKey
	}
	if f.Incrementing != nil {
		e.Incrementing = *f.Incrementing
	}
	e.Timestamps = f.Timestamps
	if f.ChunkSize > 0 {
		e.ChunkSize = f.ChunkSize
	}
	e.CacheComputed = f.CacheComputed
	if f.BaseURI != "" {
		e.BaseURI = f.BaseURI
	}

	for _, c := range f.Schema {
		if !schema.ValidateColumnName(c.Name) {
			return nil, rcerrors.NewConfigError(fmt.Sprintf("invalid schema column name %q", c.Name), nil)
		}
		if _, ok := schema.SQLiteType(c.Type); !ok {
			return nil, rcerrors.NewConfigError(fmt.Sprintf("column %s has unknown type %q", c.Name, c.Type), nil)
		}
	}
	e.Schema = f.Schema

	rows, err := decodeRows(&f.Rows)
	if err != nil {
		return nil, err
	}

	switch mode {
	case types.StaticRows:
		e.Rows = rows
	case types.ComputedRows:
		fn, ok := opts.Computes[f.Compute]
		if !ok {
			return nil, rcerrors.NewConfigError(fmt.Sprintf("computed entity %s references unknown compute %q", f.Name, f.Compute), nil)
		}
		e.Compute = fn
	default:
		if len(rows) > 0 {
			return nil, rcerrors.NewConfigError(fmt.Sprintf("rows are only allowed for static entities, %s is %s", f.Name, mode), nil)
		}
	}

	if len(f.AfterMigrate) > 0 {
		e.AfterMigrate = statements(f.AfterMigrate)
	}
	return e, nil
}

// statements runs each SQL statement inside the materialization transaction.
func statements(stmts []string) types.AfterMigrateFunc {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("after_migrate %q: %w", stmt, err)
			}
		}
		return nil
	}
}

// decodeRows walks the rows node directly so column order follows the file.
func decodeRows(n *yaml.Node) ([]types.Row, error) {
	if n.Kind == 0 {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, rcerrors.NewConfigError(fmt.Sprintf("line %d: rows must be a list", n.Line), nil)
	}

	rows := make([]types.Row, 0, len(n.Content))
	for _, item := range n.Content {
		if item.Kind != yaml.MappingNode {
			return nil, rcerrors.NewConfigError(fmt.Sprintf("line %d: each row must be a mapping", item.Line), nil)
		}
		var row types.Row
		for i := 0; i+1 < len(item.Content); i += 2 {
			key, val := item.Content[i], item.Content[i+1]
			v, err := scalar(val)
			if err != nil {
				return nil, err
			}
			row.Set(key.Value, v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func scalar(n *yaml.Node) (interface{}, error) {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	if n.Kind != yaml.ScalarNode {
		return nil, rcerrors.NewConfigError(fmt.Sprintf("line %d: row values must be scalars", n.Line), nil)
	}
	var v interface{}
	if err := n.Decode(&v); err != nil {
		return nil, rcerrors.NewConfigError(fmt.Sprintf("line %d: invalid value", n.Line), err)
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC(), nil
	}
	return v, nil
}
