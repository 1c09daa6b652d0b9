// Package schema derives table schemas from sample rows and renders them as SQLite DDL.
package schema

import (
	"time"

	"github.com/arkilian/rowcache/pkg/types"
)

// Options carries the entity key settings inference depends on.
type Options struct {
	// PrimaryKey is the primary key column name
	PrimaryKey string
	// Incrementing synthesizes the key column when the sample lacks it
	Incrementing bool
	// Timestamps appends created_at/updated_at when missing
	Timestamps bool
}

// OptionsFor returns the inference options for an entity.
func OptionsFor(e *types.Entity) Options {
	return Options{
		PrimaryKey:   e.KeyName(),
		Incrementing: e.Incrementing,
		Timestamps:   e.Timestamps,
	}
}

// InferType maps a single value onto a column type.
// Precedence: integer, other numeric, string, datetime, then string for anything else.
func InferType(v interface{}) types.ColumnType {
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return types.TypeInteger
	case float32, float64:
		return types.TypeFloat
	case string:
		return types.TypeString
	case time.Time:
		return types.TypeDateTime
	case *time.Time:
		if x != nil {
			return types.TypeDateTime
		}
		return types.TypeString
	default:
		return types.TypeString
	}
}

// Infer derives the table schema from the first row of a collection.
// Declared types in override win over inferred ones for every column they name.
func Infer(sample types.Row, override types.SchemaOverride, opts Options) types.Schema {
	var s types.Schema

	if opts.Incrementing && !sample.Has(opts.PrimaryKey) {
		s.Columns = append(s.Columns, incrementsColumn(opts.PrimaryKey))
	}

	for _, name := range sample.Keys() {
		value, _ := sample.Get(name)
		inferred := InferType(value)

		// An integer key in the sample is the key column whatever the
		// incrementing flag says; any other key is a plain column.
		if name == opts.PrimaryKey && inferred == types.TypeInteger {
			s.Columns = append(s.Columns, incrementsColumn(name))
			continue
		}

		colType := inferred
		if declared, ok := override.Lookup(name); ok {
			colType = declared
		}
		s.Columns = append(s.Columns, column(name, colType))
	}

	if opts.Timestamps {
		appendTimestamps(&s)
	}
	return s
}

// InferFromOverride builds the schema of an entity without rows. Every named
// column is taken at face value.
func InferFromOverride(override types.SchemaOverride, opts Options) types.Schema {
	var s types.Schema

	if opts.Incrementing && !override.Has(opts.PrimaryKey) {
		s.Columns = append(s.Columns, incrementsColumn(opts.PrimaryKey))
	}

	for _, oc := range override {
		if oc.Name == opts.PrimaryKey &&
			(oc.Type == types.TypeInteger || oc.Type == types.TypeIncrements) {
			s.Columns = append(s.Columns, incrementsColumn(oc.Name))
			continue
		}
		s.Columns = append(s.Columns, column(oc.Name, oc.Type))
	}

	if opts.Timestamps {
		appendTimestamps(&s)
	}
	return s
}

// ForEntity picks the inference path for an entity given its fetched rows.
func ForEntity(e *types.Entity, rows []types.Row) types.Schema {
	opts := OptionsFor(e)
	if len(rows) == 0 {
		return InferFromOverride(e.Schema, opts)
	}
	return Infer(rows[0], e.Schema, opts)
}

func incrementsColumn(name string) types.ColumnDef {
	return types.ColumnDef{
		Name:       name,
		Type:       types.TypeIncrements,
		PrimaryKey: true,
	}
}

// column is a nullable column without constraints. Rows are copied as they
// come, so a repeated or missing key value must not fail the insert.
func column(name string, t types.ColumnType) types.ColumnDef {
	return types.ColumnDef{
		Name:     name,
		Type:     t,
		Nullable: true,
	}
}

// appendTimestamps adds whichever of created_at/updated_at the schema lacks.
func appendTimestamps(s *types.Schema) {
	for _, name := range []string{types.CreatedAtColumn, types.UpdatedAtColumn} {
		if _, ok := s.Column(name); ok {
			continue
		}
		s.Columns = append(s.Columns, types.ColumnDef{
			Name:     name,
			Type:     types.TypeTimestamp,
			Nullable: true,
		})
	}
}
