package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	rcerrors "github.com/arkilian/rowcache/internal/errors"
	"github.com/arkilian/rowcache/internal/events"
	"github.com/arkilian/rowcache/internal/schema"
	"github.com/arkilian/rowcache/pkg/types"
)

// Count returns the number of rows in the entity's table.
func (m *Manager) Count(ctx context.Context, e *types.Entity) (int64, error) {
	db, err := m.DB(ctx, e)
	if err != nil {
		return 0, err
	}
	m.recordQuery(e)

	var n int64
	q := fmt.Sprintf("SELECT count(*) FROM %s", schema.QuoteIdent(e.TableName()))
	if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache: count %s: %w", e.Name, err)
	}
	return n, nil
}

// Rows lists the entity's rows ordered by primary key. A limit <= 0 means no limit.
func (m *Manager) Rows(ctx context.Context, e *types.Entity, limit, offset int) ([]types.Row, error) {
	q := fmt.Sprintf("SELECT * FROM %s ORDER BY %s", schema.QuoteIdent(e.TableName()), schema.QuoteIdent(e.KeyName()))
	var args []interface{}
	if limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	return m.Select(ctx, e, q, args...)
}

// Find returns the row whose primary key equals key.
func (m *Manager) Find(ctx context.Context, e *types.Entity, key interface{}) (types.Row, bool, error) {
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s = ? LIMIT 1", schema.QuoteIdent(e.TableName()), schema.QuoteIdent(e.KeyName()))
	rows, err := m.Select(ctx, e, q, key)
	if err != nil || len(rows) == 0 {
		return types.Row{}, false, err
	}
	return rows[0], true, nil
}

// Select runs a read query against the entity's connection and returns the
// result rows in column order.
func (m *Manager) Select(ctx context.Context, e *types.Entity, query string, args ...interface{}) ([]types.Row, error) {
	db, err := m.DB(ctx, e)
	if err != nil {
		return nil, err
	}
	m.recordQuery(e)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: query %s: %w", e.Name, err)
	}
	defer rows.Close()
	return ScanRows(rows)
}

// ScanRows reads every result row into an ordered Row.
func ScanRows(rows *sql.Rows) ([]types.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []types.Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		var row types.Row
		for i, c := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row.Set(c, v)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Create inserts record. Saving and creating events are published first; a
// failing handler aborts the write. It returns the record's key.
func (m *Manager) Create(ctx context.Context, e *types.Entity, record types.Row) (interface{}, error) {
	db, err := m.DB(ctx, e)
	if err != nil {
		return nil, err
	}

	record = record.Clone()
	if e.Timestamps {
		now := time.Now().UTC()
		for _, c := range []string{types.CreatedAtColumn, types.UpdatedAtColumn} {
			if !record.Has(c) {
				record.Set(c, now)
			}
		}
	}

	key, _ := record.Get(e.KeyName())
	for _, typ := range []events.Type{events.Saving, events.Creating} {
		if err := m.opts.Bus.Publish(ctx, events.Event{Type: typ, Entity: e, Key: key, Record: record}); err != nil {
			return nil, err
		}
	}

	cols := record.Keys()
	quoted := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		if !schema.ValidateColumnName(c) {
			return nil, rcerrors.NewSchemaError(rcerrors.CodeInvalidColumnName, fmt.Sprintf("invalid column name %q", c), nil)
		}
		quoted[i] = schema.QuoteIdent(c)
		args[i], _ = record.Get(c)
	}

	var q string
	if len(cols) == 0 {
		q = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", schema.QuoteIdent(e.TableName()))
	} else {
		q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", schema.QuoteIdent(e.TableName()),
			strings.Join(quoted, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	}
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, rcerrors.NewStorageError(rcerrors.CodeWriteFailed, fmt.Sprintf("failed to create %s record", e.Name), err)
	}
	m.recordWrite(e)

	if key == nil && e.Incrementing {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, rcerrors.NewStorageError(rcerrors.CodeWriteFailed, "failed to read inserted key", err)
		}
		key = id
	}
	return key, nil
}

// Update applies changes to the record with the given key. It reports
// whether a record was changed.
func (m *Manager) Update(ctx context.Context, e *types.Entity, key interface{}, changes types.Row) (bool, error) {
	db, err := m.DB(ctx, e)
	if err != nil {
		return false, err
	}

	changes = changes.Clone()
	if e.Timestamps && !changes.Has(types.UpdatedAtColumn) {
		changes.Set(types.UpdatedAtColumn, time.Now().UTC())
	}
	if changes.Len() == 0 {
		return false, nil
	}

	for _, typ := range []events.Type{events.Saving, events.Updating} {
		if err := m.opts.Bus.Publish(ctx, events.Event{Type: typ, Entity: e, Key: key, Record: changes}); err != nil {
			return false, err
		}
	}

	cols := changes.Keys()
	sets := make([]string, len(cols))
	args := make([]interface{}, 0, len(cols)+1)
	for i, c := range cols {
		if !schema.ValidateColumnName(c) {
			return false, rcerrors.NewSchemaError(rcerrors.CodeInvalidColumnName, fmt.Sprintf("invalid column name %q", c), nil)
		}
		sets[i] = schema.QuoteIdent(c) + " = ?"
		v, _ := changes.Get(c)
		args = append(args, v)
	}
	args = append(args, key)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", schema.QuoteIdent(e.TableName()),
		strings.Join(sets, ", "), schema.QuoteIdent(e.KeyName()))
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, rcerrors.NewStorageError(rcerrors.CodeWriteFailed, fmt.Sprintf("failed to update %s record", e.Name), err)
	}
	m.recordWrite(e)

	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Delete removes the record with the given key after publishing the
// deleting event. It reports whether a record was removed.
func (m *Manager) Delete(ctx context.Context, e *types.Entity, key interface{}) (bool, error) {
	db, err := m.DB(ctx, e)
	if err != nil {
		return false, err
	}

	if err := m.opts.Bus.Publish(ctx, events.Event{Type: events.Deleting, Entity: e, Key: key}); err != nil {
		return false, err
	}

	q := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", schema.QuoteIdent(e.TableName()), schema.QuoteIdent(e.KeyName()))
	res, err := db.ExecContext(ctx, q, key)
	if err != nil {
		return false, rcerrors.NewStorageError(rcerrors.CodeWriteFailed, fmt.Sprintf("failed to delete %s record", e.Name), err)
	}
	m.recordWrite(e)

	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (m *Manager) recordQuery(e *types.Entity) {
	if m.opts.Stats != nil {
		m.opts.Stats.RecordQuery(e.Name)
	}
}

func (m *Manager) recordWrite(e *types.Entity) {
	if m.opts.Stats != nil {
		m.opts.Stats.RecordWrite(e.Name)
	}
}
