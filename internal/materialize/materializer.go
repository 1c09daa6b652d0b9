// Package materialize creates an entity's table from its inferred schema and
// bulk-inserts its rows in bounded chunks.
package materialize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/mattn/go-sqlite3"

	rcerrors "github.com/arkilian/rowcache/internal/errors"
	"github.com/arkilian/rowcache/internal/schema"
	"github.com/arkilian/rowcache/pkg/types"
)

// Options tunes one materialization.
type Options struct {
	// ChunkSize bounds the rows per INSERT statement (default 100)
	ChunkSize int
	// AfterCreate runs inside the transaction once rows are inserted
	AfterCreate types.AfterMigrateFunc
}

// Result describes what a materialization did.
type Result struct {
	// Created is false when another writer had already created the table
	Created bool
	// RowsInserted is the number of rows written
	RowsInserted int
	// Chunks is the number of INSERT statements executed
	Chunks int
	// Duration is the wall time spent
	Duration time.Duration
}

// Materialize creates table from s and inserts rows, all in one transaction.
//
// If the table already exists because a concurrent writer created it first,
// the transaction is rolled back and Materialize returns a zero Result
// without error: the other writer owns the rows. Any other DDL or insert
// failure rolls back and is returned.
func Materialize(ctx context.Context, db *sql.DB, table string, s types.Schema, rows []types.Row, opts Options) (Result, error) {
	start := time.Now()

	ddl, err := schema.CreateTableSQL(table, s)
	if err != nil {
		return Result{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return Result{}, rcerrors.NewStorageError(rcerrors.CodeLocked,
				fmt.Sprintf("%s is locked by another writer", table), err)
		}
		return Result{}, rcerrors.NewStorageError(rcerrors.CodeWriteFailed, "failed to begin materialization", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		if isAlreadyExists(ctx, tx, table, err) {
			log.Printf("materialize: table %s already created by a concurrent writer", table)
			return Result{}, nil
		}
		return Result{}, rcerrors.NewSchemaError(rcerrors.CodeDDLFailed,
			fmt.Sprintf("failed to create table %s", table), err)
	}

	res := Result{Created: true}
	for _, chunk := range Chunk(rows, opts.ChunkSize) {
		if len(chunk) == 0 {
			continue
		}
		if err := insertChunk(ctx, tx, table, chunk); err != nil {
			return Result{}, rcerrors.NewStorageError(rcerrors.CodeInsertFailed,
				fmt.Sprintf("failed to insert rows %d-%d into %s", res.RowsInserted, res.RowsInserted+len(chunk)-1, table), err)
		}
		res.RowsInserted += len(chunk)
		res.Chunks++
	}

	if opts.AfterCreate != nil {
		if err := opts.AfterCreate(ctx, tx); err != nil {
			return Result{}, rcerrors.NewSchemaError(rcerrors.CodeDDLFailed,
				fmt.Sprintf("after-migrate hook failed for %s", table), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, rcerrors.NewStorageError(rcerrors.CodeWriteFailed, "failed to commit materialization", err)
	}
	committed = true

	res.Duration = time.Since(start)
	return res, nil
}

// Chunk splits rows into consecutive slices of at most size rows, keeping order.
func Chunk(rows []types.Row, size int) [][]types.Row {
	if size <= 0 {
		size = types.DefaultChunkSize
	}
	var chunks [][]types.Row
	for i := 0; i < len(rows); i += size {
		end := i + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[i:end])
	}
	return chunks
}

// isAlreadyExists reports whether a CREATE TABLE failure is the benign race
// where the table now exists. SQLite reports this with its generic error
// code, so the catalog is consulted instead of the message text.
func isAlreadyExists(ctx context.Context, tx *sql.Tx, table string, err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrError {
		return false
	}
	exists, lookupErr := TableExists(ctx, tx, table)
	return lookupErr == nil && exists
}

// IsLocked reports whether err means another writer held the database
// write lock for longer than the busy timeout.
func IsLocked(err error) bool {
	return rcerrors.GetCode(err) == rcerrors.CodeLocked
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// TableExists reports whether table is present in the database catalog.
func TableExists(ctx context.Context, q queryer, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// insertChunk writes one multi-row INSERT. The column list is the union of
// the chunk's keys in first-seen order; absent keys bind NULL.
func insertChunk(ctx context.Context, tx *sql.Tx, table string, chunk []types.Row) error {
	var columns []string
	seen := make(map[string]bool)
	for _, row := range chunk {
		for _, k := range row.Keys() {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	if len(columns) == 0 {
		// Rows without columns still count: insert key-only records.
		for range chunk {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", schema.QuoteIdent(table))); err != nil {
				return err
			}
		}
		return nil
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		if !schema.ValidateColumnName(c) {
			return fmt.Errorf("invalid column name %q", c)
		}
		quoted[i] = schema.QuoteIdent(c)
	}

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	tuples := make([]string, len(chunk))
	args := make([]interface{}, 0, len(chunk)*len(columns))
	for i, row := range chunk {
		tuples[i] = placeholder
		for _, c := range columns {
			v, _ := row.Get(c)
			bv, err := bindValue(v)
			if err != nil {
				return fmt.Errorf("column %q: %w", c, err)
			}
			args = append(args, bv)
		}
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		schema.QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(tuples, ", "))
	_, err := tx.ExecContext(ctx, stmt, args...)
	return err
}

// bindValue passes driver-native values through and encodes anything else as JSON text.
func bindValue(v interface{}) (interface{}, error) {
	switch v.(type) {
	case nil, int64, float64, string, bool, []byte, time.Time:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}
