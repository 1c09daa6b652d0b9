// Package rules provides validation rules that check values against
// materialized entity tables.
package rules

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	rcerrors "github.com/arkilian/rowcache/internal/errors"
	"github.com/arkilian/rowcache/internal/schema"
	"github.com/arkilian/rowcache/pkg/types"
)

// Resolver returns the connection registered for an entity identity.
// Both provision.Registry and cache.Manager satisfy it.
type Resolver interface {
	Connection(ctx context.Context, identity string) (*sql.DB, error)
}

// ExistsRule requires that a row with Column = value exists in Table of the
// entity's connection.
type ExistsRule struct {
	resolver Resolver
	Entity   string
	Table    string
	Column   string
}

// ValidationError reports a value that failed a rule.
type ValidationError struct {
	Rule   string
	Column string
	Value  interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rules: %s: %s %v not found", e.Rule, e.Column, e.Value)
}

// NewExists parses ref as "Entity" or "Entity.table". The table defaults to
// the entity's snake_case name and the column to "id".
func NewExists(resolver Resolver, ref, column string) (*ExistsRule, error) {
	entity, table, _ := strings.Cut(ref, ".")
	if entity == "" {
		return nil, rcerrors.NewConfigError(fmt.Sprintf("exists rule needs an entity, got %q", ref), nil)
	}
	if table == "" {
		table = types.Snake(entity)
	}
	if column == "" {
		column = types.DefaultPrimaryKey
	}
	if !schema.ValidateColumnName(table) || !schema.ValidateColumnName(column) {
		return nil, rcerrors.NewSchemaError(rcerrors.CodeInvalidColumnName,
			fmt.Sprintf("exists rule has invalid table or column: %s.%s", table, column), nil)
	}
	return &ExistsRule{resolver: resolver, Entity: entity, Table: table, Column: column}, nil
}

// Check reports whether value is present.
func (r *ExistsRule) Check(ctx context.Context, value interface{}) (bool, error) {
	db, err := r.resolver.Connection(ctx, r.Entity)
	if err != nil {
		return false, err
	}

	var found int
	q := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = ?)", schema.QuoteIdent(r.Table), schema.QuoteIdent(r.Column))
	if err := db.QueryRowContext(ctx, q, types.Normalize(value)).Scan(&found); err != nil {
		return false, fmt.Errorf("rules: exists lookup on %s.%s: %w", r.Table, r.Column, err)
	}
	return found == 1, nil
}

// Validate returns a *ValidationError when value is absent.
func (r *ExistsRule) Validate(ctx context.Context, value interface{}) error {
	ok, err := r.Check(ctx, value)
	if err != nil {
		return err
	}
	if !ok {
		return &ValidationError{Rule: "exists", Column: r.Column, Value: value}
	}
	return nil
}

// String renders the rule the way it is written in definitions.
func (r *ExistsRule) String() string {
	return fmt.Sprintf("exists:%s.%s,%s", r.Entity, r.Table, r.Column)
}

// Exists is a one-shot form of NewExists followed by Check.
func Exists(ctx context.Context, resolver Resolver, ref, column string, value interface{}) (bool, error) {
	rule, err := NewExists(resolver, ref, column)
	if err != nil {
		return false, err
	}
	return rule.Check(ctx, value)
}
