package schema

import (
	"fmt"
	"strings"

	rcerrors "github.com/arkilian/rowcache/internal/errors"
	"github.com/arkilian/rowcache/pkg/types"
)

// sqliteTypes maps abstract column types onto SQLite declared types.
var sqliteTypes = map[types.ColumnType]string{
	types.TypeIncrements: "integer",
	types.TypeInteger:    "integer",
	types.TypeBigInteger: "integer",
	types.TypeFloat:      "float",
	types.TypeDouble:     "double",
	types.TypeDecimal:    "numeric",
	types.TypeString:     "varchar",
	types.TypeText:       "text",
	types.TypeBoolean:    "tinyint(1)",
	types.TypeDate:       "date",
	types.TypeDateTime:   "datetime",
	types.TypeTimestamp:  "datetime",
	types.TypeJSON:       "text",
}

// SQLiteType returns the declared SQLite type for an abstract column type.
func SQLiteType(t types.ColumnType) (string, bool) {
	st, ok := sqliteTypes[t]
	return st, ok
}

// CreateTableSQL renders the schema verbatim as a CREATE TABLE statement.
func CreateTableSQL(table string, s types.Schema) (string, error) {
	if !ValidateColumnName(table) {
		return "", rcerrors.NewSchemaError(rcerrors.CodeInvalidColumnName,
			fmt.Sprintf("invalid table name %q", table), nil)
	}
	if len(s.Columns) == 0 {
		return "", rcerrors.NewSchemaError(rcerrors.CodeDDLFailed,
			fmt.Sprintf("table %q has no columns", table), nil)
	}

	seen := make(map[string]bool, len(s.Columns))
	defs := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		if !ValidateColumnName(c.Name) {
			return "", rcerrors.NewSchemaError(rcerrors.CodeInvalidColumnName,
				fmt.Sprintf("invalid column name %q", c.Name), nil)
		}
		if seen[c.Name] {
			return "", rcerrors.NewSchemaError(rcerrors.CodeDDLFailed,
				fmt.Sprintf("duplicate column %q", c.Name), nil)
		}
		seen[c.Name] = true

		def, err := columnSQL(c)
		if err != nil {
			return "", err
		}
		defs = append(defs, def)
	}

	return fmt.Sprintf("create table %s (%s)", QuoteIdent(table), strings.Join(defs, ", ")), nil
}

func columnSQL(c types.ColumnDef) (string, error) {
	st, ok := SQLiteType(c.Type)
	if !ok {
		return "", rcerrors.NewSchemaError(rcerrors.CodeInvalidColumnType,
			fmt.Sprintf("unsupported column type %q for column %q", c.Type, c.Name), nil).
			WithDetails(map[string]interface{}{"column": c.Name, "type": string(c.Type)})
	}

	var b strings.Builder
	b.WriteString(QuoteIdent(c.Name))
	b.WriteByte(' ')
	b.WriteString(st)
	switch {
	case c.Type == types.TypeIncrements:
		b.WriteString(" primary key autoincrement not null")
	case c.PrimaryKey:
		b.WriteString(" primary key not null")
	case !c.Nullable:
		b.WriteString(" not null")
	}
	return b.String(), nil
}

// QuoteIdent quotes an identifier for SQLite.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ValidateColumnName checks if a column or table name is valid for SQLite.
func ValidateColumnName(name string) bool {
	if len(name) == 0 || len(name) > 100 {
		return false
	}

	// First character must be a letter or underscore
	first := name[0]
	if (first < 'a' || first > 'z') && (first < 'A' || first > 'Z') && first != '_' {
		return false
	}

	// Subsequent characters can be letters, digits, or underscores
	for i := 1; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}

	return true
}
