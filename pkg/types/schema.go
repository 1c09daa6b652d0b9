package types

// ColumnType is the abstract column type a schema declares.
// Values follow the blueprint vocabulary entity definitions use.
type ColumnType string

const (
	TypeIncrements ColumnType = "increments"
	TypeInteger    ColumnType = "integer"
	TypeBigInteger ColumnType = "bigInteger"
	TypeFloat      ColumnType = "float"
	TypeDouble     ColumnType = "double"
	TypeDecimal    ColumnType = "decimal"
	TypeString     ColumnType = "string"
	TypeText       ColumnType = "text"
	TypeBoolean    ColumnType = "boolean"
	TypeDate       ColumnType = "date"
	TypeDateTime   ColumnType = "dateTime"
	TypeTimestamp  ColumnType = "timestamp"
	TypeJSON       ColumnType = "json"
)

// Timestamp column names appended when an entity tracks timestamps.
const (
	CreatedAtColumn = "created_at"
	UpdatedAtColumn = "updated_at"
)

// Schema defines the ordered columns of a materialized table.
type Schema struct {
	// Columns defines the columns in declaration order
	Columns []ColumnDef `json:"columns"`
}

// ColumnDef defines a single column in the schema.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`
	// Type is the abstract column type
	Type ColumnType `json:"type"`
	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable"`
	// PrimaryKey indicates whether this column is the primary key
	PrimaryKey bool `json:"primary_key"`
}

// Column returns the definition for name.
func (s Schema) Column(name string) (ColumnDef, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// OverrideColumn pins the declared type of one column.
type OverrideColumn struct {
	Name string     `json:"name" yaml:"name"`
	Type ColumnType `json:"type" yaml:"type"`
}

// SchemaOverride is an ordered list of declared column types supplied by an
// entity definition. A declared type always wins over an inferred one.
type SchemaOverride []OverrideColumn

// Lookup returns the declared type for a column.
func (o SchemaOverride) Lookup(name string) (ColumnType, bool) {
	for _, c := range o {
		if c.Name == name {
			return c.Type, true
		}
	}
	return "", false
}

// Has reports whether the override names the column.
func (o SchemaOverride) Has(name string) bool {
	_, ok := o.Lookup(name)
	return ok
}
