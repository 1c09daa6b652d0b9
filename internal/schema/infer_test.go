package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	rcerrors "github.com/arkilian/rowcache/internal/errors"
	"github.com/arkilian/rowcache/pkg/types"
)

var defaultOpts = Options{PrimaryKey: "id", Incrementing: true}

func TestInferType(t *testing.T) {
	tests := []struct {
		value interface{}
		want  types.ColumnType
	}{
		{int64(123), types.TypeInteger},
		{7, types.TypeInteger},
		{123.456, types.TypeFloat},
		{float32(1.5), types.TypeFloat},
		{"bar", types.TypeString},
		{time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), types.TypeDateTime},
		{nil, types.TypeString},
		{true, types.TypeString},
	}
	for _, tt := range tests {
		if got := InferType(tt.value); got != tt.want {
			t.Errorf("InferType(%#v) = %s, want %s", tt.value, got, tt.want)
		}
	}
}

func TestInfer_IntegerPrimaryKeyBecomesIncrements(t *testing.T) {
	sample := types.NewRow("id", 5, "foo", "bar", "bob", "lob")
	s := Infer(sample, nil, defaultOpts)

	if len(s.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %d: %+v", len(s.Columns), s.Columns)
	}
	id := s.Columns[0]
	if id.Name != "id" || id.Type != types.TypeIncrements || !id.PrimaryKey {
		t.Errorf("expected id to be the increments primary key, got %+v", id)
	}
	for _, name := range []string{"foo", "bob"} {
		c, ok := s.Column(name)
		if !ok {
			t.Fatalf("missing column %s", name)
		}
		if c.Type != types.TypeString || !c.Nullable {
			t.Errorf("%s: expected nullable string, got %+v", name, c)
		}
	}
}

func TestInfer_SynthesizesMissingPrimaryKey(t *testing.T) {
	s := Infer(types.NewRow("foo", "bar"), nil, defaultOpts)

	if s.Columns[0].Name != "id" || s.Columns[0].Type != types.TypeIncrements {
		t.Errorf("expected synthesized id first, got %+v", s.Columns[0])
	}
	if len(s.Columns) != 2 {
		t.Errorf("expected 2 columns, got %d", len(s.Columns))
	}
}

func TestInfer_NoPrimaryKeyWhenNotIncrementing(t *testing.T) {
	s := Infer(types.NewRow("code", "US"), nil, Options{PrimaryKey: "id"})
	if _, ok := s.Column("id"); ok {
		t.Error("non-incrementing entity should not get a synthesized key")
	}
}

func TestInfer_NonIntegerKeyIsPlainColumn(t *testing.T) {
	for _, opts := range []Options{{PrimaryKey: "code"}, {PrimaryKey: "code", Incrementing: true}} {
		s := Infer(types.NewRow("code", "PT", "name", "Portugal"), nil, opts)
		c, ok := s.Column("code")
		if !ok {
			t.Fatalf("missing code column: %+v", s.Columns)
		}
		if c.PrimaryKey || !c.Nullable || c.Type != types.TypeString {
			t.Errorf("opts %+v: expected nullable string code, got %+v", opts, c)
		}
		ddl, err := CreateTableSQL("countries", s)
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(ddl, `"code" varchar primary key`) || strings.Contains(ddl, `"code" varchar not null`) {
			t.Errorf("string key should carry no constraint: %s", ddl)
		}
	}
}

func TestInfer_IntegerKeyIncrementsWithoutFlag(t *testing.T) {
	s := Infer(types.NewRow("id", 7, "name", "seven"), nil, Options{PrimaryKey: "id"})
	if len(s.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %+v", s.Columns)
	}
	if c := s.Columns[0]; c.Name != "id" || c.Type != types.TypeIncrements {
		t.Errorf("integer key should become increments, got %+v", c)
	}
}

func TestInferFromOverride_NonIntegerKeyIsPlainColumn(t *testing.T) {
	override := types.SchemaOverride{
		{Name: "code", Type: types.TypeString},
		{Name: "name", Type: types.TypeString},
	}
	s := InferFromOverride(override, Options{PrimaryKey: "code"})
	for _, c := range s.Columns {
		if c.PrimaryKey || !c.Nullable {
			t.Errorf("expected plain nullable column, got %+v", c)
		}
	}

	s = InferFromOverride(types.SchemaOverride{{Name: "id", Type: types.TypeInteger}}, Options{PrimaryKey: "id"})
	if s.Columns[0].Type != types.TypeIncrements {
		t.Errorf("integer key should become increments, got %+v", s.Columns[0])
	}
}

func TestInfer_VaryingTypes(t *testing.T) {
	sample := types.NewRow(
		"int", 123,
		"float", 123.456,
		"datetime", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		"string", "bar",
		"null", nil,
	)
	s := Infer(sample, nil, defaultOpts)

	want := map[string]types.ColumnType{
		"int":      types.TypeInteger,
		"float":    types.TypeFloat,
		"datetime": types.TypeDateTime,
		"string":   types.TypeString,
		"null":     types.TypeString,
	}
	for name, typ := range want {
		c, ok := s.Column(name)
		if !ok {
			t.Fatalf("missing column %s", name)
		}
		if c.Type != typ {
			t.Errorf("%s: got %s, want %s", name, c.Type, typ)
		}
	}
}

func TestInfer_OverrideWins(t *testing.T) {
	sample := types.NewRow("float", 123.456, "string", "foo")
	override := types.SchemaOverride{{Name: "float", Type: types.TypeString}}

	s := Infer(sample, override, defaultOpts)
	c, _ := s.Column("float")
	if c.Type != types.TypeString {
		t.Errorf("expected override type string, got %s", c.Type)
	}
}

func TestInfer_Timestamps(t *testing.T) {
	opts := defaultOpts
	opts.Timestamps = true

	s := Infer(types.NewRow("name", "x"), nil, opts)
	for _, name := range []string{types.CreatedAtColumn, types.UpdatedAtColumn} {
		c, ok := s.Column(name)
		if !ok {
			t.Fatalf("missing %s", name)
		}
		if c.Type != types.TypeTimestamp || !c.Nullable {
			t.Errorf("%s: expected nullable timestamp, got %+v", name, c)
		}
	}

	// A row that already carries one timestamp only gets the other one.
	s = Infer(types.NewRow("created_at", "2020-01-01"), nil, opts)
	count := 0
	for _, c := range s.Columns {
		if c.Name == types.CreatedAtColumn {
			count++
		}
	}
	if count != 1 {
		t.Errorf("created_at defined %d times", count)
	}
	if _, ok := s.Column(types.UpdatedAtColumn); !ok {
		t.Error("expected updated_at to be appended")
	}
}

func TestInferFromOverride(t *testing.T) {
	override := types.SchemaOverride{
		{Name: "id", Type: types.TypeInteger},
		{Name: "name", Type: types.TypeString},
	}
	s := InferFromOverride(override, defaultOpts)

	if len(s.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %+v", s.Columns)
	}
	if s.Columns[0].Type != types.TypeIncrements {
		t.Errorf("integer id should become increments, got %s", s.Columns[0].Type)
	}

	s = InferFromOverride(types.SchemaOverride{{Name: "name", Type: types.TypeString}}, defaultOpts)
	if s.Columns[0].Name != "id" || s.Columns[0].Type != types.TypeIncrements {
		t.Errorf("expected synthesized id, got %+v", s.Columns[0])
	}

	s = InferFromOverride(nil, defaultOpts)
	if len(s.Columns) != 1 {
		t.Errorf("empty override should yield only the key, got %+v", s.Columns)
	}
}

func TestForEntity(t *testing.T) {
	e := types.NewEntity("Blank", types.StaticRows)
	e.Schema = types.SchemaOverride{{Name: "name", Type: types.TypeString}}

	s := ForEntity(e, nil)
	if _, ok := s.Column("name"); !ok {
		t.Error("schema-only path should use the override")
	}

	s = ForEntity(e, []types.Row{types.NewRow("title", "x")})
	if _, ok := s.Column("name"); ok {
		t.Error("row path should only use sample columns")
	}
}

func TestCreateTableSQL(t *testing.T) {
	s := Infer(types.NewRow("id", 5, "foo", "bar", "price", 1.5), nil, defaultOpts)
	ddl, err := CreateTableSQL("things", s)
	if err != nil {
		t.Fatalf("CreateTableSQL failed: %v", err)
	}
	want := `create table "things" ("id" integer primary key autoincrement not null, "foo" varchar, "price" float)`
	if ddl != want {
		t.Errorf("got  %s\nwant %s", ddl, want)
	}
}

func TestCreateTableSQL_Rejects(t *testing.T) {
	bad := types.Schema{Columns: []types.ColumnDef{{Name: "x", Type: "uuidish", Nullable: true}}}
	_, err := CreateTableSQL("t", bad)
	if rcerrors.GetCode(err) != rcerrors.CodeInvalidColumnType {
		t.Errorf("expected INVALID_COLUMN_TYPE, got %v", err)
	}

	badName := types.Schema{Columns: []types.ColumnDef{{Name: "drop table", Type: types.TypeString}}}
	_, err = CreateTableSQL("t", badName)
	if rcerrors.GetCode(err) != rcerrors.CodeInvalidColumnName {
		t.Errorf("expected INVALID_COLUMN_NAME, got %v", err)
	}

	_, err = CreateTableSQL("t", types.Schema{})
	if err == nil {
		t.Error("expected error for empty schema")
	}
}

func TestValidateColumnName(t *testing.T) {
	valid := []string{"id", "_hidden", "created_at", "Col9"}
	invalid := []string{"", "9col", "with space", "semi;colon", strings.Repeat("a", 101)}
	for _, n := range valid {
		if !ValidateColumnName(n) {
			t.Errorf("%q should be valid", n)
		}
	}
	for _, n := range invalid {
		if ValidateColumnName(n) {
			t.Errorf("%q should be invalid", n)
		}
	}
}

// Inferred columns other than the key are always nullable, and the key is
// never defined twice.
func TestProperty_InferredSchemaShape(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("non-key columns nullable, key unique", prop.ForAll(
		func(withID bool, id int64, names []string) bool {
			var row types.Row
			if withID {
				row.Set("id", id)
			}
			for _, n := range names {
				if n == "id" {
					continue
				}
				row.Set(n, n)
			}
			s := Infer(row, nil, defaultOpts)

			keys := 0
			for _, c := range s.Columns {
				if c.Name == "id" {
					keys++
					if c.Type != types.TypeIncrements {
						return false
					}
					continue
				}
				if !c.Nullable {
					return false
				}
			}
			return keys == 1
		},
		gen.Bool(),
		gen.Int64(),
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
