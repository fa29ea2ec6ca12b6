package sqltemplate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, opts ...Option) (*Runner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	runner, err := NewRunner(db, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close() })
	return runner, mock
}

func TestRender_Filter(t *testing.T) {
	runner, _ := newTestRunner(t)

	got, err := runner.Render(TemplateFilter, FilterArgs{
		Schema:         "wetlands_analysis",
		OutputTable:    "large_parcels",
		GeometryColumn: "geometry",
		SRID:           3857,
		GType:          "MultiPolygon",
		Select:         []string{`"parcel_id"`, `"acres" AS "parcel_acres"`},
		FromTable:      `"public"."parcels"`,
		Where:          []string{`"acres" > 5`, `"zone" = 'AG'`},
		OrderBy:        []string{`"acres"`},
		OrderDesc:      true,
		Limit:          10,
	})
	require.NoError(t, err)

	want := `CREATE TABLE "wetlands_analysis"."large_parcels" AS
SELECT
    "parcel_id",
    "acres" AS "parcel_acres",
    ST_Multi("geometry")::geometry(MultiPolygon, 3857) AS "geometry"
FROM "public"."parcels"
WHERE "acres" > 5 AND "zone" = 'AG'
ORDER BY "acres" DESC
LIMIT 10;`
	assert.Equal(t, want, got)
}

func TestRender_FilterGeometryCollection(t *testing.T) {
	runner, _ := newTestRunner(t)

	got, err := runner.Render(TemplateFilter, FilterArgs{
		Schema:         "a",
		OutputTable:    "t",
		GeometryColumn: "geometry",
		SRID:           3857,
		GType:          "GeometryCollection",
		Select:         []string{`"id"`},
		FromTable:      `"public"."mixed"`,
	})
	require.NoError(t, err)
	assert.Contains(t, got, `ST_ForceCollection("geometry")::geometry(GeometryCollection, 3857)`)
	assert.NotContains(t, got, "WHERE")
	assert.NotContains(t, got, "LIMIT")
}

func TestRender_MergeWithSpatialAggregate(t *testing.T) {
	runner, _ := newTestRunner(t)

	got, err := runner.Render(TemplateMerge, MergeArgs{
		Schema:         "a",
		OutputTable:    "joined",
		GeometryColumn: "geometry",
		SRID:           3857,
		GType:          "MultiPolygon",
		LeftSelect:     []string{`l."parcel_id" AS "parcel_id"`},
		RightSelect:    []string{`r."name" AS "wetland_name"`},
		LeftTable:      `"public"."parcels"`,
		RightTable:     `"public"."wetlands"`,
		Predicate:      `ST_DWithin(l."geometry", r."geometry", 100)`,
		GeometryExpr:   `ST_Union(l."geometry")`,
		GroupBy:        []string{`l."parcel_id"`, `r."name"`},
	})
	require.NoError(t, err)
	assert.Contains(t, got, `JOIN "public"."wetlands" AS r`)
	assert.Contains(t, got, `ON ST_DWithin(l."geometry", r."geometry", 100)`)
	assert.Contains(t, got, `ST_Union(l."geometry") AS "geometry"`)
	assert.Contains(t, got, `GROUP BY l."parcel_id", r."name"`)
	assert.NotContains(t, got, "ST_Multi")
}

func TestRender_Postprocess(t *testing.T) {
	runner, _ := newTestRunner(t)

	got, err := runner.Render(TemplatePostprocess, PostprocessArgs{
		Schema:         "a",
		Table:          "step_1",
		Role:           "tileserv",
		GeometryColumn: "geometry",
		HasGeometry:    true,
	})
	require.NoError(t, err)
	assert.Contains(t, got, `SELECT Populate_Geometry_Columns('"a"."step_1"'::regclass);`)
	assert.Contains(t, got, `GRANT SELECT ON "a"."step_1" TO "tileserv";`)
	assert.Contains(t, got, `USING GIST ("geometry")`)
	assert.Contains(t, got, `ANALYZE "a"."step_1";`)

	// Geometry-less tables skip the spatial index.
	got, err = runner.Render(TemplatePostprocess, PostprocessArgs{
		Schema: "a", Table: "stats", Role: "tileserv", GeometryColumn: "geometry",
	})
	require.NoError(t, err)
	assert.NotContains(t, got, "GIST")
}

func TestRender_UnknownTemplate(t *testing.T) {
	runner, _ := newTestRunner(t)

	_, err := runner.Render("no_such_template", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
}

func TestRender_MissingKeyErrors(t *testing.T) {
	runner, _ := newTestRunner(t)

	_, err := runner.Render(TemplateDrop, map[string]any{"Schema": "a"})
	require.Error(t, err)
}

func TestExec_QueryPathReturnsRows(t *testing.T) {
	runner, mock := newTestRunner(t)

	want := `SELECT count(*) AS count
FROM "public"."parcels"
WHERE "acres" > 5;`

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(want)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))
	mock.ExpectCommit()

	rows, err := runner.Exec(context.Background(), TemplateCount, CountArgs{
		Schema: "public",
		Table:  "parcels",
		Where:  []string{`"acres" > 5`},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(42), rows[0]["count"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExec_ExecPathReturnsNil(t *testing.T) {
	runner, mock := newTestRunner(t)

	want := `DROP TABLE IF EXISTS "analysis"."step_1" CASCADE;`
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(want)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	rows, err := runner.Exec(context.Background(), TemplateDrop, DropArgs{Schema: "analysis", Table: "step_1"})
	require.NoError(t, err)
	assert.Nil(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExec_RollsBackOnError(t *testing.T) {
	runner, mock := newTestRunner(t)

	dbErr := fmt.Errorf(`relation "public"."missing" does not exist`)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT count").WillReturnError(dbErr)
	mock.ExpectRollback()

	_, err := runner.Exec(context.Background(), TemplateCount, CountArgs{Schema: "public", Table: "missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dbErr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecInTx_JoinsCallerTransaction(t *testing.T) {
	runner, mock := newTestRunner(t)

	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP TABLE IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := runner.db.BeginTx(context.Background(), nil)
	require.NoError(t, err)

	_, err = runner.ExecInTx(context.Background(), tx, TemplateDrop, DropArgs{Schema: "a", Table: "t1"})
	require.NoError(t, err)
	_, err = runner.ExecInTx(context.Background(), tx, TemplateDrop, DropArgs{Schema: "a", Table: "t2"})
	require.NoError(t, err)

	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOverrideDirectoryShadowsBuiltins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "count.sql"),
		[]byte(`SELECT 1 AS count FROM "{{ .Schema }}"."{{ .Table }}";`), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "custom.sql"),
		[]byte(`SELECT now();`), 0o644))

	runner, _ := newTestRunner(t, WithOverrideDir(dir))

	got, err := runner.Render(TemplateCount, CountArgs{Schema: "public", Table: "parcels"})
	require.NoError(t, err)
	assert.Equal(t, `SELECT 1 AS count FROM "public"."parcels";`, got)

	_, err = runner.Render("custom", nil)
	require.NoError(t, err)

	// Builtins not shadowed still load.
	_, err = runner.Render(TemplateDrop, DropArgs{Schema: "a", Table: "t"})
	require.NoError(t, err)
}

func TestReturnsRows(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want bool
	}{
		{"select", `SELECT * FROM t;`, true},
		{"with", `WITH x AS (SELECT 1) SELECT * FROM x`, true},
		{"show", `SHOW search_path;`, true},
		{"create", `CREATE TABLE t AS SELECT 1;`, false},
		{"multi statement select", "SELECT 1;\nSELECT 2;", false},
		{"semicolon in literal", `SELECT ';' AS c FROM t;`, true},
		{"semicolon in identifier", `SELECT 1 AS ";" FROM t;`, true},
		{"leading comment", "-- count rows\nSELECT count(*) FROM t;", true},
		{"block comment", "/* probe; fast */ SELECT 1;", true},
		{"dollar quoted body", "SELECT 1; DO $$ BEGIN NULL; END $$;", false},
		{"single dollar quoted", `SELECT $tag$a;b$tag$ AS v;`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, returnsRows(tt.sql))
		})
	}
}
