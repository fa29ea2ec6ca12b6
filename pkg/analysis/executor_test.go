package analysis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/geoassist/pkg/sqltemplate"
)

func newTestExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	runner, err := sqltemplate.NewRunner(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close() })

	return NewExecutor(runner, ExecutorConfig{}), mock
}

func geometryTypeRows(types ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"geometry_type"})
	for _, t := range types {
		rows.AddRow(t)
	}
	return rows
}

func mustParsePlan(t *testing.T, data string) *Plan {
	t.Helper()
	plan, err := ParsePlan([]byte(data))
	require.NoError(t, err)
	return plan
}

func TestExecute(t *testing.T) {
	executor, mock := newTestExecutor(t)
	qm := regexp.QuoteMeta

	plan := mustParsePlan(t, `{
  "name": "parcel_analysis",
  "steps": [
    {
      "step": "filter",
      "name": "Filter big parcels",
      "reasoning": "Keep parcels over five acres",
      "select": [{"column": "parcel_id"}],
      "from_table": "parcels",
      "where_clause": [{"column": "acres", "operator": ">", "value": 5}],
      "output_table": "big_parcels"
    },
    {
      "step": "addLayer",
      "name": "Show big parcels",
      "reasoning": "Put the result on the map",
      "source_table": 0,
      "layer_id": "big_parcels_layer",
      "color": "#00ff00"
    }
  ]
}`)

	mock.ExpectBegin()
	mock.ExpectExec(qm(`CREATE SCHEMA IF NOT EXISTS "parcel_analysis";
GRANT USAGE ON SCHEMA "parcel_analysis" TO "tileserv";`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	// The filter step has no declared output geometry, so its source gets
	// probed first.
	mock.ExpectBegin()
	mock.ExpectQuery(qm(`SELECT DISTINCT ST_GeometryType("geometry") AS geometry_type
FROM "public"."parcels"
WHERE "geometry" IS NOT NULL;`)).
		WillReturnRows(geometryTypeRows("ST_Polygon"))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(qm(`CREATE TABLE "parcel_analysis"."big_parcels" AS
SELECT
    "parcel_id",
    ST_Multi("geometry")::geometry(MultiPolygon, 3857) AS "geometry"
FROM "public"."parcels"
WHERE "acres" > 5;`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(qm(`SELECT Populate_Geometry_Columns('"parcel_analysis"."big_parcels"'::regclass);
GRANT SELECT ON "parcel_analysis"."big_parcels" TO "tileserv";
CREATE INDEX IF NOT EXISTS "big_parcels_geometry_idx"
    ON "parcel_analysis"."big_parcels" USING GIST ("geometry");
ANALYZE "parcel_analysis"."big_parcels";`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	// big_parcels feeds the map layer, so cleanup must not drop it.

	var events []Event
	report, err := executor.Execute(context.Background(), plan,
		RunInfo{ID: "run-1", Query: "show big parcels"},
		func(e Event) { events = append(events, e) })
	require.NoError(t, err)

	require.Len(t, report.Items, 2)
	created, ok := report.Items[0].(TableCreated)
	require.True(t, ok)
	assert.Equal(t, "Filter big parcels", created.Step)
	assert.Equal(t, "big_parcels", created.Table)
	assert.Equal(t, []string{"parcel_id"}, created.Columns)

	layer, ok := report.Items[1].(MapLayerArguments)
	require.True(t, ok)
	assert.Equal(t, "parcel_analysis", layer.Schema)
	assert.Equal(t, "big_parcels", layer.Table)
	assert.Equal(t, "big_parcels_layer", layer.LayerID)
	assert.Equal(t, "#00ff00", layer.Color)

	require.Len(t, events, 5)
	for _, e := range events {
		assert.Equal(t, "run-1", e.ID)
		assert.Equal(t, "show big parcels", e.Query)
	}
	assert.Equal(t, "Filter big parcels", events[0].Step)
	assert.Equal(t, StatusProcessing, events[0].Status)
	assert.Equal(t, 0.0, events[0].Progress)
	assert.Equal(t, 0.5, events[1].Progress)
	assert.Equal(t, "Show big parcels", events[2].Step)
	assert.Equal(t, 0.5, events[2].Progress)
	assert.Equal(t, 1.0, events[3].Progress)
	assert.Equal(t, "Analysis complete", events[4].Step)
	assert.Equal(t, StatusSucceeded, events[4].Status)
	assert.Equal(t, 1.0, events[4].Progress)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_DropsIntermediatesOnFailure(t *testing.T) {
	executor, mock := newTestExecutor(t)
	qm := regexp.QuoteMeta

	plan := mustParsePlan(t, `{
  "name": "parcel_analysis",
  "steps": [
    {
      "step": "filter",
      "name": "Filter big parcels",
      "reasoning": "Keep parcels over five acres",
      "select": [{"column": "parcel_id"}],
      "from_table": "parcels",
      "where_clause": [{"column": "acres", "operator": ">", "value": 5}],
      "output_table": "big_parcels"
    },
    {
      "step": "filter",
      "name": "Filter tiny parcels",
      "reasoning": "Narrow down to the smallest",
      "select": [{"column": "parcel_id"}],
      "from_table": 0,
      "where_clause": [{"column": "acres", "operator": "<", "value": 1}],
      "output_table": "tiny_parcels"
    }
  ]
}`)

	dbErr := fmt.Errorf("out of disk")

	mock.ExpectBegin()
	mock.ExpectExec(qm(`CREATE SCHEMA IF NOT EXISTS "parcel_analysis"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(qm(`FROM "public"."parcels"`)).
		WillReturnRows(geometryTypeRows("ST_Polygon"))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(qm(`CREATE TABLE "parcel_analysis"."big_parcels" AS`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(qm(`Populate_Geometry_Columns('"parcel_analysis"."big_parcels"'::regclass)`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	// Second step: the probe now hits the first step's output.
	mock.ExpectBegin()
	mock.ExpectQuery(qm(`FROM "parcel_analysis"."big_parcels"`)).
		WillReturnRows(geometryTypeRows("ST_MultiPolygon"))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(qm(`CREATE TABLE "parcel_analysis"."tiny_parcels" AS`)).
		WillReturnError(dbErr)
	mock.ExpectRollback()

	// Cleanup drops the orphaned intermediate.
	mock.ExpectBegin()
	mock.ExpectExec(qm(`DROP TABLE IF EXISTS "parcel_analysis"."big_parcels" CASCADE;`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var events []Event
	_, err := executor.Execute(context.Background(), plan,
		RunInfo{ID: "run-2", Query: "tiny parcels"},
		func(e Event) { events = append(events, e) })
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "parcel_analysis", stepErr.Analysis)
	assert.Equal(t, "Filter tiny parcels", stepErr.Step)
	assert.True(t, errors.Is(err, dbErr))

	last := events[len(events)-1]
	assert.Equal(t, "Filter tiny parcels", last.Step)
	assert.Equal(t, StatusError, last.Status)
	assert.Equal(t, 0.5, last.Progress)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_CreateSchemaFailure(t *testing.T) {
	executor, mock := newTestExecutor(t)

	plan := mustParsePlan(t, `{
  "name": "parcel_analysis",
  "steps": [
    {
      "step": "buffer",
      "name": "Buffer parcels",
      "reasoning": "r",
      "from_table": "parcels",
      "buffer_distance": 10,
      "output_table": "buffered"
    }
  ]
}`)

	dbErr := fmt.Errorf("permission denied for database")
	mock.ExpectBegin()
	mock.ExpectExec("CREATE SCHEMA").WillReturnError(dbErr)
	mock.ExpectRollback()

	var events []Event
	_, err := executor.Execute(context.Background(), plan,
		RunInfo{ID: "run-3", Query: "buffer parcels"},
		func(e Event) { events = append(events, e) })
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "create schema", stepErr.Step)

	require.Len(t, events, 1)
	assert.Equal(t, StatusError, events[0].Status)
	assert.Equal(t, 0.0, events[0].Progress)

	assert.NoError(t, mock.ExpectationsWereMet())
}
