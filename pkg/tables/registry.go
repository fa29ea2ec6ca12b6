// Package tables maintains the live catalog of tile-served PostGIS tables:
// discovery from the tile server, geometry probing, multi-criteria selection
// and the lifecycle of analysis-created tables.
package tables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/geoassist/pkg/httpclient"
	"github.com/kadirpekel/geoassist/pkg/logger"
	"github.com/kadirpekel/geoassist/pkg/observability"
	"github.com/kadirpekel/geoassist/pkg/sqltemplate"
)

// Config carries the discovery endpoints and database conventions.
type Config struct {
	// TileservURL is the base URL of the pg_tileserv instance.
	TileservURL string
	// BaseSchema holds the published source tables; tables discovered in any
	// other schema count as analysis outputs.
	BaseSchema     string
	GeometryColumn string
	Timeout        time.Duration
}

// Registry is a snapshot catalog of tile-served tables. Reads copy; Sync,
// Register, Unregister, Cleanup and DropSchema take the write lock.
type Registry struct {
	runner *sqltemplate.Runner
	client *httpclient.Client
	cfg    Config
	log    *slog.Logger

	mu     sync.RWMutex
	tables map[string]Table
	// saved pins tables promoted by a save step across Cleanup and Sync.
	saved map[string]bool
}

func NewRegistry(runner *sqltemplate.Runner, cfg Config) *Registry {
	if cfg.TileservURL == "" {
		cfg.TileservURL = "http://127.0.0.1:7800"
	}
	if cfg.BaseSchema == "" {
		cfg.BaseSchema = "public"
	}
	if cfg.GeometryColumn == "" {
		cfg.GeometryColumn = "geometry"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Registry{
		runner: runner,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		),
		cfg:    cfg,
		log:    logger.With("tables"),
		tables: map[string]Table{},
		saved:  map[string]bool{},
	}
}

// indexEntry is one row of the tile server's index document.
type indexEntry struct {
	ID        string `json:"id"`
	Schema    string `json:"schema"`
	Name      string `json:"name"`
	DetailURL string `json:"detailurl"`
}

// tableDetail is the per-table detail document.
type tableDetail struct {
	TileURL    string    `json:"tileurl"`
	Bounds     []float64 `json:"bounds"`
	Properties []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"properties"`
}

// Sync rebuilds the catalog from the tile server. A table whose detail
// document cannot be fetched is omitted with a warning; a failed geometry
// probe keeps the table with GeometryNotFound.
func (r *Registry) Sync(ctx context.Context) error {
	index, err := r.fetchIndex(ctx)
	if err != nil {
		return err
	}

	tables := make(map[string]Table, len(index))
	for id, entry := range index {
		table, err := r.discover(ctx, entry)
		if err != nil {
			r.log.Warn("Skipping table", "table", id, "error", err)
			continue
		}
		tables[id] = table
	}

	r.mu.Lock()
	r.tables = tables
	r.mu.Unlock()

	r.log.Info("Registry synced", "tables", len(tables))
	return nil
}

// Register re-discovers one table by name and adds it to the catalog.
func (r *Registry) Register(ctx context.Context, name string) (Table, error) {
	index, err := r.fetchIndex(ctx)
	if err != nil {
		return Table{}, err
	}

	for id, entry := range index {
		if entry.Name != name {
			continue
		}
		table, err := r.discover(ctx, entry)
		if err != nil {
			return Table{}, fmt.Errorf("failed to register table %q: %w", name, err)
		}
		r.mu.Lock()
		r.tables[id] = table
		r.mu.Unlock()
		r.log.Info("Registered table",
			"table", id,
			"geometry", table.GeometryType,
			"temporary", table.Temporary)
		return table, nil
	}
	return Table{}, fmt.Errorf("table %q is not served by the tile server", name)
}

// Unregister drops the named table from the database and the catalog.
// Unknown names are a no-op.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.RLock()
	var id string
	var table Table
	found := false
	for tid, t := range r.tables {
		if t.Name == name {
			id, table, found = tid, t, true
			break
		}
	}
	r.mu.RUnlock()
	if !found {
		return nil
	}

	if _, err := r.runner.Exec(ctx, sqltemplate.TemplateDrop, sqltemplate.DropArgs{
		Schema: table.Schema,
		Table:  table.Name,
	}); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", id, err)
	}

	r.mu.Lock()
	delete(r.tables, id)
	r.mu.Unlock()
	return nil
}

// Cleanup drops every temporary table. Failures are collected; the catalog
// entry goes away either way, since teardown must not wedge on a table that
// is already gone.
func (r *Registry) Cleanup(ctx context.Context) error {
	r.mu.RLock()
	temps := make([]Table, 0)
	for _, t := range r.tables {
		if t.Temporary {
			temps = append(temps, t)
		}
	}
	r.mu.RUnlock()
	sort.Slice(temps, func(i, j int) bool { return temps[i].ID() < temps[j].ID() })

	var errs []error
	for _, table := range temps {
		if _, err := r.runner.Exec(ctx, sqltemplate.TemplateDrop, sqltemplate.DropArgs{
			Schema: table.Schema,
			Table:  table.Name,
		}); err != nil {
			r.log.Warn("Failed to drop temporary table", "table", table.ID(), "error", err)
			errs = append(errs, fmt.Errorf("drop %s: %w", table.ID(), err))
		}
		r.mu.Lock()
		delete(r.tables, table.ID())
		r.mu.Unlock()
	}
	return errors.Join(errs...)
}

// DropSchema cascades the schema away and forgets its tables.
func (r *Registry) DropSchema(ctx context.Context, schema string) error {
	if _, err := r.runner.Exec(ctx, sqltemplate.TemplateDropSchema, sqltemplate.DropSchemaArgs{
		Schema: schema,
	}); err != nil {
		return fmt.Errorf("failed to drop schema %q: %w", schema, err)
	}

	r.mu.Lock()
	for id, t := range r.tables {
		if t.Schema == schema {
			delete(r.tables, id)
		}
	}
	r.mu.Unlock()
	return nil
}

// Promote pins an analysis table across Cleanup and future Syncs.
func (r *Registry) Promote(schema, name string) {
	id := schema + "." + name
	r.mu.Lock()
	r.saved[id] = true
	if t, ok := r.tables[id]; ok {
		t.Temporary = false
		r.tables[id] = t
	}
	r.mu.Unlock()
}

// Select applies the criteria left to right over a snapshot of the catalog.
func (r *Registry) Select(criteria ...Criterion) []Table {
	candidates := r.Tables()
	for _, c := range criteria {
		candidates = c.apply(candidates)
	}
	return candidates
}

// Tables returns a snapshot sorted by id.
func (r *Registry) Tables() []Table {
	r.mu.RLock()
	out := make([]Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Names lists the distinct table names, sorted.
func (r *Registry) Names() []string {
	seen := map[string]bool{}
	var names []string
	for _, t := range r.Tables() {
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// VerifyFields filters LLM-proposed field results down to ones naming a real
// column, rewriting each name to the registry's canonical casing. Input
// order is preserved and each result appears at most once.
func (r *Registry) VerifyFields(results []map[string]any) []map[string]any {
	tables := r.Tables()

	var verified []map[string]any
	for _, result := range results {
		name, _ := result["name"].(string)
		if name == "" {
			continue
		}
		canonical, ok := canonicalColumn(tables, name)
		if !ok {
			continue
		}
		out := make(map[string]any, len(result))
		for k, v := range result {
			out[k] = v
		}
		out["name"] = canonical
		verified = append(verified, out)
	}
	return verified
}

func canonicalColumn(tables []Table, name string) (string, bool) {
	for _, table := range tables {
		for _, column := range table.Columns {
			if strings.EqualFold(column, name) {
				return column, true
			}
		}
	}
	return "", false
}

func (r *Registry) fetchIndex(ctx context.Context) (map[string]indexEntry, error) {
	var index map[string]indexEntry
	if err := r.fetchJSON(ctx, r.cfg.TileservURL+"/index.json", &index); err != nil {
		return nil, fmt.Errorf("failed to load tile server index: %w", err)
	}
	return index, nil
}

func (r *Registry) discover(ctx context.Context, entry indexEntry) (Table, error) {
	var detail tableDetail
	if err := r.fetchJSON(ctx, entry.DetailURL, &detail); err != nil {
		return Table{}, err
	}

	columns := make([]string, 0, len(detail.Properties))
	for _, p := range detail.Properties {
		columns = append(columns, p.Name)
	}

	bounds := WorldBounds
	if len(detail.Bounds) == 4 {
		bounds = Bounds{
			West:  detail.Bounds[0],
			South: detail.Bounds[1],
			East:  detail.Bounds[2],
			North: detail.Bounds[3],
		}
	}

	table := Table{
		Schema:       entry.Schema,
		Name:         entry.Name,
		Columns:      columns,
		IndexURL:     entry.DetailURL,
		TileURL:      detail.TileURL,
		Bounds:       bounds,
		GeometryType: r.probeGeometry(ctx, entry.Schema, entry.Name),
	}
	if table.Schema != r.cfg.BaseSchema {
		table.Analysis = table.Schema
		table.Temporary = !r.isSaved(table.ID())
	}
	return table, nil
}

func (r *Registry) probeGeometry(ctx context.Context, schema, table string) string {
	rows, err := r.runner.Exec(ctx, sqltemplate.TemplateGeometryType, sqltemplate.GeometryTypeArgs{
		Schema:         schema,
		Table:          table,
		GeometryColumn: r.cfg.GeometryColumn,
		Limit:          1,
	})
	if err != nil {
		r.log.Warn("Geometry probe failed", "schema", schema, "table", table, "error", err)
		return GeometryNotFound
	}
	if len(rows) == 0 {
		return GeometryNotFound
	}
	gtype, _ := rows[0]["geometry_type"].(string)
	if gtype == "" {
		return GeometryNotFound
	}
	return strings.TrimPrefix(gtype, "ST_")
}

func (r *Registry) isSaved(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saved[id]
}

func (r *Registry) fetchJSON(ctx context.Context, url string, out any) (err error) {
	ctx, span := observability.GetTracer("geoassist.tileserv").Start(ctx, observability.SpanTileservFetch,
		trace.WithAttributes(attribute.String(observability.AttrHTTPPath, url)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("tile server request failed: %w", err)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode tile server response: %w", err)
	}
	return nil
}
