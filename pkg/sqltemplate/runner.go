// Package sqltemplate renders and executes the template SQL set every
// database-touching component runs through: analysis steps, table lifecycle,
// probes and point queries.
package sqltemplate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/geoassist/pkg/logger"
	"github.com/kadirpekel/geoassist/pkg/observability"
)

//go:embed templates/*.sql
var builtinFS embed.FS

// ErrTemplateNotFound reports an Exec against a name no template carries.
var ErrTemplateNotFound = errors.New("sql template not found")

var templateFuncs = template.FuncMap{
	"join": strings.Join,
}

// Runner executes named SQL templates against the PostGIS pool. Built-in
// templates ship embedded; an override directory can shadow them and is
// optionally reloaded on change.
type Runner struct {
	db          *sql.DB
	overrideDir string
	log         *slog.Logger

	mu        sync.RWMutex
	templates map[string]*template.Template

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type Option func(*Runner)

// WithOverrideDir loads *.sql files from dir on top of the embedded set.
func WithOverrideDir(dir string) Option {
	return func(r *Runner) { r.overrideDir = dir }
}

func NewRunner(db *sql.DB, opts ...Option) (*Runner, error) {
	r := &Runner{
		db:  db,
		log: logger.With("sqltemplate"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch reloads the override directory whenever a file in it changes.
// Requires an override directory.
func (r *Runner) Watch() error {
	if r.overrideDir == "" {
		return fmt.Errorf("no override directory to watch")
	}
	if r.watcher != nil {
		return fmt.Errorf("already watching")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(r.overrideDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", r.overrideDir, err)
	}

	r.watcher = watcher
	r.done = make(chan struct{})
	go r.watchEvents()
	return nil
}

func (r *Runner) watchEvents() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".sql" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				r.log.Error("Template reload failed", "error", err)
				continue
			}
			r.log.Info("Templates reloaded", "trigger", filepath.Base(event.Name))
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Error("Template watcher error", "error", err)
		}
	}
}

// Close stops the watcher. The database pool is owned by the caller.
func (r *Runner) Close() error {
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	err := r.watcher.Close()
	r.watcher = nil
	return err
}

func (r *Runner) reload() error {
	templates := make(map[string]*template.Template)

	load := func(name, content string) error {
		tmpl, err := template.New(name).
			Funcs(templateFuncs).
			Option("missingkey=error").
			Parse(content)
		if err != nil {
			return fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		templates[name] = tmpl
		return nil
	}

	entries, err := fs.ReadDir(builtinFS, "templates")
	if err != nil {
		return fmt.Errorf("failed to read embedded templates: %w", err)
	}
	for _, entry := range entries {
		content, err := builtinFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read embedded template %s: %w", entry.Name(), err)
		}
		if err := load(strings.TrimSuffix(entry.Name(), ".sql"), string(content)); err != nil {
			return err
		}
	}

	if r.overrideDir != "" {
		overrides, err := os.ReadDir(r.overrideDir)
		if err != nil {
			return fmt.Errorf("failed to read override directory: %w", err)
		}
		for _, entry := range overrides {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
				continue
			}
			content, err := os.ReadFile(filepath.Join(r.overrideDir, entry.Name()))
			if err != nil {
				return fmt.Errorf("failed to read override template %s: %w", entry.Name(), err)
			}
			if err := load(strings.TrimSuffix(entry.Name(), ".sql"), string(content)); err != nil {
				return err
			}
		}
	}

	r.mu.Lock()
	r.templates = templates
	r.mu.Unlock()
	return nil
}

// Render produces the SQL a template/args pair would execute. Exposed for
// logging and tests; Exec callers never need it.
func (r *Runner) Render(name string, args any) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, args); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// Names lists the loaded template names.
func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// Exec renders and runs one template inside its own transaction. Statements
// that return rows yield them as column → value maps; everything else
// returns nil.
func (r *Runner) Exec(ctx context.Context, name string, args any) (rows []map[string]any, err error) {
	sqlText, err := r.Render(name, args)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("failed to commit: %w", commitErr)
			rows = nil
		}
	}()

	rows, err = r.run(ctx, tx, name, sqlText)
	return rows, err
}

// ExecInTx renders and runs one template inside the caller's transaction.
func (r *Runner) ExecInTx(ctx context.Context, tx *sql.Tx, name string, args any) ([]map[string]any, error) {
	sqlText, err := r.Render(name, args)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, tx, name, sqlText)
}

func (r *Runner) run(ctx context.Context, tx *sql.Tx, name, sqlText string) (rows []map[string]any, err error) {
	ctx, span := observability.GetTracer("geoassist.sql").Start(ctx, observability.SpanSQLExec,
		trace.WithAttributes(attribute.String(observability.AttrTemplateName, name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		observability.RecordSQLExecution(name, err)
	}()

	r.log.Debug("Executing SQL", "template", name, "sql", sqlText)

	// Multi-statement scripts go through Exec: the driver only allows
	// them on the no-argument simple path, and they return no rows.
	if !returnsRows(sqlText) {
		if _, err := tx.ExecContext(ctx, sqlText); err != nil {
			return nil, fmt.Errorf("template %s failed: %w", name, err)
		}
		return nil, nil
	}

	result, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("template %s failed: %w", name, err)
	}
	defer result.Close()

	columns, err := result.Columns()
	if err != nil {
		return nil, fmt.Errorf("template %s failed: %w", name, err)
	}

	for result.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := result.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("template %s failed: %w", name, err)
		}

		row := make(map[string]any, len(columns))
		for i, column := range columns {
			value := values[i]
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			row[column] = value
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("template %s failed: %w", name, err)
	}
	return rows, nil
}
