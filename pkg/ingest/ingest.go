// Package ingest loads dataset documentation into the document stores.
// Field definitions arrive as JSON or spreadsheet rows and land in the
// field definition store; supplemental documentation arrives as markdown,
// PDF or DOCX, gets split into titled sections and lands in the info store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/geoassist/pkg/docstore"
	"github.com/kadirpekel/geoassist/pkg/logger"
)

const defaultConcurrency = 4

// Job names the documents one ingest run loads. Field definition documents
// describe the columns of a single table; supplemental documents carry the
// appendices, code lookups and abbreviations around that table.
type Job struct {
	Table  string   // table the field definitions describe
	Fields []string // field definition documents (.json, .xlsx)
	Docs   []string // supplemental documents (.md, .txt, .pdf, .docx)
}

// Report counts what one run indexed.
type Report struct {
	Definitions int
	Sections    int
	Files       int
}

// Pipeline parses documentation files and indexes them into the stores.
type Pipeline struct {
	fields      *docstore.FieldDefinitionStore
	info        *docstore.SupplementalInfoStore
	log         *slog.Logger
	concurrency int
}

type Option func(*Pipeline)

// WithConcurrency bounds how many documents are parsed and embedded at once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func New(fields *docstore.FieldDefinitionStore, info *docstore.SupplementalInfoStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		fields:      fields,
		info:        info,
		log:         logger.With("ingest"),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ingests every document in the job, one errgroup task per file.
// Document ids derive from table, source and ordinal, so re-running a job
// overwrites instead of duplicating.
func (p *Pipeline) Run(ctx context.Context, job Job) (Report, error) {
	if len(job.Fields) == 0 && len(job.Docs) == 0 {
		return Report{}, fmt.Errorf("nothing to ingest")
	}
	if len(job.Fields) > 0 && job.Table == "" {
		return Report{}, fmt.Errorf("field definitions need a table name")
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(p.concurrency)

	var mu sync.Mutex
	var report Report

	for _, path := range job.Fields {
		group.Go(func() error {
			defs, err := ReadFieldDefinitions(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if len(defs) == 0 {
				p.log.Warn("No field definitions found", "path", path)
				return nil
			}
			if err := p.fields.AddDefinitions(ctx, job.Table, filepath.Base(path), defs); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			p.log.Info("Indexed field definitions", "path", path, "table", job.Table, "count", len(defs))

			mu.Lock()
			report.Definitions += len(defs)
			report.Files++
			mu.Unlock()
			return nil
		})
	}

	for _, path := range job.Docs {
		group.Go(func() error {
			sections, err := ReadSections(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if len(sections) == 0 {
				p.log.Warn("No sections found", "path", path)
				return nil
			}
			if job.Table != "" {
				for i := range sections {
					sections[i].Table = job.Table
				}
			}
			if err := p.info.AddSections(ctx, filepath.Base(path), sections); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			p.log.Info("Indexed supplemental sections", "path", path, "count", len(sections))

			mu.Lock()
			report.Sections += len(sections)
			report.Files++
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return Report{}, err
	}
	return report, nil
}
