package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/geoassist/pkg/embedders"
	"github.com/kadirpekel/geoassist/pkg/ingest"
)

// IngestCmd indexes documentation files into the document stores. It only
// needs the embedder and the vector indexes, so it runs without a database
// or chat provider.
type IngestCmd struct {
	Table       string   `help:"Table the field definition files describe."`
	Fields      []string `help:"Field definition files (xlsx, csv)." type:"existingfile"`
	Docs        []string `help:"Supplemental documents (pdf, docx, txt, md)." type:"existingfile"`
	Concurrency int      `default:"4" help:"Parallel embedding workers."`
}

func (c *IngestCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedder, err := embedders.New(&cfg.Embedder)
	if err != nil {
		return err
	}
	defer embedder.Close()

	fields, info, closeStores, err := buildStores(ctx, cfg, embedder)
	if err != nil {
		return err
	}
	defer closeStores()

	pipeline := ingest.New(fields, info, ingest.WithConcurrency(c.Concurrency))
	report, err := pipeline.Run(ctx, ingest.Job{
		Table:  c.Table,
		Fields: c.Fields,
		Docs:   c.Docs,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Indexed %d field definitions and %d sections from %d files\n",
		report.Definitions, report.Sections, report.Files)
	return nil
}
