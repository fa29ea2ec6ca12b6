// Command geoassist is the CLI for the geoassist service.
//
// Usage:
//
//	geoassist serve --config config.yaml
//	geoassist chat --config config.yaml
//	geoassist ingest --table parcels --fields dictionary.xlsx --docs metadata.pdf
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the assistant server."`
	Chat    ChatCmd    `cmd:"" help:"Chat with the assistant in the terminal, without a server."`
	Ingest  IngestCmd  `cmd:"" help:"Index documentation files into the document stores."`
	Schema  SchemaCmd  `cmd:"" help:"Print the JSON Schema analysis plans must satisfy."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error). Overrides the config file."`
	LogFormat string `name:"log-format" help:"Log format (text, json, or auto). Overrides the config file."`
}

// loadConfig loads the configuration file and installs the logger, letting
// CLI flags win over the file's logging section.
func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	logger.Init(logger.ParseLevel(level), os.Stderr, format)
	return cfg, nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("geoassist version %s\n", version)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("geoassist"),
		kong.Description("geoassist - LLM-driven GIS assistant over PostGIS"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
