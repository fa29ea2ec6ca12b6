package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/kadirpekel/geoassist/pkg/agent"
	"github.com/kadirpekel/geoassist/pkg/analysis"
	"github.com/kadirpekel/geoassist/pkg/assistant"
	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/maps"
)

// ChatCmd runs the assistant as a terminal REPL against the same service
// graph the server uses, minus the transport.
type ChatCmd struct{}

func (c *ChatCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx := context.Background()
	svcs, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svcs.Close()
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := svcs.registry.Cleanup(cleanupCtx); err != nil {
			svcs.log.Warn("Failed to drop temporary analysis tables", "error", err)
		}
	}()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	mapState := maps.NewHandler()

	opts := []assistant.Option{}
	if interactive {
		opts = append(opts,
			assistant.WithEmitter(func(evt agent.Event) {
				switch {
				case evt.ToolCall != "" && evt.Status == agent.StatusProcessing:
					fmt.Printf("  running %s\n", evt.ToolCall)
				case evt.ToolCall != "" && evt.Status == agent.StatusError:
					fmt.Printf("  %s failed\n", evt.ToolCall)
				}
			}),
			assistant.WithAnalysisEmitter(func(evt analysis.Event) {
				fmt.Printf("  analysis %3.0f%% %s\n", evt.Progress*100, evt.Step)
			}),
		)
	}
	if svcs.counter != nil {
		opts = append(opts, assistant.WithHistoryBudget(svcs.counter, cfg.Agent.HistoryTokenBudget))
	}

	asst, err := assistant.New(ctx, assistant.Deps{
		Provider: svcs.chat,
		Planner:  analysis.NewPlanner(svcs.parsing),
		Executor: analysis.NewExecutor(svcs.runner, analysis.ExecutorConfig{
			BaseSchema:     cfg.Database.BaseSchema,
			TileservRole:   cfg.Database.TileservRole,
			GeometryColumn: cfg.Map.GeometryColumn,
			SRID:           cfg.Map.SRID,
		}),
		Runner:   svcs.runner,
		Registry: svcs.registry,
		Fields:   svcs.fields,
		Info:     svcs.info,
		Map:      mapState,
		Toolsets: svcs.toolsets,
	}, assistantConfig(cfg), opts...)
	if err != nil {
		return err
	}

	if interactive {
		fmt.Println("geoassist chat. /map prints the map state, /quit exits.")
		fmt.Println()
	}
	return runREPL(ctx, asst, mapState, interactive)
}

// assistantConfig maps the file configuration onto the assistant's knobs.
func assistantConfig(cfg *config.Config) assistant.Config {
	return assistant.Config{
		BaseSchema:        cfg.Database.BaseSchema,
		SmartSearch:       cfg.Stores.SmartSearch,
		FieldTopK:         cfg.Stores.FieldTopK,
		InfoTopK:          cfg.Stores.InfoTopK,
		AnalysisFieldTopK: cfg.Stores.AnalysisFieldTopK,
		AnalysisInfoTopK:  cfg.Stores.AnalysisInfoTopK,
		PromptsDir:        cfg.Agent.PromptsDir,
	}
}

func runREPL(ctx context.Context, asst *assistant.Assistant, mapState *maps.Handler, interactive bool) error {
	reader := bufio.NewReader(os.Stdin)
	figureVersion := mapState.Version()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if interactive {
			fmt.Print("You: ")
		}

		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			switch input {
			case "/quit", "/exit":
				return nil
			case "/map":
				figure, err := json.MarshalIndent(mapState.Figure(), "", "  ")
				if err != nil {
					fmt.Printf("Error: %v\n\n", err)
					continue
				}
				fmt.Printf("%s\n\n", figure)
			default:
				fmt.Printf("Unknown command: %s\n\n", input)
			}
			continue
		}

		reply, err := asst.Chat(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Printf("Error: %v\n\n", err)
			continue
		}
		fmt.Printf("GeoAssist: %s\n\n", reply)

		if v := mapState.Version(); v != figureVersion {
			figureVersion = v
			fmt.Printf("[map updated: %d layer(s)]\n\n", len(mapState.LayerIDs()))
		}
	}
}
