package assistant

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed prompts/*.tmpl
var builtinPrompts embed.FS

// Prompt names shipped in the embedded set.
const (
	PromptChatSystem    = "chat_system"
	PromptPlannerSystem = "planner_system"
)

// chatPromptData fills the per-turn system message.
type chatPromptData struct {
	MapStatus  string
	Supplement string
}

// plannerPromptData fills the analysis planner's system message.
type plannerPromptData struct {
	Tables           string
	FieldDefinitions string
	ContextInfo      string
}

// promptSet holds the parsed prompt templates. Built-ins ship embedded; an
// override directory can shadow them file by file.
type promptSet struct {
	templates map[string]*template.Template
}

func loadPrompts(overrideDir string) (*promptSet, error) {
	templates := make(map[string]*template.Template)

	load := func(name, content string) error {
		tmpl, err := template.New(name).Option("missingkey=error").Parse(content)
		if err != nil {
			return fmt.Errorf("failed to parse prompt %s: %w", name, err)
		}
		templates[name] = tmpl
		return nil
	}

	entries, err := fs.ReadDir(builtinPrompts, "prompts")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded prompts: %w", err)
	}
	for _, entry := range entries {
		content, err := builtinPrompts.ReadFile("prompts/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded prompt %s: %w", entry.Name(), err)
		}
		if err := load(strings.TrimSuffix(entry.Name(), ".tmpl"), string(content)); err != nil {
			return nil, err
		}
	}

	if overrideDir != "" {
		overrides, err := os.ReadDir(overrideDir)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompts directory: %w", err)
		}
		for _, entry := range overrides {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".tmpl" {
				continue
			}
			content, err := os.ReadFile(filepath.Join(overrideDir, entry.Name()))
			if err != nil {
				return nil, fmt.Errorf("failed to read prompt %s: %w", entry.Name(), err)
			}
			if err := load(strings.TrimSuffix(entry.Name(), ".tmpl"), string(content)); err != nil {
				return nil, err
			}
		}
	}

	return &promptSet{templates: templates}, nil
}

// Render fills the named prompt. Missing template keys are an error, so a
// broken override surfaces immediately rather than as a silent gap in the
// prompt.
func (p *promptSet) Render(name string, data any) (string, error) {
	tmpl, ok := p.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt: %s", name)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(sb.String()), nil
}
