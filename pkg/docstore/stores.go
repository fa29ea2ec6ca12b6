package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/geoassist/pkg/embedders"
	"github.com/kadirpekel/geoassist/pkg/vectordb"
)

// Store names as they appear under the store root.
const (
	FieldDefinitionsName = "field_definitions"
	SupplementalInfoName = "supplemental_info"
)

// FieldDefinition describes one column of a served table, parsed from a
// data dictionary.
type FieldDefinition struct {
	Name        string   `json:"name"`
	PrettyName  string   `json:"name_pretty"`
	Description string   `json:"description"`
	Source      string   `json:"source,omitempty"`
	Format      string   `json:"format,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Table       string   `json:"table,omitempty"`
}

// Text is what gets embedded for similarity search.
func (d FieldDefinition) Text() string {
	return fmt.Sprintf("%s: %s", d.PrettyName, d.Description)
}

// InfoSection is one markdown section of supplemental documentation:
// appendices, code lookups, abbreviation tables.
type InfoSection struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
	Table    string `json:"table,omitempty"`
	Source   string `json:"source,omitempty"`
}

// FieldDefinitionStore indexes field definitions for prompt injection and
// filter/analysis field whitelisting.
type FieldDefinitionStore struct {
	*Store
}

func NewFieldDefinitionStore(ctx context.Context, root, version string, index vectordb.Provider, embedder embedders.Embedder) (*FieldDefinitionStore, error) {
	store, err := Open(ctx, Config{Root: root, Name: FieldDefinitionsName, Version: version}, index, embedder)
	if err != nil {
		return nil, err
	}
	return &FieldDefinitionStore{Store: store}, nil
}

// AddDefinitions indexes the field definitions of one table extracted from
// one source document.
func (s *FieldDefinitionStore) AddDefinitions(ctx context.Context, table, source string, defs []FieldDefinition) error {
	docs := make([]Document, 0, len(defs))
	for i, def := range defs {
		def.Table = table
		if def.Source == "" {
			def.Source = source
		}
		metadata, err := toMetadata(def)
		if err != nil {
			return err
		}
		docs = append(docs, Document{
			ID:       DocumentID(table, source, i),
			Text:     def.Text(),
			Metadata: metadata,
		})
	}
	return s.Add(ctx, docs)
}

// SupplementalInfoStore indexes markdown sections of dataset documentation
// that don't define individual fields.
type SupplementalInfoStore struct {
	*Store
}

func NewSupplementalInfoStore(ctx context.Context, root, version string, index vectordb.Provider, embedder embedders.Embedder) (*SupplementalInfoStore, error) {
	store, err := Open(ctx, Config{Root: root, Name: SupplementalInfoName, Version: version}, index, embedder)
	if err != nil {
		return nil, err
	}
	return &SupplementalInfoStore{Store: store}, nil
}

// AddSections indexes supplemental sections extracted from one source
// document.
func (s *SupplementalInfoStore) AddSections(ctx context.Context, source string, sections []InfoSection) error {
	docs := make([]Document, 0, len(sections))
	for i, section := range sections {
		if section.Source == "" {
			section.Source = source
		}
		metadata, err := toMetadata(section)
		if err != nil {
			return err
		}
		docs = append(docs, Document{
			ID:       DocumentID(section.Table, source, i),
			Text:     section.Markdown,
			Metadata: metadata,
		})
	}
	return s.Add(ctx, docs)
}

// DecodeFieldDefinitions converts query results back into typed definitions.
func DecodeFieldDefinitions(results []map[string]any) ([]FieldDefinition, error) {
	var defs []FieldDefinition
	if err := decode(results, &defs); err != nil {
		return nil, fmt.Errorf("failed to decode field definitions: %w", err)
	}
	return defs, nil
}

// DecodeInfoSections converts query results back into typed sections.
func DecodeInfoSections(results []map[string]any) ([]InfoSection, error) {
	var sections []InfoSection
	if err := decode(results, &sections); err != nil {
		return nil, fmt.Errorf("failed to decode info sections: %w", err)
	}
	return sections, nil
}

func decode(in, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(in)
}

func toMetadata(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return out, nil
}
