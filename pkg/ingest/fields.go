package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kadirpekel/geoassist/pkg/docstore"
)

// ReadFieldDefinitions parses one field definition document by extension.
// JSON documents hold either a bare array of definitions or an object with
// a "field_definitions" key; spreadsheets hold one definition per row under
// a header row.
func ReadFieldDefinitions(path string) ([]docstore.FieldDefinition, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return fieldsFromJSON(path)
	case ".xlsx":
		return fieldsFromWorkbook(path)
	default:
		return nil, fmt.Errorf("unsupported field definition format %q", ext)
	}
}

func fieldsFromJSON(path string) ([]docstore.FieldDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var defs []docstore.FieldDefinition
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &defs); err != nil {
			return nil, fmt.Errorf("failed to parse field definitions: %w", err)
		}
	} else {
		var wrapped struct {
			FieldDefinitions []docstore.FieldDefinition `json:"field_definitions"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to parse field definitions: %w", err)
		}
		defs = wrapped.FieldDefinitions
	}

	for i := range defs {
		if strings.TrimSpace(defs[i].Name) == "" {
			return nil, fmt.Errorf("field definition %d has no name", i)
		}
		normalizeDefinition(&defs[i])
	}
	return defs, nil
}

// sheetColumns maps accepted spreadsheet header names onto definition
// attributes.
var sheetColumns = map[string]string{
	"name":         "name",
	"field":        "name",
	"column":       "name",
	"name_pretty":  "name_pretty",
	"pretty_name":  "name_pretty",
	"display_name": "name_pretty",
	"label":        "name_pretty",
	"description":  "description",
	"source":       "source",
	"data_source":  "source",
	"format":       "format",
	"type":         "format",
	"enum":         "enum",
	"values":       "enum",
}

func fieldsFromWorkbook(path string) ([]docstore.FieldDefinition, error) {
	book, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer book.Close()

	var defs []docstore.FieldDefinition
	usable := false
	for _, sheet := range book.GetSheetList() {
		rows, err := book.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
		}
		columns, body := sheetHeader(rows)
		if columns == nil {
			continue
		}
		usable = true

		for _, row := range body {
			def := docstore.FieldDefinition{
				Name:        cell(row, columns, "name"),
				PrettyName:  cell(row, columns, "name_pretty"),
				Description: cell(row, columns, "description"),
				Source:      cell(row, columns, "source"),
				Format:      cell(row, columns, "format"),
				Enum:        splitEnum(cell(row, columns, "enum")),
			}
			if def.Name == "" {
				continue
			}
			normalizeDefinition(&def)
			defs = append(defs, def)
		}
	}
	if !usable {
		return nil, fmt.Errorf("no sheet in %s has a name column", filepath.Base(path))
	}
	return defs, nil
}

// sheetHeader scans for the first row naming a definition attribute set that
// includes the field name, and returns the attribute column map plus the
// rows below it. Returns nil when the sheet has no usable header.
func sheetHeader(rows [][]string) (map[string]int, [][]string) {
	for i, row := range rows {
		columns := map[string]int{}
		for col, header := range row {
			key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(header)), " ", "_")
			attr, ok := sheetColumns[key]
			if !ok {
				continue
			}
			if _, taken := columns[attr]; !taken {
				columns[attr] = col
			}
		}
		if _, ok := columns["name"]; ok {
			return columns, rows[i+1:]
		}
	}
	return nil, nil
}

// cell reads one attribute from a row, tolerating the ragged rows excelize
// returns for trailing empty cells.
func cell(row []string, columns map[string]int, attr string) string {
	col, ok := columns[attr]
	if !ok || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

func splitEnum(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeDefinition fills derivable attributes and maps the format onto
// the number/boolean/string vocabulary the planner prompt expects.
func normalizeDefinition(def *docstore.FieldDefinition) {
	def.Name = strings.TrimSpace(def.Name)
	if strings.TrimSpace(def.PrettyName) == "" {
		def.PrettyName = def.Name
	}
	def.Format = normalizeFormat(def.Format)
}

func normalizeFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "number", "numeric", "int", "int4", "int8", "integer", "float", "float4", "float8", "double", "decimal":
		return "number"
	case "boolean", "bool":
		return "boolean"
	default:
		return "string"
	}
}
