package ingest

import (
	"errors"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	"github.com/kadirpekel/geoassist/pkg/docstore"
)

// ReadSections parses one supplemental document into titled markdown
// sections ready for indexing.
func ReadSections(path string) ([]docstore.InfoSection, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".md", ".markdown", ".txt":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return SectionsFromMarkdown(docTitle(path), string(raw)), nil
	case ".pdf":
		return sectionsFromPDF(path)
	case ".docx":
		return sectionsFromDocx(path)
	default:
		return nil, fmt.Errorf("unsupported document format %q", ext)
	}
}

// SectionsFromMarkdown splits a document at level one and two headings.
// Deeper headings stay inside their parent section; text before the first
// heading becomes a section titled after the document itself.
func SectionsFromMarkdown(title, text string) []docstore.InfoSection {
	var sections []docstore.InfoSection
	current := title
	var body []string

	flush := func() {
		markdown := strings.TrimSpace(strings.Join(body, "\n"))
		if markdown != "" {
			sections = append(sections, docstore.InfoSection{Title: current, Markdown: markdown})
		}
		body = body[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		if heading, ok := headingText(line); ok {
			flush()
			current = heading
			continue
		}
		body = append(body, line)
	}
	flush()
	return sections
}

func headingText(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	for _, marker := range []string{"## ", "# "} {
		if strings.HasPrefix(trimmed, marker) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, marker)), true
		}
	}
	return "", false
}

// sectionsFromPDF keeps one section per page. Extracted PDF text carries no
// heading structure to split on. Pages that fail extraction are skipped; the
// document only fails when nothing at all could be read.
func sectionsFromPDF(path string) ([]docstore.InfoSection, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	reader, err := pdf.NewReader(file, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to parse PDF: %w", err)
	}

	title := docTitle(path)
	var sections []docstore.InfoSection
	var pageErrs []error
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			pageErrs = append(pageErrs, fmt.Errorf("page %d: %w", pageNum, err))
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		sections = append(sections, docstore.InfoSection{
			Title:    fmt.Sprintf("%s, page %d", title, pageNum),
			Markdown: strings.TrimSpace(text),
		})
	}
	if len(sections) == 0 && len(pageErrs) > 0 {
		return nil, errors.Join(pageErrs...)
	}
	return sections, nil
}

func sectionsFromDocx(path string) ([]docstore.InfoSection, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer doc.Close()

	text := docxText(doc.Editable().GetContent())
	return SectionsFromMarkdown(docTitle(path), text), nil
}

// docxText flattens WordprocessingML into plain text, one line per
// paragraph.
func docxText(content string) string {
	replaced := strings.NewReplacer("</w:p>", "\n", "<w:br/>", "\n", "<w:tab/>", "\t").Replace(content)

	var b strings.Builder
	inTag := false
	for _, r := range replaced {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return html.UnescapeString(b.String())
}

// docTitle is the file name without its extension.
func docTitle(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
