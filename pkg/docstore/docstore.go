// Package docstore keeps versioned vector-indexed document stores on disk.
// A store pairs a vector index (for similarity) with a documents.json map
// (for the full typed metadata the index backends flatten away).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/kadirpekel/geoassist/pkg/embedders"
	"github.com/kadirpekel/geoassist/pkg/llms"
	"github.com/kadirpekel/geoassist/pkg/logger"
	"github.com/kadirpekel/geoassist/pkg/vectordb"
)

const documentsFile = "documents.json"

// Config identifies one versioned store under the store root.
type Config struct {
	Root    string
	Name    string
	Version string
}

// Path is the store directory; the vector index persists inside it too.
func (c Config) Path() string {
	return filepath.Join(c.Root, c.Name, c.Version)
}

// Document is one entry to index: Text gets embedded, Metadata is what
// queries return.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// Store is a vector index plus a metadata map, persisted together.
type Store struct {
	cfg      Config
	index    vectordb.Provider
	embedder embedders.Embedder
	log      *slog.Logger

	mu        sync.RWMutex
	documents map[string]map[string]any
}

// Open loads (or creates) the store at cfg.Path(). When the index and the
// document map disagree on size the store is reinitialised empty rather than
// serving misjoined results.
func Open(ctx context.Context, cfg Config, index vectordb.Provider, embedder embedders.Embedder) (*Store, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("store name cannot be empty")
	}
	if cfg.Root == "" {
		cfg.Root = "./stores"
	}
	if cfg.Version == "" {
		cfg.Version = "v1"
	}

	if err := os.MkdirAll(cfg.Path(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{
		cfg:      cfg,
		index:    index,
		embedder: embedder,
		log:      logger.With("docstore"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	indexed, err := index.Count(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to count indexed documents: %w", err)
	}
	if indexed != len(s.documents) {
		s.log.Warn("Store index out of sync with document map; reinitialising",
			"store", cfg.Name,
			"version", cfg.Version,
			"indexed", indexed,
			"documents", len(s.documents))
		if err := index.DeleteCollection(ctx, cfg.Name); err != nil {
			s.log.Warn("Failed to delete stale collection", "store", cfg.Name, "error", err)
		}
		s.mu.Lock()
		s.documents = map[string]map[string]any{}
		err = s.persist()
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	s.log.Info("Opened document store",
		"store", cfg.Name,
		"version", cfg.Version,
		"documents", len(s.documents))
	return s, nil
}

func (s *Store) Name() string { return s.cfg.Name }

// Count reports how many documents the store holds.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents)
}

// Add embeds and indexes the documents, then persists the document map.
// Existing ids are overwritten.
func (s *Store) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed documents: %w", err)
	}

	for i, doc := range docs {
		vector := vectordb.Normalize(vectors[i])
		if err := s.index.Upsert(ctx, s.cfg.Name, doc.ID, vector, doc.Metadata); err != nil {
			return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		metadata := make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		s.documents[doc.ID] = metadata
	}
	return s.persist()
}

// Query returns the metadata of the top k most similar documents, each with
// a "similarity" score attached.
func (s *Store) Query(ctx context.Context, text string, k int) ([]map[string]any, error) {
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := s.index.Search(ctx, s.cfg.Name, vectordb.Normalize(vector), k)
	if err != nil {
		return nil, fmt.Errorf("store query failed: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]map[string]any, 0, len(hits))
	for _, hit := range hits {
		metadata, ok := s.documents[hit.ID]
		if !ok {
			s.log.Warn("Indexed document missing from document map", "store", s.cfg.Name, "id", hit.ID)
			continue
		}
		result := make(map[string]any, len(metadata)+1)
		for key, value := range metadata {
			result[key] = value
		}
		result["similarity"] = hit.Score
		out = append(out, result)
	}
	return out, nil
}

const termExpansionPrompt = `You are an AI assistant that generates search keywords for a vector store lookup.
Given the latest user message, the conversation so far and any extra context,
produce a short list of search terms that together cover what the user is
asking about. Prefer the vocabulary of the dataset over the user's phrasing.
Return between one and eight terms.`

func termsSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"terms": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Search terms to run against the vector store",
			},
		},
		"required":             []string{"terms"},
		"additionalProperties": false,
	}
}

// SmartQuery expands the query into search terms with the LLM, runs Query
// once per term and unions the results by name, keeping first-seen order.
// The whole conversation gives the expansion context the raw message lacks.
func (s *Store) SmartQuery(ctx context.Context, provider llms.Provider, query, conversation, extra string, k int) ([]map[string]any, error) {
	content := fmt.Sprintf("User message:\n%s\n\nConversation so far:\n%s", query, conversation)
	if extra != "" {
		content += "\n\nAdditional context:\n" + extra
	}

	raw, _, err := provider.GenerateStructured(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: termExpansionPrompt},
		{Role: llms.RoleUser, Content: content},
	}, &llms.StructuredOutputConfig{
		Name:   "search_terms",
		Schema: termsSchema(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expand search terms: %w", err)
	}

	var parsed struct {
		Terms []string `json:"terms"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search terms: %w", err)
	}
	terms := parsed.Terms
	if len(terms) == 0 {
		terms = []string{query}
	}
	s.log.Debug("Expanded search terms", "store", s.cfg.Name, "terms", terms)

	var out []map[string]any
	seen := map[string]bool{}
	for _, term := range terms {
		results, err := s.Query(ctx, term, k)
		if err != nil {
			return nil, err
		}
		for _, result := range results {
			key, _ := result["name"].(string)
			if key == "" {
				key, _ = result["title"].(string)
			}
			if key != "" {
				if seen[key] {
					continue
				}
				seen[key] = true
			}
			out = append(out, result)
		}
	}
	return out, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(filepath.Join(s.cfg.Path(), documentsFile))
	if errors.Is(err, fs.ErrNotExist) {
		s.documents = map[string]map[string]any{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read document map: %w", err)
	}

	if err := json.Unmarshal(raw, &s.documents); err != nil {
		return fmt.Errorf("failed to parse document map: %w", err)
	}
	if s.documents == nil {
		s.documents = map[string]map[string]any{}
	}
	return nil
}

// persist is called with s.mu held.
func (s *Store) persist() error {
	raw, err := json.MarshalIndent(s.documents, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode document map: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.cfg.Path(), documentsFile), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write document map: %w", err)
	}
	return nil
}

// DocumentID derives a stable id from a document's origin, so re-ingesting
// the same source overwrites instead of duplicating.
func DocumentID(table, source string, ordinal int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", table, source, ordinal)
	return strconv.FormatUint(h.Sum64(), 10)
}
