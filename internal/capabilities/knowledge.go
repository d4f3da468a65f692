package capabilities

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/agentoven/triage/internal/embeddings"
	"github.com/agentoven/triage/internal/vectorstore"
	"github.com/agentoven/triage/pkg/models"
	"github.com/rs/zerolog/log"
)

// DocChunk is one indexed piece of a knowledge base document.
type DocChunk struct {
	Source  string `json:"source"`
	DocType string `json:"doc_type"`
	Index   int    `json:"index"`
	Text    string `json:"text"`
}

// DocHit is a retrieval result.
type DocHit struct {
	Source  string  `json:"source"`
	DocType string  `json:"doc_type"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

// KnowledgeBase answers search_knowledge_base calls from a directory of
// markdown and text documents.
type KnowledgeBase struct {
	dir      string
	embedder embeddings.Embedder
	chunking ChunkOptions
	index    atomic.Pointer[vectorstore.Snapshot[DocChunk]]
}

// NewKnowledgeBase creates an empty knowledge base over dir. Call Load to
// index it.
func NewKnowledgeBase(dir string, emb embeddings.Embedder, opts ChunkOptions) *KnowledgeBase {
	return &KnowledgeBase{dir: dir, embedder: emb, chunking: opts}
}

func (k *KnowledgeBase) Name() models.Capability { return models.CapabilityRetrieval }

func (k *KnowledgeBase) Schema() models.ToolSchema {
	return models.ToolSchema{
		Name: models.CapabilityRetrieval,
		Description: "Search security policies, incident response playbooks and knowledge base articles. " +
			"Use for 'how to', 'what is the policy' and procedural or compliance questions.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What the user wants to know about policies, procedures or security guidance",
				},
				"top_k": map[string]any{
					"type":        "integer",
					"description": "Number of passages to retrieve",
					"default":     5,
				},
			},
			"required": []string{"query"},
		},
	}
}

// Load walks the document directory, chunks every .md and .txt file and
// swaps in a fresh index. A missing directory yields an empty index.
func (k *KnowledgeBase) Load(ctx context.Context) error {
	var sources []vectorstore.Source[DocChunk]
	err := filepath.WalkDir(k.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".markdown", ".txt":
		default:
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(k.dir, path)
		rel = filepath.ToSlash(rel)
		docType := "kb"
		if i := strings.IndexByte(rel, '/'); i > 0 {
			docType = rel[:i]
		}
		for i, text := range ChunkText(string(data), k.chunking) {
			chunk := DocChunk{Source: rel, DocType: docType, Index: i, Text: text}
			sources = append(sources, vectorstore.Source[DocChunk]{
				ID:   fmt.Sprintf("%s#%d", rel, i),
				Text: text,
				Item: chunk,
			})
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("index %s: %w", k.dir, err)
	}

	snap, err := vectorstore.Build(ctx, k.embedder, sources)
	if err != nil {
		return fmt.Errorf("index %s: %w", k.dir, err)
	}
	k.index.Store(snap)
	log.Info().Str("dir", k.dir).Int("chunks", snap.Len()).Msg("Knowledge base indexed")
	return nil
}

// Len returns the number of indexed chunks.
func (k *KnowledgeBase) Len() int { return k.index.Load().Len() }

// Search returns the topK passages nearest to query.
func (k *KnowledgeBase) Search(ctx context.Context, query string, topK int) ([]DocHit, error) {
	snap := k.index.Load()
	if snap.Len() == 0 {
		return nil, nil
	}
	vectors, err := k.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}
	matches := snap.Nearest(vectors[0], topK)
	hits := make([]DocHit, len(matches))
	for i, m := range matches {
		hits[i] = DocHit{Source: m.Item.Source, DocType: m.Item.DocType, Text: m.Item.Text, Score: m.Score}
	}
	return hits, nil
}

func (k *KnowledgeBase) Invoke(ctx context.Context, args map[string]any, _ string) (*Result, error) {
	query := argString(args, "query", "")
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArguments)
	}
	topK, err := argInt(args, "top_k", 5, 1, 20)
	if err != nil {
		return nil, err
	}

	hits, err := k.Search(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return &Result{Content: "No relevant documents found.", Data: hits}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d relevant passages:\n", len(hits))
	for i, h := range hits {
		fmt.Fprintf(&b, "\n[%d] %s (%s, score %.2f)\n%s\n", i+1, h.Source, h.DocType, h.Score, truncate(h.Text, 800))
	}
	return &Result{Content: b.String(), Data: hits}, nil
}
