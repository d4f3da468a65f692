package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentoven/triage/pkg/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// FileStore keeps the corpus and rules in YAML or JSON files, chosen by
// extension. Writes go to a temp file that is renamed over the target.
// An empty path disables that half of the store.
type FileStore struct {
	mu           sync.Mutex
	examplesPath string
	rulesPath    string
}

// NewFileStore creates a file-backed store.
func NewFileStore(examplesPath, rulesPath string) *FileStore {
	return &FileStore{examplesPath: examplesPath, rulesPath: rulesPath}
}

func (s *FileStore) Kind() string { return "file" }

type examplesDoc struct {
	Examples []models.RoutingExample `json:"examples" yaml:"examples"`
}

type rulesDoc struct {
	Overrides []models.OverrideRule `json:"overrides" yaml:"overrides"`
}

func (s *FileStore) LoadExamples(_ context.Context) ([]models.RoutingExample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc examplesDoc
	if err := readDoc(s.examplesPath, &doc); err != nil {
		return nil, err
	}
	return doc.Examples, nil
}

func (s *FileStore) UpsertExamples(_ context.Context, examples []models.RoutingExample) error {
	if s.examplesPath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc examplesDoc
	if err := readDoc(s.examplesPath, &doc); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	index := make(map[string]int, len(doc.Examples))
	for i, ex := range doc.Examples {
		index[ex.ID] = i
	}
	for _, ex := range examples {
		if i, ok := index[ex.ID]; ok {
			doc.Examples[i] = ex
			continue
		}
		index[ex.ID] = len(doc.Examples)
		doc.Examples = append(doc.Examples, ex)
	}
	return writeDoc(s.examplesPath, doc)
}

func (s *FileStore) LoadRules(_ context.Context) ([]models.OverrideRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc rulesDoc
	if err := readDoc(s.rulesPath, &doc); err != nil {
		return nil, err
	}
	return doc.Overrides, nil
}

func (s *FileStore) SaveRules(_ context.Context, rules []models.OverrideRule) error {
	if s.rulesPath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeDoc(s.rulesPath, rulesDoc{Overrides: rules})
}

func (s *FileStore) Ping(context.Context) error { return nil }
func (s *FileStore) Close() error               { return nil }

// ── Helpers ─────────────────────────────────────────────────

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func readDoc(path string, v any) error {
	if path == "" {
		return ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if isJSON(path) {
		err = json.Unmarshal(data, v)
	} else {
		err = yaml.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeDoc(path string, v any) error {
	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = yaml.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	log.Debug().Str("path", path).Msg("Corpus file saved")
	return nil
}
