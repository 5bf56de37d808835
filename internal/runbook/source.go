package runbook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nadmax/deskmate/internal/logging"
	"gopkg.in/yaml.v3"
)

// Source lists runbook definitions.
type Source interface {
	List(ctx context.Context) ([]Definition, error)
}

var errNoFrontMatter = errors.New("missing front matter")

// DirSource reads every *.md file of a directory. Each file starts with a
// YAML front matter block; the markdown body is the runbook's instructions.
type DirSource struct {
	dir string
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (s *DirSource) List(ctx context.Context) ([]Definition, error) {
	logger := logging.Component("runbook.source")

	paths, err := filepath.Glob(filepath.Join(s.dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("failed to list runbooks in %s: %w", s.dir, err)
	}
	sort.Strings(paths)

	defs := make([]Definition, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read runbook %s: %w", path, err)
		}

		def, err := ParseDefinition(data)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("skipping invalid runbook")
			continue
		}
		if def.ID == "" {
			def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		if prev, dup := seen[def.ID]; dup {
			logger.Warn().Str("path", path).Str("runbook_id", def.ID).Str("previous", prev).Msg("skipping duplicate runbook id")
			continue
		}
		seen[def.ID] = path
		def.Path = path
		defs = append(defs, def)
	}

	return defs, nil
}

// ParseDefinition parses one runbook file.
func ParseDefinition(data []byte) (Definition, error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))

	if !bytes.HasPrefix(data, []byte("---\n")) {
		return Definition{}, errNoFrontMatter
	}
	rest := data[len("---\n"):]

	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return Definition{}, errNoFrontMatter
	}
	header := rest[:end]
	body := rest[end+len("\n---"):]
	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = nil
	}

	def := Definition{Enabled: true}
	if err := yaml.Unmarshal(header, &def); err != nil {
		return Definition{}, fmt.Errorf("failed to parse front matter: %w", err)
	}
	if def.EveryMinutes < 0 {
		return Definition{}, fmt.Errorf("every_minutes must not be negative, got %d", def.EveryMinutes)
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	def.Instructions = strings.TrimSpace(string(body))
	return def, nil
}

// StaticSource serves a fixed set of definitions.
type StaticSource []Definition

func (s StaticSource) List(context.Context) ([]Definition, error) {
	out := make([]Definition, len(s))
	copy(out, s)
	return out, nil
}

// Find returns the definition with the given id.
func Find(ctx context.Context, src Source, id string) (Definition, bool, error) {
	defs, err := src.List(ctx)
	if err != nil {
		return Definition{}, false, err
	}
	for _, d := range defs {
		if d.ID == id {
			return d, true, nil
		}
	}
	return Definition{}, false, nil
}
