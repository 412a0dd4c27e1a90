// Package catalog provides session templates read from a YAML file.
package catalog

import (
	"context"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/osa030/physiocue/internal/domain/exercise"
)

// ErrNotFound is returned when no template has the requested id.
var ErrNotFound = errors.New("session definition not found")

// Document is the catalog file layout.
type Document struct {
	Sessions []exercise.Definition `yaml:"sessions" validate:"dive"`
}

// Summary describes a template for listing.
type Summary struct {
	ID            string
	Name          string
	ExerciseCount int
}

// File reads templates from a YAML file. The file is re-read on every lookup
// so edits apply to the next session; a broken edit keeps the last good copy.
type File struct {
	path string

	mu   sync.Mutex
	last *Document
}

// NewFile creates a catalog backed by the file at path.
func NewFile(path string) *File {
	return &File{path: path}
}

// GetSessionDefinition returns the template with the given id.
func (f *File) GetSessionDefinition(_ context.Context, id string) (exercise.Definition, error) {
	doc, err := f.load()
	if err != nil {
		return exercise.Definition{}, err
	}
	for _, def := range doc.Sessions {
		if def.ID == id {
			return def, nil
		}
	}
	return exercise.Definition{}, errors.Wrapf(ErrNotFound, "id=%s", id)
}

// List returns a summary of every template in file order.
func (f *File) List(_ context.Context) ([]Summary, error) {
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(doc.Sessions))
	for _, def := range doc.Sessions {
		name := def.Name
		if name == "" {
			name = def.ID
		}
		out = append(out, Summary{ID: def.ID, Name: name, ExerciseCount: len(def.Exercises)})
	}
	return out, nil
}

func (f *File) load() (*Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := Load(f.path)
	if err != nil {
		if f.last != nil {
			zlog.Warn().Err(err).Msgf("catalog: keeping previous templates: path=%s", f.path)
			return f.last, nil
		}
		return nil, err
	}
	f.last = doc
	return doc, nil
}

// Load reads and validates a catalog file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read catalog file")
	}
	return Parse(data)
}

// Parse parses and validates catalog YAML.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse catalog file")
	}
	for i := range doc.Sessions {
		exercises := doc.Sessions[i].Exercises
		for j := range exercises {
			if err := defaults.Set(&exercises[j]); err != nil {
				return nil, errors.Wrapf(err, "session %q: failed to apply exercise defaults", doc.Sessions[i].ID)
			}
		}
	}
	if err := validator.New().Struct(&doc); err != nil {
		return nil, errors.Wrap(err, "catalog validation failed")
	}
	if err := checkUnique(doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func checkUnique(doc Document) error {
	sessions := make(map[string]bool, len(doc.Sessions))
	for _, def := range doc.Sessions {
		if sessions[def.ID] {
			return errors.Newf("duplicate session id %q", def.ID)
		}
		sessions[def.ID] = true

		exercises := make(map[string]bool, len(def.Exercises))
		for _, ex := range def.Exercises {
			if exercises[ex.ID] {
				return errors.Newf("session %q: duplicate exercise id %q", def.ID, ex.ID)
			}
			exercises[ex.ID] = true
		}
		for id := range def.Overrides {
			if !exercises[id] {
				return errors.Newf("session %q: override for unknown exercise %q", def.ID, id)
			}
		}
	}
	return nil
}
