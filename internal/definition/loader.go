// Package definition loads YAML table definitions, validates them against
// the configured datasources and OpenAPI specs, and serves them from a
// registry that is swapped atomically on reload.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tabula/model"
)

// Loader reads domain definitions from YAML files. A file may hold several
// domains as separate YAML documents.
type Loader struct {
	strict bool
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// Strict makes unknown keys a load error, catching misspelled options
// such as "page_sise" that would otherwise fall back to defaults.
func Strict() LoaderOption {
	return func(l *Loader) { l.strict = true }
}

// NewLoader returns a Loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadAll loads every *.yaml and *.yml file below directories, skipping
// dot-prefixed entries. All broken files are reported together.
func (l *Loader) LoadAll(directories []string) ([]model.DomainDefinition, error) {
	var (
		defs []model.DomainDefinition
		errs []error
	)
	for _, dir := range directories {
		files, err := definitionFiles(dir)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}
		for _, path := range files {
			got, err := l.LoadFile(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			defs = append(defs, got...)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return defs, nil
}

func definitionFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case path != root && strings.HasPrefix(d.Name(), "."):
			if d.IsDir() {
				return filepath.SkipDir
			}
		case !d.IsDir():
			if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
				files = append(files, path)
			}
		}
		return nil
	})
	return files, err
}

// LoadFile parses every document of the YAML file at path. Each domain
// records its file, a checksum of its own document, and table source
// files resolved against the file's directory.
func (l *Loader) LoadFile(path string) ([]model.DomainDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var defs []model.DomainDefinition
	for doc := 1; ; doc++ {
		var node yaml.Node
		if err := dec.Decode(&node); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if len(node.Content) == 0 {
			continue
		}

		def, err := l.decode(&node)
		if err != nil {
			return nil, fmt.Errorf("%s (document %d): %w", path, doc, err)
		}
		canonical, err := yaml.Marshal(&node)
		if err != nil {
			return nil, fmt.Errorf("%s (document %d): %w", path, doc, err)
		}
		sum := sha256.Sum256(canonical)
		def.Checksum = hex.EncodeToString(sum[:])
		def.SourceFile = path
		resolveSourceFiles(&def, filepath.Dir(path))
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%s: no definitions", path)
	}
	return defs, nil
}

func (l *Loader) decode(node *yaml.Node) (model.DomainDefinition, error) {
	var def model.DomainDefinition
	if !l.strict {
		err := node.Decode(&def)
		return def, err
	}
	// yaml.Node.Decode cannot reject unknown keys, so strict mode decodes
	// the document again from its text.
	raw, err := yaml.Marshal(node)
	if err != nil {
		return def, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	err = dec.Decode(&def)
	return def, err
}

func resolveSourceFiles(def *model.DomainDefinition, base string) {
	for i := range def.Tables {
		src := &def.Tables[i].Source
		if src.File != "" && !filepath.IsAbs(src.File) {
			src.File = filepath.Join(base, src.File)
		}
	}
}
