package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Extensions the loader recognizes.
const (
	ExtCUE = ".cue"
	ExtHCL = ".hcl"
)

// Loader reads declaration files and validates them.
type Loader struct {
	node      map[string]any
	validator *Validator
	logger    zerolog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithNodeAttributes exposes node attributes to declarations.
func WithNodeAttributes(attrs map[string]any) LoaderOption {
	return func(l *Loader) { l.node = attrs }
}

// WithSchemas validates properties against the given registry instead of
// the built-in one.
func WithSchemas(sr *SchemaRegistry) LoaderOption {
	return func(l *Loader) { l.validator = NewValidator(sr) }
}

// WithLoaderLogger sets the logger.
func WithLoaderLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	if l.validator == nil {
		l.validator = NewValidator(nil)
	}
	return l
}

// Load parses the given files and directories, in order, into one document.
// Directories are walked for .cue and .hcl files in lexical order. The
// returned error covers unreadable paths only; declaration problems are
// reported in Document.Errors.
func (l *Loader) Load(ctx context.Context, paths ...string) (*Document, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no declaration sources provided")
	}

	files, err := findDeclarationFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .cue or .hcl files found in %s", strings.Join(paths, ", "))
	}
	l.logger.Debug().Int("files", len(files)).Msg("Loading declarations")

	cp := NewCUEParser(l.node)
	hp := NewHCLParser(l.node)
	doc := &Document{}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch filepath.Ext(file) {
		case ExtCUE:
			doc.merge(cp.ParseFile(file))
		case ExtHCL:
			doc.merge(hp.ParseFile(file))
		}
	}
	return l.finish(doc), nil
}

// LoadInline parses declarations held in memory. The format is taken from
// the extension of name.
func (l *Loader) LoadInline(name, content string) (*Document, error) {
	var doc *Document
	switch filepath.Ext(name) {
	case ExtCUE:
		doc = NewCUEParser(l.node).ParseInline(name, content)
	case ExtHCL:
		doc = NewHCLParser(l.node).ParseInline(name, content)
	default:
		return nil, fmt.Errorf("unsupported declaration format %q", filepath.Ext(name))
	}
	return l.finish(doc), nil
}

func (l *Loader) finish(doc *Document) *Document {
	doc.ParsedAt = time.Now()
	if !doc.HasErrors() {
		l.validator.Check(doc)
	}
	for _, e := range doc.Errors {
		if e.Severity == SeverityWarning {
			l.logger.Warn().Msg(e.Error())
		}
	}
	l.logger.Debug().
		Int("resources", len(doc.Resources)).
		Int("errors", len(doc.Errors)).
		Msg("Declarations loaded")
	return doc
}

func findDeclarationFiles(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			files = append(files, p)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			switch filepath.Ext(path) {
			case ExtCUE, ExtHCL:
				add(path)
			default:
				return nil, fmt.Errorf("%s: unsupported declaration format %q", path, filepath.Ext(path))
			}
			continue
		}

		var found []string
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != path && (strings.HasPrefix(d.Name(), ".") || d.Name() == "cue.mod") {
					return filepath.SkipDir
				}
				return nil
			}
			if ext := filepath.Ext(p); ext == ExtCUE || ext == ExtHCL {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.Strings(found)
		for _, p := range found {
			add(p)
		}
	}
	return files, nil
}

// sourceFile and sourceLine split a "file:line" source reference.
func sourceFile(source string) string {
	if i := strings.LastIndexByte(source, ':'); i > 0 {
		if _, err := strconv.Atoi(source[i+1:]); err == nil {
			return source[:i]
		}
	}
	return source
}

func sourceLine(source string) int {
	if i := strings.LastIndexByte(source, ':'); i > 0 {
		if n, err := strconv.Atoi(source[i+1:]); err == nil {
			return n
		}
	}
	return 0
}
