package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/openfroyo/converge/pkg/engine"
)

// CUEParser reads resource declarations from CUE.
//
// Declarations live under a top-level "resources" field, either as a struct
// keyed by "type[name]" or as a list:
//
//	node: _
//
//	resources: {
//		"package[nginx]": {}
//		"service[nginx]": {
//			action: ["enable", "start"]
//			subscribes: [{action: "restart", resource: "file[/etc/nginx/nginx.conf]"}]
//		}
//		"file[/etc/motd]": properties: content: "managed by converge on \(node.hostname)\n"
//	}
//
// When the file declares "node", node attributes are filled in before the
// resources are extracted.
type CUEParser struct {
	ctx  *cue.Context
	node map[string]any
}

// NewCUEParser creates a parser. node may be nil.
func NewCUEParser(node map[string]any) *CUEParser {
	return &CUEParser{ctx: cuecontext.New(), node: node}
}

// ParseFile parses one .cue file.
func (cp *CUEParser) ParseFile(path string) *Document {
	doc := &Document{SourceFiles: []string{path}}
	content, err := os.ReadFile(path)
	if err != nil {
		doc.Errors = append(doc.Errors, ValidationError{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: SeverityError,
		})
		return doc
	}
	cp.extract(doc, cp.ctx.CompileBytes(content, cue.Filename(path)))
	return doc
}

// ParseInline parses CUE source held in memory.
func (cp *CUEParser) ParseInline(name, content string) *Document {
	doc := &Document{SourceFiles: []string{name}}
	cp.extract(doc, cp.ctx.CompileString(content, cue.Filename(name)))
	return doc
}

func (cp *CUEParser) extract(doc *Document, val cue.Value) {
	if err := val.Err(); err != nil {
		doc.Errors = append(doc.Errors, convertCUEErrors(err)...)
		return
	}
	if cp.node != nil && val.LookupPath(cue.ParsePath("node")).Exists() {
		val = val.FillPath(cue.ParsePath("node"), cp.node)
	}
	if err := val.Validate(); err != nil {
		doc.Errors = append(doc.Errors, convertCUEErrors(err)...)
		return
	}

	resources := val.LookupPath(cue.ParsePath("resources"))
	if !resources.Exists() {
		return
	}

	switch resources.IncompleteKind() {
	case cue.StructKind:
		iter, err := resources.Fields()
		if err != nil {
			doc.Errors = append(doc.Errors, convertCUEErrors(err)...)
			return
		}
		for iter.Next() {
			label := iter.Selector().Unquoted()
			decl, err := decodeCUEResource(iter.Value())
			if err != nil {
				doc.Errors = append(doc.Errors, cueValueError(iter.Value(), "resources."+label, err))
				continue
			}
			if id, err := engine.ParseResourceID(label); err == nil {
				if (decl.Type != "" && decl.Type != id.Type) || (decl.Name != "" && decl.Name != id.Name) {
					doc.Errors = append(doc.Errors, cueValueError(iter.Value(), "resources."+label,
						fmt.Errorf("key %q disagrees with declared type %q and name %q", label, decl.Type, decl.Name)))
					continue
				}
				decl.Type, decl.Name = id.Type, id.Name
			} else if decl.Name == "" {
				decl.Name = label
			}
			doc.Resources = append(doc.Resources, decl)
		}

	case cue.ListKind:
		list, err := resources.List()
		if err != nil {
			doc.Errors = append(doc.Errors, convertCUEErrors(err)...)
			return
		}
		for i := 0; list.Next(); i++ {
			decl, err := decodeCUEResource(list.Value())
			if err != nil {
				doc.Errors = append(doc.Errors, cueValueError(list.Value(), fmt.Sprintf("resources[%d]", i), err))
				continue
			}
			doc.Resources = append(doc.Resources, decl)
		}

	default:
		doc.Errors = append(doc.Errors, cueValueError(resources, "resources",
			fmt.Errorf("must be a struct or a list, got %s", resources.IncompleteKind())))
	}
}

// decodeCUEResource goes through JSON so that numbers keep their integer
// form and unknown fields are rejected.
func decodeCUEResource(val cue.Value) (*ResourceDecl, error) {
	data, err := val.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%s", errors.Details(err, nil))
	}
	decl, err := decodeJSONResource(data)
	if err != nil {
		return nil, err
	}
	decl.Source = cuePosition(val)
	return decl, nil
}

func decodeJSONResource(data []byte) (*ResourceDecl, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var decl ResourceDecl
	if err := dec.Decode(&decl); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	if decl.Properties != nil {
		decl.Properties = normalizeNumbers(decl.Properties).(map[string]any)
	}
	return &decl, nil
}

// normalizeNumbers turns json.Number into int when integral, float64
// otherwise.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = normalizeNumbers(item)
		}
		return t
	default:
		return v
	}
}

func cuePosition(val cue.Value) string {
	pos := val.Pos()
	if !pos.IsValid() {
		return ""
	}
	return fmt.Sprintf("%s:%d", pos.Filename(), pos.Line())
}

func cueValueError(val cue.Value, path string, err error) ValidationError {
	ve := ValidationError{Path: path, Message: err.Error(), Severity: SeverityError}
	if pos := val.Pos(); pos.IsValid() {
		ve.File, ve.Line, ve.Column = pos.Filename(), pos.Line(), pos.Column()
	}
	return ve
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:     strings.Join(e.Path(), "."),
			Message:  strings.TrimSpace(errors.Details(e, nil)),
			Severity: SeverityError,
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File, ve.Line, ve.Column = pos[0].Filename(), pos[0].Line(), pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}
