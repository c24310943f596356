package config

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// HCLParser reads resource declarations from HCL.
//
//	resource "service" "nginx" {
//	  action = ["enable", "start"]
//
//	  subscribes {
//	    action   = "restart"
//	    resource = "file[/etc/nginx/nginx.conf]"
//	  }
//	}
//
//	resource "file" "/etc/motd" {
//	  content = "managed by converge on ${node.hostname}\n"
//	  mode    = "0644"
//	}
//
// Attributes that are not resource settings become properties. Expressions
// can reference node attributes through the "node" variable.
type HCLParser struct {
	parser *hclparse.Parser
	ctx    *hcl.EvalContext
}

var declFileSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "resource", LabelNames: []string{"type", "name"}},
	},
}

type hclResource struct {
	Action           hcl.Expression     `hcl:"action,optional"`
	Provider         *string            `hcl:"provider,optional"`
	GuardInterpreter *string            `hcl:"guard_interpreter,optional"`
	OnlyIf           hcl.Expression     `hcl:"only_if,optional"`
	NotIf            hcl.Expression     `hcl:"not_if,optional"`
	IgnoreFailure    *bool              `hcl:"ignore_failure,optional"`
	Retries          *int               `hcl:"retries,optional"`
	RetryDelay       *string            `hcl:"retry_delay,optional"`
	Before           []string           `hcl:"before,optional"`
	Notifies         []*hclNotification `hcl:"notifies,block"`
	Subscribes       []*hclNotification `hcl:"subscribes,block"`
	Remain           hcl.Body           `hcl:",remain"`
}

// resourceSettings are the hclResource attribute and block names; everything
// else in a resource body is a property.
var resourceSettings = func() map[string]bool {
	schema, _ := gohcl.ImpliedBodySchema(hclResource{})
	names := make(map[string]bool, len(schema.Attributes)+len(schema.Blocks))
	for _, a := range schema.Attributes {
		names[a.Name] = true
	}
	for _, b := range schema.Blocks {
		names[b.Type] = true
	}
	return names
}()

type hclNotification struct {
	Action   string  `hcl:"action"`
	Resource string  `hcl:"resource"`
	Timing   *string `hcl:"timing,optional"`
}

// NewHCLParser creates a parser. node may be nil.
func NewHCLParser(node map[string]any) *HCLParser {
	nodeVal := cty.EmptyObjectVal
	if node != nil {
		if v, err := toCty(node); err == nil {
			nodeVal = v
		}
	}
	return &HCLParser{
		parser: hclparse.NewParser(),
		ctx: &hcl.EvalContext{
			Variables: map[string]cty.Value{"node": nodeVal},
			Functions: map[string]function.Function{
				"upper":    stdlib.UpperFunc,
				"lower":    stdlib.LowerFunc,
				"join":     stdlib.JoinFunc,
				"format":   stdlib.FormatFunc,
				"contains": stdlib.ContainsFunc,
				"concat":   stdlib.ConcatFunc,
			},
		},
	}
}

// ParseFile parses one .hcl file.
func (hp *HCLParser) ParseFile(path string) *Document {
	doc := &Document{SourceFiles: []string{path}}
	file, diags := hp.parser.ParseHCLFile(path)
	if diags.HasErrors() {
		doc.Errors = append(doc.Errors, convertDiagnostics(diags)...)
		return doc
	}
	hp.extract(doc, file.Body)
	return doc
}

// ParseInline parses HCL source held in memory.
func (hp *HCLParser) ParseInline(name, content string) *Document {
	doc := &Document{SourceFiles: []string{name}}
	file, diags := hp.parser.ParseHCL([]byte(content), name)
	if diags.HasErrors() {
		doc.Errors = append(doc.Errors, convertDiagnostics(diags)...)
		return doc
	}
	hp.extract(doc, file.Body)
	return doc
}

func (hp *HCLParser) extract(doc *Document, body hcl.Body) {
	content, diags := body.Content(declFileSchema)
	if diags.HasErrors() {
		doc.Errors = append(doc.Errors, convertDiagnostics(diags)...)
		return
	}
	for _, block := range content.Blocks {
		var r hclResource
		if diags := gohcl.DecodeBody(block.Body, hp.ctx, &r); diags.HasErrors() {
			doc.Errors = append(doc.Errors, convertDiagnostics(diags)...)
			continue
		}
		decl, diags := hp.translate(block, &r)
		if diags.HasErrors() {
			doc.Errors = append(doc.Errors, convertDiagnostics(diags)...)
			continue
		}
		doc.Resources = append(doc.Resources, decl)
	}
}

func (hp *HCLParser) translate(block *hcl.Block, r *hclResource) (*ResourceDecl, hcl.Diagnostics) {
	decl := &ResourceDecl{
		Type:   block.Labels[0],
		Name:   block.Labels[1],
		Before: r.Before,
		Source: fmt.Sprintf("%s:%d", block.DefRange.Filename, block.DefRange.Start.Line),
	}
	if r.Provider != nil {
		decl.Provider = *r.Provider
	}
	if r.GuardInterpreter != nil {
		decl.GuardInterpreter = *r.GuardInterpreter
	}
	if r.IgnoreFailure != nil {
		decl.IgnoreFailure = *r.IgnoreFailure
	}
	if r.Retries != nil {
		decl.Retries = *r.Retries
	}

	var diags hcl.Diagnostics
	if r.RetryDelay != nil {
		var d Duration
		if err := d.UnmarshalJSON([]byte(fmt.Sprintf("%q", *r.RetryDelay))); err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid retry_delay",
				Detail:   err.Error(),
				Subject:  block.DefRange.Ptr(),
			})
		}
		decl.RetryDelay = d
	}

	actions, more := hp.stringList(r.Action, "action")
	diags = append(diags, more...)
	decl.Action = actions
	decl.OnlyIf, more = hp.stringList(r.OnlyIf, "only_if")
	diags = append(diags, more...)
	decl.NotIf, more = hp.stringList(r.NotIf, "not_if")
	diags = append(diags, more...)

	for _, n := range r.Notifies {
		decl.Notifies = append(decl.Notifies, n.decl())
	}
	for _, n := range r.Subscribes {
		decl.Subscribes = append(decl.Subscribes, n.decl())
	}

	props, more := hp.properties(r.Remain)
	diags = append(diags, more...)
	decl.Properties = props
	return decl, diags
}

func (n *hclNotification) decl() NotificationDecl {
	d := NotificationDecl{Action: n.Action, Resource: n.Resource}
	if n.Timing != nil {
		d.Timing = *n.Timing
	}
	return d
}

// stringList evaluates an attribute holding a string or a list of strings.
func (hp *HCLParser) stringList(expr hcl.Expression, name string) ([]string, hcl.Diagnostics) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(hp.ctx)
	if diags.HasErrors() || val.IsNull() {
		return nil, diags
	}

	native, err := ctyToNative(val)
	if err != nil {
		return nil, hcl.Diagnostics{invalidAttr(expr, name, err.Error())}
	}
	switch v := native.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, hcl.Diagnostics{invalidAttr(expr, name, "list elements must be strings")}
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, hcl.Diagnostics{invalidAttr(expr, name, "must be a string or a list of strings")}
	}
}

// propertyAttributes returns the attributes of a resource body that are not
// resource settings. The remain body gohcl hands back still holds the
// notifies and subscribes blocks, which JustAttributes rejects, so native
// syntax bodies are walked directly.
func propertyAttributes(body hcl.Body) (hcl.Attributes, hcl.Diagnostics) {
	syn, ok := body.(*hclsyntax.Body)
	if !ok {
		return body.JustAttributes()
	}

	var diags hcl.Diagnostics
	for _, b := range syn.Blocks {
		if !resourceSettings[b.Type] {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  fmt.Sprintf("Unexpected %q block", b.Type),
				Detail:   "Resources accept only notifies and subscribes blocks; properties are attributes.",
				Subject:  b.TypeRange.Ptr(),
			})
		}
	}
	attrs := make(hcl.Attributes, len(syn.Attributes))
	for name, a := range syn.Attributes {
		if !resourceSettings[name] {
			attrs[name] = a.AsHCLAttribute()
		}
	}
	return attrs, diags
}

func (hp *HCLParser) properties(body hcl.Body) (map[string]any, hcl.Diagnostics) {
	attrs, diags := propertyAttributes(body)
	if diags.HasErrors() {
		return nil, diags
	}
	if len(attrs) == 0 {
		return nil, nil
	}

	sorted := make([]*hcl.Attribute, 0, len(attrs))
	for _, a := range attrs {
		sorted = append(sorted, a)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Range.Start.Byte < sorted[j].Range.Start.Byte
	})

	props := make(map[string]any, len(sorted))
	for _, a := range sorted {
		val, more := a.Expr.Value(hp.ctx)
		diags = append(diags, more...)
		if more.HasErrors() {
			continue
		}
		native, err := ctyToNative(val)
		if err != nil {
			diags = append(diags, invalidAttr(a.Expr, a.Name, err.Error()))
			continue
		}
		props[a.Name] = native
	}
	return props, diags
}

func invalidAttr(expr hcl.Expression, name, detail string) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  fmt.Sprintf("Invalid %s", name),
		Detail:   detail,
		Subject:  expr.Range().Ptr(),
	}
}

// ctyToNative converts a cty value to plain Go values. Integral numbers
// become int, others float64.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return int(i), nil
			}
		}
		f, _ := bf.Float64()
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil

	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			out[key.AsString()] = native
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}

// toCty converts node attributes into a cty object for expression
// evaluation.
func toCty(v any) (cty.Value, error) {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(t), nil
	case bool:
		return cty.BoolVal(t), nil
	case int:
		return cty.NumberIntVal(int64(t)), nil
	case int64:
		return cty.NumberIntVal(t), nil
	case float64:
		return cty.NumberFloatVal(t), nil
	case []string:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		vals := make([]cty.Value, len(t))
		for i, s := range t {
			vals[i] = cty.StringVal(s)
		}
		return cty.TupleVal(vals), nil
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		vals := make([]cty.Value, len(t))
		for i, item := range t {
			cv, err := toCty(item)
			if err != nil {
				return cty.NilVal, err
			}
			vals[i] = cv
		}
		return cty.TupleVal(vals), nil
	case map[string]any:
		if len(t) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(t))
		for k, item := range t {
			cv, err := toCty(item)
			if err != nil {
				return cty.NilVal, fmt.Errorf("%s: %w", k, err)
			}
			attrs[k] = cv
		}
		return cty.ObjectVal(attrs), nil
	default:
		return cty.StringVal(fmt.Sprint(t)), nil
	}
}

func convertDiagnostics(diags hcl.Diagnostics) []ValidationError {
	out := make([]ValidationError, 0, len(diags))
	for _, d := range diags {
		ve := ValidationError{Message: d.Summary, Severity: SeverityError}
		if d.Detail != "" {
			ve.Message += ": " + d.Detail
		}
		if d.Severity == hcl.DiagWarning {
			ve.Severity = SeverityWarning
		}
		if d.Subject != nil {
			ve.File = d.Subject.Filename
			ve.Line = d.Subject.Start.Line
			ve.Column = d.Subject.Start.Column
		}
		out = append(out, ve)
	}
	return out
}
