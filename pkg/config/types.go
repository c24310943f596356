package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ResourceDecl is one declared resource, independent of the format it was
// written in.
type ResourceDecl struct {
	// Type is the resource type (e.g., "package", "service").
	Type string `json:"type" validate:"required,resourcetype"`

	// Name is unique per type within a document.
	Name string `json:"name" validate:"required"`

	// Action lists the actions to converge in order. Empty selects the
	// type's default action.
	Action StringList `json:"action,omitempty" validate:"dive,required"`

	// Properties are the desired-state fields, validated against the
	// type's property schema when one is registered.
	Properties map[string]any `json:"properties,omitempty"`

	// Provider names a provider class that bypasses resolution.
	Provider string `json:"provider,omitempty"`

	// GuardInterpreter selects the interpreter for only_if/not_if.
	GuardInterpreter string `json:"guard_interpreter,omitempty"`

	// OnlyIf and NotIf are guard expressions, a single string or a list.
	OnlyIf StringList `json:"only_if,omitempty" validate:"dive,required"`
	NotIf  StringList `json:"not_if,omitempty" validate:"dive,required"`

	IgnoreFailure bool     `json:"ignore_failure,omitempty"`
	Retries       int      `json:"retries,omitempty" validate:"gte=0,lte=100"`
	RetryDelay    Duration `json:"retry_delay,omitempty"`

	// Before lists resources ("type[name]") this resource must precede.
	Before []string `json:"before,omitempty" validate:"dive,resourceref"`

	Notifies   []NotificationDecl `json:"notifies,omitempty" validate:"dive"`
	Subscribes []NotificationDecl `json:"subscribes,omitempty" validate:"dive"`

	// Source is the file and position the resource was declared at.
	Source string `json:"-"`
}

// ID renders the resource identity in lookup form.
func (r *ResourceDecl) ID() string {
	return r.Type + "[" + r.Name + "]"
}

// NotificationDecl is a notifies or subscribes entry.
type NotificationDecl struct {
	// Action runs on the target (notifies) or on the declaring resource
	// (subscribes).
	Action string `json:"action" validate:"required"`

	// Resource is the other end of the edge, "type[name]".
	Resource string `json:"resource" validate:"required,resourceref"`

	// Timing is "delayed" (default) or "immediately".
	Timing string `json:"timing,omitempty" validate:"omitempty,oneof=delayed immediately immediate :delayed :immediately :immediate"`
}

// StringList accepts a single string or a list of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (a *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*a = nil
		} else {
			*a = StringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("must be a string or a list of strings")
	}
	*a = many
	return nil
}

// Duration accepts "30s" style strings or a number of seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q", s)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Document is the merged set of declarations from one or more sources.
type Document struct {
	// Resources in declaration order.
	Resources []*ResourceDecl `json:"resources"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the declarations were parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists parse and validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether any error-severity entries were recorded.
func (d *Document) HasErrors() bool {
	for _, e := range d.Errors {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Err returns the recorded errors as one error, or nil.
func (d *Document) Err() error {
	if !d.HasErrors() {
		return nil
	}
	msgs := make([]string, 0, len(d.Errors))
	for _, e := range d.Errors {
		if e.Severity == SeverityError {
			msgs = append(msgs, e.Error())
		}
	}
	return fmt.Errorf("invalid declarations:\n  %s", strings.Join(msgs, "\n  "))
}

// Source describes where the declarations came from, for run records.
func (d *Document) Source() string {
	switch len(d.SourceFiles) {
	case 0:
		return "inline"
	case 1:
		return d.SourceFiles[0]
	default:
		return fmt.Sprintf("%s (+%d more)", d.SourceFiles[0], len(d.SourceFiles)-1)
	}
}

func (d *Document) merge(other *Document) {
	d.Resources = append(d.Resources, other.Resources...)
	d.SourceFiles = append(d.SourceFiles, other.SourceFiles...)
	d.Errors = append(d.Errors, other.Errors...)
}

// Severity levels of a ValidationError.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path locates the value, e.g. "resources.package[nginx].properties".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is error or warning.
	Severity string `json:"severity"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}
