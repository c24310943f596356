package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/converge/pkg/engine"
)

var resourceTypePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.:-]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("resourcetype", func(fl validator.FieldLevel) bool {
		return resourceTypePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("resourceref", func(fl validator.FieldLevel) bool {
		_, err := engine.ParseResourceID(fl.Field().String())
		return err == nil
	})
	return v
}

// Validator checks declarations for structural errors, duplicate identities
// and property schema violations.
type Validator struct {
	schemas *SchemaRegistry
}

// NewValidator creates a validator. A nil registry uses the built-in schemas.
func NewValidator(schemas *SchemaRegistry) *Validator {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &Validator{schemas: schemas}
}

// Schemas returns the schema registry.
func (v *Validator) Schemas() *SchemaRegistry {
	return v.schemas
}

// Check validates the document and appends what it finds to doc.Errors.
func (v *Validator) Check(doc *Document) {
	seen := make(map[string]*ResourceDecl, len(doc.Resources))
	for _, decl := range doc.Resources {
		path := "resources." + decl.ID()

		if err := validate.Struct(decl); err != nil {
			doc.Errors = append(doc.Errors, structErrors(decl, path, err)...)
			continue
		}

		if prev, dup := seen[decl.ID()]; dup {
			doc.Errors = append(doc.Errors, declError(decl, path,
				fmt.Sprintf("duplicate resource, first declared at %s", prev.Source)))
			continue
		}
		seen[decl.ID()] = decl

		if err := v.schemas.Validate(decl.Type, decl.Properties); err != nil {
			doc.Errors = append(doc.Errors, declError(decl, path+".properties", err.Error()))
		}

		if _, registered := v.schemas.GetSchema(decl.Type); !registered {
			doc.Errors = append(doc.Errors, ValidationError{
				File:     sourceFile(decl.Source),
				Path:     path,
				Message:  fmt.Sprintf("no property schema for type %q, properties not checked", decl.Type),
				Severity: SeverityWarning,
			})
		}
	}
}

func structErrors(decl *ResourceDecl, path string, err error) []ValidationError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{declError(decl, path, err.Error())}
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.TrimPrefix(fe.Namespace(), "ResourceDecl.")
		out = append(out, declError(decl, path+"."+field, describe(fe)))
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "resourcetype":
		return fmt.Sprintf("invalid resource type %q", fe.Value())
	case "resourceref":
		return fmt.Sprintf("invalid resource reference %q, expected type[name]", fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("must be %s %s", map[string]string{"gte": ">=", "lte": "<="}[fe.Tag()], fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func declError(decl *ResourceDecl, path, msg string) ValidationError {
	return ValidationError{
		File:     sourceFile(decl.Source),
		Line:     sourceLine(decl.Source),
		Path:     path,
		Message:  msg,
		Severity: SeverityError,
	}
}
