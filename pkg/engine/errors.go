package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides whether a failed resource action is retried.
type ErrorClass string

const (
	// ErrorClassTransient failures are retried when the resource declares
	// retries: a package mirror timing out, a service manager that is busy.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates the target is in a state the provider cannot
	// reconcile without another attempt, such as a held package lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent covers invalid declarations, missing providers
	// and denied permissions. It is never retried.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is the error type of the convergence core. Domain failures
// carry one of the ErrCode values.
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Code    string     `json:"code,omitempty"`

	// Resource is the type[name] identity of the failing resource.
	Resource string `json:"resource,omitempty"`

	// Operation is the action or runner phase.
	Operation string `json:"operation,omitempty"`

	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on class and code, so the Err sentinels work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource and the other With methods set a field and return e.
func (e *EngineError) WithResource(id string) *EngineError {
	e.Resource = id
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func IsTransient(err error) bool {
	return ClassOf(err) == ErrorClassTransient
}

func IsConflict(err error) bool {
	return ClassOf(err) == ErrorClassConflict
}

func IsPermanent(err error) bool {
	return ClassOf(err) == ErrorClassPermanent
}

// IsRetryable reports whether err is worth another attempt. Unclassified errors are retryable so that plain command failures honour a
// resource's retry count.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return ClassOf(err) != ErrorClassPermanent
}

// ClassOf returns the class of the outermost EngineError in err's chain,
// or "" for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// CodeOf returns the code of the outermost EngineError in err's chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeProviderFailed    = "PROVIDER_FAILED"
	ErrCodeGuardFailed       = "GUARD_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeResourceNotFound  = "RESOURCE_NOT_FOUND"
	ErrCodeProviderNotFound  = "PROVIDER_NOT_FOUND"
	ErrCodeNotificationCycle = "NOTIFICATION_CYCLE"
	ErrCodeInvalidQuery      = "INVALID_QUERY"
	ErrCodeOrderingCycle     = "ORDERING_CYCLE"
	ErrCodePlatformChanged   = "PLATFORM_CHANGED"
	ErrCodeRegistryLocked    = "REGISTRY_LOCKED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeMultipleFailures  = "MULTIPLE_FAILURES"
)

// Sentinels for errors.Is checks against the engine's error taxonomy.
var (
	ErrDuplicateResource = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDuplicateResource}
	ErrResourceNotFound  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeResourceNotFound}
	ErrProviderNotFound  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeProviderNotFound}
	ErrNotificationCycle = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotificationCycle}
	ErrInvalidQuery      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidQuery}
	ErrOrderingCycle     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeOrderingCycle}
	ErrPlatformChanged   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePlatformChanged}
	ErrRegistryLocked    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeRegistryLocked}
	ErrMultipleFailures  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeMultipleFailures}
)

func duplicateResourceError(id ResourceID) *EngineError {
	return NewPermanentError("resource already declared", nil).
		WithResource(id.String()).
		WithOperation("insert").
		WithCode(ErrCodeDuplicateResource)
}

func resourceNotFoundError(query string) *EngineError {
	return NewPermanentError("resource not found in collection", nil).
		WithResource(query).
		WithOperation("lookup").
		WithCode(ErrCodeResourceNotFound)
}

func providerNotFoundError(id ResourceID, action Action, p Platform) *EngineError {
	return NewPermanentError("no provider can handle resource", nil).
		WithResource(id.String()).
		WithOperation(string(action)).
		WithCode(ErrCodeProviderNotFound).
		WithDetail("platform", p.Name).
		WithDetail("platform_family", p.Family).
		WithDetail("platform_version", p.Version)
}

// Phase names the step of a resource action in which a failure happened.
type Phase string

const (
	PhaseResolve Phase = "resolve"
	PhaseLoad    Phase = "load_current_resource"
	PhaseGuard   Phase = "guard"
	PhaseAction  Phase = "action"
	PhaseNotify  Phase = "notification"
)

// ResourceFailure is one failed resource action within a run.
type ResourceFailure struct {
	// Index is the resource's position in the collection's execution order.
	Index int `json:"index"`

	// Resource is the identity of the failing resource.
	Resource ResourceID `json:"resource"`

	// Action is the action that was being converged.
	Action Action `json:"action"`

	// Phase is the step that failed.
	Phase Phase `json:"phase"`

	// Delayed reports that the action was triggered by a delayed notification.
	Delayed bool `json:"delayed,omitempty"`

	// Ignored reports that the resource had ignore_failure set.
	Ignored bool `json:"ignored,omitempty"`

	// Err is the underlying failure.
	Err error `json:"-"`
}

// Error implements the error interface.
func (f *ResourceFailure) Error() string {
	return fmt.Sprintf("%s (#%d) action %s failed during %s: %v",
		f.Resource, f.Index, f.Action, f.Phase, f.Err)
}

// Unwrap returns the underlying failure.
func (f *ResourceFailure) Unwrap() error {
	return f.Err
}

// MarshalJSON encodes the failure with its error message.
func (f *ResourceFailure) MarshalJSON() ([]byte, error) {
	type alias ResourceFailure
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		*alias
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	}{alias: (*alias)(f), Message: msg, Code: CodeOf(f.Err)})
}

// MultipleFailures is the composite error returned when more than one resource
// action failed in a run, when the run accumulates errors, or when a run-level
// error follows resource failures. Failures are kept in the order they
// occurred.
type MultipleFailures struct {
	Failures []*ResourceFailure

	// Run is a run-level error raised alongside the failures, such as a
	// notification cycle. It is listed after them.
	Run error
}

// Error implements the error interface.
func (m *MultipleFailures) Error() string {
	var b strings.Builder
	errs := m.Unwrap()
	fmt.Fprintf(&b, "Multiple failures occurred (%d):", len(errs))
	for _, err := range errs {
		b.WriteString("\n  * ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes every failure to errors.Is and errors.As.
func (m *MultipleFailures) Unwrap() []error {
	errs := make([]error, 0, len(m.Failures)+1)
	for _, f := range m.Failures {
		errs = append(errs, f)
	}
	if m.Run != nil {
		errs = append(errs, m.Run)
	}
	return errs
}

// Is matches the MULTIPLE_FAILURES engine error code.
func (m *MultipleFailures) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == ErrCodeMultipleFailures
}
