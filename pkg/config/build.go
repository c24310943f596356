package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// defaultActions maps resource types to the action used when a declaration
// names none. Types not listed default to "nothing".
var defaultActions = map[string]engine.Action{
	"file":      "create",
	"template":  "create",
	"directory": "create",
	"package":   "install",
	"execute":   "run",
	"log":       "write",
}

// DefaultAction returns the default action for a resource type.
func DefaultAction(resourceType string) engine.Action {
	if a, ok := defaultActions[resourceType]; ok {
		return a
	}
	return engine.ActionNothing
}

// Resource converts the declaration into an engine resource.
func (r *ResourceDecl) Resource() *engine.Resource {
	res := engine.NewResource(r.Type, r.Name)
	for k, v := range r.Properties {
		res.Properties[k] = v
	}
	for _, a := range r.Action {
		res.Actions = append(res.Actions, engine.Action(a))
	}
	res.DefaultAction = DefaultAction(r.Type)
	res.Provider = r.Provider
	res.GuardInterpreter = r.GuardInterpreter
	for _, expr := range r.OnlyIf {
		res.Guards = append(res.Guards, engine.Guard{Kind: engine.GuardOnlyIf, Expression: expr})
	}
	for _, expr := range r.NotIf {
		res.Guards = append(res.Guards, engine.Guard{Kind: engine.GuardNotIf, Expression: expr})
	}
	res.IgnoreFailure = r.IgnoreFailure
	res.Retries = r.Retries
	res.RetryDelay = time.Duration(r.RetryDelay)
	res.Source = r.Source
	return res
}

// Build inserts every declared resource into a new collection and then wires
// ordering and notification edges. Edges may reference resources declared
// later in the document.
func (d *Document) Build() (*engine.ResourceCollection, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}

	coll := engine.NewResourceCollection()
	for _, decl := range d.Resources {
		if err := coll.Insert(decl.Resource()); err != nil {
			return nil, at(decl, err)
		}
	}

	for _, decl := range d.Resources {
		self := engine.ResourceID{Type: decl.Type, Name: decl.Name}

		for _, ref := range decl.Before {
			other, err := engine.ParseResourceID(ref)
			if err != nil {
				return nil, at(decl, err)
			}
			if err := coll.Before(self, other); err != nil {
				return nil, at(decl, err)
			}
		}

		for _, n := range decl.Notifies {
			target, timing, err := n.parse()
			if err != nil {
				return nil, at(decl, err)
			}
			if err := coll.AddNotification(self, engine.Action(n.Action), target, timing); err != nil {
				return nil, at(decl, err)
			}
		}

		for _, n := range decl.Subscribes {
			source, timing, err := n.parse()
			if err != nil {
				return nil, at(decl, err)
			}
			if err := coll.Subscribe(self, engine.Action(n.Action), source, timing); err != nil {
				return nil, at(decl, err)
			}
		}
	}
	return coll, nil
}

func (n NotificationDecl) parse() (engine.ResourceID, engine.Timing, error) {
	id, err := engine.ParseResourceID(n.Resource)
	if err != nil {
		return engine.ResourceID{}, "", err
	}
	timing, err := engine.ParseTiming(n.Timing)
	if err != nil {
		return engine.ResourceID{}, "", err
	}
	return id, timing, nil
}

func at(decl *ResourceDecl, err error) error {
	if decl.Source == "" {
		return fmt.Errorf("%s: %w", decl.ID(), err)
	}
	return fmt.Errorf("%s (%s): %w", decl.ID(), decl.Source, err)
}
