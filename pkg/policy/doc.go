// Package policy checks resource collections against Rego policies before a
// run starts, and evaluates Rego guard expressions during a run.
//
// # Admission
//
// Every enabled policy is a Rego module with a deny rule. For each resource
// in the collection the engine evaluates deny with this input:
//
//	{
//	  "resource": {"id", "type", "name", "index", "actions", "properties",
//	               "provider", "ignore_failure", "retries", "guards",
//	               "notifies", "source"},
//	  "node":     {merged node attributes},
//	  "context":  {"operation", "why_run", "timestamp"}
//	}
//
// A deny entry is either a message string or an object with message and
// optional severity and resource keys. Entries with severity error or
// critical are blocking and make Result.Allowed false. Others are reported
// as warnings.
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	result, err := eng.Admit(ctx, collection, node, nil)
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err // errors.Is(err, policy.ErrDenied)
//	}
//
// # Built-in policies
//
//   - resource-identity: names must be addressable in type[name] queries
//   - execute-idempotency: execute resources should carry a guard or creates
//   - file-permissions: no world-writable files or directories
//   - notification-fanout: warns on more than ten outgoing notifications
//   - retry-bounds: retries between 0 and 10
//
// # Guards
//
// RegoGuard plugs into the guard registry under the name "rego":
//
//	reg := guards.NewRegistry(guards.Options{Rego: policy.NewRegoGuard(nil)})
package policy
