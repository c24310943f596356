package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		resourceIdentityPolicy(),
		executeIdempotencyPolicy(),
		filePermissionsPolicy(),
		notificationFanoutPolicy(),
		retryBoundsPolicy(),
	}
}

// resourceIdentityPolicy rejects names that cannot be addressed in a
// type[name] lookup.
func resourceIdentityPolicy() Policy {
	return Policy{
		Name:        "resource-identity",
		Description: "Resource names must be non-empty and must not contain brackets or commas",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"identity"},
		Rego: `package converge.policies.identity

import rego.v1

deny contains violation if {
	input.resource.name == ""
	violation := {
		"message": sprintf("%s has an empty name", [input.resource.type]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	name := input.resource.name
	regex.match("[\\[\\],]", name)
	violation := {
		"message": sprintf("name %q contains a bracket or comma and cannot be looked up", [name]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	not regex.match("^[a-z][a-z0-9_]*$", input.resource.type)
	violation := {
		"message": sprintf("type %q must be lowercase snake_case", [input.resource.type]),
		"resource": input.resource.id,
	}
}
`,
	}
}

// executeIdempotencyPolicy warns about commands that run on every converge.
func executeIdempotencyPolicy() Policy {
	return Policy{
		Name:        "execute-idempotency",
		Description: "execute resources should carry a guard or a creates path",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"idempotency"},
		Rego: `package converge.policies.idempotency

import rego.v1

deny contains violation if {
	input.resource.type == "execute"
	"run" in input.resource.actions
	count(input.resource.guards) == 0
	not input.resource.properties.creates
	violation := {
		"message": "execute runs on every converge; add only_if, not_if or creates",
		"resource": input.resource.id,
	}
}
`,
	}
}

// filePermissionsPolicy blocks world-writable files and directories.
func filePermissionsPolicy() Policy {
	return Policy{
		Name:        "file-permissions",
		Description: "Files and directories must not be world-writable",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security"},
		Rego: `package converge.policies.permissions

import rego.v1

managed_types := {"file", "directory", "template"}

deny contains violation if {
	input.resource.type in managed_types
	mode := input.resource.properties.mode
	is_string(mode)
	world_writable(mode)
	violation := {
		"message": sprintf("mode %s makes %s world-writable", [mode, input.resource.name]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	input.resource.type in managed_types
	input.resource.properties.owner == "root"
	input.resource.properties.group == "nogroup"
	violation := {
		"message": "root-owned path should not belong to nogroup",
		"severity": "warning",
		"resource": input.resource.id,
	}
}

world_writable(mode) if {
	digits := trim_left(mode, "0")
	count(digits) >= 3
	last := substring(digits, count(digits) - 1, 1)
	last in {"2", "3", "6", "7"}
}
`,
	}
}

func notificationFanoutPolicy() Policy {
	return Policy{
		Name:        "notification-fanout",
		Description: "A resource notifying more than ten others is usually a mistake",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"notifications"},
		Rego: `package converge.policies.notifications

import rego.v1

deny contains violation if {
	n := count(input.resource.notifies)
	n > 10
	violation := {
		"message": sprintf("%d notifications from one resource", [n]),
		"resource": input.resource.id,
	}
}
`,
	}
}

func retryBoundsPolicy() Policy {
	return Policy{
		Name:        "retry-bounds",
		Description: "Retries must be between 0 and 10",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"retries"},
		Rego: `package converge.policies.retries

import rego.v1

deny contains violation if {
	input.resource.retries < 0
	violation := {
		"message": "retries must not be negative",
		"resource": input.resource.id,
	}
}

deny contains violation if {
	input.resource.retries > 10
	violation := {
		"message": sprintf("retries %d exceeds the limit of 10", [input.resource.retries]),
		"resource": input.resource.id,
	}
}
`,
	}
}
