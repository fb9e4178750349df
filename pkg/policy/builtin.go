package policy

// BuiltinPolicies returns the policies shipped with the provisioner.
func BuiltinPolicies() []Policy {
	return []Policy{
		rootNamingPolicy(),
		taskResourceTypePolicy(),
		graphSizePolicy(),
		deleteWaitPairingPolicy(),
	}
}

// rootNamingPolicy enforces naming conventions for roots and task keys.
func rootNamingPolicy() Policy {
	return Policy{
		Name:        "root-naming",
		Description: "Root names and task keys are lowercase letters, digits, dots, underscores and hyphens",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package provisioner.policies.naming

import rego.v1

pattern := "^[a-z0-9][a-z0-9._-]*$"

deny contains violation if {
	name := input.root.name
	not regex.match(pattern, name)
	violation := {
		"message": sprintf("root name '%s' must match %s", [name, pattern]),
		"severity": "error",
	}
}

deny contains violation if {
	some t in input.root.tasks
	not regex.match(pattern, t.key)
	violation := {
		"message": sprintf("task key '%s' must match %s", [t.key, pattern]),
		"severity": "error",
		"task": t.key,
	}
}

deny contains violation if {
	name := input.root.name
	endswith(name, "-")
	violation := {
		"message": sprintf("root name '%s' must not end with a hyphen", [name]),
		"severity": "error",
	}
}`,
	}
}

// taskResourceTypePolicy rejects tasks nobody can execute.
func taskResourceTypePolicy() Policy {
	return Policy{
		Name:        "task-resource-type",
		Description: "Every task names a resource type with a registered executor",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"executors"},
		Rego: `package provisioner.policies.resource_types

import rego.v1

deny contains violation if {
	count(input.resource_types) > 0
	some t in input.root.tasks
	not t.resource_type in input.resource_types
	violation := {
		"message": sprintf("task '%s' uses resource type '%s' which has no executor", [t.key, t.resource_type]),
		"severity": "error",
		"task": t.key,
	}
}`,
	}
}

// graphSizePolicy bounds the number of tasks in one root.
func graphSizePolicy() Policy {
	return Policy{
		Name:        "graph-size",
		Description: "A root holds at most limits.max_tasks tasks",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"limits"},
		Rego: `package provisioner.policies.size

import rego.v1

deny contains violation if {
	limit := input.limits.max_tasks
	limit > 0
	n := count(input.root.tasks)
	n > limit
	violation := {
		"message": sprintf("root has %d tasks, the limit is %d", [n, limit]),
		"severity": "error",
	}
}`,
	}
}

// deleteWaitPairingPolicy warns about deletes nobody waits for.
func deleteWaitPairingPolicy() Policy {
	return Policy{
		Name:        "delete-wait-pairing",
		Description: "Delete tasks are followed by a delete_wait task of the same resource type",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"graph"},
		Rego: `package provisioner.policies.pairing

import rego.v1

paired(key, rtype) if {
	some e in input.root.edges
	e.from == key
	some w in input.root.tasks
	w.key == e.to
	w.kind == "delete_wait"
	w.resource_type == rtype
}

deny contains violation if {
	some t in input.root.tasks
	t.kind == "delete"
	not paired(t.key, t.resource_type)
	violation := {
		"message": sprintf("delete task '%s' has no delete_wait successor", [t.key]),
		"severity": "warning",
		"task": t.key,
	}
}`,
	}
}
