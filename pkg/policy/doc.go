// Package policy provides Open Policy Agent (OPA) admission control for
// workflow roots.
//
// An Engine evaluates Rego policies against a root spec before the engine
// persists it. Every policy module defines a deny set; each entry is a
// message string or an object with message, severity and task fields.
// Entries of severity error or critical deny the root with a
// POLICY_DENIED error; warnings and info entries are only logged.
//
// # Architecture
//
//  1. Engine - Compiles and evaluates Rego policies, implements Admit
//  2. Loader - Loads .rego and .json policies from files and directories
//  3. Built-in Policies - naming, resource types, graph size, delete pairing
//
// # Usage
//
//	pe, err := policy.NewEngine(
//	    policy.WithLogger(logger),
//	    policy.WithMaxTasks(1000),
//	    policy.WithResourceTypes(registry.ResourceTypes),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := pe.LoadPolicies(ctx, []string{"/etc/provisioner/policies"}); err != nil {
//	    log.Fatal(err)
//	}
//	eng := engine.New(store, trigger, registry, engine.WithAdmission(pe))
//
// # Input Document
//
// Policies see the following input:
//
//	{
//	  "root": {"name": ..., "nature": ..., "kind": ..., "tasks": [...], "edges": [...]},
//	  "resource_types": ["network", "subnet"],
//	  "limits": {"max_tasks": 1000},
//	  "timestamp": "2024-01-01T00:00:00Z"
//	}
//
// # Writing Policies
//
//	package custom.frozen
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.root.nature == "production"
//	    violation := {"message": "production roots are frozen", "severity": "error"}
//	}
//
// A .rego file may open with header comments:
//
//	# Production roots are frozen
//	# severity: error
//	# tags: change-control
//	# enabled: true
//
// Engine.Watch reloads a policy directory on change and returns a Watcher
// to close on shutdown. Reloads replace every file policy and keep the
// built-ins; a directory that fails to load leaves the current policies in
// place.
package policy
