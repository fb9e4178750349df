// Package config loads the provisioner configuration and root spec files.
//
// # Configuration
//
// Load starts from Default, overlays an optional YAML file and then any
// PROVISIONER_* environment variables, and validates the result with
// go-playground/validator:
//
//	cfg, err := config.Load("provisioner.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Environment names follow the YAML nesting, for example
// PROVISIONER_STORE_SQLITE_PATH, PROVISIONER_QUEUE_DRIVER or
// PROVISIONER_TELEMETRY_LOG_LEVEL.
//
// # Root Specs
//
// A root spec is the construction request for one workflow root. It is
// written as YAML or JSON:
//
//	name: web-tier
//	tasks:
//	  - {key: net, kind: create, resource_type: network, metadata: {name: net-1}}
//	  - {key: net-wait, kind: create_wait, resource_type: network}
//	edges:
//	  - {from: net, to: net-wait}
//
// or generated by a Starlark script that assigns a dict to the global root.
// Scripts get the task, edge and chain helpers plus any variables passed by
// the caller:
//
//	tasks = [task("net-%d" % i, "create", "network", {"name": "net-%d" % i}) for i in range(count)]
//	root = {"name": "nets", "tasks": tasks, "edges": chain(*[t["key"] for t in tasks])}
//
// Top-level for loops are not allowed; put loops inside a def.
//
// Scripts run without filesystem or network access and are cancelled when
// the evaluator timeout elapses.
package config
