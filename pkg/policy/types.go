package policy

import (
	"fmt"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but do not block a root.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the root.
	SeverityError Severity = "error"

	// SeverityCritical blocks the root.
	SeverityCritical Severity = "critical"
)

// Validate checks that s is a known severity.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	}
	return fmt.Errorf("invalid severity: %q", s)
}

// Blocks reports whether a violation of this severity denies admission.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The module must
// define a deny set under its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was read from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// Builtin marks policies shipped with the provisioner.
	Builtin bool `json:"builtin"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Task is the key of the offending task, if any.
	Task string `json:"task,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of evaluating every enabled policy
// against one root spec.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Root *engine.RootSpec `json:"root"`

	// ResourceTypes are the types with a registered executor. Empty when
	// the caller does not know them.
	ResourceTypes []string `json:"resource_types"`

	Limits Limits `json:"limits"`

	Timestamp time.Time `json:"timestamp"`
}

// Limits are numeric bounds passed to policies.
type Limits struct {
	// MaxTasks bounds the number of tasks in a root; zero disables the check.
	MaxTasks int `json:"max_tasks"`
}
