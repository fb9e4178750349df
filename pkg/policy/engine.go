package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies against root specs. It implements
// engine.AdmissionController.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy

	logger        zerolog.Logger
	metrics       *telemetry.Metrics
	events        *telemetry.EventPublisher
	limits        Limits
	resourceTypes func() []string
	builtin       bool
	now           func() time.Time
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l.With().Str("component", "policy-engine").Logger() }
}

// WithMetrics records denials by error code.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEventPublisher publishes a policy.violation event per blocking violation.
func WithEventPublisher(p *telemetry.EventPublisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithMaxTasks sets limits.max_tasks; zero disables the graph-size policy.
func WithMaxTasks(n int) Option {
	return func(e *Engine) { e.limits.MaxTasks = n }
}

// WithResourceTypes supplies the registered resource types, usually
// Registry.ResourceTypes.
func WithResourceTypes(fn func() []string) Option {
	return func(e *Engine) { e.resourceTypes = fn }
}

// WithoutBuiltins starts the engine with no built-in policies.
func WithoutBuiltins() Option {
	return func(e *Engine) { e.builtin = false }
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   zerolog.Nop(),
		builtin:  true,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.builtin {
		ctx := context.Background()
		for _, p := range BuiltinPolicies() {
			if err := e.compileAndStore(ctx, &p); err != nil {
				return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
			}
		}
		e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	}
	return e, nil
}

// Admit denies spec when any enabled policy reports a blocking violation.
func (e *Engine) Admit(ctx context.Context, spec *engine.RootSpec) error {
	result, err := e.Evaluate(ctx, spec)
	if err != nil {
		return engine.NewTransientError("policy evaluation failed", err).WithCode(engine.ErrCodeInternal)
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("root", spec.Name).
			Str("policy", w.Policy).
			Str("task", w.Task).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	msgs := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		msgs = append(msgs, v.Message)
		_ = e.events.PublishPolicyViolation(spec.Name, v.Policy, v.Message)
	}
	e.metrics.RecordError(string(engine.ErrorClassPermanent), engine.ErrCodePolicyDenied)
	e.logger.Info().
		Str("root", spec.Name).
		Int("violations", len(result.Violations)).
		Msg("Root denied by policy")

	return engine.NewPermanentError("denied by policy: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(spec.Name).
		WithDetail("violations", result.Violations)
}

// Evaluate runs every enabled policy against spec.
func (e *Engine) Evaluate(ctx context.Context, spec *engine.RootSpec) (*Result, error) {
	start := e.now()
	input := e.input(spec)

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedPolicies: []string{}}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = time.Since(start)
	e.logger.Debug().
		Str("root", spec.Name).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Root policy evaluation completed")
	return result, nil
}

func (e *Engine) input(spec *engine.RootSpec) *Input {
	input := &Input{
		Root:          spec,
		ResourceTypes: []string{},
		Limits:        e.limits,
		Timestamp:     e.now(),
	}
	if e.resourceTypes != nil {
		if types := e.resourceTypes(); types != nil {
			input.ResourceTypes = types
		}
	}
	return input
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// newViolation builds a Violation from one deny entry, which is either a
// string or an object with message, severity and task fields.
func newViolation(policy *Policy, entry interface{}) Violation {
	v := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if task, ok := d["task"].(string); ok {
			v.Task = task
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	return v
}

// compileAndStore compiles a policy and stores it. Callers hold e.mu or
// run before the engine is shared.
func (e *Engine) compileAndStore(ctx context.Context, policy *Policy) error {
	module, err := parseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: e.now(),
	}
	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")
	return nil
}

// LoadPolicies reads and compiles policy files from paths. A policy with
// the name of an existing one replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and stores policies. Nothing is stored when any of
// them fails to compile.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded successfully")
	return nil
}

// ReplaceLoaded swaps every non built-in policy for policies.
func (e *Engine) ReplaceLoaded(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	e.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

func (e *Engine) compileAll(ctx context.Context, policies []Policy) (map[string]*compiledPolicy, error) {
	staging := &Engine{policies: make(map[string]*compiledPolicy), logger: e.logger, now: e.now}
	for i := range policies {
		p := policies[i]
		if err := staging.compileAndStore(ctx, &p); err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}
	return staging.policies, nil
}

// Watch reloads the policies under dir whenever a file in it changes,
// keeping the built-ins. It returns once the watcher is running; the watch
// ends with ctx or when the returned Watcher is closed.
func (e *Engine) Watch(ctx context.Context, dir string) (*Watcher, error) {
	return NewLoader(e.logger).Watch(ctx, []string{dir}, func(policies []Policy) error {
		return e.ReplaceLoaded(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
