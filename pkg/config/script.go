package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// RootGlobal is the script global holding the generated root spec.
const RootGlobal = "root"

// ScriptResult is the outcome of a script evaluation.
type ScriptResult struct {
	// Output holds the public globals converted to Go values.
	Output map[string]any

	ExecutionTime time.Duration

	// Prints collects everything the script passed to print().
	Prints []string
}

// ScriptEvaluator runs Starlark root spec scripts with a time limit.
type ScriptEvaluator struct {
	timeout time.Duration
}

// NewScriptEvaluator creates a new evaluator.
func NewScriptEvaluator(timeout time.Duration) *ScriptEvaluator {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &ScriptEvaluator{timeout: timeout}
}

// Evaluate executes script with vars predeclared and returns its globals.
// Globals starting with an underscore are private and not returned.
func (se *ScriptEvaluator) Evaluate(ctx context.Context, filename, script string, vars map[string]any) (*ScriptResult, error) {
	start := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	result := &ScriptResult{}
	thread := &starlark.Thread{
		Name: "rootspec",
		Print: func(_ *starlark.Thread, msg string) {
			result.Prints = append(result.Prints, msg)
		},
	}

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"task":   starlark.NewBuiltin("task", builtinTask),
		"edge":   starlark.NewBuiltin("edge", builtinEdge),
		"chain":  starlark.NewBuiltin("chain", builtinChain),
	}
	for key, val := range vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert variable %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	result.ExecutionTime = time.Since(start)
	if err != nil {
		if evalCtx.Err() != nil {
			return result, fmt.Errorf("script %s cancelled after %v: %w", filename, result.ExecutionTime.Round(time.Millisecond), evalCtx.Err())
		}
		return result, fmt.Errorf("script %s failed: %w", filename, err)
	}

	result.Output = make(map[string]any, len(globals))
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return result, fmt.Errorf("failed to convert global %s: %w", name, err)
		}
		result.Output[name] = goVal
	}
	return result, nil
}

// task(key, kind, resource_type, metadata=None) returns a task dict.
func builtinTask(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, kind, resourceType string
	var metadata *starlark.Dict
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"key", &key, "kind", &kind, "resource_type", &resourceType, "metadata?", &metadata); err != nil {
		return nil, err
	}

	d := starlark.NewDict(4)
	_ = d.SetKey(starlark.String("key"), starlark.String(key))
	_ = d.SetKey(starlark.String("kind"), starlark.String(kind))
	_ = d.SetKey(starlark.String("resource_type"), starlark.String(resourceType))
	if metadata != nil {
		_ = d.SetKey(starlark.String("metadata"), metadata)
	}
	return d, nil
}

// edge(before, after) returns an edge dict ordering before ahead of after.
func builtinEdge(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var before, after string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &before, &after); err != nil {
		return nil, err
	}
	return makeEdge(before, after), nil
}

// chain(k1, k2, ...) returns the edges k1->k2, k2->k3 and so on.
func builtinChain(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	keys := make([]string, len(args))
	for i, arg := range args {
		s, ok := starlark.AsString(arg)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is %s, want string", b.Name(), i, arg.Type())
		}
		keys[i] = s
	}

	var edges []starlark.Value
	for i := 1; i < len(keys); i++ {
		edges = append(edges, makeEdge(keys[i-1], keys[i]))
	}
	return starlark.NewList(edges), nil
}

func makeEdge(from, to string) *starlark.Dict {
	d := starlark.NewDict(2)
	_ = d.SetKey(starlark.String("from"), starlark.String(from))
	_ = d.SetKey(starlark.String("to"), starlark.String(to))
	return d
}

func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromStarlarkSequence(val)
	case *starlark.List:
		return fromStarlarkSequence(val)
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromStarlarkSequence(seq starlark.Indexable) ([]any, error) {
	list := make([]any, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
