package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/rs/zerolog"
)

const (
	extRego = ".rego"
	extJSON = ".json"

	// reloadDelay collapses a burst of file events into one reload.
	reloadDelay = 500 * time.Millisecond
)

var denyTerm = ast.VarTerm("deny")

// parseModule parses an admission module and checks that it defines a
// deny rule, which is the only rule the engine queries.
func parseModule(name, source string) (*ast.Module, error) {
	module, err := ast.ParseModule(name, source)
	if err != nil {
		return nil, fmt.Errorf("invalid rego: %w", err)
	}
	for _, rule := range module.Rules {
		if ref := rule.Head.Ref(); len(ref) > 0 && ref[0].Equal(denyTerm) {
			return module, nil
		}
	}
	return nil, fmt.Errorf("module %s defines no deny rule", module.Package.Path)
}

// Loader reads admission policies from .rego and .json files. A file is
// parsed again only when its size or modification time changes.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	modTime time.Time
	size    int64
	policy  Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths reads every policy file at paths, walking directories
// recursively. A malformed file or two files with the same policy name
// fail the whole load.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var (
		policies []Policy
		errs     []error
		seen     = make(map[string]string)
	)
	for _, path := range paths {
		files, err := policyFiles(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p, err := l.load(file)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if prev, dup := seen[p.Name]; dup {
				errs = append(errs, fmt.Errorf("policy %s is defined by both %s and %s", p.Name, prev, file))
				continue
			}
			seen[p.Name] = file
			policies = append(policies, p)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return policies, nil
}

// policyFiles lists the policy files at path in lexical order.
func policyFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		if !isPolicyFile(path) {
			return nil, fmt.Errorf("unsupported policy file: %s", path)
		}
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}
	return files, nil
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == extRego || ext == extJSON
}

// load reads one policy file, reusing the cached policy while the file is
// unchanged.
func (l *Loader) load(path string) (Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var p Policy
	switch filepath.Ext(path) {
	case extRego:
		p, err = parseRegoFile(path, data)
	case extJSON:
		p, err = parseJSONFile(path, data)
	default:
		err = fmt.Errorf("unsupported policy file: %s", path)
	}
	if err != nil {
		return Policy{}, err
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Str("severity", string(p.Severity)).
		Msg("Policy loaded from file")
	return p, nil
}

// forget drops path from the cache.
func (l *Loader) forget(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, path)
}

// parseRegoFile turns a module into a policy named after its file. The
// leading comment block is the description; within it, "severity:",
// "tags:" and "enabled:" lines set those fields instead.
func parseRegoFile(path string, data []byte) (Policy, error) {
	p := Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), extRego),
		Rego:     string(data),
		Severity: SeverityError,
		Enabled:  true,
		Tags:     []string{},
		Source:   path,
	}
	if err := applyHeader(&p, p.Rego); err != nil {
		return Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	if _, err := parseModule(p.Name, p.Rego); err != nil {
		return Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// parseJSONFile reads a JSON policy definition. Severity defaults to error.
func parseJSONFile(path string, data []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to parse JSON policy %s: %w", path, err)
	}
	if p.Name == "" {
		return Policy{}, fmt.Errorf("JSON policy %s has no name", path)
	}
	if p.Rego == "" {
		return Policy{}, fmt.Errorf("JSON policy %s has no rego", path)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if err := p.Severity.Validate(); err != nil {
		return Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	if _, err := parseModule(p.Name, p.Rego); err != nil {
		return Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	p.Source = path
	p.Builtin = false
	return p, nil
}

// applyHeader reads the comment block at the top of a module into p.
func applyHeader(p *Policy, content string) error {
	var description []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" || strings.HasPrefix(comment, "package") {
			continue
		}

		key, value, _ := strings.Cut(comment, ":")
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "severity":
			p.Severity = Severity(value)
			if err := p.Severity.Validate(); err != nil {
				return err
			}
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		case "enabled":
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid enabled header %q", value)
			}
			p.Enabled = enabled
		default:
			description = append(description, comment)
		}
	}
	p.Description = strings.Join(description, " ")
	return nil
}

// Watcher reloads policies when files under its paths change.
type Watcher struct {
	loader *Loader
	fsw    *fsnotify.Watcher
	paths  []string
	reload func([]Policy) error

	closed atomic.Bool
	once   sync.Once
}

// Watch reloads paths and hands the result to reload whenever a policy
// file changes. A reload that fails to load keeps the current policies.
// The watch ends with ctx or Close.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{loader: l, fsw: fsw, paths: paths, reload: reload}
	for _, path := range paths {
		if err := w.add(path); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}

	go w.run(ctx)

	l.logger.Info().
		Strs("paths", paths).
		Msg("Started watching policy paths")
	return w, nil
}

// add watches path and, for a directory, every directory below it.
func (w *Watcher) add(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return w.fsw.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, err)
			}
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.add(event.Name); err != nil {
						w.loader.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !isPolicyFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			w.loader.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")
			w.loader.forget(event.Name)

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() { w.apply(ctx) })

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.loader.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// apply reloads every watched path.
func (w *Watcher) apply(ctx context.Context) {
	if w.closed.Load() {
		return
	}
	policies, err := w.loader.LoadFromPaths(ctx, w.paths)
	if err != nil {
		w.loader.logger.Error().Err(err).Msg("Policy reload failed, keeping current policies")
		return
	}
	if err := w.reload(policies); err != nil {
		w.loader.logger.Error().Err(err).Msg("Failed to apply reloaded policies")
		return
	}
	w.loader.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
}

// Close stops the watch. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		w.closed.Store(true)
		err = w.fsw.Close()
	})
	return err
}
