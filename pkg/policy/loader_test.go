package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const emptyDeny = "import rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}\n"

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoad_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	regoContent := `# Roots named "forbidden" are denied
# severity: warning
# tags: naming, demo
package test.policy

import rego.v1

# not part of the header
deny contains msg if {
	input.root.name == "forbidden"
	msg := "forbidden root name"
}`
	policyFile := writePolicy(t, t.TempDir(), "test-policy.rego", regoContent)

	policy, err := loader.load(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "test-policy" {
		t.Errorf("Expected name 'test-policy', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected severity from header, got %s", policy.Severity)
	}
	if strings.Join(policy.Tags, ",") != "naming,demo" {
		t.Errorf("Unexpected tags: %v", policy.Tags)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
	if policy.Description != `Roots named "forbidden" are denied` {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
}

func TestLoad_RegoDefaultsToError(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "plain.rego", "package plain\n"+emptyDeny)

	policy, err := loader.load(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", policy.Severity)
	}
}

func TestLoad_RejectsBadModules(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	tests := map[string]string{
		"syntax.rego":   "package broken\n\ndeny contains x if {\n",
		"nodeny.rego":   "package nodeny\n\nimport rego.v1\n\nallow if { true }\n",
		"severity.rego": "# severity: fatal\npackage sev\n" + emptyDeny,
		"enabled.rego":  "# enabled: maybe\npackage en\n" + emptyDeny,
	}
	for name, content := range tests {
		path := writePolicy(t, dir, name, content)
		if _, err := loader.load(path); err == nil {
			t.Errorf("Expected error for %s", name)
		}
	}
}

func TestLoad_DisabledByHeader(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "off.rego", "# enabled: false\npackage off\n"+emptyDeny)

	policy, err := loader.load(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Enabled {
		t.Error("Expected policy to be disabled by its header")
	}
}

func TestLoad_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policy := Policy{
		Name:        "test-json-policy",
		Description: "A test policy",
		Rego:        "package test\n" + emptyDeny,
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"test"},
		Builtin:     true,
	}
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	policyFile := writePolicy(t, t.TempDir(), "test-policy.json", string(data))

	loaded, err := loader.load(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if loaded.Name != policy.Name {
		t.Errorf("Expected name '%s', got '%s'", policy.Name, loaded.Name)
	}
	if loaded.Severity != SeverityWarning {
		t.Errorf("Expected severity '%s', got '%s'", SeverityWarning, loaded.Severity)
	}
	if loaded.Builtin {
		t.Error("File policies must not be marked built-in")
	}
}

func TestLoad_JSONRequiresFields(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	for name, content := range map[string]string{
		"noname.json":   `{"rego": "package x"}`,
		"norego.json":   `{"name": "x"}`,
		"broken.json":   `invalid json`,
		"nodeny.json":   `{"name": "x", "rego": "package x\n\nallow := true\n"}`,
		"severity.json": mustJSON(t, Policy{Name: "x", Severity: "loud", Rego: "package x\n" + emptyDeny}),
	} {
		path := writePolicy(t, dir, name, content)
		if _, err := loader.load(path); err == nil {
			t.Errorf("Expected error for %s", name)
		}
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	return string(data)
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()

	dir1 := filepath.Join(tmpDir, "dir1")
	sub := filepath.Join(dir1, "nested")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	writePolicy(t, dir1, "policy1.rego", "package p1\n"+emptyDeny)
	writePolicy(t, sub, "policy3.rego", "package p3\n"+emptyDeny)
	writePolicy(t, dir1, "README.md", "# Test")
	file2 := writePolicy(t, tmpDir, "policy2.rego", "package p2\n"+emptyDeny)

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir1, file2})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}
	if len(loaded) != 3 {
		t.Errorf("Expected 3 policies including the nested one, got %d", len(loaded))
	}
}

func TestLoadFromPaths_FailsOnBadFile(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writePolicy(t, dir, "good.rego", "package good\n"+emptyDeny)
	writePolicy(t, dir, "bad.rego", "package bad\n\ndeny contains x if {\n")

	if _, err := loader.LoadFromPaths(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected a malformed file to fail the load")
	}
}

func TestLoadFromPaths_DuplicateNames(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	writePolicy(t, dir, "naming.rego", "package a\n"+emptyDeny)
	writePolicy(t, sub, "naming.rego", "package b\n"+emptyDeny)

	_, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err == nil || !strings.Contains(err.Error(), "defined by both") {
		t.Fatalf("Expected duplicate name error, got %v", err)
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	txt := writePolicy(t, t.TempDir(), "test.txt", "not a policy")

	for _, path := range []string{"/nonexistent/path", txt} {
		if _, err := loader.LoadFromPaths(context.Background(), []string{path}); err == nil {
			t.Errorf("Expected error for %s", path)
		}
	}
}

func TestApplyHeader(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name:     "single line comment",
			content:  "# This is a test policy\npackage test",
			expected: "This is a test policy",
		},
		{
			name:     "multi line comments",
			content:  "# This is a test policy\n# that spans multiple lines\npackage test",
			expected: "This is a test policy that spans multiple lines",
		},
		{
			name:     "no comments",
			content:  "package test\n" + emptyDeny,
			expected: "",
		},
		{
			name:     "comments with empty lines",
			content:  "# First line\n#\n# Second line\npackage test",
			expected: "First line Second line",
		},
		{
			name:     "header keys are not description",
			content:  "# severity: info\n# Informational only\npackage test",
			expected: "Informational only",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Policy
			if err := applyHeader(&p, tt.content); err != nil {
				t.Fatalf("applyHeader failed: %v", err)
			}
			if p.Description != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, p.Description)
			}
		})
	}
}

func TestLoad_CacheFollowsFileChanges(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "test.rego", "# first\npackage test\n"+emptyDeny)

	first, err := loader.load(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	if err := os.WriteFile(path, []byte("# second version\npackage test\n"+emptyDeny), 0644); err != nil {
		t.Fatalf("Failed to rewrite policy: %v", err)
	}
	second, err := loader.load(path)
	if err != nil {
		t.Fatalf("Failed to reload policy: %v", err)
	}
	if first.Description == second.Description {
		t.Errorf("Expected changed file to be parsed again, got %q twice", second.Description)
	}

	loader.forget(path)
	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after forget, got %d", len(loader.cache))
	}
}

func TestWatcher_KeepsPoliciesOnBadReload(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	reloads := make(chan []Policy, 4)
	w, err := loader.Watch(context.Background(), []string{dir}, func(p []Policy) error {
		reloads <- p
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	writePolicy(t, dir, "bad.rego", "package bad\n\ndeny contains x if {\n")
	select {
	case p := <-reloads:
		t.Fatalf("Expected no reload for a malformed file, got %d policies", len(p))
	case <-time.After(reloadDelay + 500*time.Millisecond):
	}

	if err := os.Remove(filepath.Join(dir, "bad.rego")); err != nil {
		t.Fatalf("Failed to remove policy: %v", err)
	}
	writePolicy(t, dir, "good.rego", "package good\n"+emptyDeny)
	deadline := time.After(5 * time.Second)
	for loaded := false; !loaded; {
		select {
		case p := <-reloads:
			loaded = len(p) == 1 && p[0].Name == "good"
		case <-deadline:
			t.Fatal("Expected reload after the directory became valid")
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Expected second close to succeed, got %v", err)
	}
}

func TestWatch_MissingPath(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.Watch(context.Background(), []string{"/nonexistent/path"}, func([]Policy) error { return nil }); err == nil {
		t.Fatal("Expected error watching a missing path")
	}
}
