package astcheck

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.go")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing source: %v", err)
	}
	return path
}

func TestAnalyzeCleanFileHasNoViolations(t *testing.T) {
	path := writeSource(t, `package demo

func Add(a, b int) int {
	return a + b
}
`)
	c := New()
	violations, err := c.Analyze(path)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %+v", violations)
	}
}

func TestAnalyzeFlagsNakedReturnInNamedResults(t *testing.T) {
	path := writeSource(t, `package demo

func Divide(a, b int) (result int) {
	result = a / b
	return
}
`)
	c := New()
	violations, err := c.Analyze(path)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !hasRule(violations, "naked-return") {
		t.Fatalf("expected a naked-return violation, got %+v", violations)
	}
}

func TestAnalyzeFlagsTODOMarkers(t *testing.T) {
	path := writeSource(t, `package demo

// TODO: implement this properly
func Stub() {}
`)
	c := New()
	violations, err := c.Analyze(path)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !hasRule(violations, "incomplete-marker") {
		t.Fatalf("expected an incomplete-marker violation, got %+v", violations)
	}
}

func TestAnalyzeFlagsOverLongFunctions(t *testing.T) {
	var body strings.Builder
	body.WriteString("package demo\n\nfunc Long() int {\n\tx := 0\n")
	for i := 0; i < 30; i++ {
		body.WriteString("\tx++\n")
	}
	body.WriteString("\treturn x\n}\n")

	path := writeSource(t, body.String())
	c := &ASTChecker{MaxFuncLines: 5}
	violations, err := c.Analyze(path)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !hasRule(violations, "func-too-long") {
		t.Fatalf("expected a func-too-long violation, got %+v", violations)
	}
}

func TestAnalyzeZeroMaxFuncLinesDisablesCheck(t *testing.T) {
	var body strings.Builder
	body.WriteString("package demo\n\nfunc Long() int {\n\tx := 0\n")
	for i := 0; i < 30; i++ {
		body.WriteString("\tx++\n")
	}
	body.WriteString("\treturn x\n}\n")

	path := writeSource(t, body.String())
	c := &ASTChecker{MaxFuncLines: 0}
	violations, err := c.Analyze(path)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if hasRule(violations, "func-too-long") {
		t.Fatalf("expected func-too-long disabled when MaxFuncLines is 0, got %+v", violations)
	}
}

func TestAnalyzeFlagsUnusedImport(t *testing.T) {
	path := writeSource(t, `package demo

import "strings"

func Noop() {}
`)
	c := New()
	violations, err := c.Analyze(path)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !hasRule(violations, "unused-import") {
		t.Fatalf("expected an unused-import violation, got %+v", violations)
	}
}

func TestAnalyzeReportsParseErrorAsViolation(t *testing.T) {
	path := writeSource(t, `package demo

func broken( {
`)
	c := New()
	violations, err := c.Analyze(path)
	if err != nil {
		t.Fatalf("Analyze should not itself return an error for a broken file: %v", err)
	}
	if !hasRule(violations, "parse-error") {
		t.Fatalf("expected a parse-error violation, got %+v", violations)
	}
}

func hasRule(violations []Violation, rule string) bool {
	for _, v := range violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}
