// Package astcheck implements the default ASTChecker collaborator for
// Go-target code: a pure, read-only static scan using the standard
// library's parser, since generated code under this orchestrator targets
// Go and no third-party Go AST library appears anywhere in the reference
// corpus this design draws from.
package astcheck

import (
	"go/ast"
	"go/parser"
	"go/token"
)

// Severity classifies a Violation's impact on the stage it was found in.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation is one static-review finding against a source file.
type Violation struct {
	Rule     string
	Message  string
	Line     int
	Severity Severity
}

// ASTChecker analyzes a Go source file and reports Violations. Analyze is
// pure: given the same file contents it always returns the same result,
// and it never executes any part of the analyzed code.
type ASTChecker struct {
	// MaxFuncLines flags functions longer than this many lines. Zero
	// disables the check.
	MaxFuncLines int
}

func New() *ASTChecker {
	return &ASTChecker{MaxFuncLines: 120}
}

// Analyze parses path and returns every Violation found. A parse error is
// itself reported as a single fatal Violation rather than returned as an
// error, since a syntactically broken file is exactly the kind of finding
// a RE_VERIFY stage needs to see.
func (c *ASTChecker) Analyze(path string) ([]Violation, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.AllErrors|parser.ParseComments)
	if err != nil {
		return []Violation{{
			Rule:     "parse-error",
			Message:  err.Error(),
			Line:     1,
			Severity: SeverityError,
		}}, nil
	}

	var violations []Violation
	violations = append(violations, checkNakedReturns(fset, file)...)
	violations = append(violations, checkTODOs(fset, file)...)
	if c.MaxFuncLines > 0 {
		violations = append(violations, checkFuncLength(fset, file, c.MaxFuncLines)...)
	}
	violations = append(violations, checkUnusedImports(fset, file)...)
	return violations, nil
}

// checkFuncLength flags function bodies that exceed the configured line
// budget, a cheap proxy for a stage producing an unreviewable blob rather
// than the decomposed unit the task described.
func checkFuncLength(fset *token.FileSet, file *ast.File, max int) []Violation {
	var violations []Violation
	ast.Inspect(file, func(n ast.Node) bool {
		fn, ok := n.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			return true
		}
		start := fset.Position(fn.Body.Lbrace)
		end := fset.Position(fn.Body.Rbrace)
		lines := end.Line - start.Line
		if lines > max {
			violations = append(violations, Violation{
				Rule:     "func-too-long",
				Message:  "function exceeds line budget",
				Line:     start.Line,
				Severity: SeverityWarning,
			})
		}
		return true
	})
	return violations
}

// checkNakedReturns flags bare "return" statements in functions with
// named results, a common source of subtle GREEN-stage bugs where a
// named return value is set in one branch and silently zero in another.
func checkNakedReturns(fset *token.FileSet, file *ast.File) []Violation {
	var violations []Violation
	ast.Inspect(file, func(n ast.Node) bool {
		fn, ok := n.(*ast.FuncDecl)
		if !ok || fn.Type.Results == nil || fn.Body == nil {
			return true
		}
		named := false
		for _, field := range fn.Type.Results.List {
			if len(field.Names) > 0 {
				named = true
			}
		}
		if !named {
			return true
		}
		ast.Inspect(fn.Body, func(n ast.Node) bool {
			ret, ok := n.(*ast.ReturnStmt)
			if ok && len(ret.Results) == 0 {
				pos := fset.Position(ret.Pos())
				violations = append(violations, Violation{
					Rule:     "naked-return",
					Message:  "naked return in function with named results",
					Line:     pos.Line,
					Severity: SeverityWarning,
				})
			}
			return true
		})
		return true
	})
	return violations
}

// checkTODOs flags TODO/FIXME comments left in generated code, signaling
// an incomplete FIX stage rather than a finished one.
func checkTODOs(fset *token.FileSet, file *ast.File) []Violation {
	var violations []Violation
	for _, group := range file.Comments {
		for _, comment := range group.List {
			if containsMarker(comment.Text, "TODO") || containsMarker(comment.Text, "FIXME") {
				pos := fset.Position(comment.Pos())
				violations = append(violations, Violation{
					Rule:     "incomplete-marker",
					Message:  "TODO/FIXME left in generated code",
					Line:     pos.Line,
					Severity: SeverityError,
				})
			}
		}
	}
	return violations
}

// checkUnusedImports flags imports with no corresponding selector use in
// the file body, a catch often left behind by an LLM-generated edit that
// removed the last call site of a package.
func checkUnusedImports(fset *token.FileSet, file *ast.File) []Violation {
	used := map[string]bool{}
	ast.Inspect(file, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		if ident, ok := sel.X.(*ast.Ident); ok {
			used[ident.Name] = true
		}
		return true
	})

	var violations []Violation
	for _, imp := range file.Imports {
		name := importName(imp)
		if name == "_" || name == "." {
			continue
		}
		if !used[name] {
			pos := fset.Position(imp.Pos())
			violations = append(violations, Violation{
				Rule:     "unused-import",
				Message:  "import " + imp.Path.Value + " appears unused",
				Line:     pos.Line,
				Severity: SeverityWarning,
			})
		}
	}
	return violations
}

func importName(imp *ast.ImportSpec) string {
	if imp.Name != nil {
		return imp.Name.Name
	}
	path := imp.Path.Value
	// Strip surrounding quotes and take the last path segment.
	path = path[1 : len(path)-1]
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func containsMarker(text, marker string) bool {
	for i := 0; i+len(marker) <= len(text); i++ {
		if text[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}
