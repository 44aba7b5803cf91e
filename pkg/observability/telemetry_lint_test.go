package observability_test

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Attribute keys that must never appear in span instrumentation,
// matched exactly or by prefix after lowercasing. step.text carries raw
// scenario text from test suites and is both high-cardinality and a
// fixture-data leak risk.
var (
	bannedAttrKeys = map[string]bool{
		"email":         true,
		"request.body":  true,
		"response.body": true,
		"user_id":       true,
		"user_email":    true,
		"step.text":     true,
	}

	bannedAttrPrefixes = []string{
		"user.",
		"user_",
		"password",
		"token",
		"secret",
		"credential",
	}
)

// TestTelemetryLint_BannedAttributeKeys parses every non-test source
// file and fails on attribute.String/Int/Bool/Float64 calls whose key
// literal is banned. The runtime span filter redacts these as a second
// line of defense; this test catches them before they ship.
func TestTelemetryLint_BannedAttributeKeys(t *testing.T) {
	t.Parallel()

	root := moduleRoot(t)
	fset := token.NewFileSet()

	var violations []string

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if entry.IsDir() {
			return pruneDir(root, path)
		}

		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		found, scanErr := bannedAttrUses(fset, root, path)
		if scanErr != nil {
			return scanErr
		}

		violations = append(violations, found...)

		return nil
	})

	require.NoError(t, err)
	assert.Empty(t, violations, "found high-cardinality or PII attribute keys: %v", violations)
}

// pruneDir skips directory trees the Go toolchain itself ignores, plus
// vendored code.
func pruneDir(root, path string) error {
	if path == root {
		return nil
	}

	base := filepath.Base(path)

	switch {
	case base == "vendor", base == "third_party", base == "testdata":
		return filepath.SkipDir
	case strings.HasPrefix(base, "."), strings.HasPrefix(base, "_"):
		return filepath.SkipDir
	}

	return nil
}

// bannedAttrUses parses one source file and reports every banned
// attribute key literal as "relpath:key".
func bannedAttrUses(fset *token.FileSet, root, path string) ([]string, error) {
	file, err := parser.ParseFile(fset, path, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var found []string

	ast.Inspect(file, func(n ast.Node) bool {
		key, pos, ok := attrKeyLiteral(n)
		if !ok || !isBannedAttrKey(key) {
			return true
		}

		filename := fset.Position(pos).Filename

		rel, relErr := filepath.Rel(root, filename)
		if relErr != nil {
			rel = filename
		}

		found = append(found, rel+":"+key)

		return true
	})

	return found, nil
}

// attrKeyLiteral matches attribute.String/Int/Bool/Float64 calls whose
// key argument is a plain string literal and returns the unquoted key.
func attrKeyLiteral(n ast.Node) (string, token.Pos, bool) {
	call, ok := n.(*ast.CallExpr)
	if !ok || len(call.Args) == 0 {
		return "", token.NoPos, false
	}

	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return "", token.NoPos, false
	}

	pkg, ok := sel.X.(*ast.Ident)
	if !ok || pkg.Name != "attribute" {
		return "", token.NoPos, false
	}

	switch sel.Sel.Name {
	case "String", "Int", "Bool", "Float64":
	default:
		return "", token.NoPos, false
	}

	lit, ok := call.Args[0].(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return "", token.NoPos, false
	}

	return strings.Trim(lit.Value, `"`), lit.Pos(), true
}

func isBannedAttrKey(key string) bool {
	lower := strings.ToLower(key)

	return bannedAttrKeys[lower] || slices.ContainsFunc(bannedAttrPrefixes, func(prefix string) bool {
		return strings.HasPrefix(lower, prefix)
	})
}

// moduleRoot walks up from the test's working directory to the go.mod
// root.
func moduleRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	require.NoError(t, err)

	for {
		_, statErr := os.Stat(filepath.Join(dir, "go.mod"))
		if statErr == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("no go.mod above test working directory")
		}

		dir = parent
	}
}
