// Package eval wraps the Risor compiler for hogpipe's compiled programs.
// Programs and filters are compiled once against a sorted list of global
// names and evaluated many times with per-invocation globals.
package eval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// GlobalNames returns the sorted key set of a globals map, as required by
// the compiler.
func GlobalNames(globals map[string]any) []string {
	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compile parses and compiles a program against the given global names.
func Compile(ctx context.Context, source string, globalNames []string) (*compiler.Code, error) {
	ast, err := parser.Parse(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse program: %w", err)
	}
	sorted := make([]string, len(globalNames))
	copy(sorted, globalNames)
	sort.Strings(sorted)
	code, err := compiler.Compile(ast, compiler.WithGlobalNames(sorted))
	if err != nil {
		return nil, fmt.Errorf("failed to compile program: %w", err)
	}
	return code, nil
}

// Run evaluates compiled code with the given globals and returns the result
// converted to a plain Go value. Evaluation sees only the globals passed in:
// Risor's default builtins (fetch, os access, and friends) are disabled so
// that host-injected builtins are the sole way out of the interpreter.
func Run(ctx context.Context, code *compiler.Code, globals map[string]any) (any, error) {
	result, err := risor.EvalCode(ctx, code,
		risor.WithoutDefaultGlobals(), risor.WithGlobals(globals))
	if err != nil {
		return nil, err
	}
	return resultValue(result), nil
}

// RunBool evaluates compiled code and returns its truthiness. Like Run, the
// only globals in scope are the ones passed in.
func RunBool(ctx context.Context, code *compiler.Code, globals map[string]any) (bool, error) {
	result, err := risor.EvalCode(ctx, code,
		risor.WithoutDefaultGlobals(), risor.WithGlobals(globals))
	if err != nil {
		return false, err
	}
	return result.IsTruthy(), nil
}

// IsMissingKey reports whether an evaluation error came from indexing a map
// key that does not exist. Callers that treat absent context as falsy use
// this to tell a missing key apart from a genuinely broken expression.
func IsMissingKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key error:")
}

func resultValue(obj object.Object) any {
	if obj == nil {
		return nil
	}
	switch obj.(type) {
	case *object.NilType:
		return nil
	}
	return obj.Interface()
}
