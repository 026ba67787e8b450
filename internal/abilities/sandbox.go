package abilities

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// DefaultPackages are the packages dynamic function code may import.
var DefaultPackages = []string{"strings", "strconv", "math", "fmt", "sort", "time", "encoding/json", "unicode"}

// Sandbox runs dynamic function code in an interpreter that only sees a
// few pure packages. Code must define
//
//	func Execute(params map[string]any) (string, error)
type Sandbox struct {
	allowed map[string]bool
	symbols interp.Exports
	timeout time.Duration
}

// NewSandbox creates a sandbox. Empty packages means DefaultPackages.
func NewSandbox(timeout time.Duration, packages ...string) *Sandbox {
	if len(packages) == 0 {
		packages = DefaultPackages
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &Sandbox{allowed: make(map[string]bool, len(packages)), symbols: make(interp.Exports), timeout: timeout}
	for _, p := range packages {
		s.allowed[p] = true
	}
	// stdlib keys look like "encoding/json/json".
	for key, syms := range stdlib.Symbols {
		i := strings.LastIndex(key, "/")
		if i > 0 && s.allowed[key[:i]] {
			s.symbols[key] = syms
		}
	}
	return s
}

// checkImports rejects code importing anything outside the allow list.
func (s *Sandbox) checkImports(src string) error {
	f, err := parser.ParseFile(token.NewFileSet(), "function.go", src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("parse function: %w", err)
	}
	var forbidden []string
	for _, imp := range f.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		if !s.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

func wrap(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}

// Run evaluates code and calls its Execute function with params.
func (s *Sandbox) Run(ctx context.Context, code string, params map[string]any) (string, error) {
	src := wrap(code)
	if err := s.checkImports(src); err != nil {
		return "", err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(s.symbols); err != nil {
		return "", fmt.Errorf("load sandbox symbols: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, src); err != nil {
		return "", fmt.Errorf("evaluate function: %w", err)
	}
	v, err := i.EvalWithContext(ctx, "main.Execute")
	if err != nil {
		return "", fmt.Errorf("function does not define Execute: %w", err)
	}
	fn, ok := v.Interface().(func(map[string]any) (string, error))
	if !ok {
		return "", fmt.Errorf("Execute has type %s, want func(map[string]any) (string, error)", v.Type())
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("function panicked: %v", r)}
			}
		}()
		out, err := fn(params)
		done <- result{out, err}
	}()

	// The interpreted call cannot be interrupted; on timeout it is abandoned.
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("function timed out: %w", ctx.Err())
	}
}
