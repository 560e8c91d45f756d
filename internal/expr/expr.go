// Package expr evaluates small JavaScript expressions (goja) over a tenant
// scope. Used to map security contexts to orchestrator ids and data sources
// to driver types.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

// Scope holds the variables visible to an expression.
type Scope struct {
	SecurityContext map[string]any
	DataSource      string
}

// Expression is a compiled expression. Safe for concurrent use; each
// evaluation runs in a fresh runtime.
type Expression struct {
	source  string
	program *goja.Program
}

// Compile parses src once. Both bare expressions ("securityContext.tenantId")
// and code blocks ("${ return ... }") are accepted.
func Compile(src string) (*Expression, error) {
	body := strings.TrimSpace(src)
	if body == "" {
		return nil, fmt.Errorf("empty expression")
	}
	var code string
	if strings.HasPrefix(body, "${") && strings.HasSuffix(body, "}") {
		code = "(function(){" + body[2:len(body)-1] + "})()"
	} else {
		code = "(" + body + ")"
	}
	prog, err := goja.Compile("expr", code, true)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	return &Expression{source: src, program: prog}, nil
}

// String returns the expression source.
func (e *Expression) String() string { return e.source }

// Evaluate runs the expression and returns the exported value.
func (e *Expression) Evaluate(scope Scope) (any, error) {
	vm := goja.New()
	sc := scope.SecurityContext
	if sc == nil {
		sc = map[string]any{}
	}
	if err := vm.Set("securityContext", sc); err != nil {
		return nil, fmt.Errorf("set securityContext: %w", err)
	}
	if err := vm.Set("dataSource", scope.DataSource); err != nil {
		return nil, fmt.Errorf("set dataSource: %w", err)
	}
	val, err := vm.RunProgram(e.program)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", e.source, err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

// EvaluateString evaluates and converts the result to a string. Undefined
// and null yield "".
func (e *Expression) EvaluateString(scope Scope) (string, error) {
	v, err := e.Evaluate(scope)
	if err != nil {
		return "", err
	}
	return toString(v), nil
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
