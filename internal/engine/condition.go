package engine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEnv — общее окружение: переменные event и steps.
var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("steps", cel.MapType(cel.StringType, cel.DynType)),
	)
})

// Condition — скомпилированное CEL-выражение.
//
// Примеры:
//
//	event.data.plan == "pro"
//	steps.check.ok && size(event.data.items) > 0
type Condition struct {
	expr string
	prg  cel.Program
}

// compiled кэширует программы по тексту выражения: определения неизменны,
// а выражения вычисляются на каждом продвижении run.
var compiled sync.Map

// CompileCondition компилирует выражение (с кэшированием).
func CompileCondition(expr string) (*Condition, error) {
	if c, ok := compiled.Load(expr); ok {
		return c.(*Condition), nil
	}

	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCondition, expr, iss.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCondition, expr, err)
	}

	c := &Condition{expr: expr, prg: prg}
	compiled.Store(expr, c)
	return c, nil
}

// Eval вычисляет выражение над контекстом.
func (c *Condition) Eval(ctx *Context) (bool, error) {
	out, _, err := c.prg.Eval(ctx.Vars())
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", c.expr, err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T", ErrConditionNotBool, c.expr, out.Value())
	}
	return b, nil
}

// EvalCondition компилирует (из кэша) и вычисляет выражение.
// Пустое выражение всегда истинно.
func EvalCondition(expr string, ctx *Context) (bool, error) {
	if expr == "" {
		return true, nil
	}
	c, err := CompileCondition(expr)
	if err != nil {
		return false, err
	}
	return c.Eval(ctx)
}

func (c *Condition) String() string {
	return c.expr
}
