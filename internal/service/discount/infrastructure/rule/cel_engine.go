package rule

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"nexus-pos/internal/service/discount/domain"
)

// CELEngine 是 domain.RuleEngine 的 CEL 实现。
// 条件可以使用 hour (0-23) 和 weekday (0 = Sunday) 两个整型变量，例如
// "hour >= 14 && hour < 17" 或 "weekday in [0, 6]"。
type CELEngine struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELEngine 创建一个新的规则引擎实例。
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create cel env")
	}
	return &CELEngine{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile 检查表达式语法和类型，结果必须是 bool。
func (e *CELEngine) Compile(condition string) error {
	_, err := e.program(condition)
	return err
}

// Evaluate 实现了 domain.RuleEngine 接口。
func (e *CELEngine) Evaluate(condition string, fact domain.Fact) (bool, error) {
	prg, err := e.program(condition)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"hour":    fact.Hour,
		"weekday": fact.Weekday,
	})
	if err != nil {
		return false, errors.Wrapf(err, "evaluate %q", condition)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, errors.Errorf("condition %q returned %T", condition, out.Value())
	}
	return ok, nil
}

func (e *CELEngine) program(condition string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[condition]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.env.Compile(condition)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "compile %q", condition)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.Errorf("condition %q must return bool, got %s", condition, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, errors.Wrapf(err, "program %q", condition)
	}

	e.mu.Lock()
	e.programs[condition] = prg
	e.mu.Unlock()
	return prg, nil
}
