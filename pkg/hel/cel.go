package hel

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/odin-protocol/gateway/pkg/oerr"
)

type celProgram struct {
	rule CELRule
	prog cel.Program
}

// compileCEL compiles the advanced rules at policy load. A compile error
// fails the whole load so a broken rule never runs half-enforced.
func compileCEL(rules []CELRule) ([]celProgram, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("hel: cel env: %w", err)
	}

	programs := make([]celProgram, 0, len(rules))
	for _, rule := range rules {
		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("hel: cel rule %q: %w", rule.ID, issues.Err())
		}
		prog, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("hel: cel rule %q: %w", rule.ID, err)
		}
		programs = append(programs, celProgram{rule: rule, prog: prog})
	}
	return programs, nil
}

// evalCEL runs the compiled rules. A rule that evaluates to anything other
// than true denies; runtime errors also deny (fail-closed).
func (e *Engine) evalCEL(payload map[string]any) []oerr.Violation {
	var out []oerr.Violation
	for _, cp := range e.programs {
		val, _, err := cp.prog.Eval(map[string]any{"payload": payload})
		if err != nil {
			out = append(out, oerr.Violation{
				Code:    CodeCELDenied,
				Path:    "/",
				Message: fmt.Sprintf("rule %q evaluation error: %v", cp.rule.ID, err),
			})
			continue
		}
		if ok, isBool := val.Value().(bool); !isBool || !ok {
			msg := cp.rule.Message
			if msg == "" {
				msg = fmt.Sprintf("rule %q denied the payload", cp.rule.ID)
			}
			out = append(out, oerr.Violation{Code: CodeCELDenied, Path: "/", Message: msg})
		}
	}
	return out
}
