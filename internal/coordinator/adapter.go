package coordinator

import (
	"context"

	"github.com/appforge/genforge/internal/subagent"
	"github.com/appforge/genforge/internal/validator"
	"github.com/appforge/genforge/internal/workspace"
)

// validatorAdapter satisfies subagent.Validator over a validator.Suite,
// translating between the two packages' structurally-identical but
// separately-declared ValidationResult types.
type validatorAdapter struct{ suite *validator.Suite }

func (a validatorAdapter) Validate(ctx context.Context, validatorContext string, ws *workspace.Workspace) (*subagent.ValidationResult, error) {
	res, err := a.suite.Validate(ctx, validatorContext, ws)
	if err != nil {
		return nil, err
	}
	return &subagent.ValidationResult{Passed: res.Passed, Report: res.Report}, nil
}
