package validator

import (
	"context"
	"fmt"
	"sync"

	"github.com/appforge/genforge/internal/workspace"
)

// check is one named, runnable step in a context's check table.
type check struct {
	name string
	run  func(ctx context.Context) (CheckResult, error)
}

// runConcurrently executes every check for a node concurrently, mirroring
// the sub-agent's "compile + lint + tests + schema push may run
// concurrently" parallelism rule, and collects results into a slice
// addressed by index (the same WaitGroup-over-preallocated-slice shape used
// throughout this stack).
func (s *Suite) runConcurrently(ctx context.Context, ws *workspace.Workspace, checks ...check) ([]CheckResult, error) {
	results := make([]CheckResult, len(checks))
	errs := make([]error, len(checks))

	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(idx int, ck check) {
			defer wg.Done()
			r, err := ck.run(ctx)
			results[idx] = r
			errs[idx] = err
		}(i, c)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("validator: check %q: %w", checks[i].name, err)
		}
	}
	return results, nil
}

// draftChecks type-checks the backend and pushes the ORM schema against a
// live Postgres, the two checks spec.md names for the draft context.
func draftChecks(ws *workspace.Workspace) []check {
	return []check{
		{name: "backend_typecheck", run: execCheck(ws, "backend_typecheck", "npx tsc --noEmit", false)},
		{name: "schema_push", run: execWithPgCheck(ws, "schema_push", "npx drizzle-kit push --force")},
	}
}

// handlerChecks type-checks the backend and runs one handler's test file
// against a live Postgres.
func handlerChecks(ws *workspace.Workspace, handlerName string) []check {
	testFile := fmt.Sprintf("src/tests/handlers/%s.test.ts", handlerName)
	return []check{
		{name: "backend_typecheck", run: execCheck(ws, "backend_typecheck", "npx tsc --noEmit", false)},
		{name: "handler_test:" + handlerName, run: execWithPgCheck(ws, "handler_test:"+handlerName, fmt.Sprintf("bun test %s", testFile))},
	}
}

// frontendChecks type-checks, builds, and lints the client, plus an
// optional visual-UI inspection pass gated by Suite.frontendInspect (off by
// default).
func (s *Suite) frontendChecks(ws *workspace.Workspace) []check {
	checks := []check{
		{name: "client_typecheck", run: execCheck(ws, "client_typecheck", "npx tsc --noEmit -p client", false)},
		{name: "client_build", run: execCheck(ws, "client_build", "npm run build --prefix client", false)},
		{name: "client_lint", run: execCheck(ws, "client_lint", "npx eslint -c eslint.config.mjs --fix client", false)},
	}
	if s.frontendInspect {
		checks = append(checks, check{name: "ui_inspection", run: execCheck(ws, "ui_inspection", "npm run inspect:ui --prefix client", false)})
	}
	return checks
}

func execCheck(ws *workspace.Workspace, name, command string, mutates bool) func(ctx context.Context) (CheckResult, error) {
	return func(ctx context.Context) (CheckResult, error) {
		params := workspace.ExecParams{Command: command, Timeout: checkTimeout, Mutates: mutates}
		var (
			res workspace.ExecResult
			err error
		)
		if mutates {
			res, err = ws.ExecMut(ctx, params)
		} else {
			res, err = ws.Exec(ctx, params)
		}
		if err != nil {
			return CheckResult{}, err
		}
		return toCheckResult(name, res), nil
	}
}

func execWithPgCheck(ws *workspace.Workspace, name, command string) func(ctx context.Context) (CheckResult, error) {
	return func(ctx context.Context) (CheckResult, error) {
		res, err := ws.ExecWithPostgres(ctx, workspace.ExecParams{Command: command, Timeout: checkTimeout})
		if err != nil {
			return CheckResult{}, err
		}
		return toCheckResult(name, res), nil
	}
}

func toCheckResult(name string, res workspace.ExecResult) CheckResult {
	return CheckResult{
		Name:     name,
		Passed:   res.ExitCode == 0 && res.Error == "" && !res.Timeout,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}
}
