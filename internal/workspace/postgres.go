package workspace

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresExecutor wraps a DockerExecutor and adds exec_with_pg support by
// starting a transient Postgres container per call, torn down
// unconditionally when the call returns. Modeled on the teacher pack's
// shared-testcontainer pattern, narrowed to one container per validation
// attempt since a Workspace clone is already isolated from its siblings.
type PostgresExecutor struct {
	*DockerExecutor
	Image string // defaults to postgres:17-alpine
}

// NewPostgresExecutor wraps base with transient-Postgres support.
func NewPostgresExecutor(base *DockerExecutor) *PostgresExecutor {
	return &PostgresExecutor{DockerExecutor: base, Image: "postgres:17-alpine"}
}

func (p *PostgresExecutor) ExecWithPostgres(ctx context.Context, baseImage string, overlay map[string]*OverlayEntry, params ExecParams) (result ExecResult, err error) {
	image := p.Image
	if image == "" {
		image = "postgres:17-alpine"
	}

	pgContainer, err := postgres.Run(ctx, image,
		postgres.WithDatabase("genforge"),
		postgres.WithUsername("genforge"),
		postgres.WithPassword("genforge"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		return ExecResult{}, fmt.Errorf("start transient postgres: %w", err)
	}
	defer func() {
		if termErr := pgContainer.Terminate(context.Background()); termErr != nil {
			if result.Stderr != "" {
				result.Stderr += "\n"
			}
			result.Stderr += fmt.Sprintf("postgres cleanup error: %v", termErr)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return ExecResult{}, fmt.Errorf("transient postgres connection string: %w", err)
	}

	if params.Env == nil {
		params.Env = map[string]string{}
	}
	params.Env["DATABASE_URL"] = connStr

	return p.DockerExecutor.Exec(ctx, baseImage, overlay, params)
}
