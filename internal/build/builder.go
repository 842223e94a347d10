package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MrSnakeDoc/cutover/internal/logger"
	"github.com/MrSnakeDoc/cutover/internal/procmgr"
)

// ErrBuild marks any failure of the build command, including a non-zero exit.
var ErrBuild = errors.New("build failed")

// Builder runs the project build command in the source directory.
type Builder struct {
	runner  procmgr.Runner
	logger  logger.Logger
	dir     string
	command []string
	output  io.Writer
}

// NewBuilder parses command ("npm run build") into argv. output, when not
// nil, receives the build's stdout as it runs.
func NewBuilder(runner procmgr.Runner, log logger.Logger, dir, command string, output io.Writer) (*Builder, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("build: empty build command")
	}
	return &Builder{runner: runner, logger: log, dir: dir, command: argv, output: output}, nil
}

func (b *Builder) Build(ctx context.Context) error {
	cmd := procmgr.Command{Dir: b.dir, Name: b.command[0], Args: b.command[1:], Stdout: b.output}
	b.logger.Info("building project", logger.String("cmd", cmd.String()), logger.String("dir", b.dir))

	start := time.Now()
	if _, err := b.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrBuild, err)
	}

	b.logger.Info("build complete", logger.Duration("elapsed", time.Since(start)))
	return nil
}
