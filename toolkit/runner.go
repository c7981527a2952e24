package toolkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/jmcleod/pkiengine/backend"
)

// Output is the captured result of one toolkit invocation.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined returns stdout followed by stderr, trimmed.
func (o *Output) Combined() string {
	return strings.TrimSpace(o.Stdout + "\n" + o.Stderr)
}

// runner spawns the toolkit binary. A non-zero exit status is reported in
// Output, not as an error; only a failure to run the process is an error.
type runner struct {
	binary string
	logger *slog.Logger
}

func (r *runner) run(ctx context.Context, stdin []byte, env []string, args ...string) (*Output, error) {
	// #nosec G204 - binary comes from configuration, arguments are fixed by callers
	cmd := exec.CommandContext(ctx, r.binary, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &Output{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("%w: running %s %s: %v", backend.ErrExternal, r.binary, subcommand(args), err)
	}

	r.logger.Debug("toolkit invocation",
		slog.String("binary", r.binary),
		slog.String("subcommand", subcommand(args)),
		slog.Int("exit_code", out.ExitCode))
	return out, nil
}

func subcommand(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
