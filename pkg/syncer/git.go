package syncer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git runs git commands in a working directory. The single-method surface
// keeps scripted fakes trivial; every state-branch operation goes through it.
type Git interface {
	Exec(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit shells out to the git binary.
type ExecGit struct {
	path string
}

// NewExecGit returns a Git backed by the git binary on PATH.
func NewExecGit() *ExecGit {
	return &ExecGit{path: "git"}
}

// Exec runs one git command and returns its trimmed stdout. Failures carry
// the command line and trimmed stderr so sync errors are actionable.
func (g *ExecGit) Exec(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.path, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
