// Package git wraps the git commands used to commit healed files.
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrNothingToCommit is returned by Commit when the files carry no staged change.
var ErrNothingToCommit = errors.New("nothing to commit")

// Available checks if the given directory is inside a git work tree.
func Available(ctx context.Context, repoRoot string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = repoRoot
	return cmd.Run() == nil
}

func RunCmdOutput(ctx context.Context, dir string, args ...string) (string, error) {
	log.Debug().Str("dir", dir).Strs("args", args).Msg("running git command")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func RunCmdErr(ctx context.Context, dir string, args ...string) error {
	_, err := RunCmdOutput(ctx, dir, args...)
	return err
}

// CurrentBranch returns the checked out branch name.
func CurrentBranch(ctx context.Context, repoRoot string) (string, error) {
	if !Available(ctx, repoRoot) {
		return "", fmt.Errorf("not a git repository: %s", repoRoot)
	}
	out, err := RunCmdOutput(ctx, repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve branch: %w", err)
	}
	branch := strings.TrimSpace(out)
	if branch == "" {
		return "", fmt.Errorf("resolve branch: empty branch name")
	}
	if branch == "HEAD" {
		return "", fmt.Errorf("resolve branch: detached HEAD")
	}
	return branch, nil
}

// Commit stages files and commits only those paths. It returns the new HEAD.
// Other staged or dirty files in the work tree are left alone.
func Commit(ctx context.Context, repoRoot string, files []string, message string) (string, error) {
	if len(files) == 0 {
		return "", ErrNothingToCommit
	}
	if !Available(ctx, repoRoot) {
		return "", fmt.Errorf("not a git repository: %s", repoRoot)
	}
	add := append([]string{"add", "--"}, files...)
	if err := RunCmdErr(ctx, repoRoot, add...); err != nil {
		return "", err
	}
	diff := append([]string{"diff", "--cached", "--name-only", "--"}, files...)
	staged, err := RunCmdOutput(ctx, repoRoot, diff...)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(staged) == "" {
		return "", ErrNothingToCommit
	}
	commit := append([]string{"commit", "--no-verify", "-m", message, "--"}, files...)
	if err := RunCmdErr(ctx, repoRoot, commit...); err != nil {
		return "", err
	}
	head, err := RunCmdOutput(ctx, repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(head), nil
}
