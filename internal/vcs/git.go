package vcs

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/fleetworks/fleet/internal/errors"
)

// Git is the git-CLI implementation of Client, operating on one working
// copy. It is not safe for concurrent use on the same RepoPath; the worker
// serializes PR-mode tasks for exactly this reason.
type Git struct {
	RepoPath string
	// Remote defaults to "origin".
	Remote string
}

// NewGit creates a Git client for the given working copy.
func NewGit(repoPath string) *Git {
	return &Git{RepoPath: repoPath, Remote: "origin"}
}

func (g *Git) remote() string {
	if g.Remote == "" {
		return "origin"
	}
	return g.Remote
}

// run executes one git command in the working copy.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.RepoPath}, args...)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), errors.NewGitError(args[0], "", errors.Errorf("%s: %w", strings.TrimSpace(out.String()), err))
	}
	return out.String(), nil
}

// HasChanges implements Client.
func (g *Git) HasChanges(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// AddAll implements Client.
func (g *Git) AddAll(ctx context.Context) error {
	_, err := g.run(ctx, "add", "-A")
	return err
}

// Commit implements Client. Returns false without error when there is
// nothing to commit.
func (g *Git) Commit(ctx context.Context, message string) (bool, error) {
	staged, err := g.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(staged) == "" {
		return false, nil
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// Push implements Client.
func (g *Git) Push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "push", "-u", g.remote(), branch)
	if err != nil {
		return errors.NewGitError("push", branch, err)
	}
	return nil
}

// Fetch implements Client.
func (g *Git) Fetch(ctx context.Context) error {
	_, err := g.run(ctx, "fetch", g.remote(), "--prune")
	return err
}

// CheckoutBranch implements Client.
func (g *Git) CheckoutBranch(ctx context.Context, branch string) error {
	if _, err := g.run(ctx, "checkout", branch); err != nil {
		return errors.NewGitError("checkout", branch, err)
	}
	return nil
}

// CreateBranch implements Client.
func (g *Git) CreateBranch(ctx context.Context, branch, base string) error {
	if _, err := g.run(ctx, "checkout", "-b", branch, base); err != nil {
		return errors.NewGitError("create-branch", branch, err)
	}
	return nil
}

// RemoteBranchExists implements Client.
func (g *Git) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	out, err := g.run(ctx, "ls-remote", "--heads", g.remote(), branch)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// HeadSHA implements Client.
func (g *Git) HeadSHA(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
