// Package vcs abstracts the version-control operations the execution
// engine needs for checkpointing and PR delivery. The git implementation
// shells out to the git CLI; tests use the in-memory fake so checkpoint and
// resume logic is exercised without a real repository.
package vcs

import "context"

// Client is the version-control surface used by the executor.
type Client interface {
	// HasChanges reports whether the working copy has uncommitted changes.
	HasChanges(ctx context.Context) (bool, error)

	// AddAll stages every change in the working copy.
	AddAll(ctx context.Context) error

	// Commit records staged changes. Committing with nothing staged is not
	// an error; implementations report it via the returned bool.
	Commit(ctx context.Context, message string) (committed bool, err error)

	// Push pushes the branch to the remote, creating it upstream if needed.
	Push(ctx context.Context, branch string) error

	// Fetch updates remote-tracking refs.
	Fetch(ctx context.Context) error

	// CheckoutBranch switches to an existing local or remote branch.
	CheckoutBranch(ctx context.Context, branch string) error

	// CreateBranch creates branch from base and switches to it.
	CreateBranch(ctx context.Context, branch, base string) error

	// RemoteBranchExists reports whether the remote already has the branch.
	RemoteBranchExists(ctx context.Context, branch string) (bool, error)

	// HeadSHA returns the current commit hash.
	HeadSHA(ctx context.Context) (string, error)
}
