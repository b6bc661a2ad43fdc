package vcs

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client for tests. It models a working copy as a
// dirty flag, a staged flag, a current branch, a commit counter, and a set
// of remote branches.
type Fake struct {
	mu sync.Mutex

	Dirty          bool
	Staged         bool
	Branch         string
	Commits        []string
	Pushed         []string
	RemoteBranches map[string]bool

	// FailOn maps an operation name ("push", "commit", "checkout",
	// "create-branch", "fetch", "status", "head") to an error to inject.
	FailOn map[string]error
}

// NewFake creates a fake client on the given branch.
func NewFake(branch string) *Fake {
	return &Fake{
		Branch:         branch,
		RemoteBranches: make(map[string]bool),
		FailOn:         make(map[string]error),
	}
}

func (f *Fake) fail(op string) error {
	if err, ok := f.FailOn[op]; ok {
		return err
	}
	return nil
}

// MakeDirty marks the working copy as having uncommitted changes.
func (f *Fake) MakeDirty() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dirty = true
}

// HasChanges implements Client.
func (f *Fake) HasChanges(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("status"); err != nil {
		return false, err
	}
	return f.Dirty, nil
}

// AddAll implements Client.
func (f *Fake) AddAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("add"); err != nil {
		return err
	}
	if f.Dirty {
		f.Staged = true
	}
	return nil
}

// Commit implements Client.
func (f *Fake) Commit(_ context.Context, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("commit"); err != nil {
		return false, err
	}
	if !f.Staged {
		return false, nil
	}
	f.Commits = append(f.Commits, message)
	f.Dirty = false
	f.Staged = false
	return true, nil
}

// Push implements Client.
func (f *Fake) Push(_ context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("push"); err != nil {
		return err
	}
	f.Pushed = append(f.Pushed, branch)
	f.RemoteBranches[branch] = true
	return nil
}

// Fetch implements Client.
func (f *Fake) Fetch(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail("fetch")
}

// CheckoutBranch implements Client.
func (f *Fake) CheckoutBranch(_ context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("checkout"); err != nil {
		return err
	}
	f.Branch = branch
	return nil
}

// CreateBranch implements Client.
func (f *Fake) CreateBranch(_ context.Context, branch, base string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("create-branch"); err != nil {
		return err
	}
	f.Branch = branch
	return nil
}

// RemoteBranchExists implements Client.
func (f *Fake) RemoteBranchExists(_ context.Context, branch string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ls-remote"); err != nil {
		return false, err
	}
	return f.RemoteBranches[branch], nil
}

// HeadSHA implements Client.
func (f *Fake) HeadSHA(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("head"); err != nil {
		return "", err
	}
	return fmt.Sprintf("fake-sha-%d", len(f.Commits)), nil
}
