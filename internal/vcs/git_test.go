package vcs

import (
	"context"
	"testing"

	"github.com/fleetworks/fleet/internal/testutil"
)

func TestGitChangeDetection(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	g := NewGit(repo)
	ctx := context.Background()

	dirty, err := g.HasChanges(ctx)
	if err != nil {
		t.Fatalf("HasChanges: %v", err)
	}
	if dirty {
		t.Fatal("fresh repo reported dirty")
	}

	testutil.WriteFile(t, repo, "notes.txt", "scratch work\n")
	if dirty, err = g.HasChanges(ctx); err != nil || !dirty {
		t.Fatalf("HasChanges after write = (%v, %v), want (true, nil)", dirty, err)
	}
}

func TestGitCommitFlow(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	g := NewGit(repo)
	ctx := context.Background()

	// Nothing staged: Commit reports false without error.
	committed, err := g.Commit(ctx, "empty commit attempt")
	if err != nil {
		t.Fatalf("Commit on clean tree: %v", err)
	}
	if committed {
		t.Fatal("Commit reported a commit with nothing staged")
	}

	before, err := g.HeadSHA(ctx)
	if err != nil {
		t.Fatalf("HeadSHA: %v", err)
	}

	testutil.WriteFile(t, repo, "pkg/thing.go", "package pkg\n")
	if err := g.AddAll(ctx); err != nil {
		t.Fatalf("AddAll: %v", err)
	}
	committed, err = g.Commit(ctx, "add thing")
	if err != nil || !committed {
		t.Fatalf("Commit = (%v, %v), want (true, nil)", committed, err)
	}

	after, err := g.HeadSHA(ctx)
	if err != nil {
		t.Fatalf("HeadSHA: %v", err)
	}
	if after == before {
		t.Error("HEAD did not move after commit")
	}
	if testutil.HasUncommittedChanges(t, repo) {
		t.Error("working copy dirty after committing everything")
	}
}

func TestGitBranchLifecycle(t *testing.T) {
	repo, _ := testutil.SetupTestRepoWithRemote(t)
	g := NewGit(repo)
	ctx := context.Background()

	if err := g.CreateBranch(ctx, "task/test-branch", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if got := testutil.CurrentBranch(t, repo); got != "task/test-branch" {
		t.Fatalf("current branch = %q", got)
	}

	exists, err := g.RemoteBranchExists(ctx, "task/test-branch")
	if err != nil {
		t.Fatalf("RemoteBranchExists: %v", err)
	}
	if exists {
		t.Fatal("branch on the remote before push")
	}

	testutil.CommitFile(t, repo, "change.txt", "work\n", "branch work")
	if err := g.Push(ctx, "task/test-branch"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if exists, err = g.RemoteBranchExists(ctx, "task/test-branch"); err != nil || !exists {
		t.Fatalf("RemoteBranchExists after push = (%v, %v), want (true, nil)", exists, err)
	}

	if err := g.CheckoutBranch(ctx, "main"); err != nil {
		t.Fatalf("CheckoutBranch: %v", err)
	}
	if got := testutil.CurrentBranch(t, repo); got != "main" {
		t.Errorf("current branch = %q, want main", got)
	}

	if err := g.Fetch(ctx); err != nil {
		t.Errorf("Fetch: %v", err)
	}
}

func TestGitCheckoutMissingBranch(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	g := NewGit(repo)

	if err := g.CheckoutBranch(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("checkout of a missing branch succeeded")
	}
}
