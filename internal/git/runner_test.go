package git

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// initRepo creates a repository with one commit on branch main.
func initRepo(t *testing.T) (*ExecRunner, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	r := NewRunner(dir)
	mustRun(t, r, "init")
	mustRun(t, r, "config", "user.email", "test@example.com")
	mustRun(t, r, "config", "user.name", "test")
	mustRun(t, r, "checkout", "-b", "main")
	commitFile(t, r, dir, "README.md", "hello\n", "initial commit")
	return r, dir
}

func mustRun(t *testing.T, r *ExecRunner, args ...string) {
	t.Helper()
	if _, err := r.Run(args...); err != nil {
		t.Fatalf("git %v: %v", args, err)
	}
}

func commitFile(t *testing.T, r *ExecRunner, dir, name, content, msg string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, r, "add", name)
	mustRun(t, r, "commit", "-m", msg)
}

func TestCurrentBranchAndCheckout(t *testing.T) {
	r, _ := initRepo(t)

	got, err := r.CurrentBranch()
	if err != nil {
		t.Fatal(err)
	}
	if got != "main" {
		t.Errorf("branch = %q, want main", got)
	}

	mustRun(t, r, "branch", "feature/x")
	if err := r.CheckoutBranch("feature/x"); err != nil {
		t.Fatal(err)
	}
	got, _ = r.CurrentBranch()
	if got != "feature/x" {
		t.Errorf("branch = %q after checkout", got)
	}
}

func TestBranchExists(t *testing.T) {
	r, _ := initRepo(t)

	ok, err := r.BranchExists("main")
	if err != nil || !ok {
		t.Errorf("BranchExists(main) = (%v, %v)", ok, err)
	}
	ok, err = r.BranchExists("nope")
	if err != nil || ok {
		t.Errorf("BranchExists(nope) = (%v, %v)", ok, err)
	}
}

func TestRevParseMissingRef(t *testing.T) {
	r, _ := initRepo(t)

	head, err := r.RevParse("HEAD")
	if err != nil || len(head) != 40 {
		t.Errorf("RevParse(HEAD) = (%q, %v)", head, err)
	}
	if _, err := r.RevParse("no-such-ref"); !errors.Is(err, ErrRefMissing) {
		t.Errorf("err = %v, want ErrRefMissing", err)
	}
}

func TestStatusAndHasChanges(t *testing.T) {
	r, dir := initRepo(t)

	changed, err := r.HasChanges()
	if err != nil || changed {
		t.Errorf("clean tree: HasChanges = (%v, %v)", changed, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	changed, err = r.HasChanges()
	if err != nil || !changed {
		t.Errorf("dirty tree: HasChanges = (%v, %v)", changed, err)
	}
}

func TestDiscardChanges(t *testing.T) {
	r, dir := initRepo(t)

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("edited\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.DiscardChanges(); err != nil {
		t.Fatal(err)
	}
	changed, err := r.HasChanges()
	if err != nil || changed {
		t.Errorf("after discard: HasChanges = (%v, %v)", changed, err)
	}
}

func TestAncestryAndMergeBase(t *testing.T) {
	r, dir := initRepo(t)
	base, _ := r.RevParse("HEAD")

	mustRun(t, r, "checkout", "-b", "feature/y")
	commitFile(t, r, dir, "y.txt", "y\n", "add y")
	tip, _ := r.RevParse("HEAD")

	ok, err := r.IsAncestor(base, tip)
	if err != nil || !ok {
		t.Errorf("IsAncestor(base, tip) = (%v, %v)", ok, err)
	}
	ok, err = r.IsAncestor(tip, base)
	if err != nil || ok {
		t.Errorf("IsAncestor(tip, base) = (%v, %v)", ok, err)
	}

	got, err := r.MergeBase("main", "feature/y")
	if err != nil || got != base {
		t.Errorf("MergeBase = (%q, %v), want %q", got, err, base)
	}
}

func TestMergeFFOnly(t *testing.T) {
	r, dir := initRepo(t)

	mustRun(t, r, "checkout", "-b", "feature/z")
	commitFile(t, r, dir, "z.txt", "z\n", "add z")
	tip, _ := r.RevParse("HEAD")

	if err := r.CheckoutBranch("main"); err != nil {
		t.Fatal(err)
	}
	if err := r.MergeFFOnly("feature/z"); err != nil {
		t.Fatal(err)
	}
	head, _ := r.RevParse("HEAD")
	if head != tip {
		t.Errorf("HEAD = %s after ff merge, want %s", head, tip)
	}
}

func TestMergeTreeConflicts(t *testing.T) {
	r, dir := initRepo(t)
	base, _ := r.RevParse("HEAD")

	mustRun(t, r, "checkout", "-b", "feature/c")
	commitFile(t, r, dir, "README.md", "feature side\n", "feature edit")
	theirs, _ := r.RevParse("HEAD")

	if err := r.CheckoutBranch("main"); err != nil {
		t.Fatal(err)
	}
	commitFile(t, r, dir, "README.md", "main side\n", "main edit")
	ours, _ := r.RevParse("HEAD")

	conflicted, err := r.MergeTreeConflicts(base, ours, theirs)
	if err != nil {
		t.Fatal(err)
	}
	if !conflicted {
		t.Error("overlapping edits should predict a conflict")
	}

	// Disjoint change: no conflict.
	mustRun(t, r, "checkout", "-b", "feature/d", base)
	commitFile(t, r, dir, "other.txt", "other\n", "disjoint edit")
	disjoint, _ := r.RevParse("HEAD")
	conflicted, err = r.MergeTreeConflicts(base, ours, disjoint)
	if err != nil {
		t.Fatal(err)
	}
	if conflicted {
		t.Error("disjoint edits must not predict a conflict")
	}
}

func TestHasConflicts(t *testing.T) {
	r, dir := initRepo(t)
	base, _ := r.RevParse("HEAD")

	mustRun(t, r, "checkout", "-b", "feature/w")
	commitFile(t, r, dir, "README.md", "feature side\n", "feature edit")

	if err := r.CheckoutBranch("main"); err != nil {
		t.Fatal(err)
	}
	commitFile(t, r, dir, "README.md", "main side\n", "main edit")
	_ = base

	// A real conflicted merge leaves UU entries behind.
	if err := r.MergeNoFFMessage("feature/w", "merge feature/w"); err == nil {
		t.Fatal("conflicting merge unexpectedly succeeded")
	}
	conflicted, err := r.HasConflicts()
	if err != nil || !conflicted {
		t.Errorf("HasConflicts mid-conflict = (%v, %v)", conflicted, err)
	}
	if err := r.MergeAbort(); err != nil {
		t.Fatal(err)
	}
	conflicted, err = r.HasConflicts()
	if err != nil || conflicted {
		t.Errorf("HasConflicts after abort = (%v, %v)", conflicted, err)
	}
}

func TestRemoteBranchExists(t *testing.T) {
	r, dir := initRepo(t)

	// A bare sibling repository stands in for the remote.
	remoteDir := t.TempDir()
	bare := NewRunner(remoteDir)
	if _, err := bare.Run("init", "--bare"); err != nil {
		t.Fatal(err)
	}
	mustRun(t, r, "remote", "add", "origin", remoteDir)
	if err := r.Push("origin", "main"); err != nil {
		t.Fatal(err)
	}
	_ = dir

	ok, err := r.RemoteBranchExists("origin", "main")
	if err != nil || !ok {
		t.Errorf("RemoteBranchExists(main) = (%v, %v)", ok, err)
	}
	ok, err = r.RemoteBranchExists("origin", "nope")
	if err != nil || ok {
		t.Errorf("RemoteBranchExists(nope) = (%v, %v)", ok, err)
	}

	// A bad remote is a lookup failure, not absence.
	if _, err := r.RemoteBranchExists("no-such-remote", "main"); err == nil {
		t.Error("bad remote must surface an error")
	}
}

func TestDeleteRemoteBranch(t *testing.T) {
	r, _ := initRepo(t)

	remoteDir := t.TempDir()
	bare := NewRunner(remoteDir)
	if _, err := bare.Run("init", "--bare"); err != nil {
		t.Fatal(err)
	}
	mustRun(t, r, "remote", "add", "origin", remoteDir)
	mustRun(t, r, "branch", "feature/gone")
	if err := r.Push("origin", "feature/gone"); err != nil {
		t.Fatal(err)
	}

	if err := r.DeleteRemoteBranch("origin", "feature/gone"); err != nil {
		t.Fatal(err)
	}
	ok, err := r.RemoteBranchExists("origin", "feature/gone")
	if err != nil || ok {
		t.Errorf("branch survives remote delete: (%v, %v)", ok, err)
	}
}

func TestWorktreeAddRemove(t *testing.T) {
	r, _ := initRepo(t)
	mustRun(t, r, "branch", "feature/wt")

	wt := filepath.Join(t.TempDir(), "wt")
	if err := r.WorktreeAdd(wt, "feature/wt"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(wt, "README.md")); err != nil {
		t.Errorf("worktree not populated: %v", err)
	}
	if err := r.WorktreeRemove(wt); err != nil {
		t.Fatal(err)
	}
	if err := r.WorktreePrune(); err != nil {
		t.Fatal(err)
	}
}
