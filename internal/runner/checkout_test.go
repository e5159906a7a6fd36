package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/ppiankov/cronforge/internal/secrets"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	base := t.TempDir()
	ws := &Workspace{
		Dir:    filepath.Join(base, "ws"),
		RunDir: filepath.Join(base, "run"),
		Masker: secrets.NewMasker(),
	}
	for _, d := range []string{ws.Dir, ws.RunDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return ws
}

// initRepo creates a repository with one commit on master and a "release" branch.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "main.py"), "print('login')\n")
	writeFile(t, filepath.Join(dir, "requirements.txt"), "aiohttp\n")
	if _, err := wt.Add("."); err != nil {
		t.Fatalf("add: %v", err)
	}
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName("release"), hash)
	if err := repo.Storer.SetReference(ref); err != nil {
		t.Fatalf("branch: %v", err)
	}
	return dir
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		if _, err := exec.LookPath("git"); err != nil {
			t.Skip("git not installed")
		}
	}
}

func TestGitCheckout_DefaultBranch(t *testing.T) {
	requireGit(t)
	src := initRepo(t)
	ws := newWorkspace(t)

	c := &GitCheckout{URL: src}
	out, err := c.Run(context.Background(), ws)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Dir, "main.py")); err != nil {
		t.Errorf("expected main.py in workspace: %v", err)
	}
	if !strings.HasPrefix(out.LastMsg, "checked out "+src+" at ") {
		t.Errorf("unexpected last message %q", out.LastMsg)
	}
}

func TestGitCheckout_Branch(t *testing.T) {
	requireGit(t)
	src := initRepo(t)
	ws := newWorkspace(t)

	c := &GitCheckout{URL: src, Ref: "release"}
	if _, err := c.Run(context.Background(), ws); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	repo, err := git.PlainOpen(ws.Dir)
	if err != nil {
		t.Fatal(err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatal(err)
	}
	if head.Name() != plumbing.NewBranchReferenceName("release") {
		t.Errorf("expected release branch, got %s", head.Name())
	}
}

func TestGitCheckout_UnknownRef(t *testing.T) {
	requireGit(t)
	src := initRepo(t)
	ws := newWorkspace(t)

	c := &GitCheckout{URL: src, Ref: "does-not-exist"}
	_, err := c.Run(context.Background(), ws)
	if err == nil {
		t.Fatal("expected error for unknown ref")
	}
	if !strings.Contains(err.Error(), "checkout") {
		t.Errorf("expected step name in error, got %v", err)
	}
}

func TestGitCheckout_MissingRepo(t *testing.T) {
	ws := newWorkspace(t)
	c := &GitCheckout{URL: filepath.Join(t.TempDir(), "missing")}
	if _, err := c.Run(context.Background(), ws); err == nil {
		t.Fatal("expected error for missing repository")
	}
}

func TestCandidateRefs(t *testing.T) {
	cases := []struct {
		ref  string
		want []plumbing.ReferenceName
	}{
		{"", []plumbing.ReferenceName{""}},
		{"main", []plumbing.ReferenceName{"refs/heads/main", "refs/tags/main"}},
		{"refs/tags/v1", []plumbing.ReferenceName{"refs/tags/v1"}},
	}
	for _, tc := range cases {
		got := candidateRefs(tc.ref)
		if len(got) != len(tc.want) {
			t.Errorf("candidateRefs(%q): got %v, want %v", tc.ref, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("candidateRefs(%q)[%d]: got %s, want %s", tc.ref, i, got[i], tc.want[i])
			}
		}
	}
}

func TestLocalCheckout_CopiesAndSkips(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "main.py"), "print('x')\n")
	if err := os.MkdirAll(filepath.Join(src, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(src, "pkg", "util.py"), "")
	for _, skip := range []string{".git", ".venv", "__pycache__"} {
		if err := os.MkdirAll(filepath.Join(src, skip), 0o755); err != nil {
			t.Fatal(err)
		}
		writeFile(t, filepath.Join(src, skip, "junk"), "x")
	}

	ws := newWorkspace(t)
	out, err := (&LocalCheckout{Path: src}).Run(context.Background(), ws)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	for _, want := range []string{"main.py", filepath.Join("pkg", "util.py")} {
		if _, err := os.Stat(filepath.Join(ws.Dir, want)); err != nil {
			t.Errorf("expected %s in workspace: %v", want, err)
		}
	}
	for _, skip := range []string{".git", ".venv", "__pycache__"} {
		if _, err := os.Stat(filepath.Join(ws.Dir, skip)); !os.IsNotExist(err) {
			t.Errorf("expected %s to be skipped", skip)
		}
	}
	if out.LastMsg != "copied 2 files from "+src {
		t.Errorf("unexpected last message %q", out.LastMsg)
	}
}

func TestLocalCheckout_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file, "x")

	_, err := (&LocalCheckout{Path: file}).Run(context.Background(), newWorkspace(t))
	if err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Fatalf("expected not a directory error, got %v", err)
	}
}
