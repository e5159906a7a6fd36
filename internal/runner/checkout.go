package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/otiai10/copy"

	"github.com/ppiankov/cronforge/internal/task"
)

// GitCheckout clones the task's repository into the workspace.
type GitCheckout struct {
	URL   string
	Ref   string // branch or tag; remote HEAD when empty
	Token string // HTTP basic auth password, if the remote needs one
}

func (c *GitCheckout) Kind() task.StepKind { return task.StepCheckout }

func (c *GitCheckout) Run(ctx context.Context, ws *Workspace) (Outcome, error) {
	logPath := filepath.Join(ws.RunDir, string(c.Kind())+".log")
	progress := ws.logWriter(logPath)
	defer func() { _ = progress.Close() }()

	opts := &git.CloneOptions{
		URL:      c.URL,
		Depth:    1,
		Progress: progress,
	}
	if c.Token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: c.Token}
	}

	var repo *git.Repository
	var err error
	for _, ref := range candidateRefs(c.Ref) {
		opts.ReferenceName = ref
		opts.SingleBranch = ref != ""
		repo, err = git.PlainCloneContext(ctx, ws.Dir, false, opts)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if rerr := resetDir(ws.Dir); rerr != nil {
			return Outcome{}, &StepError{Kind: c.Kind(), Err: rerr}
		}
	}
	if err != nil {
		return Outcome{}, &StepError{Kind: c.Kind(), Err: fmt.Errorf("clone %s: %w", c.URL, err)}
	}

	head, err := repo.Head()
	if err != nil {
		return Outcome{}, &StepError{Kind: c.Kind(), Err: fmt.Errorf("resolve HEAD: %w", err)}
	}
	return Outcome{LastMsg: fmt.Sprintf("checked out %s at %s", c.URL, head.Hash().String()[:12])}, nil
}

// candidateRefs expands a short ref into the reference names to try.
func candidateRefs(ref string) []plumbing.ReferenceName {
	switch {
	case ref == "":
		return []plumbing.ReferenceName{""}
	case strings.HasPrefix(ref, "refs/"):
		return []plumbing.ReferenceName{plumbing.ReferenceName(ref)}
	default:
		return []plumbing.ReferenceName{
			plumbing.NewBranchReferenceName(ref),
			plumbing.NewTagReferenceName(ref),
		}
	}
}

// resetDir recreates dir empty so a failed clone attempt can be retried in place.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// skipOnCopy are directory names never copied from a local source.
var skipOnCopy = map[string]bool{
	".git":        true,
	".venv":       true,
	"__pycache__": true,
	".cronforge":  true,
}

// LocalCheckout copies a local directory into the workspace.
type LocalCheckout struct {
	Path string
}

func (c *LocalCheckout) Kind() task.StepKind { return task.StepCheckout }

func (c *LocalCheckout) Run(ctx context.Context, ws *Workspace) (Outcome, error) {
	info, err := os.Stat(c.Path)
	if err != nil {
		return Outcome{}, &StepError{Kind: c.Kind(), Err: fmt.Errorf("source %s: %w", c.Path, err)}
	}
	if !info.IsDir() {
		return Outcome{}, &StepError{Kind: c.Kind(), Err: fmt.Errorf("source %s is not a directory", c.Path)}
	}

	files := 0
	err = copy.Copy(c.Path, ws.Dir, copy.Options{
		Skip: func(srcinfo os.FileInfo, src, dest string) (bool, error) {
			if err := ctx.Err(); err != nil {
				return true, err
			}
			if srcinfo.IsDir() && skipOnCopy[srcinfo.Name()] && src != c.Path {
				return true, nil
			}
			if !srcinfo.IsDir() {
				files++
			}
			return false, nil
		},
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Outcome{}, &StepError{Kind: c.Kind(), Err: fmt.Errorf("copy interrupted: %w", err)}
		}
		return Outcome{}, &StepError{Kind: c.Kind(), Err: fmt.Errorf("copy %s: %w", c.Path, err)}
	}
	return Outcome{LastMsg: fmt.Sprintf("copied %d files from %s", files, c.Path)}, nil
}
