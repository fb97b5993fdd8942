package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Author identifies the committer used for sandbox commits.
type Author struct {
	Name  string
	Email string
}

// DefaultAuthor is used when no author is configured.
//
//nolint:gochecknoglobals // immutable default
var DefaultAuthor = Author{Name: "shipwright", Email: "shipwright@users.noreply.github.com"}

// Workspace is an open checkout of a running sandbox.
type Workspace struct {
	repo    *git.Repository
	session *Session
	author  Author
	ignored map[string]fileStamp
}

type fileStamp struct {
	mod  int64
	size int64
}

// Open opens the checkout of a running sandbox.
func Open(sess *Session, author Author) (*Workspace, error) {
	if sess.State == StatePaused {
		return nil, fmt.Errorf("%w: %s", ErrPaused, sess.ID)
	}
	repo, err := git.PlainOpen(sess.Path)
	if err != nil {
		return nil, fmt.Errorf("open sandbox %s: %w", sess.ID, err)
	}
	if author.Name == "" {
		author = DefaultAuthor
	}
	return &Workspace{repo: repo, session: sess, author: author}, nil
}

// Root is the checkout directory.
func (w *Workspace) Root() string { return w.session.Path }

// Session returns the sandbox metadata.
func (w *Workspace) Session() *Session { return w.session }

// IsDirty reports whether the worktree has uncommitted changes, untracked files included.
func (w *Workspace) IsDirty() (bool, error) {
	status, err := w.status()
	if err != nil {
		return false, err
	}
	return !status.IsClean(), nil
}

// DirtyFiles lists the paths with uncommitted changes. Once TrackIgnored has
// run, gitignored paths created, modified or removed since are listed too.
func (w *Workspace) DirtyFiles() ([]string, error) {
	status, err := w.status()
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(status))
	for path, st := range status {
		if st.Staging != git.Unmodified || st.Worktree != git.Unmodified {
			files = append(files, path)
		}
	}
	if w.ignored != nil {
		created, changed, err := w.ignoredChanges()
		if err != nil {
			return nil, err
		}
		files = append(append(files, created...), changed...)
	}
	sort.Strings(files)
	return files, nil
}

// TrackIgnored fingerprints the gitignored files in the checkout so later
// DirtyFiles and Revert calls cover them.
func (w *Workspace) TrackIgnored() error {
	stamps, err := w.ignoredFiles()
	if err != nil {
		return err
	}
	w.ignored = stamps
	return nil
}

// Revert discards every uncommitted change and untracked file. Ignored
// files created since TrackIgnored are removed; the content of ignored files
// that existed before is not versioned and cannot be restored.
func (w *Workspace) Revert() error {
	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	head, err := w.repo.Head()
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: head.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset worktree: %w", err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("clean worktree: %w", err)
	}
	if w.ignored == nil {
		return nil
	}
	created, _, err := w.ignoredChanges()
	if err != nil {
		return err
	}
	for _, rel := range created {
		if err := os.Remove(filepath.Join(w.Root(), filepath.FromSlash(rel))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove ignored file: %w", err)
		}
	}
	return w.TrackIgnored()
}

// Commit stages everything and commits it. committed is false when the
// worktree was already clean.
func (w *Workspace) Commit(message string) (hash string, committed bool, err error) {
	dirty, err := w.IsDirty()
	if err != nil {
		return "", false, err
	}
	if !dirty {
		return "", false, nil
	}
	wt, err := w.repo.Worktree()
	if err != nil {
		return "", false, fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", false, fmt.Errorf("stage changes: %w", err)
	}
	h, err := wt.Commit(message, &git.CommitOptions{
		All: true,
		Author: &object.Signature{
			Name:  w.author.Name,
			Email: w.author.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	return h.String(), true, nil
}

// ChangedFiles lists files that differ between the base commit and HEAD.
func (w *Workspace) ChangedFiles() ([]string, error) {
	changes, err := w.changes()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(changes))
	for _, c := range changes {
		if c.From.Name != "" {
			seen[c.From.Name] = struct{}{}
		}
		if c.To.Name != "" {
			seen[c.To.Name] = struct{}{}
		}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// Diff renders the unified diff between the base commit and HEAD.
func (w *Workspace) Diff(ctx context.Context) (string, error) {
	changes, err := w.changes()
	if err != nil {
		return "", err
	}
	if len(changes) == 0 {
		return "", nil
	}
	patch, err := changes.PatchContext(ctx)
	if err != nil {
		return "", fmt.Errorf("render diff: %w", err)
	}
	return patch.String(), nil
}

// HeadCommit returns the hash HEAD points at.
func (w *Workspace) HeadCommit() (string, error) {
	head, err := w.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// Push pushes the sandbox branch to origin. A non-empty token is sent as
// basic auth, which is how GitHub accepts installation and personal tokens.
func (w *Workspace) Push(ctx context.Context, token string) error {
	branch := plumbing.NewBranchReferenceName(w.session.Branch)
	opts := &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(branch.String() + ":" + branch.String())},
	}
	if token != "" {
		opts.Auth = &http.BasicAuth{Username: "x-access-token", Password: token}
	}
	err := w.repo.PushContext(ctx, opts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s: %w", w.session.Branch, err)
	}
	return nil
}

func (w *Workspace) status() (git.Status, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}
	return status, nil
}

func (w *Workspace) changes() (object.Changes, error) {
	base, err := w.tree(plumbing.NewHash(w.session.BaseCommit))
	if err != nil {
		return nil, fmt.Errorf("base tree: %w", err)
	}
	head, err := w.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	headTree, err := w.tree(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("head tree: %w", err)
	}
	changes, err := object.DiffTree(base, headTree)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}
	return changes, nil
}

func (w *Workspace) tree(hash plumbing.Hash) (*object.Tree, error) {
	commit, err := w.repo.CommitObject(hash)
	if err != nil {
		return nil, err
	}
	return commit.Tree()
}

// ignoredChanges compares the checkout with the TrackIgnored fingerprint.
// created lists new ignored files; changed lists modified or removed ones.
func (w *Workspace) ignoredChanges() (created, changed []string, err error) {
	now, err := w.ignoredFiles()
	if err != nil {
		return nil, nil, err
	}
	for path, stamp := range now {
		before, ok := w.ignored[path]
		switch {
		case !ok:
			created = append(created, path)
		case before != stamp:
			changed = append(changed, path)
		}
	}
	for path := range w.ignored {
		if _, ok := now[path]; !ok {
			changed = append(changed, path)
		}
	}
	return created, changed, nil
}

// ignoredFiles walks the checkout for files matched by .gitignore and
// .git/info/exclude. Everything under an ignored directory counts.
func (w *Workspace) ignoredFiles() (map[string]fileStamp, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	patterns, err := gitignore.ReadPatterns(wt.Filesystem, nil)
	if err != nil {
		return nil, fmt.Errorf("read ignore patterns: %w", err)
	}
	patterns = append(patterns, wt.Excludes...)
	matcher := gitignore.NewMatcher(patterns)

	root := w.Root()
	stamps := map[string]fileStamp{}
	ignoredDir := ""
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == git.GitDirName && d.IsDir() {
			return filepath.SkipDir
		}
		inside := ignoredDir != "" && strings.HasPrefix(rel, ignoredDir+"/")
		if !inside {
			ignoredDir = ""
		}
		if !inside && !matcher.Match(strings.Split(rel, "/"), d.IsDir()) {
			return nil
		}
		if d.IsDir() {
			if !inside {
				ignoredDir = rel
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stamps[rel] = fileStamp{mod: info.ModTime().UnixNano(), size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk ignored files: %w", err)
	}
	return stamps, nil
}
