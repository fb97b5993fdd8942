package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"shipwright/pkg/logx"
)

const (
	metadataFile = "sandbox.yaml"
	checkoutDir  = "repo"
)

//nolint:gochecknoglobals // go-git transport registry is process-wide
var installFileTransport sync.Once

// GitProvider keeps sandboxes as go-git checkouts under a root directory.
// Session metadata lives next to each checkout so Get works across restarts.
type GitProvider struct {
	logger *logx.Logger
	root   string
	mu     sync.Mutex
}

// NewGitProvider creates a provider rooted at root.
func NewGitProvider(root string) (*GitProvider, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root %s: %w", root, err)
	}
	// Serve file:// clones in-process instead of spawning git-upload-pack.
	installFileTransport.Do(func() {
		client.InstallProtocol("file", server.DefaultServer)
	})
	return &GitProvider{root: root, logger: logx.NewLogger("sandbox")}, nil
}

// Create clones params.Source into a fresh sandbox and checks out params.Branch.
func (p *GitProvider) Create(ctx context.Context, params Params) (*Session, error) {
	id := uuid.NewString()
	dir := filepath.Join(p.root, id)
	checkout := filepath.Join(dir, checkoutDir)

	opts := &git.CloneOptions{URL: cloneURL(params.Source)}
	if params.BaseBranch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(params.BaseBranch)
		opts.SingleBranch = true
	}
	repo, err := git.PlainCloneContext(ctx, checkout, false, opts)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("clone %s: %w", params.Source, err)
	}

	head, err := repo.Head()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("resolve HEAD of %s: %w", params.Source, err)
	}
	base := params.BaseBranch
	if base == "" {
		base = head.Name().Short()
	}

	branch := params.Branch
	if branch == "" {
		branch = "shipwright/" + id[:8]
	}
	wt, err := repo.Worktree()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Create: true}); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("create branch %s: %w", branch, err)
	}

	sess := &Session{
		ID:         id,
		Path:       checkout,
		Source:     params.Source,
		Branch:     branch,
		BaseBranch: base,
		BaseCommit: head.Hash().String(),
		State:      StateRunning,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := p.save(sess); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	p.logger.Info("📦 sandbox %s created on branch %s (base %s)", id, branch, base)
	return sess, nil
}

// Get loads a sandbox by id.
func (p *GitProvider) Get(_ context.Context, id string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load(id)
}

// Pause marks the sandbox paused. Workspaces refuse to open a paused sandbox.
func (p *GitProvider) Pause(_ context.Context, id string) error {
	_, err := p.setState(id, StatePaused)
	if err == nil {
		p.logger.Info("⏸️  sandbox %s paused", id)
	}
	return err
}

// Resume marks the sandbox running again.
func (p *GitProvider) Resume(_ context.Context, id string) (*Session, error) {
	return p.setState(id, StateRunning)
}

// Delete removes the sandbox. It reports false when there was nothing to delete.
func (p *GitProvider) Delete(_ context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir, err := p.dir(id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete sandbox %s: %w", id, err)
	}
	p.logger.Info("🗑️  sandbox %s deleted", id)
	return true, nil
}

func (p *GitProvider) setState(id string, state State) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, err := p.load(id)
	if err != nil {
		return nil, err
	}
	sess.State = state
	if err := p.save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (p *GitProvider) dir(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	return filepath.Join(p.root, id), nil
}

func (p *GitProvider) load(id string) (*Session, error) {
	dir, err := p.dir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read sandbox %s: %w", id, err)
	}
	var sess Session
	if err := yaml.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode sandbox %s: %w", id, err)
	}
	return &sess, nil
}

func (p *GitProvider) save(sess *Session) error {
	data, err := yaml.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode sandbox %s: %w", sess.ID, err)
	}
	if err := os.WriteFile(filepath.Join(p.root, sess.ID, metadataFile), data, 0o600); err != nil {
		return fmt.Errorf("write sandbox %s: %w", sess.ID, err)
	}
	return nil
}

// cloneURL points local non-bare sources at their .git directory, which the
// in-process file server can load.
func cloneURL(source string) string {
	if strings.Contains(source, "://") || strings.HasPrefix(source, "git@") {
		return source
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		return source
	}
	if info, err := os.Stat(filepath.Join(abs, git.GitDirName)); err == nil && info.IsDir() {
		return filepath.Join(abs, git.GitDirName)
	}
	return abs
}
