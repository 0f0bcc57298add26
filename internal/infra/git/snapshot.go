package git

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/rs/zerolog"

	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

// DefaultMaxFileBytes skips files too large to be worth a model's attention.
const DefaultMaxFileBytes = 256 << 10

// SkipDirs are directory names never descended into.
var SkipDirs = map[string]bool{
	".git": true, ".svn": true, ".hg": true,
	"node_modules": true, "vendor": true, "dist": true, "build": true, "target": true,
	"__pycache__": true, ".venv": true, "venv": true, ".tox": true, ".mypy_cache": true, ".pytest_cache": true,
	".gradle": true, "out": true, "bin": true, "obj": true, "_build": true, "deps": true,
	".idea": true, ".vscode": true, ".next": true, ".nuxt": true, "coverage": true, ".cache": true,
}

// DefaultIgnore are doublestar globs of files that are generated, vendored
// or not source.
var DefaultIgnore = []string{
	"**/*.{png,jpg,jpeg,gif,bmp,ico,webp,svg,pdf}",
	"**/*.{zip,gz,tgz,bz2,xz,7z,tar,jar,war,whl}",
	"**/*.{exe,dll,so,dylib,a,o,class,pyc,wasm}",
	"**/*.{woff,woff2,ttf,otf,eot,mp3,mp4,mov,avi}",
	"**/*.{lock,sum,map}",
	"**/package-lock.json",
	"**/*.min.{js,css}",
	"**/*.pb.go", "**/*_generated.go", "**/*.gen.go",
	"**/*.pb.{ts,js}",
	"**/.DS_Store",
}

// Service keeps one clone per repository URL under Root. Updates move the
// working copy, so file reads go through the object store at the commit of
// the caller's Checkout and stay stable while another audit fetches.
type Service struct {
	Root         string
	Token        string // optional HTTPS token
	MaxFileBytes int64
	Ignore       []string
	Log          zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func NewService(root, token string, log zerolog.Logger) *Service {
	return &Service{Root: root, Token: token, MaxFileBytes: DefaultMaxFileBytes, Ignore: DefaultIgnore, Log: log}
}

func (s *Service) dirLock(dir string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = map[string]*sync.RWMutex{}
	}
	l, ok := s.locks[dir]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[dir] = l
	}
	return l
}

// lock excludes readers of dir while the clone is updated.
func (s *Service) lock(dir string) func() {
	l := s.dirLock(dir)
	l.Lock()
	return l.Unlock
}

func (s *Service) rlock(dir string) func() {
	l := s.dirLock(dir)
	l.RLock()
	return l.RUnlock
}

func (s *Service) auth() transport.AuthMethod {
	if s.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: s.Token}
}

var rxUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// dirFor maps a URL to a stable directory name.
func (s *Service) dirFor(url string) string {
	sum := sha256.Sum256([]byte(url))
	base := strings.TrimSuffix(filepath.Base(strings.TrimRight(url, "/")), ".git")
	base = rxUnsafe.ReplaceAllString(base, "_")
	return filepath.Join(s.Root, base+"-"+hex.EncodeToString(sum[:])[:12])
}

// CloneOrUpdate clones url on first use and fetches afterwards, leaving the
// working copy at the tip of ref (the remote default branch when empty).
func (s *Service) CloneOrUpdate(ctx context.Context, url, ref string) (domain.Checkout, error) {
	dir := s.dirFor(url)
	defer s.lock(dir)()
	log := s.Log.With().Str("repo", url).Logger()

	repo, err := git.PlainOpen(dir)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		opts := &git.CloneOptions{URL: url, Auth: s.auth()}
		if ref != "" {
			opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		}
		log.Info().Str("dir", dir).Msg("cloning")
		repo, err = git.PlainCloneContext(ctx, dir, false, opts)
		if err != nil {
			_ = os.RemoveAll(dir)
			return domain.Checkout{}, fmt.Errorf("clone %s: %w", url, err)
		}
		return checkoutOf(repo, dir)
	case err != nil:
		return domain.Checkout{}, fmt.Errorf("open %s: %w", dir, err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Auth:       s.auth(),
		Force:      true,
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return domain.Checkout{}, fmt.Errorf("fetch %s: %w", url, err)
	}

	branch := ref
	if branch == "" {
		if branch, err = DefaultBranchOf(repo); err != nil {
			return domain.Checkout{}, err
		}
	}
	hash, err := repo.ResolveRevision(plumbing.Revision("refs/remotes/origin/" + branch))
	if err != nil {
		return domain.Checkout{}, fmt.Errorf("resolve origin/%s: %w", branch, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return domain.Checkout{}, err
	}
	local := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(local, false); err != nil {
		err = wt.Checkout(&git.CheckoutOptions{Branch: local, Hash: *hash, Create: true, Force: true})
		if err != nil {
			return domain.Checkout{}, fmt.Errorf("checkout %s: %w", branch, err)
		}
	} else {
		if err := wt.Checkout(&git.CheckoutOptions{Branch: local, Force: true}); err != nil {
			return domain.Checkout{}, fmt.Errorf("checkout %s: %w", branch, err)
		}
		if err := wt.Reset(&git.ResetOptions{Commit: *hash, Mode: git.HardReset}); err != nil {
			return domain.Checkout{}, fmt.Errorf("reset %s: %w", branch, err)
		}
	}
	log.Debug().Str("branch", branch).Str("head", hash.String()).Msg("updated")
	return checkoutOf(repo, dir)
}

func checkoutOf(repo *git.Repository, dir string) (domain.Checkout, error) {
	head, err := repo.Head()
	if err != nil {
		return domain.Checkout{}, fmt.Errorf("head: %w", err)
	}
	co := domain.Checkout{LocalPath: dir, HeadCommit: head.Hash().String()}
	if head.Name().IsBranch() {
		co.Branch = head.Name().Short()
	}
	return co, nil
}

// DefaultBranchOf returns the branch HEAD points at.
func DefaultBranchOf(repo *git.Repository) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached at %s", head.Hash())
	}
	return head.Name().Short(), nil
}

func (s *Service) DefaultBranch(localPath string) (string, error) {
	repo, err := git.PlainOpen(localPath)
	if err != nil {
		return "", err
	}
	return DefaultBranchOf(repo)
}

func (s *Service) ignored(rel string) bool {
	lower := strings.ToLower(rel)
	for _, g := range s.Ignore {
		if ok, _ := doublestar.Match(g, lower); ok {
			return true
		}
	}
	return false
}

func skipped(rel string) bool {
	dirs := strings.Split(rel, "/")
	for _, d := range dirs[:len(dirs)-1] {
		if SkipDirs[d] {
			return true
		}
	}
	return false
}

// ScanFiles lists analyzable text files of co at its head commit. Paths are
// slash-separated and relative to the repository root.
func (s *Service) ScanFiles(ctx context.Context, co domain.Checkout) ([]domain.FileInfo, error) {
	maxBytes := s.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	defer s.rlock(co.LocalPath)()

	tree, err := s.treeAt(co)
	if err != nil {
		return nil, err
	}
	var out []domain.FileInfo
	err = tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.Mode != filemode.Regular && f.Mode != filemode.Executable {
			return nil
		}
		if skipped(f.Name) || s.ignored(f.Name) {
			return nil
		}
		if f.Size == 0 || f.Size > maxBytes {
			return nil
		}
		if bin, err := f.IsBinary(); err != nil || bin {
			return nil
		}
		out = append(out, domain.FileInfo{Path: f.Name, Size: f.Size, Tokens: int((f.Size + 3) / 4)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s@%s: %w", co.LocalPath, co.HeadCommit, err)
	}
	return out, nil
}

// ReadFile returns relPath as of co's head commit; paths escaping the
// repository root are rejected.
func (s *Service) ReadFile(co domain.Checkout, relPath string) ([]byte, error) {
	clean := path.Clean(relPath)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return nil, fmt.Errorf("path %q escapes the repository", relPath)
	}
	defer s.rlock(co.LocalPath)()

	tree, err := s.treeAt(co)
	if err != nil {
		return nil, err
	}
	f, err := tree.File(clean)
	if err != nil {
		return nil, fmt.Errorf("read %s@%s: %w", clean, co.HeadCommit, err)
	}
	body, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s@%s: %w", clean, co.HeadCommit, err)
	}
	return []byte(body), nil
}

// treeAt opens the tree of co.HeadCommit, or of HEAD when no commit is set.
func (s *Service) treeAt(co domain.Checkout) (*object.Tree, error) {
	repo, err := git.PlainOpen(co.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", co.LocalPath, err)
	}
	sha := co.HeadCommit
	if sha == "" {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("head: %w", err)
		}
		sha = head.Hash().String()
	}
	return treeOf(repo, sha)
}

// Diff lists the paths that changed between two commits, following renames.
func (s *Service) Diff(ctx context.Context, localPath, baseCommit, headCommit string) (domain.DiffResult, error) {
	var out domain.DiffResult
	if baseCommit == headCommit {
		return out, nil
	}
	defer s.rlock(localPath)()
	repo, err := git.PlainOpen(localPath)
	if err != nil {
		return out, err
	}
	baseTree, err := treeOf(repo, baseCommit)
	if err != nil {
		return out, err
	}
	headTree, err := treeOf(repo, headCommit)
	if err != nil {
		return out, err
	}
	changes, err := object.DiffTreeWithOptions(ctx, baseTree, headTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return out, fmt.Errorf("diff %s..%s: %w", baseCommit, headCommit, err)
	}
	for _, c := range changes {
		action, err := c.Action()
		if err != nil {
			return out, err
		}
		switch action {
		case merkletrie.Insert:
			out.Added = append(out.Added, c.To.Name)
		case merkletrie.Delete:
			out.Deleted = append(out.Deleted, c.From.Name)
		case merkletrie.Modify:
			if c.From.Name != c.To.Name {
				out.Renamed = append(out.Renamed, domain.Rename{From: c.From.Name, To: c.To.Name})
			} else {
				out.Modified = append(out.Modified, c.To.Name)
			}
		}
	}
	return out, nil
}

func treeOf(repo *git.Repository, sha string) (*object.Tree, error) {
	c, err := repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", sha, err)
	}
	return c.Tree()
}

var _ domain.SnapshotService = (*Service)(nil)
