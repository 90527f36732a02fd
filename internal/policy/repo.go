// Package policy keeps the IT policy corpus in a git repository and feeds it
// to the retrieval index.
package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const defaultBranch = "main"

// File is one policy file at a revision.
type File struct {
	Path    string
	Content string
}

// Snapshot is the corpus at HEAD.
type Snapshot struct {
	Revision string
	Files    []File
	At       time.Time
}

// Repo is a local clone (or standalone repository) of the policy corpus.
type Repo struct {
	dir       string
	remoteURL string
	mu        sync.Mutex
}

// NewRepo returns a repo rooted at dir. remoteURL may be empty for a purely
// local corpus.
func NewRepo(dir, remoteURL string) *Repo {
	return &Repo{dir: dir, remoteURL: remoteURL}
}

// Ensure clones the remote, or initialises an empty repository, when dir has
// no repository yet.
func (r *Repo) Ensure(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := git.PlainOpen(r.dir); err == nil {
		return nil
	} else if !errors.Is(err, git.ErrRepositoryNotExists) {
		return fmt.Errorf("open policy repo: %w", err)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create policy repo dir: %w", err)
	}
	if r.remoteURL != "" {
		if _, err := git.PlainCloneContext(ctx, r.dir, false, &git.CloneOptions{URL: r.remoteURL, Depth: 1}); err != nil {
			return fmt.Errorf("clone policy repo: %w", err)
		}
		return nil
	}
	repo, err := git.PlainInit(r.dir, false)
	if err != nil {
		return fmt.Errorf("init policy repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(defaultBranch))); err != nil {
		return fmt.Errorf("set HEAD to %s: %w", defaultBranch, err)
	}
	return nil
}

// Pull fast-forwards from the remote. It is a no-op for local corpora.
func (r *Repo) Pull(ctx context.Context) error {
	if r.remoteURL == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		return fmt.Errorf("open policy repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	err = worktree.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pull policy repo: %w", err)
	}
	return nil
}

// Commit writes files into the worktree and commits them. Used to seed a
// local corpus and in tests.
func (r *Repo) Commit(files []File, author, message string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		return "", fmt.Errorf("open policy repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	for _, f := range files {
		full := filepath.Join(root, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", fmt.Errorf("create dir for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(full, []byte(f.Content), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", f.Path, err)
		}
		if _, err := worktree.Add(f.Path); err != nil {
			return "", fmt.Errorf("git add %s: %w", f.Path, err)
		}
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@policies.helpdesk.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit policies: %w", err)
	}
	return hash.String(), nil
}

// Remove deletes files from the worktree and commits the removal.
func (r *Repo) Remove(paths []string, author, message string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		return "", fmt.Errorf("open policy repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	for _, p := range paths {
		if _, err := worktree.Remove(p); err != nil {
			return "", fmt.Errorf("git rm %s: %w", p, err)
		}
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@policies.helpdesk.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit removal: %w", err)
	}
	return hash.String(), nil
}

// Head reads every policy file in the HEAD commit. An empty repository yields
// an empty snapshot.
func (r *Repo) Head() (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open policy repo: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Snapshot{}, fmt.Errorf("load HEAD commit: %w", err)
	}
	files, err := commitObj.Files()
	if err != nil {
		return Snapshot{}, fmt.Errorf("list HEAD files: %w", err)
	}
	defer files.Close()

	snap := Snapshot{Revision: commitObj.Hash.String()[:7], At: commitObj.Author.When}
	err = files.ForEach(func(f *object.File) error {
		if !isPolicyFile(f.Name) {
			return nil
		}
		reader, err := f.Reader()
		if err != nil {
			return fmt.Errorf("open %s: %w", f.Name, err)
		}
		defer reader.Close()
		raw, err := io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
		snap.Files = append(snap.Files, File{Path: f.Name, Content: string(raw)})
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func isPolicyFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".md" || ext == ".markdown" || ext == ".txt"
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
