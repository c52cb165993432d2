// Package gitrepo is a git worktree manager: repository validation, commit
// enumeration, tree/blob reads via go-git, and commit materialization into
// an isolated directory via native git worktrees with a safe-archive
// fallback.
package gitrepo

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"ghreplay/internal/apierr"
	"ghreplay/internal/logging"
)

// CommitInfo is one entry in a get_commits result.
type CommitInfo struct {
	Hash        string
	ShortHash   string
	Message     string // first line only
	Author      string
	AuthorEmail string
	DateUTC     string // RFC3339
}

// TreeEntry is one node in a get_file_tree result.
type TreeEntry struct {
	Name     string
	Path     string
	Type     string // "file" or "directory"
	Size     int64
	Children []TreeEntry
}

const shortHashLen = 7

// IsValidRepo opens path and reports whether it is a usable git repository.
// No side effects.
func IsValidRepo(path string) bool {
	_, err := gogit.PlainOpen(path)
	return err == nil
}

// GetCommits returns a newest-first commit list, optionally capped at limit
// (0 = unbounded) and restricted to branch (empty = HEAD).
func GetCommits(path string, limit int, branch string) ([]CommitInfo, error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindBadInput, "opening repository", err)
	}

	ref, err := resolveRef(repo, branch)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNotFound, "resolving ref", err)
	}

	iter, err := repo.Log(&gogit.LogOptions{From: ref})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "walking commit log", err)
	}
	defer iter.Close()

	var out []CommitInfo
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(out) >= limit {
			return storeIterStop
		}
		out = append(out, toCommitInfo(c))
		return nil
	})
	if err != nil && err != storeIterStop {
		return nil, apierr.Wrap(apierr.KindInternal, "walking commit log", err)
	}
	return out, nil
}

var storeIterStop = fmt.Errorf("gitrepo: stop iteration")

func toCommitInfo(c *object.Commit) CommitInfo {
	hash := c.Hash.String()
	msg := c.Message
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	return CommitInfo{
		Hash:        hash,
		ShortHash:   hash[:shortHashLen],
		Message:     msg,
		Author:      c.Author.Name,
		AuthorEmail: c.Author.Email,
		DateUTC:     c.Author.When.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// resolveRef resolves a commit-ish to a hash: ref name if given, else HEAD.
func resolveRef(repo *gogit.Repository, ref string) (plumbing.Hash, error) {
	if ref == "" {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		return head.Hash(), nil
	}
	h, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return *h, nil
}

// GetFileTree walks the tree at commit (falling back to HEAD if commit
// cannot be resolved), returning a nested directory structure ordered
// directories-first then case-insensitive lexicographic by name.
func GetFileTree(path, commit string) ([]TreeEntry, error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindBadInput, "opening repository", err)
	}

	hash, err := resolveRef(repo, commit)
	if err != nil {
		hash, err = resolveRef(repo, "")
		if err != nil {
			return nil, apierr.Wrap(apierr.KindNotFound, "resolving head", err)
		}
	}

	c, err := repo.CommitObject(hash)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNotFound, "resolving commit", err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "reading tree", err)
	}
	return buildTree(tree, "")
}

func buildTree(tree *object.Tree, prefix string) ([]TreeEntry, error) {
	entries := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		fullPath := e.Name
		if prefix != "" {
			fullPath = prefix + "/" + e.Name
		}
		if e.Mode != filemode.Dir {
			var size int64
			if f, err := tree.TreeEntryFile(&e); err == nil {
				size = f.Size
			}
			entries = append(entries, TreeEntry{Name: e.Name, Path: fullPath, Type: "file", Size: size})
			continue
		}
		sub, err := tree.Tree(e.Name)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "reading subtree", err)
		}
		children, err := buildTree(sub, fullPath)
		if err != nil {
			return nil, err
		}
		entries = append(entries, TreeEntry{Name: e.Name, Path: fullPath, Type: "directory", Children: children})
	}
	sortTreeEntries(entries)
	return entries, nil
}

func sortTreeEntries(entries []TreeEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type == "directory"
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}

// GetFileContent reads the blob at file_path under commit, UTF-8 decoded
// with lossy replacement of invalid bytes.
func GetFileContent(path, commit, filePath string) (string, error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return "", apierr.Wrap(apierr.KindBadInput, "opening repository", err)
	}
	hash, err := resolveRef(repo, commit)
	if err != nil {
		hash, err = resolveRef(repo, "")
		if err != nil {
			return "", apierr.Wrap(apierr.KindNotFound, "resolving head", err)
		}
	}
	c, err := repo.CommitObject(hash)
	if err != nil {
		return "", apierr.Wrap(apierr.KindNotFound, "resolving commit", err)
	}
	f, err := c.File(filePath)
	if err != nil {
		return "", apierr.New(apierr.KindNotFound, "file not found at commit")
	}
	reader, err := f.Reader()
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "opening blob reader", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "reading blob", err)
	}
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	return strings.ToValidUTF8(string(raw), "�"), nil
}

// CheckoutToWorktree materializes commit into targetDir: first a native
// `git worktree add --detach`, then (if the directory still doesn't exist)
// a safe-archive extraction of `git archive`. Removes partial output and
// reports internal on total failure.
func CheckoutToWorktree(ctx context.Context, repoPath, commit, targetDir string) error {
	if err := runGit(ctx, repoPath, "worktree", "add", "--detach", targetDir, commit); err == nil {
		return nil
	} else {
		logging.Debugf("gitrepo: worktree add failed for %s@%s: %v", repoPath, commit, err)
	}

	if _, statErr := os.Stat(targetDir); statErr == nil {
		return nil // worktree add partially succeeded; directory exists, accept it
	}

	if err := extractArchive(ctx, repoPath, commit, targetDir); err != nil {
		os.RemoveAll(targetDir)
		return apierr.Wrap(apierr.KindInternal, fmt.Sprintf("checkout %s", commit), fmt.Errorf("worktree and archive fallback both failed: %w", err))
	}
	return nil
}

// extractArchive runs `git archive` and extracts it into targetDir using
// safe-archive semantics (CVE-2007-4559 mitigation): any entry whose name is
// absolute, contains "..", or whose resolved destination escapes targetDir
// is rejected before any file is written.
func extractArchive(ctx context.Context, repoPath, commit, targetDir string) error {
	cmd := exec.CommandContext(ctx, "git", "archive", "--format=tar", commit)
	cmd.Dir = repoPath
	var out bytes.Buffer
	cmd.Stdout = &out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git archive: %w: %s", err, stderr.String())
	}

	tr := tar.NewReader(bytes.NewReader(out.Bytes()))
	type safeEntry struct {
		header *tar.Header
		dest   string
		data   []byte
	}
	var safe []safeEntry

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		dest, ok := safeJoin(targetDir, hdr.Name)
		if !ok {
			return fmt.Errorf("archive member %q escapes target directory, rejected", hdr.Name)
		}
		var data []byte
		if hdr.Typeflag == tar.TypeReg {
			data, err = io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("reading archive member %q: %w", hdr.Name, err)
			}
		}
		safe = append(safe, safeEntry{header: hdr, dest: dest, data: data})
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("creating target dir: %w", err)
	}
	for _, e := range safe {
		switch e.header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(e.dest, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(e.dest), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(e.dest, e.data, os.FileMode(e.header.Mode&0o777)); err != nil {
				return err
			}
		}
	}
	return nil
}

// safeJoin resolves name against base and reports whether the result stays
// within base: absolute names and ".." components are rejected outright,
// then the joined path is compared against the cleaned base.
func safeJoin(base, name string) (string, bool) {
	if filepath.IsAbs(name) {
		return "", false
	}
	if strings.Contains(filepath.ToSlash(name), "..") {
		return "", false
	}
	cleanBase := filepath.Clean(base)
	dest := filepath.Join(cleanBase, name)
	if dest != cleanBase && !strings.HasPrefix(dest, cleanBase+string(filepath.Separator)) {
		return "", false
	}
	return dest, true
}

// RemoveWorktree attempts `git worktree remove --force`; on failure, falls
// back to a recursive delete, ignoring missing children.
func RemoveWorktree(ctx context.Context, repoPath, targetDir string) error {
	if err := runGit(ctx, repoPath, "worktree", "remove", "--force", targetDir); err == nil {
		return nil
	}
	if err := os.RemoveAll(targetDir); err != nil && !os.IsNotExist(err) {
		return apierr.Wrap(apierr.KindInternal, "removing worktree directory", err)
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
