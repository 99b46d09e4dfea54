package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Status is a read-only snapshot of a working tree.
type Status struct {
	Branch       string   `json:"branch,omitempty"`
	ChangedFiles []string `json:"changed_files"`
}

// HasChanges reports whether anything is uncommitted.
func (s Status) HasChanges() bool { return len(s.ChangedFiles) > 0 }

// RepoRoot returns the root directory of the repository containing dir.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return "", fmt.Errorf("not a git repository: %s: %w", dir, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentBranch returns the checked-out branch name of dir.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("getting current branch: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// UncommittedFiles lists paths with staged, unstaged or untracked changes.
func UncommittedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("git status in %s: %s: %w", dir, strings.TrimSpace(string(out)), err)
	}
	return parsePorcelain(string(out)), nil
}

// parsePorcelain extracts paths from `git status --porcelain` v1 output.
// Renames ("R  old -> new") report the new path.
func parsePorcelain(out string) []string {
	files := []string{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if _, after, ok := strings.Cut(path, " -> "); ok {
			path = after
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			files = append(files, path)
		}
	}
	return files
}

// Inspector reads working-tree state for resume detection. It never writes.
type Inspector struct{}

// Inspect returns the branch and uncommitted files of repoPath.
func (Inspector) Inspect(ctx context.Context, repoPath string) (Status, error) {
	root, err := RepoRoot(ctx, repoPath)
	if err != nil {
		return Status{}, err
	}
	files, err := UncommittedFiles(ctx, root)
	if err != nil {
		return Status{}, err
	}
	st := Status{ChangedFiles: files}
	// Detached heads and fresh repos have no branch; the file list still counts.
	if branch, err := CurrentBranch(ctx, root); err == nil {
		st.Branch = branch
	}
	return st, nil
}
