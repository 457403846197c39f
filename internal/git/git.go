package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Status summarizes the working tree relative to HEAD.
type Status struct {
	HasChanges bool
	Staged     []string
	Unstaged   []string
	Untracked  []string
}

// Client shells out to the git binary in a fixed working directory.
type Client struct {
	Dir string
	Log *zap.Logger
}

func New(dir string, log *zap.Logger) Client {
	if log == nil {
		log = zap.NewNop()
	}
	return Client{Dir: dir, Log: log}
}

func (c Client) run(ctx context.Context, args ...string) (string, error) {
	c.Log.Debug("git", zap.Strings("args", args), zap.String("dir", c.Dir))
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func (c Client) Status(ctx context.Context) (Status, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(out), nil
}

// ParseStatus reads porcelain v1 output. The first column is the index
// state, the second the working tree state; "??" marks untracked paths.
func ParseStatus(out string) Status {
	var s Status
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		x, y := line[0], line[1]
		path := strings.TrimSpace(line[3:])
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		s.HasChanges = true
		if x == '?' || y == '?' {
			s.Untracked = append(s.Untracked, path)
			continue
		}
		if x != ' ' {
			s.Staged = append(s.Staged, path)
		}
		if y != ' ' {
			s.Unstaged = append(s.Unstaged, path)
		}
	}
	return s
}

func (c Client) StageAll(ctx context.Context) error {
	_, err := c.run(ctx, "add", "-A")
	return err
}

// Commit records staged changes and returns the new commit sha. The author
// override keeps pipeline commits distinguishable from human ones.
func (c Client) Commit(ctx context.Context, message, author string) (string, error) {
	args := []string{"commit", "-m", message}
	if author != "" {
		args = append(args, "--author", author)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return "", err
	}
	sha, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

func (c Client) Push(ctx context.Context) error {
	_, err := c.run(ctx, "push", "origin", "HEAD")
	return err
}

func (c Client) HasRemote(ctx context.Context) bool {
	out, err := c.run(ctx, "remote")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) != ""
}

// ResetToLastCommit discards everything since HEAD, including new files.
func (c Client) ResetToLastCommit(ctx context.Context) error {
	if _, err := c.run(ctx, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := c.run(ctx, "clean", "-fd")
	return err
}

// Diff returns the staged and unstaged delta against HEAD. Callers stage
// first so new files show up here too.
func (c Client) Diff(ctx context.Context) (string, error) {
	return c.run(ctx, "diff", "HEAD")
}

// ShowCommit returns the patch a commit introduced.
func (c Client) ShowCommit(ctx context.Context, sha string) (string, error) {
	return c.run(ctx, "show", "--patch", "--format=short", sha)
}
