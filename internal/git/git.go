// Package git fetches study code. Repositories are mirrored into a local
// cache of bare repos which is treated as a bucket of commits: it is always
// safe to re-fetch, but we avoid talking to the remote when the commit is
// already present.
package git

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Error is a git operation failure safe to show to users: remote URLs appear
// without credentials.
type Error struct {
	Op  string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s: %s", e.Op, e.Msg)
}

// FileNotFoundError indicates the requested path does not exist at the
// requested commit.
type FileNotFoundError struct {
	Path string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file %q not found in repository", e.Path)
}

// Client performs git operations against a local cache of bare repositories.
type Client struct {
	// CacheDir holds one bare repo per project name.
	CacheDir string

	// Token authenticates fetches from private repositories. Empty for
	// public-only deployments.
	Token string

	runner Runner
}

// NewClient returns a Client caching repos under cacheDir.
func NewClient(cacheDir, token string) *Client {
	return &Client{CacheDir: cacheDir, Token: token, runner: osRunner{}}
}

// SetRunner replaces the command runner. Intended for tests.
func (c *Client) SetRunner(runner Runner) {
	if runner == nil {
		runner = osRunner{}
	}
	c.runner = runner
}

// ReadFile returns the contents of path in repoURL as of commit. The result
// is bytes, not text: git does not know the file's encoding and neither do
// we.
func (c *Client) ReadFile(ctx context.Context, repoURL, commit, path string) ([]byte, error) {
	repoDir, err := c.ensureCommitFetched(ctx, repoURL, commit)
	if err != nil {
		return nil, err
	}

	out, err := c.runner.Exec(ctx, repoDir, "show", commit+":"+path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") ||
			strings.Contains(err.Error(), "exists on disk, but not in") {
			return nil, &FileNotFoundError{Path: path}
		}
		return nil, &Error{Op: "show", Msg: fmt.Sprintf(
			"failed to read %s@%s:%s", redactURL(repoURL), shortSHA(commit), path)}
	}
	return []byte(out), nil
}

// Checkout materializes the tree of repoURL as of commit into targetDir.
func (c *Client) Checkout(ctx context.Context, repoURL, commit, targetDir string) error {
	repoDir, err := c.ensureCommitFetched(ctx, repoURL, commit)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkout dir: %w", err)
	}

	_, err = c.runner.Exec(ctx, repoDir,
		"--work-tree="+targetDir, "checkout", "--quiet", "--force", commit)
	if err != nil {
		return &Error{Op: "checkout", Msg: fmt.Sprintf(
			"failed to check out %s@%s", redactURL(repoURL), shortSHA(commit))}
	}
	return nil
}

// ResolveRef turns a branch or tag name on the remote into a commit SHA.
func (c *Client) ResolveRef(ctx context.Context, repoURL, ref string) (string, error) {
	out, err := c.runner.Exec(ctx, "",
		"ls-remote", "--quiet", "--exit-code", c.authURL(repoURL), ref)
	if err != nil {
		return "", &Error{Op: "ls-remote", Msg: fmt.Sprintf(
			"failed to resolve %q in %s", ref, redactURL(repoURL))}
	}

	results := parseLsRemote(out)
	switch len(results) {
	case 0:
		return "", &Error{Op: "ls-remote", Msg: fmt.Sprintf(
			"no such ref %q in %s", ref, redactURL(repoURL))}
	case 1:
		for _, sha := range results {
			return sha, nil
		}
	}
	// More than one match happens with local test repos where both the local
	// and remote-tracking branch appear; prefer the exact or heads match.
	for _, target := range []string{ref, "refs/heads/" + ref} {
		if sha, ok := results[target]; ok {
			return sha, nil
		}
	}
	return "", &Error{Op: "ls-remote", Msg: fmt.Sprintf(
		"ambiguous ref %q in %s", ref, redactURL(repoURL))}
}

// ensureCommitFetched makes sure the commit is present in the local cache
// repo for repoURL, fetching it if needed, and returns the cache repo path.
func (c *Client) ensureCommitFetched(ctx context.Context, repoURL, commit string) (string, error) {
	repoDir := c.localRepoDir(repoURL)

	if _, err := os.Stat(filepath.Join(repoDir, "config")); err != nil {
		if _, err := c.runner.Exec(ctx, "", "init", "--bare", "--quiet", repoDir); err != nil {
			return "", &Error{Op: "init", Msg: "failed to create local repo cache"}
		}
	} else if c.commitFetched(ctx, repoDir, commit) {
		return repoDir, nil
	}

	if err := c.fetchCommit(ctx, repoDir, repoURL, commit); err != nil {
		return "", err
	}
	return repoDir, nil
}

func (c *Client) commitFetched(ctx context.Context, repoDir, commit string) bool {
	_, err := c.runner.Exec(ctx, repoDir, "cat-file", "-e", commit+"^{commit}")
	return err == nil
}

// fetchCommit fetches a single commit with retries. Transient fetch failures
// are common enough against busy remotes that one failure should not fail
// the whole job request.
func (c *Client) fetchCommit(ctx context.Context, repoDir, repoURL, commit string) error {
	var lastErr error
	delay := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		_, lastErr = c.runner.Exec(ctx, repoDir,
			"fetch", "--depth", "1", "--force", c.authURL(repoURL), commit)
		if lastErr == nil {
			return nil
		}
	}
	return &Error{Op: "fetch", Msg: fmt.Sprintf(
		"failed to fetch %s from %s", shortSHA(commit), redactURL(repoURL))}
}

// localRepoDir maps a repo URL to its bare cache repo. Project names do not
// have to be unique across organisations; the cache dirs are just buckets of
// commits, so a collision merely shares a bucket.
func (c *Client) localRepoDir(repoURL string) string {
	name := strings.TrimSuffix(filepath.Base(strings.TrimSuffix(repoURL, "/")), ".git")
	return filepath.Join(c.CacheDir, name+".git")
}

// authURL embeds the access token into https URLs so fetches from private
// repos authenticate. Other schemes pass through untouched.
func (c *Client) authURL(repoURL string) string {
	if c.Token == "" {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" {
		return repoURL
	}
	u.User = url.UserPassword(c.Token, "")
	return u.String()
}

// redactURL strips any credentials from a URL before it lands in an error
// message or log line.
func redactURL(repoURL string) string {
	u, err := url.Parse(repoURL)
	if err != nil {
		return repoURL
	}
	u.User = nil
	return u.String()
}

func shortSHA(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

func parseLsRemote(out string) map[string]string {
	results := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			results[fields[1]] = fields[0]
		}
	}
	return results
}
