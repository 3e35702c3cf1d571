package git

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/prjdev/prj/internal/models"
)

// Client defines the interface for git operations on arbitrary repos.
// All methods take a path parameter since prj operates on multiple repos.
type Client interface {
	RepoRoot(path string) (string, error)
	CurrentBranch(path string) (string, error)
	LastCommitDate(path string) (time.Time, error)
	IsDirty(path string) (bool, error)
	RemoteURL(path string) (string, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) RepoRoot(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) LastCommitDate(path string) (time.Time, error) {
	out, err := gitCmd(path, "log", "-1", "--format=%aI")
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, out)
}

func (c *RealClient) IsDirty(path string) (bool, error) {
	out, err := gitCmd(path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) RemoteURL(path string) (string, error) {
	out, err := gitCmd(path, "remote", "get-url", "origin")
	if err != nil {
		return "", nil // no remote is not an error
	}
	return out, nil
}

// Remote is a parsed origin URL: which platform hosts it and the owner/repo
// pair the platform APIs address it by.
type Remote struct {
	Platform models.Platform
	Owner    string
	Repo     string
	URL      string
}

// DetectRemote reads the repo's origin URL and parses it. Returns (nil, nil)
// when the repo has no origin remote.
func DetectRemote(c Client, path string) (*Remote, error) {
	remoteURL, err := c.RemoteURL(path)
	if err != nil {
		return nil, err
	}
	if remoteURL == "" {
		return nil, nil
	}
	return ParseRemoteURL(remoteURL)
}

// ParseRemoteURL extracts the platform, owner, and repo from an HTTPS or SSH
// remote URL for a known hosting platform.
func ParseRemoteURL(remoteURL string) (*Remote, error) {
	host, path, err := splitRemote(remoteURL)
	if err != nil {
		return nil, err
	}

	var platform models.Platform
	switch host {
	case "github.com":
		platform = models.PlatformGitHub
	case "gitlab.com":
		platform = models.PlatformGitLab
	default:
		return nil, fmt.Errorf("unsupported remote host: %s", host)
	}

	path = strings.TrimSuffix(path, ".git")
	segments := strings.SplitN(path, "/", 2)
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return nil, fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
	}
	return &Remote{
		Platform: platform,
		Owner:    segments[0],
		Repo:     segments[1],
		URL:      remoteURL,
	}, nil
}

// splitRemote separates an HTTPS or SSH remote URL into host and path.
func splitRemote(remoteURL string) (host, path string, err error) {
	// SSH: git@github.com:owner/repo.git
	if strings.HasPrefix(remoteURL, "git@") {
		rest := strings.TrimPrefix(remoteURL, "git@")
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("cannot parse SSH remote: %s", remoteURL)
		}
		return parts[0], parts[1], nil
	}

	// HTTPS: https://github.com/owner/repo.git
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(remoteURL, scheme) {
			rest := strings.TrimPrefix(remoteURL, scheme)
			parts := strings.SplitN(rest, "/", 2)
			if len(parts) != 2 {
				return "", "", fmt.Errorf("cannot parse remote: %s", remoteURL)
			}
			return parts[0], parts[1], nil
		}
	}

	return "", "", fmt.Errorf("unrecognized remote URL: %s", remoteURL)
}
