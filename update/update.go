// Package update checks GitHub releases for a newer baton CLI and installs it.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// DefaultAPI is the GitHub REST endpoint.
const DefaultAPI = "https://api.github.com"

// Release is the newest release with the asset for this platform.
type Release struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// Checker queries one repository's releases.
type Checker struct {
	Current string
	Repo    string // owner/name
	API     string
	GOOS    string
	GOARCH  string
	Client  *http.Client
}

// NewChecker returns a Checker for GoCodeAlone/baton on this platform.
func NewChecker(current string) *Checker {
	return &Checker{
		Current: current,
		Repo:    "GoCodeAlone/baton",
		API:     DefaultAPI,
		GOOS:    runtime.GOOS,
		GOARCH:  runtime.GOARCH,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Latest returns the newest release, or nil when Current already matches it.
// Development builds never report an update.
func (c *Checker) Latest(ctx context.Context) (*Release, error) {
	if c.Current == "dev" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.API, "/")+"/repos/"+c.Repo+"/releases/latest", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "baton/"+c.Current)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github API returned %d", resp.StatusCode)
	}

	var rel githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	if strings.TrimPrefix(rel.TagName, "v") == strings.TrimPrefix(c.Current, "v") {
		return nil, nil
	}

	arch := c.GOARCH
	if arch == "amd64" {
		arch = "x86_64"
	}
	for _, a := range rel.Assets {
		name := strings.ToLower(a.Name)
		if strings.Contains(name, c.GOOS) && strings.Contains(name, arch) {
			return &Release{Version: rel.TagName, URL: a.BrowserDownloadURL}, nil
		}
	}
	return nil, fmt.Errorf("release %s has no asset for %s/%s", rel.TagName, c.GOOS, c.GOARCH)
}

// Install downloads rel over the executable at path. The download lands in
// the same directory first so the final rename never crosses filesystems.
func (c *Checker) Install(ctx context.Context, rel *Release, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".baton-update-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rel.URL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("download release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return fmt.Errorf("write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace binary: %w", err)
	}
	return nil
}
