/*
Copyright The VibeBridge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package githubapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vibe-together/vibebridge/pkg/api"
)

// DefaultBaseURL is the GitHub REST API root.
const DefaultBaseURL = "https://api.github.com"

// ErrBranchNotFound indicates the requested branch has no ref on the remote.
// Commits never fall back to another branch.
var ErrBranchNotFound = errors.New("githubapi: branch not found")

// Client is a minimal GitHub REST v3 client covering the git-data surface
// the commit flow needs. repo arguments are "owner/name".
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// Config configures a Client.
type Config struct {
	// Token is the installation or PAT credential. Required.
	Token string

	// BaseURL overrides the API root, mainly for tests.
	BaseURL string

	// Client overrides the HTTP client. A 30s-timeout default applies.
	Client *http.Client
}

// NewClient creates a GitHub API client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("githubapi: token is required")
	}
	c := &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  cfg.Client,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Second}
	}
	return c, nil
}

// do performs one API call and decodes the response into out when non-nil.
// notFoundErr, when non-nil, replaces the generic error on a 404.
func (c *Client) do(ctx context.Context, method, path string, body, out any, notFoundErr error) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("githubapi: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("githubapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("githubapi: read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound && notFoundErr != nil {
		return fmt.Errorf("%w: %s %s", notFoundErr, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return api.NewUpstreamStatusError(resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("githubapi: unmarshal response: %w", err)
		}
	}
	return nil
}

// DefaultBranch returns the repository's default branch name.
func (c *Client) DefaultBranch(ctx context.Context, repo string) (string, error) {
	var data struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.do(ctx, http.MethodGet, "/repos/"+repo, nil, &data, nil); err != nil {
		return "", err
	}
	if data.DefaultBranch == "" {
		return "", fmt.Errorf("githubapi: repository %s reports no default branch", repo)
	}
	return data.DefaultBranch, nil
}

// BranchHead returns the commit SHA a branch points at. A missing branch is
// ErrBranchNotFound.
func (c *Client) BranchHead(ctx context.Context, repo, branch string) (string, error) {
	var data struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	path := "/repos/" + repo + "/git/ref/heads/" + branch
	if err := c.do(ctx, http.MethodGet, path, nil, &data, ErrBranchNotFound); err != nil {
		return "", err
	}
	return data.Object.SHA, nil
}

// TreeEntry is one node of a git tree.
type TreeEntry struct {
	Path string  `json:"path"`
	Mode string  `json:"mode"`
	Type string  `json:"type"`
	SHA  *string `json:"sha"`
	Size int64   `json:"size,omitempty"`
}

// GetRepoTree returns the full recursive tree for a commit or tree SHA, and
// whether GitHub truncated it.
func (c *Client) GetRepoTree(ctx context.Context, repo, sha string) ([]TreeEntry, bool, error) {
	var data struct {
		Tree      []TreeEntry `json:"tree"`
		Truncated bool        `json:"truncated"`
	}
	path := "/repos/" + repo + "/git/trees/" + sha + "?recursive=1"
	if err := c.do(ctx, http.MethodGet, path, nil, &data, nil); err != nil {
		return nil, false, err
	}
	return data.Tree, data.Truncated, nil
}

// GetBlob fetches and decodes a blob's content.
func (c *Client) GetBlob(ctx context.Context, repo, sha string) ([]byte, error) {
	var data struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := c.do(ctx, http.MethodGet, "/repos/"+repo+"/git/blobs/"+sha, nil, &data, nil); err != nil {
		return nil, err
	}
	if data.Encoding != "base64" {
		return []byte(data.Content), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(stripNewlines(data.Content))
	if err != nil {
		return nil, fmt.Errorf("githubapi: decode blob %s: %w", sha, err)
	}
	return decoded, nil
}

// CreateBlob uploads content as a blob and returns its SHA.
func (c *Client) CreateBlob(ctx context.Context, repo string, content []byte) (string, error) {
	body := map[string]string{
		"content":  base64.StdEncoding.EncodeToString(content),
		"encoding": "base64",
	}
	var data struct {
		SHA string `json:"sha"`
	}
	if err := c.do(ctx, http.MethodPost, "/repos/"+repo+"/git/blobs", body, &data, nil); err != nil {
		return "", err
	}
	return data.SHA, nil
}

// CreateTree creates a tree on top of baseTree. Entries with a nil SHA delete
// the path.
func (c *Client) CreateTree(ctx context.Context, repo, baseTree string, entries []TreeEntry) (string, error) {
	body := map[string]any{
		"base_tree": baseTree,
		"tree":      entries,
	}
	var data struct {
		SHA string `json:"sha"`
	}
	if err := c.do(ctx, http.MethodPost, "/repos/"+repo+"/git/trees", body, &data, nil); err != nil {
		return "", err
	}
	return data.SHA, nil
}

// CreateCommit creates a commit object and returns its SHA.
func (c *Client) CreateCommit(ctx context.Context, repo, message, treeSHA, parentSHA string) (string, error) {
	body := map[string]any{
		"message": message,
		"tree":    treeSHA,
		"parents": []string{parentSHA},
	}
	var data struct {
		SHA string `json:"sha"`
	}
	if err := c.do(ctx, http.MethodPost, "/repos/"+repo+"/git/commits", body, &data, nil); err != nil {
		return "", err
	}
	return data.SHA, nil
}

// UpdateRef fast-forwards a branch to the given commit.
func (c *Client) UpdateRef(ctx context.Context, repo, branch, sha string) error {
	body := map[string]any{"sha": sha}
	path := "/repos/" + repo + "/git/refs/heads/" + branch
	return c.do(ctx, http.MethodPatch, path, body, nil, ErrBranchNotFound)
}

func stripNewlines(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
