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
	"context"
	"fmt"

	"k8s.io/klog/v2"
)

// FileChange is one staged edit for a commit. Deleted removes the path;
// otherwise Content replaces it.
type FileChange struct {
	Path    string
	Content string
	Deleted bool
}

const regularFileMode = "100644"

// CommitChanges writes one commit with all staged changes onto branch and
// returns the new commit SHA. The flow is the git-data plumbing sequence:
// blobs, tree on top of the branch head, commit, ref fast-forward. The branch
// must already exist; a missing branch fails hard rather than committing
// somewhere unexpected.
func (c *Client) CommitChanges(ctx context.Context, repo, branch, message string, changes []FileChange) (string, error) {
	if len(changes) == 0 {
		return "", fmt.Errorf("githubapi: nothing to commit")
	}
	if message == "" {
		message = "Update from sandbox session"
	}

	headSHA, err := c.BranchHead(ctx, repo, branch)
	if err != nil {
		return "", err
	}

	entries := make([]TreeEntry, 0, len(changes))
	for _, change := range changes {
		if change.Deleted {
			entries = append(entries, TreeEntry{
				Path: change.Path,
				Mode: regularFileMode,
				Type: "blob",
				SHA:  nil,
			})
			continue
		}

		blobSHA, err := c.CreateBlob(ctx, repo, []byte(change.Content))
		if err != nil {
			return "", fmt.Errorf("githubapi: create blob for %s: %w", change.Path, err)
		}
		sha := blobSHA
		entries = append(entries, TreeEntry{
			Path: change.Path,
			Mode: regularFileMode,
			Type: "blob",
			SHA:  &sha,
		})
	}

	treeSHA, err := c.CreateTree(ctx, repo, headSHA, entries)
	if err != nil {
		return "", fmt.Errorf("githubapi: create tree: %w", err)
	}

	commitSHA, err := c.CreateCommit(ctx, repo, message, treeSHA, headSHA)
	if err != nil {
		return "", fmt.Errorf("githubapi: create commit: %w", err)
	}

	if err := c.UpdateRef(ctx, repo, branch, commitSHA); err != nil {
		return "", fmt.Errorf("githubapi: update ref: %w", err)
	}

	klog.Infof("githubapi: committed %d change(s) to %s@%s as %s", len(changes), repo, branch, commitSHA)
	return commitSHA, nil
}

// DownloadTree fetches every blob reachable from ref's tree and returns path
// to content. Individual blob failures are tolerated: the file is skipped and
// counted, so one bad object does not sink a whole repository snapshot.
func (c *Client) DownloadTree(ctx context.Context, repo, ref string) (map[string]string, int, error) {
	headSHA, err := c.BranchHead(ctx, repo, ref)
	if err != nil {
		return nil, 0, err
	}

	entries, truncated, err := c.GetRepoTree(ctx, repo, headSHA)
	if err != nil {
		return nil, 0, err
	}
	if truncated {
		klog.Warningf("githubapi: tree for %s@%s is truncated", repo, ref)
	}

	files := make(map[string]string)
	skipped := 0
	for _, entry := range entries {
		if entry.Type != "blob" || entry.SHA == nil {
			continue
		}
		content, err := c.GetBlob(ctx, repo, *entry.SHA)
		if err != nil {
			klog.Warningf("githubapi: skipping %s in %s: %v", entry.Path, repo, err)
			skipped++
			continue
		}
		files[entry.Path] = string(content)
	}
	return files, skipped, nil
}
