package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// ServiceName derives the stable provider service name for a repository and
// user. The same (repoURL, userID) pair always derives the same name, which
// is what lets a repeat visit find and reuse the existing sandbox instead of
// deploying a new one.
func ServiceName(repoURL, userID string) string {
	canonical := canonicalRepo(repoURL)

	sum := sha256.Sum256([]byte(canonical + "\x00" + userID))
	suffix := hex.EncodeToString(sum[:])[:10]

	// Short human-readable repo slug keeps provider dashboards legible.
	slug := canonical
	if i := strings.LastIndex(slug, "/"); i >= 0 {
		slug = slug[i+1:]
	}
	slug = invalidNameChars.ReplaceAllString(strings.ToLower(slug), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 20 {
		slug = slug[:20]
	}
	if slug == "" {
		slug = "project"
	}

	return "vibe-" + slug + "-" + suffix
}

// canonicalRepo normalizes a repository URL so equivalent spellings derive
// the same service name.
func canonicalRepo(repoURL string) string {
	s := strings.TrimSpace(strings.ToLower(repoURL))
	for _, prefix := range []string{"https://", "http://", "git@"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.Replace(s, ":", "/", 1) // git@host:owner/repo form
	s = strings.TrimSuffix(s, ".git")
	s = strings.TrimSuffix(s, "/")
	return s
}
