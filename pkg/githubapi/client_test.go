package githubapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe-together/vibebridge/pkg/api"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{Token: "test-token", BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestDefaultBranchAndHead(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/shop", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"default_branch":"main"}`))
	})
	mux.HandleFunc("/repos/acme/shop/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"object":{"sha":"abc123"}}`))
	})
	c := newTestClient(t, mux)

	branch, err := c.DefaultBranch(context.Background(), "acme/shop")
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	sha, err := c.BranchHead(context.Background(), "acme/shop", "main")
	require.NoError(t, err)
	assert.Equal(t, "abc123", sha)
}

func TestBranchHead_MissingBranchFailsHard(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := c.BranchHead(context.Background(), "acme/shop", "gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBranchNotFound)
}

func TestGetBlob_DecodesBase64(t *testing.T) {
	content := "export default function Page() {}\n"
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	// GitHub wraps base64 bodies with newlines.
	wrapped := encoded[:10] + "\n" + encoded[10:]

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"content":%q,"encoding":"base64"}`, wrapped)
	}))

	got, err := c.GetBlob(context.Background(), "acme/shop", "blob1")
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

func TestCommitChanges_FullPlumbingSequence(t *testing.T) {
	var sequence []string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/shop/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		sequence = append(sequence, "head")
		w.Write([]byte(`{"object":{"sha":"head1"}}`))
	})
	mux.HandleFunc("/repos/acme/shop/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		sequence = append(sequence, "blob")
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "base64", body["encoding"])
		w.Write([]byte(`{"sha":"blob1"}`))
	})
	mux.HandleFunc("/repos/acme/shop/git/trees", func(w http.ResponseWriter, r *http.Request) {
		sequence = append(sequence, "tree")
		var body struct {
			BaseTree string      `json:"base_tree"`
			Tree     []TreeEntry `json:"tree"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "head1", body.BaseTree)
		require.Len(t, body.Tree, 2)
		// First change is an edit, second a deletion with an explicit null sha.
		require.NotNil(t, body.Tree[0].SHA)
		assert.Equal(t, "blob1", *body.Tree[0].SHA)
		assert.Nil(t, body.Tree[1].SHA)
		assert.Equal(t, "old/page.tsx", body.Tree[1].Path)
		w.Write([]byte(`{"sha":"tree1"}`))
	})
	mux.HandleFunc("/repos/acme/shop/git/commits", func(w http.ResponseWriter, r *http.Request) {
		sequence = append(sequence, "commit")
		var body struct {
			Message string   `json:"message"`
			Tree    string   `json:"tree"`
			Parents []string `json:"parents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Add checkout page", body.Message)
		assert.Equal(t, "tree1", body.Tree)
		assert.Equal(t, []string{"head1"}, body.Parents)
		w.Write([]byte(`{"sha":"commit1"}`))
	})
	mux.HandleFunc("/repos/acme/shop/git/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		sequence = append(sequence, "ref")
		assert.Equal(t, http.MethodPatch, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "commit1", body["sha"])
		w.Write([]byte(`{}`))
	})
	c := newTestClient(t, mux)

	sha, err := c.CommitChanges(context.Background(), "acme/shop", "main", "Add checkout page", []FileChange{
		{Path: "app/checkout/page.tsx", Content: "export default function Checkout() {}"},
		{Path: "old/page.tsx", Deleted: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "commit1", sha)
	assert.Equal(t, []string{"head", "blob", "tree", "commit", "ref"}, sequence)
}

func TestCommitChanges_EmptyStagingRefused(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no API call expected for an empty commit")
	}))

	_, err := c.CommitChanges(context.Background(), "acme/shop", "main", "msg", nil)
	assert.Error(t, err)
}

func TestCommitChanges_MissingBranchNeverFallsBack(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.NotFound(w, r)
	}))

	_, err := c.CommitChanges(context.Background(), "acme/shop", "gone", "msg", []FileChange{
		{Path: "a.txt", Content: "x"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBranchNotFound)
	// Only the ref lookup happened; no blob or commit writes followed.
	assert.Equal(t, 1, calls)
}

func TestDownloadTree_ToleratesBlobFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/shop/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"object":{"sha":"head1"}}`))
	})
	mux.HandleFunc("/repos/acme/shop/git/trees/head1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tree":[
			{"path":"a.txt","mode":"100644","type":"blob","sha":"good"},
			{"path":"b.txt","mode":"100644","type":"blob","sha":"bad"},
			{"path":"src","mode":"040000","type":"tree","sha":"subtree"}
		],"truncated":false}`))
	})
	mux.HandleFunc("/repos/acme/shop/git/blobs/good", func(w http.ResponseWriter, r *http.Request) {
		encoded := base64.StdEncoding.EncodeToString([]byte("hello"))
		fmt.Fprintf(w, `{"content":%q,"encoding":"base64"}`, encoded)
	})
	mux.HandleFunc("/repos/acme/shop/git/blobs/bad", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusInternalServerError)
	})
	c := newTestClient(t, mux)

	files, skipped, err := c.DownloadTree(context.Background(), "acme/shop", "main")
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, map[string]string{"a.txt": "hello"}, files)
}

func TestDo_UpstreamErrorCarriesBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"API rate limit exceeded"}`, http.StatusForbidden)
	}))

	_, err := c.DefaultBranch(context.Background(), "acme/shop")
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "rate limit")
}
