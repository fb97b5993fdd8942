package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	gh "github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipwright/pkg/plan"
	"shipwright/pkg/tracker"
)

type fakeGitHub struct {
	issues   map[int]map[string]any
	comments map[int][]string
	pulls    map[int]map[string]any
	mu       sync.Mutex
	next     int
}

func newFakeGitHub(t *testing.T) (*Client, *fakeGitHub) {
	t.Helper()
	f := &fakeGitHub{
		issues:   map[int]map[string]any{},
		comments: map[int][]string{},
		pulls:    map[int]map[string]any{},
		next:     1,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/repos/o/r/issues", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		req["number"] = f.next
		f.issues[f.next] = req
		f.next++
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(req)
	})
	mux.HandleFunc("GET /api/v3/repos/o/r/issues/{n}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		n, _ := strconv.Atoi(r.PathValue("n"))
		issue, ok := f.issues[n]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = fmt.Fprint(w, `{"message":"Not Found"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(issue)
	})
	mux.HandleFunc("PATCH /api/v3/repos/o/r/issues/{n}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		n, _ := strconv.Atoi(r.PathValue("n"))
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		for k, v := range req {
			f.issues[n][k] = v
		}
		_ = json.NewEncoder(w).Encode(f.issues[n])
	})
	mux.HandleFunc("POST /api/v3/repos/o/r/issues/{n}/comments", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		n, _ := strconv.Atoi(r.PathValue("n"))
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.comments[n] = append(f.comments[n], req["body"].(string))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(req)
	})
	mux.HandleFunc("POST /api/v3/repos/o/r/pulls", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		n := 100 + len(f.pulls)
		req["number"] = n
		req["html_url"] = fmt.Sprintf("https://github.test/o/r/pull/%d", n)
		f.pulls[n] = req
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(pullResponse(req))
	})
	mux.HandleFunc("PATCH /api/v3/repos/o/r/pulls/{n}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		n, _ := strconv.Atoi(r.PathValue("n"))
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		for k, v := range req {
			f.pulls[n][k] = v
		}
		_ = json.NewEncoder(w).Encode(pullResponse(f.pulls[n]))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := gh.NewClient(nil).WithEnterpriseURLs(server.URL+"/", server.URL+"/")
	require.NoError(t, err)
	return NewWithClient(client, "o", "r"), f
}

// pullResponse renders a stored pull request the way the API returns it:
// head and base are branch objects, not the names the create call sends.
func pullResponse(stored map[string]any) map[string]any {
	out := make(map[string]any, len(stored))
	for k, v := range stored {
		out[k] = v
	}
	for _, key := range []string{"head", "base"} {
		if ref, ok := stored[key].(string); ok {
			out[key] = map[string]any{"ref": ref}
		}
	}
	return out
}

func TestRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	c, f := newFakeGitHub(t)

	id, err := c.CreateRecord(ctx, "Add retries", "Please add retries to the client.")
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	got, err := c.ReadPlan(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got, "fresh issue has no plan")

	p := plan.New()
	p.AddTask("Please add retries", "Add retries", []string{"add backoff", "write tests"})
	_, err = p.CompleteActiveItem("added backoff")
	require.NoError(t, err)

	require.NoError(t, c.WritePlan(ctx, id, p))
	body := f.issues[id]["body"].(string)
	assert.Contains(t, body, "Please add retries to the client.")

	got, err = c.ReadPlan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	// Writing again replaces the block instead of appending another one.
	require.NoError(t, c.WritePlan(ctx, id, got))
	assert.Equal(t, body, f.issues[id]["body"].(string))

	require.NoError(t, c.AppendComment(ctx, id, "follow-up"))
	assert.Equal(t, []string{"follow-up"}, f.comments[id])
}

func TestReadPlanMissingIssue(t *testing.T) {
	c, _ := newFakeGitHub(t)

	_, err := c.ReadPlan(context.Background(), 42)
	require.ErrorIs(t, err, tracker.ErrRecordNotFound)
}

func TestPatchLifecycle(t *testing.T) {
	ctx := context.Background()
	c, f := newFakeGitHub(t)

	patch, err := c.CreatePatch(ctx, tracker.PatchRequest{
		Title:    "WIP: add retries",
		Body:     "draft",
		Head:     "shipwright/add-retries",
		Base:     "main",
		RecordID: 7,
		Draft:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, patch.Number)
	assert.Equal(t, "https://github.test/o/r/pull/100", patch.URL)
	assert.Equal(t, true, f.pulls[100]["draft"])
	assert.Equal(t, "draft\n\nFixes #7", f.pulls[100]["body"])
	assert.Equal(t, "shipwright/add-retries", f.pulls[100]["head"])
	assert.Equal(t, "main", f.pulls[100]["base"])

	patch, err = c.UpdatePatch(ctx, 100, tracker.PatchRequest{Title: "Add retries", Body: "done", RecordID: 7})
	require.NoError(t, err)
	assert.Equal(t, 100, patch.Number)
	assert.Equal(t, "Add retries", f.pulls[100]["title"])
	assert.Equal(t, "done\n\nFixes #7", f.pulls[100]["body"])
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(context.Background(), "o", "r", "", "")
	require.Error(t, err)
}
