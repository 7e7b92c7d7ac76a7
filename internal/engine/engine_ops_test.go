package engine

import (
	"context"
	"crypto/md5" //nolint:gosec // matching the production digest choice
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/njoerd114/yadiskd/internal/index"
	"github.com/njoerd114/yadiskd/internal/model"
	"github.com/njoerd114/yadiskd/internal/notifier"
	"github.com/njoerd114/yadiskd/internal/queue"
	"github.com/njoerd114/yadiskd/internal/reconciler"
	"github.com/njoerd114/yadiskd/internal/remote"
	"github.com/njoerd114/yadiskd/internal/transfer"
)

func md5Hex(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// newOpsTestEngine is newTestEngine plus a handle on the fake remote, needed
// by scenario tests that configure per-path hrefs and move/copy behavior.
func newOpsTestEngine(t *testing.T) (*Engine, *index.Store, string, *mockRemote) {
	t.Helper()
	cacheRoot := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "index.db")

	idx, err := index.Open(dbPath)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	q := queue.New(idx.DB())
	rc := newMockRemote()
	tokens := remote.NewStaticTokenProvider("tok")
	tc := transfer.New(2)
	rec := reconciler.New(rc, idx, q, testLogger(), cacheRoot)
	notify := notifier.New(testLogger())

	cfg := DefaultConfig()
	cfg.CacheRoot = cacheRoot

	e := New(cfg, idx, q, rc, tokens, tc, rec, nil, notify, testLogger())
	return e, idx, cacheRoot, rc
}

// popAndRun claims every ready op and runs it through executeOp, returning
// how many ran.
func popAndRun(t *testing.T, e *Engine, ctx context.Context) int {
	t.Helper()
	ops, err := e.q.PopReady(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("PopReady: %v", err)
	}
	for _, op := range ops {
		e.executeOp(ctx, op)
	}
	return len(ops)
}

func TestExecuteUpload_DivergentEditSplitsIntoKeepBoth(t *testing.T) {
	ctx := context.Background()
	e, idx, cacheRoot, rc := newOpsTestEngine(t)

	baseline := md5Hex([]byte("original content"))
	local := []byte("local edit")
	remoteBytes := []byte("remote edit")
	remoteHash := md5Hex(remoteBytes)
	baseModified := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cachePath, err := cachePathFor(cacheRoot, "/a.txt")
	if err != nil {
		t.Fatalf("cachePathFor: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(cachePath, local, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	item := &model.Item{Path: "/a.txt", ParentPath: "/", Name: "a.txt", Kind: model.KindFile, Modified: baseModified}
	if err := idx.UpsertItem(ctx, item); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}
	if err := idx.SetSyncedBaseline(ctx, "/a.txt", baseline, baseModified); err != nil {
		t.Fatalf("SetSyncedBaseline: %v", err)
	}

	dlSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(remoteBytes)
	}))
	defer dlSrv.Close()
	var uploadedBody []byte
	ulSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploadedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ulSrv.Close()

	rc.resources["/a.txt"] = remote.Resource{Path: "/a.txt", Hash: remoteHash, Modified: time.Now().UTC()}
	rc.downloadHref = map[string]string{"/a.txt": dlSrv.URL}
	rc.uploadHref = map[string]string{}

	if err := e.q.Enqueue(ctx, model.OpUpload, "/a.txt", "", model.PriorityElevated); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n := popAndRun(t, e, ctx); n != 1 {
		t.Fatalf("popAndRun = %d, want 1", n)
	}

	conflicts, err := idx.ListConflicts(ctx)
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
	}
	conflictPath := conflicts[0].RenamedLocal

	st, err := idx.GetState(ctx, "/a.txt")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st == nil || st.State != model.StateCached {
		t.Fatalf("GetState(/a.txt) = %+v, want cached", st)
	}

	gotRemote, err := os.ReadFile(cachePath)
	if err != nil {
		t.Fatalf("reading %q: %v", cachePath, err)
	}
	if string(gotRemote) != string(remoteBytes) {
		t.Errorf("original path bytes = %q, want %q", gotRemote, remoteBytes)
	}

	conflictCachePath, err := cachePathFor(cacheRoot, conflictPath)
	if err != nil {
		t.Fatalf("cachePathFor(conflict): %v", err)
	}
	gotLocal, err := os.ReadFile(conflictCachePath)
	if err != nil {
		t.Fatalf("reading conflict cache file %q: %v", conflictCachePath, err)
	}
	if string(gotLocal) != string(local) {
		t.Errorf("conflict path bytes = %q, want %q", gotLocal, local)
	}

	// The renamed local copy was enqueued for upload.
	ops, err := e.q.PopReady(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("PopReady: %v", err)
	}
	if len(ops) != 1 || ops[0].Kind != model.OpUpload || ops[0].Path != conflictPath {
		t.Fatalf("queued follow-up ops = %+v, want one upload of %q", ops, conflictPath)
	}

	rc.uploadHref[conflictPath] = ulSrv.URL
	e.executeOp(ctx, ops[0])
	if uploadedBody == nil {
		t.Error("conflict copy was never uploaded")
	}
}

func TestExecuteMoveLike_RenamesIndexAndRelocatesCacheFile(t *testing.T) {
	ctx := context.Background()
	e, idx, cacheRoot, rc := newOpsTestEngine(t)

	oldCache, err := cachePathFor(cacheRoot, "/old.txt")
	if err != nil {
		t.Fatalf("cachePathFor: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(oldCache), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(oldCache, []byte("moved bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	item := &model.Item{Path: "/old.txt", ParentPath: "/", Name: "old.txt", Kind: model.KindFile, Modified: time.Now().UTC()}
	if err := idx.UpsertItem(ctx, item); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}

	rc.moveFunc = func(from, to string, _ bool) (remote.MutationResult, error) {
		return remote.MutationResult{Resource: &remote.Resource{Path: to, ParentPath: "/", Name: "new.txt"}}, nil
	}

	payload, err := json.Marshal(model.MovePayload{From: "/old.txt", Path: "/new.txt"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := e.q.Enqueue(ctx, model.OpMove, "/new.txt", string(payload), model.PriorityMove); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n := popAndRun(t, e, ctx); n != 1 {
		t.Fatalf("popAndRun = %d, want 1", n)
	}

	if rc.moveCalls != 1 {
		t.Errorf("moveCalls = %d, want 1", rc.moveCalls)
	}

	oldItem, err := idx.GetItem(ctx, "/old.txt")
	if err != nil {
		t.Fatalf("GetItem(/old.txt): %v", err)
	}
	if oldItem != nil {
		t.Errorf("GetItem(/old.txt) = %+v, want nil after rename", oldItem)
	}
	newItem, err := idx.GetItem(ctx, "/new.txt")
	if err != nil {
		t.Fatalf("GetItem(/new.txt): %v", err)
	}
	if newItem == nil {
		t.Fatal("GetItem(/new.txt) = nil, want renamed item")
	}

	if _, err := os.Stat(oldCache); !os.IsNotExist(err) {
		t.Errorf("cache file still present at old path %q", oldCache)
	}
	newCache, err := cachePathFor(cacheRoot, "/new.txt")
	if err != nil {
		t.Fatalf("cachePathFor: %v", err)
	}
	got, err := os.ReadFile(newCache)
	if err != nil {
		t.Fatalf("reading relocated cache file %q: %v", newCache, err)
	}
	if string(got) != "moved bytes" {
		t.Errorf("relocated cache file content = %q, want %q", got, "moved bytes")
	}
}

func TestExecuteMoveLike_UntrackedSourcePromotesDestinationWithoutRemoteMove(t *testing.T) {
	ctx := context.Background()
	e, idx, cacheRoot, rc := newOpsTestEngine(t)

	newCache, err := cachePathFor(cacheRoot, "/new.txt")
	if err != nil {
		t.Fatalf("cachePathFor: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(newCache), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	body := []byte("already relabeled locally")
	if err := os.WriteFile(newCache, body, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var uploaded []byte
	ulSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploaded, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ulSrv.Close()
	rc.uploadHref = map[string]string{"/new.txt": ulSrv.URL}

	payload, err := json.Marshal(model.MovePayload{From: "/old.txt", Path: "/new.txt"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := e.q.Enqueue(ctx, model.OpMove, "/new.txt", string(payload), model.PriorityMove); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n := popAndRun(t, e, ctx); n != 1 {
		t.Fatalf("popAndRun = %d, want 1", n)
	}

	if rc.moveCalls != 0 {
		t.Errorf("moveCalls = %d, want 0 (no REST round trip expected)", rc.moveCalls)
	}
	if uploaded == nil {
		t.Fatal("destination was never uploaded")
	}

	newItem, err := idx.GetItem(ctx, "/new.txt")
	if err != nil {
		t.Fatalf("GetItem(/new.txt): %v", err)
	}
	if newItem == nil {
		t.Fatal("GetItem(/new.txt) = nil, want a tracked item")
	}

	st, err := idx.GetState(ctx, "/new.txt")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st == nil || st.State != model.StateCached {
		t.Fatalf("GetState(/new.txt) = %+v, want cached", st)
	}
}
