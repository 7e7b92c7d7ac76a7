package transfer

import (
	"context"
	"crypto/md5" //nolint:gosec // matching the production digest choice
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/njoerd114/yadiskd/internal/synerr"
)

func md5Hex(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func TestDownload_WritesFileAndVerifiesHash(t *testing.T) {
	body := []byte("the quick brown fox")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := New(2)
	dest := filepath.Join(t.TempDir(), "a.txt")

	res, err := c.Download(context.Background(), srv.URL, dest, md5Hex(body))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Size != int64(len(body)) {
		t.Errorf("Size = %d, want %d", res.Size, len(body))
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("file content = %q, want %q", got, body)
	}
	if _, err := os.Stat(partialPath(dest)); !os.IsNotExist(err) {
		t.Error("partial file should not survive a successful download")
	}
}

func TestDownload_HashMismatchRemovesPartialAndFailsIntegrity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("actual bytes"))
	}))
	defer srv.Close()

	c := New(1)
	dest := filepath.Join(t.TempDir(), "a.txt")

	_, err := c.Download(context.Background(), srv.URL, dest, "0000000000000000000000000000000")
	if synerr.KindOf(err) != synerr.Integrity {
		t.Fatalf("KindOf = %v, want %v", synerr.KindOf(err), synerr.Integrity)
	}
	if _, statErr := os.Stat(partialPath(dest)); !os.IsNotExist(statErr) {
		t.Error("partial file should be removed after a hash mismatch")
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("destination file should not exist after a hash mismatch")
	}
}

func TestDownload_DiscardsStalePartialFromPriorRun(t *testing.T) {
	body := []byte("fresh content")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := New(1)
	dest := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(partialPath(dest), []byte("stale partial bytes from a crash"), 0o644); err != nil {
		t.Fatalf("seeding stale partial: %v", err)
	}

	res, err := c.Download(context.Background(), srv.URL, dest, "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Size != int64(len(body)) {
		t.Errorf("Size = %d, want %d (stale partial should not be resumed)", res.Size, len(body))
	}
}

func TestDownload_NotFoundClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(1)
	_, err := c.Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "a.txt"), "")
	if synerr.KindOf(err) != synerr.NotFound {
		t.Fatalf("KindOf = %v, want %v", synerr.KindOf(err), synerr.NotFound)
	}
}

func TestUpload_StreamsFileAndReturnsHash(t *testing.T) {
	body := []byte("upload payload")
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(src, body, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := New(1)
	res, err := c.Upload(context.Background(), srv.URL, src)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Hash != md5Hex(body) {
		t.Errorf("Hash = %q, want %q", res.Hash, md5Hex(body))
	}
	if string(received) != string(body) {
		t.Errorf("server received %q, want %q", received, body)
	}
}

func TestUpload_TooLargeClassifiedTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := New(1)
	_, err := c.Upload(context.Background(), srv.URL, src)
	if synerr.KindOf(err) != synerr.TooLarge {
		t.Fatalf("KindOf = %v, want %v", synerr.KindOf(err), synerr.TooLarge)
	}
}

func TestPartialPath_AppendsSuffix(t *testing.T) {
	got := partialPath("/cache/a.txt")
	want := "/cache/a.txt.partial"
	if got != want {
		t.Errorf("partialPath = %q, want %q", got, want)
	}
}
