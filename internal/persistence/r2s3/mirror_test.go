package r2s3

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
)

type fakeUploader struct {
	mu       sync.Mutex
	failures int
	keys     []string
}

func (f *fakeUploader) PutFile(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("temporary failure")
	}
	f.keys = append(f.keys, key)
	return nil
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestMirror_UploadsWithPrefixAndRetries(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, "snapshots", "10.snap.zst")
	writeFile(t, snap, "snapshot")
	outside := filepath.Join(t.TempDir(), "elsewhere.txt")
	writeFile(t, outside, "x")

	up := &fakeUploader{failures: 2}
	m := NewMirror(up, dir, "/runs/", MirrorOptions{Backoff: time.Millisecond, Logger: quiet()})
	m.Enqueue(snap)
	m.Enqueue(outside)
	m.Close(context.Background())

	if !slices.Equal(up.keys, []string{"runs/snapshots/10.snap.zst"}) {
		t.Fatalf("keys = %v", up.keys)
	}
	st := m.Stats()
	if st.UploadSuccessTotal != 1 || st.UploadFailTotal != 0 || st.UploadedBytesTotal != 8 || st.EnqueuedTotal != 2 {
		t.Fatalf("stats: %+v", st)
	}

	m.Enqueue(snap)
	if m.Stats().EnqueuedTotal != 2 {
		t.Fatalf("enqueue after close was accepted")
	}
}

func TestMirror_GivesUpAfterAttempts(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "steps", "steps-2026-01-01-00.jsonl.zst")
	writeFile(t, p, "log")

	up := &fakeUploader{failures: 10}
	m := NewMirror(up, dir, "", MirrorOptions{Attempts: 3, Backoff: time.Millisecond, Logger: quiet()})
	m.Enqueue(p)
	m.Close(context.Background())

	if st := m.Stats(); st.UploadFailTotal != 1 || st.UploadSuccessTotal != 0 || st.LastErrorUnix == 0 {
		t.Fatalf("stats: %+v", st)
	}
	if up.failures != 7 {
		t.Fatalf("attempts used = %d", 10-up.failures)
	}
}

func TestClient_PutFile(t *testing.T) {
	type put struct {
		method, path, contentType string
	}
	var (
		mu   sync.Mutex
		puts []put
	)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		puts = append(puts, put{r.Method, r.URL.Path, r.Header.Get("Content-Type")})
		mu.Unlock()
		rw.Header().Set("ETag", `"abc"`)
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	c, err := New(ctx, Config{
		Bucket:          "gridworld",
		Region:          "auto",
		Endpoint:        srv.URL,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p := filepath.Join(t.TempDir(), "5.snap.zst")
	writeFile(t, p, "payload")
	if err := c.PutFile(ctx, "/runs//snapshots/5.snap.zst", p); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(puts) != 1 {
		t.Fatalf("requests = %+v", puts)
	}
	if got := puts[0]; got.method != http.MethodPut || got.path != "/gridworld/runs/snapshots/5.snap.zst" || got.contentType != "application/zstd" {
		t.Fatalf("request = %+v", got)
	}

	if err := c.PutFile(ctx, "/", p); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestNew_RequiresPairedCredentials(t *testing.T) {
	if _, err := New(context.Background(), Config{Bucket: "b", AccessKeyID: "only"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}
