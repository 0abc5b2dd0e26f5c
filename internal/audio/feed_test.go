package audio

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestFeedServer_streams_current_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp3")
	content := []byte("mp3 payload bytes")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	lib := NewLibrary([]string{path})
	f := NewFeedServer(lib, 0, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/feed/", nil)
	rec := httptest.NewRecorder()
	f.serveFeed(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("content type = %q", ct)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != string(content) {
		t.Errorf("body = %q, want file content", body)
	}
}

func TestFeedServer_no_current_track(t *testing.T) {
	lib := NewLibrary(nil)
	f := NewFeedServer(lib, 0, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/feed/", nil)
	rec := httptest.NewRecorder()
	f.serveFeed(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestFeedServer_missing_file(t *testing.T) {
	lib := NewLibrary([]string{"/nonexistent/a.mp3"})
	f := NewFeedServer(lib, 0, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/feed/", nil)
	rec := httptest.NewRecorder()
	f.serveFeed(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
