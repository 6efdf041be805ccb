package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fetchy-dl/fetchy/internal/task"
)

func newTestProber(retries int) *Prober {
	return NewProber(http.DefaultClient, retries, 5*time.Second)
}

func TestProbeBasic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "12345")
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
		w.Header().Set("Content-Disposition", `attachment; filename="report final.pdf"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	info, err := newTestProber(0).Probe(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.TotalSize != 12345 {
		t.Errorf("TotalSize = %d, want 12345", info.TotalSize)
	}
	if !info.AcceptsRanges {
		t.Error("AcceptsRanges = false, want true")
	}
	if info.Validator.ETag != `"abc123"` {
		t.Errorf("ETag = %q", info.Validator.ETag)
	}
	if info.Validator.LastModified != "Wed, 21 Oct 2015 07:28:00 GMT" {
		t.Errorf("LastModified = %q", info.Validator.LastModified)
	}
	if info.Validator.ContentLength != 12345 {
		t.Errorf("Validator.ContentLength = %d, want 12345", info.Validator.ContentLength)
	}
	if info.SuggestedFilename != "report final.pdf" {
		t.Errorf("SuggestedFilename = %q, want %q", info.SuggestedFilename, "report final.pdf")
	}
	if info.ContentType != "application/octet-stream" {
		t.Errorf("ContentType = %q", info.ContentType)
	}
}

func TestProbeGetFallback(t *testing.T) {
	var gets atomic.Int32
	content := []byte("fallback body with a real length")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// No Content-Length on HEAD; some servers behave this way.
			w.WriteHeader(http.StatusOK)
			return
		}
		gets.Add(1)
		w.Header().Set("Content-Length", "32")
		w.Write(content)
	}))
	defer server.Close()

	info, err := newTestProber(0).Probe(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if gets.Load() == 0 {
		t.Fatal("expected a GET fallback after a length-less HEAD")
	}
	if info.TotalSize != 32 {
		t.Errorf("TotalSize = %d, want 32", info.TotalSize)
	}
}

func TestProbeFilenameRFC5987(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.Header().Set("Content-Disposition", `attachment; filename*=UTF-8''na%C3%AFve%20file.bin`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	info, err := newTestProber(0).Probe(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.SuggestedFilename != "na_ve file.bin" {
		t.Errorf("SuggestedFilename = %q, want %q", info.SuggestedFilename, "na_ve file.bin")
	}
}

func TestProbeFilenameFromURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	info, err := newTestProber(0).Probe(context.Background(), server.URL+"/files/archive%20v2.tar.gz")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.SuggestedFilename != "archive v2.tar.gz" {
		t.Errorf("SuggestedFilename = %q, want %q", info.SuggestedFilename, "archive v2.tar.gz")
	}
}

func TestProbeNotFoundDoesNotRetry(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestProber(3).Probe(context.Background(), server.URL)
	var remote *task.RemoteError
	if !errors.As(err, &remote) || remote.Status != http.StatusNotFound {
		t.Fatalf("expected 404 RemoteError, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("404 was attempted %d times, want 1", hits.Load())
	}
}

func TestProbeRetriesServerError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	info, err := newTestProber(2).Probe(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.TotalSize != 100 {
		t.Errorf("TotalSize = %d, want 100", info.TotalSize)
	}
	if hits.Load() != 2 {
		t.Errorf("probe hit the server %d times, want 2", hits.Load())
	}
}

func TestProbeNoRangeSupport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "none")
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	info, err := newTestProber(0).Probe(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.AcceptsRanges {
		t.Error("AcceptsRanges = true for Accept-Ranges: none")
	}
}
