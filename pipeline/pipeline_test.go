package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sorensen/exportjob/job"
	"github.com/sorensen/exportjob/joberrors"
	"github.com/sorensen/exportjob/objectstore"
)

// fakeStore captures whatever was streamed to it, for assertions, without
// needing a real S3 endpoint.
type fakeStore struct {
	uploaded map[string][]byte
	failErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{uploaded: make(map[string][]byte)}
}

func (s *fakeStore) UploadStream(ctx context.Context, bucket, key string, body io.Reader, opts *objectstore.UploadOptions) (objectstore.UploadResult, error) {
	if s.failErr != nil {
		return objectstore.UploadResult{}, s.failErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return objectstore.UploadResult{}, err
	}
	s.uploaded[bucket+"/"+key] = data
	return objectstore.UploadResult{ETag: "etag"}, nil
}

func (s *fakeStore) UploadBuffer(ctx context.Context, bucket, key string, data []byte, opts *objectstore.UploadOptions) (objectstore.UploadResult, error) {
	return objectstore.UploadResult{}, nil
}
func (s *fakeStore) DownloadStream(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return nil, nil
}
func (s *fakeStore) FileExists(ctx context.Context, bucket, key string) (bool, error) { return false, nil }
func (s *fakeStore) DeleteFile(ctx context.Context, bucket, key string) error         { return nil }
func (s *fakeStore) DeleteFiles(ctx context.Context, bucket string, keys []string) error {
	return nil
}
func (s *fakeStore) GetFileMetadata(ctx context.Context, bucket, key string) (objectstore.Metadata, error) {
	return objectstore.Metadata{}, nil
}
func (s *fakeStore) GetPresignedURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	return "", nil
}

var _ objectstore.Store = (*fakeStore)(nil)

func TestRun_HappyPathVerifiesChecksumAndSize(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog")
	sum := sha256.Sum256(body)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "43")
		_, _ = w.Write(body)
	}))
	defer server.Close()

	store := newFakeStore()
	p := New(server.Client(), store, 0)

	size := int64(43)
	result, err := p.Run(context.Background(), Input{
		DownloadURL:       server.URL,
		OutputBucket:      "bucket",
		OutputKey:         "job-1/0_file.bin",
		ExpectedFileSize:  &size,
		ExpectedChecksum:  hex.EncodeToString(sum[:]),
		ChecksumAlgorithm: job.ChecksumSHA256,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Bytes != int64(len(body)) {
		t.Fatalf("Bytes = %d, want %d", result.Bytes, len(body))
	}
	if result.UploadedKey != "job-1/0_file.bin" {
		t.Fatalf("UploadedKey = %q", result.UploadedKey)
	}
	if !bytes.Equal(store.uploaded["bucket/job-1/0_file.bin"], body) {
		t.Fatal("uploaded body does not match source")
	}
}

func TestRun_NonSuccessStatusClassifiesRetryableByCode(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error retryable", http.StatusInternalServerError, true},
		{"client error not retryable", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			p := New(server.Client(), newFakeStore(), 0)
			_, err := p.Run(context.Background(), Input{DownloadURL: server.URL, OutputBucket: "b", OutputKey: "k"})
			if err == nil {
				t.Fatal("expected error")
			}
			kind, ok := joberrors.KindOf(err)
			if !ok || kind != joberrors.KindDownloadFailed {
				t.Fatalf("kind = %v, want DownloadFailed", kind)
			}
			if joberrors.IsRetryable(err) != tt.retryable {
				t.Fatalf("retryable = %v, want %v", joberrors.IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestRun_AdvertisedSizeOverCeilingFailsBeforeDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "6000000000") // > 5 GiB
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := New(server.Client(), newFakeStore(), 0)
	_, err := p.Run(context.Background(), Input{DownloadURL: server.URL, OutputBucket: "b", OutputKey: "k"})
	kind, ok := joberrors.KindOf(err)
	if !ok || kind != joberrors.KindSizeExceeded {
		t.Fatalf("kind = %v, want SizeExceeded", kind)
	}
}

func TestRun_AdvertisedSizeMismatchWithExpected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer server.Close()

	size := int64(20)
	p := New(server.Client(), newFakeStore(), 0)
	_, err := p.Run(context.Background(), Input{
		DownloadURL:      server.URL,
		OutputBucket:     "b",
		OutputKey:        "k",
		ExpectedFileSize: &size,
	})
	kind, ok := joberrors.KindOf(err)
	if !ok || kind != joberrors.KindSizeMismatch {
		t.Fatalf("kind = %v, want SizeMismatch", kind)
	}
}

func TestRun_ChecksumMismatchIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	p := New(server.Client(), newFakeStore(), 0)
	_, err := p.Run(context.Background(), Input{
		DownloadURL:       server.URL,
		OutputBucket:      "b",
		OutputKey:         "k",
		ExpectedChecksum:  "deadbeef",
		ChecksumAlgorithm: job.ChecksumSHA256,
	})
	kind, ok := joberrors.KindOf(err)
	if !ok || kind != joberrors.KindChecksumMismatch {
		t.Fatalf("kind = %v, want ChecksumMismatch", kind)
	}
	if !joberrors.IsRetryable(err) {
		t.Fatal("ChecksumMismatch must be retryable")
	}
}

func TestRun_CountsBytesWhenContentLengthIsAbsent(t *testing.T) {
	// Chunked responses carry no advertised Content-Length, so the
	// pre-stream size check is skipped entirely; the byte counter wired
	// into the read path is the only thing tracking size in this case.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		chunk := bytes.Repeat([]byte("a"), 1024)
		for i := 0; i < 16; i++ {
			_, _ = w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer server.Close()

	p := New(server.Client(), newFakeStore(), 0)
	result, err := p.Run(context.Background(), Input{DownloadURL: server.URL, OutputBucket: "b", OutputKey: "k"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Bytes != 16*1024 {
		t.Fatalf("Bytes = %d, want %d", result.Bytes, 16*1024)
	}
}
