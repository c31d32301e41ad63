// Package pipeline implements the streaming file pipeline from section 4.2:
// a single download-hash-upload pass over one artifact, bounded to the
// object store's part size rather than the artifact's total size. It plays
// the role coordinator.worker's "stream S3 -> decode -> batch -> write
// DynamoDB" hot path plays in the teacher, but the three in-flight stages
// here are a hash accumulator, a byte counter, and a multipart upload sink
// layered over one io.Reader instead of a line-delimited JSON decoder.
package pipeline

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sorensen/exportjob/job"
	"github.com/sorensen/exportjob/joberrors"
	"github.com/sorensen/exportjob/objectstore"
)

// MaxFileSize is the hard ceiling on a single artifact, per section 4.2.
const MaxFileSize = 5 * 1024 * 1024 * 1024 // 5 GiB

// Input is one download+upload operation, per section 4.2's operation
// signature.
type Input struct {
	DownloadURL       string
	OutputBucket      string
	OutputKey         string
	ExpectedFileSize  *int64
	ExpectedChecksum  string
	ChecksumAlgorithm job.ChecksumAlgorithm
	Metadata          map[string]any
}

// Result is the success shape from section 4.2.
type Result struct {
	UploadedKey string
	Bytes       int64
	DurationMs  int64
}

// Pipeline runs the streaming download/upload operation. It holds no
// per-task state; a single Pipeline is safe to share across every executor
// in the pool.
type Pipeline struct {
	httpClient *http.Client
	store      objectstore.Store
	partSize   int64
}

// New creates a Pipeline. httpClient must be a shared, keep-alive-enabled
// client, per section 5.
func New(httpClient *http.Client, store objectstore.Store, partSize int64) *Pipeline {
	return &Pipeline{httpClient: httpClient, store: store, partSize: partSize}
}

// Run executes the algorithm from section 4.2 steps 1-5. On an error before
// the stream ends the upload is left unfinalised: the object store's
// multipart sink aborts because ctx is the same context the caller will
// cancel, or because the streaming reader itself returns an error that fails
// the upload before the final CompleteMultipartUpload call. The byte-count
// and checksum checks can only run after the upload has completed; when one
// of them fails, the uploaded object is deleted before the error is returned.
func (p *Pipeline) Run(ctx context.Context, in Input) (Result, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.DownloadURL, nil)
	if err != nil {
		return Result{}, joberrors.Wrap(joberrors.KindDownloadFailed, "build download request", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{}, joberrors.Wrap(joberrors.KindDownloadFailed, "download request failed", err).WithRetryable(true)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, joberrors.New(joberrors.KindDownloadFailed,
			fmt.Sprintf("download returned status %d", resp.StatusCode)).WithRetryable(resp.StatusCode >= 500)
	}

	advertised := resp.ContentLength
	if advertised >= 0 {
		if advertised > MaxFileSize {
			return Result{}, joberrors.New(joberrors.KindSizeExceeded,
				fmt.Sprintf("advertised size %d exceeds %d byte ceiling", advertised, int64(MaxFileSize)))
		}
		if in.ExpectedFileSize != nil && advertised != *in.ExpectedFileSize {
			return Result{}, joberrors.New(joberrors.KindSizeMismatch,
				fmt.Sprintf("advertised size %d does not match expected %d", advertised, *in.ExpectedFileSize))
		}
	}

	algo := in.ChecksumAlgorithm
	if algo == "" {
		algo = job.ChecksumSHA256
	}
	h, err := newHash(algo)
	if err != nil {
		return Result{}, joberrors.New(joberrors.KindValidation, err.Error())
	}

	counted := &countingHashReader{src: resp.Body, hash: h, limit: MaxFileSize}

	_, err = p.store.UploadStream(ctx, in.OutputBucket, in.OutputKey, counted, &objectstore.UploadOptions{PartSize: p.partSize})
	if err != nil {
		if counted.limitErr != nil {
			return Result{}, counted.limitErr
		}
		return Result{}, err
	}

	if advertised >= 0 && counted.count != advertised {
		_ = p.store.DeleteFile(ctx, in.OutputBucket, in.OutputKey)
		return Result{}, joberrors.New(joberrors.KindSizeMismatch,
			fmt.Sprintf("transferred %d bytes, advertised %d", counted.count, advertised)).WithRetryable(true)
	}

	if in.ExpectedChecksum != "" {
		sum := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(sum, in.ExpectedChecksum) {
			_ = p.store.DeleteFile(ctx, in.OutputBucket, in.OutputKey)
			return Result{}, joberrors.New(joberrors.KindChecksumMismatch,
				fmt.Sprintf("checksum %s does not match expected %s", sum, in.ExpectedChecksum)).WithRetryable(true)
		}
	}

	return Result{
		UploadedKey: in.OutputKey,
		Bytes:       counted.count,
		DurationMs:  time.Since(start).Milliseconds(),
	}, nil
}

func newHash(algo job.ChecksumAlgorithm) (hash.Hash, error) {
	switch algo {
	case job.ChecksumSHA256:
		return sha256.New(), nil
	case job.ChecksumMD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm: %s", algo)
	}
}

// countingHashReader wires the hash accumulator and byte counter from
// section 4.2 step 3 directly into the read path so the multipart uploader
// never needs its own copy of the bytes. Exceeding limit turns into a
// sticky error returned from Read so the uploader aborts mid-stream instead
// of buffering the whole artifact first.
type countingHashReader struct {
	src      io.Reader
	hash     hash.Hash
	count    int64
	limit    int64
	limitErr error
}

func (r *countingHashReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.hash.Write(p[:n])
		r.count += int64(n)
		if r.count > r.limit {
			r.limitErr = joberrors.New(joberrors.KindSizeExceeded,
				fmt.Sprintf("transferred %d bytes exceeds %d byte ceiling", r.count, r.limit))
			return n, r.limitErr
		}
	}
	return n, err
}
