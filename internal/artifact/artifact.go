// Copyright 2025 James Ross

// Package artifact implements the write-once, content-addressed
// ArtifactSink (component C4): local lake storage, optional gzip, optional
// S3 mirror, and an optional SQL system-of-record row.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/klauspost/compress/gzip"
)

// Ref is the reference handed back to callers after a write.
type Ref struct {
	ArtifactID     string
	LakeURI        string
	ContentSHA256  string
	ByteCount      int64
	MirroredToLake bool
	StoredInSQL    bool
}

// Sink writes artifacts to a local filesystem lake, optionally mirrors them
// to S3, and optionally hands a copy to a SQL recorder (RunLedger.AttachArtifact).
type Sink struct {
	lakeRoot string
	gzip     bool

	s3Bucket   string
	s3Uploader *s3manager.Uploader

	sqlRecorder func(ctx context.Context, ref Ref, runID, artifactType, mime string, inline []byte) error
}

// Option configures a Sink.
type Option func(*Sink)

// WithGzip transparently gzips the stored artifact payload. The hash and
// byte count still describe the uncompressed content.
func WithGzip(enabled bool) Option {
	return func(s *Sink) { s.gzip = enabled }
}

// WithS3Mirror configures an optional S3 mirror of every lake write.
func WithS3Mirror(bucket, region string) Option {
	return func(s *Sink) {
		sess := session.Must(session.NewSession(&aws.Config{Region: aws.String(region)}))
		s.s3Bucket = bucket
		s.s3Uploader = s3manager.NewUploader(sess)
	}
}

// WithSQLRecorder registers a callback invoked after a successful lake
// write to mirror the artifact into the database (the RunLedger's
// AttachArtifact), so the SQL row and the durable blob are never observed
// in an inconsistent state — the callback only runs once the blob write is
// durable.
func WithSQLRecorder(fn func(ctx context.Context, ref Ref, runID, artifactType, mime string, inline []byte) error) Option {
	return func(s *Sink) { s.sqlRecorder = fn }
}

// New constructs a Sink rooted at lakeRoot.
func New(lakeRoot string, opts ...Option) *Sink {
	s := &Sink{lakeRoot: lakeRoot}
	for _, o := range opts {
		o(s)
	}
	return s
}

func extFor(mime string) string {
	switch mime {
	case "application/json":
		return "json"
	case "text/plain":
		return "txt"
	case "text/html":
		return "html"
	default:
		return "bin"
	}
}

// Write computes sha256+byte_count, writes to the date-partitioned lake
// path base/YYYY/MM/DD/run_id/<type>.<ext>, optionally mirrors to S3, and
// optionally hands the result to a SQL recorder. The write is all-or-nothing:
// the lake file is written to a temp path and renamed into place so a
// partial write is never observable, and the SQL mirror only runs after
// the rename succeeds.
func (s *Sink) Write(ctx context.Context, artifactID, runID, artifactType, mime string, content []byte) (Ref, error) {
	sum := sha256.Sum256(content)
	ref := Ref{
		ArtifactID:    artifactID,
		ContentSHA256: hex.EncodeToString(sum[:]),
		ByteCount:     int64(len(content)),
	}

	payload := content
	if s.gzip {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(content); err != nil {
			return Ref{}, fmt.Errorf("gzip artifact: %w", err)
		}
		if err := gw.Close(); err != nil {
			return Ref{}, fmt.Errorf("gzip close: %w", err)
		}
		payload = buf.Bytes()
	}

	now := time.Now().UTC()
	relPath := filepath.Join(
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()),
		runID,
		fmt.Sprintf("%s.%s", artifactType, extFor(mime)),
	)
	absPath := filepath.Join(s.lakeRoot, relPath)

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return Ref{}, fmt.Errorf("create lake dir: %w", err)
	}
	tmp := absPath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return Ref{}, fmt.Errorf("write lake temp file: %w", err)
	}
	if err := os.Rename(tmp, absPath); err != nil {
		return Ref{}, fmt.Errorf("rename lake file into place: %w", err)
	}
	ref.LakeURI = filepath.ToSlash(relPath)
	ref.MirroredToLake = true

	if s.s3Uploader != nil {
		_, err := s.s3Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket: aws.String(s.s3Bucket),
			Key:    aws.String(ref.LakeURI),
			Body:   bytes.NewReader(payload),
		})
		if err != nil {
			return Ref{}, fmt.Errorf("s3 mirror upload: %w", err)
		}
	}

	if s.sqlRecorder != nil {
		ref.StoredInSQL = true
		if err := s.sqlRecorder(ctx, ref, runID, artifactType, mime, content); err != nil {
			return Ref{}, fmt.Errorf("sql artifact record: %w", err)
		}
	}

	return ref, nil
}
