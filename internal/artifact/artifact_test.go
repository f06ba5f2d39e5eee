// Copyright 2025 James Ross
package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteComputesHashAndLakePath(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ref, err := s.Write(context.Background(), "art1", "run1", "response", "application/json", []byte(`{"a":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, ref.ContentSHA256)
	require.EqualValues(t, len(`{"a":1}`), ref.ByteCount)
	require.True(t, ref.MirroredToLake)

	now := time.Now().UTC()
	want := filepath.Join(
		now.Format("2006"), now.Format("01"), now.Format("02"), "run1", "response.json")
	require.Equal(t, filepath.ToSlash(want), ref.LakeURI)

	data, err := os.ReadFile(filepath.Join(dir, ref.LakeURI))
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(data))
}

func TestWriteWithGzipCompressesPayload(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, WithGzip(true))
	content := []byte(`{"repeat":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`)
	ref, err := s.Write(context.Background(), "art2", "run2", "response", "application/json", content)
	require.NoError(t, err)

	stored, err := os.ReadFile(filepath.Join(dir, ref.LakeURI))
	require.NoError(t, err)
	require.NotEqual(t, content, stored, "stored payload should be gzip-compressed, not raw")
}

func TestWriteInvokesSQLRecorderAfterDurableWrite(t *testing.T) {
	dir := t.TempDir()
	var recorded Ref
	s := New(dir, WithSQLRecorder(func(ctx context.Context, ref Ref, runID, artifactType, mime string, inline []byte) error {
		recorded = ref
		return nil
	}))
	ref, err := s.Write(context.Background(), "art3", "run3", "evidence", "text/plain", []byte("hello"))
	require.NoError(t, err)
	require.True(t, ref.StoredInSQL)
	require.Equal(t, ref.ContentSHA256, recorded.ContentSHA256)
}
