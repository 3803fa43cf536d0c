package gcs

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storagekit/gcs-go/internal/sessionstore"
)

// writeRandomFile creates a file of the given size filled with random bytes
// and returns its path and contents.
func writeRandomFile(t *testing.T, size int64) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path, data
}

// contentDigest mirrors the fingerprint stored in session records.
func contentDigest(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

func TestUploadResumable_ChunkedHappyPath(t *testing.T) {
	const (
		chunkSize = 5 * 1024 * 1024  // 5 MiB, a multiple of 256 KiB
		totalSize = 12 * 1024 * 1024 // three chunks: 5 + 5 + 2
	)

	localPath, data := writeRandomFile(t, totalSize)

	var (
		inits      int
		chunkBodys [][]byte
		wantRanges = []string{
			"bytes 0-5242879/12582912",
			"bytes 5242880-10485759/12582912",
			"bytes 10485760-12582911/12582912",
		}
	)

	var srv *httptest.Server

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			inits++

			assert.Equal(t, "resumable", r.URL.Query().Get("uploadType"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var init resumableInitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&init))
			assert.Equal(t, "big/upload.bin", init.Name)

			w.Header().Set("Location", srv.URL+"/session/abc")

		case r.Method == http.MethodPut:
			i := len(chunkBodys)
			require.Less(t, i, len(wantRanges), "more chunks than expected")
			assert.Equal(t, "/session/abc", r.URL.Path)
			assert.Equal(t, "Bearer T", r.Header.Get("Authorization"))
			assert.Equal(t, wantRanges[i], r.Header.Get("Content-Range"))

			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			chunkBodys = append(chunkBodys, body)

			if i < len(wantRanges)-1 {
				w.WriteHeader(statusResumeIncomplete)
				return
			}

			fmt.Fprintf(w, `{"name":"big/upload.bin","bucket":"test-bucket","size":"%d"}`, totalSize)

		default:
			t.Errorf("unexpected %s request to %s", r.Method, r.URL)
		}
	}))
	defer srv.Close()

	tokenSrv, _ := newTokenServer(t, "T", 3600)

	client, err := New(context.Background(), delegatedConfig(tokenSrv.URL, srv.URL, srv.URL))
	require.NoError(t, err)

	obj, err := client.UploadResumable(context.Background(), "big/upload.bin", localPath, chunkSize)
	require.NoError(t, err)

	assert.Equal(t, "big/upload.bin", obj.Name)
	assert.Equal(t, int64(totalSize), obj.Size)
	assert.Equal(t, 1, inits)

	require.Len(t, chunkBodys, 3)
	assert.Equal(t, data[:chunkSize], chunkBodys[0])
	assert.Equal(t, data[chunkSize:2*chunkSize], chunkBodys[1])
	assert.Equal(t, data[2*chunkSize:], chunkBodys[2])
}

func TestUploadResumable_ZeroByteFile(t *testing.T) {
	localPath := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(localPath, nil, 0o600))

	var srv *httptest.Server

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Location", srv.URL+"/session/empty")
			return
		}

		assert.Equal(t, "bytes */0", r.Header.Get("Content-Range"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Empty(t, body)

		_, _ = w.Write([]byte(`{"name":"empty.bin","size":"0"}`))
	}))
	defer srv.Close()

	tokenSrv, _ := newTokenServer(t, "T", 3600)

	client, err := New(context.Background(), delegatedConfig(tokenSrv.URL, srv.URL, srv.URL))
	require.NoError(t, err)

	obj, err := client.UploadResumable(context.Background(), "empty.bin", localPath, chunkGranularity)
	require.NoError(t, err)
	assert.Zero(t, obj.Size)
}

func TestUploadResumable_InvalidChunkSize(t *testing.T) {
	localPath, _ := writeRandomFile(t, 16)

	tokenSrv, _ := newTokenServer(t, "T", 3600)

	client, err := New(context.Background(), delegatedConfig(tokenSrv.URL, "http://unused", "http://unused"))
	require.NoError(t, err)

	for _, size := range []int64{0, -1, 1000, chunkGranularity + 1} {
		_, err := client.UploadResumable(context.Background(), "o.bin", localPath, size)
		assert.ErrorIs(t, err, ErrConfig, "chunk size %d", size)
	}
}

func TestUploadResumable_EmptyObjectName(t *testing.T) {
	localPath, _ := writeRandomFile(t, 16)

	tokenSrv, _ := newTokenServer(t, "T", 3600)

	client, err := New(context.Background(), delegatedConfig(tokenSrv.URL, "http://unused", "http://unused"))
	require.NoError(t, err)

	_, err = client.UploadResumable(context.Background(), "", localPath, chunkGranularity)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestUploadResumable_MissingLocalFile(t *testing.T) {
	tokenSrv, _ := newTokenServer(t, "T", 3600)

	client, err := New(context.Background(), delegatedConfig(tokenSrv.URL, "http://unused", "http://unused"))
	require.NoError(t, err)

	_, err = client.UploadResumable(context.Background(), "o.bin", filepath.Join(t.TempDir(), "absent.bin"), chunkGranularity)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploadResumable_InitMissingLocation(t *testing.T) {
	localPath, _ := writeRandomFile(t, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`)) // no Location header
	}))
	defer srv.Close()

	tokenSrv, _ := newTokenServer(t, "T", 3600)

	client, err := New(context.Background(), delegatedConfig(tokenSrv.URL, srv.URL, srv.URL))
	require.NoError(t, err)

	_, err = client.UploadResumable(context.Background(), "o.bin", localPath, chunkGranularity)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Body, "missing Location header")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestUploadResumable_ChunkFailureNamesOffset(t *testing.T) {
	const chunkSize = chunkGranularity

	localPath, _ := writeRandomFile(t, 2*chunkSize)

	var srv *httptest.Server

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Location", srv.URL+"/session/fail")
			return
		}

		if strings.HasPrefix(r.Header.Get("Content-Range"), "bytes 0-") {
			w.WriteHeader(statusResumeIncomplete)
			return
		}

		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"backend unavailable"}`))
	}))
	defer srv.Close()

	tokenSrv, _ := newTokenServer(t, "T", 3600)

	client, err := New(context.Background(), delegatedConfig(tokenSrv.URL, srv.URL, srv.URL))
	require.NoError(t, err)

	_, err = client.UploadResumable(context.Background(), "o.bin", localPath, chunkSize)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrServerError)
	assert.Contains(t, err.Error(), fmt.Sprintf("offset %d", chunkSize))
}

func TestUploadResumable_ResumesFromPersistedSession(t *testing.T) {
	const (
		chunkSize = chunkGranularity
		totalSize = 2 * chunkGranularity
	)

	localPath, data := writeRandomFile(t, totalSize)

	var (
		inits   int
		probes  int
		uploads [][]byte
	)

	var srv *httptest.Server

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			inits++
			w.Header().Set("Location", srv.URL+"/session/fresh")

		case strings.HasPrefix(r.Header.Get("Content-Range"), "bytes */"):
			probes++

			// First chunk already committed in a previous run.
			w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", chunkSize-1))
			w.WriteHeader(statusResumeIncomplete)

		default:
			assert.Equal(t, "/session/persisted", r.URL.Path)
			assert.Equal(t, fmt.Sprintf("bytes %d-%d/%d", chunkSize, totalSize-1, totalSize), r.Header.Get("Content-Range"))

			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			uploads = append(uploads, body)

			fmt.Fprintf(w, `{"name":"resume.bin","size":"%d"}`, totalSize)
		}
	}))
	defer srv.Close()

	sessionDir := t.TempDir()
	store := sessionstore.New(sessionDir, slog.Default())

	require.NoError(t, store.Save("test-bucket", "resume.bin", localPath, &sessionstore.Record{
		SessionURI: srv.URL + "/session/persisted",
		FileSize:   totalSize,
		FileHash:   contentDigest(data),
	}))

	tokenSrv, _ := newTokenServer(t, "T", 3600)

	cfg := delegatedConfig(tokenSrv.URL, srv.URL, srv.URL)
	cfg.SessionDir = sessionDir

	client, err := New(context.Background(), cfg)
	require.NoError(t, err)

	obj, err := client.UploadResumable(context.Background(), "resume.bin", localPath, chunkSize)
	require.NoError(t, err)

	assert.Equal(t, "resume.bin", obj.Name)
	assert.Zero(t, inits, "a usable persisted session must not be re-initiated")
	assert.Equal(t, 1, probes)

	require.Len(t, uploads, 1)
	assert.True(t, bytes.Equal(data[chunkSize:], uploads[0]), "only the uncommitted tail should be uploaded")

	// The record is removed once the upload finishes.
	rec, err := store.Load("test-bucket", "resume.bin", localPath)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUploadResumable_SizeMismatchStartsFresh(t *testing.T) {
	const totalSize = chunkGranularity

	localPath, _ := writeRandomFile(t, totalSize)

	var (
		inits  int
		probes int
	)

	var srv *httptest.Server

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			inits++
			w.Header().Set("Location", srv.URL+"/session/fresh")

		case strings.HasPrefix(r.Header.Get("Content-Range"), "bytes */"):
			probes++
			w.WriteHeader(http.StatusNotFound)

		default:
			fmt.Fprintf(w, `{"name":"changed.bin","size":"%d"}`, totalSize)
		}
	}))
	defer srv.Close()

	sessionDir := t.TempDir()
	store := sessionstore.New(sessionDir, slog.Default())

	// Persisted record for a different file size — the local file changed
	// since the session was created.
	require.NoError(t, store.Save("test-bucket", "changed.bin", localPath, &sessionstore.Record{
		SessionURI: srv.URL + "/session/stale",
		FileSize:   totalSize + 512,
	}))

	tokenSrv, _ := newTokenServer(t, "T", 3600)

	cfg := delegatedConfig(tokenSrv.URL, srv.URL, srv.URL)
	cfg.SessionDir = sessionDir

	client, err := New(context.Background(), cfg)
	require.NoError(t, err)

	_, err = client.UploadResumable(context.Background(), "changed.bin", localPath, chunkGranularity)
	require.NoError(t, err)

	assert.Zero(t, probes, "a size-mismatched record must not be probed")
	assert.Equal(t, 1, inits)
}

func TestUploadResumable_SameSizeChangedFileStartsFresh(t *testing.T) {
	const totalSize = chunkGranularity

	localPath, data := writeRandomFile(t, totalSize)

	var (
		inits   int
		probes  int
		uploads [][]byte
	)

	var srv *httptest.Server

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			inits++
			w.Header().Set("Location", srv.URL+"/session/fresh")

		case strings.HasPrefix(r.Header.Get("Content-Range"), "bytes */"):
			probes++
			w.WriteHeader(statusResumeIncomplete)

		default:
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			uploads = append(uploads, body)

			fmt.Fprintf(w, `{"name":"edited.bin","size":"%d"}`, totalSize)
		}
	}))
	defer srv.Close()

	sessionDir := t.TempDir()
	store := sessionstore.New(sessionDir, slog.Default())

	// Record from a previous run of the same file before it was edited:
	// identical size, different content.
	oldContent := make([]byte, totalSize)
	copy(oldContent, data)
	oldContent[0] ^= 0xff

	require.NoError(t, store.Save("test-bucket", "edited.bin", localPath, &sessionstore.Record{
		SessionURI: srv.URL + "/session/stale",
		FileSize:   totalSize,
		FileHash:   contentDigest(oldContent),
	}))

	tokenSrv, _ := newTokenServer(t, "T", 3600)

	cfg := delegatedConfig(tokenSrv.URL, srv.URL, srv.URL)
	cfg.SessionDir = sessionDir

	client, err := New(context.Background(), cfg)
	require.NoError(t, err)

	_, err = client.UploadResumable(context.Background(), "edited.bin", localPath, chunkGranularity)
	require.NoError(t, err)

	assert.Zero(t, probes, "a hash-mismatched record must not be probed")
	assert.Equal(t, 1, inits)

	// The whole current content is uploaded from offset zero.
	require.Len(t, uploads, 1)
	assert.True(t, bytes.Equal(data, uploads[0]))
}

func TestParseCommittedRange(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    int64
		wantErr bool
	}{
		{"absent header means nothing committed", "", 0, false},
		{"single chunk committed", "bytes=0-262143", 262144, false},
		{"multiple chunks committed", "bytes=0-10485759", 10485760, false},
		{"non-numeric last byte", "bytes=0-xyz", 0, true},
		{"no dash", "bytes=garbage", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommittedRange(tt.header)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
