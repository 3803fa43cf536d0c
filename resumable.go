package gcs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/storagekit/gcs-go/internal/sessionstore"
)

// chunkGranularity is the required alignment for resumable chunk sizes
// (256 KiB). All chunks except the final one must be a multiple of it.
const chunkGranularity = 256 * 1024

// statusResumeIncomplete (308) signals that the chunk was accepted and more
// are expected. net/http names 308 PermanentRedirect; the upload protocol
// reuses the code with "Resume Incomplete" semantics.
const statusResumeIncomplete = 308

// UploadResumable uploads a local file in fixed-size chunks using the
// two-phase resumable protocol: an initiation request yields a session URI,
// then each chunk is PUT with a Content-Range header until the final chunk
// returns the finalized object metadata. Both phases obtain their bearer
// token from the shared token manager.
//
// chunkSize must be a positive multiple of 256 KiB. When a session
// directory is configured, an interrupted upload of the same file resumes
// from the server's committed offset instead of starting over.
func (c *Client) UploadResumable(ctx context.Context, objectName, localPath string, chunkSize int64) (*Object, error) {
	if objectName == "" {
		return nil, fmt.Errorf("%w: object name must not be empty", ErrConfig)
	}

	if chunkSize <= 0 || chunkSize%chunkGranularity != 0 {
		return nil, fmt.Errorf("%w: chunk size must be a positive multiple of %d bytes", ErrConfig, chunkGranularity)
	}

	f, info, err := openLocalFile(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	total := info.Size()

	// Session persistence needs a content fingerprint so a locally edited
	// file never resumes a session created for its old content. Skipped
	// when persistence is off to avoid an extra read pass.
	var digest string
	if c.sessions != nil {
		digest, err = fileDigest(f)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Info("starting resumable upload",
		slog.String("bucket", c.bucket),
		slog.String("name", objectName),
		slog.Int64("size", total),
		slog.Int64("chunk_size", chunkSize),
	)

	sessionURI, offset, done, err := c.resumeOrInitSession(ctx, objectName, localPath, total, digest)
	if err != nil {
		return nil, err
	}

	if done != nil {
		c.forgetSession(objectName, localPath)

		return done, nil
	}

	if offset > 0 {
		if _, seekErr := f.Seek(offset, io.SeekStart); seekErr != nil {
			return nil, fmt.Errorf("gcs: seeking to committed offset: %w", seekErr)
		}

		c.logger.Info("resuming upload from committed offset",
			slog.String("name", objectName),
			slog.Int64("offset", offset),
		)
	}

	obj, err := c.uploadChunks(ctx, sessionURI, f, offset, chunkSize, total)
	if err != nil {
		return nil, err
	}

	c.forgetSession(objectName, localPath)

	c.logger.Info("resumable upload complete",
		slog.String("name", objectName),
		slog.Int64("size", total),
	)

	return obj, nil
}

// resumeOrInitSession returns a usable session URI and the offset to resume
// from. A persisted session is probed only when both the file size and the
// content hash still match the record; anything else falls back to a fresh
// initiation. done is non-nil when the server reports the object already
// finalized.
func (c *Client) resumeOrInitSession(
	ctx context.Context, objectName, localPath string, total int64, digest string,
) (sessionURI string, offset int64, done *Object, err error) {
	if c.sessions != nil {
		rec, loadErr := c.sessions.Load(c.bucket, objectName, localPath)
		if loadErr != nil {
			c.logger.Warn("ignoring unreadable session record", slog.String("error", loadErr.Error()))
		} else if rec != nil && rec.FileSize == total && rec.FileHash == digest {
			uri, off, obj, probeErr := c.probeSession(ctx, rec.SessionURI, total)
			if probeErr == nil {
				return uri, off, obj, nil
			}

			c.logger.Warn("persisted session no longer usable, starting fresh",
				slog.String("name", objectName),
				slog.String("error", probeErr.Error()),
			)
		}
	}

	sessionURI, err = c.initSession(ctx, objectName)
	if err != nil {
		return "", 0, nil, err
	}

	if c.sessions != nil {
		rec := &sessionstore.Record{SessionURI: sessionURI, FileSize: total, FileHash: digest}
		if saveErr := c.sessions.Save(c.bucket, objectName, localPath, rec); saveErr != nil {
			c.logger.Warn("failed to persist upload session", slog.String("error", saveErr.Error()))
		}
	}

	return sessionURI, 0, nil, nil
}

// initSession performs the initiation POST and captures the session URI
// from the Location response header.
func (c *Client) initSession(ctx context.Context, objectName string) (string, error) {
	reqBody, err := json.Marshal(resumableInitRequest{Name: objectName})
	if err != nil {
		return "", fmt.Errorf("gcs: marshaling session init request: %w", err)
	}

	query := url.Values{"uploadType": {"resumable"}}

	resp, err := c.do(ctx, http.MethodPost, c.uploadURL(query), "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return "", fmt.Errorf("gcs: draining session init response: %w", drainErr)
	}

	sessionURI := resp.Header.Get("Location")
	if sessionURI == "" {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Body:       "session initiation response missing Location header",
			Err:        ErrInvalidResponse,
		}
	}

	c.logger.Debug("upload session created", slog.String("name", objectName))

	return sessionURI, nil
}

// uploadChunks PUTs the file content to the session URI in fixed-size
// chunks. A 308 response means continue; any other success status carries
// the finalized object metadata.
func (c *Client) uploadChunks(
	ctx context.Context, sessionURI string, f io.Reader, offset, chunkSize, total int64,
) (*Object, error) {
	// A zero-byte file is finalized with a single empty chunk.
	if total == 0 {
		obj, err := c.putChunk(ctx, sessionURI, http.NoBody, 0, 0, 0)
		if err != nil {
			return nil, err
		}

		if obj == nil {
			return nil, fmt.Errorf("gcs: upload session ended without finalized object metadata")
		}

		return obj, nil
	}

	for offset < total {
		length := chunkSize
		if remaining := total - offset; remaining < length {
			length = remaining
		}

		obj, err := c.putChunk(ctx, sessionURI, io.LimitReader(f, length), offset, length, total)
		if err != nil {
			return nil, err
		}

		offset += length

		if obj != nil {
			return obj, nil
		}
	}

	return nil, fmt.Errorf("gcs: upload session ended after %d bytes without finalized object metadata", offset)
}

// putChunk uploads one chunk. Returns (nil, nil) for an intermediate chunk
// (308), the finalized object for a success status, and an error naming the
// byte offset otherwise.
func (c *Client) putChunk(
	ctx context.Context, sessionURI string, chunk io.Reader, offset, length, total int64,
) (*Object, error) {
	c.logger.Debug("uploading chunk",
		slog.Int64("offset", offset),
		slog.Int64("length", length),
		slog.Int64("total", total),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, chunk)
	if err != nil {
		return nil, fmt.Errorf("gcs: creating chunk request: %w", err)
	}

	tok, err := c.tokens.ensureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", defaultContentType)
	req.ContentLength = length

	if length == 0 {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", total))
	} else {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gcs: chunk upload at offset %d failed: %w", offset, err)
	}
	defer resp.Body.Close()

	return c.handleChunkResponse(resp, offset)
}

// handleChunkResponse interprets the status of a chunk PUT.
func (c *Client) handleChunkResponse(resp *http.Response, offset int64) (*Object, error) {
	switch {
	case resp.StatusCode == statusResumeIncomplete:
		// Continue, more chunks expected. Drain to reuse the connection.
		if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
			return nil, fmt.Errorf("gcs: draining chunk response body: %w", drainErr)
		}

		return nil, nil

	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		// Object finalized — the response carries its metadata.
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("gcs: reading final chunk response: %w", readErr)
		}

		obj, decErr := decodeObject(body, c.logger)
		if decErr != nil {
			return nil, fmt.Errorf("gcs: decoding final chunk response: %w", decErr)
		}

		return obj, nil

	default:
		body, _ := io.ReadAll(resp.Body)

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Err:        classifyStatus(resp.StatusCode),
		}

		return nil, fmt.Errorf("gcs: chunk upload failed at offset %d: %w", offset, apiErr)
	}
}

// probeSession queries a session URI for the committed byte range by sending
// an empty PUT with Content-Range "bytes */total". 308 plus a Range header
// gives the resume offset; a success status means the object was already
// finalized in a previous run.
func (c *Client) probeSession(ctx context.Context, sessionURI string, total int64) (string, int64, *Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, http.NoBody)
	if err != nil {
		return "", 0, nil, fmt.Errorf("gcs: creating session probe request: %w", err)
	}

	tok, err := c.tokens.ensureValidToken(ctx)
	if err != nil {
		return "", 0, nil, err
	}

	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", total))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, nil, fmt.Errorf("gcs: session probe failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == statusResumeIncomplete:
		offset, parseErr := parseCommittedRange(resp.Header.Get("Range"))
		if parseErr != nil {
			return "", 0, nil, parseErr
		}

		if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
			return "", 0, nil, fmt.Errorf("gcs: draining session probe response: %w", drainErr)
		}

		return sessionURI, offset, nil, nil

	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return "", 0, nil, fmt.Errorf("gcs: reading session probe response: %w", readErr)
		}

		obj, decErr := decodeObject(body, c.logger)
		if decErr != nil {
			return "", 0, nil, fmt.Errorf("gcs: decoding session probe response: %w", decErr)
		}

		return sessionURI, total, obj, nil

	default:
		body, _ := io.ReadAll(resp.Body)

		return "", 0, nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// parseCommittedRange extracts the resume offset from a Range header of the
// form "bytes=0-N", where N is the last committed byte. An absent header
// means nothing has been committed yet.
func parseCommittedRange(header string) (int64, error) {
	if header == "" {
		return 0, nil
	}

	_, last, ok := strings.Cut(header, "-")
	if !ok {
		return 0, fmt.Errorf("gcs: malformed session Range header %q", header)
	}

	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("gcs: malformed session Range header %q: %w", header, err)
	}

	return n + 1, nil
}

// fileDigest computes the hex sha256 of the file content and rewinds the
// file to the start for the subsequent chunk reads.
func fileDigest(f *os.File) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("gcs: hashing local file: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("gcs: rewinding local file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// forgetSession removes any persisted session record for the given upload.
func (c *Client) forgetSession(objectName, localPath string) {
	if c.sessions == nil {
		return
	}

	if err := c.sessions.Delete(c.bucket, objectName, localPath); err != nil {
		c.logger.Warn("failed to delete session record", slog.String("error", err.Error()))
	}
}
