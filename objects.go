package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// defaultContentType is used for uploads when the caller omits one.
const defaultContentType = "application/octet-stream"

// ListObjects returns the metadata of every object in the bucket, optionally
// filtered by a name prefix. Pagination is followed transparently. Object
// names containing path separators are decoded back to literal slashes.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]Object, error) {
	c.logger.Info("listing objects",
		slog.String("bucket", c.bucket),
		slog.String("prefix", prefix),
	)

	var objects []Object

	pageToken := ""

	for {
		query := url.Values{}
		if prefix != "" {
			query.Set("prefix", prefix)
		}

		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}

		page, next, err := c.listPage(ctx, query)
		if err != nil {
			return nil, err
		}

		objects = append(objects, page...)

		if next == "" {
			break
		}

		pageToken = next
	}

	c.logger.Info("listed objects",
		slog.String("bucket", c.bucket),
		slog.Int("count", len(objects)),
	)

	return objects, nil
}

// listPage fetches a single listing page and returns the objects and the
// next page token (empty if no more pages).
func (c *Client) listPage(ctx context.Context, query url.Values) ([]Object, string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.listURL(query), "", nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("gcs: reading listing response: %w", err)
	}

	var lr listObjectsResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, "", fmt.Errorf("gcs: decoding listing response: %w", err)
	}

	objects := make([]Object, 0, len(lr.Items))
	for i := range lr.Items {
		objects = append(objects, lr.Items[i].toObject(c.logger))
	}

	return objects, lr.NextPageToken, nil
}

// Upload reads a local file and uploads it in a single request
// (uploadType=media). The object name is destPrefix + the file's basename.
// contentType defaults to application/octet-stream when empty. Single-shot,
// all-or-nothing — no checksums, no resume.
func (c *Client) Upload(ctx context.Context, localPath, contentType, destPrefix string) (*Object, error) {
	f, info, err := openLocalFile(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if contentType == "" {
		contentType = defaultContentType
	}

	objectName := destPrefix + filepath.Base(localPath)

	c.logger.Info("uploading object",
		slog.String("bucket", c.bucket),
		slog.String("name", objectName),
		slog.Int64("size", info.Size()),
	)

	query := url.Values{
		"uploadType": {"media"},
		"name":       {objectName},
	}

	resp, err := c.do(ctx, http.MethodPost, c.uploadURL(query), contentType, f)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gcs: reading upload response: %w", err)
	}

	obj, err := decodeObject(body, c.logger)
	if err != nil {
		return nil, fmt.Errorf("gcs: decoding upload response: %w", err)
	}

	return obj, nil
}

// Download streams an object's content to <destDir>/<objectName>. destDir
// itself must already exist; intermediate directories for nested object
// names are created beneath it. Returns the number of bytes written.
func (c *Client) Download(ctx context.Context, objectName, destDir string) (int64, error) {
	// Object names come from the server; a name containing ".." or an
	// absolute path must never write outside destDir.
	localName := filepath.FromSlash(objectName)
	if !filepath.IsLocal(localName) {
		return 0, fmt.Errorf("%w: object name %q escapes the destination directory", ErrConfig, objectName)
	}

	info, err := os.Stat(destDir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return 0, fmt.Errorf("%w: destination directory %s", ErrNotFound, destDir)
	}

	if err != nil {
		return 0, fmt.Errorf("gcs: checking destination directory: %w", err)
	}

	c.logger.Info("downloading object",
		slog.String("bucket", c.bucket),
		slog.String("name", objectName),
	)

	resp, err := c.do(ctx, http.MethodGet, c.objectURL(objectName, url.Values{"alt": {"media"}}), "", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	destPath := filepath.Join(destDir, localName)
	if mkErr := os.MkdirAll(filepath.Dir(destPath), 0o755); mkErr != nil {
		return 0, fmt.Errorf("gcs: creating destination path: %w", mkErr)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("gcs: creating destination file: %w", err)
	}

	n, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()

	if copyErr != nil {
		return n, fmt.Errorf("gcs: streaming object content: %w", copyErr)
	}

	if closeErr != nil {
		return n, fmt.Errorf("gcs: closing destination file: %w", closeErr)
	}

	c.logger.Debug("download complete",
		slog.String("name", objectName),
		slog.Int64("bytes_written", n),
	)

	return n, nil
}

// Delete removes an object. Irreversible — the bucket is assumed to have no
// soft-delete or versioning.
func (c *Client) Delete(ctx context.Context, objectName string) error {
	if objectName == "" {
		return fmt.Errorf("%w: object name must not be empty", ErrConfig)
	}

	c.logger.Info("deleting object",
		slog.String("bucket", c.bucket),
		slog.String("name", objectName),
	)

	resp, err := c.do(ctx, http.MethodDelete, c.objectURL(objectName, nil), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 204 No Content — drain to reuse the connection.
	if _, copyErr := io.Copy(io.Discard, resp.Body); copyErr != nil {
		return fmt.Errorf("gcs: draining delete response body: %w", copyErr)
	}

	return nil
}

// openLocalFile opens a local file for upload, mapping a missing path to
// ErrNotFound before any HTTP request is issued.
func openLocalFile(localPath string) (*os.File, os.FileInfo, error) {
	info, err := os.Stat(localPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, localPath)
	}

	if err != nil {
		return nil, nil, fmt.Errorf("gcs: inspecting local file: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, nil, fmt.Errorf("gcs: opening local file: %w", err)
	}

	return f, info, nil
}
