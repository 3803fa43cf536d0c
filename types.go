package gcs

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Object is a normalized view of a storage object's metadata.
type Object struct {
	Name        string
	Bucket      string
	Size        int64
	ContentType string
	Generation  string
	MD5Hash     string
	CRC32C      string
	Updated     time.Time
}

// objectResource mirrors the storage API object JSON exactly. Unexported —
// callers see Object via toObject() normalization. Size arrives as a
// decimal string per the JSON API's uint64 formatting.
type objectResource struct {
	Name        string `json:"name"`
	Bucket      string `json:"bucket"`
	Size        string `json:"size"`
	ContentType string `json:"contentType"`
	Generation  string `json:"generation"`
	MD5Hash     string `json:"md5Hash"`
	CRC32C      string `json:"crc32c"`
	Updated     string `json:"updated"`
}

// listObjectsResponse is the object-listing envelope.
type listObjectsResponse struct {
	Items         []objectResource `json:"items"`
	NextPageToken string           `json:"nextPageToken"`
}

// resumableInitRequest is the JSON body for a resumable upload initiation.
type resumableInitRequest struct {
	Name string `json:"name"`
}

// toObject normalizes an API object resource into our Object type.
func (r *objectResource) toObject(logger *slog.Logger) Object {
	obj := Object{
		Name:        decodeObjectName(r.Name),
		Bucket:      r.Bucket,
		ContentType: r.ContentType,
		Generation:  r.Generation,
		MD5Hash:     r.MD5Hash,
		CRC32C:      r.CRC32C,
	}

	if r.Size != "" {
		size, err := strconv.ParseInt(r.Size, 10, 64)
		if err != nil {
			logger.Warn("invalid object size, using zero",
				slog.String("name", obj.Name),
				slog.String("raw", r.Size),
			)
		} else {
			obj.Size = size
		}
	}

	if r.Updated != "" {
		t, err := time.Parse(time.RFC3339, r.Updated)
		if err != nil {
			logger.Warn("invalid object timestamp, using zero time",
				slog.String("name", obj.Name),
				slog.String("raw", r.Updated),
			)
		} else {
			obj.Updated = t
		}
	}

	return obj
}

// decodeObjectName restores literal path separators in an object name.
// The API's JSON encoder leaves slashes percent-encoded (%2F) and does not
// decode them itself, so this is an explicit post-processing correction
// rather than default JSON decoding.
func decodeObjectName(name string) string {
	name = strings.ReplaceAll(name, "%2F", "/")

	return strings.ReplaceAll(name, "%2f", "/")
}

// decodeObject decodes a single object resource body.
func decodeObject(data []byte, logger *slog.Logger) (*Object, error) {
	var r objectResource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}

	obj := r.toObject(logger)

	return &obj, nil
}
