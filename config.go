package gcs

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Default endpoints for the Google OAuth2 and Cloud Storage services.
// Overridable in Config so tests can point the client at local servers.
const (
	DefaultTokenURL       = "https://oauth2.googleapis.com/token"
	DefaultAPIEndpoint    = "https://storage.googleapis.com/storage/v1"
	DefaultUploadEndpoint = "https://storage.googleapis.com/upload/storage/v1"
)

// Environment variable names for config overrides.
const (
	EnvBucket         = "GCS_GO_BUCKET"
	EnvClientEmail    = "GCS_GO_CLIENT_EMAIL"
	EnvPrivateKeyFile = "GCS_GO_PRIVATE_KEY_FILE"
	EnvRefreshToken   = "GCS_GO_REFRESH_TOKEN"
)

// Config holds construction-time options for a Client. Exactly one
// credential set must be complete: service-account (ClientEmail +
// PrivateKey or PrivateKeyFile) or delegated (ClientID + ClientSecret +
// RefreshToken). When both are present, service-account mode wins.
type Config struct {
	// Bucket is the storage bucket all operations target. Required.
	Bucket string `toml:"bucket_name"`

	// Service-account credentials. PrivateKey accepts a PEM-encoded RSA
	// key or a service-account JSON blob; PrivateKeyFile is a path read
	// once at construction and used as if PrivateKey were supplied.
	ClientEmail    string `toml:"client_email"`
	PrivateKey     string `toml:"private_key"`
	PrivateKeyFile string `toml:"private_key_file"`

	// Delegated credentials.
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RefreshToken string `toml:"refresh_token"`

	// SessionDir enables on-disk persistence of resumable upload sessions
	// so interrupted uploads can continue. Empty disables persistence.
	SessionDir string `toml:"session_dir"`

	// Endpoint overrides, primarily for tests.
	TokenURL       string `toml:"token_url"`
	APIEndpoint    string `toml:"api_endpoint"`
	UploadEndpoint string `toml:"upload_endpoint"`

	// HTTPClient is used for storage API calls. Token exchanges use their
	// own client with a fixed 10-second timeout. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client `toml:"-"`

	// Logger receives structured logs. Defaults to slog.Default().
	// Token values are never logged.
	Logger *slog.Logger `toml:"-"`
}

// knownConfigKeys are the valid top-level keys in a config file.
var knownConfigKeys = map[string]bool{
	"bucket_name": true, "client_email": true, "private_key": true,
	"private_key_file": true, "client_id": true, "client_secret": true,
	"refresh_token": true, "session_dir": true, "token_url": true,
	"api_endpoint": true, "upload_endpoint": true,
}

// knownConfigKeysList is the sorted slice form for suggestion matching.
var knownConfigKeysList = func() []string {
	keys := make([]string, 0, len(knownConfigKeys))
	for k := range knownConfigKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// LoadConfig reads and parses a TOML config file and applies environment
// overrides. Unknown keys are fatal errors with "did you mean?" suggestions —
// silently ignoring a typo in a credentials file leads to hard-to-debug
// auth failures.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("gcs: parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides applies GCS_GO_* environment variables on top of the
// file-supplied values. Environment wins over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvBucket); v != "" {
		cfg.Bucket = v
	}

	if v := os.Getenv(EnvClientEmail); v != "" {
		cfg.ClientEmail = v
	}

	if v := os.Getenv(EnvPrivateKeyFile); v != "" {
		cfg.PrivateKeyFile = v
	}

	if v := os.Getenv(EnvRefreshToken); v != "" {
		cfg.RefreshToken = v
	}
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with a "did you mean?" suggestion for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		fieldName := strings.SplitN(key.String(), ".", 2)[0]

		suggestion := closestMatch(fieldName, knownConfigKeysList)
		if suggestion != "" {
			errs = append(errs, fmt.Errorf("unknown config key %q — did you mean %q?", fieldName, suggestion))
		} else {
			errs = append(errs, fmt.Errorf("unknown config key %q", fieldName))
		}
	}

	return errors.Join(errs...)
}

// maxSuggestionDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxSuggestionDistance = 3

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxSuggestionDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxSuggestionDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxSuggestionDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using the
// single-row optimization to avoid allocating a full matrix.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 0; i < len(a); i++ {
		curr[0] = i + 1

		for j := 0; j < len(b); j++ {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
