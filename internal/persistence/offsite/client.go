// Package offsite copies sealed journal files to an S3-compatible bucket
// (Cloudflare R2, MinIO, AWS S3) using SigV4 signed PUT requests.
package offsite

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	algorithm = "AWS4-HMAC-SHA256"
	service   = "s3"
	amzLayout = "20060102T150405Z"
)

// Settings are read from CF_OFFSITE_* variables. An empty Endpoint disables
// the mirror.
type Settings struct {
	Endpoint  string        `env:"CF_OFFSITE_ENDPOINT"`
	Bucket    string        `env:"CF_OFFSITE_BUCKET"`
	Region    string        `env:"CF_OFFSITE_REGION" envDefault:"auto"`
	AccessKey string        `env:"CF_OFFSITE_ACCESS_KEY_ID"`
	SecretKey string        `env:"CF_OFFSITE_SECRET_ACCESS_KEY"`
	Prefix    string        `env:"CF_OFFSITE_PREFIX" envDefault:"chunkfrontier"`
	Workers   int           `env:"CF_OFFSITE_WORKERS" envDefault:"1"`
	Queue     int           `env:"CF_OFFSITE_QUEUE" envDefault:"256"`
	Timeout   time.Duration `env:"CF_OFFSITE_TIMEOUT" envDefault:"2m"`
}

func SettingsFromEnv() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

func (s Settings) Enabled() bool { return strings.TrimSpace(s.Endpoint) != "" }

var ErrIncomplete = errors.New("offsite: endpoint, bucket and credentials are required")

// Client uploads single objects with path-style addressing.
type Client struct {
	base      *url.URL
	bucket    string
	region    string
	accessKey string
	secretKey string
	http      *http.Client
	now       func() time.Time
}

func NewClient(s Settings) (*Client, error) {
	endpoint := strings.TrimSpace(s.Endpoint)
	if endpoint == "" || strings.TrimSpace(s.Bucket) == "" || s.AccessKey == "" || s.SecretKey == "" {
		return nil, ErrIncomplete
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("offsite endpoint: %w", err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("offsite endpoint: unsupported %q", s.Endpoint)
	}
	region := s.Region
	if region == "" {
		region = "auto"
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		base:      u,
		bucket:    strings.TrimSpace(s.Bucket),
		region:    region,
		accessKey: s.AccessKey,
		secretKey: s.SecretKey,
		http:      &http.Client{Timeout: timeout},
		now:       time.Now,
	}, nil
}

// Upload PUTs the file at localPath under key.
func (c *Client) Upload(ctx context.Context, key, localPath string) error {
	key = cleanKey(key)
	if key == "" {
		return fmt.Errorf("offsite: invalid object key")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("offsite: %s is not a regular file", localPath)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	payload := hex.EncodeToString(h.Sum(nil))
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	target := *c.base
	target.Path = c.base.Path + "/" + c.bucket + "/" + key
	target.RawPath = c.base.EscapedPath() + "/" + url.PathEscape(c.bucket) + "/" + escapeKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), f)
	if err != nil {
		return err
	}
	req.ContentLength = st.Size()
	req.Header.Set("Content-Type", "application/zstd")
	c.sign(req, payload, c.now().UTC())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("offsite put %s: status %d: %s", key, resp.StatusCode, strings.TrimSpace(string(msg)))
}

// sign sets the SigV4 headers over host, payload hash and date.
func (c *Client) sign(req *http.Request, payloadHash string, at time.Time) {
	stamp := at.Format(amzLayout)
	day := stamp[:8]
	req.Header.Set("x-amz-date", stamp)
	req.Header.Set("x-amz-content-sha256", payloadHash)

	const signed = "host;x-amz-content-sha256;x-amz-date"
	canonical := strings.Join([]string{
		req.Method,
		req.URL.EscapedPath(),
		req.URL.RawQuery,
		"host:" + req.URL.Host + "\nx-amz-content-sha256:" + payloadHash + "\nx-amz-date:" + stamp + "\n",
		signed,
		payloadHash,
	}, "\n")
	scope := day + "/" + c.region + "/" + service + "/aws4_request"
	sum := sha256.Sum256([]byte(canonical))
	toSign := algorithm + "\n" + stamp + "\n" + scope + "\n" + hex.EncodeToString(sum[:])

	key := []byte("AWS4" + c.secretKey)
	for _, part := range []string{day, c.region, service, "aws4_request"} {
		key = mac(key, part)
	}
	sig := hex.EncodeToString(mac(key, toSign))
	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, c.accessKey, scope, signed, sig))
}

func mac(key []byte, data string) []byte {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(data))
	return m.Sum(nil)
}

// cleanKey normalises separators and rejects keys escaping the bucket root.
func cleanKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." {
		return ""
	}
	return clean
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
