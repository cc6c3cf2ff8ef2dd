// Package s3 implements a backend over an S3-compatible object store.
//
// A mount uri has the form "s3://<bucket>/<prefix>". Folders are described by
// small JSON marker objects stored under "<prefix>/.mapistore/folders/": the
// well-known root lives in "root.json" and every other folder in
// "<id>.json".
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/eteran/mapistore/internal/mapistore"
)

const (
	Name        = "s3"
	Description = "S3 object store"
	Namespace   = "s3://"

	defaultRegion      = "us-east-1"
	defaultCacheSize   = 256
	defaultInitRetries = 3
	defaultInitBackoff = 200 * time.Millisecond

	markerDir      = ".mapistore/folders"
	rootMarkerName = "root.json"
)

// Regex for validating S3 bucket names.
// matches lowercase letters, digits, dots, and hyphens,
// must start and end with a letter or digit, and must be between 3 and 63 characters long.
var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// Each "/"-separated segment of a mount prefix starts with a letter or digit,
// which rules out empty, "." and ".." segments.
var prefixSegmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,254}$`)

// isValidBucketName enforces the S3 bucket naming rules for path-style
// buckets.
func isValidBucketName(name string) bool {

	// Must consist only of lowercase letters, digits, dots, or hyphens,
	// and must start and end with a letter or digit.
	if !bucketNamePattern.MatchString(name) {
		return false
	}

	// Disallow patterns like "..", ".-", "-.".
	if strings.Contains(name, "..") {
		return false
	}

	for i := 1; i < len(name); i++ {
		if (name[i-1] == '.' && name[i] == '-') || (name[i-1] == '-' && name[i] == '.') {
			return false
		}
	}

	// Bucket name must not be formatted as an IPv4 address.
	ip := net.ParseIP(name)
	return ip == nil
}

// isValidPrefix reports whether prefix is a canonical key prefix. The empty
// prefix mounts the bucket root. Anything path.Clean would rewrite is
// rejected so that distinct uris never share markers.
func isValidPrefix(prefix string) bool {
	if prefix == "" {
		return true
	}
	for segment := range strings.SplitSeq(prefix, "/") {
		if !prefixSegmentPattern.MatchString(segment) {
			return false
		}
	}
	return true
}

type Config struct {
	// Endpoint is the host[:port] of the object store.
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool

	Logger    *slog.Logger
	CacheSize int

	// InitRetries bounds how many times Init re-probes the endpoint.
	InitRetries uint64
	InitBackoff time.Duration
}

type ConfigOption func(*Config)

func WithEndpoint(endpoint string, secure bool) ConfigOption {
	return func(cfg *Config) {
		cfg.Endpoint = endpoint
		cfg.Secure = secure
	}
}

func WithCredentials(accessKey string, secretKey string) ConfigOption {
	return func(cfg *Config) {
		cfg.AccessKey = accessKey
		cfg.SecretKey = secretKey
	}
}

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

func WithLogger(logger *slog.Logger) ConfigOption {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

func WithCacheSize(size int) ConfigOption {
	return func(cfg *Config) {
		cfg.CacheSize = size
	}
}

func WithInitRetry(retries uint64, initial time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.InitRetries = retries
		cfg.InitBackoff = initial
	}
}

// folderMarker is the JSON payload of a folder marker object.
type folderMarker struct {
	ID   mapistore.FolderID `json:"id"`
	Name string             `json:"name"`
}

type session struct {
	mount  string
	bucket string
	prefix string
	client *minio.Client
	cache  *lru.Cache[mapistore.FolderID, mapistore.FolderHandle]
}

func (s *session) Close() error {
	s.cache.Purge()
	return nil
}

func (s *session) markerKey(id mapistore.FolderID) string {
	name := rootMarkerName
	if id != mapistore.RootFolderID {
		name = fmt.Sprintf("%012x.json", uint64(id))
	}
	return path.Join(s.prefix, markerDir, name)
}

type Backend struct {
	cfg      Config
	client   atomic.Pointer[minio.Client]
	contexts *mapistore.ContextTable[*session]
}

var _ mapistore.Backend = (*Backend)(nil)

// New creates an S3 backend. No connection is made until Init.
func New(opts ...ConfigOption) *Backend {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = mapistore.DiscardLogger()
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.InitBackoff <= 0 {
		cfg.InitBackoff = defaultInitBackoff
	}
	if cfg.InitRetries == 0 {
		cfg.InitRetries = defaultInitRetries
	}

	return &Backend{
		cfg:      cfg,
		contexts: mapistore.NewContextTable[*session](Name, 0),
	}
}

func (b *Backend) Descriptor() mapistore.Descriptor {
	return mapistore.Descriptor{
		Name:        Name,
		Description: Description,
		Namespace:   Namespace,
	}
}

// Init creates the shared object store client and probes the endpoint,
// retrying transient failures with exponential backoff. The probe lists
// buckets; credentials scoped to a single bucket get AccessDenied, which
// still proves the endpoint is reachable and is accepted.
func (b *Backend) Init(ctx context.Context) error {
	b.cfg.Logger.Info("Initializing S3 backend", "endpoint", b.cfg.Endpoint, "region", b.cfg.Region, "secure", b.cfg.Secure)

	if b.cfg.Endpoint == "" {
		return mapistore.NewInitError(Name, mapistore.MalformedInput, errors.New("endpoint must not be empty"))
	}

	client, err := minio.New(b.cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(b.cfg.AccessKey, b.cfg.SecretKey, ""),
		Secure:       b.cfg.Secure,
		Region:       b.cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return mapistore.NewInitError(Name, mapistore.MalformedInput, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.InitBackoff

	attempt := 0
	probe := func() error {
		attempt++
		_, err := client.ListBuckets(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		switch minio.ToErrorResponse(err).Code {
		case "AccessDenied":
			b.cfg.Logger.Debug("S3 endpoint denied bucket listing", "endpoint", b.cfg.Endpoint)
			return nil
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return backoff.Permanent(err)
		}
		b.cfg.Logger.Warn("S3 endpoint probe failed", "attempt", attempt, "error", err)
		return err
	}

	if err := backoff.Retry(probe, backoff.WithContext(backoff.WithMaxRetries(policy, b.cfg.InitRetries), ctx)); err != nil {
		b.cfg.Logger.Error("Error probing S3 endpoint", "endpoint", b.cfg.Endpoint, "error", err)
		return mapistore.NewInitError(Name, mapistore.ResourceUnavailable, err)
	}

	b.client.Store(client)
	return nil
}

func (b *Backend) CreateContext(ctx context.Context, uri string) (*mapistore.MountContext, error) {
	if err := mapistore.CheckURI(b.Descriptor(), uri); err != nil {
		return nil, err
	}

	client := b.client.Load()
	if client == nil {
		return nil, mapistore.NewContextError(Name, uri, mapistore.NotInitialized, errors.New("S3 client not initialized"))
	}

	bucket, prefix, hasPrefix := strings.Cut(mapistore.MountPath(b.Descriptor(), uri), "/")
	if !isValidBucketName(bucket) {
		return nil, mapistore.NewContextError(Name, uri, mapistore.MalformedInput, fmt.Errorf("invalid bucket name %q", bucket))
	}
	if (hasPrefix && prefix == "") || !isValidPrefix(prefix) {
		return nil, mapistore.NewContextError(Name, uri, mapistore.MalformedInput, fmt.Errorf("invalid mount prefix %q", prefix))
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, mapistore.NewContextError(Name, uri, mapistore.ResourceUnavailable, err)
	}
	if !exists {
		return nil, mapistore.NewContextError(Name, uri, mapistore.ResourceUnavailable, fmt.Errorf("bucket %s does not exist", bucket))
	}

	cache, err := lru.New[mapistore.FolderID, mapistore.FolderHandle](b.cfg.CacheSize)
	if err != nil {
		return nil, mapistore.NewContextError(Name, uri, mapistore.MalformedInput, err)
	}

	mc, err := b.contexts.Issue(uri, &session{
		mount:  uri,
		bucket: bucket,
		prefix: prefix,
		client: client,
		cache:  cache,
	})
	if err != nil {
		return nil, err
	}

	b.cfg.Logger.Debug("Created S3 context", "uri", uri, "bucket", bucket, "prefix", prefix, "context", mc.ID())
	return mc, nil
}

// RootFolder reads the folder marker for id. A missing marker means the
// folder is not resolvable yet.
func (b *Backend) RootFolder(ctx context.Context, mc *mapistore.MountContext, id mapistore.FolderID) (mapistore.FolderHandle, bool, error) {
	s, err := b.contexts.Lookup(mc, id)
	if err != nil {
		return mapistore.FolderHandle{}, false, err
	}
	if !id.Valid() {
		return mapistore.FolderHandle{}, false, mapistore.NewLookupError(Name, id, mapistore.InvalidFolderID, nil)
	}

	if handle, ok := s.cache.Get(id); ok {
		return handle, true, nil
	}

	key := s.markerKey(id)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return mapistore.FolderHandle{}, false, mapistore.NewLookupError(Name, id, mapistore.ResourceUnavailable, err)
	}
	defer obj.Close()

	var marker folderMarker
	if err := json.NewDecoder(obj).Decode(&marker); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return mapistore.FolderHandle{}, false, nil
		}

		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return mapistore.FolderHandle{}, false, mapistore.NewLookupError(Name, id, mapistore.MalformedInput, fmt.Errorf("decode %s: %w", key, err))
		}
		return mapistore.FolderHandle{}, false, mapistore.NewLookupError(Name, id, mapistore.ResourceUnavailable, err)
	}

	if !marker.ID.Valid() || marker.ID == mapistore.RootFolderID || (id != mapistore.RootFolderID && marker.ID != id) {
		return mapistore.FolderHandle{}, false, mapistore.NewLookupError(Name, id, mapistore.MalformedInput, fmt.Errorf("marker %s names folder %s", key, marker.ID))
	}

	handle := mapistore.FolderHandle{Mount: s.mount, ID: marker.ID, Name: marker.Name}
	s.cache.Add(id, handle)
	return handle, true, nil
}

// SetRoot writes the markers that make the folder id the mount's well-known
// root.
func (b *Backend) SetRoot(ctx context.Context, mc *mapistore.MountContext, id mapistore.FolderID, name string) error {
	s, err := b.contexts.Lookup(mc, id)
	if err != nil {
		return err
	}
	if id == mapistore.RootFolderID || !id.Valid() {
		return mapistore.NewLookupError(Name, id, mapistore.InvalidFolderID, errors.New("root folder needs a concrete id"))
	}
	if name == "" {
		return mapistore.NewLookupError(Name, id, mapistore.MalformedInput, errors.New("empty folder name"))
	}

	payload, err := json.Marshal(folderMarker{ID: id, Name: name})
	if err != nil {
		return mapistore.NewLookupError(Name, id, mapistore.MalformedInput, err)
	}

	for _, key := range []string{s.markerKey(id), s.markerKey(mapistore.RootFolderID)} {
		_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
			ContentType:          "application/json",
			DisableContentSha256: true,
		})
		if err != nil {
			b.cfg.Logger.Error("Error writing folder marker", "bucket", s.bucket, "key", key, "error", err)
			return mapistore.NewLookupError(Name, id, mapistore.ResourceUnavailable, err)
		}
	}

	s.cache.Remove(mapistore.RootFolderID)
	s.cache.Remove(id)
	return nil
}

func (b *Backend) ReleaseContext(ctx context.Context, mc *mapistore.MountContext) error {
	return b.contexts.Release(mc)
}
