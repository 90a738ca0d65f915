package runstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

// Environment variables read by Open for s3:// locations.
const (
	EnvS3Endpoint = "BRINGUP_S3_ENDPOINT"
	EnvS3Region   = "BRINGUP_S3_REGION"
	EnvS3Insecure = "BRINGUP_S3_INSECURE"
)

const defaultS3Endpoint = "s3.amazonaws.com"

// ObjectConfig configures an ObjectStore.
type ObjectConfig struct {
	Endpoint string
	Region   string
	Bucket   string
	// Prefix is prepended to every key, without a trailing slash.
	Prefix   string
	Insecure bool
	// Creds defaults to the AWS and MinIO environment variables, then the
	// shared AWS credentials file.
	Creds *credentials.Credentials
}

// Validate checks that the config names a bucket and an endpoint.
func (c ObjectConfig) Validate() error {
	if c.Bucket == "" {
		return errors.New("object store bucket is required")
	}
	if c.Endpoint == "" {
		return errors.New("object store endpoint is required")
	}
	return nil
}

// ObjectStore implements run.Store in an S3-compatible bucket:
//
//	<prefix>/runs/<id>.json
//	<prefix>/runs/<id>/output/<step>.<attempt>.log
//
// Locking is per process; two hosts driving the same run is unsupported.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
	locks  sync.Map // run id → *sync.Mutex
}

// NewObjectStore connects to the bucket described by cfg.
func NewObjectStore(cfg ObjectConfig) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	creds := cfg.Creds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
		})
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Check fails when the bucket does not exist or cannot be reached.
func (s *ObjectStore) Check(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

// Create persists a new run and fails if its ID is already taken.
func (s *ObjectStore) Create(ctx context.Context, r *run.Run) error {
	if !validID(r.ID) {
		return fmt.Errorf("%w: invalid run id %q", ErrSaveFailed, r.ID)
	}
	mu := s.lock(r.ID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.client.StatObject(ctx, s.bucket, s.runKey(r.ID), minio.StatObjectOptions{})
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", run.ErrRunExists, r.ID)
	case !notFound(err):
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	return s.write(ctx, r)
}

// Load reads a run by ID.
func (s *ObjectStore) Load(ctx context.Context, id string) (*run.Run, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", run.ErrRunNotFound, id)
	}
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	return s.read(ctx, id)
}

// Save replaces the stored document. A single PUT replaces the object
// atomically.
func (s *ObjectStore) Save(ctx context.Context, r *run.Run) error {
	if !validID(r.ID) {
		return fmt.Errorf("%w: invalid run id %q", ErrSaveFailed, r.ID)
	}
	mu := s.lock(r.ID)
	mu.Lock()
	defer mu.Unlock()

	return s.write(ctx, r)
}

// List returns every stored run, newest first.
func (s *ObjectStore) List(ctx context.Context) ([]*run.Run, error) {
	prefix := s.key("runs") + "/"
	var runs []*run.Run
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		mu := s.lock(id)
		mu.Lock()
		r, err := s.read(ctx, id)
		mu.Unlock()
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	newestFirst(runs)
	return runs, nil
}

// FindByName returns the newest run for a target name.
func (s *ObjectStore) FindByName(ctx context.Context, name string) (*run.Run, error) {
	runs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return latest(runs, name)
}

// WriteOutput stores captured output for one attempt.
func (s *ObjectStore) WriteOutput(ctx context.Context, runID string, id step.ID, attempt int, data []byte) (string, error) {
	if !validID(runID) {
		return "", fmt.Errorf("%w: invalid run id %q", ErrSaveFailed, runID)
	}
	ref := outputRef(runID, id, attempt)
	_, err := s.client.PutObject(ctx, s.bucket, s.key("runs", ref), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return "", fmt.Errorf("failed to write output: %w", err)
	}
	return ref, nil
}

// ReadOutput reads output stored by WriteOutput.
func (s *ObjectStore) ReadOutput(ctx context.Context, ref string) ([]byte, error) {
	clean := path.Clean(ref)
	if path.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("invalid output reference %q", ref)
	}
	data, err := s.get(ctx, s.key("runs", clean))
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	return data, nil
}

func (s *ObjectStore) write(ctx context.Context, r *run.Run) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.runKey(r.ID), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	return nil
}

func (s *ObjectStore) read(ctx context.Context, id string) (*run.Run, error) {
	data, err := s.get(ctx, s.runKey(id))
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%w: %s", run.ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	return decode(data)
}

// get reads a whole object. GetObject is lazy, so a missing key surfaces
// on the first read.
func (s *ObjectStore) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = obj.Close() }()
	return io.ReadAll(obj)
}

func (s *ObjectStore) lock(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *ObjectStore) runKey(id string) string {
	return s.key("runs", id+".json")
}

func (s *ObjectStore) key(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

func notFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Open returns the store for a state location. s3://bucket/prefix selects
// an ObjectStore configured from the environment; anything else is a
// FileStore directory.
func Open(location string) (run.Store, error) {
	cfg, ok, err := ParseObjectLocation(location)
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewFileStore(location), nil
	}
	return NewObjectStore(cfg)
}

// ParseObjectLocation parses an s3:// location, filling endpoint, region
// and TLS from the environment. ok is false for other locations.
func ParseObjectLocation(location string) (cfg ObjectConfig, ok bool, err error) {
	rest, found := strings.CutPrefix(location, "s3://")
	if !found {
		return cfg, false, nil
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return cfg, true, fmt.Errorf("invalid state location %q: missing bucket", location)
	}

	cfg = ObjectConfig{
		Endpoint: os.Getenv(EnvS3Endpoint),
		Region:   os.Getenv(EnvS3Region),
		Bucket:   bucket,
		Prefix:   strings.Trim(prefix, "/"),
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultS3Endpoint
	}
	if v := os.Getenv(EnvS3Insecure); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, true, fmt.Errorf("invalid %s %q: %w", EnvS3Insecure, v, err)
		}
		cfg.Insecure = insecure
	}
	return cfg, true, nil
}

// Ensure ObjectStore implements run.Store.
var _ run.Store = (*ObjectStore)(nil)
