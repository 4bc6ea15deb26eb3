// Package survey loads raw survey exports from the reporting API, keeping a
// gzip-compressed copy in a JetStream object store.
package survey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/config"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/logger"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrNotCached is returned by a Cache on a miss.
var ErrNotCached = errors.New("survey not cached")

type Cache interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
}

// Loader is what handlers depend on.
type Loader interface {
	Load(ctx context.Context, kbid string, keyNumber int) (json.RawMessage, error)
}

type Source struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	cache      Cache
	logger     *logger.Logger
}

func NewSource(cfg config.ReportingConfig, cache Cache, log *logger.Logger) *Source {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	if !strings.HasSuffix(cfg.URL, "/") {
		cfg.URL += "/"
	}
	return &Source{
		baseURL:    cfg.URL,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
		logger:     log.Named("survey"),
	}
}

func objectName(kbid string, keyNumber int) string {
	return kbid + "/" + strconv.Itoa(keyNumber) + ".json.gz"
}

// Load returns the survey export for kbid/keyNumber, from the cache when
// possible. Cache failures are logged and fall through to the API.
func (s *Source) Load(ctx context.Context, kbid string, keyNumber int) (json.RawMessage, error) {
	name := objectName(kbid, keyNumber)

	if s.cache != nil {
		compressed, err := s.cache.Get(ctx, name)
		switch {
		case err == nil:
			data, err := gunzip(compressed)
			if err == nil && json.Valid(data) {
				return data, nil
			}
			s.logger.Warnw("discarding corrupt cached survey", "object", name, "error", err)
		case !errors.Is(err, ErrNotCached):
			s.logger.Warnw("survey cache read failed", "object", name, "error", err)
		}
	}

	data, err := s.fetch(ctx, kbid, keyNumber)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		compressed, err := gzipBytes(data)
		if err == nil {
			err = s.cache.Put(ctx, name, compressed)
		}
		if err != nil {
			s.logger.Warnw("survey cache write failed", "object", name, "error", err)
		}
	}
	return data, nil
}

func (s *Source) fetch(ctx context.Context, kbid string, keyNumber int) (json.RawMessage, error) {
	endpoint := s.baseURL + "exports/json_exports/survey_data/" + url.PathEscape(kbid) + "/" + strconv.Itoa(keyNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Username", s.username)
	req.Header.Set("X-Password", s.password)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to load survey data for kbid=%s, key_number=%d: %w", kbid, keyNumber, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to load survey data for kbid=%s, key_number=%d: %w", kbid, keyNumber, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to load survey data for kbid=%s, key_number=%d: status %d", kbid, keyNumber, resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("failed to load survey data for kbid=%s, key_number=%d: invalid JSON", kbid, keyNumber)
	}
	return body, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// ObjectStoreCache keeps survey exports in a JetStream object store bucket.
type ObjectStoreCache struct {
	store jetstream.ObjectStore
}

// NewObjectStoreCache binds to bucket, creating it when it does not exist.
func NewObjectStoreCache(ctx context.Context, js jetstream.JetStream, bucket string) (*ObjectStoreCache, error) {
	store, err := js.ObjectStore(ctx, bucket)
	if err != nil {
		store, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "gzip-compressed survey exports",
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open object store %q: %w", bucket, err)
		}
	}
	return &ObjectStoreCache{store: store}, nil
}

func (c *ObjectStoreCache) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := c.store.GetBytes(ctx, name)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, ErrNotCached
	}
	return data, err
}

func (c *ObjectStoreCache) Put(ctx context.Context, name string, data []byte) error {
	_, err := c.store.PutBytes(ctx, name, data)
	return err
}
